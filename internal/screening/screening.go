// Package screening grades a participant's qualification answers against a fixed answer key.
package screening

import (
	"encoding/json"
	"fmt"
	"math"
	"strconv"
	"strings"

	"owleval/internal/domain"
)

// Winner is an expected or given answer for a comparison screening task.
type Winner string

const (
	WinnerA      Winner = "A"
	WinnerB      Winner = "B"
	WinnerEqual  Winner = "Equal"
	WinnerEither Winner = "either"
)

// VideoTask asks the participant to rate a single clip.
type VideoTask struct {
	ID             string `yaml:"id" json:"id" validate:"required"`
	Title          string `yaml:"title" json:"title"`
	VideoPath      string `yaml:"video_path" json:"video_path"`
	ExpectedRating []int  `yaml:"expected_rating" json:"expected_rating" validate:"required,min=1,dive,min=1,max=5"`
}

// ComparisonTask asks which of two clips is better.
type ComparisonTask struct {
	ID             string `yaml:"id" json:"id" validate:"required"`
	Title          string `yaml:"title" json:"title"`
	VideoAPath     string `yaml:"video_a_path" json:"video_a_path"`
	VideoBPath     string `yaml:"video_b_path" json:"video_b_path"`
	ExpectedWinner Winner `yaml:"expected_winner" json:"expected_winner" validate:"required,oneof=A B either"`
}

// Config is the answer key. It is loaded once and never mutated.
type Config struct {
	Version         string           `yaml:"version" json:"version" validate:"required"`
	PassThreshold   int              `yaml:"pass_threshold" json:"pass_threshold" validate:"gte=0"`
	VideoTasks      []VideoTask      `yaml:"video_tasks" json:"video_tasks" validate:"dive"`
	ComparisonTasks []ComparisonTask `yaml:"comparison_tasks" json:"comparison_tasks" validate:"dive"`
}

// TaskDetail is the per-task grading outcome.
type TaskDetail struct {
	Passed         bool `json:"passed"`
	ExpectedAnswer any  `json:"expected_answer"`
	ActualAnswer   any  `json:"actual_answer"`
}

type Result struct {
	Passed      bool                  `json:"passed"`
	PassedTasks []string              `json:"passed_tasks"`
	FailedTasks []string              `json:"failed_tasks"`
	Details     map[string]TaskDetail `json:"details"`
	Version     string                `json:"version"`
}

// Record converts the result into what is stored on the participant.
func (r Result) Record(mode domain.EvaluationMode, recordedAt string) domain.ScreeningRecord {
	return domain.ScreeningRecord{
		Mode:        mode,
		Version:     r.Version,
		Passed:      r.Passed,
		PassedTasks: append([]string(nil), r.PassedTasks...),
		FailedTasks: append([]string(nil), r.FailedTasks...),
		RecordedAt:  recordedAt,
	}
}

type Validator struct {
	Config Config
}

func New(cfg Config) *Validator {
	return &Validator{Config: cfg}
}

// Tasks returns the task ids graded for a mode, in answer-key order.
func (v *Validator) Tasks(mode domain.EvaluationMode) []string {
	var ids []string
	switch mode {
	case domain.ModeSingleVideo:
		for _, t := range v.Config.VideoTasks {
			ids = append(ids, t.ID)
		}
	case domain.ModeComparison:
		for _, t := range v.Config.ComparisonTasks {
			ids = append(ids, t.ID)
		}
	}
	return ids
}

// Validate grades answers keyed by task id. A missing or malformed answer fails that task.
// An unknown mode grades nothing and never passes.
func (v *Validator) Validate(mode domain.EvaluationMode, answers map[string]any) Result {
	res := Result{
		PassedTasks: []string{},
		FailedTasks: []string{},
		Details:     map[string]TaskDetail{},
		Version:     v.Config.Version,
	}
	record := func(id string, passed bool, expected, actual any) {
		res.Details[id] = TaskDetail{Passed: passed, ExpectedAnswer: expected, ActualAnswer: actual}
		if passed {
			res.PassedTasks = append(res.PassedTasks, id)
		} else {
			res.FailedTasks = append(res.FailedTasks, id)
		}
	}

	switch mode {
	case domain.ModeSingleVideo:
		for _, task := range v.Config.VideoTasks {
			actual, ok := answers[task.ID]
			rating, valid := integral(actual)
			record(task.ID, ok && valid && containsInt(task.ExpectedRating, rating), task.ExpectedRating, actual)
		}
	case domain.ModeComparison:
		for _, task := range v.Config.ComparisonTasks {
			actual, ok := answers[task.ID]
			record(task.ID, ok && winnerAccepted(task.ExpectedWinner, actual), task.ExpectedWinner, actual)
		}
	default:
		return res
	}

	res.Passed = len(res.PassedTasks) >= v.Config.PassThreshold
	return res
}

func winnerAccepted(expected Winner, actual any) bool {
	s, ok := actual.(string)
	if !ok {
		return false
	}
	given := Winner(s)
	if expected == WinnerEither {
		return given == WinnerA || given == WinnerB || given == WinnerEqual
	}
	return given == expected
}

// integral accepts the numeric shapes answers arrive in from JSON bodies, YAML files and form posts.
func integral(v any) (int, bool) {
	switch n := v.(type) {
	case int:
		return n, true
	case int64:
		return int(n), true
	case float64:
		if math.Trunc(n) != n || math.IsInf(n, 0) {
			return 0, false
		}
		return int(n), true
	case json.Number:
		i, err := n.Int64()
		if err != nil {
			return 0, false
		}
		return int(i), true
	case string:
		i, err := strconv.Atoi(strings.TrimSpace(n))
		if err != nil {
			return 0, false
		}
		return i, true
	default:
		return 0, false
	}
}

func containsInt(set []int, v int) bool {
	for _, x := range set {
		if x == v {
			return true
		}
	}
	return false
}

// CheckTaskIDs reports duplicate task ids within a mode.
func (c Config) CheckTaskIDs() error {
	seen := map[string]bool{}
	for _, t := range c.VideoTasks {
		if seen[t.ID] {
			return fmt.Errorf("duplicate video screening task %s", t.ID)
		}
		seen[t.ID] = true
	}
	seen = map[string]bool{}
	for _, t := range c.ComparisonTasks {
		if seen[t.ID] {
			return fmt.Errorf("duplicate comparison screening task %s", t.ID)
		}
		seen[t.ID] = true
	}
	return nil
}
