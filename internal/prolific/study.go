package prolific

import (
	"crypto/rand"
	"fmt"
	"math"
	"math/big"
	"net/url"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/shopspring/decimal"
)

const (
	completionCodeLength   = 8
	completionCodeAlphabet = "ABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789"
	minutesPerTask         = 2
)

// StudyOptions describes a study to create for an experiment.
type StudyOptions struct {
	Name                   string `validate:"required"`
	Description            string `validate:"required"`
	ExperimentSlug         string `validate:"required"`
	AppBaseURL             string `validate:"required,url"`
	Participants           int    `validate:"gt=0"`
	TasksPerParticipant    int    `validate:"gt=0"`
	CompletionCode         string `validate:"omitempty,alphanum,len=8"`
	DeviceCompatibility    []string
	PeripheralRequirements []string
	Eligibility            []map[string]any
	// Reward is the total per participant in major currency units.
	Reward decimal.Decimal
}

// CreateStudyRequest is the POST body for a new study.
type CreateStudyRequest struct {
	Name                    string           `json:"name"`
	InternalName            string           `json:"internal_name,omitempty"`
	Description             string           `json:"description"`
	ExternalStudyURL        string           `json:"external_study_url"`
	ProlificIDOption        string           `json:"prolific_id_option"`
	CompletionCode          string           `json:"completion_code"`
	CompletionOption        string           `json:"completion_option"`
	EstimatedCompletionTime int              `json:"estimated_completion_time"`
	Reward                  int              `json:"reward"`
	TotalAvailablePlaces    int              `json:"total_available_places"`
	EligibilityRequirements []map[string]any `json:"eligibility_requirements"`
	DeviceCompatibility     []string         `json:"device_compatibility,omitempty"`
	PeripheralRequirements  []string         `json:"peripheral_requirements,omitempty"`
}

var validate = validator.New()

// BuildStudy validates the options and derives duration, reward and completion code.
func BuildStudy(opts StudyOptions) (CreateStudyRequest, error) {
	if err := validate.Struct(opts); err != nil {
		return CreateStudyRequest{}, err
	}
	if !opts.Reward.IsPositive() {
		return CreateStudyRequest{}, fmt.Errorf("reward must be positive")
	}
	code := opts.CompletionCode
	if code == "" {
		var err error
		if code, err = NewCompletionCode(); err != nil {
			return CreateStudyRequest{}, err
		}
	}
	eligibility := opts.Eligibility
	if eligibility == nil {
		eligibility = []map[string]any{}
	}
	devices := opts.DeviceCompatibility
	if devices == nil {
		devices = []string{"desktop"}
	}
	return CreateStudyRequest{
		Name:                    opts.Name,
		InternalName:            opts.ExperimentSlug,
		Description:             opts.Description,
		ExternalStudyURL:        ExternalStudyURL(opts.AppBaseURL, opts.ExperimentSlug),
		ProlificIDOption:        "url_parameters",
		CompletionCode:          code,
		CompletionOption:        "url",
		EstimatedCompletionTime: EstimatedCompletionMinutes(float64(opts.TasksPerParticipant)),
		Reward:                  RewardMinorUnits(opts.Reward),
		TotalAvailablePlaces:    opts.Participants,
		EligibilityRequirements: eligibility,
		DeviceCompatibility:     devices,
		PeripheralRequirements:  opts.PeripheralRequirements,
	}, nil
}

// EstimatedCompletionMinutes allows two minutes per task, rounded up.
func EstimatedCompletionMinutes(tasks float64) int {
	return int(math.Ceil(tasks * minutesPerTask))
}

// RewardMinorUnits converts a major-unit amount (e.g. 8.50) to minor units, rounding half away
// from zero.
func RewardMinorUnits(major decimal.Decimal) int {
	return int(major.Mul(decimal.NewFromInt(100)).Round(0).IntPart())
}

// FormatMinorUnits renders minor units as a major-unit amount with two decimals.
func FormatMinorUnits(minor int) string {
	return decimal.New(int64(minor), -2).StringFixed(2)
}

// NewCompletionCode returns a random uppercase alphanumeric code.
func NewCompletionCode() (string, error) {
	size := big.NewInt(int64(len(completionCodeAlphabet)))
	var b strings.Builder
	for i := 0; i < completionCodeLength; i++ {
		n, err := rand.Int(rand.Reader, size)
		if err != nil {
			return "", fmt.Errorf("completion code: %w", err)
		}
		b.WriteByte(completionCodeAlphabet[n.Int64()])
	}
	return b.String(), nil
}

// ExternalStudyURL is where Prolific sends participants, with Prolific's URL placeholders.
func ExternalStudyURL(appBaseURL, experimentSlug string) string {
	base := strings.TrimRight(appBaseURL, "/")
	return fmt.Sprintf("%s/prolific/start?experiment=%s&PROLIFIC_PID={{%%PROLIFIC_PID%%}}&STUDY_ID={{%%STUDY_ID%%}}&SESSION_ID={{%%SESSION_ID%%}}",
		base, url.QueryEscape(experimentSlug))
}
