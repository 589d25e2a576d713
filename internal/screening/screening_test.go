package screening

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"owleval/internal/domain"
)

func testValidator() *Validator {
	return New(Config{
		Version:       "2024-07",
		PassThreshold: 2,
		VideoTasks: []VideoTask{
			{ID: "blurry", ExpectedRating: []int{1, 2}},
			{ID: "sharp", ExpectedRating: []int{4, 5}},
			{ID: "static", ExpectedRating: []int{1}},
		},
		ComparisonTasks: []ComparisonTask{
			{ID: "obvious-a", ExpectedWinner: WinnerA},
			{ID: "obvious-b", ExpectedWinner: WinnerB},
			{ID: "toss-up", ExpectedWinner: WinnerEither},
		},
	})
}

func TestSingleVideoRatingMustBeInExpectedSet(t *testing.T) {
	v := testValidator()

	res := v.Validate(domain.ModeSingleVideo, map[string]any{"blurry": 3})
	assert.Contains(t, res.FailedTasks, "blurry")
	assert.False(t, res.Details["blurry"].Passed)
	assert.Equal(t, []int{1, 2}, res.Details["blurry"].ExpectedAnswer)
	assert.Equal(t, 3, res.Details["blurry"].ActualAnswer)

	res = v.Validate(domain.ModeSingleVideo, map[string]any{"blurry": 1})
	assert.Contains(t, res.PassedTasks, "blurry")
	assert.True(t, res.Details["blurry"].Passed)
}

func TestPassThresholdIsGlobal(t *testing.T) {
	v := testValidator()

	res := v.Validate(domain.ModeSingleVideo, map[string]any{"blurry": 1, "sharp": 2, "static": 5})
	assert.Equal(t, []string{"blurry"}, res.PassedTasks)
	assert.False(t, res.Passed)

	res = v.Validate(domain.ModeSingleVideo, map[string]any{"blurry": 1, "sharp": 5, "static": 5})
	assert.Equal(t, []string{"blurry", "sharp"}, res.PassedTasks)
	assert.Equal(t, []string{"static"}, res.FailedTasks)
	assert.True(t, res.Passed)
	assert.Equal(t, "2024-07", res.Version)
}

func TestEitherAcceptsAnyVerdict(t *testing.T) {
	v := testValidator()
	for _, answer := range []string{"A", "B", "Equal"} {
		res := v.Validate(domain.ModeComparison, map[string]any{"toss-up": answer})
		assert.Contains(t, res.PassedTasks, "toss-up", answer)
	}
	for _, answer := range []any{"equal", "a", "C", "", 1, nil} {
		res := v.Validate(domain.ModeComparison, map[string]any{"toss-up": answer})
		assert.Contains(t, res.FailedTasks, "toss-up", answer)
	}
}

func TestComparisonRequiresExactMatch(t *testing.T) {
	v := testValidator()
	res := v.Validate(domain.ModeComparison, map[string]any{"obvious-a": "A", "obvious-b": "Equal", "toss-up": "B"})
	assert.Equal(t, []string{"obvious-a", "toss-up"}, res.PassedTasks)
	assert.Equal(t, []string{"obvious-b"}, res.FailedTasks)
	assert.True(t, res.Passed)
}

func TestMissingAndMalformedAnswersFail(t *testing.T) {
	v := testValidator()
	res := v.Validate(domain.ModeSingleVideo, map[string]any{"blurry": "one", "sharp": 4.5})
	assert.Empty(t, res.PassedTasks)
	assert.ElementsMatch(t, []string{"blurry", "sharp", "static"}, res.FailedTasks)
	assert.Nil(t, res.Details["static"].ActualAnswer)
	assert.False(t, res.Passed)

	res = v.Validate(domain.ModeComparison, nil)
	assert.Len(t, res.FailedTasks, 3)
	assert.False(t, res.Passed)
}

func TestAnswersDecodedFromJSON(t *testing.T) {
	var answers map[string]any
	require.NoError(t, json.Unmarshal([]byte(`{"blurry":2,"sharp":"5","static":1.0}`), &answers))
	res := testValidator().Validate(domain.ModeSingleVideo, answers)
	assert.Len(t, res.PassedTasks, 3)
	assert.True(t, res.Passed)
}

func TestUnknownModeNeverPasses(t *testing.T) {
	res := testValidator().Validate("audio", map[string]any{"blurry": 1})
	assert.False(t, res.Passed)
	assert.Empty(t, res.PassedTasks)
	assert.Empty(t, res.Details)
}

func TestRecordCarriesVersion(t *testing.T) {
	v := testValidator()
	res := v.Validate(domain.ModeComparison, map[string]any{"obvious-a": "A", "obvious-b": "B"})
	rec := res.Record(domain.ModeComparison, "2024-07-01T10:00:00Z")
	assert.Equal(t, "2024-07", rec.Version)
	assert.Equal(t, domain.ModeComparison, rec.Mode)
	assert.True(t, rec.Passed)
	assert.InDelta(t, 2.0/3.0, rec.PassFraction(), 1e-9)
}

func TestCheckTaskIDs(t *testing.T) {
	cfg := testValidator().Config
	require.NoError(t, cfg.CheckTaskIDs())
	cfg.ComparisonTasks = append(cfg.ComparisonTasks, ComparisonTask{ID: "toss-up", ExpectedWinner: WinnerA})
	assert.Error(t, cfg.CheckTaskIDs())
}
