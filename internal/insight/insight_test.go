package insight

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bioage/reset-backend/internal/assessment"
)

func sampleAssessment() *assessment.Assessment {
	return &assessment.Assessment{
		ID:       "a-1",
		UserID:   "u-1",
		Language: "en",
		Answers: map[string]any{
			"age":         42,
			"sex":         "male",
			"height_cm":   180,
			"weight_kg":   82.5,
			"sleep_hours": 6,
			"training":    "2x gym",
			"nutrition":   "balanced",
			"stress":      7,
			"smoking":     "no",
			"alcohol":     "rarely",
			"goal":        "improve sleep",
		},
		CreatedAt: time.Now(),
	}
}

func TestMockGenerator_Deterministic(t *testing.T) {
	g := NewMockGenerator()
	a := sampleAssessment()

	first, err := g.Generate(context.Background(), a)
	require.NoError(t, err)
	second, err := g.Generate(context.Background(), a)
	require.NoError(t, err)

	firstJSON, err := json.Marshal(first)
	require.NoError(t, err)
	secondJSON, err := json.Marshal(second)
	require.NoError(t, err)

	assert.Equal(t, firstJSON, secondJSON, "same answers must yield bit-identical payloads")
}

func TestMockGenerator_PayloadShape(t *testing.T) {
	g := NewMockGenerator()

	p, err := g.Generate(context.Background(), sampleAssessment())
	require.NoError(t, err)

	require.NoError(t, p.Validate())
	assert.NotEmpty(t, p.Disclaimer)
	assert.Len(t, p.Plan, 12)
	assert.Len(t, p.Summary.KeyFocus, 2)
	for _, cat := range Categories {
		score, ok := p.Scores[cat]
		require.True(t, ok, "missing score for %s", cat)
		assert.GreaterOrEqual(t, score, 0)
		assert.LessOrEqual(t, score, 100)
	}
	assert.Contains(t, p.Narrative, "improve sleep")
}

func TestMockGenerator_DifferentAnswersDifferentScores(t *testing.T) {
	g := NewMockGenerator()
	a := sampleAssessment()
	b := sampleAssessment()
	b.Answers["sleep_hours"] = 9

	pa, err := g.Generate(context.Background(), a)
	require.NoError(t, err)
	pb, err := g.Generate(context.Background(), b)
	require.NoError(t, err)

	assert.NotEqual(t, pa.Scores, pb.Scores)
}

func TestMockGenerator_Warnings(t *testing.T) {
	g := NewMockGenerator()
	a := sampleAssessment()
	a.Answers["smoking"] = "yes"
	a.Answers["conditions"] = "hypertension"

	p, err := g.Generate(context.Background(), a)
	require.NoError(t, err)

	assert.Len(t, p.Warnings, 2)
}

func TestParseResponse(t *testing.T) {
	valid := `{
		"disclaimer": "Not medical advice.",
		"summary": {"bioage_estimate": "roughly at calendar age", "key_focus": ["sleep"]},
		"scores": {"sleep": 60, "nutrition": 70, "training": 75, "stress": 55},
		"narrative": "Focus on sleep first.",
		"plan_90_days": [{"week": 1, "focus": "sleep", "actions": ["fixed wake time"]}],
		"warnings": []
	}`

	tests := []struct {
		name    string
		text    string
		wantErr bool
	}{
		{name: "plain json", text: valid, wantErr: false},
		{name: "fenced json", text: "```json\n" + valid + "\n```", wantErr: false},
		{name: "not json", text: "Here is your plan: sleep more.", wantErr: true},
		{name: "missing disclaimer", text: `{"summary":{"bioage_estimate":"x","key_focus":[]},"scores":{},"narrative":"n","plan_90_days":[{"week":1,"focus":"f","actions":["a"]}]}`, wantErr: true},
		{name: "empty plan", text: `{"disclaimer":"d","summary":{"bioage_estimate":"x","key_focus":[]},"scores":{},"narrative":"n","plan_90_days":[]}`, wantErr: true},
		{name: "week without actions", text: `{"disclaimer":"d","summary":{"bioage_estimate":"x","key_focus":[]},"scores":{},"narrative":"n","plan_90_days":[{"week":1,"focus":"f","actions":[]}]}`, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p, err := ParseResponse(tt.text)

			if tt.wantErr {
				require.Error(t, err)
				assert.ErrorIs(t, err, ErrMalformedResponse)
				assert.Nil(t, p)
			} else {
				require.NoError(t, err)
				require.NotNil(t, p)
				assert.NoError(t, p.Validate())
			}
		})
	}
}

func TestPayload_Validate(t *testing.T) {
	var nilPayload *Payload
	assert.ErrorIs(t, nilPayload.Validate(), ErrMalformedResponse)

	p := &Payload{
		Disclaimer: "d",
		Summary:    Summary{BioAgeEstimate: "x"},
		Narrative:  "n",
		Plan:       []PlanWeek{{Week: 1, Focus: "sleep", Actions: []string{"a"}}},
	}
	assert.NoError(t, p.Validate())

	p.Plan[0].Week = 0
	assert.ErrorIs(t, p.Validate(), ErrMalformedResponse)
}
