package report

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bioage/reset-backend/internal/insight"
)

func testPayload() *insight.Payload {
	return &insight.Payload{
		Disclaimer: "Not medical advice.",
		Summary: insight.Summary{
			BioAgeEstimate: "roughly at calendar age",
			KeyFocus:       []string{"sleep", "stress"},
		},
		Scores:    map[string]int{"sleep": 58, "nutrition": 72, "training": 80, "stress": 61},
		Narrative: "Sleep is the first lever. Stress follows in week five.",
		Plan: []insight.PlanWeek{
			{Week: 1, Focus: "sleep", Actions: []string{"fixed wake time", "no screens before bed"}},
			{Week: 2, Focus: "stress", Actions: []string{"breathing practice before lunch"}},
		},
		Warnings: []string{"Clear this plan with your physician first."},
	}
}

func fixedClock() time.Time {
	return time.Date(2026, 3, 14, 9, 0, 0, 0, time.UTC)
}

func TestComposer_Compose(t *testing.T) {
	c := NewComposer()
	c.Now = fixedClock

	data, err := c.Compose(testPayload(), "r-123")
	require.NoError(t, err)

	assert.True(t, len(data) > 500, "PDF should not be trivially small")
	assert.Equal(t, "%PDF", string(data[:4]))
}

func TestComposer_Deterministic(t *testing.T) {
	c := NewComposer()
	c.Now = fixedClock

	first, err := c.Compose(testPayload(), "r-123")
	require.NoError(t, err)
	second, err := c.Compose(testPayload(), "r-123")
	require.NoError(t, err)

	assert.Equal(t, first, second, "same payload and clock must yield identical bytes")
}

func TestComposer_InvalidPayload(t *testing.T) {
	c := NewComposer()
	c.Now = fixedClock

	tests := []struct {
		name   string
		mutate func(p *insight.Payload)
	}{
		{name: "missing disclaimer", mutate: func(p *insight.Payload) { p.Disclaimer = "" }},
		{name: "empty plan", mutate: func(p *insight.Payload) { p.Plan = nil }},
		{name: "week without actions", mutate: func(p *insight.Payload) { p.Plan[0].Actions = nil }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := testPayload()
			tt.mutate(p)

			data, err := c.Compose(p, "r-123")

			require.Error(t, err)
			assert.ErrorIs(t, err, ErrRender)
			assert.Nil(t, data)
		})
	}
}

func TestComposer_LongPlanPaginates(t *testing.T) {
	c := NewComposer()
	c.Now = fixedClock

	p := testPayload()
	p.Plan = nil
	for week := 1; week <= 40; week++ {
		p.Plan = append(p.Plan, insight.PlanWeek{
			Week:  week,
			Focus: "training",
			Actions: []string{
				"two full-body strength sessions with progressive overload on the main lifts",
				"one zone-2 cardio session of at least forty minutes at conversational pace",
			},
		})
	}

	data, err := c.Compose(p, "r-long")
	require.NoError(t, err)
	assert.NotEmpty(t, data)
}
