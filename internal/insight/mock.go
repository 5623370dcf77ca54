package insight

import (
	"context"
	"encoding/json"
	"fmt"
	"hash/fnv"
	"sort"
	"strings"

	"github.com/bioage/reset-backend/internal/assessment"
)

const mockDisclaimer = "This report is for educational purposes only and is not medical advice. " +
	"Consult a qualified professional before changing medication, training, or diet."

// MockGenerator produces an insight payload without any external call. The
// output is a pure function of the answer set: the same answers yield a
// bit-identical payload on every invocation, which keeps regeneration and
// crash-resume reproducible in environments without an API key.
type MockGenerator struct{}

// NewMockGenerator returns the offline generator variant.
func NewMockGenerator() *MockGenerator {
	return &MockGenerator{}
}

func (g *MockGenerator) Name() string { return "mock" }

// Generate derives per-category scores by hashing a canonical rendering of
// the answers, then builds the summary, narrative, and 12-week plan from
// those scores with no other source of variation.
func (g *MockGenerator) Generate(_ context.Context, a *assessment.Assessment) (*Payload, error) {
	canonical, err := canonicalAnswers(a.Answers)
	if err != nil {
		return nil, fmt.Errorf("failed to canonicalize answers: %w", err)
	}

	scores := make(map[string]int, len(Categories))
	for _, cat := range Categories {
		scores[cat] = mockScore(canonical, cat)
	}

	focus := weakestCategories(scores, 2)
	goal := answerText(a.Answers, "goal", "improve overall health")

	p := &Payload{
		Disclaimer: mockDisclaimer,
		Summary: Summary{
			BioAgeEstimate: mockBioAge(scores),
			KeyFocus:       focus,
		},
		Scores: scores,
		Narrative: fmt.Sprintf(
			"Based on your answers, the biggest leverage over the next 90 days is %s. "+
				"Your stated goal (%s) is realistic if the weekly plan below is followed consistently.",
			strings.Join(focus, " and "), goal,
		),
		Plan:     mockPlan(focus),
		Warnings: mockWarnings(a.Answers),
	}

	if err := p.Validate(); err != nil {
		return nil, err
	}
	return p, nil
}

// canonicalAnswers renders the answer map in a stable form. encoding/json
// sorts map keys, so equal answer sets always produce equal bytes.
func canonicalAnswers(answers map[string]any) (string, error) {
	b, err := json.Marshal(answers)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

// mockScore maps the answer set and category onto [55, 95].
func mockScore(canonical, category string) int {
	h := fnv.New32a()
	h.Write([]byte(canonical))
	h.Write([]byte("|"))
	h.Write([]byte(category))
	return 55 + int(h.Sum32()%41)
}

// weakestCategories returns the n lowest-scoring categories, ties broken
// alphabetically so the result is stable.
func weakestCategories(scores map[string]int, n int) []string {
	cats := make([]string, 0, len(scores))
	for c := range scores {
		cats = append(cats, c)
	}
	sort.Slice(cats, func(i, j int) bool {
		if scores[cats[i]] != scores[cats[j]] {
			return scores[cats[i]] < scores[cats[j]]
		}
		return cats[i] < cats[j]
	})
	if n > len(cats) {
		n = len(cats)
	}
	return cats[:n]
}

func mockBioAge(scores map[string]int) string {
	total := 0
	for _, s := range scores {
		total += s
	}
	avg := total / len(scores)
	switch {
	case avg >= 85:
		return "2-4 years below calendar age"
	case avg >= 70:
		return "roughly at calendar age"
	default:
		return "2-5 years above calendar age"
	}
}

var mockActions = map[string][]string{
	"sleep": {
		"Fixed wake time, 7 days a week",
		"No screens in the last 45 minutes before bed",
		"Bedroom below 19 degrees C",
	},
	"nutrition": {
		"Protein target of 1.6 g per kg bodyweight",
		"Two palm-sized vegetable portions per main meal",
		"No caloric drinks on weekdays",
	},
	"training": {
		"Two full-body strength sessions",
		"One zone-2 cardio session of 40+ minutes",
		"Daily 10-minute walk after the largest meal",
	},
	"stress": {
		"10 minutes of breathing practice before lunch",
		"Hard stop for work notifications after 20:00",
		"One screen-free outdoor hour on weekends",
	},
}

// mockPlan builds 12 weeks alternating between the two focus categories,
// with a consolidation block at the end.
func mockPlan(focus []string) []PlanWeek {
	plan := make([]PlanWeek, 0, 12)
	for week := 1; week <= 12; week++ {
		cat := focus[(week-1)%len(focus)]
		if week > 8 {
			cat = Categories[(week-1)%len(Categories)]
		}
		plan = append(plan, PlanWeek{
			Week:    week,
			Focus:   cat,
			Actions: mockActions[cat],
		})
	}
	return plan
}

func mockWarnings(answers map[string]any) []string {
	var warnings []string
	if answerText(answers, "smoking", "no") != "no" {
		warnings = append(warnings, "Smoking status reported; cessation outweighs every other intervention in this plan.")
	}
	if c := answerText(answers, "conditions", ""); c != "" {
		warnings = append(warnings, "Known conditions reported; clear this plan with your physician first.")
	}
	return warnings
}

func answerText(answers map[string]any, key, fallback string) string {
	v, ok := answers[key]
	if !ok {
		return fallback
	}
	s := strings.TrimSpace(fmt.Sprintf("%v", v))
	if s == "" {
		return fallback
	}
	return s
}
