package insight

import (
	"context"
	"errors"
	"fmt"

	"github.com/bioage/reset-backend/internal/assessment"
)

// ErrMalformedResponse marks an insight payload that violates the schema
// contract. It is fatal to the attempt and never retried.
var ErrMalformedResponse = errors.New("malformed insight payload")

// Categories scored by every generator, in report order.
var Categories = []string{"sleep", "nutrition", "training", "stress"}

// Payload is the structured output of the generation stage and the input to
// PDF composition. Immutable once produced; persisted on the report record
// before the composing transition.
type Payload struct {
	Disclaimer string         `json:"disclaimer"`
	Summary    Summary        `json:"summary"`
	Scores     map[string]int `json:"scores"`
	Narrative  string         `json:"narrative"`
	Plan       []PlanWeek     `json:"plan_90_days"`
	Warnings   []string       `json:"warnings,omitempty"`
}

// Summary is the headline section of the payload.
type Summary struct {
	BioAgeEstimate string   `json:"bioage_estimate"`
	KeyFocus       []string `json:"key_focus"`
}

// PlanWeek is one week of the 90-day plan.
type PlanWeek struct {
	Week    int      `json:"week"`
	Focus   string   `json:"focus"`
	Actions []string `json:"actions"`
}

// Validate checks the schema contract shared by both generator variants and
// enforced again before composition.
func (p *Payload) Validate() error {
	if p == nil {
		return fmt.Errorf("%w: payload is nil", ErrMalformedResponse)
	}
	if p.Disclaimer == "" {
		return fmt.Errorf("%w: missing disclaimer", ErrMalformedResponse)
	}
	if p.Summary.BioAgeEstimate == "" {
		return fmt.Errorf("%w: missing summary.bioage_estimate", ErrMalformedResponse)
	}
	if len(p.Plan) == 0 {
		return fmt.Errorf("%w: plan_90_days is empty", ErrMalformedResponse)
	}
	for i, week := range p.Plan {
		if week.Week <= 0 {
			return fmt.Errorf("%w: plan_90_days[%d] has no week number", ErrMalformedResponse, i)
		}
		if week.Focus == "" {
			return fmt.Errorf("%w: plan_90_days[%d] has no focus", ErrMalformedResponse, i)
		}
		if len(week.Actions) == 0 {
			return fmt.Errorf("%w: plan_90_days[%d] has no actions", ErrMalformedResponse, i)
		}
	}
	return nil
}

// Generator produces an insight payload from a completed assessment.
// Implementations: ClaudeGenerator (external AI call) and MockGenerator
// (deterministic, offline). The variant is selected once at process start.
type Generator interface {
	Generate(ctx context.Context, a *assessment.Assessment) (*Payload, error)
	Name() string
}
