package assessment

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Assessment is one user attempt at the questionnaire. Answers are immutable
// once the assessment is submitted; exactly one report record references an
// assessment at a time.
type Assessment struct {
	ID        string         `json:"id"`
	UserID    string         `json:"user_id"`
	Language  string         `json:"language"`
	Answers   map[string]any `json:"answers"`
	CreatedAt time.Time      `json:"created_at"`
}

// Question kinds
const (
	KindText   = "text"
	KindNumber = "number"
	KindChoice = "choice"
)

// Question describes one entry of the intake questionnaire.
type Question struct {
	ID       string
	Label    string
	Kind     string
	Required bool
	Choices  []string
}

// Questions is the intake questionnaire, in presentation order.
var Questions = []Question{
	{ID: "age", Label: "Your age", Kind: KindNumber, Required: true},
	{ID: "sex", Label: "Sex", Kind: KindChoice, Required: true, Choices: []string{"male", "female"}},
	{ID: "height_cm", Label: "Height (cm)", Kind: KindNumber, Required: true},
	{ID: "weight_kg", Label: "Weight (kg)", Kind: KindNumber, Required: true},
	{ID: "sleep_hours", Label: "Average sleep per night (hours)", Kind: KindNumber, Required: true},
	{ID: "training", Label: "Training per week (e.g., 3x gym + 2x cardio)", Kind: KindText, Required: true},
	{ID: "nutrition", Label: "Main nutrition style (e.g., high-protein, keto, balanced)", Kind: KindText, Required: true},
	{ID: "stress", Label: "Stress level (1-10)", Kind: KindNumber, Required: true},
	{ID: "smoking", Label: "Do you smoke?", Kind: KindChoice, Required: true, Choices: []string{"no", "sometimes", "yes"}},
	{ID: "alcohol", Label: "Alcohol per week", Kind: KindText, Required: true},
	{ID: "conditions", Label: "Known conditions / meds (optional)", Kind: KindText, Required: false},
	{ID: "goal", Label: "Your 90-day goal (e.g., lose fat, improve sleep)", Kind: KindText, Required: true},
}

// QuestionByID returns the catalog question with the given id.
func QuestionByID(id string) (Question, bool) {
	for _, q := range Questions {
		if q.ID == id {
			return q, true
		}
	}
	return Question{}, false
}

// ValidateAnswer checks a single answer against its question definition.
func ValidateAnswer(q Question, value any) error {
	s := stringify(value)
	if q.Required && s == "" {
		return fmt.Errorf("answer %q is required", q.ID)
	}

	if s == "" {
		return nil
	}

	switch q.Kind {
	case KindNumber:
		if _, err := strconv.ParseFloat(strings.ReplaceAll(s, ",", "."), 64); err != nil {
			return fmt.Errorf("answer %q must be a number", q.ID)
		}
	case KindChoice:
		for _, c := range q.Choices {
			if s == c {
				return nil
			}
		}
		return fmt.Errorf("answer %q must be one of %v", q.ID, q.Choices)
	}

	return nil
}

// ValidateAnswers checks a full answer set against the catalog: every
// required question must be answered and every answer must satisfy its
// question's kind. Keys outside the catalog are rejected.
func ValidateAnswers(answers map[string]any) error {
	for key := range answers {
		if _, ok := QuestionByID(key); !ok {
			return fmt.Errorf("unknown question: %q", key)
		}
	}

	for _, q := range Questions {
		v, ok := answers[q.ID]
		if !ok {
			if q.Required {
				return fmt.Errorf("answer %q is required", q.ID)
			}
			continue
		}
		if err := ValidateAnswer(q, v); err != nil {
			return err
		}
	}

	return nil
}

func stringify(v any) string {
	switch t := v.(type) {
	case nil:
		return ""
	case string:
		return strings.TrimSpace(t)
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64)
	case int:
		return strconv.Itoa(t)
	case bool:
		return strconv.FormatBool(t)
	default:
		return strings.TrimSpace(fmt.Sprintf("%v", t))
	}
}
