package report

import (
	"bytes"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/go-pdf/fpdf"

	"github.com/bioage/reset-backend/internal/insight"
)

// ErrRender marks a payload that cannot be rendered. It is a contract error:
// retrying the same payload would fail the same way.
var ErrRender = errors.New("failed to render report")

// Composer renders an insight payload into a PDF document. Composition is a
// pure function of the payload plus the injected clock, so recomposing after
// a crash yields an equivalent document.
type Composer struct {
	// Now supplies the document creation timestamp. Injectable so tests can
	// pin it and assert byte-identical output.
	Now func() time.Time
}

// NewComposer returns a composer using the wall clock.
func NewComposer() *Composer {
	return &Composer{Now: time.Now}
}

// Compose renders the payload into PDF bytes. The payload is validated first;
// a payload that fails validation returns ErrRender and must not be retried.
func (c *Composer) Compose(p *insight.Payload, reportID string) ([]byte, error) {
	if err := p.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrRender, err)
	}

	now := c.Now().UTC()

	pdf := fpdf.New("P", "mm", "A4", "")
	pdf.SetTitle("BioAge Reset Protocol", true)
	pdf.SetAuthor("BioAge Reset", true)
	pdf.SetCreationDate(now)
	pdf.SetModificationDate(now)
	pdf.SetMargins(15, 15, 15)
	pdf.SetAutoPageBreak(true, 15)
	pdf.AddPage()

	// Title
	pdf.SetFont("Arial", "B", 18)
	pdf.CellFormat(0, 10, "Your 90-Day BioAge Reset Protocol", "", 1, "C", false, 0, "")
	pdf.SetFont("Arial", "", 9)
	pdf.SetTextColor(120, 120, 120)
	pdf.CellFormat(0, 5, fmt.Sprintf("Report %s - generated %s", reportID, now.Format("2006-01-02")), "", 1, "C", false, 0, "")
	pdf.SetTextColor(0, 0, 0)
	pdf.Ln(4)

	// Disclaimer
	pdf.SetFont("Arial", "I", 8)
	pdf.SetTextColor(100, 100, 100)
	pdf.MultiCell(0, 4, p.Disclaimer, "", "L", false)
	pdf.SetTextColor(0, 0, 0)
	pdf.Ln(4)

	// Summary
	c.sectionHeading(pdf, "Summary")
	pdf.SetFont("Arial", "", 10)
	pdf.MultiCell(0, 5, fmt.Sprintf("Estimated biological age: %s", p.Summary.BioAgeEstimate), "", "L", false)
	if len(p.Summary.KeyFocus) > 0 {
		pdf.MultiCell(0, 5, fmt.Sprintf("Key focus areas: %s", joinList(p.Summary.KeyFocus)), "", "L", false)
	}
	pdf.Ln(2)
	pdf.MultiCell(0, 5, p.Narrative, "", "L", false)
	pdf.Ln(4)

	// Scores
	if len(p.Scores) > 0 {
		c.sectionHeading(pdf, "Category Scores")
		c.scoresTable(pdf, p.Scores)
		pdf.Ln(4)
	}

	// Plan
	c.sectionHeading(pdf, "90-Day Plan")
	c.planTable(pdf, p.Plan)
	pdf.Ln(4)

	// Warnings
	if len(p.Warnings) > 0 {
		c.sectionHeading(pdf, "Warnings")
		pdf.SetFont("Arial", "", 9)
		pdf.SetTextColor(160, 40, 40)
		for _, w := range p.Warnings {
			pdf.MultiCell(0, 5, "- "+w, "", "L", false)
		}
		pdf.SetTextColor(0, 0, 0)
	}

	var buf bytes.Buffer
	if err := pdf.Output(&buf); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrRender, err)
	}
	return buf.Bytes(), nil
}

func (c *Composer) sectionHeading(pdf *fpdf.Fpdf, title string) {
	pdf.SetFont("Arial", "B", 13)
	pdf.CellFormat(0, 8, title, "", 1, "L", false, 0, "")
	pdf.Ln(1)
}

func (c *Composer) scoresTable(pdf *fpdf.Fpdf, scores map[string]int) {
	cats := make([]string, 0, len(scores))
	for cat := range scores {
		cats = append(cats, cat)
	}
	sort.Strings(cats)

	pdf.SetFont("Arial", "B", 9)
	pdf.SetFillColor(230, 230, 230)
	pdf.CellFormat(60, 6, "Category", "1", 0, "L", true, 0, "")
	pdf.CellFormat(30, 6, "Score", "1", 1, "C", true, 0, "")

	pdf.SetFont("Arial", "", 9)
	for _, cat := range cats {
		pdf.CellFormat(60, 6, cat, "1", 0, "L", false, 0, "")
		pdf.CellFormat(30, 6, fmt.Sprintf("%d / 100", scores[cat]), "1", 1, "C", false, 0, "")
	}
}

func (c *Composer) planTable(pdf *fpdf.Fpdf, plan []insight.PlanWeek) {
	pdf.SetFont("Arial", "B", 9)
	pdf.SetFillColor(230, 230, 230)
	pdf.CellFormat(15, 6, "Week", "1", 0, "C", true, 0, "")
	pdf.CellFormat(35, 6, "Focus", "1", 0, "L", true, 0, "")
	pdf.CellFormat(130, 6, "Actions", "1", 1, "L", true, 0, "")

	for _, week := range plan {
		actions := joinList(week.Actions)

		pdf.SetFont("Arial", "", 9)
		lineHeight := 5.0
		// Measure the wrapped actions column to keep row borders aligned.
		lines := pdf.SplitText(actions, 128)
		rowHeight := float64(len(lines)) * lineHeight
		if rowHeight < 6 {
			rowHeight = 6
		}

		if pdf.GetY()+rowHeight > 282 {
			pdf.AddPage()
		}

		x, y := pdf.GetXY()
		pdf.CellFormat(15, rowHeight, fmt.Sprintf("%d", week.Week), "1", 0, "C", false, 0, "")
		pdf.CellFormat(35, rowHeight, week.Focus, "1", 0, "L", false, 0, "")
		pdf.Rect(x+50, y, 130, rowHeight, "D")
		pdf.SetXY(x+51, y)
		pdf.MultiCell(128, lineHeight, actions, "", "L", false)
		pdf.SetXY(x, y+rowHeight)
	}
}

func joinList(items []string) string {
	var buf bytes.Buffer
	for i, item := range items {
		if i > 0 {
			buf.WriteString("; ")
		}
		buf.WriteString(item)
	}
	return buf.String()
}
