package model

import "time"

// Report is the API-side view of a report record.
type Report struct {
	ReportID         string     `db:"report_id"`
	UserID           string     `db:"user_id"`
	UserEmail        string     `db:"user_email"`
	AssessmentID     string     `db:"assessment_id"`
	Status           string     `db:"status"`
	LastErrorKind    string     `db:"last_error_kind"`
	LastErrorMessage string     `db:"last_error_message"`
	NotifyError      string     `db:"notify_error"`
	ArtifactRef      string     `db:"artifact_ref"`
	CreatedAt        time.Time  `db:"created_at"`
	UpdatedAt        time.Time  `db:"updated_at"`
	CompletedAt      *time.Time `db:"completed_at"`
}

// Assessment is one submitted questionnaire. Answers are stored as JSON and
// never modified after submission.
type Assessment struct {
	ID        string    `db:"id"`
	UserID    string    `db:"user_id"`
	Language  string    `db:"language"`
	Answers   []byte    `db:"answers"`
	CreatedAt time.Time `db:"created_at"`
}
