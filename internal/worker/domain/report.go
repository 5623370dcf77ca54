package domain

import "time"

// Report is the durable pipeline record for one generation run. Status moves
// strictly forward; insight_json and artifact_ref are filled as their stages
// complete so a crashed run can resume where it stopped.
type Report struct {
	ReportID         string     `db:"report_id"`
	UserID           string     `db:"user_id"`
	UserEmail        string     `db:"user_email"`
	AssessmentID     string     `db:"assessment_id"`
	Status           string     `db:"status"`
	AttemptCount     int        `db:"attempt_count"`
	LastErrorKind    string     `db:"last_error_kind"`
	LastErrorMessage string     `db:"last_error_message"`
	NotifyError      string     `db:"notify_error"`
	InsightJSON      []byte     `db:"insight_json"`
	ArtifactRef      string     `db:"artifact_ref"`
	WorkerID         string     `db:"worker_id"`
	LastHeartbeatAt  *time.Time `db:"last_heartbeat_at"`
	CreatedAt        time.Time  `db:"created_at"`
	UpdatedAt        time.Time  `db:"updated_at"`
	CompletedAt      *time.Time `db:"completed_at"`
}

// ReportJobMessage is one queued generation job plus its delivery tag for
// ack/nack bookkeeping.
type ReportJobMessage struct {
	ReportID    string `json:"report_id"`
	Attempt     int    `json:"attempt"`
	DeliveryTag uint64 `json:"-"`
}
