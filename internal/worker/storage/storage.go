package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/bioage/reset-backend/internal/assessment"
	"github.com/bioage/reset-backend/internal/worker/domain"
)

// reportColumns is the scan list shared by every query returning a full
// record. Nullable text columns are coalesced so they scan into plain
// strings.
const reportColumns = `
	report_id, user_id, user_email, assessment_id, status, attempt_count,
	COALESCE(last_error_kind, '') AS last_error_kind,
	COALESCE(last_error_message, '') AS last_error_message,
	COALESCE(notify_error, '') AS notify_error,
	insight_json,
	COALESCE(artifact_ref, '') AS artifact_ref,
	COALESCE(worker_id, '') AS worker_id,
	last_heartbeat_at, created_at, updated_at, completed_at`

// Storage handles all database operations for the worker
type Storage struct {
	db     *sqlx.DB
	logger *slog.Logger
}

// NewStorage creates a new Storage instance
func NewStorage(db *sqlx.DB, logger *slog.Logger) *Storage {
	return &Storage{
		db:     db,
		logger: logger,
	}
}

// ClaimReport attempts to take ownership of a report via a conditional
// update. The heartbeat acts as the claim lease: a record whose holder
// stopped heartbeating for longer than staleAfter may be re-claimed, so a
// redelivered job can resume work a crashed worker left behind. A pending
// record moves to generating as part of the claim; a mid-pipeline record
// keeps its status so the pipeline resumes at the right stage.
func (s *Storage) ClaimReport(ctx context.Context, reportID, workerID string, staleAfter time.Duration) (*domain.Report, error) {
	query := `
		UPDATE reports
		SET status = CASE WHEN status = $1 THEN $2 ELSE status END,
		    worker_id = $3,
		    last_heartbeat_at = NOW(),
		    updated_at = NOW()
		WHERE report_id = $4
		  AND status NOT IN ($5, $6)
		  AND (worker_id IS NULL
		       OR worker_id = $3
		       OR last_heartbeat_at IS NULL
		       OR last_heartbeat_at < NOW() - make_interval(secs => $7))
		RETURNING` + reportColumns

	var rec domain.Report
	err := s.db.GetContext(ctx, &rec, query,
		domain.StatusPending, domain.StatusGenerating,
		workerID, reportID,
		domain.StatusCompleted, domain.StatusFailed,
		staleAfter.Seconds(),
	)

	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, s.classifyClaimFailure(ctx, reportID, workerID)
		}
		return nil, fmt.Errorf("failed to claim report: %w", err)
	}

	s.logger.Info("report claimed",
		slog.String("report_id", reportID),
		slog.String("worker_id", workerID),
		slog.String("status", rec.Status),
	)

	return &rec, nil
}

// classifyClaimFailure distinguishes the three reasons a claim update can
// match no rows. All three lead to dropping the message without requeue, but
// they log differently.
func (s *Storage) classifyClaimFailure(ctx context.Context, reportID, workerID string) error {
	var status string
	err := s.db.GetContext(ctx, &status, `SELECT status FROM reports WHERE report_id = $1`, reportID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return domain.ErrReportNotFound
		}
		return fmt.Errorf("failed to inspect report after claim miss: %w", err)
	}

	if domain.IsTerminal(status) {
		return domain.ErrReportTerminal
	}

	s.logger.Warn("report held by another worker",
		slog.String("report_id", reportID),
		slog.String("worker_id", workerID),
	)
	return domain.ErrReportClaimed
}

// GetAssessment loads the answer set a report was created from.
func (s *Storage) GetAssessment(ctx context.Context, assessmentID string) (*assessment.Assessment, error) {
	query := `
		SELECT id, user_id, language, answers, created_at
		FROM assessments
		WHERE id = $1
	`

	var (
		a       assessment.Assessment
		answers []byte
	)
	err := s.db.QueryRowContext(ctx, query, assessmentID).Scan(
		&a.ID, &a.UserID, &a.Language, &answers, &a.CreatedAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("assessment %s: %w", assessmentID, domain.ErrReportNotFound)
		}
		return nil, fmt.Errorf("failed to get assessment: %w", err)
	}

	if err := json.Unmarshal(answers, &a.Answers); err != nil {
		return nil, fmt.Errorf("failed to parse assessment answers: %w", err)
	}

	return &a, nil
}

// SaveInsight persists the generated payload and advances the record to
// composing in one statement, so a payload is never observed without its
// matching status. The attempt counter resets with the transition.
func (s *Storage) SaveInsight(ctx context.Context, reportID string, payload []byte) error {
	query := `
		UPDATE reports
		SET insight_json = $2,
		    status = $3,
		    attempt_count = 0,
		    updated_at = NOW()
		WHERE report_id = $1 AND status NOT IN ($4, $5)
	`

	return s.transition(ctx, reportID, domain.StatusComposing, query,
		reportID, payload, domain.StatusComposing, domain.StatusCompleted, domain.StatusFailed)
}

// SaveArtifact persists the artifact reference and advances the record to
// notifying in one statement.
func (s *Storage) SaveArtifact(ctx context.Context, reportID, ref string) error {
	query := `
		UPDATE reports
		SET artifact_ref = $2,
		    status = $3,
		    attempt_count = 0,
		    updated_at = NOW()
		WHERE report_id = $1 AND status NOT IN ($4, $5)
	`

	return s.transition(ctx, reportID, domain.StatusNotifying, query,
		reportID, ref, domain.StatusNotifying, domain.StatusCompleted, domain.StatusFailed)
}

// SetStatus advances the record to the given status and resets the attempt
// counter.
func (s *Storage) SetStatus(ctx context.Context, reportID, status string) error {
	query := `
		UPDATE reports
		SET status = $2,
		    attempt_count = 0,
		    updated_at = NOW()
		WHERE report_id = $1 AND status NOT IN ($3, $4)
	`

	return s.transition(ctx, reportID, status, query,
		reportID, status, domain.StatusCompleted, domain.StatusFailed)
}

// MarkCompleted moves the record to its successful terminal state. notifyErr
// is recorded when email delivery failed; the report still counts as
// completed because the artifact is downloadable.
func (s *Storage) MarkCompleted(ctx context.Context, reportID, notifyErr string) error {
	query := `
		UPDATE reports
		SET status = $2,
		    notify_error = NULLIF($3, ''),
		    completed_at = NOW(),
		    updated_at = NOW()
		WHERE report_id = $1 AND status NOT IN ($2, $4)
	`

	return s.transition(ctx, reportID, domain.StatusCompleted, query,
		reportID, domain.StatusCompleted, notifyErr, domain.StatusFailed)
}

// MarkFailed moves the record to its failed terminal state with the error
// kind and message for diagnosis.
func (s *Storage) MarkFailed(ctx context.Context, reportID, kind, message string) error {
	query := `
		UPDATE reports
		SET status = $2,
		    last_error_kind = $3,
		    last_error_message = $4,
		    completed_at = NOW(),
		    updated_at = NOW()
		WHERE report_id = $1 AND status NOT IN ($2, $5)
	`

	return s.transition(ctx, reportID, domain.StatusFailed, query,
		reportID, domain.StatusFailed, kind, message, domain.StatusCompleted)
}

// IncrementAttempt bumps the persisted per-stage attempt counter and returns
// the new value. The counter survives crashes, so a report cannot loop
// through redeliveries forever.
func (s *Storage) IncrementAttempt(ctx context.Context, reportID string) (int, error) {
	query := `
		UPDATE reports
		SET attempt_count = attempt_count + 1,
		    updated_at = NOW()
		WHERE report_id = $1
		RETURNING attempt_count
	`

	var count int
	if err := s.db.GetContext(ctx, &count, query, reportID); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return 0, domain.ErrReportNotFound
		}
		return 0, fmt.Errorf("failed to increment attempt count: %w", err)
	}
	return count, nil
}

// Heartbeat refreshes the claim lease. Scoped to the worker's own claim so a
// worker that lost its claim cannot keep the record alive.
func (s *Storage) Heartbeat(ctx context.Context, reportID, workerID string) error {
	query := `
		UPDATE reports
		SET last_heartbeat_at = NOW(),
		    updated_at = NOW()
		WHERE report_id = $1 AND worker_id = $2 AND status NOT IN ($3, $4)
	`

	result, err := s.db.ExecContext(ctx, query, reportID, workerID,
		domain.StatusCompleted, domain.StatusFailed)
	if err != nil {
		return fmt.Errorf("failed to update report heartbeat: %w", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rows == 0 {
		s.logger.Warn("heartbeat matched no rows, claim may have been lost",
			slog.String("report_id", reportID),
			slog.String("worker_id", workerID),
		)
	}

	return nil
}

func (s *Storage) transition(ctx context.Context, reportID, status, query string, args ...any) error {
	result, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("failed to update report status: %w", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rows == 0 {
		return domain.ErrReportTerminal
	}

	s.logger.Info("report status updated",
		slog.String("report_id", reportID),
		slog.String("status", status),
	)

	return nil
}
