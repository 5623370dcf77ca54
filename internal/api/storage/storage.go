package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/bioage/reset-backend/internal/api/domain"
	"github.com/bioage/reset-backend/internal/api/model"
	"github.com/bioage/reset-backend/shared/postgresql"
)

const reportColumns = `
	report_id, user_id, user_email, assessment_id, status,
	COALESCE(last_error_kind, '') AS last_error_kind,
	COALESCE(last_error_message, '') AS last_error_message,
	COALESCE(notify_error, '') AS notify_error,
	COALESCE(artifact_ref, '') AS artifact_ref,
	created_at, updated_at, completed_at`

type Storage struct {
	pg *postgresql.Client
	db *sqlx.DB
}

func NewStorage(pg *postgresql.Client) *Storage {
	return &Storage{
		pg: pg,
		db: pg.GetDB(),
	}
}

// CreateReportWithAssessment inserts the assessment and its pending report
// record in one transaction. The record exists before the job is enqueued,
// so a publish failure leaves a pending record behind rather than an
// orphaned message.
func (s *Storage) CreateReportWithAssessment(ctx context.Context, a *model.Assessment, r *model.Report) error {
	tx, err := s.pg.BeginTx(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx, `
		INSERT INTO assessments (id, user_id, language, answers, created_at)
		VALUES ($1, $2, $3, $4, $5)
	`, a.ID, a.UserID, a.Language, a.Answers, a.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to create assessment: %w", err)
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO reports (
			report_id, user_id, user_email, assessment_id,
			status, created_at, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7)
	`, r.ReportID, r.UserID, r.UserEmail, r.AssessmentID, r.Status, r.CreatedAt, r.UpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to create report: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit report creation: %w", err)
	}

	return nil
}

func (s *Storage) GetReportByID(ctx context.Context, reportID string) (*model.Report, error) {
	query := `SELECT` + reportColumns + ` FROM reports WHERE report_id = $1`

	var report model.Report
	if err := s.db.GetContext(ctx, &report, query, reportID); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, domain.ErrReportNotFound
		}
		return nil, fmt.Errorf("failed to get report: %w", err)
	}

	return &report, nil
}

type ReportFilter struct {
	UserID   string
	Status   string
	PageSize int
	Cursor   *ReportCursor
}

type ReportCursor struct {
	CreatedAt time.Time
	ReportID  string
}

// ListReports pages reports newest-first with keyset pagination; one extra
// row is fetched so the caller can tell whether a next page exists.
func (s *Storage) ListReports(ctx context.Context, filter ReportFilter) ([]model.Report, error) {
	query := `SELECT` + reportColumns + ` FROM reports WHERE 1=1`
	args := []interface{}{}
	argIdx := 1

	if filter.UserID != "" {
		query += fmt.Sprintf(" AND user_id = $%d", argIdx)
		args = append(args, filter.UserID)
		argIdx++
	}

	if filter.Status != "" {
		query += fmt.Sprintf(" AND status = $%d", argIdx)
		args = append(args, filter.Status)
		argIdx++
	}

	if filter.Cursor != nil {
		query += fmt.Sprintf(" AND (created_at, report_id) < ($%d, $%d)", argIdx, argIdx+1)
		args = append(args, filter.Cursor.CreatedAt, filter.Cursor.ReportID)
		argIdx += 2
	}

	query += " ORDER BY created_at DESC, report_id DESC"
	query += fmt.Sprintf(" LIMIT $%d", argIdx)
	args = append(args, filter.PageSize+1)

	var reports []model.Report
	if err := s.db.SelectContext(ctx, &reports, query, args...); err != nil {
		return nil, fmt.Errorf("failed to list reports: %w", err)
	}

	return reports, nil
}

// ResetForRegeneration returns a terminal report to pending so the pipeline
// can run it again against the same assessment. The stored insight and
// artifact reference are cleared; the regenerated artifact overwrites the
// old one under the same ref.
func (s *Storage) ResetForRegeneration(ctx context.Context, reportID string) error {
	query := `
		UPDATE reports
		SET status = $2,
		    attempt_count = 0,
		    last_error_kind = NULL,
		    last_error_message = NULL,
		    notify_error = NULL,
		    insight_json = NULL,
		    artifact_ref = NULL,
		    worker_id = NULL,
		    last_heartbeat_at = NULL,
		    completed_at = NULL,
		    updated_at = NOW()
		WHERE report_id = $1 AND status IN ($3, $4)
	`

	result, err := s.db.ExecContext(ctx, query, reportID,
		domain.StatusPending, domain.StatusCompleted, domain.StatusFailed)
	if err != nil {
		return fmt.Errorf("failed to reset report: %w", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rows == 0 {
		// Either unknown or still in flight; look once more to say which.
		if _, getErr := s.GetReportByID(ctx, reportID); getErr != nil {
			return getErr
		}
		return domain.ErrReportNotTerminal
	}

	return nil
}
