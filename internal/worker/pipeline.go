package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/bioage/reset-backend/internal/artifact"
	"github.com/bioage/reset-backend/internal/insight"
	"github.com/bioage/reset-backend/internal/report"
	"github.com/bioage/reset-backend/internal/worker/domain"
)

// processReport claims the record and drives it through the pipeline under
// the job timeout, heartbeating while it holds the claim.
func (w *Worker) processReport(ctx context.Context, msg *domain.ReportJobMessage) error {
	rec, err := w.storage.ClaimReport(ctx, msg.ReportID, w.workerID, w.claimStaleAfter)
	if err != nil {
		switch {
		case errors.Is(err, domain.ErrReportClaimed),
			errors.Is(err, domain.ErrReportTerminal),
			errors.Is(err, domain.ErrReportNotFound):
			// Resolved against the record; drop the delivery.
			w.logger.Warn("Skipping report job",
				slog.String("report_id", msg.ReportID),
				slog.String("reason", err.Error()),
			)
			return err
		default:
			return domain.NewRetryableError(fmt.Errorf("failed to claim report: %w", err))
		}
	}

	jobCtx, cancel := context.WithTimeout(ctx, w.jobTimeout)
	defer cancel()

	heartbeatDone := make(chan struct{})
	go w.sendHeartbeat(jobCtx, rec.ReportID, heartbeatDone)
	defer close(heartbeatDone)

	return w.runPipeline(jobCtx, rec)
}

// runPipeline executes the stages the record still needs, based on the
// status it was claimed at. Each completed stage persists its output with
// the status transition before the next stage starts, so a crash at any
// point resumes without repeating finished work.
func (w *Worker) runPipeline(ctx context.Context, rec *domain.Report) error {
	var (
		payload *insight.Payload
		pdf     []byte
	)

	// Stage: generate insight.
	if rec.Status == domain.StatusGenerating {
		err := w.runStage(ctx, rec, "generate", func(ctx context.Context) error {
			a, err := w.storage.GetAssessment(ctx, rec.AssessmentID)
			if err != nil {
				return err
			}
			p, err := w.generator.Generate(ctx, a)
			if err != nil {
				return err
			}
			payload = p
			return nil
		})
		if err != nil {
			return w.handleStageErr(ctx, rec, err)
		}

		data, err := json.Marshal(payload)
		if err != nil {
			return w.handleStageErr(ctx, rec, fmt.Errorf("%w: %v", insight.ErrMalformedResponse, err))
		}

		if err := w.runStage(ctx, rec, "persist_insight", func(ctx context.Context) error {
			return w.storage.SaveInsight(ctx, rec.ReportID, data)
		}); err != nil {
			return w.handleStageErr(ctx, rec, err)
		}

		rec.InsightJSON = data
		rec.Status = domain.StatusComposing
	}

	// A resumed record carries the payload persisted by the earlier run.
	if payload == nil && len(rec.InsightJSON) > 0 {
		var p insight.Payload
		if err := json.Unmarshal(rec.InsightJSON, &p); err != nil {
			return w.handleStageErr(ctx, rec, fmt.Errorf("%w: stored payload: %v", insight.ErrMalformedResponse, err))
		}
		payload = &p
	}

	// Stages: compose and upload. Composition is deterministic given the
	// stored payload, so a record that crashed before the artifact was
	// persisted recomposes rather than carrying PDF bytes in the database.
	if rec.Status == domain.StatusComposing || rec.Status == domain.StatusUploading {
		if payload == nil {
			return w.handleStageErr(ctx, rec,
				fmt.Errorf("%w: record at %s has no stored payload", insight.ErrMalformedResponse, rec.Status))
		}

		var err error
		pdf, err = w.composer.Compose(payload, rec.ReportID)
		if err != nil {
			return w.handleStageErr(ctx, rec, err)
		}

		if rec.Status == domain.StatusComposing {
			if err := w.runStage(ctx, rec, "mark_uploading", func(ctx context.Context) error {
				return w.storage.SetStatus(ctx, rec.ReportID, domain.StatusUploading)
			}); err != nil {
				return w.handleStageErr(ctx, rec, err)
			}
			rec.Status = domain.StatusUploading
		}

		ref := artifact.Ref(rec.ReportID)
		if err := w.runStage(ctx, rec, "upload", func(ctx context.Context) error {
			return w.artifacts.Put(ctx, ref, pdf)
		}); err != nil {
			return w.handleStageErr(ctx, rec, err)
		}

		if err := w.runStage(ctx, rec, "persist_artifact", func(ctx context.Context) error {
			return w.storage.SaveArtifact(ctx, rec.ReportID, ref)
		}); err != nil {
			return w.handleStageErr(ctx, rec, err)
		}

		rec.ArtifactRef = ref
		rec.Status = domain.StatusNotifying
	}

	// Stage: notify. Delivery failure does not fail the report: the artifact
	// is stored and downloadable, so the record completes with the delivery
	// error on file.
	notifyErr := w.notify(ctx, rec, pdf)

	if err := w.runStage(ctx, rec, "complete", func(ctx context.Context) error {
		return w.storage.MarkCompleted(ctx, rec.ReportID, notifyErr)
	}); err != nil {
		return w.handleStageErr(ctx, rec, err)
	}

	w.logger.Info("Report completed",
		slog.String("report_id", rec.ReportID),
		slog.String("artifact_ref", rec.ArtifactRef),
		slog.Bool("notified", notifyErr == ""),
	)

	return nil
}

// runStage retries fn with exponential backoff until it succeeds, turns out
// to be a contract error, or the persisted attempt counter reaches the
// configured budget. The counter survives crashes, so redeliveries cannot
// restart the budget from zero.
func (w *Worker) runStage(ctx context.Context, rec *domain.Report, stage string, fn func(context.Context) error) error {
	backoff := w.backoffBase

	for {
		err := fn(ctx)
		if err == nil {
			return nil
		}

		if isContractError(err) || errors.Is(err, domain.ErrReportTerminal) {
			return err
		}

		attempts, incErr := w.storage.IncrementAttempt(ctx, rec.ReportID)
		if incErr != nil {
			return domain.NewRetryableError(fmt.Errorf("failed to record stage attempt: %w", incErr))
		}

		w.logger.Warn("Stage attempt failed",
			slog.String("report_id", rec.ReportID),
			slog.String("stage", stage),
			slog.Int("attempt", attempts),
			slog.Int("budget", w.stageAttempts),
			slog.String("error", err.Error()),
		)

		if attempts >= w.stageAttempts {
			return fmt.Errorf("%w: stage %s: %v", domain.ErrMaxRetriesExceeded, stage, err)
		}

		select {
		case <-ctx.Done():
			// Out of time, not out of budget; requeue so another worker
			// resumes once the claim lease goes stale.
			return domain.NewRetryableError(ctx.Err())
		case <-time.After(backoff):
		}

		backoff *= 2
		if backoff > w.backoffMax {
			backoff = w.backoffMax
		}
	}
}

// handleStageErr routes a stage failure: retryable errors propagate for a
// requeue, everything else is final and moves the record to failed.
func (w *Worker) handleStageErr(ctx context.Context, rec *domain.Report, err error) error {
	var retryable *domain.RetryableError
	if errors.As(err, &retryable) || errors.Is(err, domain.ErrReportTerminal) {
		return err
	}
	return w.failReport(ctx, rec, err)
}

// failReport moves the record to its failed terminal state and tells the
// user, best effort.
func (w *Worker) failReport(ctx context.Context, rec *domain.Report, cause error) error {
	kind := domain.ErrorKindTransient
	if isContractError(cause) {
		kind = domain.ErrorKindContract
	}

	if err := w.storage.MarkFailed(ctx, rec.ReportID, kind, cause.Error()); err != nil {
		w.logger.Error("Failed to mark report failed",
			slog.String("report_id", rec.ReportID),
			slog.String("error", err.Error()),
		)
		return domain.NewRetryableError(fmt.Errorf("failed to mark report failed: %w", err))
	}

	if err := w.notifier.SendFailureNotice(ctx, rec.UserEmail, rec.ReportID); err != nil {
		w.logger.Warn("Failed to send failure notice",
			slog.String("report_id", rec.ReportID),
			slog.String("error", err.Error()),
		)
	}

	return fmt.Errorf("report %s failed: %w", rec.ReportID, cause)
}

// notify delivers the finished report. Returns the delivery error message,
// empty on success; the caller records it on the completed record.
func (w *Worker) notify(ctx context.Context, rec *domain.Report, pdf []byte) string {
	// A record claimed at notifying has no in-memory PDF; fetch the stored
	// artifact instead of recomposing.
	if pdf == nil {
		data, err := w.artifacts.Get(ctx, rec.ArtifactRef)
		if err != nil {
			w.logger.Warn("Failed to load artifact for notification",
				slog.String("report_id", rec.ReportID),
				slog.String("error", err.Error()),
			)
			return fmt.Sprintf("failed to load artifact: %v", err)
		}
		pdf = data
	}

	downloadURL, err := w.artifacts.SignedURL(ctx, rec.ArtifactRef)
	if err != nil {
		w.logger.Warn("Failed to sign download url",
			slog.String("report_id", rec.ReportID),
			slog.String("error", err.Error()),
		)
		return fmt.Sprintf("failed to sign download url: %v", err)
	}

	if err := w.notifier.SendReport(ctx, rec.UserEmail, rec.ReportID, downloadURL, pdf); err != nil {
		w.logger.Warn("Report email delivery failed",
			slog.String("report_id", rec.ReportID),
			slog.String("error", err.Error()),
		)
		return err.Error()
	}

	return ""
}

// sendHeartbeat refreshes the claim lease until the pipeline finishes.
func (w *Worker) sendHeartbeat(ctx context.Context, reportID string, done <-chan struct{}) {
	ticker := time.NewTicker(w.heartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-done:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := w.storage.Heartbeat(ctx, reportID, w.workerID); err != nil {
				w.logger.Warn("Failed to update report heartbeat",
					slog.String("report_id", reportID),
					slog.String("error", err.Error()),
				)
			}
		}
	}
}

// isContractError reports whether retrying can never fix the failure.
func isContractError(err error) bool {
	return errors.Is(err, insight.ErrMalformedResponse) || errors.Is(err, report.ErrRender)
}
