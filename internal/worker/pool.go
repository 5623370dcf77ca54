package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/bioage/reset-backend/internal/worker/domain"
)

// spawnWorkerPool spawns N worker goroutines based on the concurrency
// configuration.
func (w *Worker) spawnWorkerPool(ctx context.Context) {
	w.logger.Info("Spawning worker pool",
		slog.Int("concurrency", w.concurrency),
		slog.String("worker_id", w.workerID),
	)

	for i := 0; i < w.concurrency; i++ {
		w.wg.Add(1)
		go w.workerLoop(ctx, i)
	}
}

// workerLoop is the main processing loop for each worker goroutine.
func (w *Worker) workerLoop(ctx context.Context, workerNum int) {
	defer w.wg.Done()

	workerName := fmt.Sprintf("%s-%d", w.workerID, workerNum)
	w.logger.Info("Worker goroutine started",
		slog.String("worker_name", workerName),
	)

	for {
		select {
		case <-w.stopChan:
			w.logger.Info("Worker goroutine stopping - stopChan closed",
				slog.String("worker_name", workerName),
			)
			return

		case <-ctx.Done():
			w.logger.Info("Worker goroutine stopping - context canceled",
				slog.String("worker_name", workerName),
			)
			return

		case msg, ok := <-w.jobsChan:
			if !ok {
				return
			}

			w.logger.Info("Worker received report job",
				slog.String("worker_name", workerName),
				slog.String("report_id", msg.ReportID),
				slog.Uint64("delivery_tag", msg.DeliveryTag),
			)

			err := w.processReport(ctx, msg)

			channel := w.rabbitClient.GetChannel()
			if channel == nil {
				w.logger.Error("Failed to get RabbitMQ channel for ACK/NACK",
					slog.String("worker_name", workerName),
					slog.String("report_id", msg.ReportID),
				)
				continue
			}

			if err != nil {
				w.logger.Error("Report processing failed",
					slog.String("worker_name", workerName),
					slog.String("report_id", msg.ReportID),
					slog.String("error", err.Error()),
				)

				requeue := w.shouldRequeue(err)
				if nackErr := channel.Nack(msg.DeliveryTag, false, requeue); nackErr != nil {
					w.logger.Error("Failed to NACK message",
						slog.String("report_id", msg.ReportID),
						slog.String("error", nackErr.Error()),
					)
				} else {
					w.logger.Info("Message NACKed",
						slog.String("report_id", msg.ReportID),
						slog.Bool("requeue", requeue),
					)
				}
			} else {
				if ackErr := channel.Ack(msg.DeliveryTag, false); ackErr != nil {
					w.logger.Error("Failed to ACK message",
						slog.String("report_id", msg.ReportID),
						slog.String("error", ackErr.Error()),
					)
				}
			}
		}
	}
}

// shouldRequeue decides whether a failed delivery goes back on the queue.
// Only transient infrastructure errors requeue; everything the pipeline
// already resolved against the record (terminal states, exhausted budgets,
// contract errors, lost claims) is dropped so the queue cannot loop.
func (w *Worker) shouldRequeue(err error) bool {
	if errors.Is(err, domain.ErrReportClaimed) ||
		errors.Is(err, domain.ErrReportTerminal) ||
		errors.Is(err, domain.ErrReportNotFound) ||
		errors.Is(err, domain.ErrMaxRetriesExceeded) ||
		errors.Is(err, domain.ErrInvalidMessage) {
		return false
	}

	var retryable *domain.RetryableError
	return errors.As(err, &retryable)
}
