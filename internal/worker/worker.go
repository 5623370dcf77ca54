package worker

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/bioage/reset-backend/internal/artifact"
	"github.com/bioage/reset-backend/internal/assessment"
	"github.com/bioage/reset-backend/internal/config"
	"github.com/bioage/reset-backend/internal/insight"
	"github.com/bioage/reset-backend/internal/worker/domain"
	"github.com/bioage/reset-backend/shared/rabbitmq"
)

// RecordStore is the persistence surface the pipeline needs. Implemented by
// storage.Storage; faked in tests.
type RecordStore interface {
	ClaimReport(ctx context.Context, reportID, workerID string, staleAfter time.Duration) (*domain.Report, error)
	GetAssessment(ctx context.Context, assessmentID string) (*assessment.Assessment, error)
	SaveInsight(ctx context.Context, reportID string, payload []byte) error
	SaveArtifact(ctx context.Context, reportID, ref string) error
	SetStatus(ctx context.Context, reportID, status string) error
	MarkCompleted(ctx context.Context, reportID, notifyErr string) error
	MarkFailed(ctx context.Context, reportID, kind, message string) error
	IncrementAttempt(ctx context.Context, reportID string) (int, error)
	Heartbeat(ctx context.Context, reportID, workerID string) error
}

// Composer renders an insight payload into PDF bytes.
type Composer interface {
	Compose(p *insight.Payload, reportID string) ([]byte, error)
}

// Notifier delivers the finished report or a failure notice to the user.
type Notifier interface {
	SendReport(ctx context.Context, to, reportID, downloadURL string, pdf []byte) error
	SendFailureNotice(ctx context.Context, to, reportID string) error
}

// Config holds worker dependencies and tuning.
type Config struct {
	Logger       *slog.Logger
	Storage      RecordStore
	RabbitClient *rabbitmq.Client
	Generator    insight.Generator
	Composer     Composer
	Artifacts    artifact.Store
	Notifier     Notifier

	Concurrency       int
	PrefetchCount     int
	JobTimeout        time.Duration
	HeartbeatInterval time.Duration
	StageAttempts     int
	BackoffBase       time.Duration
	BackoffMax        time.Duration
	ClaimStaleAfter   time.Duration
}

// Worker consumes report jobs from the queue and drives each one through the
// generation pipeline.
type Worker struct {
	logger       *slog.Logger
	storage      RecordStore
	rabbitClient *rabbitmq.Client
	generator    insight.Generator
	composer     Composer
	artifacts    artifact.Store
	notifier     Notifier

	workerID          string
	concurrency       int
	prefetchCount     int
	jobTimeout        time.Duration
	heartbeatInterval time.Duration
	stageAttempts     int
	backoffBase       time.Duration
	backoffMax        time.Duration
	claimStaleAfter   time.Duration

	jobsChan chan *domain.ReportJobMessage
	wg       sync.WaitGroup
	stopChan chan struct{}
}

// NewWorker creates a new worker instance with a unique worker ID.
func NewWorker(cfg *Config) *Worker {
	w := &Worker{
		logger:            cfg.Logger,
		storage:           cfg.Storage,
		rabbitClient:      cfg.RabbitClient,
		generator:         cfg.Generator,
		composer:          cfg.Composer,
		artifacts:         cfg.Artifacts,
		notifier:          cfg.Notifier,
		workerID:          "worker-" + uuid.New().String(),
		concurrency:       cfg.Concurrency,
		prefetchCount:     cfg.PrefetchCount,
		jobTimeout:        cfg.JobTimeout,
		heartbeatInterval: cfg.HeartbeatInterval,
		stageAttempts:     cfg.StageAttempts,
		backoffBase:       cfg.BackoffBase,
		backoffMax:        cfg.BackoffMax,
		claimStaleAfter:   cfg.ClaimStaleAfter,
		jobsChan:          make(chan *domain.ReportJobMessage),
		stopChan:          make(chan struct{}),
	}

	if w.prefetchCount <= 0 {
		w.prefetchCount = w.concurrency
	}
	if w.backoffBase <= 0 {
		w.backoffBase = time.Second
	}
	if w.backoffMax <= 0 {
		w.backoffMax = 30 * time.Second
	}
	if w.claimStaleAfter <= 0 {
		w.claimStaleAfter = 3 * w.heartbeatInterval
	}

	return w
}

// FromAppConfig builds the worker tuning section from the application config.
func FromAppConfig(cfg *config.Config) Config {
	return Config{
		Concurrency:       cfg.Worker.Concurrency,
		PrefetchCount:     cfg.RabbitMQ.Consumer.PrefetchCount,
		JobTimeout:        cfg.Worker.JobTimeout,
		HeartbeatInterval: cfg.Worker.HeartbeatInterval,
		StageAttempts:     cfg.Worker.StageAttempts,
		BackoffBase:       cfg.Worker.BackoffBase,
		BackoffMax:        cfg.Worker.BackoffMax,
		ClaimStaleAfter:   cfg.Worker.ClaimStaleAfter,
	}
}

// Start begins consuming and processing report jobs. It blocks until the
// context is canceled, then drains the worker pool.
func (w *Worker) Start(ctx context.Context) error {
	w.logger.Info("Starting worker",
		slog.String("worker_id", w.workerID),
		slog.Int("concurrency", w.concurrency),
		slog.Duration("job_timeout", w.jobTimeout),
		slog.String("generator", w.generator.Name()),
	)

	deliveries, err := w.setupConsumer(ctx)
	if err != nil {
		return err
	}

	w.spawnWorkerPool(ctx)
	go w.startMessageDispatcher(ctx, deliveries)

	<-ctx.Done()
	w.logger.Info("Worker context canceled, stopping...")

	return nil
}

// Stop gracefully stops the worker
func (w *Worker) Stop() {
	w.logger.Info("Stopping worker...")
	close(w.stopChan)
	w.wg.Wait()
	w.logger.Info("Worker stopped")
}
