package handler

import (
	"log/slog"

	"github.com/bioage/reset-backend/internal/api/storage"
	"github.com/bioage/reset-backend/internal/artifact"
	"github.com/bioage/reset-backend/shared/postgresql"
	"github.com/bioage/reset-backend/shared/rabbitmq"
)

// Dependencies holds all dependencies needed by handlers
type Dependencies struct {
	Logger       *slog.Logger
	DBClient     *postgresql.Client
	RabbitClient *rabbitmq.Client
	Artifacts    artifact.Store
	// StorageBackend selects download behavior: "gcs" redirects to a signed
	// URL, "local" streams the artifact through the API.
	StorageBackend string
}

// ReportHandler handles report-related HTTP requests
type ReportHandler struct {
	logger         *slog.Logger
	dbClient       *postgresql.Client
	rabbitClient   *rabbitmq.Client
	artifacts      artifact.Store
	storage        *storage.Storage
	storageBackend string
}

// NewReportHandler creates a new ReportHandler instance
func NewReportHandler(deps *Dependencies) *ReportHandler {
	return &ReportHandler{
		logger:         deps.Logger,
		dbClient:       deps.DBClient,
		rabbitClient:   deps.RabbitClient,
		artifacts:      deps.Artifacts,
		storage:        storage.NewStorage(deps.DBClient),
		storageBackend: deps.StorageBackend,
	}
}
