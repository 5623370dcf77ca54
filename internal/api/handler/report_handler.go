package handler

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/bioage/reset-backend/internal/api/domain"
	"github.com/bioage/reset-backend/internal/api/dto"
	"github.com/bioage/reset-backend/internal/api/model"
	"github.com/bioage/reset-backend/internal/api/storage"
	"github.com/bioage/reset-backend/internal/assessment"
	"github.com/bioage/reset-backend/shared/rabbitmq"
)

// ListQuestions handles GET /api/v1/questions
// Returns the intake questionnaire in presentation order.
func (h *ReportHandler) ListQuestions(c *gin.Context) {
	questions := make([]dto.QuestionDTO, len(assessment.Questions))
	for i, q := range assessment.Questions {
		questions[i] = dto.QuestionDTO{
			ID:       q.ID,
			Label:    q.Label,
			Kind:     q.Kind,
			Required: q.Required,
			Choices:  q.Choices,
		}
	}

	c.JSON(http.StatusOK, gin.H{"questions": questions})
}

// CreateReport handles POST /api/v1/reports
// Validates the answers, persists the assessment plus a pending report
// record, and enqueues the generation job.
func (h *ReportHandler) CreateReport(c *gin.Context) {
	var req dto.CreateReportRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		h.logger.Error("Invalid request body", slog.String("error", err.Error()))
		c.JSON(http.StatusBadRequest, gin.H{
			"error": "Invalid request body",
		})
		return
	}

	if err := assessment.ValidateAnswers(req.Answers); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error": err.Error(),
		})
		return
	}

	if req.Language == "" {
		req.Language = "en"
	}

	answers, err := json.Marshal(req.Answers)
	if err != nil {
		h.logger.Error("Failed to encode answers", slog.String("error", err.Error()))
		c.JSON(http.StatusInternalServerError, gin.H{
			"error": "Failed to create report",
		})
		return
	}

	now := time.Now()
	a := model.Assessment{
		ID:        uuid.New().String(),
		UserID:    req.UserID,
		Language:  req.Language,
		Answers:   answers,
		CreatedAt: now,
	}
	report := model.Report{
		ReportID:     uuid.New().String(),
		UserID:       req.UserID,
		UserEmail:    req.Email,
		AssessmentID: a.ID,
		Status:       domain.StatusPending,
		CreatedAt:    now,
		UpdatedAt:    now,
	}

	if err := h.storage.CreateReportWithAssessment(c.Request.Context(), &a, &report); err != nil {
		h.logger.Error("Failed to create report",
			slog.String("error", err.Error()),
		)
		c.JSON(http.StatusInternalServerError, gin.H{
			"error": "Failed to create report",
		})
		return
	}

	if err := h.publishJob(c, report.ReportID, 0); err != nil {
		// The pending record stays; the client can retry via regenerate
		// once the broker is back.
		h.logger.Error("Failed to enqueue report job",
			slog.String("report_id", report.ReportID),
			slog.String("error", err.Error()),
		)
		c.JSON(http.StatusServiceUnavailable, gin.H{
			"error":     "Report accepted but queueing failed, retry later",
			"report_id": report.ReportID,
		})
		return
	}

	h.logger.Info("Report created",
		slog.String("report_id", report.ReportID),
		slog.String("user_id", report.UserID),
	)

	c.JSON(http.StatusAccepted, dto.CreateReportResponse{
		ReportID: report.ReportID,
		Status:   report.Status,
	})
}

// GetReport handles GET /api/v1/reports/:report_id
func (h *ReportHandler) GetReport(c *gin.Context) {
	reportID, ok := h.reportIDParam(c)
	if !ok {
		return
	}

	report, err := h.storage.GetReportByID(c.Request.Context(), reportID)
	if err != nil {
		h.respondReportError(c, reportID, err)
		return
	}

	c.JSON(http.StatusOK, h.toDTO(c, report))
}

// ListReports handles GET /api/v1/reports
func (h *ReportHandler) ListReports(c *gin.Context) {
	var req dto.ListReportsRequest
	if err := c.ShouldBindQuery(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error": "Invalid query parameters",
		})
		return
	}

	if req.PageSize <= 0 {
		req.PageSize = 20
	}
	if req.PageSize > 100 {
		req.PageSize = 100
	}

	cursor, err := DecodeReportCursor(req.Cursor)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error": "Invalid cursor",
		})
		return
	}

	filter := storage.ReportFilter{
		UserID:   req.UserID,
		Status:   req.Status,
		PageSize: req.PageSize,
		Cursor:   cursor,
	}

	reports, err := h.storage.ListReports(c.Request.Context(), filter)
	if err != nil {
		h.logger.Error("Failed to list reports", slog.String("error", err.Error()))
		c.JSON(http.StatusInternalServerError, gin.H{
			"error": "Failed to list reports",
		})
		return
	}

	hasMore := len(reports) > req.PageSize
	if hasMore {
		reports = reports[:req.PageSize]
	}

	response := make([]dto.ReportDTO, len(reports))
	for i := range reports {
		response[i] = h.toDTO(c, &reports[i])
	}

	var nextCursor string
	if hasMore {
		last := reports[len(reports)-1]
		nextCursor = EncodeReportCursor(&storage.ReportCursor{
			CreatedAt: last.CreatedAt,
			ReportID:  last.ReportID,
		})
	}

	c.JSON(http.StatusOK, dto.ListReportsResponse{
		Reports:    response,
		NextCursor: nextCursor,
	})
}

// DownloadReport handles GET /api/v1/reports/:report_id/download
// Local artifacts stream through the API; bucket-backed artifacts redirect
// to a signed URL.
func (h *ReportHandler) DownloadReport(c *gin.Context) {
	reportID, ok := h.reportIDParam(c)
	if !ok {
		return
	}

	report, err := h.storage.GetReportByID(c.Request.Context(), reportID)
	if err != nil {
		h.respondReportError(c, reportID, err)
		return
	}

	if report.Status != domain.StatusCompleted || report.ArtifactRef == "" {
		c.JSON(http.StatusConflict, gin.H{
			"error":  domain.ErrArtifactNotReady.Error(),
			"status": report.Status,
		})
		return
	}

	if h.storageBackend == "gcs" {
		signedURL, err := h.artifacts.SignedURL(c.Request.Context(), report.ArtifactRef)
		if err != nil {
			h.logger.Error("Failed to sign download url",
				slog.String("report_id", reportID),
				slog.String("error", err.Error()),
			)
			c.JSON(http.StatusInternalServerError, gin.H{
				"error": "Failed to prepare download",
			})
			return
		}
		c.Redirect(http.StatusFound, signedURL)
		return
	}

	data, err := h.artifacts.Get(c.Request.Context(), report.ArtifactRef)
	if err != nil {
		h.logger.Error("Failed to load artifact",
			slog.String("report_id", reportID),
			slog.String("error", err.Error()),
		)
		c.JSON(http.StatusInternalServerError, gin.H{
			"error": "Failed to load report artifact",
		})
		return
	}

	c.Header("Content-Disposition", `attachment; filename="bioage-protocol-`+reportID+`.pdf"`)
	c.Data(http.StatusOK, "application/pdf", data)
}

// RegenerateReport handles POST /api/v1/reports/:report_id/regenerate
// Re-runs the pipeline for a terminal report against its original answers.
func (h *ReportHandler) RegenerateReport(c *gin.Context) {
	reportID, ok := h.reportIDParam(c)
	if !ok {
		return
	}

	if err := h.storage.ResetForRegeneration(c.Request.Context(), reportID); err != nil {
		switch {
		case errors.Is(err, domain.ErrReportNotFound):
			c.JSON(http.StatusNotFound, gin.H{"error": "Report not found"})
		case errors.Is(err, domain.ErrReportNotTerminal):
			c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
		default:
			h.logger.Error("Failed to reset report",
				slog.String("report_id", reportID),
				slog.String("error", err.Error()),
			)
			c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to regenerate report"})
		}
		return
	}

	if err := h.publishJob(c, reportID, 0); err != nil {
		h.logger.Error("Failed to enqueue regeneration job",
			slog.String("report_id", reportID),
			slog.String("error", err.Error()),
		)
		c.JSON(http.StatusServiceUnavailable, gin.H{
			"error":     "Report reset but queueing failed, retry later",
			"report_id": reportID,
		})
		return
	}

	h.logger.Info("Report regeneration requested",
		slog.String("report_id", reportID),
	)

	c.JSON(http.StatusAccepted, dto.CreateReportResponse{
		ReportID: reportID,
		Status:   domain.StatusPending,
	})
}

func (h *ReportHandler) publishJob(c *gin.Context, reportID string, attempt int) error {
	body, err := json.Marshal(rabbitmq.ReportJob{
		ReportID: reportID,
		Attempt:  attempt,
	})
	if err != nil {
		return err
	}
	return h.rabbitClient.PublishWithRetry(c.Request.Context(), body, "application/json")
}

func (h *ReportHandler) reportIDParam(c *gin.Context) (string, bool) {
	reportID := c.Param("report_id")
	if _, err := uuid.Parse(reportID); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error": "report_id must be a valid UUID",
		})
		return "", false
	}
	return reportID, true
}

func (h *ReportHandler) respondReportError(c *gin.Context, reportID string, err error) {
	if errors.Is(err, domain.ErrReportNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": "Report not found"})
		return
	}
	h.logger.Error("Failed to get report",
		slog.String("report_id", reportID),
		slog.String("error", err.Error()),
	)
	c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to get report"})
}

// toDTO maps a record to its client representation. Raw error messages and
// delivery details are internal; completed reports carry a download link.
func (h *ReportHandler) toDTO(c *gin.Context, r *model.Report) dto.ReportDTO {
	d := dto.ReportDTO{
		ReportID:  r.ReportID,
		UserID:    r.UserID,
		Status:    r.Status,
		CreatedAt: r.CreatedAt.Format(time.RFC3339),
		UpdatedAt: r.UpdatedAt.Format(time.RFC3339),
	}

	if r.Status == domain.StatusFailed {
		d.ErrorKind = r.LastErrorKind
	}
	if r.CompletedAt != nil {
		d.CompletedAt = r.CompletedAt.Format(time.RFC3339)
	}

	if r.Status == domain.StatusCompleted && r.ArtifactRef != "" {
		url, err := h.artifacts.SignedURL(c.Request.Context(), r.ArtifactRef)
		if err != nil {
			h.logger.Warn("Failed to sign download url",
				slog.String("report_id", r.ReportID),
				slog.String("error", err.Error()),
			)
		} else {
			d.DownloadURL = url
		}
	}

	return d
}
