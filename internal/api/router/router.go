package router

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/bioage/reset-backend/internal/api/handler"
)

// SetupRouter configures and returns the Gin router with all routes
func SetupRouter(deps *handler.Dependencies) *gin.Engine {
	r := gin.New()

	// Middleware
	r.Use(gin.Recovery())
	r.Use(LoggerMiddleware(deps.Logger))
	r.Use(CORSMiddleware())

	// Health check endpoint
	r.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"status":  "healthy",
			"service": "report-api-service",
		})
	})

	reportHandler := handler.NewReportHandler(deps)

	// API v1 routes
	v1 := r.Group("/api/v1")
	{
		// GET /api/v1/questions - Intake questionnaire catalog
		v1.GET("/questions", reportHandler.ListQuestions)

		reports := v1.Group("/reports")
		{
			// POST /api/v1/reports - Submit answers, start report generation
			reports.POST("", reportHandler.CreateReport)

			// GET /api/v1/reports - List reports with filtering and pagination
			reports.GET("", reportHandler.ListReports)

			// GET /api/v1/reports/:report_id - Get report status
			reports.GET("/:report_id", reportHandler.GetReport)

			// GET /api/v1/reports/:report_id/download - Download the PDF
			reports.GET("/:report_id/download", reportHandler.DownloadReport)

			// POST /api/v1/reports/:report_id/regenerate - Re-run a terminal report
			reports.POST("/:report_id/regenerate", reportHandler.RegenerateReport)
		}
	}

	return r
}
