package dto

// CreateReportRequest is the body of POST /api/v1/reports. Answers are
// validated against the question catalog before anything is persisted.
type CreateReportRequest struct {
	UserID   string         `json:"user_id" binding:"required"`
	Email    string         `json:"email" binding:"required,email"`
	Language string         `json:"language"`
	Answers  map[string]any `json:"answers" binding:"required"`
}

// CreateReportResponse acknowledges an accepted report request.
type CreateReportResponse struct {
	ReportID string `json:"report_id"`
	Status   string `json:"status"`
}

// ListReportsRequest is the query string of GET /api/v1/reports.
type ListReportsRequest struct {
	UserID   string `form:"user_id"`
	Status   string `form:"status"`
	PageSize int    `form:"page_size"`
	Cursor   string `form:"cursor"`
}

// ListReportsResponse is a page of reports plus the cursor for the next one.
type ListReportsResponse struct {
	Reports    []ReportDTO `json:"reports"`
	NextCursor string      `json:"next_cursor,omitempty"`
}

// ReportDTO is the client-facing report representation. Internal error
// details stay server-side; only the error kind is exposed on failures.
type ReportDTO struct {
	ReportID    string `json:"report_id"`
	UserID      string `json:"user_id"`
	Status      string `json:"status"`
	ErrorKind   string `json:"error_kind,omitempty"`
	DownloadURL string `json:"download_url,omitempty"`
	CreatedAt   string `json:"created_at"`
	UpdatedAt   string `json:"updated_at"`
	CompletedAt string `json:"completed_at,omitempty"`
}

// QuestionDTO is one catalog entry of GET /api/v1/questions.
type QuestionDTO struct {
	ID       string   `json:"id"`
	Label    string   `json:"label"`
	Kind     string   `json:"kind"`
	Required bool     `json:"required"`
	Choices  []string `json:"choices,omitempty"`
}
