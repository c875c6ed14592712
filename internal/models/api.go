package models

type EvaluateRequest struct {
	JobTitle          string `json:"job_title" validate:"required"`
	CVDocumentID      string `json:"cv_document_id" validate:"required,uuid"`
	ProjectDocumentID string `json:"project_document_id" validate:"required,uuid"`
}

type EvaluateResponse struct {
	ID                  string `json:"id"`
	Status              string `json:"status"`
	EstimatedCompletion string `json:"estimated_completion"`
}

type ResultResponse struct {
	ID           string            `json:"id"`
	JobTitle     string            `json:"job_title"`
	Status       string            `json:"status"`
	Result       *EvaluationResult `json:"result,omitempty"`
	ErrorMessage *string           `json:"error_message,omitempty"`
	RetryCount   int               `json:"retry_count,omitempty"`
	CreatedAt    string            `json:"created_at"`
}

type Pagination struct {
	Page       int   `json:"page"`
	Limit      int   `json:"limit"`
	Total      int64 `json:"total"`
	TotalPages int   `json:"total_pages"`
	HasNext    bool  `json:"has_next"`
	HasPrev    bool  `json:"has_prev"`
}

type ListResponse struct {
	Jobs       []EvaluationJob `json:"jobs"`
	Pagination Pagination      `json:"pagination"`
}
