package handlers

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/atelier-ai/task-service/internal/database"
	"github.com/atelier-ai/task-service/internal/deadletter"
)

var (
	deadLetterHandler *deadletter.Handler
	deadLetterStore   *deadletter.Store
)

// InitDeadLetterHandlers wires the dead letter handler and store into the
// operator endpoints
func InitDeadLetterHandlers(h *deadletter.Handler, store *deadletter.Store) {
	deadLetterHandler = h
	deadLetterStore = store
}

// DeadLetterResponse represents a dead letter record as returned by the API
type DeadLetterResponse struct {
	ID           string          `json:"id" jsonschema:"required"`
	TaskID       string          `json:"taskId" jsonschema:"required"`
	QueueName    string          `json:"queueName" jsonschema:"required"`
	ErrorMessage string          `json:"errorMessage" jsonschema:"required"`
	ErrorStack   *string         `json:"errorStack"`
	AttemptsMade int             `json:"attemptsMade" jsonschema:"required"`
	Payload      json.RawMessage `json:"payload"`
	Status       string          `json:"status" jsonschema:"required,enum=pending,enum=retried,enum=archived"`
	Notes        *string         `json:"notes"`
	RetriedAt    *time.Time      `json:"retriedAt"`
	CreatedAt    time.Time       `json:"createdAt" jsonschema:"required"`
}

func toDeadLetterResponse(r database.DeadLetterRecord) DeadLetterResponse {
	return DeadLetterResponse{
		ID:           r.ID,
		TaskID:       r.TaskID,
		QueueName:    r.QueueName,
		ErrorMessage: r.ErrorMessage,
		ErrorStack:   r.ErrorStack,
		AttemptsMade: r.AttemptsMade,
		Payload:      r.Payload,
		Status:       r.Status,
		Notes:        r.Notes,
		RetriedAt:    r.RetriedAt,
		CreatedAt:    r.CreatedAt,
	}
}

// ListDeadLettersRequest represents query parameters for listing dead letters
type ListDeadLettersRequest struct {
	Status string `form:"status" json:"status" jsonschema:"enum=pending,enum=retried,enum=archived"`
	Limit  int    `form:"limit" json:"limit" binding:"min=0,max=100" jsonschema:"minimum=0,maximum=100"`
	Offset int    `form:"offset" json:"offset" binding:"min=0" jsonschema:"minimum=0"`
}

// ListDeadLettersResponse represents a page of dead letter records
type ListDeadLettersResponse struct {
	Records []DeadLetterResponse `json:"records" jsonschema:"required"`
	Total   int                  `json:"total" jsonschema:"required"`
}

// ListDeadLetters returns a paginated list of dead letter records with an
// optional status filter
func ListDeadLetters(c *gin.Context) {
	var req ListDeadLettersRequest
	if err := c.ShouldBindQuery(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	// Set defaults
	if req.Limit == 0 {
		req.Limit = 50
	}

	records, total, err := deadLetterStore.List(c.Request.Context(), req.Status, req.Limit, req.Offset)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to list dead letters"})
		return
	}

	resp := ListDeadLettersResponse{Records: []DeadLetterResponse{}, Total: total}
	for _, r := range records {
		resp.Records = append(resp.Records, toDeadLetterResponse(r))
	}
	c.JSON(http.StatusOK, resp)
}

// GetDeadLetter returns a single dead letter record with its full payload
func GetDeadLetter(c *gin.Context) {
	id := c.Param("recordId")
	if id == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "recordId is required"})
		return
	}

	record, err := deadLetterStore.Get(c.Request.Context(), id)
	if errors.Is(err, deadletter.ErrRecordNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": "Dead letter record not found"})
		return
	}
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to fetch dead letter"})
		return
	}

	c.JSON(http.StatusOK, toDeadLetterResponse(record))
}

// ArchiveDeadLetterRequest represents the body for archiving a record
type ArchiveDeadLetterRequest struct {
	Notes *string `json:"notes"`
}

// ArchiveDeadLetter marks a pending dead letter record as archived
func ArchiveDeadLetter(c *gin.Context) {
	id := c.Param("recordId")
	if id == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "recordId is required"})
		return
	}

	var req ArchiveDeadLetterRequest
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
	}

	err := deadLetterHandler.Archive(c.Request.Context(), id, req.Notes)
	switch {
	case errors.Is(err, deadletter.ErrRecordNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "Dead letter record not found"})
	case errors.Is(err, deadletter.ErrAlreadyResolved):
		c.JSON(http.StatusConflict, gin.H{"error": "Record already retried or archived"})
	case err != nil:
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to archive dead letter"})
	default:
		c.JSON(http.StatusOK, gin.H{"recordId": id, "status": deadletter.ReviewArchived})
	}
}

// ArchiveDeadLettersRequest represents the body for bulk archiving
type ArchiveDeadLettersRequest struct {
	RecordIDs []string `json:"recordIds" binding:"required,min=1,max=100" jsonschema:"required"`
	Notes     *string  `json:"notes"`
}

// ArchiveResult reports the outcome for one record in a bulk archive
type ArchiveResult struct {
	RecordID string `json:"recordId" jsonschema:"required"`
	Archived bool   `json:"archived" jsonschema:"required"`
	Error    string `json:"error,omitempty"`
}

// ArchiveDeadLettersResponse represents the bulk archive outcome
type ArchiveDeadLettersResponse struct {
	Results []ArchiveResult `json:"results" jsonschema:"required"`
}

// ArchiveDeadLetters archives a batch of records, reporting per-record
// outcomes instead of failing the whole batch on the first error
func ArchiveDeadLetters(c *gin.Context) {
	var req ArchiveDeadLettersRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	results := deadLetterHandler.ArchiveMultiple(c.Request.Context(), req.RecordIDs, req.Notes)
	resp := ArchiveDeadLettersResponse{Results: make([]ArchiveResult, 0, len(results))}
	for _, r := range results {
		out := ArchiveResult{RecordID: r.ID, Archived: r.Err == nil}
		if r.Err != nil {
			out.Error = r.Err.Error()
		}
		resp.Results = append(resp.Results, out)
	}
	c.JSON(http.StatusOK, resp)
}

// RetryDeadLetter resets the failed task behind a record and re-enqueues it
func RetryDeadLetter(c *gin.Context) {
	id := c.Param("recordId")
	if id == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "recordId is required"})
		return
	}

	err := deadLetterHandler.Retry(c.Request.Context(), id)
	switch {
	case errors.Is(err, deadletter.ErrRecordNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "Dead letter record not found"})
	case errors.Is(err, deadletter.ErrAlreadyResolved):
		c.JSON(http.StatusConflict, gin.H{"error": "Record already retried or archived"})
	case errors.Is(err, deadletter.ErrTaskGone):
		c.JSON(http.StatusConflict, gin.H{"error": "Task behind this record no longer exists"})
	case err != nil:
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to retry dead letter"})
	default:
		c.JSON(http.StatusOK, gin.H{"recordId": id, "status": deadletter.ReviewRetried})
	}
}
