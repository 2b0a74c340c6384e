package handlers

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/atelier-ai/task-service/internal/database"
	"github.com/atelier-ai/task-service/internal/gateway"
	"github.com/atelier-ai/task-service/internal/middleware"
	"github.com/atelier-ai/task-service/internal/queue"
	"github.com/atelier-ai/task-service/internal/tasks"
)

var (
	taskGateway *gateway.Gateway
	taskStore   *tasks.Store
)

// InitTaskHandlers wires the submission gateway and task store into the
// task endpoints
func InitTaskHandlers(gw *gateway.Gateway, store *tasks.Store) {
	taskGateway = gw
	taskStore = store
}

// SubmitTaskRequest represents the body for submitting a task
type SubmitTaskRequest struct {
	ToolSlug       string          `json:"toolSlug" binding:"required" jsonschema:"required"`
	InputParams    json.RawMessage `json:"inputParams" binding:"required" jsonschema:"required"`
	IdempotencyKey string          `json:"idempotencyKey"`
	ParentTaskID   *string         `json:"parentTaskId"`
}

// SubmitTaskResponse represents the submission acknowledgement
type SubmitTaskResponse struct {
	TaskID       string `json:"taskId" jsonschema:"required"`
	Status       string `json:"status" jsonschema:"required"`
	Deduplicated bool   `json:"deduplicated" jsonschema:"required"`
}

// TaskResponse represents a task as returned by the API
type TaskResponse struct {
	ID              string          `json:"id" jsonschema:"required"`
	ParentTaskID    *string         `json:"parentTaskId"`
	ToolSlug        string          `json:"toolSlug" jsonschema:"required"`
	StepName        *string         `json:"stepName"`
	Status          string          `json:"status" jsonschema:"required,enum=pending,enum=processing,enum=success,enum=failed"`
	EffectiveStatus string          `json:"effectiveStatus" jsonschema:"required,enum=pending,enum=processing,enum=success,enum=failed"`
	Progress        int             `json:"progress" jsonschema:"required"`
	InputParams     json.RawMessage `json:"inputParams"`
	OutputData      json.RawMessage `json:"outputData,omitempty"`
	ErrorMessage    *string         `json:"errorMessage"`
	PriorityClass   string          `json:"priorityClass" jsonschema:"required"`
	AttemptsMade    int             `json:"attemptsMade" jsonschema:"required"`
	CreatedAt       time.Time       `json:"createdAt" jsonschema:"required"`
	StartedAt       *time.Time      `json:"startedAt"`
	CompletedAt     *time.Time      `json:"completedAt"`
	Children        []ChildTask     `json:"children,omitempty"`
}

// ChildTask represents a workflow step task nested in its parent's response
type ChildTask struct {
	ID           string     `json:"id" jsonschema:"required"`
	StepName     *string    `json:"stepName"`
	Status       string     `json:"status" jsonschema:"required"`
	Progress     int        `json:"progress" jsonschema:"required"`
	ErrorMessage *string    `json:"errorMessage"`
	CreatedAt    time.Time  `json:"createdAt" jsonschema:"required"`
	CompletedAt  *time.Time `json:"completedAt"`
}

// ListTasksRequest represents query parameters for listing tasks
type ListTasksRequest struct {
	Status          string `form:"status" json:"status" jsonschema:"enum=pending,enum=processing,enum=success,enum=failed"`
	ToolSlug        string `form:"toolSlug" json:"toolSlug"`
	Limit           int    `form:"limit" json:"limit" binding:"min=0,max=100" jsonschema:"minimum=0,maximum=100"`
	Offset          int    `form:"offset" json:"offset" binding:"min=0" jsonschema:"minimum=0"`
	IncludeChildren bool   `form:"includeChildren" json:"includeChildren"`
}

// ListTasksResponse represents a page of the user's tasks
type ListTasksResponse struct {
	Tasks   []TaskResponse `json:"tasks" jsonschema:"required"`
	HasMore bool           `json:"hasMore" jsonschema:"required"`
}

func toTaskResponse(view tasks.TaskView) TaskResponse {
	resp := TaskResponse{
		ID:              view.ID,
		ParentTaskID:    view.ParentTaskID,
		ToolSlug:        view.ToolSlug,
		StepName:        view.StepName,
		Status:          view.Status,
		EffectiveStatus: view.Effective,
		Progress:        view.Progress,
		InputParams:     view.InputParams,
		OutputData:      view.OutputData,
		ErrorMessage:    view.ErrorMessage,
		PriorityClass:   view.PriorityClass,
		AttemptsMade:    view.AttemptsMade,
		CreatedAt:       view.CreatedAt,
		StartedAt:       view.StartedAt,
		CompletedAt:     view.CompletedAt,
	}
	for _, child := range view.Children {
		resp.Children = append(resp.Children, toChildTask(child))
	}
	return resp
}

func toChildTask(task database.Task) ChildTask {
	return ChildTask{
		ID:           task.ID,
		StepName:     task.StepName,
		Status:       task.Status,
		Progress:     task.Progress,
		ErrorMessage: task.ErrorMessage,
		CreatedAt:    task.CreatedAt,
		CompletedAt:  task.CompletedAt,
	}
}

// SubmitTask accepts a task submission and enqueues it for processing.
// Duplicates resolve to the existing task with 200 instead of 201.
func SubmitTask(c *gin.Context) {
	var req SubmitTaskRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	// Priority class comes from the upstream platform gateway, not the
	// end-user body. Admin-console bulk traffic is routed behind
	// interactive traffic.
	priorityClass := c.GetHeader("X-Priority-Class")
	if priorityClass != queue.PriorityClassAdmin {
		priorityClass = queue.PriorityClassWeb
	}

	result, err := taskGateway.Submit(c.Request.Context(), gateway.SubmitInput{
		UserID:         middleware.UserID(c),
		ToolSlug:       req.ToolSlug,
		InputParams:    req.InputParams,
		IdempotencyKey: req.IdempotencyKey,
		ParentTaskID:   req.ParentTaskID,
		PriorityClass:  priorityClass,
	})
	if err != nil {
		var capErr *gateway.CapacityError
		switch {
		case errors.As(err, &capErr):
			c.JSON(http.StatusTooManyRequests, gin.H{
				"error":   "Too many active tasks",
				"current": capErr.Current,
				"max":     capErr.Max,
			})
		case errors.Is(err, gateway.ErrToolNotFound):
			c.JSON(http.StatusNotFound, gin.H{"error": "Tool not found"})
		case errors.Is(err, gateway.ErrToolInactive):
			c.JSON(http.StatusServiceUnavailable, gin.H{"error": "Tool is not active"})
		case errors.Is(err, gateway.ErrParentNotFound):
			c.JSON(http.StatusNotFound, gin.H{"error": "Parent task not found"})
		case errors.Is(err, gateway.ErrParentForbidden):
			c.JSON(http.StatusForbidden, gin.H{"error": "Parent task belongs to another user"})
		default:
			c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to submit task"})
		}
		return
	}

	code := http.StatusCreated
	if result.Deduplicated {
		code = http.StatusOK
	}
	c.JSON(code, SubmitTaskResponse{
		TaskID:       result.TaskID,
		Status:       result.Status,
		Deduplicated: result.Deduplicated,
	})
}

// GetTask returns a single task owned by the caller
func GetTask(c *gin.Context) {
	taskID := c.Param("taskId")
	if taskID == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "taskId is required"})
		return
	}

	includeChildren := c.Query("includeChildren") == "true"

	view, err := taskStore.GetView(c.Request.Context(), taskID, middleware.UserID(c), includeChildren)
	if errors.Is(err, tasks.ErrNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": "Task not found"})
		return
	}
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to fetch task"})
		return
	}

	c.JSON(http.StatusOK, toTaskResponse(view))
}

// ListTasks returns a page of the caller's top-level tasks
func ListTasks(c *gin.Context) {
	var req ListTasksRequest
	if err := c.ShouldBindQuery(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	// Set defaults
	if req.Limit == 0 {
		req.Limit = 20
	}

	views, hasMore, err := taskStore.List(c.Request.Context(), tasks.ListInput{
		UserID:          middleware.UserID(c),
		Status:          req.Status,
		ToolSlug:        req.ToolSlug,
		Limit:           req.Limit,
		Offset:          req.Offset,
		IncludeChildren: req.IncludeChildren,
	})
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to list tasks"})
		return
	}

	resp := ListTasksResponse{Tasks: []TaskResponse{}, HasMore: hasMore}
	for _, view := range views {
		resp.Tasks = append(resp.Tasks, toTaskResponse(view))
	}
	c.JSON(http.StatusOK, resp)
}
