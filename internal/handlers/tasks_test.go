package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/atelier-ai/task-service/internal/database"
	"github.com/atelier-ai/task-service/internal/gateway"
	"github.com/atelier-ai/task-service/internal/middleware"
	"github.com/atelier-ai/task-service/internal/queue"
	"github.com/atelier-ai/task-service/internal/tasks"
	"github.com/atelier-ai/task-service/internal/tools"
)

// The submit endpoint is tested against the real gateway with in-memory
// collaborators; only the stores behind it are faked.

type memTaskStore struct {
	tasks map[string]database.Task
}

func (m *memTaskStore) Create(ctx context.Context, in tasks.CreateInput) (database.Task, error) {
	task := database.Task{ID: in.ID, UserID: in.UserID, ToolSlug: in.ToolSlug, Status: tasks.StatusPending}
	m.tasks[task.ID] = task
	return task, nil
}

func (m *memTaskStore) Get(ctx context.Context, taskID string) (database.Task, error) {
	task, ok := m.tasks[taskID]
	if !ok {
		return database.Task{}, tasks.ErrNotFound
	}
	return task, nil
}

func (m *memTaskStore) SetQueueJobID(ctx context.Context, taskID, jobID string) error { return nil }

func (m *memTaskStore) MarkFailed(ctx context.Context, taskID, errorMessage string, attemptsMade int) (bool, error) {
	return true, nil
}

type memResolver struct {
	tools map[string]database.Tool
}

func (m *memResolver) Resolve(ctx context.Context, slug string) (database.Tool, error) {
	tool, ok := m.tools[slug]
	if !ok {
		return database.Tool{}, tools.ErrNotFound
	}
	return tool, nil
}

type memIdem struct {
	mappings map[string]string
}

func (m *memIdem) Check(ctx context.Context, userID, key string) (string, bool, error) {
	id, ok := m.mappings[userID+":"+key]
	return id, ok, nil
}

func (m *memIdem) Set(ctx context.Context, userID, key, taskID string) error {
	m.mappings[userID+":"+key] = taskID
	return nil
}

type memAdmitter struct {
	current int
	max     int
}

func (m *memAdmitter) Check(ctx context.Context, userID string, max int) (bool, int, int, error) {
	return m.current < m.max, m.current, m.max, nil
}

func (m *memAdmitter) Increment(ctx context.Context, userID string) (int, error) {
	m.current++
	return m.current, nil
}

func (m *memAdmitter) Decrement(ctx context.Context, userID string) (int, error) {
	m.current--
	return m.current, nil
}

type memEnqueuer struct {
	jobs []queue.Job
}

func (m *memEnqueuer) Enqueue(ctx context.Context, job queue.Job) (string, error) {
	m.jobs = append(m.jobs, job)
	return "job-1", nil
}

func setupSubmitRouter(t *testing.T, admitter *memAdmitter) (*gin.Engine, *memEnqueuer) {
	t.Helper()

	store := &memTaskStore{tasks: make(map[string]database.Task)}
	resolver := &memResolver{tools: map[string]database.Tool{
		"background-removal": {Slug: "background-removal", Active: true, Provider: "replicate", MaxAttempts: 3},
		"legacy-tool":        {Slug: "legacy-tool", Active: false, Provider: "replicate"},
	}}
	enqueuer := &memEnqueuer{}
	gw := gateway.New(store, resolver, &memIdem{mappings: make(map[string]string)}, admitter, enqueuer, gateway.Config{
		QueuePrefix:     "tasks",
		DefaultProvider: "replicate",
		MaxAttempts:     3,
	})
	InitTaskHandlers(gw, nil)

	gin.SetMode(gin.TestMode)
	router := gin.New()
	router.POST("/api/tasks", func(c *gin.Context) {
		c.Set(middleware.UserIDKey, "user-1")
		SubmitTask(c)
	})
	return router, enqueuer
}

func postTask(t *testing.T, router *gin.Engine, body any) *httptest.ResponseRecorder {
	t.Helper()
	jsonBody, err := json.Marshal(body)
	require.NoError(t, err)

	req, err := http.NewRequest("POST", "/api/tasks", bytes.NewBuffer(jsonBody))
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")

	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	return w
}

func TestSubmitTaskCreated(t *testing.T) {
	router, _ := setupSubmitRouter(t, &memAdmitter{max: 5})

	w := postTask(t, router, SubmitTaskRequest{
		ToolSlug:    "background-removal",
		InputParams: json.RawMessage(`{"image": "s3://in.png"}`),
	})
	assert.Equal(t, http.StatusCreated, w.Code)

	var resp SubmitTaskResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.NotEmpty(t, resp.TaskID)
	assert.Equal(t, tasks.StatusPending, resp.Status)
	assert.False(t, resp.Deduplicated)
}

func TestSubmitTaskDuplicateReturns200(t *testing.T) {
	router, _ := setupSubmitRouter(t, &memAdmitter{max: 5})

	body := SubmitTaskRequest{
		ToolSlug:       "background-removal",
		InputParams:    json.RawMessage(`{"image": "s3://in.png"}`),
		IdempotencyKey: "client-key",
	}

	first := postTask(t, router, body)
	require.Equal(t, http.StatusCreated, first.Code)

	second := postTask(t, router, body)
	assert.Equal(t, http.StatusOK, second.Code)

	var firstResp, secondResp SubmitTaskResponse
	require.NoError(t, json.Unmarshal(first.Body.Bytes(), &firstResp))
	require.NoError(t, json.Unmarshal(second.Body.Bytes(), &secondResp))
	assert.Equal(t, firstResp.TaskID, secondResp.TaskID)
	assert.True(t, secondResp.Deduplicated)
}

func TestSubmitTaskCapacityReturns429(t *testing.T) {
	router, _ := setupSubmitRouter(t, &memAdmitter{current: 5, max: 5})

	w := postTask(t, router, SubmitTaskRequest{
		ToolSlug:    "background-removal",
		InputParams: json.RawMessage(`{}`),
	})
	assert.Equal(t, http.StatusTooManyRequests, w.Code)

	var resp map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, float64(5), resp["current"])
	assert.Equal(t, float64(5), resp["max"])
}

func TestSubmitTaskUnknownTool(t *testing.T) {
	router, _ := setupSubmitRouter(t, &memAdmitter{max: 5})

	w := postTask(t, router, SubmitTaskRequest{
		ToolSlug:    "no-such-tool",
		InputParams: json.RawMessage(`{}`),
	})
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestSubmitTaskInactiveTool(t *testing.T) {
	router, _ := setupSubmitRouter(t, &memAdmitter{max: 5})

	w := postTask(t, router, SubmitTaskRequest{
		ToolSlug:    "legacy-tool",
		InputParams: json.RawMessage(`{}`),
	})
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
}

func TestSubmitTaskUnknownParentReads404(t *testing.T) {
	router, _ := setupSubmitRouter(t, &memAdmitter{max: 5})

	parentID := "no-such-task"
	w := postTask(t, router, SubmitTaskRequest{
		ToolSlug:     "background-removal",
		InputParams:  json.RawMessage(`{}`),
		ParentTaskID: &parentID,
	})
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestSubmitTaskForeignParentReads403(t *testing.T) {
	router, enqueuer := setupSubmitRouter(t, &memAdmitter{max: 5})

	// First create a task, then resubmit it as a parent under a different
	// user by swapping the injected user id.
	w := postTask(t, router, SubmitTaskRequest{
		ToolSlug:    "background-removal",
		InputParams: json.RawMessage(`{"owner": "user-1"}`),
	})
	require.Equal(t, http.StatusCreated, w.Code)
	require.Len(t, enqueuer.jobs, 1)
	parentID := enqueuer.jobs[0].TaskID

	var resp SubmitTaskResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	require.Equal(t, parentID, resp.TaskID)

	otherUser := gin.New()
	otherUser.POST("/api/tasks", func(c *gin.Context) {
		c.Set(middleware.UserIDKey, "user-2")
		SubmitTask(c)
	})
	w = postTask(t, otherUser, SubmitTaskRequest{
		ToolSlug:     "background-removal",
		InputParams:  json.RawMessage(`{}`),
		ParentTaskID: &parentID,
	})
	assert.Equal(t, http.StatusForbidden, w.Code)
}

func TestSubmitTaskMissingBodyFields(t *testing.T) {
	router, _ := setupSubmitRouter(t, &memAdmitter{max: 5})

	w := postTask(t, router, map[string]any{"inputParams": map[string]any{}})
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestSubmitTaskPriorityFromHeader(t *testing.T) {
	router, enqueuer := setupSubmitRouter(t, &memAdmitter{max: 5})

	body, err := json.Marshal(SubmitTaskRequest{
		ToolSlug:    "background-removal",
		InputParams: json.RawMessage(`{}`),
	})
	require.NoError(t, err)

	req, err := http.NewRequest("POST", "/api/tasks", bytes.NewBuffer(body))
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Priority-Class", "admin")

	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	assert.Equal(t, http.StatusCreated, w.Code)

	require.Len(t, enqueuer.jobs, 1)
	assert.Equal(t, queue.PriorityFor(queue.PriorityClassAdmin), enqueuer.jobs[0].Priority)
}

func TestSubmitTaskBodyCannotSetPriority(t *testing.T) {
	router, enqueuer := setupSubmitRouter(t, &memAdmitter{max: 5})

	w := postTask(t, router, map[string]any{
		"toolSlug":      "background-removal",
		"inputParams":   map[string]any{},
		"priorityClass": "admin",
	})
	assert.Equal(t, http.StatusCreated, w.Code)

	require.Len(t, enqueuer.jobs, 1)
	assert.Equal(t, queue.PriorityFor(queue.PriorityClassWeb), enqueuer.jobs[0].Priority)
}
