package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog/log"

	"github.com/atelier-ai/task-service/internal/database"
	"github.com/atelier-ai/task-service/internal/metrics"
	"github.com/atelier-ai/task-service/internal/middleware"
	"github.com/atelier-ai/task-service/internal/status"
	"github.com/atelier-ai/task-service/internal/tasks"
)

// streamTaskStore is the slice of the task store the SSE endpoints read
// from; satisfied by *tasks.Store
type streamTaskStore interface {
	GetView(ctx context.Context, taskID, userID string, includeChildren bool) (tasks.TaskView, error)
	Get(ctx context.Context, taskID string) (database.Task, error)
}

var (
	streamBus   status.Bus
	streamStore streamTaskStore
)

// InitStreamHandlers wires the status bus and task store into the SSE
// endpoints
func InitStreamHandlers(bus status.Bus, store streamTaskStore) {
	streamBus = bus
	streamStore = store
}

func sseHeaders(c *gin.Context) {
	c.Writer.Header().Set("Content-Type", "text/event-stream")
	c.Writer.Header().Set("Cache-Control", "no-cache")
	c.Writer.Header().Set("Connection", "keep-alive")
	c.Writer.Header().Set("X-Accel-Buffering", "no")
}

func writeFrame(c *gin.Context, payload interface{}) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	if _, err := fmt.Fprintf(c.Writer, "data: %s\n\n", data); err != nil {
		return err
	}
	c.Writer.Flush()
	return nil
}

// connectedFrame is the first frame on every stream so clients can tell a
// working connection from a proxy that silently buffers.
type connectedFrame struct {
	Event     string    `json:"event"`
	Timestamp time.Time `json:"timestamp"`
}

func snapshotUpdate(view tasks.TaskView) status.Update {
	update := status.Update{
		TaskID:    view.ID,
		Status:    view.Effective,
		Progress:  view.Progress,
		Timestamp: time.Now().UTC(),
	}
	if view.Effective == tasks.StatusSuccess {
		update.OutputData = view.OutputData
	}
	if view.Effective == tasks.StatusFailed && view.ErrorMessage != nil {
		update.Error = *view.ErrorMessage
	}
	return update
}

// StreamTask streams status updates for one task as server-sent events.
// A task already terminal at connect time gets a single snapshot frame and
// the stream closes; otherwise the stream relays live updates and closes
// after the first terminal frame.
func StreamTask(c *gin.Context) {
	taskID := c.Param("taskId")
	if taskID == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "taskId is required"})
		return
	}

	userID := middleware.UserID(c)
	ctx := c.Request.Context()

	view, err := streamStore.GetView(ctx, taskID, userID, false)
	if errors.Is(err, tasks.ErrNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": "Task not found"})
		return
	}
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to fetch task"})
		return
	}

	sseHeaders(c)
	metrics.StreamOpened("task")
	defer metrics.StreamClosed("task")

	if err := writeFrame(c, connectedFrame{Event: "connected", Timestamp: time.Now().UTC()}); err != nil {
		return
	}

	// Terminal before the subscription even starts: one snapshot, done.
	if tasks.IsTerminal(view.Effective) {
		writeFrame(c, snapshotUpdate(view))
		return
	}

	updates, cancel, err := streamBus.Subscribe(ctx, userID)
	if err != nil {
		log.Error().Err(err).Str("task_id", taskID).Msg("failed to subscribe to status bus")
		return
	}
	defer cancel()

	// The task may have gone terminal between the first read and the
	// subscription. Re-check under the live subscription so the terminal
	// frame cannot be missed.
	view, err = streamStore.GetView(ctx, taskID, userID, false)
	if err != nil {
		return
	}
	if tasks.IsTerminal(view.Effective) {
		writeFrame(c, snapshotUpdate(view))
		return
	}

	for {
		select {
		case <-ctx.Done():
			return
		case update, ok := <-updates:
			if !ok {
				return
			}
			if update.TaskID == taskID {
				if err := writeFrame(c, update); err != nil {
					return
				}
				if tasks.IsTerminal(update.Status) {
					return
				}
				continue
			}
			// An update for another task may belong to one of this task's
			// workflow steps, which shifts the parent's derived status.
			child, err := streamStore.Get(ctx, update.TaskID)
			if err != nil || child.ParentTaskID == nil || *child.ParentTaskID != taskID {
				continue
			}
			view, err := streamStore.GetView(ctx, taskID, userID, false)
			if err != nil {
				continue
			}
			if err := writeFrame(c, snapshotUpdate(view)); err != nil {
				return
			}
			if tasks.IsTerminal(view.Effective) {
				return
			}
		}
	}
}

// StreamUserFeed streams every status update for the caller's tasks. Unlike
// the per-task stream it never closes on a terminal frame; the client owns
// the connection lifetime.
func StreamUserFeed(c *gin.Context) {
	userID := middleware.UserID(c)
	ctx := c.Request.Context()

	updates, cancel, err := streamBus.Subscribe(ctx, userID)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to open stream"})
		return
	}
	defer cancel()

	sseHeaders(c)
	metrics.StreamOpened("user")
	defer metrics.StreamClosed("user")

	if err := writeFrame(c, connectedFrame{Event: "connected", Timestamp: time.Now().UTC()}); err != nil {
		return
	}

	for {
		select {
		case <-ctx.Done():
			return
		case update, ok := <-updates:
			if !ok {
				return
			}
			if err := writeFrame(c, update); err != nil {
				return
			}
		}
	}
}
