package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/atelier-ai/task-service/internal/database"
	"github.com/atelier-ai/task-service/internal/redisclient"
)

// HealthResponse represents the health check response
type HealthResponse struct {
	Status   string `json:"status"`
	Database string `json:"database"`
	Redis    string `json:"redis"`
}

// HealthCheck handles the health check endpoint
func HealthCheck(c *gin.Context) {
	response := HealthResponse{
		Status: "ok",
	}
	healthy := true

	// Check database connection
	if database.Pool() != nil {
		if err := database.Status(c.Request.Context()); err != nil {
			response.Database = "disconnected"
			healthy = false
		} else {
			response.Database = "connected"
		}
	} else {
		response.Database = "not configured"
		healthy = false
	}

	// Check redis connection
	if redisclient.Client() != nil {
		if err := redisclient.Status(c.Request.Context()); err != nil {
			response.Redis = "disconnected"
			healthy = false
		} else {
			response.Redis = "connected"
		}
	} else {
		response.Redis = "not configured"
		healthy = false
	}

	if !healthy {
		response.Status = "degraded"
		c.JSON(http.StatusServiceUnavailable, response)
		return
	}

	c.JSON(http.StatusOK, response)
}
