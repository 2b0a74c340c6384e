package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
)

func setupAuthRouter(middleware gin.HandlerFunc) *gin.Engine {
	gin.SetMode(gin.TestMode)
	router := gin.New()
	router.Use(middleware)
	router.GET("/probe", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"userId": UserID(c)})
	})
	return router
}

func TestUserAuthMiddleware(t *testing.T) {
	t.Setenv("INTERNAL_API_KEY", "service-key")
	router := setupAuthRouter(UserAuthMiddleware())

	tests := []struct {
		name     string
		key      string
		userID   string
		wantCode int
	}{
		{"valid key and user", "service-key", "user-1", http.StatusOK},
		{"wrong key", "wrong", "user-1", http.StatusUnauthorized},
		{"missing key", "", "user-1", http.StatusUnauthorized},
		{"missing user id", "service-key", "", http.StatusUnauthorized},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest("GET", "/probe", nil)
			if tt.key != "" {
				req.Header.Set("X-Internal-API-Key", tt.key)
			}
			if tt.userID != "" {
				req.Header.Set("X-User-ID", tt.userID)
			}

			w := httptest.NewRecorder()
			router.ServeHTTP(w, req)
			assert.Equal(t, tt.wantCode, w.Code)
		})
	}
}

func TestUserAuthMiddlewareResolvesUserID(t *testing.T) {
	t.Setenv("INTERNAL_API_KEY", "service-key")
	router := setupAuthRouter(UserAuthMiddleware())

	req := httptest.NewRequest("GET", "/probe", nil)
	req.Header.Set("X-Internal-API-Key", "service-key")
	req.Header.Set("X-User-ID", "user-42")

	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "user-42")
}

func TestUserAuthMiddlewareMisconfigured(t *testing.T) {
	t.Setenv("INTERNAL_API_KEY", "")
	router := setupAuthRouter(UserAuthMiddleware())

	req := httptest.NewRequest("GET", "/probe", nil)
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	assert.Equal(t, http.StatusInternalServerError, w.Code)
}

func TestOperatorAuthMiddleware(t *testing.T) {
	t.Setenv("OPERATOR_API_KEY", "operator-key")
	router := setupAuthRouter(OperatorAuthMiddleware())

	req := httptest.NewRequest("GET", "/probe", nil)
	req.Header.Set("X-Operator-API-Key", "operator-key")
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	assert.Equal(t, http.StatusOK, w.Code)

	// A user service key must not open operator routes
	req = httptest.NewRequest("GET", "/probe", nil)
	req.Header.Set("X-Internal-API-Key", "operator-key")
	w = httptest.NewRecorder()
	router.ServeHTTP(w, req)
	assert.Equal(t, http.StatusUnauthorized, w.Code)
}
