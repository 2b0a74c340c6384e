package providers

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/atelier-ai/task-service/internal/queue"
)

func testConfig() Config {
	return Config{
		RequestsPerSecond: 1000,
		Burst:             10,
		MaxRetries:        3,
		InitialBackoff:    time.Millisecond,
		MaxBackoff:        10 * time.Millisecond,
		RequestTimeout:    time.Second,
	}
}

func TestInvokeSuccess(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
		assert.Equal(t, "Bearer secret", r.Header.Get("Authorization"))

		body, _ := io.ReadAll(r.Body)
		assert.JSONEq(t, `{"prompt": "hello"}`, string(body))

		w.Write([]byte(`{"result": "ok"}`))
	}))
	defer srv.Close()

	client := NewClient(testConfig(), "secret")
	out, err := client.Invoke(context.Background(), srv.URL, json.RawMessage(`{"prompt": "hello"}`))
	require.NoError(t, err)
	assert.JSONEq(t, `{"result": "ok"}`, string(out))
}

func TestInvokeRetriesServerErrors(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) < 3 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		w.Write([]byte(`{"result": "recovered"}`))
	}))
	defer srv.Close()

	client := NewClient(testConfig(), "")
	out, err := client.Invoke(context.Background(), srv.URL, json.RawMessage(`{}`))
	require.NoError(t, err)
	assert.JSONEq(t, `{"result": "recovered"}`, string(out))
	assert.Equal(t, int32(3), calls.Load())
}

func TestInvokeDoesNotRetryClientErrors(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusUnprocessableEntity)
	}))
	defer srv.Close()

	client := NewClient(testConfig(), "")
	_, err := client.Invoke(context.Background(), srv.URL, json.RawMessage(`{}`))
	require.Error(t, err)
	assert.Equal(t, int32(1), calls.Load())

	var invokeErr *InvokeError
	require.True(t, errors.As(err, &invokeErr))
	assert.Equal(t, http.StatusUnprocessableEntity, invokeErr.LastStatus)
	assert.Equal(t, 1, invokeErr.Attempts)
}

func TestInvokeExhaustsAttempts(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	client := NewClient(testConfig(), "")
	_, err := client.Invoke(context.Background(), srv.URL, json.RawMessage(`{}`))
	require.Error(t, err)
	assert.Equal(t, int32(4), calls.Load())

	var invokeErr *InvokeError
	require.True(t, errors.As(err, &invokeErr))
	assert.Equal(t, 4, invokeErr.Attempts)
}

func TestInvokeHonorsContextCancellation(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	cfg := testConfig()
	cfg.InitialBackoff = time.Minute
	cfg.MaxBackoff = time.Minute
	client := NewClient(cfg, "")

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	start := time.Now()
	_, err := client.Invoke(ctx, srv.URL, json.RawMessage(`{}`))
	require.Error(t, err)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Less(t, time.Since(start), 5*time.Second)
}

func TestHTTPHandlerReturnsProviderOutput(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		assert.JSONEq(t, `{"image": "s3://in.png"}`, string(body))
		w.Write([]byte(`{"image": "s3://out.png"}`))
	}))
	defer srv.Close()

	handler := HTTPHandler(NewClient(testConfig(), ""), srv.URL)

	var lastProgress int
	out, err := handler(context.Background(), queue.Job{
		TaskID:      "task-1",
		ToolSlug:    "background-removal",
		InputParams: json.RawMessage(`{"image": "s3://in.png"}`),
	}, func(p int) { lastProgress = p })
	require.NoError(t, err)
	assert.JSONEq(t, `{"image": "s3://out.png"}`, string(out))
	assert.Equal(t, 100, lastProgress)
}
