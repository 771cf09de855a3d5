package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/codeherd/codeherd/internal/common/config"
	"github.com/codeherd/codeherd/internal/common/logger"
	"github.com/codeherd/codeherd/internal/orchestrator"
	"github.com/codeherd/codeherd/internal/orchestrator/chatlock"
	"github.com/codeherd/codeherd/internal/orchestrator/executor"
	"github.com/codeherd/codeherd/internal/orchestrator/planstore"
	"github.com/codeherd/codeherd/internal/orchestrator/queue"
	"github.com/codeherd/codeherd/internal/orchestrator/registry"
	"github.com/codeherd/codeherd/internal/orchestrator/tracker"
	v1 "github.com/codeherd/codeherd/pkg/api/v1"
	"github.com/codeherd/codeherd/pkg/claudecode"
)

// quickInvoker answers every invocation immediately.
type quickInvoker struct{}

func (quickInvoker) Invoke(ctx context.Context, prompt string, opts claudecode.Options) (*claudecode.Result, error) {
	return &claudecode.Result{Text: "1. make the change"}, nil
}

func testRouter(t *testing.T) (*gin.Engine, *registry.Registry) {
	t.Helper()
	gin.SetMode(gin.TestMode)

	log, err := logger.NewLogger(logger.LoggingConfig{Level: "error", Format: "json", OutputPath: "stderr"})
	require.NoError(t, err)

	q, err := queue.NewTaskQueue(nil, 5)
	require.NoError(t, err)
	trk, err := tracker.NewTracker(nil)
	require.NoError(t, err)
	plans, err := planstore.NewStore(nil)
	require.NoError(t, err)
	reg := registry.New(nil, registry.DefaultConfig(), log)
	exec := executor.New(quickInvoker{}, reg, trk, config.AgentConfig{}, executor.DefaultConfig(), log)
	service := orchestrator.NewService(chatlock.NewManager(), q, trk, plans, reg, exec, nil, log)

	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = service.Shutdown(ctx)
	})

	router := gin.New()
	SetupRoutes(router.Group("/api/v1"), service, reg, log)
	return router, reg
}

func doJSON(t *testing.T, router *gin.Engine, method, path string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	return w
}

func TestSubmitTaskEndpoint(t *testing.T) {
	router, _ := testRouter(t)

	w := doJSON(t, router, http.MethodPost, "/api/v1/tasks", map[string]interface{}{
		"chat_id":  77,
		"task":     "add pagination",
		"work_dir": "/tmp/project",
	})
	require.Equal(t, http.StatusAccepted, w.Code)

	var out orchestrator.SubmitOutcome
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &out))
	assert.False(t, out.Queued, "idle chat should start planning, not queue")
}

func TestSubmitTaskValidation(t *testing.T) {
	router, _ := testRouter(t)

	// Missing task and work_dir.
	w := doJSON(t, router, http.MethodPost, "/api/v1/tasks", map[string]interface{}{
		"chat_id": 77,
	})
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestChatStatusEndpoint(t *testing.T) {
	router, _ := testRouter(t)

	w := doJSON(t, router, http.MethodGet, "/api/v1/chats/42/status", nil)
	require.Equal(t, http.StatusOK, w.Code)

	var st orchestrator.ChatStatus
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &st))
	assert.False(t, st.Busy)
	assert.Nil(t, st.PendingPlan)
	assert.Empty(t, st.Queued)
}

func TestChatIDValidation(t *testing.T) {
	router, _ := testRouter(t)

	w := doJSON(t, router, http.MethodGet, "/api/v1/chats/notanumber/status", nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestApproveWithoutPlan(t *testing.T) {
	router, _ := testRouter(t)

	w := doJSON(t, router, http.MethodPost, "/api/v1/chats/42/plan/approve", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestCancelRunningNothing(t *testing.T) {
	router, _ := testRouter(t)

	w := doJSON(t, router, http.MethodPost, "/api/v1/chats/42/cancel", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestDismissUnknownInterrupted(t *testing.T) {
	router, _ := testRouter(t)

	w := doJSON(t, router, http.MethodPost, "/api/v1/interrupted/nope/dismiss", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestAgentEndpoints(t *testing.T) {
	router, reg := testRouter(t)

	id := reg.Register("executor", 5, "inspect the build", v1.AgentPhasePlanning)

	w := doJSON(t, router, http.MethodGet, "/api/v1/agents", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), id)

	w = doJSON(t, router, http.MethodGet, "/api/v1/agents/"+id, nil)
	assert.Equal(t, http.StatusOK, w.Code)

	w = doJSON(t, router, http.MethodGet, "/api/v1/agents/unknown-id", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}
