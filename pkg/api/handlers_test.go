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

	"github.com/agentwatch/ares/pkg/core"
	"github.com/agentwatch/ares/pkg/models"
	"github.com/agentwatch/ares/pkg/rollback"
	"github.com/agentwatch/ares/pkg/store"
	"github.com/agentwatch/ares/pkg/verify"
)

func newTestServer(t *testing.T) (*Server, *gin.Engine) {
	t.Helper()
	gin.SetMode(gin.TestMode)

	schemas := verify.NewSchemaRegistry()
	require.NoError(t, schemas.Register(verify.ToolSchema{
		Name:     "search",
		Required: []string{"query"},
		Fields:   map[string]verify.FieldType{"query": verify.FieldString},
	}))
	handlers := rollback.NewHandlerRegistry()
	require.NoError(t, handlers.Register("workspace", rollback.RestoreHandlerFunc(
		func(context.Context, models.Snapshot) error { return nil })))

	c := core.New(core.Deps{
		Agents:          store.NewMemoryAgentStore(),
		Tasks:           store.NewMemoryTaskStore(),
		Evidence:        store.NewMemoryEvidenceStore(),
		Snapshots:       store.NewMemorySnapshotStore(),
		Verdicts:        store.NewMemoryVerdictStore(),
		Enforcement:     store.NewMemoryEnforcementStore(),
		Schemas:         schemas,
		RestoreHandlers: handlers,
		Options:         core.DefaultOptions(),
	})
	s := NewServer(c, nil, nil)
	return s, s.Router()
}

func doJSON(t *testing.T, router *gin.Engine, method, path string, body any) *httptest.ResponseRecorder {
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

func decode[T any](t *testing.T, w *httptest.ResponseRecorder) T {
	t.Helper()
	var out T
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &out), "body: %s", w.Body.String())
	return out
}

func registerAgent(t *testing.T, router *gin.Engine) models.Agent {
	t.Helper()
	w := doJSON(t, router, http.MethodPost, "/api/agents", models.RegisterAgentRequest{Name: "builder-" + t.Name()})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	return decode[models.Agent](t, w)
}

func createTask(t *testing.T, router *gin.Engine, agentID string) models.Task {
	t.Helper()
	w := doJSON(t, router, http.MethodPost, "/api/tasks", models.CreateTaskRequest{
		AgentID:     agentID,
		Description: "build the widget",
	})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	return decode[models.Task](t, w)
}

func TestRegisterAgent(t *testing.T) {
	_, router := newTestServer(t)

	w := doJSON(t, router, http.MethodPost, "/api/agents", models.RegisterAgentRequest{Name: "builder"})
	require.Equal(t, http.StatusCreated, w.Code)
	agent := decode[models.Agent](t, w)
	assert.NotEmpty(t, agent.ID)
	assert.Equal(t, models.AgentStatusActive, agent.Status)

	// Duplicate name conflicts.
	w = doJSON(t, router, http.MethodPost, "/api/agents", models.RegisterAgentRequest{Name: "builder"})
	assert.Equal(t, http.StatusConflict, w.Code)

	// Missing name is a validation error.
	w = doJSON(t, router, http.MethodPost, "/api/agents", models.RegisterAgentRequest{})
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestGetAgent(t *testing.T) {
	_, router := newTestServer(t)
	agent := registerAgent(t, router)

	w := doJSON(t, router, http.MethodGet, "/api/agents/"+agent.ID, nil)
	assert.Equal(t, http.StatusOK, w.Code)

	w = doJSON(t, router, http.MethodGet, "/api/agents/ghost", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestCreateTask(t *testing.T) {
	_, router := newTestServer(t)
	agent := registerAgent(t, router)

	task := createTask(t, router, agent.ID)
	assert.Equal(t, models.TaskStatePending, task.State)

	w := doJSON(t, router, http.MethodPost, "/api/tasks", models.CreateTaskRequest{AgentID: "ghost"})
	assert.Equal(t, http.StatusNotFound, w.Code)

	w = doJSON(t, router, http.MethodPost, "/api/tasks", models.CreateTaskRequest{
		AgentID: agent.ID,
		Criteria: models.AcceptanceCriteria{
			Tools: []models.ToolRequirement{{Name: "search", MinInvocations: 2, MaxInvocations: 1}},
		},
	})
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestToolCallIdempotency(t *testing.T) {
	_, router := newTestServer(t)
	agent := registerAgent(t, router)
	task := createTask(t, router, agent.ID)

	call := models.ToolCallRecord{
		ID:        "call-1",
		ToolName:  "search",
		Arguments: map[string]any{"query": "docs"},
		Result:    map[string]any{"hits": 3},
	}
	w := doJSON(t, router, http.MethodPost, "/api/tasks/"+task.ID+"/tool-calls", call)
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())

	w = doJSON(t, router, http.MethodPost, "/api/tasks/"+task.ID+"/tool-calls", call)
	require.Equal(t, http.StatusOK, w.Code)
	body := decode[map[string]any](t, w)
	assert.Equal(t, true, body["already_exists"])
}

func TestArtifactAndSnapshot(t *testing.T) {
	_, router := newTestServer(t)
	agent := registerAgent(t, router)
	task := createTask(t, router, agent.ID)

	artifact := models.Artifact{ID: "artifact-1", Kind: "code", Payload: []byte("package widget")}
	w := doJSON(t, router, http.MethodPost, "/api/tasks/"+task.ID+"/artifacts", artifact)
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	w = doJSON(t, router, http.MethodPost, "/api/tasks/"+task.ID+"/artifacts", artifact)
	require.Equal(t, http.StatusOK, w.Code)

	snap := models.Snapshot{Scope: "workspace", OpaqueState: []byte(`{"rev":"r1"}`)}
	w = doJSON(t, router, http.MethodPost, "/api/tasks/"+task.ID+"/snapshot", snap)
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	w = doJSON(t, router, http.MethodPost, "/api/tasks/"+task.ID+"/snapshot", snap)
	require.Equal(t, http.StatusOK, w.Code)
	body := decode[map[string]any](t, w)
	assert.Equal(t, true, body["already_exists"])

	// Snapshot without a scope is rejected.
	w = doJSON(t, router, http.MethodPost, "/api/tasks/"+task.ID+"/snapshot", models.Snapshot{})
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestCompleteAndVerdict(t *testing.T) {
	_, router := newTestServer(t)
	agent := registerAgent(t, router)
	task := createTask(t, router, agent.ID)

	// Verdict before verification is 404.
	w := doJSON(t, router, http.MethodGet, "/api/tasks/"+task.ID+"/verdict", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)

	w = doJSON(t, router, http.MethodPost, "/api/tasks/"+task.ID+"/artifacts",
		models.Artifact{Kind: "code", Payload: []byte("package widget")})
	require.Equal(t, http.StatusCreated, w.Code)

	w = doJSON(t, router, http.MethodPost, "/api/tasks/"+task.ID+"/complete", nil)
	require.Equal(t, http.StatusAccepted, w.Code, w.Body.String())

	require.Eventually(t, func() bool {
		w := doJSON(t, router, http.MethodGet, "/api/tasks/"+task.ID+"/verdict", nil)
		return w.Code == http.StatusOK
	}, 5*time.Second, 10*time.Millisecond)

	// Completing again conflicts: the task left the active states.
	w = doJSON(t, router, http.MethodPost, "/api/tasks/"+task.ID+"/complete", nil)
	assert.Equal(t, http.StatusConflict, w.Code)

	// Late evidence conflicts too.
	w = doJSON(t, router, http.MethodPost, "/api/tasks/"+task.ID+"/artifacts",
		models.Artifact{Kind: "code", Payload: []byte("late")})
	assert.Equal(t, http.StatusConflict, w.Code)
}

func TestCancelTask(t *testing.T) {
	_, router := newTestServer(t)
	agent := registerAgent(t, router)
	task := createTask(t, router, agent.ID)

	w := doJSON(t, router, http.MethodPost, "/api/tasks/"+task.ID+"/cancel", CancelTaskRequest{Reason: "operator_abort"})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	got := decode[models.Task](t, w)
	assert.Equal(t, models.TaskStateRolledBack, got.State)

	w = doJSON(t, router, http.MethodPost, "/api/tasks/"+task.ID+"/cancel", nil)
	assert.Equal(t, http.StatusConflict, w.Code)
}

func TestReliabilityAndEnforcement(t *testing.T) {
	_, router := newTestServer(t)
	agent := registerAgent(t, router)

	w := doJSON(t, router, http.MethodGet, "/api/agents/"+agent.ID+"/reliability", nil)
	require.Equal(t, http.StatusOK, w.Code)
	state := decode[models.ReliabilityState](t, w)
	assert.Equal(t, 1.0, state.Score)
	assert.Equal(t, models.TierGood, state.Tier)

	w = doJSON(t, router, http.MethodGet, "/api/agents/"+agent.ID+"/enforcement", nil)
	assert.Equal(t, http.StatusOK, w.Code)

	w = doJSON(t, router, http.MethodGet, "/api/agents/"+agent.ID+"/enforcement?since=yesterday", nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = doJSON(t, router, http.MethodGet, "/api/agents/ghost/reliability", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestHealth(t *testing.T) {
	_, router := newTestServer(t)
	w := doJSON(t, router, http.MethodGet, "/healthz", nil)
	require.Equal(t, http.StatusOK, w.Code)
	body := decode[map[string]any](t, w)
	assert.Equal(t, "healthy", body["status"])
}
