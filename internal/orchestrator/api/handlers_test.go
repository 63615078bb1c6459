package api

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"

	"github.com/winfleet/winfleet/internal/common/config"
	"github.com/winfleet/winfleet/internal/common/logger"
	"github.com/winfleet/winfleet/internal/events/bus"
	"github.com/winfleet/winfleet/internal/job"
	"github.com/winfleet/winfleet/internal/orchestrator"
	"github.com/winfleet/winfleet/internal/session"
	"github.com/winfleet/winfleet/internal/template"
)

func testRouter(t *testing.T) (*gin.Engine, *orchestrator.Service) {
	t.Helper()
	log := logger.Default()

	cfg := &config.Config{
		RDP:       config.RDPConfig{BasePort: 3390, PortSpread: 1000},
		Scheduler: config.SchedulerConfig{TickSeconds: 5, SendTimeoutSeconds: 5},
		Agent:     config.AgentConfig{HeartbeatTimeoutMinutes: 5, RecycleAfterJobs: 50},
		Session:   config.SessionConfig{InactivityTimeoutHours: 2, MaxJobs: 100},
		Job:       config.JobConfig{TimeoutMinutes: 30, MaxRetries: 3},
		History:   config.HistoryConfig{MaxCompleted: 1000},
		Transport: config.TransportConfig{CircuitFailures: 5, CircuitCooldownSeconds: 30},
	}
	svc, err := orchestrator.New(cfg, session.NewStubProvisioner(), bus.NewMemoryEventBus(log), log)
	if err != nil {
		t.Fatalf("service init: %v", err)
	}
	return NewRouter(cfg, svc, nil, log), svc
}

func doJSON(t *testing.T, router *gin.Engine, method, path string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()

	var reader *bytes.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal request: %v", err)
		}
		reader = bytes.NewReader(payload)
	} else {
		reader = bytes.NewReader(nil)
	}

	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	return w
}

func decode[T any](t *testing.T, w *httptest.ResponseRecorder) T {
	t.Helper()
	var out T
	if err := json.Unmarshal(w.Body.Bytes(), &out); err != nil {
		t.Fatalf("decode response %q: %v", w.Body.String(), err)
	}
	return out
}

func validCreateBody() CreateJobRequest {
	return CreateJobRequest{
		Name:            "calc run",
		ApplicationPath: "calc.exe",
		Steps: []job.Step{
			{Order: 1, Type: job.StepClick, Target: "button:1"},
		},
	}
}

func TestCreateJobEndpoint(t *testing.T) {
	router, svc := testRouter(t)

	w := doJSON(t, router, http.MethodPost, "/api/v1/jobs", validCreateBody())
	if w.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", w.Code, w.Body.String())
	}
	resp := decode[JobIDResponse](t, w)
	if resp.JobID == "" {
		t.Fatal("response carries no job id")
	}

	j, err := svc.GetJob(resp.JobID)
	if err != nil {
		t.Fatalf("created job not retrievable: %v", err)
	}
	if j.Status != job.StatusQueued {
		t.Errorf("expected queued, got %s", j.Status)
	}
}

func TestCreateJobValidationEnvelope(t *testing.T) {
	router, _ := testRouter(t)

	body := validCreateBody()
	body.Steps = nil
	w := doJSON(t, router, http.MethodPost, "/api/v1/jobs", body)
	if w.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", w.Code)
	}

	resp := decode[FailureResponse](t, w)
	if resp.Success {
		t.Error("failure envelope must carry success=false")
	}
	if resp.ErrorMessage == "" {
		t.Error("failure envelope must carry a message")
	}
	if len(resp.Errors) != 1 || resp.Errors[0] != "INVALID_INPUT" {
		t.Errorf("expected [INVALID_INPUT], got %v", resp.Errors)
	}
}

func TestGetJobNotFound(t *testing.T) {
	router, _ := testRouter(t)

	w := doJSON(t, router, http.MethodGet, "/api/v1/jobs/ghost", nil)
	if w.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", w.Code)
	}
	resp := decode[FailureResponse](t, w)
	if len(resp.Errors) != 1 || resp.Errors[0] != "NOT_FOUND" {
		t.Errorf("expected [NOT_FOUND], got %v", resp.Errors)
	}
}

func TestListJobsEmptyIsArray(t *testing.T) {
	router, _ := testRouter(t)

	w := doJSON(t, router, http.MethodGet, "/api/v1/jobs", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	if body := bytes.TrimSpace(w.Body.Bytes()); string(body) != "[]" {
		t.Errorf("empty listing must be a JSON array, got %s", body)
	}
}

func TestCancelJobEndpoint(t *testing.T) {
	router, _ := testRouter(t)

	created := decode[JobIDResponse](t, doJSON(t, router, http.MethodPost, "/api/v1/jobs", validCreateBody()))

	w := doJSON(t, router, http.MethodPost, "/api/v1/jobs/"+created.JobID+"/cancel", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}
	if !decode[SuccessResponse](t, w).Success {
		t.Error("expected success=true")
	}

	// Repeat cancel stays a success; cancel of a missing job is a 404.
	if w := doJSON(t, router, http.MethodPost, "/api/v1/jobs/"+created.JobID+"/cancel", nil); w.Code != http.StatusOK {
		t.Errorf("repeat cancel: expected 200, got %d", w.Code)
	}
	if w := doJSON(t, router, http.MethodPost, "/api/v1/jobs/ghost/cancel", nil); w.Code != http.StatusNotFound {
		t.Errorf("missing job: expected 404, got %d", w.Code)
	}
}

func TestStatusCallbackEndpoint(t *testing.T) {
	router, _ := testRouter(t)
	created := decode[JobIDResponse](t, doJSON(t, router, http.MethodPost, "/api/v1/jobs", validCreateBody()))

	// The job is queued, not running; a terminal report for it still lands
	// through the scheduler, which rejects the illegal transition.
	w := doJSON(t, router, http.MethodPatch, "/api/v1/jobs/"+created.JobID+"/status",
		StatusCallbackRequest{Status: "paused"})
	if w.Code != http.StatusBadRequest {
		t.Errorf("non-terminal status: expected 400, got %d", w.Code)
	}

	w = doJSON(t, router, http.MethodPatch, "/api/v1/jobs/ghost/status",
		StatusCallbackRequest{Status: "success"})
	if w.Code != http.StatusNotFound {
		t.Errorf("missing job: expected 404, got %d", w.Code)
	}
}

func TestTemplateEndpoints(t *testing.T) {
	router, _ := testRouter(t)

	w := doJSON(t, router, http.MethodGet, "/api/v1/templates", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("list templates: expected 200, got %d", w.Code)
	}
	templates := decode[[]template.Template](t, w)
	if len(templates) < 2 {
		t.Errorf("expected builtin templates, got %d", len(templates))
	}

	w = doJSON(t, router, http.MethodGet, "/api/v1/templates/"+template.BuiltinCalculator, nil)
	if w.Code != http.StatusOK {
		t.Errorf("get template: expected 200, got %d", w.Code)
	}

	w = doJSON(t, router, http.MethodPost, "/api/v1/templates/"+template.BuiltinCalculator+"/execute",
		ExecuteTemplateRequest{Parameters: map[string]string{
			"operand1": "2", "operand2": "2", "operation": "add",
		}})
	if w.Code != http.StatusCreated {
		t.Fatalf("execute template: expected 201, got %d: %s", w.Code, w.Body.String())
	}
	if decode[JobIDResponse](t, w).JobID == "" {
		t.Error("execute response carries no job id")
	}

	w = doJSON(t, router, http.MethodPost, "/api/v1/templates/"+template.BuiltinCalculator+"/execute",
		ExecuteTemplateRequest{Parameters: map[string]string{"operand1": "2"}})
	if w.Code != http.StatusBadRequest {
		t.Errorf("missing params: expected 400, got %d", w.Code)
	}
}

func TestAgentEndpoints(t *testing.T) {
	router, _ := testRouter(t)

	w := doJSON(t, router, http.MethodPost, "/api/v1/agents",
		RegisterAgentRequest{Name: "w1", User: "svc-w1",
			Capabilities: &CapabilitiesRequest{SupportedAppTypes: []string{"calc"}}})
	if w.Code != http.StatusCreated {
		t.Fatalf("register: expected 201, got %d: %s", w.Code, w.Body.String())
	}
	var registered struct {
		ID        string `json:"id"`
		SessionID string `json:"sessionId"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &registered); err != nil {
		t.Fatalf("decode agent: %v", err)
	}
	if registered.ID == "" || registered.SessionID == "" {
		t.Fatalf("incomplete registration response: %s", w.Body.String())
	}

	if w := doJSON(t, router, http.MethodGet, "/api/v1/agents/"+registered.ID, nil); w.Code != http.StatusOK {
		t.Errorf("get agent: expected 200, got %d", w.Code)
	}
	if w := doJSON(t, router, http.MethodPost, "/api/v1/agents/"+registered.ID+"/heartbeat", nil); w.Code != http.StatusOK {
		t.Errorf("heartbeat: expected 200, got %d", w.Code)
	}

	w = doJSON(t, router, http.MethodGet, "/api/v1/sessions", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("sessions: expected 200, got %d", w.Code)
	}
	sessions := decode[[]session.Session](t, w)
	if len(sessions) != 1 || sessions[0].AgentID != registered.ID {
		t.Errorf("expected one session bound to the agent, got %+v", sessions)
	}

	if w := doJSON(t, router, http.MethodDelete, "/api/v1/agents/"+registered.ID, nil); w.Code != http.StatusOK {
		t.Errorf("unregister: expected 200, got %d", w.Code)
	}
	if w := doJSON(t, router, http.MethodGet, "/api/v1/agents/"+registered.ID, nil); w.Code != http.StatusNotFound {
		t.Errorf("get after unregister: expected 404, got %d", w.Code)
	}
}

func TestRegisterAgentMissingFields(t *testing.T) {
	router, _ := testRouter(t)

	w := doJSON(t, router, http.MethodPost, "/api/v1/agents", RegisterAgentRequest{Name: "w1"})
	if w.Code != http.StatusBadRequest {
		t.Errorf("expected 400 for missing user, got %d", w.Code)
	}
}

func TestQueueAndStatusEndpoints(t *testing.T) {
	router, _ := testRouter(t)
	_ = decode[JobIDResponse](t, doJSON(t, router, http.MethodPost, "/api/v1/jobs", validCreateBody()))

	w := doJSON(t, router, http.MethodGet, "/api/v1/queue", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("queue: expected 200, got %d", w.Code)
	}
	queue := decode[QueueResponse](t, w)
	if queue.Total != 1 || len(queue.Jobs) != 1 {
		t.Errorf("expected one queued job, got %+v", queue)
	}

	w = doJSON(t, router, http.MethodGet, "/api/v1/status", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("status: expected 200, got %d", w.Code)
	}
	st := decode[orchestrator.Status](t, w)
	if st.Status != "ok" || st.Jobs != 1 {
		t.Errorf("unexpected status payload: %+v", st)
	}

	if w := doJSON(t, router, http.MethodGet, "/health", nil); w.Code != http.StatusOK {
		t.Errorf("health: expected 200, got %d", w.Code)
	}
}

func TestCorrelationIDHeader(t *testing.T) {
	router, _ := testRouter(t)

	w := doJSON(t, router, http.MethodGet, "/health", nil)
	if w.Header().Get("X-Correlation-ID") == "" {
		t.Error("responses must carry a correlation id")
	}
}
