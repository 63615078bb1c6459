package job

import (
	"strings"
	"testing"

	apperrors "github.com/winfleet/winfleet/internal/common/errors"
	"github.com/winfleet/winfleet/internal/common/logger"
)

func testStore() *Store {
	return NewStore(logger.Default())
}

func testJob(name string) *Job {
	return New(name, "calc.exe", []Step{
		{Order: 1, Type: StepClick, Target: "button:5"},
	})
}

func TestPutAndGet(t *testing.T) {
	s := testStore()
	j := testJob("test")

	if err := s.Put(j); err != nil {
		t.Fatalf("Put failed: %v", err)
	}

	got, ok := s.Get(j.ID)
	if !ok {
		t.Fatal("Get did not find stored job")
	}
	if got.Status != StatusPending {
		t.Errorf("expected pending, got %s", got.Status)
	}
	if got.Steps[0].TimeoutMs != DefaultStepTimeoutMs {
		t.Errorf("expected default step timeout, got %d", got.Steps[0].TimeoutMs)
	}
}

func TestPutDuplicate(t *testing.T) {
	s := testStore()
	j := testJob("test")
	_ = s.Put(j)

	err := s.Put(j)
	if err == nil {
		t.Fatal("expected conflict on duplicate Put")
	}
	appErr := apperrors.As(err)
	if appErr.Code != apperrors.ErrCodeConflict {
		t.Errorf("expected CONFLICT, got %s", appErr.Code)
	}
}

func TestGetReturnsSnapshot(t *testing.T) {
	s := testStore()
	j := testJob("test")
	_ = s.Put(j)

	got, _ := s.Get(j.ID)
	got.Name = "mutated"
	got.Steps[0].Target = "mutated"

	again, _ := s.Get(j.ID)
	if again.Name != "test" || again.Steps[0].Target != "button:5" {
		t.Error("mutation of a snapshot leaked into the store")
	}
}

func TestHappyPathTransitions(t *testing.T) {
	s := testStore()
	j := testJob("test")
	_ = s.Put(j)

	steps := []struct {
		to   Status
		opts TransitionOpts
	}{
		{StatusQueued, TransitionOpts{}},
		{StatusAssigned, TransitionOpts{AgentID: "a1"}},
		{StatusRunning, TransitionOpts{}},
		{StatusSuccess, TransitionOpts{Result: "done"}},
	}
	for _, step := range steps {
		if _, err := s.Transition(j.ID, step.to, step.opts); err != nil {
			t.Fatalf("transition to %s failed: %v", step.to, err)
		}
	}

	got, _ := s.Get(j.ID)
	if got.Status != StatusSuccess {
		t.Errorf("expected success, got %s", got.Status)
	}
	if got.CompletedAt == nil {
		t.Error("terminal job must have completedAt")
	}
	if got.Result != "done" {
		t.Errorf("expected result 'done', got %q", got.Result)
	}
	if got.QueuedAt == nil || got.StartedAt == nil {
		t.Error("lifecycle timestamps missing")
	}
	if got.AssignedAgentID != "" {
		t.Error("terminal job must not keep an agent binding")
	}
}

func TestIllegalTransitionDoesNotMutate(t *testing.T) {
	s := testStore()
	j := testJob("test")
	_ = s.Put(j)

	_, err := s.Transition(j.ID, StatusRunning, TransitionOpts{})
	if !apperrors.IsInvalidInput(err) {
		t.Fatalf("expected INVALID_INPUT, got %v", err)
	}

	got, _ := s.Get(j.ID)
	if got.Status != StatusPending {
		t.Errorf("illegal transition mutated status to %s", got.Status)
	}
	if got.StartedAt != nil {
		t.Error("illegal transition stamped startedAt")
	}
}

func TestAssignWithoutAgentRejected(t *testing.T) {
	s := testStore()
	j := testJob("test")
	_ = s.Put(j)
	_, _ = s.Transition(j.ID, StatusQueued, TransitionOpts{})

	if _, err := s.Transition(j.ID, StatusAssigned, TransitionOpts{}); err == nil {
		t.Error("assigning without an agent id must fail")
	}
}

func TestCancelFromAnyNonTerminal(t *testing.T) {
	for _, setup := range []Status{StatusPending, StatusQueued, StatusAssigned, StatusRunning} {
		s := testStore()
		j := testJob("test")
		_ = s.Put(j)
		advanceTo(t, s, j.ID, setup)

		snap, err := s.Transition(j.ID, StatusCancelled, TransitionOpts{})
		if err != nil {
			t.Fatalf("cancel from %s failed: %v", setup, err)
		}
		if snap.CompletedAt == nil {
			t.Errorf("cancel from %s: completedAt not stamped", setup)
		}
		if snap.ErrorMessage == "" {
			t.Errorf("cancel from %s: no reason recorded", setup)
		}
	}
}

func TestCancelledIsFinal(t *testing.T) {
	s := testStore()
	j := testJob("test")
	_ = s.Put(j)
	_, _ = s.Transition(j.ID, StatusCancelled, TransitionOpts{})

	if _, err := s.Transition(j.ID, StatusQueued, TransitionOpts{}); err == nil {
		t.Error("cancelled job must reject further transitions")
	}
}

func TestRetryFlow(t *testing.T) {
	s := testStore()
	j := testJob("test")
	j.Priority = PriorityHigh
	j.MaxRetries = 2
	_ = s.Put(j)
	advanceTo(t, s, j.ID, StatusRunning)

	if _, err := s.Transition(j.ID, StatusFailed, TransitionOpts{Error: "boom"}); err != nil {
		t.Fatalf("fail transition: %v", err)
	}
	snap, err := s.Transition(j.ID, StatusRetry, TransitionOpts{})
	if err != nil {
		t.Fatalf("retry transition: %v", err)
	}

	if snap.RetryCount != 1 {
		t.Errorf("expected retryCount 1, got %d", snap.RetryCount)
	}
	if snap.Priority != PriorityNormal {
		t.Errorf("expected priority to decay to normal, got %s", snap.Priority)
	}
	if snap.ErrorMessage != "" || snap.CompletedAt != nil || snap.StartedAt != nil {
		t.Error("retry must clear the failed attempt's fields")
	}

	if _, err := s.Transition(j.ID, StatusQueued, TransitionOpts{}); err != nil {
		t.Fatalf("requeue after retry: %v", err)
	}
}

func TestRetryExhausted(t *testing.T) {
	s := testStore()
	j := testJob("test")
	j.MaxRetries = 1
	_ = s.Put(j)

	advanceTo(t, s, j.ID, StatusRunning)
	_, _ = s.Transition(j.ID, StatusFailed, TransitionOpts{})
	_, _ = s.Transition(j.ID, StatusRetry, TransitionOpts{})
	_, _ = s.Transition(j.ID, StatusQueued, TransitionOpts{})
	_, _ = s.Transition(j.ID, StatusAssigned, TransitionOpts{AgentID: "a1"})
	_, _ = s.Transition(j.ID, StatusRunning, TransitionOpts{})
	_, _ = s.Transition(j.ID, StatusFailed, TransitionOpts{})

	_, err := s.Transition(j.ID, StatusRetry, TransitionOpts{})
	if !apperrors.IsInvalidInput(err) {
		t.Fatalf("expected retry exhaustion to reject, got %v", err)
	}

	got, _ := s.Get(j.ID)
	if got.RetryCount != 1 {
		t.Errorf("retryCount must never exceed maxRetries, got %d", got.RetryCount)
	}
}

func TestTerminalDefaultReasons(t *testing.T) {
	cases := []struct {
		status Status
		want   string
	}{
		{StatusCancelled, "cancelled"},
		{StatusTimeout, "timed out"},
	}
	for _, tc := range cases {
		s := testStore()
		j := testJob("test")
		_ = s.Put(j)
		advanceTo(t, s, j.ID, StatusRunning)

		snap, err := s.Transition(j.ID, tc.status, TransitionOpts{})
		if err != nil {
			t.Fatalf("transition to %s: %v", tc.status, err)
		}
		if !strings.Contains(snap.ErrorMessage, tc.want) {
			t.Errorf("%s: expected reason containing %q, got %q", tc.status, tc.want, snap.ErrorMessage)
		}
	}
}

func TestTerminalHookReceivesBoundAgent(t *testing.T) {
	s := testStore()
	j := testJob("test")
	_ = s.Put(j)

	var hookAgent string
	var hookStatus Status
	s.SetTerminalHook(func(j *Job, agentID string) {
		hookAgent = agentID
		hookStatus = j.Status
	})

	advanceTo(t, s, j.ID, StatusRunning)
	_, _ = s.Transition(j.ID, StatusSuccess, TransitionOpts{})

	if hookAgent != "a1" {
		t.Errorf("hook expected agent a1, got %q", hookAgent)
	}
	if hookStatus != StatusSuccess {
		t.Errorf("hook expected success snapshot, got %s", hookStatus)
	}
}

func TestListOrderingAndPaging(t *testing.T) {
	s := testStore()
	var ids []string
	for i := 0; i < 5; i++ {
		j := testJob("job")
		_ = s.Put(j)
		ids = append(ids, j.ID)
	}

	all := s.List("", 0, 0)
	if len(all) != 5 {
		t.Fatalf("expected 5 jobs, got %d", len(all))
	}

	page := s.List("", 2, 2)
	if len(page) != 2 {
		t.Errorf("expected page of 2, got %d", len(page))
	}
	if got := s.List("", 10, 2); got != nil {
		t.Errorf("skip past end should return nil, got %d items", len(got))
	}

	filtered := s.List(StatusPending, 0, 100)
	if len(filtered) != 5 {
		t.Errorf("expected 5 pending jobs, got %d", len(filtered))
	}
	_ = ids
}

func TestPruneKeepsNonTerminal(t *testing.T) {
	s := testStore()

	var terminalIDs []string
	for i := 0; i < 4; i++ {
		j := testJob("done")
		_ = s.Put(j)
		advanceTo(t, s, j.ID, StatusRunning)
		_, _ = s.Transition(j.ID, StatusSuccess, TransitionOpts{})
		terminalIDs = append(terminalIDs, j.ID)
	}
	live := testJob("live")
	_ = s.Put(live)

	dropped := s.Prune(2)
	if dropped != 2 {
		t.Errorf("expected 2 dropped, got %d", dropped)
	}
	if s.Len() != 3 {
		t.Errorf("expected 3 jobs left, got %d", s.Len())
	}
	if _, ok := s.Get(live.ID); !ok {
		t.Error("prune must never drop non-terminal jobs")
	}
}

// advanceTo walks a pending job along the legal path up to the target
// non-terminal state.
func advanceTo(t *testing.T, s *Store, id string, target Status) {
	t.Helper()

	if target == StatusPending {
		return
	}
	for _, st := range []Status{StatusQueued, StatusAssigned, StatusRunning} {
		opts := TransitionOpts{}
		if st == StatusAssigned {
			opts.AgentID = "a1"
		}
		if _, err := s.Transition(id, st, opts); err != nil {
			t.Fatalf("advance to %s failed at %s: %v", target, st, err)
		}
		if st == target {
			return
		}
	}
}
