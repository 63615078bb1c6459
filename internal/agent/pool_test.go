package agent

import (
	"testing"
	"time"

	"github.com/winfleet/winfleet/internal/common/logger"
)

func testPool(recycleAfter int) *Pool {
	return NewPool(recycleAfter, logger.Default())
}

func testAgent(id string) *Agent {
	return &Agent{
		ID:       id,
		Name:     "agent-" + id,
		Endpoint: "http://127.0.0.1:9090",
		Status:   StatusIdle,
	}
}

func TestAddAndGet(t *testing.T) {
	p := testPool(50)
	if err := p.Add(testAgent("a1")); err != nil {
		t.Fatalf("Add failed: %v", err)
	}

	a, err := p.Get("a1")
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if a.Status != StatusIdle {
		t.Errorf("expected idle, got %s", a.Status)
	}
	if a.RegisteredAt.IsZero() || a.LastHeartbeat.IsZero() {
		t.Error("registration must stamp timestamps")
	}
}

func TestAddDuplicate(t *testing.T) {
	p := testPool(50)
	_ = p.Add(testAgent("a1"))
	if err := p.Add(testAgent("a1")); err == nil {
		t.Error("duplicate registration must fail")
	}
}

func TestCapabilitySupports(t *testing.T) {
	cases := []struct {
		apps []string
		path string
		want bool
	}{
		{nil, "calc.exe", true},
		{[]string{"calc"}, "calc.exe", true},
		{[]string{"CALC"}, "C:\\Windows\\calc.exe", true},
		{[]string{"notepad"}, "calc.exe", false},
		{[]string{"notepad", "calc"}, "calc.exe", true},
	}
	for _, tc := range cases {
		c := Capabilities{SupportedAppTypes: tc.apps}
		if got := c.Supports(tc.path); got != tc.want {
			t.Errorf("Supports(%v, %q) = %v, want %v", tc.apps, tc.path, got, tc.want)
		}
	}
}

func TestPickFiltersByCapability(t *testing.T) {
	p := testPool(50)
	a1 := testAgent("a1")
	a1.Capabilities.SupportedAppTypes = []string{"notepad"}
	a2 := testAgent("a2")
	a2.Capabilities.SupportedAppTypes = []string{"calc"}
	_ = p.Add(a1)
	_ = p.Add(a2)

	picked := p.Pick("calc.exe")
	if picked == nil {
		t.Fatal("expected a pick")
	}
	if picked.ID != "a2" {
		t.Errorf("expected a2 (capability fit), got %s", picked.ID)
	}
}

func TestPickSkipsBusyAndFull(t *testing.T) {
	p := testPool(50)
	_ = p.Add(testAgent("a1"))
	_ = p.MarkBusy("a1", "j1")

	if picked := p.Pick("calc.exe"); picked != nil {
		t.Errorf("busy agent must not be picked, got %s", picked.ID)
	}
}

func TestPickRanking(t *testing.T) {
	p := testPool(50)

	good := testAgent("good")
	good.Metrics = Metrics{JobsExecuted: 10, JobsSucceeded: 10, TotalExecMs: 10000}
	bad := testAgent("bad")
	bad.Metrics = Metrics{JobsExecuted: 10, JobsSucceeded: 5, TotalExecMs: 10000}
	_ = p.Add(good)
	_ = p.Add(bad)

	if picked := p.Pick("calc.exe"); picked.ID != "good" {
		t.Errorf("expected highest success rate to win, got %s", picked.ID)
	}
}

func TestPickPrefersColdAgentOnTie(t *testing.T) {
	p := testPool(50)

	veteran := testAgent("veteran")
	veteran.Metrics = Metrics{JobsExecuted: 20, JobsSucceeded: 20}
	fresh := testAgent("fresh")
	_ = p.Add(veteran)
	_ = p.Add(fresh)

	// Both have success rate 1.0; the fresh agent has fewer executed jobs.
	if picked := p.Pick("calc.exe"); picked.ID != "fresh" {
		t.Errorf("expected least-loaded agent on tie, got %s", picked.ID)
	}
}

func TestPickDeterministicIDTiebreak(t *testing.T) {
	p := testPool(50)
	_ = p.Add(testAgent("bbb"))
	_ = p.Add(testAgent("aaa"))

	if picked := p.Pick("calc.exe"); picked.ID != "aaa" {
		t.Errorf("expected lexicographic tiebreak, got %s", picked.ID)
	}
}

func TestMarkBusyAndRelease(t *testing.T) {
	p := testPool(50)
	_ = p.Add(testAgent("a1"))

	if err := p.MarkBusy("a1", "j1"); err != nil {
		t.Fatalf("MarkBusy failed: %v", err)
	}
	if err := p.MarkBusy("a1", "j2"); err == nil {
		t.Error("MarkBusy on a busy agent must fail")
	}

	recycle := p.Release("a1", "j1", true, 1500)
	if recycle {
		t.Error("recycle should not trigger below threshold")
	}

	a, _ := p.Get("a1")
	if a.Status != StatusIdle {
		t.Errorf("expected idle after release, got %s", a.Status)
	}
	if a.Metrics.JobsExecuted != 1 || a.Metrics.JobsSucceeded != 1 {
		t.Errorf("metrics not updated: %+v", a.Metrics)
	}
	if a.Metrics.TotalExecMs != 1500 {
		t.Errorf("expected 1500ms recorded, got %d", a.Metrics.TotalExecMs)
	}
	if len(a.CurrentJobIDs) != 0 {
		t.Error("job binding not cleared")
	}
}

func TestReleaseTriggersRecycleAtThreshold(t *testing.T) {
	p := testPool(2)
	_ = p.Add(testAgent("a1"))

	_ = p.MarkBusy("a1", "j1")
	if p.Release("a1", "j1", true, 100) {
		t.Error("first release should not trigger recycle")
	}
	_ = p.MarkBusy("a1", "j2")
	if !p.Release("a1", "j2", true, 100) {
		t.Error("second release should trigger recycle")
	}
}

func TestRecycleResetsCounters(t *testing.T) {
	p := testPool(2)
	_ = p.Add(testAgent("a1"))
	_ = p.MarkBusy("a1", "j1")
	_ = p.Release("a1", "j1", false, 100)

	if err := p.BeginRecycle("a1"); err != nil {
		t.Fatalf("BeginRecycle failed: %v", err)
	}
	if picked := p.Pick("calc.exe"); picked != nil {
		t.Error("recycling agent must not be picked")
	}

	p.FinishRecycle("a1", true)
	a, _ := p.Get("a1")
	if a.Status != StatusIdle {
		t.Errorf("expected idle after recycle, got %s", a.Status)
	}
	if a.Metrics.JobsExecuted != 0 {
		t.Errorf("expected metrics reset, got %d executed", a.Metrics.JobsExecuted)
	}
}

func TestBeginRecycleRejectsBusy(t *testing.T) {
	p := testPool(50)
	_ = p.Add(testAgent("a1"))
	_ = p.MarkBusy("a1", "j1")

	if err := p.BeginRecycle("a1"); err == nil {
		t.Error("busy agent must not enter recycle")
	}
}

func TestFinishRecycleFailure(t *testing.T) {
	p := testPool(50)
	_ = p.Add(testAgent("a1"))
	_ = p.BeginRecycle("a1")
	p.FinishRecycle("a1", false)

	a, _ := p.Get("a1")
	if a.Status != StatusError {
		t.Errorf("expected error after failed recycle, got %s", a.Status)
	}
}

func TestHeartbeatRecoversOffline(t *testing.T) {
	p := testPool(50)
	_ = p.Add(testAgent("a1"))
	p.MarkOffline("a1")

	recovered, err := p.Heartbeat("a1")
	if err != nil {
		t.Fatalf("Heartbeat failed: %v", err)
	}
	if !recovered {
		t.Error("heartbeat from offline agent must recover it")
	}

	a, _ := p.Get("a1")
	if a.Status != StatusIdle {
		t.Errorf("expected idle after recovery, got %s", a.Status)
	}
}

func TestHeartbeatIdempotent(t *testing.T) {
	p := testPool(50)
	_ = p.Add(testAgent("a1"))

	for i := 0; i < 5; i++ {
		recovered, err := p.Heartbeat("a1")
		if err != nil {
			t.Fatalf("Heartbeat failed: %v", err)
		}
		if recovered {
			t.Error("heartbeat on a live agent must not report recovery")
		}
	}
	a, _ := p.Get("a1")
	if a.Status != StatusIdle {
		t.Errorf("repeated heartbeats changed state to %s", a.Status)
	}
}

func TestMarkOfflineReturnsHeldJobs(t *testing.T) {
	p := testPool(50)
	_ = p.Add(testAgent("a1"))
	_ = p.MarkBusy("a1", "j1")

	held := p.MarkOffline("a1")
	if len(held) != 1 || held[0] != "j1" {
		t.Errorf("expected [j1], got %v", held)
	}
	// A second offline mark reports nothing new.
	if again := p.MarkOffline("a1"); again != nil {
		t.Errorf("expected nil on repeated offline, got %v", again)
	}
}

func TestStaleAgents(t *testing.T) {
	p := testPool(50)
	_ = p.Add(testAgent("a1"))
	_ = p.Add(testAgent("a2"))
	p.MarkOffline("a2")

	future := time.Now().UTC().Add(10 * time.Minute)
	stale := p.StaleAgents(future, 5*time.Minute)
	if len(stale) != 1 || stale[0].ID != "a1" {
		t.Errorf("expected only a1 stale, got %v", stale)
	}

	now := time.Now().UTC()
	if got := p.StaleAgents(now, 5*time.Minute); len(got) != 0 {
		t.Errorf("fresh agent reported stale: %v", got)
	}
}

func TestRecoverError(t *testing.T) {
	p := testPool(50)
	_ = p.Add(testAgent("a1"))
	p.MarkError("a1")

	if !p.RecoverError("a1") {
		t.Error("expected recovery from error")
	}
	if p.RecoverError("a1") {
		t.Error("recovery of an idle agent must be a no-op")
	}
}

func TestMetricsSuccessRate(t *testing.T) {
	m := Metrics{}
	if m.SuccessRate() != 1.0 {
		t.Errorf("cold agent must rank as 1.0, got %f", m.SuccessRate())
	}
	m = Metrics{JobsExecuted: 4, JobsSucceeded: 3}
	if m.SuccessRate() != 0.75 {
		t.Errorf("expected 0.75, got %f", m.SuccessRate())
	}
}
