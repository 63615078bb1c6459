package orchestrator

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/winfleet/winfleet/internal/common/logger"
	"github.com/winfleet/winfleet/internal/events"
	"github.com/winfleet/winfleet/internal/events/bus"
	"github.com/winfleet/winfleet/internal/job"
)

type delivery struct {
	event string
	job   job.Job
}

func TestWebhookDeliversTerminalJob(t *testing.T) {
	log := logger.Default()
	received := make(chan delivery, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var j job.Job
		_ = json.NewDecoder(r.Body).Decode(&j)
		received <- delivery{event: r.Header.Get("X-Winfleet-Event"), job: j}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	store := job.NewStore(log)
	j := job.New("hooked", "calc.exe", []job.Step{{Order: 1, Type: job.StepClick, Target: "x"}})
	j.WebhookURL = srv.URL
	_ = store.Put(j)
	_, _ = store.Transition(j.ID, job.StatusCancelled, job.TransitionOpts{})

	b := bus.NewMemoryEventBus(log)
	n := NewWebhookNotifier(store, b, log)
	if err := n.Start(); err != nil {
		t.Fatalf("notifier start: %v", err)
	}
	defer n.Stop()

	err := b.Publish(context.Background(), events.JobCancelled,
		bus.NewEvent(events.JobCancelled, "test", map[string]interface{}{"jobId": j.ID}))
	if err != nil {
		t.Fatalf("publish: %v", err)
	}

	select {
	case d := <-received:
		if d.event != events.JobCancelled {
			t.Errorf("expected event header %s, got %s", events.JobCancelled, d.event)
		}
		if d.job.ID != j.ID {
			t.Errorf("delivered job %q, expected %q", d.job.ID, j.ID)
		}
		if d.job.Status != job.StatusCancelled {
			t.Errorf("expected terminal snapshot, got %s", d.job.Status)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("webhook was not delivered")
	}
}

func TestWebhookSkipsJobsWithoutURL(t *testing.T) {
	log := logger.Default()
	var hits int
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits++
	}))
	defer srv.Close()

	store := job.NewStore(log)
	j := job.New("quiet", "calc.exe", []job.Step{{Order: 1, Type: job.StepClick, Target: "x"}})
	_ = store.Put(j)

	b := bus.NewMemoryEventBus(log)
	n := NewWebhookNotifier(store, b, log)
	if err := n.Start(); err != nil {
		t.Fatalf("notifier start: %v", err)
	}
	defer n.Stop()

	_ = b.Publish(context.Background(), events.JobCompleted,
		bus.NewEvent(events.JobCompleted, "test", map[string]interface{}{"jobId": j.ID}))

	time.Sleep(100 * time.Millisecond)
	if hits != 0 {
		t.Errorf("job without webhook url must not trigger delivery, got %d hits", hits)
	}
}
