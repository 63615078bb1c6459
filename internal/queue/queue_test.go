package queue

import (
	"testing"

	"github.com/winfleet/winfleet/internal/job"
)

func TestNew(t *testing.T) {
	q := New()
	if q.Len() != 0 {
		t.Errorf("expected empty queue, got Len() = %d", q.Len())
	}
	if q.Pop() != nil {
		t.Error("Pop on empty queue should return nil")
	}
}

func TestPushPop(t *testing.T) {
	q := New()
	if err := q.Push("j1", job.PriorityNormal); err != nil {
		t.Fatalf("Push failed: %v", err)
	}

	qj := q.Pop()
	if qj == nil {
		t.Fatal("Pop returned nil")
	}
	if qj.JobID != "j1" {
		t.Errorf("expected j1, got %s", qj.JobID)
	}
	if q.Len() != 0 {
		t.Errorf("expected Len() = 0 after pop, got %d", q.Len())
	}
}

func TestPushDuplicate(t *testing.T) {
	q := New()
	_ = q.Push("j1", job.PriorityNormal)
	if err := q.Push("j1", job.PriorityHigh); err != ErrJobExists {
		t.Errorf("expected ErrJobExists, got %v", err)
	}
}

func TestPriorityOrdering(t *testing.T) {
	q := New()
	_ = q.Push("low", job.PriorityLow)
	_ = q.Push("critical", job.PriorityCritical)
	_ = q.Push("normal", job.PriorityNormal)
	_ = q.Push("high", job.PriorityHigh)

	want := []string{"critical", "high", "normal", "low"}
	for _, expected := range want {
		qj := q.Pop()
		if qj == nil {
			t.Fatalf("Pop returned nil, expected %s", expected)
		}
		if qj.JobID != expected {
			t.Errorf("expected %s, got %s", expected, qj.JobID)
		}
	}
}

func TestFIFOWithinPriority(t *testing.T) {
	q := New()
	_ = q.Push("first", job.PriorityNormal)
	_ = q.Push("second", job.PriorityNormal)
	_ = q.Push("third", job.PriorityNormal)

	for _, expected := range []string{"first", "second", "third"} {
		qj := q.Pop()
		if qj.JobID != expected {
			t.Errorf("expected %s, got %s", expected, qj.JobID)
		}
	}
}

func TestPushWithSeqPreservesPosition(t *testing.T) {
	q := New()
	_ = q.Push("a", job.PriorityNormal)
	_ = q.Push("b", job.PriorityNormal)
	_ = q.Push("c", job.PriorityNormal)

	// Bounce "a" as a failed placement would and re-enqueue with its
	// original sequence; it must still come out first.
	qj := q.Pop()
	if qj.JobID != "a" {
		t.Fatalf("expected a, got %s", qj.JobID)
	}
	if err := q.PushWithSeq(qj.JobID, qj.Priority, qj.Seq); err != nil {
		t.Fatalf("PushWithSeq failed: %v", err)
	}

	if got := q.Pop().JobID; got != "a" {
		t.Errorf("expected a to keep its FIFO slot, got %s", got)
	}
	if got := q.Pop().JobID; got != "b" {
		t.Errorf("expected b, got %s", got)
	}
}

func TestRemove(t *testing.T) {
	q := New()
	_ = q.Push("j1", job.PriorityNormal)
	_ = q.Push("j2", job.PriorityNormal)

	if !q.Remove("j1") {
		t.Error("Remove should return true for queued job")
	}
	if q.Remove("j1") {
		t.Error("Remove should return false for already removed job")
	}
	if q.Contains("j1") {
		t.Error("queue should not contain removed job")
	}
	if !q.Contains("j2") {
		t.Error("queue should still contain j2")
	}
}

func TestSnapshotDispatchOrder(t *testing.T) {
	q := New()
	_ = q.Push("n1", job.PriorityNormal)
	_ = q.Push("c1", job.PriorityCritical)
	_ = q.Push("n2", job.PriorityNormal)

	snap := q.Snapshot()
	if len(snap) != 3 {
		t.Fatalf("expected 3 entries, got %d", len(snap))
	}
	want := []string{"c1", "n1", "n2"}
	for i, expected := range want {
		if snap[i].JobID != expected {
			t.Errorf("snapshot[%d]: expected %s, got %s", i, expected, snap[i].JobID)
		}
	}
	// Snapshot must not drain the queue.
	if q.Len() != 3 {
		t.Errorf("expected Len() = 3 after snapshot, got %d", q.Len())
	}
}
