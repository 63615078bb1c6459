package transport

import (
	"testing"
	"time"
)

func TestBreakerOpensAtThreshold(t *testing.T) {
	cb := newCircuitBreaker(3, time.Hour)

	cb.RecordFailure()
	cb.RecordFailure()
	if !cb.Allow() {
		t.Fatal("breaker opened below threshold")
	}

	cb.RecordFailure()
	if cb.Allow() {
		t.Error("breaker must reject after reaching the threshold")
	}
}

func TestBreakerSuccessResetsFailures(t *testing.T) {
	cb := newCircuitBreaker(3, time.Hour)

	cb.RecordFailure()
	cb.RecordFailure()
	cb.RecordSuccess()
	cb.RecordFailure()
	cb.RecordFailure()
	if !cb.Allow() {
		t.Error("success must reset the consecutive failure count")
	}
}

func TestBreakerHalfOpenProbe(t *testing.T) {
	cb := newCircuitBreaker(1, 0)

	cb.RecordFailure()
	// Zero cooldown: the next call transitions to half-open and is allowed.
	if !cb.Allow() {
		t.Fatal("expected half-open probe after cooldown")
	}

	// A failed probe re-opens immediately regardless of the threshold count.
	cb.RecordFailure()
	cb.cooldown = time.Hour
	if cb.Allow() {
		t.Error("failed probe must re-open the circuit")
	}
}

func TestBreakerHalfOpenSuccessCloses(t *testing.T) {
	cb := newCircuitBreaker(1, 0)

	cb.RecordFailure()
	if !cb.Allow() {
		t.Fatal("expected half-open probe")
	}
	cb.RecordSuccess()

	cb.cooldown = time.Hour
	for i := 0; i < 5; i++ {
		if !cb.Allow() {
			t.Fatal("closed breaker must allow calls")
		}
	}
}

func TestBreakerSetPerEndpoint(t *testing.T) {
	s := newBreakerSet(1, time.Hour)

	s.get("http://a").RecordFailure()
	if s.get("http://a").Allow() {
		t.Error("endpoint a should be open")
	}
	if !s.get("http://b").Allow() {
		t.Error("endpoint b must have its own breaker")
	}

	s.forget("http://a")
	if !s.get("http://a").Allow() {
		t.Error("forget must discard the open breaker")
	}
}
