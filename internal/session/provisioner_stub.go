package session

import (
	"context"
	"fmt"
	"sync"
)

// StubProvisioner simulates session provisioning without touching the host.
// It backs local development and tests; failure injection drives the error
// paths.
type StubProvisioner struct {
	mu        sync.Mutex
	destroyed map[string]bool
	alive     map[string]bool

	ProvisionErr error
	DestroyErr   error
	Unhealthy    map[string]bool

	ProvisionCalls int
	DestroyCalls   int
	HealthCalls    int
}

// NewStubProvisioner creates a stub provisioner with no failures injected.
func NewStubProvisioner() *StubProvisioner {
	return &StubProvisioner{
		destroyed: make(map[string]bool),
		alive:     make(map[string]bool),
		Unhealthy: make(map[string]bool),
	}
}

// Provision records the call and hands back a synthetic handle.
func (p *StubProvisioner) Provision(_ context.Context, user string, port int) (*Handle, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.ProvisionCalls++
	if p.ProvisionErr != nil {
		return nil, p.ProvisionErr
	}

	ref := fmt.Sprintf("stub-%s-%d", user, port)
	p.alive[ref] = true
	return &Handle{User: user, Port: port, Ref: ref}, nil
}

// Destroy records the call. Destroying an unknown handle is not an error.
func (p *StubProvisioner) Destroy(_ context.Context, handle *Handle) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.DestroyCalls++
	if p.DestroyErr != nil {
		return p.DestroyErr
	}
	if handle != nil {
		delete(p.alive, handle.Ref)
		p.destroyed[handle.Ref] = true
	}
	return nil
}

// CheckHealth reports liveness of the synthetic session.
func (p *StubProvisioner) CheckHealth(_ context.Context, handle *Handle) (bool, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.HealthCalls++
	if handle == nil {
		return false, nil
	}
	if p.Unhealthy[handle.Ref] {
		return false, nil
	}
	return p.alive[handle.Ref], nil
}

// Destroyed reports whether a handle ref was torn down.
func (p *StubProvisioner) Destroyed(ref string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.destroyed[ref]
}

// MarkUnhealthy makes subsequent health checks for the ref fail.
func (p *StubProvisioner) MarkUnhealthy(ref string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.Unhealthy[ref] = true
}
