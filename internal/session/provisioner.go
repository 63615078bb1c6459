package session

import "context"

// Handle identifies a provisioned execution environment. Ref is
// provisioner-specific (container id, OS session id).
type Handle struct {
	User string
	Port int
	Ref  string
}

// Provisioner materializes isolated execution sessions: it ensures the host
// user exists, creates the session, and starts the agent process inside it.
// Implementations must be safe for concurrent use.
type Provisioner interface {
	// Provision creates an isolated session for the user, listening on port.
	Provision(ctx context.Context, user string, port int) (*Handle, error)

	// Destroy tears the session down. Destroy of an already-gone session is
	// not an error.
	Destroy(ctx context.Context, handle *Handle) error

	// CheckHealth reports whether the session is still alive.
	CheckHealth(ctx context.Context, handle *Handle) (bool, error)
}
