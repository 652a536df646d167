// Package sandbox defines the driver boundary between the dispatcher and
// whatever isolation technology actually runs function code (spec.md
// §4.6). The dispatcher and warmpool packages depend only on this
// interface, never on a concrete backend, so that docker and
// microVM/vsock backends can be swapped or run side by side.
package sandbox

import (
	"context"
	"time"

	"github.com/fearlessfara/lambdahome/internal/domain"
)

// Spec describes the sandbox to create for one function key. The driver
// decides how to turn this into an actual process/container/VM.
type Spec struct {
	InstanceID string
	Function   *domain.FunctionMeta
	CodeDigest string
	CodePath   string // local path to the extracted code artifact
}

// Handle is what a driver returns after a successful Create: everything
// the rest of the system needs to address the sandbox, without knowing
// how it was built.
type Handle struct {
	InstanceID  string
	ContainerID string
	Endpoint    string // host:port or vsock CID:port the runtime API proxy dials
}

// EventKind enumerates the out-of-band lifecycle signals a driver can
// emit asynchronously (e.g. an OOM-killed container, or a VM that
// crashed), independent of any call the dispatcher made.
type EventKind string

const (
	EventExited EventKind = "exited"
	EventOOM    EventKind = "oom"
	EventCrash  EventKind = "crash"
)

// Event is one lifecycle notification from a running sandbox.
type Event struct {
	ContainerID string
	Kind        EventKind
	ExitCode    int
	Message     string
	At          time.Time
}

// Driver is the full lifecycle surface a sandbox backend must implement.
// Every method is expected to be safe for concurrent use across
// different instance ids; a driver implementation owns its own
// concurrency control for operations against the same instance id.
type Driver interface {
	// Create provisions (but does not necessarily start) the sandbox
	// described by spec and returns its handle.
	Create(ctx context.Context, spec Spec) (Handle, error)

	// Start brings a created sandbox up to the point where its runtime
	// API endpoint is ready to accept the init handshake.
	Start(ctx context.Context, handle Handle) error

	// Stop pauses or suspends the sandbox without discarding its
	// artifacts, matching the WarmIdle -> Stopped transition: a later
	// Start on the same handle should be cheaper than Create+Start.
	Stop(ctx context.Context, handle Handle) error

	// Remove tears the sandbox down permanently and releases any
	// resources (ports, disks, network namespaces) it held.
	Remove(ctx context.Context, handle Handle) error

	// Inspect reports whether the sandbox's process/container is still
	// alive from the backend's point of view, independent of the
	// warmpool's InstanceState bookkeeping.
	Inspect(ctx context.Context, handle Handle) (alive bool, err error)

	// Events returns a channel of lifecycle notifications for sandboxes
	// created by this driver. The channel is closed when ctx is
	// cancelled or the driver is shut down.
	Events(ctx context.Context) (<-chan Event, error)
}
