// Package vsockdriver implements sandbox.Driver over AF_VSOCK, for a
// microVM backend (e.g. Firecracker) where the guest's runtime API is
// reachable only through a vsock CID rather than a TCP port. It uses
// github.com/mdlayher/vsock directly; the teacher's own internal/pkg/vsock
// package is a disconnected-environment stub that always errors, so it is
// not a usable grounding source for the transport itself — only for the
// length-prefixed JSON framing convention, which this driver reuses from
// internal/firecracker/vsock.go.
package vsockdriver

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"
	"sync"
	"sync/atomic"
	"time"

	"github.com/mdlayher/vsock"

	"github.com/fearlessfara/lambdahome/internal/sandbox"
)

const (
	// guestRuntimeAPIPort is the vsock port the guest agent listens on,
	// analogous to dockerdriver's TCP runtimeAPIPort.
	guestRuntimeAPIPort = 9001
	maxFrameBytes       = 16 << 20
)

// VMProvisioner is supplied by the microVM lifecycle manager (outside
// this package's scope) to actually start/stop the guest the vsock
// socket belongs to. The driver only owns the vsock handshake and
// framing; it does not know how to launch Firecracker itself.
type VMProvisioner interface {
	LaunchVM(ctx context.Context, instanceID string, cid uint32) error
	PauseVM(ctx context.Context, instanceID string) error
	TerminateVM(ctx context.Context, instanceID string) error
	IsRunning(ctx context.Context, instanceID string) (bool, error)
}

// Driver allocates guest CIDs, delegates VM start/stop to a
// VMProvisioner, and checks guest readiness by dialing its vsock port.
// writeFrame/readFrame implement the length-prefixed JSON framing; no
// Driver method sends frames.
type Driver struct {
	prov   VMProvisioner
	nextCID uint32

	mu  sync.Mutex
	cid map[string]uint32 // instanceID -> guest CID
}

// New creates a vsock driver starting CID allocation at firstCID (guest
// CIDs 0-2 are reserved by the kernel/hypervisor).
func New(prov VMProvisioner, firstCID uint32) *Driver {
	if firstCID < 3 {
		firstCID = 3
	}
	return &Driver{prov: prov, nextCID: firstCID, cid: make(map[string]uint32)}
}

func (d *Driver) allocateCID() uint32 {
	return atomic.AddUint32(&d.nextCID, 1) - 1
}

// Create allocates a guest CID and asks the provisioner to launch the VM.
func (d *Driver) Create(ctx context.Context, spec sandbox.Spec) (sandbox.Handle, error) {
	cid := d.allocateCID()
	if err := d.prov.LaunchVM(ctx, spec.InstanceID, cid); err != nil {
		return sandbox.Handle{}, fmt.Errorf("vsockdriver: launch vm: %w", err)
	}
	d.mu.Lock()
	d.cid[spec.InstanceID] = cid
	d.mu.Unlock()
	return sandbox.Handle{
		InstanceID:  spec.InstanceID,
		ContainerID: spec.InstanceID,
		Endpoint:    fmt.Sprintf("vsock:%d:%d", cid, guestRuntimeAPIPort),
	}, nil
}

// Start dials the guest's vsock port until it accepts a connection,
// mirroring dockerdriver's TCP readiness poll.
func (d *Driver) Start(ctx context.Context, handle sandbox.Handle) error {
	d.mu.Lock()
	cid, ok := d.cid[handle.InstanceID]
	d.mu.Unlock()
	if !ok {
		return fmt.Errorf("vsockdriver: unknown instance %s", handle.InstanceID)
	}

	deadline := time.Now().Add(10 * time.Second)
	var lastErr error
	for time.Now().Before(deadline) {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}
		conn, err := vsock.Dial(cid, guestRuntimeAPIPort, nil)
		if err == nil {
			conn.Close()
			return nil
		}
		lastErr = err
		time.Sleep(100 * time.Millisecond)
	}
	return fmt.Errorf("vsockdriver: guest agent never became reachable on cid %d: %w", cid, lastErr)
}

// Stop pauses the microVM via the provisioner.
func (d *Driver) Stop(ctx context.Context, handle sandbox.Handle) error {
	return d.prov.PauseVM(ctx, handle.InstanceID)
}

// Remove terminates the microVM and releases its CID.
func (d *Driver) Remove(ctx context.Context, handle sandbox.Handle) error {
	err := d.prov.TerminateVM(ctx, handle.InstanceID)
	d.mu.Lock()
	delete(d.cid, handle.InstanceID)
	d.mu.Unlock()
	return err
}

// Inspect delegates to the provisioner's process-liveness check.
func (d *Driver) Inspect(ctx context.Context, handle sandbox.Handle) (bool, error) {
	return d.prov.IsRunning(ctx, handle.InstanceID)
}

// Events has no out-of-band channel for vsock guests in this driver;
// lifecycle changes are only observable by polling Inspect. Returns a
// channel that closes immediately when ctx is done.
func (d *Driver) Events(ctx context.Context) (<-chan sandbox.Event, error) {
	ch := make(chan sandbox.Event)
	go func() {
		<-ctx.Done()
		close(ch)
	}()
	return ch, nil
}

// frame is the wire envelope exchanged with the guest agent, matching
// the teacher's VsockMessage framing: a 4-byte big-endian length prefix
// followed by a JSON payload.
type frame struct {
	Type    int             `json:"type"`
	Payload json.RawMessage `json:"payload"`
}

func writeFrame(w io.Writer, f frame) error {
	data, err := json.Marshal(f)
	if err != nil {
		return err
	}
	buf := make([]byte, 4+len(data))
	binary.BigEndian.PutUint32(buf[:4], uint32(len(data)))
	copy(buf[4:], data)
	_, err = w.Write(buf)
	return err
}

func readFrame(r io.Reader) (frame, error) {
	lenBuf := make([]byte, 4)
	if _, err := io.ReadFull(r, lenBuf); err != nil {
		return frame{}, err
	}
	n := binary.BigEndian.Uint32(lenBuf)
	if n > maxFrameBytes {
		return frame{}, fmt.Errorf("vsockdriver: frame too large: %d bytes", n)
	}
	data := make([]byte, n)
	if _, err := io.ReadFull(r, data); err != nil {
		return frame{}, err
	}
	var f frame
	if err := json.Unmarshal(data, &f); err != nil {
		return frame{}, err
	}
	return f, nil
}
