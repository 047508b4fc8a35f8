// Package loopback implements a self-contained vhost.Endpoint for local
// demonstration and testing: rather than framing real vhost-user wire
// messages over a connected UNIX socket, it performs its own one-shot
// feature negotiation and queue startup in-process and lets a caller
// play the guest's part directly through Queue.Submit. Real listener
// setup, SCM_RIGHTS memory-table negotiation, and wire framing are all
// out of scope here, same as they are for vhost.Endpoint itself.
package loopback

import (
	"fmt"
	"sync"
	"syscall"

	"golang.org/x/sys/unix"

	"github.com/ehrlich-b/virtiofsd-core/internal/vhost"
)

// Endpoint is a loopback vhost-user endpoint driving numQueues queues
// with no notification queue negotiated.
type Endpoint struct {
	controlFD int

	mu            sync.Mutex
	cb            *vhost.Callbacks
	handshakeDone bool
	queues        []*Queue
}

// New creates a loopback endpoint with numQueues queues. The control
// eventfd starts pre-signaled so the first Dispatcher poll immediately
// drives the one-shot handshake.
func New(numQueues int) (*Endpoint, error) {
	controlFD, err := unix.Eventfd(1, unix.EFD_CLOEXEC|unix.EFD_NONBLOCK)
	if err != nil {
		return nil, fmt.Errorf("loopback: create control eventfd: %w", err)
	}

	queues := make([]*Queue, numQueues)
	for i := range queues {
		q, err := newQueue(i)
		if err != nil {
			return nil, err
		}
		queues[i] = q
	}

	return &Endpoint{controlFD: controlFD, queues: queues}, nil
}

// SocketFD implements vhost.Endpoint.
func (e *Endpoint) SocketFD() int { return e.controlFD }

// SetCallbacks implements vhost.Endpoint.
func (e *Endpoint) SetCallbacks(cb *vhost.Callbacks) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.cb = cb
}

// Dispatch implements vhost.Endpoint. The first call negotiates features
// (notifications left off) and starts every queue; later wakeups of the
// control eventfd (there should be none past the first) are a no-op.
func (e *Endpoint) Dispatch() error {
	var buf [8]byte
	_, _ = unix.Read(e.controlFD, buf[:])

	e.mu.Lock()
	defer e.mu.Unlock()
	if e.handshakeDone || e.cb == nil {
		return nil
	}
	e.handshakeDone = true

	e.cb.SetFeatures(vhost.AdvertisedFeatures &^ vhost.FeatureFSNotification)
	for i := range e.queues {
		if err := e.cb.QueueSetStarted(i, true); err != nil {
			return err
		}
	}
	return nil
}

// GetQueue implements vhost.Endpoint.
func (e *Endpoint) GetQueue(i int) vhost.Queue {
	if i < 0 || i >= len(e.queues) {
		return nil
	}
	return e.queues[i]
}

// Queue returns the underlying loopback queue at index i, for a caller
// that wants to Submit requests directly rather than go through
// vhost.Endpoint's narrower interface.
func (e *Endpoint) Queue(i int) *Queue {
	if i < 0 || i >= len(e.queues) {
		return nil
	}
	return e.queues[i]
}

// SlaveSend implements vhost.Endpoint. There is no guest physical memory
// or DAX window to manage in loopback mode: MAP/UNMAP/SYNC are no-ops
// that report success, and IO (which would bounce-copy into guest RAM)
// has nothing to copy into.
func (e *Endpoint) SlaveSend(kind vhost.SlaveRequestKind, fd int, msg *vhost.SlaveMessage) (int64, error) {
	if fd >= 0 {
		_ = unix.Close(fd)
	}
	if kind == vhost.SlaveIO {
		return 0, syscall.ENOSYS
	}
	return 0, nil
}

// Close implements vhost.Endpoint.
func (e *Endpoint) Close() error {
	var firstErr error
	if err := unix.Close(e.controlFD); err != nil && firstErr == nil {
		firstErr = err
	}
	for _, q := range e.queues {
		if err := q.close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

var _ vhost.Endpoint = (*Endpoint)(nil)
