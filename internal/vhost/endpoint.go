// Package vhost defines the contract the transport core requires of its
// vhost-user collaborator: the protocol endpoint that frames control
// messages, exposes per-queue pop/push/notify, and carries the
// master-to-slave side channel. The protocol framing itself — reading and
// writing the vhost-user wire messages — is out of this repository's
// scope; only the interface the core drives is defined here.
package vhost

import "github.com/ehrlich-b/virtiofsd-core/internal/iovec"

// Element is a popped descriptor chain: a writable-by-daemon segment list
// (the reply path) and a readable-by-daemon segment list (the guest
// request), plus counts of trailing segments in each direction the
// hypervisor deliberately left unmapped.
type Element struct {
	Index  uint16
	InSG   []iovec.Iovec // writable-by-daemon (guest -> daemon reply path)
	OutSG  []iovec.Iovec // readable-by-daemon (guest request)
	BadIn  int           // trailing unmappable segments in InSG
	BadOut int           // trailing unmappable segments in OutSG
}

// Queue is the per-virtqueue handle the protocol endpoint exposes once a
// queue has been started.
type Queue interface {
	// Index returns the virtqueue index this handle controls.
	Index() int

	// KickFD returns the guest-to-daemon doorbell eventfd, readable
	// (level-triggered) whenever new elements are available.
	KickFD() int

	// Pop removes the next available element, or reports ok == false if
	// the queue is currently empty. Callers must hold the queue's own
	// serialization for the duration of a pop burst.
	Pop() (el *Element, ok bool, err error)

	// Push returns a previously popped element to the queue, recording
	// length bytes written into el.InSG.
	Push(el *Element, length uint32) error

	// Notify signals the guest that new used-ring entries are available.
	Notify() error
}

// SlaveRequestKind names one of the four master-to-slave request shapes.
type SlaveRequestKind int

const (
	SlaveMap SlaveRequestKind = iota
	SlaveUnmap
	SlaveSync
	SlaveIO
)

func (k SlaveRequestKind) String() string {
	switch k {
	case SlaveMap:
		return "MAP"
	case SlaveUnmap:
		return "UNMAP"
	case SlaveSync:
		return "SYNC"
	case SlaveIO:
		return "IO"
	default:
		return "UNKNOWN"
	}
}

// Endpoint is the vhost-user collaborator driving both the control plane
// (Dispatch) and the master-to-slave side channel (SlaveSend).
type Endpoint interface {
	// SocketFD returns the connected vhost-user socket fd the Dispatcher
	// polls for readability. Listener setup and accept() happen before
	// the endpoint is handed to the core; this is the post-accept
	// connection fd.
	SocketFD() int

	// Dispatch reads and reacts to exactly one control message on the
	// vhost-user socket, invoking whichever Callbacks method the message
	// implies.
	Dispatch() error

	// GetQueue returns queue i's control handle. Valid only once the
	// queue has been started via the QueueSetStarted callback.
	GetQueue(i int) Queue

	// SlaveSend issues one master-to-slave request and blocks for the
	// hypervisor's response. For SlaveIO, fd is consumed (closed by the
	// hypervisor) regardless of the outcome.
	SlaveSend(kind SlaveRequestKind, fd int, msg *SlaveMessage) (int64, error)

	// SetCallbacks installs the trampoline table the endpoint invokes for
	// feature negotiation, config, and queue lifecycle events.
	SetCallbacks(cb *Callbacks)

	// Close releases the endpoint's resources (listener/connection),
	// exactly once.
	Close() error
}

// Callbacks is the trampoline table the core supplies to the endpoint.
// This replaces the container_of-style upcast the original C
// implementation used to recover the device from a pointer embedded in
// endpoint state: here the endpoint simply invokes these closures, which
// already close over the device that constructed them.
type Callbacks struct {
	GetFeatures             func() uint64
	SetFeatures             func(features uint64)
	GetProtocolFeatures     func() uint64
	GetConfig               func(length int) []byte
	QueueIsProcessedInOrder func(qidx int) bool
	QueueSetStarted         func(qidx int, started bool) error
}
