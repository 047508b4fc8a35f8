package queue

import (
	"sync"

	"github.com/ehrlich-b/virtiofsd-core/internal/vhost"
)

// DispatchLocker is the shared-mode side of the device's control/data-plane
// rwlock (spec's dispatch_lock): every pop, push, and notify acquires it
// for the duration of the operation so the protocol endpoint can never
// mutate queue state out from under an in-flight burst. Device owns the
// writer side; *sync.RWMutex satisfies this directly.
type DispatchLocker interface {
	RLock()
	RUnlock()
}

// SlaveIO is the subset of the slave channel a worker needs to bounce
// reply bytes into guest memory the hypervisor did not map into the
// daemon's address space.
type SlaveIO interface {
	IO(fd int, entry vhost.SlaveEntry) (int64, error)
}

// NotifySource resolves the device's notification queue, used by
// SendNotification to pop an element from a queue other than the one the
// originating request arrived on.
type NotifySource interface {
	NotifyQueue() (qs *QueueState, enabled bool)
}

// Observer is the metrics collaborator QueueWorker and ReplyEncoder
// report to. A nil Observer on a QueueState disables reporting.
type Observer interface {
	ObserveRequest(bytes uint64, latencyNs uint64, success bool)
	ObserveReply(bytes uint64, success bool)
	ObserveSlaveIO(kind vhost.SlaveRequestKind, bytes uint64, latencyNs uint64, success bool)
	ObserveNotification(success bool)
}

// QueueState is the per-virtqueue state a pump and its workers share: the
// queue's own lock serializing pop bursts against individual push+notify
// calls, a borrowed handle to the endpoint's queue, and the collaborators
// a RequestChannel needs to finish a reply (the device's dispatch lock,
// the slave channel, and the notification-queue lookup).
//
// A QueueState exists iff the queue has been started; Qidx and Queue are
// fixed at construction, everything else is wired in by the owner before
// the pump is spawned.
type QueueState struct {
	Qidx  int
	Queue vhost.Queue

	// VQLock serializes pop bursts by the pump against push+notify calls
	// issued by workers finishing replies on this queue.
	VQLock sync.Mutex

	Dispatch DispatchLocker
	Slave    SlaveIO
	Notify   NotifySource
	Observer Observer

	// KillFD is a semaphore-mode eventfd the owner signals to stop the
	// pump. -1 for a queue slot that has never been started.
	KillFD int

	done chan struct{}
}

// NewQueueState builds the per-queue state for a freshly started queue.
// KillFD must already be an armed eventfd; done is closed by the pump
// when it has fully drained and exited.
func NewQueueState(qidx int, q vhost.Queue, killFD int, dispatch DispatchLocker, slave SlaveIO, notify NotifySource) *QueueState {
	return &QueueState{
		Qidx:     qidx,
		Queue:    q,
		KillFD:   killFD,
		Dispatch: dispatch,
		Slave:    slave,
		Notify:   notify,
		done:     make(chan struct{}),
	}
}

// Done returns a channel closed once the queue's pump has exited its
// DRAINING state.
func (qs *QueueState) Done() <-chan struct{} {
	return qs.done
}
