// Package dispatch owns the control-plane side of a mounted session: the
// device's reader/writer lock, the growable per-queue table, and the
// top-level loop that multiplexes vhost-user protocol messages against
// queue pump lifecycle. It is the generalization of the teacher's
// internal/ctrl.Controller (one-method-per-control-command against a
// kernel char device) to a message-driven protocol endpoint: instead of
// issuing commands and waiting for a completion, Device reacts to
// callbacks the endpoint invokes while Dispatcher holds the lock
// exclusively.
package dispatch

import (
	"sync"

	"github.com/ehrlich-b/virtiofsd-core/internal/fusesession"
	"github.com/ehrlich-b/virtiofsd-core/internal/logging"
	"github.com/ehrlich-b/virtiofsd-core/internal/queue"
	"github.com/ehrlich-b/virtiofsd-core/internal/slave"
	"github.com/ehrlich-b/virtiofsd-core/internal/vhost"
)

// Device is DeviceState: it owns the protocol endpoint, the dispatch_lock
// (embedded directly so *Device satisfies queue.DispatchLocker without a
// wrapper), the growable queues[qidx] table, and the notify_enabled flag
// negotiated at feature time.
//
// Every field below qidx 0 access is only ever touched either by the
// Dispatcher goroutine while it holds the write side of mu (processing a
// control message) or by a queue pump/worker holding the read side — the
// RWMutex itself is the only synchronization the table needs.
type Device struct {
	mu sync.RWMutex

	endpoint vhost.Endpoint
	session  fusesession.Session
	slave    *slave.Channel
	pool     *queue.WorkerPool
	logger   *logging.Logger
	observer queue.Observer

	tag string

	notifyEnabled bool
	queues        []*queue.QueueState
}

// NewDevice builds a Device ready to have its Callbacks installed on
// endpoint. tag is the virtio-fs config region's filesystem tag. observer
// may be nil, in which case no metrics are reported.
func NewDevice(endpoint vhost.Endpoint, session fusesession.Session, ch *slave.Channel, tag string, logger *logging.Logger, observer queue.Observer) *Device {
	if logger != nil {
		logger = logger.WithTag(tag)
	}
	poolSize := session.ThreadPoolSize()
	d := &Device{
		endpoint: endpoint,
		session:  session,
		slave:    ch,
		tag:      tag,
		logger:   logger,
		observer: observer,
		queues:   make([]*queue.QueueState, 2),
	}
	d.pool = queue.NewWorkerPool(poolSize, poolSize*4)
	endpoint.SetCallbacks(d.callbacks())
	return d
}

// RLock/RUnlock let Device satisfy queue.DispatchLocker directly: every
// pop/push/notify acquires the reader side while the Dispatcher holds the
// writer side only while processing one control message.
func (d *Device) RLock()   { d.mu.RLock() }
func (d *Device) RUnlock() { d.mu.RUnlock() }

// validQueues is spec's 2 + (notify_enabled ? 1 : 0): queue 0 is always
// the hi-pri/request queue, queue 1 is either the notification queue or
// the first request queue depending on negotiation, and one further
// request queue is always available once notifications are negotiated.
func (d *Device) validQueues() int {
	if d.notifyEnabled {
		return 3
	}
	return 2
}

// NotifyQueue implements queue.NotifySource: it resolves qidx 1 iff
// notifications were negotiated and that queue has actually been
// started. Called by a worker's SendNotification with the device's
// dispatch lock already held in shared mode.
func (d *Device) NotifyQueue() (*queue.QueueState, bool) {
	if !d.notifyEnabled {
		return nil, false
	}
	if len(d.queues) <= 1 || d.queues[1] == nil {
		return nil, false
	}
	return d.queues[1], true
}

// NotifyEnabled reports whether VIRTIO_FS_F_NOTIFICATION was negotiated.
func (d *Device) NotifyEnabled() bool {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.notifyEnabled
}

// StartedQueues returns the number of currently started queues.
func (d *Device) StartedQueues() int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	n := 0
	for _, qs := range d.queues {
		if qs != nil {
			n++
		}
	}
	return n
}

// Close stops every started queue and the shared worker pool. Safe to
// call once, after the Dispatcher loop has returned.
func (d *Device) Close() {
	d.mu.Lock()
	pumps := make([]*queue.QueueState, 0, len(d.queues))
	for i, qs := range d.queues {
		if qs == nil {
			continue
		}
		pumps = append(pumps, qs)
		d.queues[i] = nil
	}
	d.mu.Unlock()

	for _, qs := range pumps {
		stopQueue(qs)
	}
	d.pool.Close()
}

func stopQueue(qs *queue.QueueState) {
	signalKill(qs.KillFD)
	<-qs.Done()
	_ = unixClose(qs.KillFD)
}
