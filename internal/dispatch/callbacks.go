package dispatch

import (
	"fmt"

	"golang.org/x/sys/unix"

	"github.com/ehrlich-b/virtiofsd-core/internal/constants"
	"github.com/ehrlich-b/virtiofsd-core/internal/queue"
	"github.com/ehrlich-b/virtiofsd-core/internal/vhost"
)

// callbacks builds the trampoline table Dispatch invokes while holding
// the write side of d.mu. Every method below therefore runs with
// exclusive access to d.queues and d.notifyEnabled, matching the
// teacher's pattern of one method per control operation, generalized
// from ublk control commands to vhost-user feature/queue callbacks.
func (d *Device) callbacks() *vhost.Callbacks {
	return &vhost.Callbacks{
		GetFeatures:             d.getFeatures,
		SetFeatures:             d.setFeatures,
		GetProtocolFeatures:     d.getProtocolFeatures,
		GetConfig:               d.getConfig,
		QueueIsProcessedInOrder: d.queueIsProcessedInOrder,
		QueueSetStarted:         d.queueSetStarted,
	}
}

func (d *Device) getFeatures() uint64 {
	return vhost.AdvertisedFeatures
}

// setFeatures latches notify_enabled from the NOTIFICATION bit. The
// session is not informed: fusesession.Session has no method to receive
// the negotiated value, so its own NotifyEnabled() keeps whatever it was
// built with.
func (d *Device) setFeatures(features uint64) {
	d.notifyEnabled = features&vhost.FeatureFSNotification != 0
	if d.logger != nil {
		d.logger.Infof("features negotiated: notify_enabled=%v", d.notifyEnabled)
	}
}

func (d *Device) getProtocolFeatures() uint64 {
	return vhost.AdvertisedProtocolFeatures
}

func (d *Device) getConfig(length int) []byte {
	numRequestQueues := uint32(d.validQueues() - 1)
	return vhost.MarshalConfig(d.tag, numRequestQueues, length)
}

// queueIsProcessedInOrder is always false: virtqueue completions are
// reordered freely, matching the thread-pool's unordered dispatch.
func (d *Device) queueIsProcessedInOrder(qidx int) bool {
	return false
}

// queueSetStarted starts or stops queue qidx. qidx >= valid_queues is
// fatal: the caller (Dispatch) should propagate the error and the
// Dispatcher terminates, per spec's error handling design.
func (d *Device) queueSetStarted(qidx int, started bool) error {
	if qidx >= d.validQueues() {
		return fmt.Errorf("dispatch: queue %d exceeds valid_queues=%d", qidx, d.validQueues())
	}

	for len(d.queues) <= qidx {
		d.queues = append(d.queues, nil)
	}

	if started {
		return d.startQueue(qidx)
	}
	return d.stopQueueLocked(qidx)
}

func (d *Device) startQueue(qidx int) error {
	if d.queues[qidx] != nil {
		return fmt.Errorf("dispatch: queue %d already started", qidx)
	}

	q := d.endpoint.GetQueue(qidx)
	if q == nil {
		return fmt.Errorf("dispatch: endpoint has no handle for queue %d", qidx)
	}

	killFD, err := unix.Eventfd(0, unix.EFD_CLOEXEC|unix.EFD_SEMAPHORE)
	if err != nil {
		return fmt.Errorf("dispatch: create kill_fd for queue %d: %w", qidx, err)
	}

	qs := queue.NewQueueState(qidx, q, killFD, d, d.slave, d)
	qs.Observer = d.observer
	d.queues[qidx] = qs

	queueLogger := d.logger
	if queueLogger != nil {
		queueLogger = queueLogger.WithQueue(qidx)
	}

	if d.notifyEnabled && qidx == constants.NotificationQueueIndex {
		pump := queue.NewNotifyPump(qs, queueLogger)
		go pump.Run()
	} else {
		pump := queue.NewQueuePump(qs, d.session, d.pool, queueLogger)
		go pump.Run()
	}

	if d.logger != nil {
		d.logger.Infof("queue %d started", qidx)
	}
	return nil
}

// stopQueueLocked implements queue_set_started(qidx, false), which must
// return only after the pump has terminated and every pool task holding
// one of its elements has completed. It runs on the Dispatcher goroutine
// while d.mu is held exclusively (Dispatcher.Run holds it across the
// whole Dispatch() call), but a worker finishing its reply needs the
// shared side of that same lock to push+notify, so blocking here without
// releasing the write lock would deadlock against the very workers this
// call is waiting to drain.
//
// It resolves that by dropping the write lock for the join and
// reacquiring it before returning: Dispatcher.Run still sees one
// Lock()/Unlock() pair bracketing the whole Dispatch() call, but control
// never returns to it (and so no later control message, in particular a
// queue_set_started(qidx, true) for the same qidx, can be dispatched)
// until the old pump has actually gone away.
func (d *Device) stopQueueLocked(qidx int) error {
	qs := d.queues[qidx]
	if qs == nil {
		return nil
	}
	d.queues[qidx] = nil
	signalKill(qs.KillFD)

	d.mu.Unlock()
	<-qs.Done()
	d.mu.Lock()

	_ = unixClose(qs.KillFD)
	if d.logger != nil {
		d.logger.Infof("queue %d stopped", qidx)
	}
	return nil
}
