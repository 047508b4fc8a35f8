package queue

import (
	"sync"

	"github.com/ehrlich-b/virtiofsd-core/internal/vhost"
)

// Element is the RequestChannel: a per-request reply handle tying one
// popped descriptor chain to the queue it came from. It implements
// fusesession.Channel. A single Element is used by exactly one
// QueueWorker invocation and must not be shared across goroutines.
type Element struct {
	mu        sync.Mutex
	el        *vhost.Element
	qs        *QueueState
	replySent bool
}

// NewElement wraps a popped vhost.Element with the queue state needed to
// push a reply back.
func NewElement(el *vhost.Element, qs *QueueState) *Element {
	return &Element{el: el, qs: qs}
}

// Raw returns the underlying descriptor chain, for classification by
// QueueWorker.
func (e *Element) Raw() *vhost.Element {
	return e.el
}

// ReplySent reports whether a reply has already been pushed for this
// element.
func (e *Element) ReplySent() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.replySent
}

// FinalizeUnanswered pushes a zero-length reply if none was sent, so that
// every popped element is returned to the queue exactly once regardless
// of whether the session produced a reply.
func (e *Element) FinalizeUnanswered() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.replySent {
		return nil
	}
	return e.push(0)
}

// push returns el to its queue under the device's shared dispatch lock
// and the queue's own vq_lock, then notifies the guest. Callers must hold
// e.mu. replySent latches the instant the underlying Queue.Push call
// succeeds, before Notify is even attempted: the element has been
// physically handed back to the guest at that point, so a Notify failure
// must be reported to the caller without making FinalizeUnanswered think
// the element is still outstanding and push it a second time.
func (e *Element) push(length uint32) error {
	e.qs.Dispatch.RLock()
	defer e.qs.Dispatch.RUnlock()

	e.qs.VQLock.Lock()
	defer e.qs.VQLock.Unlock()

	if err := e.qs.Queue.Push(e.el, length); err != nil {
		return err
	}
	e.replySent = true
	return e.qs.Queue.Notify()
}
