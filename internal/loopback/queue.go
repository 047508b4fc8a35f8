package loopback

import (
	"fmt"
	"sync"
	"unsafe"

	"golang.org/x/sys/unix"

	"github.com/ehrlich-b/virtiofsd-core/internal/iovec"
	"github.com/ehrlich-b/virtiofsd-core/internal/vhost"
)

// Queue is a self-driving vhost.Queue: instead of a real virtqueue backed
// by guest memory, Submit plays the guest's part directly, handing the
// daemon an Element whose segments alias ordinary Go byte slices.
type Queue struct {
	index  int
	kickFD int

	mu        sync.Mutex
	submitted []*pendingElement
	inflight  map[*vhost.Element]*pendingElement
	nextIdx   uint16
}

type pendingElement struct {
	el   *vhost.Element
	body []byte
	done chan uint32
}

func newQueue(index int) (*Queue, error) {
	kickFD, err := unix.Eventfd(0, unix.EFD_CLOEXEC|unix.EFD_NONBLOCK)
	if err != nil {
		return nil, fmt.Errorf("loopback: create kick_fd for queue %d: %w", index, err)
	}
	return &Queue{
		index:    index,
		kickFD:   kickFD,
		inflight: make(map[*vhost.Element]*pendingElement),
	}, nil
}

// Index implements vhost.Queue.
func (q *Queue) Index() int { return q.index }

// KickFD implements vhost.Queue.
func (q *Queue) KickFD() int { return q.kickFD }

// Submit plays the guest side of one round trip: req is copied into a
// readable segment, a reply buffer of replyCap bytes is handed to the
// daemon as the writable segment, and Submit blocks until the daemon
// pushes a reply back.
func (q *Queue) Submit(req []byte, replyCap int) []byte {
	out := make([]byte, len(req))
	copy(out, req)
	in := make([]byte, replyCap)

	q.mu.Lock()
	q.nextIdx++
	el := &vhost.Element{
		Index: q.nextIdx,
		OutSG: []iovec.Iovec{bytesToIovec(out)},
		InSG:  []iovec.Iovec{bytesToIovec(in)},
	}
	pe := &pendingElement{el: el, body: in, done: make(chan uint32, 1)}
	q.submitted = append(q.submitted, pe)
	q.mu.Unlock()

	kick(q.kickFD)
	length := <-pe.done
	return in[:length]
}

// Pop implements vhost.Queue.
func (q *Queue) Pop() (*vhost.Element, bool, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.submitted) == 0 {
		return nil, false, nil
	}
	pe := q.submitted[0]
	q.submitted = q.submitted[1:]
	q.inflight[pe.el] = pe
	return pe.el, true, nil
}

// Push implements vhost.Queue.
func (q *Queue) Push(el *vhost.Element, length uint32) error {
	q.mu.Lock()
	pe, ok := q.inflight[el]
	if ok {
		delete(q.inflight, el)
	}
	q.mu.Unlock()
	if !ok {
		return fmt.Errorf("loopback: push of unknown element on queue %d", q.index)
	}
	pe.done <- length
	return nil
}

// Notify implements vhost.Queue. There is no guest interrupt to raise in
// loopback mode; Submit's caller is already unblocked by Push.
func (q *Queue) Notify() error { return nil }

func (q *Queue) close() error {
	return unix.Close(q.kickFD)
}

func kick(fd int) {
	var buf [8]byte
	buf[0] = 1
	_, _ = unix.Write(fd, buf[:])
}

func bytesToIovec(b []byte) iovec.Iovec {
	if len(b) == 0 {
		return iovec.Iovec{}
	}
	return iovec.Iovec{Base: unsafe.Pointer(&b[0]), Len: uint32(len(b))}
}

var _ vhost.Queue = (*Queue)(nil)
