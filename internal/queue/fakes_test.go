package queue

import (
	"os"
	"sync"
	"testing"
	"unsafe"

	"github.com/ehrlich-b/virtiofsd-core/internal/fusesession"
	"github.com/ehrlich-b/virtiofsd-core/internal/iovec"
	"github.com/ehrlich-b/virtiofsd-core/internal/vhost"
)

// bytesOf returns a deterministic n-byte slice seeded by seed, used to
// give preadv-backed tests content to compare against without relying on
// real files beyond a temp-backed fd.
func bytesOf(n int, seed byte) []byte {
	b := make([]byte, n)
	for i := range b {
		b[i] = seed + byte(i)
	}
	return b
}

// fakeFile writes content to a temp file and returns it opened for
// reading, for tests exercising SendData's preadv path against a real fd.
func fakeFile(t *testing.T, content []byte) (*os.File, error) {
	t.Helper()
	f, err := os.CreateTemp(t.TempDir(), "queue-senddata-*")
	if err != nil {
		return nil, err
	}
	if _, err := f.Write(content); err != nil {
		f.Close()
		return nil, err
	}
	if _, err := f.Seek(0, 0); err != nil {
		f.Close()
		return nil, err
	}
	return f, nil
}

// segOf turns a Go byte slice into an Iovec segment aliasing its memory,
// mirroring internal/iovec's own test helper.
func segOf(b []byte) iovec.Iovec {
	if len(b) == 0 {
		return iovec.Iovec{}
	}
	return iovec.Iovec{Base: unsafe.Pointer(&b[0]), Len: uint32(len(b))}
}

// noopLocker satisfies DispatchLocker without any real synchronization,
// for tests that don't exercise the rwlock discipline directly.
type noopLocker struct{}

func (noopLocker) RLock()   {}
func (noopLocker) RUnlock() {}

// fakeQueue is an in-memory vhost.Queue: Pop serves from a preloaded
// slice, Push/Notify record their calls for assertions.
type fakeQueue struct {
	mu       sync.Mutex
	idx      int
	kickFD   int
	pending   []*vhost.Element
	pushes    []pushCall
	notifies  int
	popErr    error
	pushErr   error
	notifyErr error
}

type pushCall struct {
	el     *vhost.Element
	length uint32
}

func (q *fakeQueue) Index() int  { return q.idx }
func (q *fakeQueue) KickFD() int { return q.kickFD }

func (q *fakeQueue) Pop() (*vhost.Element, bool, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.popErr != nil {
		return nil, false, q.popErr
	}
	if len(q.pending) == 0 {
		return nil, false, nil
	}
	el := q.pending[0]
	q.pending = q.pending[1:]
	return el, true, nil
}

func (q *fakeQueue) Push(el *vhost.Element, length uint32) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.pushErr != nil {
		return q.pushErr
	}
	q.pushes = append(q.pushes, pushCall{el: el, length: length})
	return nil
}

func (q *fakeQueue) Notify() error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.notifies++
	return q.notifyErr
}

// fakeSlave is a SlaveIO that serves fixed-size chunks from an in-memory
// source buffer, simulating the hypervisor's bounce-I/O response.
type fakeSlave struct {
	mu      sync.Mutex
	source  []byte
	calls   []vhost.SlaveEntry
	ioErr   error
	shortAt int // if > 0, return at most this many bytes on any one call
}

func (s *fakeSlave) IO(fd int, entry vhost.SlaveEntry) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls = append(s.calls, entry)
	if s.ioErr != nil {
		return 0, s.ioErr
	}
	start := int(entry.FDOffset)
	if start >= len(s.source) {
		return 0, nil
	}
	want := int(entry.Len)
	if s.shortAt > 0 && want > s.shortAt {
		want = s.shortAt
	}
	end := start + want
	if end > len(s.source) {
		end = len(s.source)
	}
	return int64(end - start), nil
}

// fakeSession records what was handed to Process and optionally invokes
// a callback to drive the channel.
type fakeSession struct {
	bufSize   int
	poolSize  int
	notifyOn  bool
	processed []fusesession.BufVec
	onProcess func(buf fusesession.BufVec, ch fusesession.Channel)
}

func (s *fakeSession) BufSize() int          { return s.bufSize }
func (s *fakeSession) ThreadPoolSize() int   { return s.poolSize }
func (s *fakeSession) NotifyEnabled() bool   { return s.notifyOn }

func (s *fakeSession) Process(buf fusesession.BufVec, ch fusesession.Channel) {
	s.processed = append(s.processed, buf)
	if s.onProcess != nil {
		s.onProcess(buf, ch)
	}
}

// fakeNotifySource resolves a fixed notification QueueState, or reports
// notifications disabled.
type fakeNotifySource struct {
	qs      *QueueState
	enabled bool
}

func (n fakeNotifySource) NotifyQueue() (*QueueState, bool) {
	if !n.enabled {
		return nil, false
	}
	return n.qs, true
}

// newTestQueueState builds a QueueState wired to a fakeQueue, suitable
// for constructing Elements in tests.
func newTestQueueState(q *fakeQueue, slave SlaveIO, notify NotifySource) *QueueState {
	return NewQueueState(q.idx, q, -1, noopLocker{}, slave, notify)
}
