package dispatch

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"

	"github.com/ehrlich-b/virtiofsd-core/internal/fusesession"
	"github.com/ehrlich-b/virtiofsd-core/internal/vhost"
)

func newTestEventfd(t *testing.T) int {
	t.Helper()
	fd, err := unix.Eventfd(0, unix.EFD_CLOEXEC|unix.EFD_NONBLOCK)
	require.NoError(t, err)
	t.Cleanup(func() { unix.Close(fd) })
	return fd
}

// fakeQueue is a minimal vhost.Queue double: Pop always reports empty,
// since these tests only exercise lifecycle, not element flow.
type fakeQueue struct {
	idx    int
	kickFD int
}

func (q *fakeQueue) Index() int                            { return q.idx }
func (q *fakeQueue) KickFD() int                            { return q.kickFD }
func (q *fakeQueue) Pop() (*vhost.Element, bool, error)     { return nil, false, nil }
func (q *fakeQueue) Push(el *vhost.Element, n uint32) error { return nil }
func (q *fakeQueue) Notify() error                          { return nil }

// fakeEndpoint is a minimal vhost.Endpoint double driving Device's
// callbacks directly, without any real protocol framing.
type fakeEndpoint struct {
	mu        sync.Mutex
	socketFD  int
	cb        *vhost.Callbacks
	dispatchN int
	dispatchErr error
	queues    map[int]*fakeQueue
}

func newFakeEndpoint(socketFD int) *fakeEndpoint {
	return &fakeEndpoint{socketFD: socketFD, queues: map[int]*fakeQueue{}}
}

func (e *fakeEndpoint) SocketFD() int { return e.socketFD }

func (e *fakeEndpoint) Dispatch() error {
	var buf [8]byte
	unix.Read(e.socketFD, buf[:])
	e.mu.Lock()
	defer e.mu.Unlock()
	e.dispatchN++
	return e.dispatchErr
}

func (e *fakeEndpoint) GetQueue(i int) vhost.Queue {
	e.mu.Lock()
	defer e.mu.Unlock()
	q, ok := e.queues[i]
	if !ok {
		kickFD, _ := unix.Eventfd(0, unix.EFD_CLOEXEC|unix.EFD_NONBLOCK)
		q = &fakeQueue{idx: i, kickFD: kickFD}
		e.queues[i] = q
	}
	return q
}

func (e *fakeEndpoint) SlaveSend(kind vhost.SlaveRequestKind, fd int, msg *vhost.SlaveMessage) (int64, error) {
	return 0, nil
}

func (e *fakeEndpoint) SetCallbacks(cb *vhost.Callbacks) { e.cb = cb }

func (e *fakeEndpoint) Close() error { return nil }

func kickEventfd(t *testing.T, fd int) {
	t.Helper()
	var buf [8]byte
	buf[0] = 1
	_, err := unix.Write(fd, buf[:])
	require.NoError(t, err)
}

func newTestDevice(t *testing.T) (*Device, *fakeEndpoint) {
	t.Helper()
	ep := newFakeEndpoint(newTestEventfd(t))
	session := &fusesessionFake{bufSize: 4096, poolSize: 2}
	d := NewDevice(ep, session, nil, "test-tag", nil, nil)
	return d, ep
}

// fusesessionFake satisfies fusesession.Session for dispatch-level tests
// that never exercise request processing.
type fusesessionFake struct {
	bufSize  int
	poolSize int
}

func (s *fusesessionFake) BufSize() int        { return s.bufSize }
func (s *fusesessionFake) ThreadPoolSize() int { return s.poolSize }
func (s *fusesessionFake) NotifyEnabled() bool { return false }
func (s *fusesessionFake) Process(buf fusesession.BufVec, ch fusesession.Channel) {}

func TestCallbacks_FeatureNegotiation(t *testing.T) {
	d, ep := newTestDevice(t)

	assert.Equal(t, vhost.AdvertisedFeatures, ep.cb.GetFeatures())
	assert.Equal(t, vhost.AdvertisedProtocolFeatures, ep.cb.GetProtocolFeatures())

	ep.cb.SetFeatures(vhost.FeatureVersion1)
	assert.False(t, d.notifyEnabled)
	assert.Equal(t, 2, d.validQueues())

	ep.cb.SetFeatures(vhost.FeatureVersion1 | vhost.FeatureFSNotification)
	assert.True(t, d.notifyEnabled)
	assert.Equal(t, 3, d.validQueues())
}

func TestCallbacks_QueueSetStarted_RejectsOutOfRange(t *testing.T) {
	_, ep := newTestDevice(t)

	err := ep.cb.QueueSetStarted(5, true)
	assert.Error(t, err)
}

// TestCallbacks_QueueSetStarted_StartAndStop asserts spec's synchronous
// stop contract directly: by the time QueueSetStarted(qidx, false)
// returns, the pump has already terminated. It does not wait on
// qs.Done() itself afterward — that would only prove the pump eventually
// stops, not that the call honored the contract.
func TestCallbacks_QueueSetStarted_StartAndStop(t *testing.T) {
	d, ep := newTestDevice(t)

	require.NoError(t, ep.cb.QueueSetStarted(0, true))
	qs := d.queues[0]
	require.NotNil(t, qs)

	d.mu.Lock()
	err := ep.cb.QueueSetStarted(0, false)
	d.mu.Unlock()
	require.NoError(t, err)
	assert.Nil(t, d.queues[0])

	select {
	case <-qs.Done():
	default:
		t.Fatal("QueueSetStarted(0, false) returned before the pump had terminated")
	}
}

// TestCallbacks_QueueSetStarted_RestartAfterStopGetsFreshPump guards
// against the double-pump race a non-blocking stop would allow: once
// QueueSetStarted(false) has returned, the slot is free and safe to
// restart, and the restart must produce a new QueueState rather than
// observing the old one still draining.
func TestCallbacks_QueueSetStarted_RestartAfterStopGetsFreshPump(t *testing.T) {
	d, ep := newTestDevice(t)

	require.NoError(t, ep.cb.QueueSetStarted(0, true))
	first := d.queues[0]

	d.mu.Lock()
	err := ep.cb.QueueSetStarted(0, false)
	d.mu.Unlock()
	require.NoError(t, err)
	select {
	case <-first.Done():
	default:
		t.Fatal("first pump was not drained before stop returned")
	}

	require.NoError(t, ep.cb.QueueSetStarted(0, true))
	second := d.queues[0]
	require.NotNil(t, second)
	assert.NotSame(t, first, second, "restart must not reuse a queue state still being drained")
}

func TestNotifyQueue_ResolvesOnlyWhenEnabledAndStarted(t *testing.T) {
	d, ep := newTestDevice(t)

	_, ok := d.NotifyQueue()
	assert.False(t, ok)

	ep.cb.SetFeatures(vhost.FeatureFSNotification)
	_, ok = d.NotifyQueue()
	assert.False(t, ok, "notification queue not started yet")

	require.NoError(t, ep.cb.QueueSetStarted(1, true))
	qs, ok := d.NotifyQueue()
	require.True(t, ok)
	assert.Equal(t, 1, qs.Qidx)
}

func TestDispatcher_RunStopsOnStop(t *testing.T) {
	d, _ := newTestDevice(t)
	dispatcher, err := NewDispatcher(d, nil)
	require.NoError(t, err)
	defer dispatcher.Close()

	done := make(chan error, 1)
	go func() { done <- dispatcher.Run() }()

	dispatcher.Stop()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for dispatcher to stop")
	}
}

func TestDispatcher_RunPropagatesDispatchFailure(t *testing.T) {
	d, ep := newTestDevice(t)
	ep.dispatchErr = assertErr{}

	dispatcher, err := NewDispatcher(d, nil)
	require.NoError(t, err)
	defer dispatcher.Close()

	done := make(chan error, 1)
	go func() { done <- dispatcher.Run() }()

	kickEventfd(t, ep.socketFD)

	select {
	case err := <-done:
		assert.Error(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for dispatcher to fail out")
	}
}

type assertErr struct{}

func (assertErr) Error() string { return "dispatch failed" }
