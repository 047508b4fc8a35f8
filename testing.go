package virtiofsd

import (
	"sync"
	"syscall"

	"github.com/ehrlich-b/virtiofsd-core/internal/fusesession"
	"github.com/ehrlich-b/virtiofsd-core/internal/iovec"
)

// MockSession provides a mock implementation of fusesession.Session for
// testing. It tracks every Process call for verification and lets the
// caller install a handler to drive the fake Channel it is given.
type MockSession struct {
	bufSize        int
	threadPoolSize int
	notifyEnabled  bool

	handler func(buf fusesession.BufVec, ch fusesession.Channel)

	mu           sync.RWMutex
	processCalls int
	lastBuf      fusesession.BufVec
}

// NewMockSession creates a mock session with the given sizing parameters.
func NewMockSession(bufSize, threadPoolSize int, notifyEnabled bool) *MockSession {
	return &MockSession{
		bufSize:        bufSize,
		threadPoolSize: threadPoolSize,
		notifyEnabled:  notifyEnabled,
	}
}

// BufSize implements fusesession.Session.
func (m *MockSession) BufSize() int { return m.bufSize }

// ThreadPoolSize implements fusesession.Session.
func (m *MockSession) ThreadPoolSize() int { return m.threadPoolSize }

// NotifyEnabled implements fusesession.Session.
func (m *MockSession) NotifyEnabled() bool { return m.notifyEnabled }

// Process implements fusesession.Session, recording the call and then
// delegating to whatever handler SetHandler installed (a no-op by
// default, which leaves ch unanswered).
func (m *MockSession) Process(buf fusesession.BufVec, ch fusesession.Channel) {
	m.mu.Lock()
	m.processCalls++
	m.lastBuf = buf
	handler := m.handler
	m.mu.Unlock()

	if handler != nil {
		handler(buf, ch)
	}
}

// SetHandler installs the function Process delegates to.
func (m *MockSession) SetHandler(h func(buf fusesession.BufVec, ch fusesession.Channel)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.handler = h
}

// ProcessCalls returns the number of times Process has been called.
func (m *MockSession) ProcessCalls() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.processCalls
}

// LastBuf returns the BufVec passed to the most recent Process call.
func (m *MockSession) LastBuf() fusesession.BufVec {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.lastBuf
}

// Reset clears call counters and recorded state.
func (m *MockSession) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.processCalls = 0
	m.lastBuf = fusesession.BufVec{}
}

var _ fusesession.Session = (*MockSession)(nil)

// MockChannel provides a mock implementation of fusesession.Channel for
// testing session.Process bodies without a real queue element.
type MockChannel struct {
	notifyEnabled bool

	mu               sync.RWMutex
	repliesSent      [][]byte
	dataSent         []MockSentData
	notificationsSent [][]byte
	sendReplyErr      error
	sendDataErr       error
	sendNotificationErr error
}

// MockSentData records one SendData call's arguments.
type MockSentData struct {
	Header []byte
	SrcFD  int
	SrcPos int64
	Length uint32
}

// NewMockChannel creates a mock channel. notifyEnabled controls whether
// SendNotification succeeds or returns EOPNOTSUPP, matching the real
// Channel's feature-gated behavior.
func NewMockChannel(notifyEnabled bool) *MockChannel {
	return &MockChannel{notifyEnabled: notifyEnabled}
}

// SendReply implements fusesession.Channel.
func (c *MockChannel) SendReply(iov []iovec.Iovec) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.sendReplyErr != nil {
		return c.sendReplyErr
	}
	c.repliesSent = append(c.repliesSent, flatten(iov))
	return nil
}

// SendData implements fusesession.Channel.
func (c *MockChannel) SendData(iovHeader []iovec.Iovec, srcFD int, srcPos int64, length uint32) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.sendDataErr != nil {
		return c.sendDataErr
	}
	c.dataSent = append(c.dataSent, MockSentData{
		Header: flatten(iovHeader),
		SrcFD:  srcFD,
		SrcPos: srcPos,
		Length: length,
	})
	return nil
}

// SendNotification implements fusesession.Channel.
func (c *MockChannel) SendNotification(iov []iovec.Iovec) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.notifyEnabled {
		return syscall.EOPNOTSUPP
	}
	if c.sendNotificationErr != nil {
		return c.sendNotificationErr
	}
	c.notificationsSent = append(c.notificationsSent, flatten(iov))
	return nil
}

// SetSendReplyErr makes the next SendReply calls fail with err.
func (c *MockChannel) SetSendReplyErr(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sendReplyErr = err
}

// RepliesSent returns every reply body SendReply has been given so far.
func (c *MockChannel) RepliesSent() [][]byte {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([][]byte, len(c.repliesSent))
	copy(out, c.repliesSent)
	return out
}

// DataSent returns every SendData call's recorded arguments.
func (c *MockChannel) DataSent() []MockSentData {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]MockSentData, len(c.dataSent))
	copy(out, c.dataSent)
	return out
}

// NotificationsSent returns every notification body sent so far.
func (c *MockChannel) NotificationsSent() [][]byte {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([][]byte, len(c.notificationsSent))
	copy(out, c.notificationsSent)
	return out
}

func flatten(iov []iovec.Iovec) []byte {
	var out []byte
	for _, v := range iov {
		out = append(out, v.Bytes()...)
	}
	return out
}

var _ fusesession.Channel = (*MockChannel)(nil)
