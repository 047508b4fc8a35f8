package queue

import (
	"golang.org/x/sys/unix"

	"github.com/ehrlich-b/virtiofsd-core/internal/logging"
)

// NotifyPump runs the same wait loop as QueuePump but with no dispatch
// body: the notification queue is never popped from the pump side, only
// drained, so its kick eventfd stays edge-clear while SendNotification
// pushes elements from whichever worker goroutine is sending one.
type NotifyPump struct {
	qs     *QueueState
	logger *logging.Logger
}

// NewNotifyPump builds a pump for the notification queue.
func NewNotifyPump(qs *QueueState, logger *logging.Logger) *NotifyPump {
	return &NotifyPump{qs: qs, logger: logger}
}

// Run blocks until kill_fd fires or poll fails, then closes qs.Done().
func (p *NotifyPump) Run() {
	defer close(p.qs.done)

	kickFD := p.qs.Queue.KickFD()
	killFD := p.qs.KillFD

	fds := []unix.PollFd{
		{Fd: int32(kickFD), Events: unix.POLLIN},
		{Fd: int32(killFD), Events: unix.POLLIN},
	}

	const badEvents = unix.POLLERR | unix.POLLHUP | unix.POLLNVAL

	for {
		fds[0].Revents = 0
		fds[1].Revents = 0

		_, err := unix.Poll(fds, -1)
		if err != nil {
			if err == unix.EINTR {
				continue
			}
			if p.logger != nil {
				p.logger.Errorf("notify queue %d: poll failed: %v", p.qs.Qidx, err)
			}
			return
		}

		if fds[0].Revents&badEvents != 0 || fds[1].Revents&badEvents != 0 {
			return
		}
		if fds[1].Revents&unix.POLLIN != 0 {
			return
		}
		if fds[0].Revents&unix.POLLIN != 0 {
			drainEventfd(kickFD)
		}
	}
}
