package queue

import (
	"sync"

	"golang.org/x/sys/unix"

	"github.com/ehrlich-b/virtiofsd-core/internal/fusesession"
	"github.com/ehrlich-b/virtiofsd-core/internal/logging"
	"github.com/ehrlich-b/virtiofsd-core/internal/vhost"
)

// QueuePump is the per-queue thread: it waits on the queue's kick and
// kill eventfds (INITIAL -> RUNNING on construction), pops available
// elements under vq_lock on each kick, hands each to the shared thread
// pool, and transitions to DRAINING (flushing outstanding workers before
// terminating) when kill_fd fires or the poll reports an error.
type QueuePump struct {
	qs      *QueueState
	session fusesession.Session
	pool    *WorkerPool
	logger  *logging.Logger

	wg sync.WaitGroup
}

// NewQueuePump builds a pump for qs. Run should be invoked in its own
// goroutine to begin the RUNNING state.
func NewQueuePump(qs *QueueState, session fusesession.Session, pool *WorkerPool, logger *logging.Logger) *QueuePump {
	return &QueuePump{qs: qs, session: session, pool: pool, logger: logger}
}

// Run blocks until the pump's queue is killed or its poll loop fails,
// drains outstanding work it dispatched, and closes qs.Done().
func (p *QueuePump) Run() {
	defer close(p.qs.done)

	kickFD := p.qs.Queue.KickFD()
	killFD := p.qs.KillFD

	fds := []unix.PollFd{
		{Fd: int32(kickFD), Events: unix.POLLIN},
		{Fd: int32(killFD), Events: unix.POLLIN},
	}

	const badEvents = unix.POLLERR | unix.POLLHUP | unix.POLLNVAL

poll:
	for {
		fds[0].Revents = 0
		fds[1].Revents = 0

		_, err := unix.Poll(fds, -1)
		if err != nil {
			if err == unix.EINTR {
				continue
			}
			if p.logger != nil {
				p.logger.Errorf("queue %d: poll failed: %v", p.qs.Qidx, err)
			}
			break poll
		}

		if fds[0].Revents&badEvents != 0 || fds[1].Revents&badEvents != 0 {
			break poll
		}
		if fds[1].Revents&unix.POLLIN != 0 {
			break poll
		}
		if fds[0].Revents&unix.POLLIN != 0 {
			drainEventfd(kickFD)
			p.popBurst()
		}
	}

	p.wg.Wait()
}

// popBurst holds dispatch_lock (shared) and vq_lock for the entire pop
// sequence so the protocol endpoint can never mutate queue definitions
// mid-burst, then releases both before submitting to the pool: pool
// submission can block under back-pressure, and blocking while holding
// vq_lock would stall every worker's push+notify on this queue too.
func (p *QueuePump) popBurst() {
	p.qs.Dispatch.RLock()
	p.qs.VQLock.Lock()

	var popped []*vhost.Element
	for {
		el, ok, err := p.qs.Queue.Pop()
		if err != nil {
			if p.logger != nil {
				p.logger.Errorf("queue %d: pop failed: %v", p.qs.Qidx, err)
			}
			break
		}
		if !ok {
			break
		}
		popped = append(popped, el)
	}

	p.qs.VQLock.Unlock()
	p.qs.Dispatch.RUnlock()

	for _, el := range popped {
		el := el
		p.wg.Add(1)
		p.pool.Submit(func() {
			defer p.wg.Done()
			RunWorker(p.qs, el, p.session)
		})
	}
}

func drainEventfd(fd int) {
	var buf [8]byte
	for {
		_, err := unix.Read(fd, buf[:])
		if err == nil {
			return
		}
		if err == unix.EINTR {
			continue
		}
		return
	}
}
