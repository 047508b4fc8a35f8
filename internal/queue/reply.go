package queue

import (
	"syscall"
	"time"

	"golang.org/x/sys/unix"

	"github.com/ehrlich-b/virtiofsd-core/internal/fusewire"
	"github.com/ehrlich-b/virtiofsd-core/internal/iovec"
	"github.com/ehrlich-b/virtiofsd-core/internal/vhost"
)

// SendReply copies a fully-assembled reply (header first, optional body)
// into the element's writable segments and returns the element to its
// queue. Calling SendReply or SendData a second time on the same Element
// is a caller bug.
func (e *Element) SendReply(iov []iovec.Iovec) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.replySent {
		panic("queue: reply already sent on this channel")
	}

	writable := iovec.Total(e.el.InSG)
	total := iovec.Total(iov)
	if writable < uint32(fusewire.OutHeaderSize) {
		e.observeReply(0, false)
		return syscall.E2BIG
	}
	if writable < total {
		e.observeReply(0, false)
		return syscall.E2BIG
	}

	iovec.CopyCross(e.el.InSG, iov, total)

	if err := e.push(total); err != nil {
		e.observeReply(uint64(total), false)
		return err
	}
	e.observeReply(uint64(total), true)
	return nil
}

func (e *Element) observeReply(bytes uint64, success bool) {
	if e.qs.Observer != nil {
		e.qs.Observer.ObserveReply(bytes, success)
	}
}

// SendData streams length bytes of srcFD starting at srcPos into the
// guest following a fixed reply header, handling the case where some of
// the writable segments are unmappable and must be filled via the slave
// channel instead of a local preadv.
func (e *Element) SendData(iovHeader []iovec.Iovec, srcFD int, srcPos int64, length uint32) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.replySent {
		panic("queue: reply already sent on this channel")
	}

	headerTotal := iovec.Total(iovHeader)
	wantLen := headerTotal + length
	setHeaderLen(iovHeader, wantLen)

	writable := iovec.Total(e.el.InSG)
	if writable < uint32(fusewire.OutHeaderSize) {
		e.observeReply(0, false)
		return syscall.E2BIG
	}
	if writable < wantLen {
		e.observeReply(0, false)
		return syscall.E2BIG
	}

	iovec.CopyCross(e.el.InSG, iovHeader, headerTotal)

	mappableSegs := e.el.InSG
	if e.el.BadIn > 0 && e.el.BadIn <= len(e.el.InSG) {
		mappableSegs = e.el.InSG[:len(e.el.InSG)-e.el.BadIn]
	}
	view := iovec.Skip(mappableSegs, headerTotal)

	remaining := length
	pos := srcPos
	var readErr error

loop:
	for remaining > 0 && len(view) > 0 {
		bufs := toByteSlices(view)
		n, err := unix.Preadv(srcFD, bufs, pos)
		switch {
		case err != nil:
			readErr = err
			break loop
		case n == 0:
			break loop // EOF
		default:
			pos += int64(n)
			remaining -= uint32(n)
			view = iovec.Skip(view, uint32(n))
		}
	}
	if readErr != nil {
		e.observeReply(0, false)
		return readErr
	}

	if remaining > 0 && e.el.BadIn > 0 {
		unmappable := e.el.InSG[len(e.el.InSG)-e.el.BadIn:]
		for _, seg := range unmappable {
			if remaining == 0 {
				break
			}
			want := seg.Len
			if uint32(want) > remaining {
				want = remaining
			}
			ioStart := time.Now()
			n, err := e.qs.Slave.IO(srcFD, vhost.SlaveEntry{
				Flags:    vhost.MapR,
				FDOffset: uint64(pos),
				COffset:  uint64(uintptr(seg.Base)),
				Len:      uint64(want),
			})
			if e.qs.Observer != nil {
				e.qs.Observer.ObserveSlaveIO(vhost.SlaveIO, uint64(n), uint64(time.Since(ioStart).Nanoseconds()), err == nil)
			}
			if err != nil {
				return err
			}
			if n == 0 {
				break // EOF
			}
			pos += n
			remaining -= uint32(n)
		}
	}

	delivered := wantLen - remaining
	if remaining > 0 {
		patchWrittenHeaderLen(e.el.InSG, delivered)
	}

	if err := e.push(delivered); err != nil {
		e.observeReply(uint64(delivered), false)
		return err
	}
	e.observeReply(uint64(delivered), true)
	return nil
}

// SendNotification sends an unsolicited daemon-to-guest message via the
// notification queue, returning ENOSPC if it has no available element and
// EOPNOTSUPP if notifications were never negotiated. Unlike SendReply,
// this does not touch e's own element: the caller's originating request
// is unaffected.
func (e *Element) SendNotification(iov []iovec.Iovec) error {
	// The notification queue belongs to the same device, so this one shared
	// hold of the dispatch lock covers the lookup and the pop/push/notify.
	e.qs.Dispatch.RLock()
	defer e.qs.Dispatch.RUnlock()

	qs, enabled := e.qs.Notify.NotifyQueue()
	if !enabled {
		e.observeNotification(false)
		return syscall.EOPNOTSUPP
	}

	qs.VQLock.Lock()
	defer qs.VQLock.Unlock()

	el, ok, err := qs.Queue.Pop()
	if err != nil {
		e.observeNotification(false)
		return err
	}
	if !ok {
		e.observeNotification(false)
		return syscall.ENOSPC
	}

	total := iovec.Total(iov)
	iovec.CopyCross(el.InSG, iov, total)
	if err := qs.Queue.Push(el, total); err != nil {
		e.observeNotification(false)
		return err
	}
	err = qs.Queue.Notify()
	e.observeNotification(err == nil)
	return err
}

func (e *Element) observeNotification(success bool) {
	if e.qs.Observer != nil {
		e.qs.Observer.ObserveNotification(success)
	}
}

func toByteSlices(iov []iovec.Iovec) [][]byte {
	bufs := make([][]byte, len(iov))
	for i, v := range iov {
		bufs[i] = v.Bytes()
	}
	return bufs
}

// setHeaderLen overwrites the little-endian uint32 length field occupying
// the first 4 bytes of a reply header that has not yet been copied into
// guest memory.
func setHeaderLen(iovHeader []iovec.Iovec, length uint32) {
	if len(iovHeader) == 0 || iovHeader[0].Len < 4 {
		return
	}
	b := iovHeader[0].Bytes()
	fusewire.PatchLen(b, length)
}

// patchWrittenHeaderLen rewrites the length field of a header already
// copied into the writable side, used by SendData's EOF short-transfer
// path.
func patchWrittenHeaderLen(writable []iovec.Iovec, length uint32) {
	if len(writable) == 0 || writable[0].Len < 4 {
		return
	}
	fusewire.PatchLen(writable[0].Bytes(), length)
}
