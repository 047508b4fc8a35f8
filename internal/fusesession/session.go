// Package fusesession defines the contract the transport core requires of
// the FUSE semantic layer: a session that processes an assembled request
// buffer and replies through a Channel. The semantic layer itself —
// inode tables, lookups, passthrough file operations — is out of this
// repository's scope.
package fusesession

import "github.com/ehrlich-b/virtiofsd-core/internal/iovec"

// BufEntry is one entry of a FUSE input buffer vector. Most requests
// produce a single entry referencing a contiguous copy of the readable
// side; the unmappable-write fast path produces additional entries that
// alias guest memory directly, some of them flagged PhysAddr to signal
// that the session must route reads through the slave channel instead of
// dereferencing them.
type BufEntry struct {
	Data     []byte
	PhysAddr bool
}

// BufVec is the FUSE input buffer vector built by QueueWorker and handed
// to Session.Process.
type BufVec struct {
	Entries []BufEntry
}

// Total returns the sum of all entry lengths.
func (b BufVec) Total() int {
	n := 0
	for _, e := range b.Entries {
		n += len(e.Data)
	}
	return n
}

// Channel is the reply handle a session uses to respond to the request
// currently being processed. Exactly one of SendReply or SendData may be
// called per request; calling either a second time is a caller bug.
type Channel interface {
	// SendReply copies a fully-assembled reply (header first, optional
	// body) into the element's writable segments and returns it to the
	// guest.
	SendReply(iov []iovec.Iovec) error

	// SendData streams a file region into the guest following a
	// FUSE read-like reply: iovHeader is the reply header (and any fixed
	// trailing struct), srcFD/srcPos/length describe the file region to
	// copy after it.
	SendData(iovHeader []iovec.Iovec, srcFD int, srcPos int64, length uint32) error

	// SendNotification sends an unsolicited daemon-to-guest message via
	// the notification queue. Returns -ENOSPC (as a *os.SyscallError-free
	// errno) if the notification queue has no available element, and
	// -EOPNOTSUPP if notifications were not negotiated.
	SendNotification(iov []iovec.Iovec) error
}

// Session is the external collaborator the transport core drives: it
// carries sizing parameters and the request-processing entry point.
type Session interface {
	// BufSize is the size of the contiguous buffer QueueWorker allocates
	// per in-flight request.
	BufSize() int

	// ThreadPoolSize is the number of worker goroutines servicing
	// requests concurrently, shared across all queues.
	ThreadPoolSize() int

	// NotifyEnabled reports the session's own notification setting. The
	// transport core neither reads nor updates it: SendNotification fails
	// with EOPNOTSUPP based on the VIRTIO_FS_F_NOTIFICATION bit the device
	// latched during feature negotiation.
	NotifyEnabled() bool

	// Process handles one FUSE request described by buf, replying (or
	// not) through ch. Process must not retain buf or ch beyond return.
	Process(buf BufVec, ch Channel)
}
