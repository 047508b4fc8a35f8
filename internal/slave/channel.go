// Package slave wraps the master-to-slave request path exposed by the
// vhost-user endpoint into four typed operations: mapping, unmapping, and
// syncing ranges of the DAX cache window, and bounce I/O against guest
// memory the daemon cannot otherwise touch.
package slave

import (
	"syscall"

	"github.com/ehrlich-b/virtiofsd-core/internal/vhost"
)

// Channel is a thin, typed wrapper around vhost.Endpoint.SlaveSend.
type Channel struct {
	endpoint vhost.Endpoint
}

// New wraps endpoint's slave-send path.
func New(endpoint vhost.Endpoint) *Channel {
	return &Channel{endpoint: endpoint}
}

// Map asks the hypervisor to mmap fd regions into the cache window.
// Entries carry {MapR|MapW, fd_offset, c_offset, len}.
func (c *Channel) Map(fd int, entries []vhost.SlaveEntry) error {
	msg := buildMessage(entries)
	result, err := c.endpoint.SlaveSend(vhost.SlaveMap, fd, msg)
	if err != nil {
		return err
	}
	return errnoErr(result)
}

// Unmap asks the hypervisor to replace mapped pages in the given ranges
// with anonymous PROT_NONE. A zero-length entries slice unmaps nothing;
// to unmap the whole window, pass a single entry with
// Len == vhost.AllOnesLength.
func (c *Channel) Unmap(entries []vhost.SlaveEntry) error {
	msg := buildMessage(entries)
	result, err := c.endpoint.SlaveSend(vhost.SlaveUnmap, -1, msg)
	if err != nil {
		return err
	}
	return errnoErr(result)
}

// Sync asks the hypervisor to msync the given cache ranges.
func (c *Channel) Sync(entries []vhost.SlaveEntry) error {
	msg := buildMessage(entries)
	result, err := c.endpoint.SlaveSend(vhost.SlaveSync, -1, msg)
	if err != nil {
		return err
	}
	return errnoErr(result)
}

// IO asks the hypervisor to pread/pwrite between fd at entry.FDOffset and
// guest memory at entry.COffset (a guest physical address), per
// entry.Flags (MapR: file -> guest RAM, MapW: guest RAM -> file). The fd
// is consumed: the hypervisor closes it on its side after the call
// regardless of outcome. Returns bytes transferred, or an error wrapping
// -errno. A zero return with a nil error means EOF.
func (c *Channel) IO(fd int, entry vhost.SlaveEntry) (int64, error) {
	msg := buildMessage([]vhost.SlaveEntry{entry})
	result, err := c.endpoint.SlaveSend(vhost.SlaveIO, fd, msg)
	if err != nil {
		return 0, err
	}
	if result < 0 {
		return 0, errnoErr(result)
	}
	return result, nil
}

func buildMessage(entries []vhost.SlaveEntry) *vhost.SlaveMessage {
	msg := &vhost.SlaveMessage{Count: len(entries)}
	copy(msg.Entries[:], entries)
	return msg
}

func errnoErr(result int64) error {
	if result >= 0 {
		return nil
	}
	return syscall.Errno(-result)
}
