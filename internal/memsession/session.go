package memsession

import (
	"encoding/binary"
	"sync"
	"syscall"
	"unsafe"

	"github.com/ehrlich-b/virtiofsd-core/internal/fusesession"
	"github.com/ehrlich-b/virtiofsd-core/internal/iovec"
)

const (
	rootIno = 1
	fileIno = 2
	fileName = "hello.txt"
)

// Session is a single-file in-memory passthrough FUSE session: the root
// directory contains exactly one regular file, whose contents live in a
// byte slice guarded by mu. It answers just enough of the FUSE opcode set
// (INIT, LOOKUP, GETATTR, OPEN, OPENDIR, READ, READDIR, WRITE, FLUSH,
// RELEASE) to be mountable and usable, and replies ENOSYS to everything
// else. OPENDIR is answered like OPEN; READDIR returns an empty reply.
type Session struct {
	bufSize        int
	threadPoolSize int
	notifyEnabled  bool

	mu   sync.Mutex
	data []byte
}

// New creates an in-memory session whose file starts with the given
// contents.
func New(bufSize, threadPoolSize int, notifyEnabled bool, initialContents []byte) *Session {
	data := make([]byte, len(initialContents))
	copy(data, initialContents)
	return &Session{
		bufSize:        bufSize,
		threadPoolSize: threadPoolSize,
		notifyEnabled:  notifyEnabled,
		data:           data,
	}
}

func (s *Session) BufSize() int        { return s.bufSize }
func (s *Session) ThreadPoolSize() int { return s.threadPoolSize }
func (s *Session) NotifyEnabled() bool { return s.notifyEnabled }

// Process implements fusesession.Session.
func (s *Session) Process(buf fusesession.BufVec, ch fusesession.Channel) {
	raw := flatten(buf)
	if len(raw) < inHeaderSize {
		return
	}

	opcode := binary.LittleEndian.Uint32(raw[4:8])
	unique := binary.LittleEndian.Uint64(raw[8:16])
	nodeid := binary.LittleEndian.Uint64(raw[16:24])
	arg := raw[inHeaderSize:]

	switch opcode {
	case opInit:
		s.replyBytes(ch, unique, marshalInitOut(uint32(s.bufSize)))
	case opLookup:
		s.handleLookup(ch, unique, arg)
	case opGetattr:
		s.handleGetattr(ch, unique, nodeid)
	case opOpen, opOpendir:
		s.replyBytes(ch, unique, marshalOpenOut(1))
	case opRead:
		s.handleRead(ch, unique, arg)
	case opWrite:
		s.handleWrite(ch, unique, arg, buf)
	case opReaddir:
		s.replyBytes(ch, unique, nil)
	case opFlush, opRelease:
		s.replyBytes(ch, unique, nil)
	default:
		s.replyErrno(ch, unique, syscall.ENOSYS)
	}
}

func (s *Session) handleLookup(ch fusesession.Channel, unique uint64, arg []byte) {
	name := cString(arg)
	if name != fileName {
		s.replyErrno(ch, unique, syscall.ENOENT)
		return
	}
	s.mu.Lock()
	size := uint64(len(s.data))
	s.mu.Unlock()
	s.replyBytes(ch, unique, marshalEntryOut(fileIno, s.fileAttr(size)))
}

func (s *Session) handleGetattr(ch fusesession.Channel, unique, nodeid uint64) {
	switch nodeid {
	case rootIno:
		s.replyBytes(ch, unique, marshalAttrOut(s.dirAttr()))
	case fileIno:
		s.mu.Lock()
		size := uint64(len(s.data))
		s.mu.Unlock()
		s.replyBytes(ch, unique, marshalAttrOut(s.fileAttr(size)))
	default:
		s.replyErrno(ch, unique, syscall.ENOENT)
	}
}

func (s *Session) handleRead(ch fusesession.Channel, unique uint64, arg []byte) {
	r := unmarshalReadIn(arg)
	s.mu.Lock()
	data := s.data
	s.mu.Unlock()

	if r.Offset >= uint64(len(data)) {
		s.replyBytes(ch, unique, nil)
		return
	}
	end := r.Offset + uint64(r.Size)
	if end > uint64(len(data)) {
		end = uint64(len(data))
	}
	s.replyBytes(ch, unique, data[r.Offset:end])
}

func (s *Session) handleWrite(ch fusesession.Channel, unique uint64, arg []byte, buf fusesession.BufVec) {
	w := unmarshalWriteIn(arg)
	payload := arg[40:]
	if uint32(len(payload)) > w.Size {
		payload = payload[:w.Size]
	}

	s.mu.Lock()
	end := w.Offset + uint64(len(payload))
	if end > uint64(len(s.data)) {
		grown := make([]byte, end)
		copy(grown, s.data)
		s.data = grown
	}
	copy(s.data[w.Offset:end], payload)
	s.mu.Unlock()

	out := make([]byte, 8)
	binary.LittleEndian.PutUint32(out[0:4], uint32(len(payload)))
	s.replyBytes(ch, unique, out)
}

func (s *Session) fileAttr(size uint64) attr {
	return attr{Ino: fileIno, Size: size, Mode: syscall.S_IFREG | 0o644, Nlink: 1}
}

func (s *Session) dirAttr() attr {
	return attr{Ino: rootIno, Mode: syscall.S_IFDIR | 0o755, Nlink: 2}
}

func (s *Session) replyBytes(ch fusesession.Channel, unique uint64, body []byte) {
	hdr := make([]byte, outHeaderSize)
	binary.LittleEndian.PutUint32(hdr[0:4], uint32(outHeaderSize+len(body)))
	binary.LittleEndian.PutUint64(hdr[8:16], unique)

	reply := make([]byte, 0, len(hdr)+len(body))
	reply = append(reply, hdr...)
	reply = append(reply, body...)
	_ = ch.SendReply(toIovec(reply))
}

func (s *Session) replyErrno(ch fusesession.Channel, unique uint64, errno syscall.Errno) {
	hdr := make([]byte, outHeaderSize)
	binary.LittleEndian.PutUint32(hdr[0:4], uint32(outHeaderSize))
	binary.LittleEndian.PutUint32(hdr[4:8], uint32(-int32(errno)))
	binary.LittleEndian.PutUint64(hdr[8:16], unique)
	_ = ch.SendReply(toIovec(hdr))
}

func flatten(buf fusesession.BufVec) []byte {
	if len(buf.Entries) == 1 {
		return buf.Entries[0].Data
	}
	total := buf.Total()
	out := make([]byte, 0, total)
	for _, e := range buf.Entries {
		out = append(out, e.Data...)
	}
	return out
}

func toIovec(b []byte) []iovec.Iovec {
	if len(b) == 0 {
		return nil
	}
	return []iovec.Iovec{{Base: unsafe.Pointer(&b[0]), Len: uint32(len(b))}}
}

func cString(b []byte) string {
	for i, c := range b {
		if c == 0 {
			return string(b[:i])
		}
	}
	return string(b)
}

var _ fusesession.Session = (*Session)(nil)
