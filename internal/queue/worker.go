package queue

import (
	"time"

	"github.com/ehrlich-b/virtiofsd-core/internal/fusesession"
	"github.com/ehrlich-b/virtiofsd-core/internal/fusewire"
	"github.com/ehrlich-b/virtiofsd-core/internal/iovec"
	"github.com/ehrlich-b/virtiofsd-core/internal/vhost"
)

// RunWorker is the QueueWorker task body: it classifies one popped
// element, builds the FUSE input buffer vector, hands it to the session,
// and guarantees the element is returned to its queue exactly once even
// if the session never calls SendReply/SendData.
func RunWorker(qs *QueueState, raw *vhost.Element, session fusesession.Session) {
	ch := NewElement(raw, qs)
	defer func() {
		_ = ch.FinalizeUnanswered()
	}()

	start := time.Now()
	bufv, fbuf := classify(raw, session.BufSize())
	defer PutBuffer(fbuf)
	session.Process(bufv, ch)

	if qs.Observer != nil {
		bytes := uint64(iovec.Total(raw.OutSG))
		qs.Observer.ObserveRequest(bytes, uint64(time.Since(start).Nanoseconds()), true)
	}
}

// classify implements the QueueWorker dispatch-shape decision: the
// unmappable write fast path, the unmappable read shape, or the normal
// gather-copy path. Unexpected unmappable shapes are a guest trust
// violation and panic, matching the source's fatal-assertion behavior.
func classify(raw *vhost.Element, bufSize int) (fusesession.BufVec, []byte) {
	readable := raw.OutSG
	total := int(iovec.Total(readable))
	if total < fusewire.InHeaderSize {
		panic("queue: readable side shorter than a FUSE request header")
	}
	if total > bufSize {
		panic("queue: readable side exceeds the session buffer size")
	}

	if raw.BadOut != 0 {
		panic("queue: unexpected unmappable readable segment")
	}

	fbuf := GetBuffer(uint32(bufSize))
	copy(fbuf, readable[0].Bytes())
	hdr := fusewire.UnmarshalInHeader(fbuf[:fusewire.InHeaderSize])

	switch {
	case isWriteFastPath(readable, hdr):
		return buildWriteFastPath(raw, fbuf), fbuf
	case isUnmappableReadShape(readable, hdr):
		iovec.CopyIn(fbuf[:total], readable)
		return fusesession.BufVec{Entries: []fusesession.BufEntry{{Data: fbuf[:total]}}}, fbuf
	case raw.BadIn != 0:
		panic("queue: unexpected unmappable shape for this opcode")
	default:
		iovec.CopyIn(fbuf[:total], readable)
		return fusesession.BufVec{Entries: []fusesession.BufEntry{{Data: fbuf[:total]}}}, fbuf
	}
}

func isWriteFastPath(readable []iovec.Iovec, hdr *fusewire.InHeader) bool {
	return len(readable) >= 3 &&
		int(readable[0].Len) == fusewire.InHeaderSize &&
		int(readable[1].Len) == fusewire.WriteInSize &&
		fusewire.Opcode(hdr.Opcode) == fusewire.OpWrite
}

func isUnmappableReadShape(readable []iovec.Iovec, hdr *fusewire.InHeader) bool {
	return len(readable) == 2 &&
		int(readable[0].Len) == fusewire.InHeaderSize &&
		int(readable[1].Len) == fusewire.ReadInSize &&
		fusewire.Opcode(hdr.Opcode) == fusewire.OpRead
}

// buildWriteFastPath copies only the header and write_in segments into
// fbuf; the write payload segments are aliased directly from guest memory
// rather than copied. Trailing readable segments beyond the mappable
// count are marked PhysAddr so the session routes their reads through the
// slave channel instead of dereferencing them; under the branch's own
// precondition (bad_out == 0) that set is always empty, but the index
// arithmetic is kept general rather than hardcoded to "never".
func buildWriteFastPath(raw *vhost.Element, fbuf []byte) fusesession.BufVec {
	readable := raw.OutSG
	headerTotal := fusewire.InHeaderSize + fusewire.WriteInSize
	copy(fbuf[fusewire.InHeaderSize:headerTotal], readable[1].Bytes())

	entries := make([]fusesession.BufEntry, 0, len(readable)-1)
	entries = append(entries, fusesession.BufEntry{Data: fbuf[:headerTotal]})

	mappableCount := len(readable)
	if raw.BadOut > 0 && raw.BadOut <= len(readable) {
		mappableCount = len(readable) - raw.BadOut
	}

	for i := 2; i < len(readable); i++ {
		entries = append(entries, fusesession.BufEntry{
			Data:     readable[i].Bytes(),
			PhysAddr: i >= mappableCount,
		})
	}

	return fusesession.BufVec{Entries: entries}
}
