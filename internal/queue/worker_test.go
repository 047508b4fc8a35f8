package queue

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ehrlich-b/virtiofsd-core/internal/fusesession"
	"github.com/ehrlich-b/virtiofsd-core/internal/fusewire"
	"github.com/ehrlich-b/virtiofsd-core/internal/iovec"
	"github.com/ehrlich-b/virtiofsd-core/internal/vhost"
)

func inHeader(opcode fusewire.Opcode) []byte {
	return fusewire.MarshalInHeader(&fusewire.InHeader{Len: uint32(fusewire.InHeaderSize), Opcode: uint32(opcode), Unique: 42})
}

func TestClassify_NormalPath(t *testing.T) {
	hdr := inHeader(fusewire.Opcode(99))
	body := []byte("hello")
	readable := []iovec.Iovec{segOf(hdr), segOf(body)}
	el := &vhost.Element{OutSG: readable}

	bufv, fbuf := classify(el, 4096)
	defer PutBuffer(fbuf)

	require.Len(t, bufv.Entries, 1)
	assert.Equal(t, len(hdr)+len(body), len(bufv.Entries[0].Data))
	assert.False(t, bufv.Entries[0].PhysAddr)
}

func TestClassify_WriteFastPath(t *testing.T) {
	hdr := inHeader(fusewire.OpWrite)
	writeIn := make([]byte, fusewire.WriteInSize)
	payload := []byte("payload-bytes")
	readable := []iovec.Iovec{segOf(hdr), segOf(writeIn), segOf(payload)}
	el := &vhost.Element{OutSG: readable}

	bufv, fbuf := classify(el, 4096)
	defer PutBuffer(fbuf)

	require.Len(t, bufv.Entries, 2)
	assert.Equal(t, fusewire.InHeaderSize+fusewire.WriteInSize, len(bufv.Entries[0].Data))
	assert.False(t, bufv.Entries[0].PhysAddr)
	assert.Equal(t, payload, bufv.Entries[1].Data)
	assert.False(t, bufv.Entries[1].PhysAddr, "no trailing segment is unmappable when bad_out == 0")
}

func TestClassify_UnmappableReadShape(t *testing.T) {
	hdr := inHeader(fusewire.OpRead)
	readIn := make([]byte, fusewire.ReadInSize)
	readable := []iovec.Iovec{segOf(hdr), segOf(readIn)}
	el := &vhost.Element{OutSG: readable, BadIn: 1}

	bufv, fbuf := classify(el, 4096)
	defer PutBuffer(fbuf)

	require.Len(t, bufv.Entries, 1)
	assert.Equal(t, fusewire.InHeaderSize+fusewire.ReadInSize, len(bufv.Entries[0].Data))
}

func TestClassify_UnexpectedUnmappableShapePanics(t *testing.T) {
	hdr := inHeader(fusewire.Opcode(7))
	body := []byte("x")
	readable := []iovec.Iovec{segOf(hdr), segOf(body)}
	el := &vhost.Element{OutSG: readable, BadIn: 2}

	assert.Panics(t, func() {
		classify(el, 4096)
	})
}

func TestClassify_UnmappableReadableSidePanics(t *testing.T) {
	hdr := inHeader(fusewire.Opcode(1))
	readable := []iovec.Iovec{segOf(hdr)}
	el := &vhost.Element{OutSG: readable, BadOut: 1}

	assert.Panics(t, func() {
		classify(el, 4096)
	})
}

func TestRunWorker_NoReplyStillPushesZero(t *testing.T) {
	q := &fakeQueue{}
	qs := newTestQueueState(q, nil, nil)
	hdr := inHeader(fusewire.Opcode(1))
	el := &vhost.Element{
		OutSG: []iovec.Iovec{segOf(hdr)},
		InSG:  []iovec.Iovec{segOf(make([]byte, 16))},
	}

	session := &fakeSession{bufSize: 4096}
	RunWorker(qs, el, session)

	require.Len(t, q.pushes, 1)
	assert.EqualValues(t, 0, q.pushes[0].length)
	require.Len(t, session.processed, 1)
}

func TestRunWorker_SessionSendsReply(t *testing.T) {
	q := &fakeQueue{}
	qs := newTestQueueState(q, nil, nil)
	hdr := inHeader(fusewire.Opcode(1))
	writable := make([]byte, 16)
	el := &vhost.Element{
		OutSG: []iovec.Iovec{segOf(hdr)},
		InSG:  []iovec.Iovec{segOf(writable)},
	}

	reply := []byte("0123456789abcdef")
	session := &fakeSession{
		bufSize: 4096,
		onProcess: func(buf fusesession.BufVec, ch fusesession.Channel) {
			require.NoError(t, ch.SendReply([]iovec.Iovec{segOf(reply)}))
		},
	}
	RunWorker(qs, el, session)

	require.Len(t, q.pushes, 1)
	assert.EqualValues(t, 16, q.pushes[0].length)
	assert.Equal(t, reply, writable)
}
