package memsession

import (
	"encoding/binary"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ehrlich-b/virtiofsd-core/internal/fusesession"
	"github.com/ehrlich-b/virtiofsd-core/internal/iovec"
)

func request(opcode uint32, unique, nodeid uint64, arg []byte) fusesession.BufVec {
	b := make([]byte, inHeaderSize+len(arg))
	binary.LittleEndian.PutUint32(b[0:4], uint32(len(b)))
	binary.LittleEndian.PutUint32(b[4:8], opcode)
	binary.LittleEndian.PutUint64(b[8:16], unique)
	binary.LittleEndian.PutUint64(b[16:24], nodeid)
	copy(b[inHeaderSize:], arg)
	return fusesession.BufVec{Entries: []fusesession.BufEntry{{Data: b}}}
}

func cstr(s string) []byte { return append([]byte(s), 0) }

func TestSession_Init(t *testing.T) {
	s := New(4096, 4, false, nil)
	ch := &captureChannel{}
	s.Process(request(opInit, 1, 1, make([]byte, 16)), ch)

	require.Len(t, ch.replies, 1)
	assert.Equal(t, outHeaderSize+24, len(ch.replies[0]))
	assert.Equal(t, uint64(1), binary.LittleEndian.Uint64(ch.replies[0][8:16]))
}

func TestSession_LookupFound(t *testing.T) {
	s := New(4096, 4, false, []byte("hi"))
	ch := &captureChannel{}
	s.Process(request(opLookup, 2, rootIno, cstr(fileName)), ch)

	require.Len(t, ch.replies, 1)
	nodeid := binary.LittleEndian.Uint64(ch.replies[0][outHeaderSize : outHeaderSize+8])
	assert.Equal(t, uint64(fileIno), nodeid)
}

func TestSession_LookupNotFound(t *testing.T) {
	s := New(4096, 4, false, nil)
	ch := &captureChannel{}
	s.Process(request(opLookup, 3, rootIno, cstr("missing")), ch)

	require.Len(t, ch.replies, 1)
	errno := int32(binary.LittleEndian.Uint32(ch.replies[0][4:8]))
	assert.NotZero(t, errno)
}

func TestSession_WriteThenRead(t *testing.T) {
	s := New(4096, 4, false, nil)
	ch := &captureChannel{}

	writeArg := make([]byte, 40)
	binary.LittleEndian.PutUint64(writeArg[8:16], 0) // offset
	binary.LittleEndian.PutUint32(writeArg[16:20], 5) // size
	payload := append(writeArg, []byte("abcde")...)
	s.Process(request(opWrite, 4, fileIno, payload), ch)
	require.Len(t, ch.replies, 1)
	written := binary.LittleEndian.Uint32(ch.replies[0][outHeaderSize : outHeaderSize+4])
	assert.Equal(t, uint32(5), written)

	readArg := make([]byte, 24)
	binary.LittleEndian.PutUint64(readArg[8:16], 0)
	binary.LittleEndian.PutUint32(readArg[16:20], 5)
	s.Process(request(opRead, 5, fileIno, readArg), ch)
	require.Len(t, ch.replies, 2)
	assert.Equal(t, []byte("abcde"), ch.replies[1][outHeaderSize:])
}

func TestSession_UnknownOpcodeReturnsENOSYS(t *testing.T) {
	s := New(4096, 4, false, nil)
	ch := &captureChannel{}
	s.Process(request(999, 6, 0, nil), ch)

	require.Len(t, ch.replies, 1)
	errno := int32(binary.LittleEndian.Uint32(ch.replies[0][4:8]))
	assert.NotZero(t, errno)
}

type captureChannel struct {
	replies [][]byte
}

func (c *captureChannel) SendReply(iov []iovec.Iovec) error {
	var b []byte
	for _, v := range iov {
		b = append(b, v.Bytes()...)
	}
	c.replies = append(c.replies, b)
	return nil
}

func (c *captureChannel) SendData(iovHeader []iovec.Iovec, srcFD int, srcPos int64, length uint32) error {
	return nil
}

func (c *captureChannel) SendNotification(iov []iovec.Iovec) error { return nil }

var _ fusesession.Channel = (*captureChannel)(nil)
