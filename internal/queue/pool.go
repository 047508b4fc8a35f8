package queue

import "sync"

// GetBuffer/PutBuffer back QueueWorker's per-request fbuf allocation with
// a sync.Pool instead of a fresh make([]byte, ...) on every popped
// element. Unlike the teacher's block-I/O pool, which bucketed buffers by
// one of several request sizes because block I/O requests vary in
// length, every caller here requests exactly session.BufSize(): a FUSE
// request buffer is sized once at session construction and never varies
// per request, so there is nothing to bucket; one pool of reusable
// backing arrays is enough.
var bufferPool = sync.Pool{
	New: func() any { return new([]byte) },
}

// GetBuffer returns a pooled buffer of exactly the requested length,
// reusing a pooled backing array when it is large enough and growing it
// otherwise. Caller must call PutBuffer when done.
func GetBuffer(size uint32) []byte {
	bp := bufferPool.Get().(*[]byte)
	if cap(*bp) < int(size) {
		*bp = make([]byte, size)
	}
	return (*bp)[:size]
}

// PutBuffer returns buf to the pool for reuse by the next popped
// element, keeping its full backing capacity.
func PutBuffer(buf []byte) {
	buf = buf[:cap(buf)]
	bufferPool.Put(&buf)
}
