// Package iovec implements the only operations in the transport core that
// touch guest memory directly: gather-copy, scatter-copy between two
// descriptor chains, and size accounting. Every other component treats an
// []Iovec as an opaque scatter/gather list.
package iovec

import (
	"fmt"
	"unsafe"
)

// Iovec is one (base, len) segment of a descriptor chain, aliasing
// memory owned by the guest (mapped) or, for unmappable segments, memory
// the daemon must never dereference directly.
type Iovec struct {
	Base unsafe.Pointer
	Len  uint32
}

// Bytes returns a []byte view of the segment. Callers must not retain the
// slice beyond the lifetime of the underlying descriptor chain.
func (v Iovec) Bytes() []byte {
	if v.Len == 0 {
		return nil
	}
	return unsafe.Slice((*byte)(v.Base), v.Len)
}

// Total sums the length of every segment in iov.
func Total(iov []Iovec) uint32 {
	var total uint32
	for _, v := range iov {
		total += v.Len
	}
	return total
}

// CopyIn gather-copies every segment of iov into dst, in order.
// Precondition: Total(iov) <= cap(dst). Returns the number of bytes
// copied.
func CopyIn(dst []byte, iov []Iovec) int {
	if Total(iov) > uint32(cap(dst)) {
		panic(fmt.Sprintf("iovec: CopyIn precondition violated: total=%d cap=%d", Total(iov), cap(dst)))
	}
	n := 0
	for _, v := range iov {
		n += copy(dst[n:n+int(v.Len)], v.Bytes())
	}
	return n
}

// CopyCross copies exactly n bytes from src to dst, walking both
// independently. It panics if either side runs out of bytes before n is
// reached — callers are expected to have already validated sizes.
func CopyCross(dst, src []Iovec, n uint32) {
	var si, di int
	var soff, doff uint32

	for n > 0 {
		if si >= len(src) {
			panic("iovec: CopyCross: src exhausted before n bytes copied")
		}
		if di >= len(dst) {
			panic("iovec: CopyCross: dst exhausted before n bytes copied")
		}

		s := src[si]
		d := dst[di]

		sRemain := s.Len - soff
		dRemain := d.Len - doff
		chunk := sRemain
		if dRemain < chunk {
			chunk = dRemain
		}
		if n < chunk {
			chunk = n
		}

		if chunk > 0 {
			sBytes := s.Bytes()[soff : soff+chunk]
			dBytes := d.Bytes()[doff : doff+chunk]
			copy(dBytes, sBytes)
		}

		soff += chunk
		doff += chunk
		n -= chunk

		if soff == s.Len {
			si++
			soff = 0
		}
		if doff == d.Len {
			di++
			doff = 0
		}
	}
}

// Skip produces a logical view of iov with the first n bytes dropped, by
// advancing or dropping leading segments. The returned slice aliases the
// memory of the originals and must not outlive them.
func Skip(iov []Iovec, n uint32) []Iovec {
	i := 0
	for n > 0 && i < len(iov) {
		if iov[i].Len <= n {
			n -= iov[i].Len
			i++
			continue
		}
		break
	}
	if i >= len(iov) {
		return nil
	}
	if n == 0 {
		return iov[i:]
	}

	out := make([]Iovec, len(iov)-i)
	copy(out, iov[i:])
	out[0] = Iovec{
		Base: unsafe.Add(out[0].Base, n),
		Len:  out[0].Len - n,
	}
	return out
}
