package fusewire

import "encoding/binary"

// MarshalInHeader manually encodes an InHeader in little-endian byte
// order. Per the transport core's scope, no other byte order is offered:
// the guest and host are assumed to agree on it.
func MarshalInHeader(h *InHeader) []byte {
	buf := make([]byte, InHeaderSize)
	binary.LittleEndian.PutUint32(buf[0:4], h.Len)
	binary.LittleEndian.PutUint32(buf[4:8], h.Opcode)
	binary.LittleEndian.PutUint64(buf[8:16], h.Unique)
	binary.LittleEndian.PutUint64(buf[16:24], h.NodeID)
	binary.LittleEndian.PutUint32(buf[24:28], h.UID)
	binary.LittleEndian.PutUint32(buf[28:32], h.GID)
	binary.LittleEndian.PutUint32(buf[32:36], h.PID)
	binary.LittleEndian.PutUint32(buf[36:40], h.Padding)
	return buf
}

// UnmarshalInHeader decodes an InHeader from its wire representation.
func UnmarshalInHeader(data []byte) *InHeader {
	h := &InHeader{}
	if len(data) < InHeaderSize {
		return h
	}
	h.Len = binary.LittleEndian.Uint32(data[0:4])
	h.Opcode = binary.LittleEndian.Uint32(data[4:8])
	h.Unique = binary.LittleEndian.Uint64(data[8:16])
	h.NodeID = binary.LittleEndian.Uint64(data[16:24])
	h.UID = binary.LittleEndian.Uint32(data[24:28])
	h.GID = binary.LittleEndian.Uint32(data[28:32])
	h.PID = binary.LittleEndian.Uint32(data[32:36])
	h.Padding = binary.LittleEndian.Uint32(data[36:40])
	return h
}

// MarshalOutHeader manually encodes an OutHeader.
func MarshalOutHeader(h *OutHeader) []byte {
	buf := make([]byte, OutHeaderSize)
	binary.LittleEndian.PutUint32(buf[0:4], h.Len)
	binary.LittleEndian.PutUint32(buf[4:8], uint32(h.Error))
	binary.LittleEndian.PutUint64(buf[8:16], h.Unique)
	return buf
}

// UnmarshalOutHeader decodes an OutHeader from its wire representation.
func UnmarshalOutHeader(data []byte) *OutHeader {
	h := &OutHeader{}
	if len(data) < OutHeaderSize {
		return h
	}
	h.Len = binary.LittleEndian.Uint32(data[0:4])
	h.Error = int32(binary.LittleEndian.Uint32(data[4:8]))
	h.Unique = binary.LittleEndian.Uint64(data[8:16])
	return h
}

// PatchLen rewrites the Len field in the first OutHeaderSize bytes of an
// already-marshaled reply buffer, used by send_data's EOF short-transfer
// path to patch the advertised length down to what was actually
// delivered without re-marshaling the whole header.
func PatchLen(buf []byte, length uint32) {
	if len(buf) < 4 {
		return
	}
	binary.LittleEndian.PutUint32(buf[0:4], length)
}
