package vhost

import "github.com/ehrlich-b/virtiofsd-core/internal/constants"

// Config mirrors the little-endian virtio-fs config region exposed via
// GET_CONFIG:
//
//	struct virtio_fs_config {
//	  uint8_t  tag[36];
//	  uint32_t num_request_queues;
//	  uint32_t notify_buf_size;
//	};
type Config struct {
	Tag              [36]byte
	NumRequestQueues uint32
	NotifyBufSize    uint32
}

// MarshalConfig encodes a Config into its little-endian wire
// representation, truncated or zero-padded to length bytes as requested
// by GET_CONFIG.
func MarshalConfig(tag string, numRequestQueues uint32, length int) []byte {
	buf := make([]byte, 44)
	copy(buf[0:36], tag)
	putUint32(buf[36:40], numRequestQueues)
	putUint32(buf[40:44], constants.NotifyLockOutSize)

	if length <= 0 || length == len(buf) {
		return buf
	}
	out := make([]byte, length)
	copy(out, buf)
	return out
}

func putUint32(b []byte, v uint32) {
	b[0] = byte(v)
	b[1] = byte(v >> 8)
	b[2] = byte(v >> 16)
	b[3] = byte(v >> 24)
}
