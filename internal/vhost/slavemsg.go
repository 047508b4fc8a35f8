package vhost

import "github.com/ehrlich-b/virtiofsd-core/internal/constants"

// SlaveEntry is one {flags, fd_offset, c_offset, len} tuple within a
// SlaveMessage.
type SlaveEntry struct {
	Flags    uint64
	FDOffset uint64
	COffset  uint64
	Len      uint64
}

// Flags bits used within a SlaveEntry.
const (
	MapR uint64 = 1 << 0
	MapW uint64 = 1 << 1
)

// SlaveMessage is the fixed-arity vector of entries carried by a single
// MAP/UNMAP/SYNC/IO request to the hypervisor.
type SlaveMessage struct {
	Entries [constants.SlaveMessageEntries]SlaveEntry
	Count   int
}

// AllOnesLength is the sentinel meaning "whole cache window" in an UNMAP
// entry's Len field.
const AllOnesLength = constants.AllOnesLength
