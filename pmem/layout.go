package pmem

import "encoding/binary"

var codec = binary.LittleEndian

// On-file layout. The header page is followed by the free-list heads, one
// undo journal region per session slot, one log region per session slot, and
// finally the block heap. All region boundaries are page aligned.
const (
	pageSize = 4096

	magic   = "PMTX"
	version = 1

	headerSize = 64

	// header field offsets
	hdrMagicOff    = 0
	hdrVersionOff  = 4
	hdrUUIDOff     = 8
	hdrSizeOff     = 24
	hdrChecksumOff = 32
	hdrRootOff     = 40
	hdrRootSizeOff = 48
	hdrHeapTailOff = 56

	freeListOff = pageSize
	maxClasses  = 256

	// MaxSessions is the number of session slots. Each slot owns a private
	// undo journal region and a private log region.
	MaxSessions = 64

	journalOff     = 2 * pageSize
	journalRegSize = 16 << 10

	// LogRegionSize is the size of one session's log region.
	LogRegionSize = 32 << 10

	logRegionOff = journalOff + MaxSessions*journalRegSize

	heapOff = logRegionOff + MaxSessions*LogRegionSize

	// MinPoolSize leaves at least 4MiB of heap after the metadata regions.
	MinPoolSize = heapOff + (4 << 20)
)

// LogRegionAddr returns the pool address of the given session slot's log
// region.
func LogRegionAddr(slot int) Addr {
	return Addr(logRegionOff + slot*LogRegionSize)
}

func journalRegionOff(slot int) uint64 {
	return journalOff + uint64(slot)*journalRegSize
}
