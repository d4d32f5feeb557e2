package txn

import (
	"fmt"

	"github.com/bobotu/pmtx/pmem"
)

// recoverSessions scans every session log slot at open time. A valid flag
// means the owning transaction persisted its log but never committed:
// the pointer-record pre-images are restored in reverse order (so the
// oldest pre-image of a range wins) and the flag is cleared. Value records
// are diagnostic and not replayed.
//
// A pre-image that cannot be applied fails the open: proceeding would risk
// corrupting further state.
func (rt *Runtime) recoverSessions() error {
	p := rt.pool
	for slot := 0; slot < pmem.MaxSessions; slot++ {
		region := p.Bytes(pmem.LogRegionAddr(slot), pmem.LogRegionSize)
		if region[0] == 0 {
			continue
		}
		recs, err := parseRecords(region[logHdrSize:])
		if err != nil {
			return fmt.Errorf("%w: log slot %d: %v", pmem.ErrRecovery, slot, err)
		}
		for i := len(recs) - 1; i >= 0; i-- {
			rec := recs[i]
			if rec.tag != ptrRecordTag {
				continue
			}
			end := uint64(rec.addr) + uint64(len(rec.data))
			if rec.addr.IsNull() || end > p.Size() {
				return fmt.Errorf("%w: log slot %d: pre-image range [%d, %d) out of pool bounds",
					pmem.ErrRecovery, slot, rec.addr, end)
			}
			p.PersistCopy(rec.addr, rec.data)
		}
		var zero [1]byte
		p.PersistCopy(pmem.LogRegionAddr(slot), zero[:])
	}
	return nil
}
