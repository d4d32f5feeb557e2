package pmem

import (
	"fmt"

	"github.com/coocood/badger/y"
)

// Each session slot owns a private undo journal describing the in-flight
// store transaction:
//
//	[0] valid | [1] reserved | [2..] records, zero tag terminated
//
// record encodings:
//
//	'W' | addr (8) | len (4) | pre-image payload   mutated range
//	'A' | addr (8)                                 block allocation
//
// A record becomes durable before the change it describes, so recovery can
// always undo an interrupted transaction by walking the journal backwards.
const (
	journalHdrSize = 2

	jWriteTag = byte('W')
	jAllocTag = byte('A')
)

type journalRec struct {
	tag  byte
	addr Addr
	data []byte
}

// journalAppend stages rec at cur in the slot's journal, rewrites the zero
// terminator behind it, marks the journal valid and persists the touched
// prefix. It returns the new cursor.
func (p *Pool) journalAppend(slot, cur int, rec []byte) int {
	y.AssertTruef(cur+len(rec)+1 <= journalRegSize-journalHdrSize,
		"store transaction exceeds journal capacity")
	off := journalRegionOff(slot) + journalHdrSize
	copy(p.data[off+uint64(cur):], rec)
	p.data[off+uint64(cur)+uint64(len(rec))] = 0
	p.data[journalRegionOff(slot)] = 1
	p.persist(journalRegionOff(slot), journalHdrSize+uint64(cur+len(rec)+1))
	return cur + len(rec)
}

func (p *Pool) journalWrite(slot, cur int, addr Addr, n int) int {
	rec := make([]byte, 1+8+4+n)
	rec[0] = jWriteTag
	codec.PutUint64(rec[1:], uint64(addr))
	codec.PutUint32(rec[9:], uint32(n))
	copy(rec[13:], p.Bytes(addr, n))
	return p.journalAppend(slot, cur, rec)
}

func (p *Pool) journalAlloc(slot, cur int, addr Addr) int {
	var rec [9]byte
	rec[0] = jAllocTag
	codec.PutUint64(rec[1:], uint64(addr))
	return p.journalAppend(slot, cur, rec[:])
}

func (p *Pool) journalReset(slot int) {
	off := journalRegionOff(slot)
	p.data[off] = 0
	p.persist(off, 1)
}

func parseJournal(buf []byte) ([]journalRec, error) {
	var recs []journalRec
	off := 0
	for off < len(buf) && buf[off] != 0 {
		switch buf[off] {
		case jWriteTag:
			if off+13 > len(buf) {
				return nil, fmt.Errorf("truncated write record at %d", off)
			}
			n := int(codec.Uint32(buf[off+9:]))
			if off+13+n > len(buf) {
				return nil, fmt.Errorf("write record payload at %d overruns journal", off)
			}
			recs = append(recs, journalRec{
				tag:  jWriteTag,
				addr: Addr(codec.Uint64(buf[off+1:])),
				data: buf[off+13 : off+13+n],
			})
			off += 13 + n
		case jAllocTag:
			if off+9 > len(buf) {
				return nil, fmt.Errorf("truncated alloc record at %d", off)
			}
			recs = append(recs, journalRec{tag: jAllocTag, addr: Addr(codec.Uint64(buf[off+1:]))})
			off += 9
		default:
			return nil, fmt.Errorf("unknown journal tag %#x at %d", buf[off], off)
		}
	}
	return recs, nil
}

// rollbackJournal undoes the store transaction recorded in the slot's
// journal, if any. It serves both open-time recovery and the in-process
// abort path.
func (p *Pool) rollbackJournal(slot int) error {
	off := journalRegionOff(slot)
	if p.data[off] == 0 {
		return nil
	}
	recs, err := parseJournal(p.data[off+journalHdrSize : off+journalRegSize])
	if err != nil {
		return fmt.Errorf("%w: journal slot %d: %v", ErrRecovery, slot, err)
	}
	// Undo in reverse so the oldest pre-image of a range wins.
	for i := len(recs) - 1; i >= 0; i-- {
		rec := recs[i]
		switch rec.tag {
		case jWriteTag:
			end := uint64(rec.addr) + uint64(len(rec.data))
			if uint64(rec.addr) < heapOff || end > p.size {
				return fmt.Errorf("%w: journal slot %d: pre-image range [%d, %d) out of heap bounds",
					ErrRecovery, slot, rec.addr, end)
			}
			p.PersistCopy(rec.addr, rec.data)
		case jAllocTag:
			p.undoAlloc(rec.addr)
		}
	}
	p.journalReset(slot)
	return nil
}

// recoverJournals undoes every store transaction that was interrupted after
// its journal became valid. Runs once at pool open, before the pool is
// handed out.
func (p *Pool) recoverJournals() error {
	for slot := 0; slot < MaxSessions; slot++ {
		if err := p.rollbackJournal(slot); err != nil {
			return err
		}
	}
	return nil
}

// undoAlloc returns a journaled block to its free list. A null or
// never-published candidate (allocated flag still clear) is skipped: the
// crash happened before the allocation took effect.
func (p *Pool) undoAlloc(addr Addr) {
	if addr.IsNull() {
		return
	}
	hdr := uint64(addr) - blockHdrSize
	if hdr < heapOff || uint64(addr) > p.size {
		return
	}
	if codec.Uint32(p.data[hdr+4:])&blockAllocated == 0 {
		return
	}
	p.freeBlockLocked(addr)
}
