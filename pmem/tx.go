package pmem

import (
	"sync/atomic"

	"github.com/coocood/badger/y"
)

// Stage reports where a store transaction is in its lifecycle.
type Stage int

const (
	StageNone Stage = iota
	StageWork
	StageCommitted
	StageAborted
)

// Tx is the store's native transaction. Writes apply in place but are
// pre-imaged into the slot's undo journal first, so an interrupted
// transaction is rolled back when the pool is next opened. Each session slot
// drives at most one Tx at a time, and a Tx never migrates between
// goroutines.
type Tx struct {
	p     *Pool
	slot  int
	stage Stage
	jcur  int
	freed []Addr
}

// TxBegin starts a native transaction on the given session slot.
func (p *Pool) TxBegin(slot int) *Tx {
	y.AssertTruef(slot >= 0 && slot < MaxSessions, "invalid session slot %d", slot)
	atomic.AddInt32(&p.openTxs, 1)
	return &Tx{p: p, slot: slot, stage: StageWork}
}

// Stage is safe to call on a nil Tx, which reports StageNone.
func (tx *Tx) Stage() Stage {
	if tx == nil {
		return StageNone
	}
	return tx.stage
}

// Write durably journals the current content of the target range, then
// applies and persists the new content in place.
func (tx *Tx) Write(addr Addr, data []byte) {
	y.AssertTruef(tx.Stage() == StageWork, "transactional write outside store transaction")
	tx.jcur = tx.p.journalWrite(tx.slot, tx.jcur, addr, len(data))
	tx.p.PersistCopy(addr, data)
}

// Alloc hands out a block of the given size class. The candidate block is
// journaled before it is published, so a crash at any point either leaves
// the allocation invisible or lets recovery return it to the free list.
func (tx *Tx) Alloc(blockSize int, class uint32) (Addr, error) {
	y.AssertTruef(tx.Stage() == StageWork, "allocation outside store transaction")
	y.AssertTruef(class < maxClasses, "size class %d out of range", class)

	p := tx.p
	p.mu.Lock()
	defer p.mu.Unlock()
	addr, fromList, err := p.chooseBlockLocked(blockSize, class)
	if err != nil {
		return NullAddr, err
	}
	tx.jcur = p.journalAlloc(tx.slot, tx.jcur, addr)
	p.publishBlockLocked(addr, fromList, blockSize, class)
	return addr, nil
}

// Free releases a block at commit. Deferring the actual free keeps an
// interrupted transaction from losing blocks it still references.
func (tx *Tx) Free(addr Addr) {
	y.AssertTruef(tx.Stage() == StageWork, "free outside store transaction")
	y.AssertTruef(!addr.IsNull(), "free of null address")
	tx.freed = append(tx.freed, addr)
}

// Commit invalidates the undo journal, making every write of this
// transaction permanent, and then performs the deferred frees.
func (tx *Tx) Commit() error {
	y.AssertTruef(tx.stage == StageWork, "commit outside store transaction")
	tx.p.journalReset(tx.slot)
	if len(tx.freed) > 0 {
		tx.p.mu.Lock()
		for _, addr := range tx.freed {
			tx.p.freeBlockLocked(addr)
		}
		tx.p.mu.Unlock()
		tx.freed = tx.freed[:0]
	}
	tx.stage = StageCommitted
	return nil
}

// Abort rolls the transaction back in place by replaying its own undo
// journal, restoring every journaled range and returning every journaled
// allocation. Deferred frees are dropped.
func (tx *Tx) Abort() {
	y.AssertTruef(tx.stage == StageWork, "abort outside store transaction")
	tx.p.mu.Lock()
	err := tx.p.rollbackJournal(tx.slot)
	tx.p.mu.Unlock()
	y.Check(err)
	tx.freed = tx.freed[:0]
	tx.stage = StageAborted
}

// End closes the transaction. Ending a transaction that was neither
// committed nor aborted leaves its journal valid; the changes are rolled
// back at next open.
func (tx *Tx) End() {
	y.AssertTruef(tx.stage != StageNone, "end without begin")
	tx.stage = StageNone
	atomic.AddInt32(&tx.p.openTxs, -1)
}
