package txn

import (
	"github.com/bobotu/pmtx/pmem"
	"github.com/coocood/badger/y"
	"github.com/pingcap/failpoint"
)

// Session is the per-goroutine transaction context. It owns one log slot in
// the pool and a volatile staging buffer mirroring the slot byte for byte.
// Records accumulate in the staging mirror and are published to the durable
// slot before any mutation they describe is applied.
//
// A session drives one transaction at a time: Begin, log and write, Commit.
type Session struct {
	rt      *Runtime
	slot    int
	logAddr pmem.Addr

	staging   []byte
	writeOff  int
	published int

	bytesWritten uint64
	native       *pmem.Tx
}

// Release returns the slot to the runtime. Releasing a session with an
// open transaction is a programming error.
func (s *Session) Release() {
	y.AssertTruef(s.native.Stage() == pmem.StageNone, "release with open transaction")
	y.AssertTruef(s.slot >= 0, "session already released")
	s.rt.mu.Lock()
	s.rt.freeSlots = append(s.rt.freeSlots, s.slot)
	s.rt.mu.Unlock()
	s.slot = -1
}

// Begin opens a transaction. Prior writes are drained first so the log to
// be trusted cannot precede them, the validity flag is staged and the whole
// staged region (header plus any pre-staged records) is durably published,
// and only then does the store's native transaction start.
//
// Begin with a transaction already open is a programming error.
func (s *Session) Begin() error {
	y.AssertTruef(s.slot >= 0, "session already released")
	y.AssertTruef(s.native.Stage() == pmem.StageNone, "transaction already open on session")
	p := s.rt.pool
	p.Drain()
	s.staging[0] = 1
	s.published = 0
	s.publishLog()
	failpoint.Inject("begin-after-log-persist-fp", func() {})
	s.native = p.TxBegin(s.slot)
	return nil
}

// publishLog makes the staged records durable up to writeOff, with a zero
// terminator so recovery knows where this transaction's batch ends. The
// terminator byte is rewritten by the next append.
func (s *Session) publishLog() {
	if s.published == s.writeOff {
		return
	}
	s.staging[s.writeOff] = 0
	s.rt.pool.PersistCopy(s.logAddr+pmem.Addr(s.published), s.staging[s.published:s.writeOff+1])
	s.published = s.writeOff
}

// LogPtr stages a pointer record carrying the current (pre-mutation)
// content of the size bytes at addr. Must be called before the range is
// mutated. The root object itself is never logged: its identity is
// recoverable structurally.
//
// Calling LogPtr outside a transaction is a programming error.
func (s *Session) LogPtr(addr pmem.Addr, size int) {
	y.AssertTruef(s.native.Stage() != pmem.StageNone, "pointer log outside transaction")
	if root := s.rt.Root(); !root.IsNull() && addr == root {
		return
	}
	pre := s.rt.pool.Bytes(addr, size)
	y.AssertTruef(s.writeOff+ptrRecordOverhead+size+1 <= len(s.staging), "log region overflow")
	s.writeOff += putPtrRecord(s.staging[s.writeOff:], addr, pre)
}

// LogValue stages a value record for the given logical value. Value records
// are diagnostic; recovery does not replay them.
func (s *Session) LogValue(val []byte) {
	y.AssertTruef(s.native.Stage() != pmem.StageNone, "value log outside transaction")
	y.AssertTruef(s.writeOff+valRecordOverhead+len(val)+1 <= len(s.staging), "log region overflow")
	s.writeOff += putValRecord(s.staging[s.writeOff:], val)
}

// Write applies a mutation through the store's transactional write path.
// Any records staged since the last publish become durable first, keeping
// the log ahead of every mutation it describes.
func (s *Session) Write(addr pmem.Addr, data []byte) {
	y.AssertTruef(s.native.Stage() == pmem.StageWork, "write outside transaction")
	s.publishLog()
	s.native.Write(addr, data)
	s.observe(len(data))
}

// Alloc returns a block serving at least size bytes. A root-sized
// allocation outside an open transaction always resolves to the root
// object, installing it on first use; racing callers all observe the
// winner's address, no matter how late they arrive. Every other allocation
// requires an open transaction and is undone if the transaction never
// commits.
func (s *Session) Alloc(size int) (pmem.Addr, error) {
	y.AssertTruef(size > 0, "allocation of non-positive size %d", size)
	if size == s.rt.rootSize && (s.rt.Root().IsNull() || s.native.Stage() == pmem.StageNone) {
		return s.rt.ensureRoot()
	}
	y.AssertTruef(s.native.Stage() == pmem.StageWork, "allocation outside transaction")
	cls := classify(size)
	return s.native.Alloc(classes[cls].blockSize, uint32(cls))
}

// Free releases a block at commit time. Requires an open transaction.
func (s *Session) Free(addr pmem.Addr) {
	y.AssertTruef(s.native.Stage() == pmem.StageWork, "free outside transaction")
	s.native.Free(addr)
}

// Commit finishes the transaction: the validity flag is durably cleared,
// the store's native transaction commits, and the log cursor resets to the
// header. A failed native commit is fatal; this layer cannot reason about
// partially applied state.
func (s *Session) Commit() error {
	y.AssertTruef(s.native.Stage() == pmem.StageWork, "commit without open transaction")
	s.publishLog()
	failpoint.Inject("commit-before-clear-fp", func() {})
	s.staging[0] = 0
	s.rt.pool.PersistCopy(s.logAddr, s.staging[:1])
	failpoint.Inject("commit-before-native-fp", func() {})
	err := s.native.Commit()
	y.Check(err)
	s.native.End()
	s.native = nil
	s.writeOff = logHdrSize
	s.published = logHdrSize
	return nil
}

// Abort rolls the transaction back in place through the store's abort path
// and invalidates the published log. Used when an operation inside the
// transaction (typically an allocation) fails and the caller wants the
// pre-transaction state back without reopening the pool.
func (s *Session) Abort() {
	y.AssertTruef(s.native.Stage() == pmem.StageWork, "abort without open transaction")
	s.native.Abort()
	s.staging[0] = 0
	s.rt.pool.PersistCopy(s.logAddr, s.staging[:1])
	s.native.End()
	s.native = nil
	s.writeOff = logHdrSize
	s.published = logHdrSize
}

// BytesWritten reports the bytes this session has written through the
// transactional write path. Diagnostic only.
func (s *Session) BytesWritten() uint64 {
	return s.bytesWritten
}

func (s *Session) observe(n int) {
	s.bytesWritten += uint64(n)
	s.rt.obs.OnWrite(n)
}
