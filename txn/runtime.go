// Package txn is a crash-consistent transaction layer for byte-addressable
// persistent memory. Every mutation of persistent state is described by a
// log record that becomes durable before the mutation itself, so reopening
// the pool after a crash at any point observes either the pre-transaction
// state or the fully committed state, never a partial one.
//
// The layer provides durability and atomicity only. Callers serialize
// structural mutations themselves; sessions are not shared between
// goroutines.
package txn

import (
	"sync"
	"sync/atomic"

	"github.com/bobotu/pmtx/pmem"
	"github.com/coocood/badger/y"
)

// Runtime ties a persistent pool to the transaction layer. One Runtime per
// pool, one pool per process.
type Runtime struct {
	pool     *pmem.Pool
	rootSize int
	root     uint64 // atomic, cached root address
	obs      WriteObserver

	mu        sync.Mutex
	freeSlots []int
}

// Open maps the pool at path and runs recovery: first the store rolls back
// interrupted native transactions, then every session log left valid has
// its pointer-record pre-images restored. rootSize is the byte size of the
// root object; an allocation of exactly this size bootstraps the root.
func Open(path string, size int64, rootSize int) (*Runtime, error) {
	y.AssertTruef(rootSize > 0, "root size must be positive")
	p, err := pmem.Open(path, size)
	if err != nil {
		return nil, err
	}
	rt := &Runtime{pool: p, rootSize: rootSize, obs: nopObserver{}}
	rt.freeSlots = make([]int, 0, pmem.MaxSessions)
	for slot := pmem.MaxSessions - 1; slot >= 0; slot-- {
		rt.freeSlots = append(rt.freeSlots, slot)
	}
	if err := rt.recoverSessions(); err != nil {
		p.Close()
		return nil, err
	}
	atomic.StoreUint64(&rt.root, uint64(p.RootAddr()))
	return rt, nil
}

// Close releases the pool. Fails with pmem.ErrPoolBusy while a transaction
// is open.
func (rt *Runtime) Close() error {
	return rt.pool.Close()
}

// Pool exposes the underlying store for direct reads and pointer
// translation.
func (rt *Runtime) Pool() *pmem.Pool {
	return rt.pool
}

// Root returns the root object address, or null before the first root-sized
// allocation installed it.
func (rt *Runtime) Root() pmem.Addr {
	return pmem.Addr(atomic.LoadUint64(&rt.root))
}

// Bytes is shorthand for Pool().Bytes.
func (rt *Runtime) Bytes(addr pmem.Addr, n int) []byte {
	return rt.pool.Bytes(addr, n)
}

// SetObserver installs the write observer. A nil observer restores the
// no-op default.
func (rt *Runtime) SetObserver(obs WriteObserver) {
	if obs == nil {
		obs = nopObserver{}
	}
	rt.obs = obs
}

// Session hands out a free session slot. Sessions are not safe for
// concurrent use; a goroutine keeps its session for the duration of its
// work and releases it when done.
func (rt *Runtime) Session() (*Session, error) {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	if len(rt.freeSlots) == 0 {
		return nil, ErrSessionLimit
	}
	slot := rt.freeSlots[len(rt.freeSlots)-1]
	rt.freeSlots = rt.freeSlots[:len(rt.freeSlots)-1]
	return &Session{
		rt:        rt,
		slot:      slot,
		logAddr:   pmem.LogRegionAddr(slot),
		staging:   make([]byte, pmem.LogRegionSize),
		writeOff:  logHdrSize,
		published: logHdrSize,
	}, nil
}

// ensureRoot resolves the cold-start race to create the root object. The
// store-side reservation is idempotent and the cached pointer is installed
// with a single compare-and-swap, so every racing caller observes the same
// address and no lock is taken.
func (rt *Runtime) ensureRoot() (pmem.Addr, error) {
	addr, err := rt.pool.RootReserve(rt.rootSize)
	if err != nil {
		return pmem.NullAddr, err
	}
	if atomic.CompareAndSwapUint64(&rt.root, 0, uint64(addr)) {
		return addr, nil
	}
	return pmem.Addr(atomic.LoadUint64(&rt.root)), nil
}
