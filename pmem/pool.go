package pmem

import (
	"fmt"
	"os"
	"sync"
	"sync/atomic"
	"unsafe"

	"github.com/coocood/badger/y"
	farm "github.com/dgryski/go-farm"
	"github.com/google/uuid"
	"golang.org/x/sys/unix"
)

// Pool is a memory-mapped persistent region. It owns a single root object,
// a block heap with per-class free lists, and one undo journal plus one log
// region per session slot.
//
// The mapping address is stable for the life of the process but not across
// restarts, so everything persistent is addressed by pool-relative Addr.
type Pool struct {
	path string
	data []byte
	size uint64

	// volatile mirror of the mutable header fields
	rootAddr uint64 // atomic
	rootSize uint64
	heapTail uint64

	// mu guards the heap metadata (free lists, heapTail) and root
	// reservation.
	mu sync.Mutex

	openTxs int32 // atomic
}

// Open maps the pool file at path, creating it when it does not exist.
// Opening an existing pool verifies the header and replays the undo journals
// of interrupted store transactions before the pool is returned.
func Open(path string, size int64) (*Pool, error) {
	if size < MinPoolSize || size%pageSize != 0 {
		return nil, fmt.Errorf("%w: pool size %d must be page aligned and at least %d", ErrPoolUnavailable, size, int64(MinPoolSize))
	}

	fresh := false
	f, err := os.OpenFile(path, os.O_RDWR, 0666)
	if os.IsNotExist(err) {
		f, err = os.OpenFile(path, os.O_RDWR|os.O_CREATE|os.O_EXCL, 0666)
		fresh = true
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrPoolUnavailable, err)
	}
	defer f.Close()

	if fresh {
		if err := unix.Ftruncate(int(f.Fd()), size); err != nil {
			os.Remove(path)
			return nil, fmt.Errorf("%w: truncate: %v", ErrPoolUnavailable, err)
		}
	} else {
		st, err := f.Stat()
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrPoolUnavailable, err)
		}
		if st.Size() != size {
			return nil, fmt.Errorf("%w: file is %d bytes, pool expects %d", ErrPoolUnavailable, st.Size(), size)
		}
	}

	data, err := unix.Mmap(int(f.Fd()), 0, int(size), unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		return nil, fmt.Errorf("%w: mmap: %v", ErrPoolUnavailable, err)
	}

	p := &Pool{path: path, data: data, size: uint64(size)}
	if fresh {
		p.format()
		return p, nil
	}
	if err := p.load(); err != nil {
		unix.Munmap(data)
		return nil, err
	}
	if err := p.recoverJournals(); err != nil {
		unix.Munmap(data)
		return nil, err
	}
	return p, nil
}

// format stamps the header of a freshly created pool. The file is born
// zeroed, so the metadata regions need no explicit clearing.
func (p *Pool) format() {
	hdr := p.data[:headerSize]
	copy(hdr[hdrMagicOff:], magic)
	codec.PutUint16(hdr[hdrVersionOff:], version)
	id := uuid.New()
	copy(hdr[hdrUUIDOff:], id[:])
	codec.PutUint64(hdr[hdrSizeOff:], p.size)
	codec.PutUint64(hdr[hdrChecksumOff:], farm.Fingerprint64(hdr[:hdrChecksumOff]))
	codec.PutUint64(hdr[hdrRootOff:], 0)
	codec.PutUint64(hdr[hdrRootSizeOff:], 0)
	p.heapTail = heapOff
	codec.PutUint64(hdr[hdrHeapTailOff:], p.heapTail)
	p.persist(0, headerSize)
}

// load verifies the header of an existing pool and fills the volatile
// mirrors of its mutable fields.
func (p *Pool) load() error {
	hdr := p.data[:headerSize]
	if string(hdr[hdrMagicOff:hdrMagicOff+4]) != magic {
		return fmt.Errorf("%w: bad magic", ErrPoolUnavailable)
	}
	if v := codec.Uint16(hdr[hdrVersionOff:]); v != version {
		return fmt.Errorf("%w: layout version %d, want %d", ErrPoolUnavailable, v, version)
	}
	if sz := codec.Uint64(hdr[hdrSizeOff:]); sz != p.size {
		return fmt.Errorf("%w: header size %d, pool opened with %d", ErrPoolUnavailable, sz, p.size)
	}
	if sum := codec.Uint64(hdr[hdrChecksumOff:]); sum != farm.Fingerprint64(hdr[:hdrChecksumOff]) {
		return fmt.Errorf("%w: header checksum mismatch", ErrPoolUnavailable)
	}
	atomic.StoreUint64(&p.rootAddr, codec.Uint64(hdr[hdrRootOff:]))
	p.rootSize = codec.Uint64(hdr[hdrRootSizeOff:])
	p.heapTail = codec.Uint64(hdr[hdrHeapTailOff:])
	if p.heapTail < heapOff || p.heapTail > p.size {
		return fmt.Errorf("%w: heap tail %d out of bounds", ErrPoolUnavailable, p.heapTail)
	}
	return nil
}

// Close flushes and unmaps the pool. Closing with a transaction still open
// fails with ErrPoolBusy; in normal operation all transactions finish before
// shutdown and this is defense in depth.
func (p *Pool) Close() error {
	if atomic.LoadInt32(&p.openTxs) != 0 {
		return ErrPoolBusy
	}
	p.Drain()
	return unix.Munmap(p.data)
}

// Size returns the pool capacity in bytes.
func (p *Pool) Size() uint64 {
	return p.size
}

// Bytes returns a window over the mapping. The range must lie inside the
// pool.
func (p *Pool) Bytes(addr Addr, n int) []byte {
	y.AssertTruef(n >= 0 && uint64(addr)+uint64(n) <= p.size,
		"range [%d, %d) out of pool bounds", addr, uint64(addr)+uint64(n))
	return p.data[addr : uint64(addr)+uint64(n) : uint64(addr)+uint64(n)]
}

// Pointer translates a pool-relative address to a pointer valid for this
// mapping only.
func (p *Pool) Pointer(addr Addr) unsafe.Pointer {
	y.AssertTruef(uint64(addr) < p.size, "address %d out of pool bounds", addr)
	return unsafe.Pointer(&p.data[addr])
}

// Offset translates a pointer into this mapping back to a pool-relative
// address.
func (p *Pool) Offset(ptr unsafe.Pointer) Addr {
	off := uintptr(ptr) - uintptr(unsafe.Pointer(&p.data[0]))
	y.AssertTruef(uint64(off) < p.size, "pointer does not belong to pool")
	return Addr(off)
}

// RootAddr returns the root object address, or NullAddr before the root has
// been reserved.
func (p *Pool) RootAddr() Addr {
	return Addr(atomic.LoadUint64(&p.rootAddr))
}

// RootReserve returns the root object, allocating it on first call. It is
// idempotent: later calls return the existing root, whose recorded size must
// match.
func (p *Pool) RootReserve(size int) (Addr, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if root := Addr(atomic.LoadUint64(&p.rootAddr)); !root.IsNull() {
		if p.rootSize != uint64(size) {
			return NullAddr, fmt.Errorf("%w: root is %d bytes, requested %d", ErrPoolUnavailable, p.rootSize, size)
		}
		return root, nil
	}

	addr, err := p.allocBlockLocked(size, rootClass)
	if err != nil {
		return NullAddr, err
	}
	p.rootSize = uint64(size)
	codec.PutUint64(p.data[hdrRootSizeOff:], p.rootSize)
	codec.PutUint64(p.data[hdrRootOff:], uint64(addr))
	p.persist(hdrRootOff, 16)
	atomic.StoreUint64(&p.rootAddr, uint64(addr))
	return addr, nil
}
