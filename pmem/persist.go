package pmem

import (
	"github.com/coocood/badger/y"
	"golang.org/x/sys/unix"
)

// persist flushes the byte range [off, off+n) to the backing media. The
// msync range is widened to page boundaries.
func (p *Pool) persist(off, n uint64) {
	if n == 0 {
		return
	}
	start := off &^ (pageSize - 1)
	end := (off + n + pageSize - 1) &^ (pageSize - 1)
	if end > p.size {
		end = p.size
	}
	err := unix.Msync(p.data[start:end], unix.MS_SYNC)
	y.Check(err)
}

// Drain blocks until every prior write to the pool is durable.
func (p *Pool) Drain() {
	err := unix.Msync(p.data, unix.MS_SYNC)
	y.Check(err)
}

// PersistCopy copies src to dst and flushes it as one durable range.
func (p *Pool) PersistCopy(dst Addr, src []byte) {
	copy(p.Bytes(dst, len(src)), src)
	p.persist(uint64(dst), uint64(len(src)))
}
