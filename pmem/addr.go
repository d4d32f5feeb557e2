package pmem

// Addr is a pool-relative offset of a persistent object. Persistent
// structures must store Addr values instead of raw pointers because the
// address the pool is mapped at changes across restarts.
type Addr uint64

// NullAddr is the zero Addr. Offset 0 falls inside the pool header, so no
// object can ever live there.
const NullAddr Addr = 0

func (a Addr) IsNull() bool {
	return a == NullAddr
}
