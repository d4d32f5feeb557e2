package pmem

import "github.com/coocood/badger/y"

// Heap blocks carry a 16 byte header in front of the user data:
//
//	class (4) | flags (4) | next (8)
//
// next links blocks of the same class on the free list and is meaningful
// only while the block is free. Addr values handed out point at the user
// data, not the header.
const (
	blockHdrSize = 16

	blockAllocated uint32 = 1

	// rootClass marks the root block, which is allocated once and never
	// freed, so it needs no free-list slot.
	rootClass = ^uint32(0)
)

func (p *Pool) freeHead(class uint32) Addr {
	return Addr(codec.Uint64(p.data[freeListOff+uint64(class)*8:]))
}

func (p *Pool) setFreeHead(class uint32, head Addr) {
	off := freeListOff + uint64(class)*8
	codec.PutUint64(p.data[off:], uint64(head))
	p.persist(off, 8)
}

// chooseBlockLocked picks the block an allocation of the given class would
// return, without publishing it. The caller journals the candidate first so
// a crash between journaling and publication can be undone.
func (p *Pool) chooseBlockLocked(blockSize int, class uint32) (addr Addr, fromList bool, err error) {
	if class < maxClasses {
		if head := p.freeHead(class); !head.IsNull() {
			return head, true, nil
		}
	}
	tail := (p.heapTail + 7) &^ 7
	if tail+blockHdrSize+uint64(blockSize) > p.size {
		return NullAddr, false, ErrOutOfSpace
	}
	return Addr(tail + blockHdrSize), false, nil
}

// publishBlockLocked publishes the allocation. For a free-list pop the list
// head is redirected before the block header is rewritten, so a crash in
// between leaks the block without ever corrupting the chain; the allocated
// flag becomes durable last and is what recovery keys on. For a bump
// allocation the header is durable before the heap tail advances.
func (p *Pool) publishBlockLocked(addr Addr, fromList bool, blockSize int, class uint32) {
	hdr := uint64(addr) - blockHdrSize
	if fromList {
		p.setFreeHead(class, Addr(codec.Uint64(p.data[hdr+8:])))
	}
	codec.PutUint32(p.data[hdr:], class)
	codec.PutUint32(p.data[hdr+4:], blockAllocated)
	codec.PutUint64(p.data[hdr+8:], 0)
	p.persist(hdr, blockHdrSize)

	if !fromList {
		p.heapTail = hdr + blockHdrSize + uint64(blockSize)
		codec.PutUint64(p.data[hdrHeapTailOff:], p.heapTail)
		p.persist(hdrHeapTailOff, 8)
	}
}

func (p *Pool) allocBlockLocked(blockSize int, class uint32) (Addr, error) {
	addr, fromList, err := p.chooseBlockLocked(blockSize, class)
	if err != nil {
		return NullAddr, err
	}
	p.publishBlockLocked(addr, fromList, blockSize, class)
	return addr, nil
}

// freeBlockLocked pushes the block back on its class free list. The block
// is relinked durably before the list head is redirected, so a crash in
// between leaks the block instead of corrupting the list.
func (p *Pool) freeBlockLocked(addr Addr) {
	hdr := uint64(addr) - blockHdrSize
	y.AssertTruef(hdr >= heapOff && uint64(addr) <= p.size, "free of address %d outside heap", addr)
	class := codec.Uint32(p.data[hdr:])
	flags := codec.Uint32(p.data[hdr+4:])
	y.AssertTruef(flags&blockAllocated != 0, "double free of block at %d", addr)
	y.AssertTruef(class < maxClasses, "free of root block at %d", addr)

	codec.PutUint64(p.data[hdr+8:], uint64(p.freeHead(class)))
	codec.PutUint32(p.data[hdr+4:], 0)
	p.persist(hdr, blockHdrSize)
	p.setFreeHead(class, addr)
}
