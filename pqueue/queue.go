// Package pqueue is a persistent FIFO queue built on the txn layer. It is
// a reference client: every mutation of the persistent structure is
// pre-image logged before it is applied, so the queue survives a crash at
// any point with either the old or the new state, never a torn one.
package pqueue

import (
	"encoding/binary"

	"github.com/bobotu/pmtx/pmem"
	"github.com/bobotu/pmtx/txn"
)

var codec = binary.LittleEndian

// The queue root is head (8) | tail (8). Nodes are next (8) | vlen (4)
// followed by vlen bytes of payload.
const (
	rootSize    = 16
	nodeHdrSize = 12
)

type queueNode struct {
	next pmem.Addr
	vlen uint32
}

// Queue is a persistent FIFO queue. Concurrent Enqueue/Dequeue must be
// serialized by the caller; the queue only guarantees crash atomicity of
// each operation. The queue keeps one session for its lifetime.
type Queue struct {
	rt   *txn.Runtime
	s    *txn.Session
	root pmem.Addr
}

// Open maps (or creates) the pool at path and recovers or bootstraps the
// queue root.
func Open(path string, size int64) (*Queue, error) {
	rt, err := txn.Open(path, size, rootSize)
	if err != nil {
		return nil, err
	}
	s, err := rt.Session()
	if err != nil {
		rt.Close()
		return nil, err
	}
	if rt.Root().IsNull() {
		if _, err = s.Alloc(rootSize); err != nil {
			s.Release()
			rt.Close()
			return nil, err
		}
	}
	return &Queue{rt: rt, s: s, root: rt.Root()}, nil
}

func (q *Queue) Close() error {
	q.s.Release()
	return q.rt.Close()
}

// Runtime exposes the transaction layer backing this queue.
func (q *Queue) Runtime() *txn.Runtime {
	return q.rt
}

// Enqueue appends val in one transaction.
func (q *Queue) Enqueue(val []byte) error {
	s := q.s
	if err := s.Begin(); err != nil {
		return err
	}

	node, err := s.Alloc(nodeHdrSize + len(val))
	if err != nil {
		s.Abort()
		return err
	}

	buf := make([]byte, nodeHdrSize+len(val))
	codec.PutUint32(buf[8:], uint32(len(val)))
	copy(buf[nodeHdrSize:], val)
	s.LogValue(val)
	s.LogPtr(node, len(buf))
	s.Write(node, buf)

	var link [16]byte
	codec.PutUint64(link[:8], uint64(node))
	codec.PutUint64(link[8:], uint64(node))

	tail := pmem.Addr(codec.Uint64(q.rt.Bytes(q.root+8, 8)))
	if tail.IsNull() {
		// empty queue: install the node as both head and tail
		s.LogPtr(q.root, rootSize)
		s.Write(q.root, link[:])
	} else {
		s.LogPtr(tail, 8)
		s.Write(tail, link[:8])
		s.LogPtr(q.root+8, 8)
		s.Write(q.root+8, link[8:])
	}
	return s.Commit()
}

// Dequeue removes and returns the oldest value. The second return is false
// when the queue is empty.
func (q *Queue) Dequeue() ([]byte, bool, error) {
	s := q.s
	if err := s.Begin(); err != nil {
		return nil, false, err
	}

	p := q.rt.Pool()
	head := pmem.Addr(codec.Uint64(q.rt.Bytes(q.root, 8)))
	if head.IsNull() {
		if err := s.Commit(); err != nil {
			return nil, false, err
		}
		return nil, false, nil
	}

	n := (*queueNode)(p.Pointer(head))
	val := make([]byte, n.vlen)
	copy(val, p.Bytes(head+nodeHdrSize, int(n.vlen)))

	var link [16]byte
	codec.PutUint64(link[:8], uint64(n.next))
	if n.next.IsNull() {
		// queue drained: clear the tail as well
		s.LogPtr(q.root, rootSize)
		s.Write(q.root, link[:])
	} else {
		s.LogPtr(q.root, 8)
		s.Write(q.root, link[:8])
	}
	s.Free(head)
	if err := s.Commit(); err != nil {
		return nil, false, err
	}
	return val, true, nil
}

// Len walks the queue. Diagnostic; not crash consistent with concurrent
// mutation.
func (q *Queue) Len() int {
	p := q.rt.Pool()
	n := 0
	for addr := pmem.Addr(codec.Uint64(q.rt.Bytes(q.root, 8))); !addr.IsNull(); {
		n++
		addr = (*queueNode)(p.Pointer(addr)).next
	}
	return n
}
