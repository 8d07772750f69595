// Package queue implements the per-peer FIFO of outstanding block
// descriptors a session works through, plus its choke flag. A Queue is
// owned by exactly one session goroutine and is not safe for
// concurrent use.
package queue

import (
	"github.com/bealr/goleech/internal/metainfo"
	"github.com/bealr/goleech/internal/wire"
)

// Queue is a per-peer FIFO of blocks to request, with no
// deduplication: the piece ledger is the sole authority on whether a
// block is still needed.
type Queue struct {
	choked bool
	blocks []wire.BlockRef
}

// New constructs a Queue, initially choked with an empty FIFO.
func New() *Queue {
	return &Queue{choked: true}
}

// EnqueuePiece appends every block of piece i, in order, to the
// back of the FIFO.
func (q *Queue) EnqueuePiece(m metainfo.Metainfo, i int) {
	blocks := m.BlocksInPiece(i)
	for j := 0; j < blocks; j++ {
		q.blocks = append(q.blocks, wire.BlockRef{
			PieceIndex: uint32(i),
			Begin:      uint32(j) * metainfo.BlockLen,
			Length:     uint32(m.BlockSize(i, j)),
		})
	}
}

// PopFront removes and returns the block at the front of the FIFO.
func (q *Queue) PopFront() (wire.BlockRef, bool) {
	if len(q.blocks) == 0 {
		return wire.BlockRef{}, false
	}
	b := q.blocks[0]
	q.blocks = q.blocks[1:]
	return b, true
}

// Len returns the number of blocks currently queued.
func (q *Queue) Len() int {
	return len(q.blocks)
}

// Choked reports whether the peer currently has this client choked.
func (q *Queue) Choked() bool {
	return q.choked
}

// SetChoked updates the choke flag.
func (q *Queue) SetChoked(choked bool) {
	q.choked = choked
}
