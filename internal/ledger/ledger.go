// Package ledger implements the process-wide, shared-mutable piece
// accounting structure: which blocks have been requested of some peer
// and which have actually arrived, with the refresh-on-exhaustion
// recovery mechanism for lost or slow blocks.
package ledger

import (
	"sync"

	"github.com/RoaringBitmap/roaring"

	"github.com/bealr/goleech/internal/metainfo"
	"github.com/bealr/goleech/internal/wire"
)

// Ledger is the shared, mutex-guarded record of requested and
// received blocks across every peer session for one torrent. Every
// access is a short critical section: array/bitmap indexing and a
// bool-equivalent flip, never a blocking operation.
type Ledger struct {
	mu sync.Mutex

	m metainfo.Metainfo

	// blockOffset[i] is the flattened index of piece i's first block,
	// i.e. the cumulative block count of every preceding piece.
	blockOffset []uint32
	totalBlocks uint32

	requested *roaring.Bitmap
	received  *roaring.Bitmap
}

// New constructs a Ledger for m with every block marked neither
// requested nor received.
func New(m metainfo.Metainfo) *Ledger {
	offsets := make([]uint32, m.PieceCount())
	var cumulative uint32
	for i := 0; i < m.PieceCount(); i++ {
		offsets[i] = cumulative
		cumulative += uint32(m.BlocksInPiece(i))
	}

	return &Ledger{
		m:           m,
		blockOffset: offsets,
		totalBlocks: cumulative,
		requested:   roaring.New(),
		received:    roaring.New(),
	}
}

func (l *Ledger) flatIndex(b wire.BlockRef) uint32 {
	j := b.Begin / metainfo.BlockLen
	return l.blockOffset[b.PieceIndex] + j
}

// MarkRequested records that b has been asked of some peer.
func (l *Ledger) MarkRequested(b wire.BlockRef) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.requested.Add(l.flatIndex(b))
}

// MarkReceived records that b has arrived and updates completion.
func (l *Ledger) MarkReceived(b wire.BlockRef) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.received.Add(l.flatIndex(b))
}

// Needed reports whether b still needs to be requested. If every
// block has already been requested, it first refreshes the requested
// set to match the received set (an atomic clone-and-swap under the
// same lock), which reissues outstanding-but-unfulfilled requests to
// whichever peer asks next.
func (l *Ledger) Needed(b wire.BlockRef) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	if uint64(l.requested.GetCardinality()) >= uint64(l.totalBlocks) {
		l.requested = l.received.Clone()
	}

	return !l.requested.Contains(l.flatIndex(b))
}

// IsDone reports whether every block of every piece has been
// received.
func (l *Ledger) IsDone() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return uint64(l.received.GetCardinality()) >= uint64(l.totalBlocks)
}

// Percent returns the fraction of blocks received, in [0, 1].
func (l *Ledger) Percent() float64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.totalBlocks == 0 {
		return 1
	}
	return float64(l.received.GetCardinality()) / float64(l.totalBlocks)
}

// PieceComplete reports whether every block of piece i has been
// received.
func (l *Ledger) PieceComplete(i int) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	start := uint64(l.blockOffset[i])
	end := start + uint64(l.m.BlocksInPiece(i))
	for idx := start; idx < end; idx++ {
		if !l.received.Contains(uint32(idx)) {
			return false
		}
	}
	return true
}

// ResetPiece clears the requested and received flags for every block
// of piece i, causing it to be re-requested. This is the recovery
// path for a failed piece-hash verification (see the engine's optional
// VerifyPieces setting).
func (l *Ledger) ResetPiece(i int) {
	l.mu.Lock()
	defer l.mu.Unlock()
	start := uint64(l.blockOffset[i])
	end := start + uint64(l.m.BlocksInPiece(i))
	for idx := start; idx < end; idx++ {
		l.requested.Remove(uint32(idx))
		l.received.Remove(uint32(idx))
	}
}
