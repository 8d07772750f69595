package queue

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bealr/goleech/internal/metainfo"
	"github.com/bealr/goleech/internal/wire"
)

func fixture() metainfo.Metainfo {
	return metainfo.Metainfo{
		PieceLength: 32768,
		TotalSize:   32768 + 20750,
		Pieces:      make([][20]byte, 2),
	}
}

func TestNewQueueStartsChokedAndEmpty(t *testing.T) {
	q := New()
	assert.True(t, q.Choked())
	assert.Equal(t, 0, q.Len())
	_, ok := q.PopFront()
	assert.False(t, ok)
}

func TestEnqueuePiecePreservesOrder(t *testing.T) {
	m := fixture()
	q := New()
	q.EnqueuePiece(m, 1) // last piece: 2 blocks (16384, 4366)

	require.Equal(t, 2, q.Len())

	first, ok := q.PopFront()
	require.True(t, ok)
	assert.Equal(t, wire.BlockRef{PieceIndex: 1, Begin: 0, Length: 16384}, first)

	second, ok := q.PopFront()
	require.True(t, ok)
	assert.Equal(t, wire.BlockRef{PieceIndex: 1, Begin: 16384, Length: 4366}, second)

	_, ok = q.PopFront()
	assert.False(t, ok)
}

func TestSetChoked(t *testing.T) {
	q := New()
	q.SetChoked(false)
	assert.False(t, q.Choked())
	q.SetChoked(true)
	assert.True(t, q.Choked())
}

func TestEnqueueDoesNotDeduplicate(t *testing.T) {
	m := fixture()
	q := New()
	q.EnqueuePiece(m, 0)
	q.EnqueuePiece(m, 0)
	assert.Equal(t, 4, q.Len())
}
