// Package writer implements the single consumer that maps absolute
// payload offsets onto the torrent's multi-file on-disk layout. It is
// the sole owner of the output files' descriptors; no other component
// touches them.
package writer

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/bealr/goleech/internal/metainfo"
)

// ErrWriteFailed wraps any OS-level error encountered while writing an
// output file.
var ErrWriteFailed = errors.New("writer: write failed")

// Block is a delivered chunk of payload bytes destined for the
// absolute byte range [Offset, Offset+len(Bytes)).
type Block struct {
	Offset int64
	Bytes  []byte
}

// Writer owns the open output file handles for one torrent's content
// layout and applies delivered blocks to them.
type Writer struct {
	m     metainfo.Metainfo
	files []*os.File
}

// New constructs a Writer for m, writing files under outputDir. It
// creates, opens and sizes every output file up front, before the
// first WriteBlock.
func New(m metainfo.Metainfo, outputDir string) (*Writer, error) {
	w := &Writer{m: m, files: make([]*os.File, len(m.Files))}
	if err := w.prepare(outputDir); err != nil {
		return nil, err
	}
	return w, nil
}

func (w *Writer) prepare(outputDir string) error {
	for i, f := range w.m.Files {
		path := w.m.OutputPath(outputDir, f)
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return fmt.Errorf("%w: creating directory for %s: %v", ErrWriteFailed, path, err)
		}

		fh, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0o644)
		if err != nil {
			return fmt.Errorf("%w: opening %s: %v", ErrWriteFailed, path, err)
		}
		if err := fh.Truncate(f.Length); err != nil {
			fh.Close()
			return fmt.Errorf("%w: truncating %s to %d: %v", ErrWriteFailed, path, f.Length, err)
		}
		w.files[i] = fh
	}
	return nil
}

// WriteBlock splits b across every file its byte range overlaps,
// writing each file's portion at the correct in-file offset. Writing
// the same block twice is safe and yields identical file contents.
func (w *Writer) WriteBlock(b Block) error {
	offset := b.Offset
	remaining := b.Bytes

	for i, f := range w.m.Files {
		if len(remaining) == 0 {
			break
		}
		fileEnd := f.Offset + f.Length
		if offset >= fileEnd {
			continue
		}
		if offset < f.Offset {
			// Offset precedes this file entirely; since files are
			// ordered and non-overlapping, no earlier file could have
			// matched either — this indicates a block starting before
			// any file's range, which should not happen for a valid
			// metainfo, but we skip defensively rather than write out
			// of bounds.
			continue
		}

		writeLen := int64(len(remaining))
		if room := fileEnd - offset; writeLen > room {
			writeLen = room
		}

		if _, err := w.files[i].WriteAt(remaining[:writeLen], offset-f.Offset); err != nil {
			return fmt.Errorf("%w: writing %s at %d: %v", ErrWriteFailed, w.m.OutputPath("", f), offset-f.Offset, err)
		}

		remaining = remaining[writeLen:]
		offset += writeLen
	}

	return nil
}

// ReadPiece reads back the full content of piece i, for optional
// hash-verification hooks. It assumes every block of the piece has
// already been written.
func (w *Writer) ReadPiece(i int) ([]byte, error) {
	size := w.m.PieceSize(i)
	pieceStart := int64(i) * w.m.PieceLength
	buf := make([]byte, size)

	offset := pieceStart
	remaining := buf

	for fi, f := range w.m.Files {
		if len(remaining) == 0 {
			break
		}
		fileEnd := f.Offset + f.Length
		if offset >= fileEnd || offset < f.Offset {
			continue
		}
		readLen := int64(len(remaining))
		if room := fileEnd - offset; readLen > room {
			readLen = room
		}
		if _, err := w.files[fi].ReadAt(remaining[:readLen], offset-f.Offset); err != nil {
			return nil, fmt.Errorf("reading piece %d back from %s: %w", i, w.m.OutputPath("", f), err)
		}
		remaining = remaining[readLen:]
		offset += readLen
	}

	return buf, nil
}

// Close closes every open output file.
func (w *Writer) Close() error {
	var firstErr error
	for _, f := range w.files {
		if f == nil {
			continue
		}
		if err := f.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
