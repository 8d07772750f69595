// Package metainfo decodes bencoded .torrent files into an immutable
// description of a torrent's content, and derives the block/piece
// geometry the rest of the client needs.
package metainfo

import (
	"bytes"
	"crypto/sha1"
	"fmt"
	"os"
	"path/filepath"
	"strconv"

	bencode "github.com/jackpal/bencode-go"
)

// BlockLen is the fixed transfer unit of the peer wire protocol.
const BlockLen = 1 << 14 // 16384

// File describes one output file within the torrent's content layout.
type File struct {
	// Path is the ordered sequence of path components, joined under
	// Metainfo.Name for multi-file torrents.
	Path []string
	// Length is the file's size in bytes.
	Length int64
	// Offset is the file's starting byte within the concatenated
	// payload (sum of the lengths of every preceding file).
	Offset int64
}

// Metainfo is the immutable, read-only-shared description of a
// torrent's content, decoded from a bencoded .torrent file.
type Metainfo struct {
	Name        string
	Announce    string
	PieceLength int64
	Pieces      [][20]byte
	Files       []File
	InfoHash    [20]byte
	TotalSize   int64
}

// rawFile mirrors the bencode "files" dictionary entries.
type rawFile struct {
	Length int64    `bencode:"length"`
	Path   []string `bencode:"path"`
}

// rawInfo mirrors the bencode "info" dictionary.
type rawInfo struct {
	PieceLength int64     `bencode:"piece length"`
	Pieces      string    `bencode:"pieces"`
	Name        string    `bencode:"name"`
	Length      int64     `bencode:"length"`
	Files       []rawFile `bencode:"files"`
}

// rawTorrentFile mirrors the bencode root dictionary of a .torrent
// file. Besides the info dictionary, only the announce URL (handed to
// the tracker collaborator) and the announce-list are decoded; the
// announce-list is not used.
type rawTorrentFile struct {
	Announce     string     `bencode:"announce"`
	AnnounceList [][]string `bencode:"announce-list"`
	Info         rawInfo    `bencode:"info"`
}

// Load reads and parses a .torrent file from path.
func Load(path string) (Metainfo, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Metainfo{}, fmt.Errorf("metainfo: reading %q: %w", path, err)
	}

	var raw rawTorrentFile
	if err := bencode.Unmarshal(bytes.NewReader(data), &raw); err != nil {
		return Metainfo{}, fmt.Errorf("metainfo: decoding %q: %w", path, err)
	}

	infoBytes, err := extractInfoBytes(data)
	if err != nil {
		return Metainfo{}, fmt.Errorf("metainfo: %w", err)
	}
	infoHash := sha1.Sum(infoBytes)

	return build(raw, infoHash)
}

func build(raw rawTorrentFile, infoHash [20]byte) (Metainfo, error) {
	info := raw.Info

	pieceBytes := []byte(info.Pieces)
	if len(pieceBytes)%20 != 0 {
		return Metainfo{}, fmt.Errorf("metainfo: pieces length %d not a multiple of 20", len(pieceBytes))
	}
	pieceCount := len(pieceBytes) / 20
	pieces := make([][20]byte, pieceCount)
	for i := range pieces {
		copy(pieces[i][:], pieceBytes[i*20:(i+1)*20])
	}

	var files []File
	var total int64
	if len(info.Files) == 0 {
		files = []File{{Path: []string{info.Name}, Length: info.Length, Offset: 0}}
		total = info.Length
	} else {
		var offset int64
		for _, f := range info.Files {
			files = append(files, File{Path: f.Path, Length: f.Length, Offset: offset})
			offset += f.Length
		}
		total = offset
	}

	if pieceCount == 0 {
		return Metainfo{}, fmt.Errorf("metainfo: no pieces")
	}
	if info.PieceLength <= 0 {
		return Metainfo{}, fmt.Errorf("metainfo: non-positive piece length %d", info.PieceLength)
	}

	m := Metainfo{
		Name:        info.Name,
		Announce:    raw.Announce,
		PieceLength: info.PieceLength,
		Pieces:      pieces,
		Files:       files,
		InfoHash:    infoHash,
		TotalSize:   total,
	}

	lastSize := m.PieceSize(pieceCount - 1)
	if lastSize <= 0 || lastSize > m.PieceLength {
		return Metainfo{}, fmt.Errorf("metainfo: invalid last piece size %d", lastSize)
	}
	wantTotal := int64(pieceCount-1)*m.PieceLength + lastSize
	if wantTotal != total {
		return Metainfo{}, fmt.Errorf("metainfo: total size %d does not match geometry %d", total, wantTotal)
	}

	return m, nil
}

// PieceCount returns the number of pieces in the torrent.
func (m Metainfo) PieceCount() int {
	return len(m.Pieces)
}

// PieceSize returns the size in bytes of piece i.
func (m Metainfo) PieceSize(i int) int64 {
	if i < m.PieceCount()-1 {
		return m.PieceLength
	}
	return m.TotalSize - int64(m.PieceCount()-1)*m.PieceLength
}

// BlocksInPiece returns the number of blocks piece i is split into.
func (m Metainfo) BlocksInPiece(i int) int {
	size := m.PieceSize(i)
	return int((size + BlockLen - 1) / BlockLen)
}

// BlockSize returns the size in bytes of block j of piece i.
func (m Metainfo) BlockSize(i, j int) int64 {
	blocks := m.BlocksInPiece(i)
	if j < blocks-1 {
		return BlockLen
	}
	return m.PieceSize(i) - int64(j)*BlockLen
}

// extractInfoBytes locates the raw bencoded bytes of the "info"
// dictionary within a .torrent file's top-level bytes, so its SHA-1
// digest can be computed independently of how the generic decoder
// re-serializes the value.
func extractInfoBytes(data []byte) ([]byte, error) {
	idx := bytes.Index(data, []byte("4:info"))
	if idx < 0 {
		return nil, fmt.Errorf("no \"4:info\" key found")
	}
	start := idx + len("4:info")

	depth := 0
	for i := start; i < len(data); i++ {
		switch b := data[i]; b {
		case 'd', 'l':
			depth++
		case 'e':
			depth--
			if depth == 0 {
				return data[start : i+1], nil
			}
		case 'i':
			j := i + 1
			for ; j < len(data) && data[j] != 'e'; j++ {
			}
			if j >= len(data) {
				return nil, fmt.Errorf("unterminated integer at byte %d", i)
			}
			i = j
		default:
			if b >= '0' && b <= '9' {
				j := i
				for ; j < len(data) && data[j] >= '0' && data[j] <= '9'; j++ {
				}
				if j < len(data) && data[j] == ':' {
					length, err := strconv.Atoi(string(data[i:j]))
					if err != nil {
						return nil, fmt.Errorf("invalid string length at byte %d-%d", i, j)
					}
					j++
					i = j + length - 1
				}
			}
		}
	}
	return nil, fmt.Errorf("unterminated info dictionary")
}

// OutputPath joins f's path components under the torrent's root
// directory (for multi-file torrents) or outputDir directly (for
// single-file torrents).
func (m Metainfo) OutputPath(outputDir string, f File) string {
	if len(m.Files) == 1 && len(f.Path) == 1 && f.Path[0] == m.Name {
		return filepath.Join(outputDir, m.Name)
	}
	parts := append([]string{outputDir, m.Name}, f.Path...)
	return filepath.Join(parts...)
}
