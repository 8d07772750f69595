package engine

import (
	"context"
	"errors"
	"io"
	"net"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bealr/goleech/internal/metainfo"
	"github.com/bealr/goleech/internal/wire"
)

func singleFileFixture(name string) metainfo.Metainfo {
	return metainfo.Metainfo{
		Name:        name,
		PieceLength: 4,
		Pieces:      make([][20]byte, 2),
		Files:       []metainfo.File{{Path: []string{name}, Length: 8, Offset: 0}},
		TotalSize:   8,
	}
}

// servePeer accepts one connection on l, performs the handshake, and
// serves both pieces of an 8-byte payload (content[0:4], content[4:8])
// in response to requests, following bitfield -> unchoke -> piece.
func servePeer(t *testing.T, l net.Listener, infoHash [20]byte, content []byte, pieceCount int) {
	conn, err := l.Accept()
	if err != nil {
		return
	}
	defer conn.Close()

	conn.SetDeadline(time.Now().Add(5 * time.Second))

	hs, err := wire.DecodeHandshake(conn)
	require.NoError(t, err)
	require.Equal(t, infoHash, hs.InfoHash)

	_, err = conn.Write(wire.EncodeHandshake(wire.Handshake{InfoHash: infoHash, PeerID: [20]byte{0x01}}))
	require.NoError(t, err)

	r := wire.NewReader(conn, metainfo.BlockLen+13, pieceCount)
	msg, err := r.ReadMessage()
	require.NoError(t, err)
	require.Equal(t, wire.Interested, msg.ID)

	bf := wire.NewBitfield(pieceCount)
	for i := 0; i < pieceCount; i++ {
		wire.SetBit(bf, i)
	}
	_, err = conn.Write(wire.EncodeMessage(wire.Message{ID: wire.Bitfield, Payload: bf}))
	require.NoError(t, err)
	_, err = conn.Write(wire.EncodeMessage(wire.Message{ID: wire.Unchoke}))
	require.NoError(t, err)

	served := 0
	for served < pieceCount {
		msg, err := r.ReadMessage()
		if err != nil {
			if errors.Is(err, io.EOF) {
				return
			}
			require.NoError(t, err)
		}
		if msg.KeepAlive {
			continue
		}
		require.Equal(t, wire.Request, msg.ID)
		ref, err := wire.ParseRequest(msg)
		require.NoError(t, err)

		payload := make([]byte, 8+ref.Length)
		payload[3] = byte(ref.PieceIndex)
		start := int(ref.PieceIndex)*4 + int(ref.Begin)
		copy(payload[8:], content[start:start+int(ref.Length)])
		_, err = conn.Write(wire.EncodeMessage(wire.Message{ID: wire.Piece, Payload: payload}))
		require.NoError(t, err)
		served++
	}
}

func TestEngineDownloadsFromSinglePeer(t *testing.T) {
	m := singleFileFixture("out.bin")
	content := []byte{10, 11, 12, 13, 14, 15, 16, 17}

	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer l.Close()

	done := make(chan struct{})
	go func() {
		defer close(done)
		servePeer(t, l, m.InfoHash, content, m.PieceCount())
	}()

	dir := t.TempDir()
	log := logrus.New()
	log.SetLevel(logrus.PanicLevel)

	cfg := DefaultConfig()
	cfg.OutputDir = dir
	cfg.Session.DialTimeout = 2 * time.Second
	cfg.Session.ReadTimeout = 2 * time.Second

	e, err := New(m, [20]byte{0xBB}, cfg, log)
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	err = e.Run(ctx, []string{l.Addr().String()})
	require.NoError(t, err)
	<-done

	assert.True(t, e.Ledger().IsDone())
	got, err := os.ReadFile(filepath.Join(dir, "out.bin"))
	require.NoError(t, err)
	assert.Equal(t, content, got)
}

// idlePeer accepts one connection, handshakes, sends an empty
// bitfield and an unchoke, then goes silent forever (modulo the
// test's own timeout) — standing in for a peer with nothing this
// client wants.
func idlePeer(t *testing.T, l net.Listener, infoHash [20]byte, pieceCount int, stop <-chan struct{}) {
	conn, err := l.Accept()
	if err != nil {
		return
	}
	defer conn.Close()

	conn.SetDeadline(time.Now().Add(10 * time.Second))
	hs, err := wire.DecodeHandshake(conn)
	if err != nil {
		return
	}
	if hs.InfoHash != infoHash {
		return
	}
	conn.Write(wire.EncodeHandshake(wire.Handshake{InfoHash: infoHash, PeerID: [20]byte{0x02}}))
	conn.Write(wire.EncodeMessage(wire.Message{ID: wire.Bitfield, Payload: wire.NewBitfield(pieceCount)}))
	conn.Write(wire.EncodeMessage(wire.Message{ID: wire.Unchoke}))

	<-stop
}

// TestCompletionCancelsIdlePeerPromptly exercises the fix for blocked
// sessions outliving a finished download: one peer serves the whole
// torrent while a second peer goes silent with a read timeout far
// longer than the test itself should take. Run must not wait out that
// timeout once the ledger is done.
func TestCompletionCancelsIdlePeerPromptly(t *testing.T) {
	m := singleFileFixture("out.bin")
	content := []byte{10, 11, 12, 13, 14, 15, 16, 17}

	active, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer active.Close()
	idle, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer idle.Close()

	servedDone := make(chan struct{})
	go func() {
		defer close(servedDone)
		servePeer(t, active, m.InfoHash, content, m.PieceCount())
	}()
	stopIdle := make(chan struct{})
	defer close(stopIdle)
	go idlePeer(t, idle, m.InfoHash, m.PieceCount(), stopIdle)

	dir := t.TempDir()
	log := logrus.New()
	log.SetLevel(logrus.PanicLevel)

	cfg := DefaultConfig()
	cfg.OutputDir = dir
	cfg.Session.DialTimeout = 2 * time.Second
	cfg.Session.ReadTimeout = 2 * time.Minute // would stall Run for this long without the fix

	e, err := New(m, [20]byte{0xBB}, cfg, log)
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	start := time.Now()
	err = e.Run(ctx, []string{active.Addr().String(), idle.Addr().String()})
	elapsed := time.Since(start)

	require.NoError(t, err)
	assert.Less(t, elapsed, 5*time.Second, "Run should return promptly once the ledger completes, not wait out the idle peer's read timeout")
	<-servedDone
}

// fakeUDPTracker answers one connect/announce round trip per request
// pair with a fixed single-peer compact list, enough to exercise
// reannounceLoop without a real tracker.
func fakeUDPTracker(t *testing.T, peerIP [4]byte, peerPort uint16) (addr string, stop func()) {
	t.Helper()
	conn, err := net.ListenPacket("udp", "127.0.0.1:0")
	require.NoError(t, err)

	go func() {
		buf := make([]byte, 2048)
		for {
			n, raddr, err := conn.ReadFrom(buf)
			if err != nil {
				return
			}
			req := buf[:n]
			switch len(req) {
			case 16: // connect
				transactionID := req[12:16]
				resp := make([]byte, 16)
				resp[3] = 0 // action = connect (0), big-endian zero already
				copy(resp[4:8], transactionID)
				resp[15] = 0x42 // arbitrary connection id byte
				conn.WriteTo(resp, raddr)
			case 98: // announce
				transactionID := req[12:16]
				resp := make([]byte, 20+6)
				resp[3] = 1 // action = announce
				copy(resp[4:8], transactionID)
				resp[11] = 5 // interval = 5 seconds
				copy(resp[20:24], peerIP[:])
				resp[24] = byte(peerPort >> 8)
				resp[25] = byte(peerPort)
				conn.WriteTo(resp, raddr)
			}
		}
	}()

	return conn.LocalAddr().String(), func() { conn.Close() }
}

func TestReannounceLoopSpawnsDiscoveredPeers(t *testing.T) {
	addr, stop := fakeUDPTracker(t, [4]byte{203, 0, 113, 7}, 51413)
	defer stop()

	m := singleFileFixture("out.bin")
	dir := t.TempDir()
	log := logrus.New()
	log.SetLevel(logrus.PanicLevel)

	cfg := DefaultConfig()
	cfg.OutputDir = dir
	cfg.AnnounceURL = "udp://" + addr + "/announce"
	cfg.AnnounceInterval = 20 * time.Millisecond

	e, err := New(m, [20]byte{0xBB}, cfg, log)
	require.NoError(t, err)

	var mu sync.Mutex
	var spawned []string
	spawn := func(a string) {
		mu.Lock()
		spawned = append(spawned, a)
		mu.Unlock()
	}

	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()
	e.reannounceLoop(ctx, spawn)

	mu.Lock()
	defer mu.Unlock()
	require.NotEmpty(t, spawned)
	assert.Equal(t, "203.0.113.7:51413", spawned[0])
}

func TestReannounceLoopNoopWithoutAnnounceURL(t *testing.T) {
	m := singleFileFixture("out.bin")
	dir := t.TempDir()
	log := logrus.New()
	log.SetLevel(logrus.PanicLevel)

	cfg := DefaultConfig()
	cfg.OutputDir = dir
	e, err := New(m, [20]byte{0xBB}, cfg, log)
	require.NoError(t, err)

	called := false
	e.reannounceLoop(context.Background(), func(string) { called = true })
	assert.False(t, called)
}

func TestEngineReturnsIncompleteWithNoPeers(t *testing.T) {
	m := singleFileFixture("out.bin")
	dir := t.TempDir()
	log := logrus.New()
	log.SetLevel(logrus.PanicLevel)

	cfg := DefaultConfig()
	cfg.OutputDir = dir
	e, err := New(m, [20]byte{0xBB}, cfg, log)
	require.NoError(t, err)

	err = e.Run(context.Background(), nil)
	assert.ErrorIs(t, err, ErrDownloadIncomplete)
}
