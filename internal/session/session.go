// Package session implements the peer-session state machine: one
// goroutine drives one TCP connection through handshake, bitfield
// absorption, interested/unchoke negotiation, and request/piece
// exchange, cooperating with the shared piece ledger and its own
// block-request queue.
package session

import (
	"context"
	"errors"
	"fmt"
	"net"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/bealr/goleech/internal/ledger"
	"github.com/bealr/goleech/internal/metainfo"
	"github.com/bealr/goleech/internal/queue"
	"github.com/bealr/goleech/internal/wire"
	"github.com/bealr/goleech/internal/writer"
)

// State is a peer session's position in its state machine.
type State int

const (
	Connecting State = iota
	Handshaking
	AwaitingUnchoke
	Active
	Closed
)

func (s State) String() string {
	switch s {
	case Connecting:
		return "connecting"
	case Handshaking:
		return "handshaking"
	case AwaitingUnchoke:
		return "awaiting-unchoke"
	case Active:
		return "active"
	case Closed:
		return "closed"
	default:
		return "unknown"
	}
}

// Sentinel errors a session can close with. All are recovered locally
// by the engine: they terminate only the one session.
var (
	ErrProtocolMismatch  = wire.ErrProtocolMismatch
	ErrProtocolViolation = errors.New("session: protocol violation")
	ErrPeerDisconnected  = errors.New("session: peer disconnected")
	ErrPeerTimeout       = errors.New("session: peer timed out")
)

// Config tunes a session's I/O behavior.
type Config struct {
	// DialTimeout bounds the initial TCP connect.
	DialTimeout time.Duration
	// ReadTimeout bounds every post-handshake read; expiry surfaces
	// as ErrPeerTimeout. Spec.md §5 recommends >= 2 minutes.
	ReadTimeout time.Duration
	// MaxFrameLen bounds the declared length of any received frame.
	MaxFrameLen uint32
}

// DefaultConfig returns the spec-recommended defaults.
func DefaultConfig() Config {
	return Config{
		DialTimeout: 10 * time.Second,
		ReadTimeout: 2 * time.Minute,
		MaxFrameLen: metainfo.BlockLen + 13,
	}
}

// Session drives one peer connection. It is not safe for concurrent
// use; Run should be the only goroutine touching it once constructed.
type Session struct {
	id       uuid.UUID
	addr     string
	m        metainfo.Metainfo
	infoHash [20]byte
	peerID   [20]byte
	cfg      Config

	ledger *ledger.Ledger
	queue  *queue.Queue
	out    chan<- writer.Block
	log    *logrus.Entry

	conn net.Conn

	state              State
	piecesEverEnqueued bool
}

// New constructs a Session for one peer address. Nothing blocks or
// allocates a socket until Run is called.
func New(addr string, m metainfo.Metainfo, infoHash, peerID [20]byte, l *ledger.Ledger, out chan<- writer.Block, cfg Config, log *logrus.Logger) *Session {
	id := uuid.New()
	return &Session{
		id:       id,
		addr:     addr,
		m:        m,
		infoHash: infoHash,
		peerID:   peerID,
		cfg:      cfg,
		ledger:   l,
		queue:    queue.New(),
		out:      out,
		log:      log.WithFields(logrus.Fields{"peer": addr, "session": id.String()}),
		state:    Connecting,
	}
}

// State reports the session's current state.
func (s *Session) State() State { return s.state }

// Run drives the session to completion: it connects, handshakes,
// negotiates, and exchanges requests/pieces until the connection
// closes, the ledger completes, ctx is cancelled, or a protocol error
// occurs. It always returns (nil if the torrent reached completion
// while this session was active or the peer choked this client, which
// closes the session); the caller is expected
// to treat any non-nil error as session-scoped, not fatal to the
// engine.
func (s *Session) Run(ctx context.Context) error {
	if err := s.connect(ctx); err != nil {
		s.state = Closed
		return err
	}
	defer s.conn.Close()

	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			s.conn.Close()
		case <-done:
		}
	}()

	if err := s.handshake(); err != nil {
		s.state = Closed
		return err
	}

	reader := wire.NewReader(s.conn, s.cfg.MaxFrameLen, s.m.PieceCount())

	for {
		if s.ledger.IsDone() {
			s.state = Closed
			return nil
		}

		s.conn.SetReadDeadline(time.Now().Add(s.cfg.ReadTimeout))
		msg, err := reader.ReadMessage()
		if err != nil {
			s.state = Closed
			return classifyReadErr(err)
		}

		if err := s.dispatch(msg); err != nil {
			s.state = Closed
			return err
		}

		if s.state == Closed {
			return nil
		}
	}
}

func classifyReadErr(err error) error {
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return fmt.Errorf("%w: %v", ErrPeerTimeout, err)
	}
	if errors.Is(err, wire.ErrMalformedFrame) {
		return err
	}
	return fmt.Errorf("%w: %v", ErrPeerDisconnected, err)
}

func (s *Session) connect(ctx context.Context) error {
	dialer := net.Dialer{Timeout: s.cfg.DialTimeout}
	conn, err := dialer.DialContext(ctx, "tcp", s.addr)
	if err != nil {
		return fmt.Errorf("%w: dialing %s: %v", ErrPeerDisconnected, s.addr, err)
	}
	s.conn = conn
	s.state = Handshaking
	return nil
}

func (s *Session) handshake() error {
	s.conn.SetWriteDeadline(time.Now().Add(s.cfg.DialTimeout))
	if _, err := s.conn.Write(wire.EncodeHandshake(wire.Handshake{InfoHash: s.infoHash, PeerID: s.peerID})); err != nil {
		return fmt.Errorf("%w: sending handshake: %v", ErrPeerDisconnected, err)
	}

	s.conn.SetReadDeadline(time.Now().Add(s.cfg.DialTimeout))
	remote, err := wire.DecodeHandshake(s.conn)
	if err != nil {
		return err
	}
	if remote.InfoHash != s.infoHash {
		return fmt.Errorf("%w: info hash mismatch", ErrProtocolMismatch)
	}

	s.conn.SetWriteDeadline(time.Now().Add(s.cfg.DialTimeout))
	if _, err := s.conn.Write(wire.EncodeMessage(wire.NewInterested())); err != nil {
		return fmt.Errorf("%w: sending interested: %v", ErrPeerDisconnected, err)
	}

	s.state = AwaitingUnchoke
	s.log.Debug("handshake complete, awaiting unchoke")
	return nil
}

func (s *Session) dispatch(msg wire.Message) error {
	if msg.KeepAlive {
		return nil
	}

	switch msg.ID {
	case wire.Choke:
		s.queue.SetChoked(true)
		s.state = Closed
		return nil

	case wire.Unchoke:
		s.queue.SetChoked(false)
		s.state = Active
		return s.requestNext()

	case wire.Interested, wire.NotInterested:
		return nil

	case wire.Have:
		idx, err := wire.ParseHave(msg, s.m.PieceCount())
		if err != nil {
			return fmt.Errorf("%w: %v", ErrProtocolViolation, err)
		}
		wasEmpty := s.queue.Len() == 0
		s.queue.EnqueuePiece(s.m, idx)
		s.piecesEverEnqueued = true
		if wasEmpty {
			return s.requestNext()
		}
		return nil

	case wire.Bitfield:
		if s.piecesEverEnqueued {
			return fmt.Errorf("%w: bitfield received after pieces already enqueued", ErrProtocolViolation)
		}
		for _, idx := range wire.BitfieldPieces(msg.Payload, s.m.PieceCount()) {
			s.queue.EnqueuePiece(s.m, idx)
		}
		s.piecesEverEnqueued = true
		return nil

	case wire.Piece:
		index, begin, block, err := wire.ParsePiece(msg)
		if err != nil {
			return fmt.Errorf("%w: %v", ErrProtocolViolation, err)
		}
		if index < 0 || index >= s.m.PieceCount() {
			return fmt.Errorf("%w: piece index %d out of range", ErrProtocolViolation, index)
		}

		ref := wire.BlockRef{PieceIndex: uint32(index), Begin: begin, Length: uint32(len(block))}
		s.ledger.MarkReceived(ref)

		payload := make([]byte, len(block))
		copy(payload, block)
		s.out <- writer.Block{
			Offset: int64(index)*s.m.PieceLength + int64(begin),
			Bytes:  payload,
		}

		if s.ledger.IsDone() {
			s.state = Closed
			return nil
		}
		return s.requestNext()

	case wire.Request, wire.Cancel, wire.Port:
		// leech-only client: never serves blocks, no DHT bootstrap.
		return nil

	default:
		s.log.WithField("id", uint8(msg.ID)).Debug("ignoring unknown message id")
		return nil
	}
}

func (s *Session) requestNext() error {
	if s.queue.Choked() {
		return nil
	}

	for {
		ref, ok := s.queue.PopFront()
		if !ok {
			return nil
		}
		if !s.ledger.Needed(ref) {
			continue
		}

		s.conn.SetWriteDeadline(time.Now().Add(s.cfg.ReadTimeout))
		if _, err := s.conn.Write(wire.EncodeMessage(wire.NewRequest(ref))); err != nil {
			return fmt.Errorf("%w: sending request: %v", ErrPeerDisconnected, err)
		}
		s.ledger.MarkRequested(ref)
		return nil
	}
}
