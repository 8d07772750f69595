// Package engine orchestrates a single torrent's download: it owns
// the piece ledger and output writer, spawns one peer session
// goroutine per discovered peer, and reports overall completion. It
// is the generalization of the teacher's StartDownload/ConnectToPeers
// pair into the ledger/queue/session split the rest of this module
// builds on.
package engine

import (
	"context"
	"crypto/sha1"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/bealr/goleech/internal/ledger"
	"github.com/bealr/goleech/internal/metainfo"
	"github.com/bealr/goleech/internal/session"
	"github.com/bealr/goleech/internal/tracker"
	"github.com/bealr/goleech/internal/writer"
)

// defaultAnnounceInterval is used when a tracker's first announce
// response carries no usable interval (spec.md §8 leaves this
// unspecified). It is also the delay before retrying a failed
// re-announce while no tracker-supplied interval is known.
const defaultAnnounceInterval = 30 * time.Minute

// ErrDownloadIncomplete is returned by Run when every session has
// ended (peers disconnected, timed out, or were never interested) but
// the ledger has not reached completion.
var ErrDownloadIncomplete = errors.New("engine: download incomplete, no peers remain")

// Config tunes one Engine run.
type Config struct {
	// OutputDir is the directory under which the torrent's files are
	// written, following Metainfo.OutputPath layout rules.
	OutputDir string
	// MaxPeers caps how many peers from Run's initial peer list get a
	// session; 0 means unlimited. Peers found by re-announcing are not
	// counted against it.
	MaxPeers int
	// WriterBuffer sizes the bounded channel between sessions and the
	// writer goroutine; this is the backpressure valve of spec.md §5.
	WriterBuffer int
	// VerifyPieces enables SHA-1 verification of each piece as it
	// completes, resetting the ledger's rows for any piece that fails
	// so it gets re-requested from a different peer.
	VerifyPieces bool
	// Session configures every spawned peer session.
	Session session.Config

	// AnnounceURL, when non-empty, lets the engine re-announce to the
	// tracker on its own schedule to top up the peer set as sessions
	// end. Empty disables re-announcing; the engine then only ever
	// connects to the peers its initial Run call was given.
	AnnounceURL string
	// Port is the port advertised in re-announce requests.
	Port uint16
	// AnnounceInterval seeds the re-announce cadence, normally the
	// Interval a caller's initial tracker.Announce returned. Zero (or
	// a negative value) falls back to defaultAnnounceInterval.
	AnnounceInterval time.Duration
}

// DefaultConfig returns reasonable defaults for Config fields left
// unset by a caller.
func DefaultConfig() Config {
	return Config{
		WriterBuffer: 16,
		Session:      session.DefaultConfig(),
	}
}

// Engine drives one torrent's download to completion (or failure)
// against a caller-supplied peer list, topped up by tracker
// re-announces when Config.AnnounceURL is set.
type Engine struct {
	m      metainfo.Metainfo
	peerID [20]byte
	cfg    Config
	log    *logrus.Logger

	ledger *ledger.Ledger
	writer *writer.Writer
}

// New constructs an Engine for m, preparing its output files
// immediately so a caller can detect a bad OutputDir before any peer
// connection is attempted.
func New(m metainfo.Metainfo, peerID [20]byte, cfg Config, log *logrus.Logger) (*Engine, error) {
	if cfg.WriterBuffer <= 0 {
		cfg.WriterBuffer = 16
	}
	w, err := writer.New(m, cfg.OutputDir)
	if err != nil {
		return nil, fmt.Errorf("engine: preparing output: %w", err)
	}
	return &Engine{
		m:      m,
		peerID: peerID,
		cfg:    cfg,
		log:    log,
		ledger: ledger.New(m),
		writer: w,
	}, nil
}

// Ledger exposes the engine's piece ledger, for progress reporting.
func (e *Engine) Ledger() *ledger.Ledger { return e.ledger }

// Run spawns one session per address in peers, then — if cfg.AnnounceURL
// is set — keeps re-announcing to the tracker to top up the peer set
// as sessions end, the way the teacher's RefreshPeer loop fed newly
// discovered peers into ConnectToPeers. It blocks until the download
// completes (cancelling every live session the instant the ledger
// reports done), ctx is cancelled, or every session has ended without
// completing it (ErrDownloadIncomplete). The last case applies only
// when cfg.AnnounceURL is empty: with re-announcing enabled, Run does
// not return when every session has ended, it keeps waiting for
// re-announced peers until the download completes or ctx is cancelled.
func (e *Engine) Run(ctx context.Context, peers []string) error {
	defer e.writer.Close()

	if e.cfg.MaxPeers > 0 && len(peers) > e.cfg.MaxPeers {
		peers = peers[:e.cfg.MaxPeers]
	}
	if len(peers) == 0 {
		return ErrDownloadIncomplete
	}

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	out := make(chan writer.Block, e.cfg.WriterBuffer)
	writerErr := make(chan error, 1)
	go e.drainWriter(out, writerErr, cancel)

	var sessionsWG sync.WaitGroup
	var seenMu sync.Mutex
	seen := make(map[string]bool)

	spawn := func(addr string) {
		seenMu.Lock()
		if seen[addr] {
			seenMu.Unlock()
			return
		}
		seen[addr] = true
		seenMu.Unlock()

		sessionsWG.Add(1)
		go func() {
			defer sessionsWG.Done()
			s := session.New(addr, e.m, e.m.InfoHash, e.peerID, e.ledger, out, e.cfg.Session, e.log)
			if err := s.Run(runCtx); err != nil {
				e.log.WithFields(logrus.Fields{"peer": addr, "error": err}).Debug("session ended")
			}
		}()
	}

	for _, addr := range peers {
		spawn(addr)
	}

	reannounceDone := make(chan struct{})
	go func() {
		defer close(reannounceDone)
		e.reannounceLoop(runCtx, spawn)
	}()

	<-reannounceDone
	sessionsWG.Wait()
	close(out)
	if err := <-writerErr; err != nil {
		return err
	}

	if !e.ledger.IsDone() {
		return ErrDownloadIncomplete
	}
	return nil
}

// reannounceLoop re-announces to cfg.AnnounceURL on the tracker's
// reported interval, handing every newly discovered peer address to
// spawn, until ctx is cancelled. It is a no-op when AnnounceURL is
// unset, matching a caller who only wants the initial peer list.
func (e *Engine) reannounceLoop(ctx context.Context, spawn func(string)) {
	if e.cfg.AnnounceURL == "" {
		return
	}

	interval := e.cfg.AnnounceInterval
	if interval <= 0 {
		interval = defaultAnnounceInterval
	}

	timer := time.NewTimer(interval)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-timer.C:
		}

		left := int64(float64(e.m.TotalSize) * (1 - e.ledger.Percent()))
		result, err := tracker.Announce(e.cfg.AnnounceURL, e.m.InfoHash, e.peerID, left, e.cfg.Port)
		if err != nil {
			e.log.WithField("error", err).Warn("re-announce failed")
			timer.Reset(interval)
			continue
		}

		for _, p := range result.Peers {
			spawn(p.String())
		}

		if result.Interval > 0 {
			interval = result.Interval
		}
		timer.Reset(interval)
	}
}

// drainWriter is the engine's single writer-channel consumer: it
// applies every delivered block to disk, hashes a piece the instant
// it completes when VerifyPieces is set, and cancels every live
// session as soon as the ledger reports the download whole so blocked
// reads unblock immediately instead of waiting out their read
// deadline.
func (e *Engine) drainWriter(out <-chan writer.Block, done chan<- error, cancel context.CancelFunc) {
	for b := range out {
		if err := e.writer.WriteBlock(b); err != nil {
			done <- err
			// drain the rest so producers never block on a full channel
			for range out {
			}
			return
		}

		if e.cfg.VerifyPieces {
			index := int(b.Offset / e.m.PieceLength)
			if e.ledger.PieceComplete(index) {
				e.verifyPiece(index)
			}
		}

		if e.ledger.IsDone() {
			cancel()
		}
	}
	done <- nil
}

// verifyPiece hashes piece i's on-disk content against the declared
// hash, resetting the ledger's requested/received rows for it on
// mismatch so it gets re-requested.
func (e *Engine) verifyPiece(i int) {
	data, err := e.writer.ReadPiece(i)
	if err != nil {
		e.log.WithFields(logrus.Fields{"piece": i, "error": err}).Warn("could not read back piece for verification")
		return
	}
	if sha1.Sum(data) != e.m.Pieces[i] {
		e.log.WithField("piece", i).Warn("piece hash mismatch, re-requesting")
		e.ledger.ResetPiece(i)
	}
}
