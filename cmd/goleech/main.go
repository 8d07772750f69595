// Command goleech downloads a single torrent's content from a peer
// swarm discovered through its UDP tracker, following the
// handshake -> bitfield -> unchoke -> request/piece exchange of the
// BitTorrent v1.0 peer wire protocol.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/alexflint/go-arg"
	"github.com/schollz/progressbar/v3"
	"github.com/sirupsen/logrus"
	"golang.org/x/term"

	"github.com/bealr/goleech/internal/engine"
	"github.com/bealr/goleech/internal/logging"
	"github.com/bealr/goleech/internal/metainfo"
	"github.com/bealr/goleech/internal/peerid"
	"github.com/bealr/goleech/internal/tracker"
)

type args struct {
	TorrentPath string `arg:"positional,required" help:"path to the .torrent file"`
	OutputDir   string `arg:"-o,--output" default:"." help:"directory to write downloaded files into"`
	Port        int    `arg:"--port" default:"6881" help:"port advertised to the tracker"`
	MaxPeers    int    `arg:"-p,--max-peers" default:"30" help:"maximum number of peers from the first tracker response to connect to"`
	ReadTimeout int    `arg:"--read-timeout" default:"120" help:"seconds of peer silence before a session times out"`
	BufferSize  int    `arg:"--buffer" default:"16" help:"writer channel buffer size (backpressure valve)"`
	Verify      bool   `arg:"--verify" help:"verify each piece's SHA-1 hash as it completes"`
	LogLevel    string `arg:"--log-level" default:"info" help:"debug, info, warn, or error"`
}

func (args) Version() string { return "goleech 0.1.0" }

func main() {
	var a args
	arg.MustParse(&a)

	level, err := logrus.ParseLevel(a.LogLevel)
	if err != nil {
		level = logrus.InfoLevel
	}
	log := logging.New(level, os.Stderr)

	if err := run(a, log); err != nil {
		log.WithField("error", err).Error("download failed")
		os.Exit(1)
	}
}

func run(a args, log *logrus.Logger) error {
	m, err := metainfo.Load(a.TorrentPath)
	if err != nil {
		return fmt.Errorf("loading torrent: %w", err)
	}
	log.WithFields(logrus.Fields{
		"name":   m.Name,
		"pieces": m.PieceCount(),
		"size":   m.TotalSize,
	}).Info("loaded torrent")

	id, err := peerid.Generate()
	if err != nil {
		return fmt.Errorf("generating peer id: %w", err)
	}

	port := uint16(a.Port)
	announceResult, err := tracker.Announce(announceURL(m), m.InfoHash, id, m.TotalSize, port)
	if err != nil {
		return fmt.Errorf("announcing to tracker: %w", err)
	}
	log.WithField("peers", len(announceResult.Peers)).Info("tracker returned peers")

	addrs := make([]string, len(announceResult.Peers))
	for i, p := range announceResult.Peers {
		addrs[i] = p.String()
	}

	cfg := engine.DefaultConfig()
	cfg.OutputDir = a.OutputDir
	cfg.MaxPeers = a.MaxPeers
	cfg.WriterBuffer = a.BufferSize
	cfg.VerifyPieces = a.Verify
	cfg.Session.ReadTimeout = time.Duration(a.ReadTimeout) * time.Second
	cfg.AnnounceURL = announceURL(m)
	cfg.Port = port
	cfg.AnnounceInterval = announceResult.Interval

	e, err := engine.New(m, id, cfg, log)
	if err != nil {
		return fmt.Errorf("preparing engine: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	sig := make(chan os.Signal, 1)
	signal.Notify(sig, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-sig
		log.Warn("interrupted, shutting down")
		cancel()
	}()

	bar := newProgressBar(m.TotalSize)
	defer bar.Close()
	stop := reportProgress(ctx, e, bar)
	defer stop()

	return e.Run(ctx, addrs)
}

// announceURL picks the torrent's announce URL, trusting the single
// announce field spec.md scopes this client to (announce-list
// fallback is a Non-goal).
func announceURL(m metainfo.Metainfo) string {
	return m.Announce
}

func newProgressBar(total int64) *progressbar.ProgressBar {
	width, _, err := term.GetSize(int(os.Stdout.Fd()))
	if err != nil || width <= 0 {
		width = 40
	}
	return progressbar.NewOptions64(total,
		progressbar.OptionSetWidth(width/2),
		progressbar.OptionSetDescription("downloading"),
		progressbar.OptionShowBytes(true),
		progressbar.OptionClearOnFinish(),
	)
}

// reportProgress polls the engine's ledger and updates bar until ctx
// is cancelled or stop is called.
func reportProgress(ctx context.Context, e *engine.Engine, bar *progressbar.ProgressBar) func() {
	done := make(chan struct{})
	go func() {
		ticker := time.NewTicker(500 * time.Millisecond)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-done:
				return
			case <-ticker.C:
				bar.Set64(int64(e.Ledger().Percent() * float64(bar.GetMax64())))
			}
		}
	}()
	return func() { close(done) }
}
