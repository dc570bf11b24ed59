// Command swarmc is the peer client: it loads a .torrent file, opens (or
// resumes) its on-disk piece store, announces to the tracker, and joins
// the swarm, seeding once the download completes, until it is interrupted.
package main

import (
	"context"
	"encoding/hex"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/ormandy/swarmgo/internal/config"
	"github.com/ormandy/swarmgo/internal/logging"
	"github.com/ormandy/swarmgo/internal/metainfo"
	"github.com/ormandy/swarmgo/internal/piece"
	"github.com/ormandy/swarmgo/internal/swarm"
	"github.com/ormandy/swarmgo/internal/tracker"
)

func main() {
	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, "usage: %s <metainfo-path> [listen-port]\n", os.Args[0])
	}
	flag.Parse()
	if flag.NArg() < 1 {
		flag.Usage()
		os.Exit(1)
	}

	cfg := config.Default()
	if flag.NArg() >= 2 {
		if p, err := parsePort(flag.Arg(1)); err == nil {
			cfg.ListenAddr = fmt.Sprintf(":%d", p)
		}
	}

	log := slog.New(logging.NewPrettyHandler(os.Stdout, nil))

	if err := run(cfg, flag.Arg(0), log); err != nil {
		log.Error("fatal", "err", err)
		os.Exit(1)
	}
}

func parsePort(s string) (int, error) {
	var p int
	_, err := fmt.Sscanf(s, "%d", &p)
	return p, err
}

func run(cfg config.Config, torrentPath string, log *slog.Logger) error {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	mi, err := metainfo.Load(torrentPath)
	if err != nil {
		return fmt.Errorf("load metainfo: %w", err)
	}
	log.Info("loaded torrent", "name", mi.Name, "info_hash", hex.EncodeToString(mi.InfoHash[:]), "pieces", mi.PieceCount())

	dataPath := filepath.Join(cfg.DownloadDir, mi.Name)
	store, err := piece.Open(mi, dataPath, log.With("component", "piece"))
	if err != nil {
		return fmt.Errorf("open piece store: %w", err)
	}
	defer store.Close()

	coord, err := swarm.New(swarm.Options{
		Config:     swarm.Config{ProgressInterval: cfg.ProgressInterval, DialBacklog: cfg.DialBacklog},
		Log:        log.With("component", "swarm"),
		Store:      store,
		InfoHash:   mi.InfoHash,
		SelfID:     cfg.PeerID,
		ListenAddr: cfg.ListenAddr,
	})
	if err != nil {
		return fmt.Errorf("start swarm: %w", err)
	}

	if err := announceAndAdmit(ctx, mi, cfg, coord, store, log); err != nil {
		log.Warn("initial announce failed", "err", err)
	}

	return coord.Run(ctx)
}

// announceAndAdmit performs the startup tracker announce and hands the
// returned peer list to the coordinator; a background goroutine keeps
// re-announcing at the tracker's advertised interval until ctx is done.
func announceAndAdmit(ctx context.Context, mi *metainfo.Metainfo, cfg config.Config, coord *swarm.Coordinator, store *piece.Store, log *slog.Logger) error {
	client, err := tracker.NewClient(mi.Announce)
	if err != nil {
		return fmt.Errorf("tracker client: %w", err)
	}

	_, listenPort := splitListenPort(coord.Addr().String())

	params := func(event tracker.Event) tracker.AnnounceParams {
		return tracker.AnnounceParams{
			InfoHash:   mi.InfoHash,
			PeerID:     cfg.PeerID,
			Port:       listenPort,
			Left:       store.BytesLeft(),
			Event:      event,
		}
	}

	resp, err := client.Announce(ctx, params(tracker.EventStarted))
	if err != nil {
		return err
	}
	admit(coord, resp, log)

	interval := resp.Interval
	if interval <= 0 {
		interval = 30 * time.Second
	}

	go func() {
		t := time.NewTicker(interval)
		defer t.Stop()
		for {
			select {
			case <-ctx.Done():
				client.Announce(context.Background(), params(tracker.EventStopped))
				return
			case <-t.C:
				r, err := client.AnnounceWithBackoff(ctx, params(tracker.EventNone))
				if err != nil {
					log.Warn("re-announce failed", "err", err)
					continue
				}
				admit(coord, r, log)
			}
		}
	}()

	return nil
}

func admit(coord *swarm.Coordinator, resp *tracker.AnnounceResponse, log *slog.Logger) {
	addrs := make([]string, 0, len(resp.Peers))
	for _, p := range resp.Peers {
		addrs = append(addrs, p.Addr())
	}
	log.Info("announce ok", "peers", len(addrs), "interval", resp.Interval)
	coord.AdmitPeers(addrs)
}

func splitListenPort(listenAddr string) (string, uint16) {
	var host string
	var port uint16
	for i := len(listenAddr) - 1; i >= 0; i-- {
		if listenAddr[i] == ':' {
			host = listenAddr[:i]
			fmt.Sscanf(listenAddr[i+1:], "%d", &port)
			break
		}
	}
	return host, port
}
