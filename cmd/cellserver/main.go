package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/dstrelkov/gridworld/internal/cluster"
	"github.com/dstrelkov/gridworld/internal/config"
	"github.com/dstrelkov/gridworld/internal/dispatch"
	"github.com/dstrelkov/gridworld/internal/handoff"
	"github.com/dstrelkov/gridworld/internal/journal"
	"github.com/dstrelkov/gridworld/internal/node"
	"github.com/dstrelkov/gridworld/internal/sim"
	"github.com/dstrelkov/gridworld/internal/status"
	"github.com/dstrelkov/gridworld/internal/transport"
)

const ConfigPath = "config/cellserver.yaml"

func main() {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		slog.Info("shutting down", "signal", sig)
		cancel()
	}()

	if err := run(ctx); err != nil && ctx.Err() == nil {
		slog.Error("fatal", "err", err)
		os.Exit(1)
	}
}

func run(ctx context.Context) error {
	// Configure slog
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelDebug,
	})))

	// Load config
	cfgPath := ConfigPath
	if p := os.Getenv("GRIDWORLD_CONFIG"); p != "" {
		cfgPath = p
	}
	cfg, err := config.LoadCellServer(cfgPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	local := cfg.Cell()
	slog.Info("cell server starting",
		"name", cluster.PeerName(local), "listen", cfg.ListenAddr, "peers", len(cfg.Peers))

	registry, err := cluster.New(cfg.Topology(), local)
	if err != nil {
		return fmt.Errorf("building cluster registry: %w", err)
	}

	world := sim.NewWorld(cfg.SimQueueSize)
	d := dispatch.New(registry)

	// Optional transfer audit journal
	var coordJournal handoff.Journal = handoff.NopJournal{}
	var auditJournal *journal.Journal
	if cfg.Journal.Enabled {
		if err := journal.RunMigrations(ctx, cfg.Journal.DSN()); err != nil {
			return fmt.Errorf("running journal migrations: %w", err)
		}
		auditJournal, err = journal.New(ctx, cfg.Journal.DSN(), 0)
		if err != nil {
			return fmt.Errorf("connecting journal: %w", err)
		}
		coordJournal = auditJournal
		slog.Info("transfer journal enabled", "db", cfg.Journal.DBName)
	}

	coord := handoff.New(registry, d, world, coordJournal, handoff.Config{
		Expiry:       time.Duration(cfg.TransferExpiryMs) * time.Millisecond,
		ViewDistance: int32(cfg.ViewDistance),
	})
	n := node.New(registry, d, coord, world)

	peerServer := transport.NewServer(transport.Config{
		ListenAddr:         cfg.ListenAddr,
		LinkKey:            []byte(cfg.LinkKey),
		MaxFragmentPayload: cfg.MaxFragmentPayload,
		ReassemblySlots:    cfg.ReassemblySlots,
	}, registry, n.HandlePacket)

	statusServer := status.New(cfg.StatusAddr, registry, coord, world)

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		slog.Info("starting simulation loop")
		return world.Run(gctx)
	})

	g.Go(func() error {
		slog.Info("starting peer transport")
		if err := peerServer.Run(gctx); err != nil {
			return fmt.Errorf("peer transport: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		slog.Info("starting status server", "addr", cfg.StatusAddr)
		if err := statusServer.Run(gctx); err != nil {
			return fmt.Errorf("status server: %w", err)
		}
		return nil
	})

	if auditJournal != nil {
		g.Go(func() error {
			return auditJournal.Run(gctx)
		})
	}

	g.Go(func() error {
		dialPeers(gctx, peerServer, registry, cfg.Peers)
		return nil
	})

	if err := g.Wait(); err != nil && gctx.Err() == nil {
		return fmt.Errorf("server error: %w", err)
	}
	return nil
}

// dialPeers connects to every configured neighbor, retrying until each link
// comes up or the context ends. Reconnects after a link drops.
func dialPeers(ctx context.Context, srv *transport.Server, registry *cluster.Registry, peers []config.PeerEntry) {
	for _, p := range peers {
		go func(p config.PeerEntry) {
			remote := p.Cell()
			for {
				if !registry.Connected(remote) {
					if _, err := srv.Connect(ctx, p.Addr, remote); err != nil {
						slog.Warn("peer dial failed, will retry",
							"peer", cluster.PeerName(remote), "addr", p.Addr, "error", err)
					}
				}
				select {
				case <-ctx.Done():
					return
				case <-time.After(3 * time.Second):
				}
			}
		}(p)
	}
	<-ctx.Done()
}
