package transport

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/dstrelkov/gridworld/internal/cluster"
	"github.com/dstrelkov/gridworld/internal/crypto"
	"github.com/dstrelkov/gridworld/internal/grid"
	"github.com/dstrelkov/gridworld/internal/protocol"
)

// Handler consumes complete reassembled packets arriving from a peer.
// It runs on the connection's receive goroutine and must not block.
type Handler func(from grid.Cell, packet []byte)

// Config tunes the peer transport of one cell server.
type Config struct {
	ListenAddr string
	// LinkKey enables the blowfish link cipher when non-empty. All peers
	// of a deployment share one key.
	LinkKey []byte
	// MaxFragmentPayload bounds the chunk carried per fragment frame
	// (wire.MaxFragmentPayload if zero).
	MaxFragmentPayload int
	// ReassemblySlots sizes each connection's reassembly table
	// (wire.DefaultSlots if zero).
	ReassemblySlots int
}

// Server accepts and dials peer links, registers them with the cluster
// registry under their cell, and feeds inbound packets to the handler.
type Server struct {
	cfg      Config
	registry *cluster.Registry
	handler  Handler

	mu       sync.Mutex
	listener net.Listener
	conns    map[grid.Cell]*Conn
}

// NewServer creates a peer transport server.
func NewServer(cfg Config, registry *cluster.Registry, handler Handler) *Server {
	return &Server{
		cfg:      cfg,
		registry: registry,
		handler:  handler,
		conns:    make(map[grid.Cell]*Conn),
	}
}

// Addr returns the listen address, nil before Run.
func (s *Server) Addr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

// Run listens for inbound peer links until the context is cancelled.
func (s *Server) Run(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.cfg.ListenAddr)
	if err != nil {
		return fmt.Errorf("listening on %s: %w", s.cfg.ListenAddr, err)
	}
	s.mu.Lock()
	s.listener = ln
	s.mu.Unlock()

	local := s.registry.LocalCell()
	slog.Info("peer transport started",
		"name", cluster.PeerName(local), "address", ln.Addr())

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		<-gctx.Done()
		ln.Close()
		s.closeAll()
		return nil
	})

	g.Go(func() error {
		for {
			nc, err := ln.Accept()
			if err != nil {
				if gctx.Err() != nil {
					return nil // shutting down
				}
				slog.Error("failed to accept peer connection", "error", err)
				continue
			}
			go s.handleInbound(nc)
		}
	})

	return g.Wait()
}

// Connect dials the peer owning the given cell and announces the local cell
// with a hello. The cell must be a neighbor of the local one.
func (s *Server) Connect(ctx context.Context, addr string, remote grid.Cell) (*Conn, error) {
	var d net.Dialer
	nc, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("dialing %s (%s): %w", cluster.PeerName(remote), addr, err)
	}

	conn, err := s.newLink(nc, remote)
	if err != nil {
		nc.Close()
		return nil, err
	}

	hello := protocol.PeerHello{Version: protocol.ProtocolVersion, Cell: s.registry.LocalCell()}
	if err := conn.SendMessage(hello.Encode(), true); err != nil {
		s.dropLink(conn)
		return nil, fmt.Errorf("sending hello to %s: %w", cluster.PeerName(remote), err)
	}

	go s.serve(conn)
	slog.Info("peer connected", "peer", cluster.PeerName(remote), "address", addr)
	return conn, nil
}

// handleInbound performs the hello handshake on an accepted link, then
// serves it.
func (s *Server) handleInbound(nc net.Conn) {
	cipher, err := s.newCipher()
	if err != nil {
		slog.Error("failed to create link cipher", "error", err)
		nc.Close()
		return
	}

	// Remote cell is unknown until the hello arrives.
	probe := newConn(nc, grid.Cell{}, cipher, s.cfg.MaxFragmentPayload, s.cfg.ReassemblySlots)
	buf := make([]byte, maxFrameSize)
	packet, err := probe.nextPacket(buf)
	if err != nil {
		slog.Error("peer handshake failed", "remote", nc.RemoteAddr(), "error", err)
		nc.Close()
		return
	}
	if len(packet) == 0 || packet[0] != protocol.OpPeerHello {
		slog.Error("peer sent non-hello first packet", "remote", nc.RemoteAddr())
		nc.Close()
		return
	}
	hello, err := protocol.DecodePeerHello(packet[1:])
	if err != nil {
		slog.Error("malformed peer hello", "remote", nc.RemoteAddr(), "error", err)
		nc.Close()
		return
	}
	if hello.Version != protocol.ProtocolVersion {
		slog.Error("peer protocol version mismatch",
			"remote", nc.RemoteAddr(), "theirs", hello.Version, "ours", protocol.ProtocolVersion)
		nc.Close()
		return
	}

	probe.remote = hello.Cell
	if err := s.registerLink(probe); err != nil {
		slog.Error("rejecting peer", "peer", cluster.PeerName(hello.Cell), "error", err)
		nc.Close()
		return
	}

	slog.Info("peer accepted",
		"peer", cluster.PeerName(hello.Cell), "remote", nc.RemoteAddr())
	s.serve(probe)
}

// serve pumps packets from the link to the handler until it breaks, then
// detaches it from the registry.
func (s *Server) serve(conn *Conn) {
	defer s.dropLink(conn)

	buf := make([]byte, maxFrameSize)
	for {
		packet, err := conn.nextPacket(buf)
		if err != nil {
			slog.Info("peer link closed",
				"peer", cluster.PeerName(conn.remote), "error", err)
			return
		}
		s.handler(conn.remote, packet)
	}
}

func (s *Server) newLink(nc net.Conn, remote grid.Cell) (*Conn, error) {
	cipher, err := s.newCipher()
	if err != nil {
		return nil, err
	}
	conn := newConn(nc, remote, cipher, s.cfg.MaxFragmentPayload, s.cfg.ReassemblySlots)
	if err := s.registerLink(conn); err != nil {
		return nil, err
	}
	return conn, nil
}

func (s *Server) newCipher() (*crypto.BlowfishCipher, error) {
	if len(s.cfg.LinkKey) == 0 {
		return nil, nil
	}
	return crypto.NewBlowfishCipher(s.cfg.LinkKey)
}

func (s *Server) registerLink(conn *Conn) error {
	if err := s.registry.AttachPeer(conn.remote, conn); err != nil {
		return err
	}
	s.mu.Lock()
	old := s.conns[conn.remote]
	s.conns[conn.remote] = conn
	s.mu.Unlock()
	if old != nil {
		old.Close()
	}
	return nil
}

func (s *Server) dropLink(conn *Conn) {
	conn.Close()
	s.mu.Lock()
	current := s.conns[conn.remote]
	if current == conn {
		delete(s.conns, conn.remote)
	}
	s.mu.Unlock()
	// Only detach the registry entry if a reconnect has not replaced it.
	if current == conn {
		s.registry.DetachPeer(conn.remote)
	}
}

func (s *Server) closeAll() {
	s.mu.Lock()
	conns := make([]*Conn, 0, len(s.conns))
	for _, c := range s.conns {
		conns = append(conns, c)
	}
	s.mu.Unlock()
	for _, c := range conns {
		c.Close()
	}
}

// Interface check: connections are handed to the registry as peers.
var _ cluster.Peer = (*Conn)(nil)
