package cluster

import (
	"errors"
	"fmt"
	"sync"

	"github.com/dstrelkov/gridworld/internal/grid"
)

// Peer is one network connection to another cell server. Implementations
// must serialize concurrent writes internally.
type Peer interface {
	// SendMessage transmits one logical message. With flush=false the
	// message is appended to the connection's pending batch instead of
	// being written immediately.
	SendMessage(b []byte, flush bool) error
	// FlushPending transmits anything buffered by earlier unflushed sends.
	FlushPending() error
}

// Kind classifies a cell relative to the local process.
type Kind int8

const (
	// KindInvalid marks cells outside the configured grid bounds.
	KindInvalid Kind = iota
	// KindLocal is the cell this process simulates.
	KindLocal
	// KindNeighbor is a cell reachable over a direct connection.
	KindNeighbor
	// KindFaraway is a cell reachable only by relaying through a neighbor.
	KindFaraway
)

func (k Kind) String() string {
	switch k {
	case KindLocal:
		return "local"
	case KindNeighbor:
		return "neighbor"
	case KindFaraway:
		return "faraway"
	default:
		return "invalid"
	}
}

// Role is the resolved classification of a cell, with role-specific payload:
// a neighbor carries its connection (nil until the peer attaches), a faraway
// cell carries the neighbor cell that relays traffic to it.
type Role struct {
	Kind  Kind
	Conn  Peer      // KindNeighbor only
	Relay grid.Cell // KindFaraway only
}

var (
	// ErrInvalidCell is returned when routing to a cell outside grid bounds.
	ErrInvalidCell = errors.New("cluster: cell outside grid bounds")
	// ErrLocalCell is returned when routing to the local cell; a process
	// never reaches itself through the peer network.
	ErrLocalCell = errors.New("cluster: cell is local")
	// ErrNotConnected is returned when the required neighbor link is down.
	ErrNotConnected = errors.New("cluster: neighbor not connected")
)

// Registry holds the static cell→server layout and the live neighbor
// connections. The layout is fixed at construction; only connection
// attachment changes afterward, so reads are cheap and concurrent-safe.
type Registry struct {
	topo  grid.Topology
	local grid.Cell

	mu    sync.RWMutex
	peers map[grid.Cell]Peer // attached neighbor connections
}

// New builds a Registry for the given local cell. The local cell must lie
// inside the grid bounds.
func New(topo grid.Topology, local grid.Cell) (*Registry, error) {
	if !topo.Valid(local) {
		return nil, fmt.Errorf("local %v: %w", local, ErrInvalidCell)
	}
	return &Registry{
		topo:  topo,
		local: local,
		peers: make(map[grid.Cell]Peer),
	}, nil
}

// LocalCell returns the cell simulated by this process.
func (r *Registry) LocalCell() grid.Cell {
	return r.local
}

// Topology returns the grid geometry the registry was built on.
func (r *Registry) Topology() grid.Topology {
	return r.topo
}

// Resolve classifies a cell relative to the local process.
func (r *Registry) Resolve(c grid.Cell) Role {
	if !r.topo.Valid(c) {
		return Role{Kind: KindInvalid}
	}
	if c == r.local {
		return Role{Kind: KindLocal}
	}
	if r.adjacent(c) {
		r.mu.RLock()
		conn := r.peers[c]
		r.mu.RUnlock()
		return Role{Kind: KindNeighbor, Conn: conn}
	}
	return Role{Kind: KindFaraway, Relay: r.relayFor(c)}
}

// RouteFor returns the connection that carries traffic toward the cell:
// a neighbor's own connection, or the relay neighbor's connection for a
// faraway cell. Calling it for the local or an invalid cell is a caller bug
// and fails hard.
func (r *Registry) RouteFor(c grid.Cell) (Peer, error) {
	role := r.Resolve(c)
	switch role.Kind {
	case KindInvalid:
		return nil, fmt.Errorf("route to %v: %w", c, ErrInvalidCell)
	case KindLocal:
		return nil, fmt.Errorf("route to %v: %w", c, ErrLocalCell)
	case KindNeighbor:
		if role.Conn == nil {
			return nil, fmt.Errorf("route to %v: %w", c, ErrNotConnected)
		}
		return role.Conn, nil
	default: // KindFaraway
		r.mu.RLock()
		conn := r.peers[role.Relay]
		r.mu.RUnlock()
		if conn == nil {
			return nil, fmt.Errorf("route to %v via %v: %w", c, role.Relay, ErrNotConnected)
		}
		return conn, nil
	}
}

// AttachPeer binds a live connection to a neighbor cell. Only adjacent valid
// cells may attach; everything else reaches us through a relay.
func (r *Registry) AttachPeer(c grid.Cell, p Peer) error {
	if !r.topo.Valid(c) {
		return fmt.Errorf("attach %v: %w", c, ErrInvalidCell)
	}
	if c == r.local {
		return fmt.Errorf("attach %v: %w", c, ErrLocalCell)
	}
	if !r.adjacent(c) {
		return fmt.Errorf("attach %v: not adjacent to local %v", c, r.local)
	}
	r.mu.Lock()
	r.peers[c] = p
	r.mu.Unlock()
	return nil
}

// DetachPeer removes a neighbor connection (link lost).
func (r *Registry) DetachPeer(c grid.Cell) {
	r.mu.Lock()
	delete(r.peers, c)
	r.mu.Unlock()
}

// Neighbors returns all valid cells adjacent to the local cell.
func (r *Registry) Neighbors() []grid.Cell {
	cells := make([]grid.Cell, 0, 8)
	for dx := int32(-1); dx <= 1; dx++ {
		for dz := int32(-1); dz <= 1; dz++ {
			if dx == 0 && dz == 0 {
				continue
			}
			c := grid.Cell{X: r.local.X + dx, Z: r.local.Z + dz}
			if r.topo.Valid(c) {
				cells = append(cells, c)
			}
		}
	}
	return cells
}

// Connected reports whether a neighbor cell currently has a live connection.
func (r *Registry) Connected(c grid.Cell) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.peers[c] != nil
}

// adjacent reports whether c touches the local cell (Chebyshev distance 1,
// diagonals included).
func (r *Registry) adjacent(c grid.Cell) bool {
	dx := c.X - r.local.X
	dz := c.Z - r.local.Z
	return dx >= -1 && dx <= 1 && dz >= -1 && dz <= 1 && (dx != 0 || dz != 0)
}

// relayFor picks the neighbor that carries traffic toward a faraway cell:
// the adjacent cell one step in the target's direction, each axis delta
// clamped to [-1, 1] independently.
func (r *Registry) relayFor(c grid.Cell) grid.Cell {
	return grid.Cell{
		X: r.local.X + clamp(c.X-r.local.X),
		Z: r.local.Z + clamp(c.Z-r.local.Z),
	}
}

func clamp(d int32) int32 {
	switch {
	case d > 0:
		return 1
	case d < 0:
		return -1
	default:
		return 0
	}
}
