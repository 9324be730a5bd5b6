package node

import (
	"log/slog"

	"github.com/dstrelkov/gridworld/internal/cluster"
	"github.com/dstrelkov/gridworld/internal/dispatch"
	"github.com/dstrelkov/gridworld/internal/grid"
	"github.com/dstrelkov/gridworld/internal/handoff"
	"github.com/dstrelkov/gridworld/internal/model"
	"github.com/dstrelkov/gridworld/internal/protocol"
)

// Simulation is what the node needs from the world on top of the handoff
// collaborator: dropping mirrored copies of foreign entities.
type Simulation interface {
	handoff.Simulation
	DespawnMirror(id model.EntityID)
}

// Node ties the inbound side of a cell server together: it routes packets
// arriving from peer links to the handoff coordinator, relays forwardable
// packets addressed to other cells, and applies mirror updates.
type Node struct {
	registry *cluster.Registry
	dispatch *dispatch.Dispatcher
	coord    *handoff.Coordinator
	sim      Simulation
}

// New creates a Node.
func New(registry *cluster.Registry, d *dispatch.Dispatcher, coord *handoff.Coordinator, sim Simulation) *Node {
	return &Node{registry: registry, dispatch: d, coord: coord, sim: sim}
}

// Coordinator returns the handoff coordinator (for triggers and status).
func (n *Node) Coordinator() *handoff.Coordinator {
	return n.coord
}

// HandlePacket consumes one complete packet from a peer link. It is the
// transport handler: it runs on receive goroutines and only ever schedules
// simulation work, never mutates entities inline.
func (n *Node) HandlePacket(from grid.Cell, packet []byte) {
	if len(packet) == 0 {
		return
	}
	op := packet[0]

	if !protocol.Forwardable(op) {
		n.handleDirect(op, packet[1:], from)
		return
	}

	bare, dest, err := protocol.SplitDestination(packet)
	if err != nil {
		slog.Warn("dropping malformed forwardable packet",
			"opcode", op, "from", from.String(), "error", err)
		return
	}

	if dest != n.registry.LocalCell() {
		// One relay hop: we are the neighbor carrying traffic for a cell
		// the sender is not connected to.
		if err := n.dispatch.Send(dest, bare, true); err != nil {
			slog.Warn("dropping unroutable relayed packet",
				"opcode", op, "from", from.String(), "dest", dest.String(), "error", err)
		}
		return
	}

	n.handleTransfer(op, bare[1:], from)
}

func (n *Node) handleTransfer(op byte, body []byte, from grid.Cell) {
	switch op {
	case protocol.OpTransferRequest:
		req, err := protocol.DecodeTransferRequest(body)
		if err != nil {
			slog.Warn("dropping malformed transfer request", "from", from.String(), "error", err)
			return
		}
		if err := n.coord.HandleTransferRequest(req); err != nil {
			slog.Error("failed to answer transfer request",
				"entity", req.EntityID, "source", req.Source.String(), "error", err)
		}
	case protocol.OpTransferResponse:
		resp, err := protocol.DecodeTransferResponse(body)
		if err != nil {
			slog.Warn("dropping malformed transfer response", "from", from.String(), "error", err)
			return
		}
		n.coord.HandleTransferResponse(resp)
	case protocol.OpTransferCommit:
		commit, err := protocol.DecodeTransferCommit(body)
		if err != nil {
			slog.Warn("dropping malformed transfer commit", "from", from.String(), "error", err)
			return
		}
		n.coord.HandleEntityArrival(commit)
	default:
		slog.Warn("unknown forwardable opcode", "opcode", op, "from", from.String())
	}
}

func (n *Node) handleDirect(op byte, body []byte, from grid.Cell) {
	switch op {
	case protocol.OpPeerHello:
		// Handshake is handled by the transport; a repeat is harmless.
		slog.Debug("ignoring duplicate hello", "from", from.String())
	case protocol.OpDespawnNotice:
		notice, err := protocol.DecodeDespawnNotice(body)
		if err != nil {
			slog.Warn("dropping malformed despawn notice", "from", from.String(), "error", err)
			return
		}
		n.sim.Schedule(func() {
			n.sim.DespawnMirror(notice.EntityID)
		})
	default:
		slog.Warn("unknown direct opcode", "opcode", op, "from", from.String())
	}
}
