package dispatch

import (
	"errors"
	"fmt"

	"github.com/dstrelkov/gridworld/internal/cluster"
	"github.com/dstrelkov/gridworld/internal/grid"
	"github.com/dstrelkov/gridworld/internal/protocol"
)

var (
	// ErrInvalidDestination marks a category/destination mismatch: a
	// direct-only message addressed to a cell that is only reachable by
	// relay. Never downgraded or rerouted silently.
	ErrInvalidDestination = errors.New("dispatch: direct-only message to relayed destination")

	// ErrInvalidOperation marks a message addressed to the local cell; a
	// process never talks to itself through the peer network.
	ErrInvalidOperation = errors.New("dispatch: message addressed to local cell")
)

// Dispatcher routes encoded messages to the peer connection that carries
// traffic toward the destination cell, enforcing which message kinds may
// cross which peer classes. Safe for concurrent use: per-peer write
// serialization lives inside the connections.
type Dispatcher struct {
	registry *cluster.Registry
}

// New creates a Dispatcher over the given registry.
func New(registry *cluster.Registry) *Dispatcher {
	return &Dispatcher{registry: registry}
}

// Send routes one encoded message ([opcode][body]) to the destination cell.
// Forwardable messages get the destination cell tag appended so a relay can
// route them onward; direct-only messages to a faraway destination fail with
// ErrInvalidDestination. flush=false batches the message on the peer
// connection instead of transmitting immediately.
func (d *Dispatcher) Send(dest grid.Cell, packet []byte, flush bool) error {
	if len(packet) == 0 {
		return fmt.Errorf("send to %v: empty message", dest)
	}

	role := d.registry.Resolve(dest)
	switch role.Kind {
	case cluster.KindInvalid:
		return fmt.Errorf("send to %v: %w", dest, cluster.ErrInvalidCell)
	case cluster.KindLocal:
		return fmt.Errorf("send to %v: %w", dest, ErrInvalidOperation)
	case cluster.KindFaraway:
		if !protocol.Forwardable(packet[0]) {
			return fmt.Errorf("send opcode 0x%02x to %v: %w", packet[0], dest, ErrInvalidDestination)
		}
	}

	if protocol.Forwardable(packet[0]) {
		packet = protocol.AppendDestination(packet, dest)
	}

	conn, err := d.registry.RouteFor(dest)
	if err != nil {
		return fmt.Errorf("send to %v: %w", dest, err)
	}
	if err := conn.SendMessage(packet, flush); err != nil {
		return fmt.Errorf("send to %v: %w", dest, err)
	}
	return nil
}

// FlushPending forces transmission of anything buffered for the peer that
// carries traffic to dest. A local destination is a no-op, never an error.
func (d *Dispatcher) FlushPending(dest grid.Cell) error {
	role := d.registry.Resolve(dest)
	switch role.Kind {
	case cluster.KindLocal:
		return nil
	case cluster.KindInvalid:
		return fmt.Errorf("flush to %v: %w", dest, cluster.ErrInvalidCell)
	}

	conn, err := d.registry.RouteFor(dest)
	if err != nil {
		return fmt.Errorf("flush to %v: %w", dest, err)
	}
	if err := conn.FlushPending(); err != nil {
		return fmt.Errorf("flush to %v: %w", dest, err)
	}
	return nil
}
