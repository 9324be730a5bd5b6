package handoff

import (
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/dstrelkov/gridworld/internal/cluster"
	"github.com/dstrelkov/gridworld/internal/dispatch"
	"github.com/dstrelkov/gridworld/internal/grid"
	"github.com/dstrelkov/gridworld/internal/model"
	"github.com/dstrelkov/gridworld/internal/protocol"
)

// DefaultExpiry is how long a transfer attempt may stay unanswered before a
// new attempt for the same entity is allowed. Keeps fast-moving entities
// from getting stuck on an unresponsive destination.
const DefaultExpiry = 1000 * time.Millisecond

// Entity is the handle the simulation returns for a freshly constructed
// entity during arrival.
type Entity interface {
	ID() model.EntityID
	// MergeState overwrites the entity's default state with the blob
	// serialized by the previous owner.
	MergeState(blob []byte) error
	SetIdentity(id model.EntityID)
	SetLocation(loc model.Location)
}

// Simulation is the collaborator owning local world state. Despawn,
// SpawnWithIdentity and SerializeState mutate or read simulation state and
// are only called from inside Schedule tasks; Schedule itself must be safe
// to call from any goroutine.
type Simulation interface {
	// Schedule runs the task on the single goroutine that owns world
	// simulation state.
	Schedule(task func())
	Despawn(id model.EntityID)
	SpawnWithIdentity(id model.EntityID, typ model.EntityType, loc model.Location) (Entity, error)
	SerializeState(id model.EntityID) ([]byte, error)
}

// Outcome is a recorded step of a transfer attempt.
type Outcome int8

const (
	OutcomeInitiated Outcome = iota
	OutcomeRejected
	OutcomeCommitted
	OutcomeArrived
	OutcomeExpired
)

func (o Outcome) String() string {
	switch o {
	case OutcomeInitiated:
		return "initiated"
	case OutcomeRejected:
		return "rejected"
	case OutcomeCommitted:
		return "committed"
	case OutcomeArrived:
		return "arrived"
	case OutcomeExpired:
		return "expired"
	default:
		return "unknown"
	}
}

// Event describes one handoff protocol step for audit purposes.
type Event struct {
	TransferID uuid.UUID
	EntityID   model.EntityID
	Cell       grid.Cell // destination (or source, for OutcomeArrived)
	Outcome    Outcome
	At         time.Time
}

// Journal receives handoff events. Implementations must not block the
// caller; the coordinator invokes it on protocol paths.
type Journal interface {
	Record(ev Event)
}

// NopJournal discards all events.
type NopJournal struct{}

func (NopJournal) Record(Event) {}

type pendingTransfer struct {
	transferID uuid.UUID
	entityID   model.EntityID
	entityType model.EntityType
	dest       grid.Cell
	target     model.Location
	deadline   time.Time
}

// Config tunes the coordinator.
type Config struct {
	// Expiry bounds how long a pending transfer waits for a response
	// (DefaultExpiry if zero).
	Expiry time.Duration
	// ViewDistance (in chunks) decides which neighbors mirror boundary
	// entities and therefore must be told about despawns.
	ViewDistance int32
	// Accept, when set, lets the destination veto incoming transfers that
	// already pass the ownership check (capacity, admission policy).
	Accept func(req protocol.TransferRequest) bool
}

// Coordinator moves ownership of entities from the local cell to the
// destination cell's owner. One in-flight attempt per entity; attempts
// expire lazily after Config.Expiry.
type Coordinator struct {
	registry *cluster.Registry
	dispatch *dispatch.Dispatcher
	sim      Simulation
	journal  Journal
	cfg      Config

	now   func() time.Time
	newID func() uuid.UUID

	mu      sync.Mutex
	pending map[model.EntityID]pendingTransfer
}

// New creates a Coordinator. journal may be nil.
func New(registry *cluster.Registry, d *dispatch.Dispatcher, sim Simulation, journal Journal, cfg Config) *Coordinator {
	if cfg.Expiry <= 0 {
		cfg.Expiry = DefaultExpiry
	}
	if journal == nil {
		journal = NopJournal{}
	}
	return &Coordinator{
		registry: registry,
		dispatch: d,
		sim:      sim,
		journal:  journal,
		cfg:      cfg,
		now:      time.Now,
		newID:    uuid.New,
		pending:  make(map[model.EntityID]pendingTransfer),
	}
}

// PendingCount returns the number of live (unexpired) transfer attempts.
func (c *Coordinator) PendingCount() int {
	now := c.now()
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for _, p := range c.pending {
		if now.Before(p.deadline) {
			n++
		}
	}
	return n
}

// InitiateTransfer starts moving an entity toward the cell owning target.
// No-op when the target falls outside the grid, when it stays in the local
// cell, or when an unexpired attempt for this entity is already in flight:
// a fast-moving entity firing several boundary triggers produces exactly one
// outstanding request.
func (c *Coordinator) InitiateTransfer(entityID model.EntityID, entityType model.EntityType, target model.Location) error {
	topo := c.registry.Topology()
	dest := topo.OwnerOf(target.X, target.Z)

	switch c.registry.Resolve(dest).Kind {
	case cluster.KindInvalid:
		slog.Debug("transfer target outside grid, ignoring",
			"entity", entityID, "dest", dest.String())
		return nil
	case cluster.KindLocal:
		return nil
	}

	now := c.now()

	c.mu.Lock()

	if p, ok := c.pending[entityID]; ok {
		if now.Before(p.deadline) {
			c.mu.Unlock()
			return nil // one attempt at a time
		}
		// Previous attempt abandoned; a late response to it will no
		// longer match.
		delete(c.pending, entityID)
		c.journal.Record(Event{
			TransferID: p.transferID, EntityID: entityID,
			Cell: p.dest, Outcome: OutcomeExpired, At: now,
		})
	}

	p := pendingTransfer{
		transferID: c.newID(),
		entityID:   entityID,
		entityType: entityType,
		dest:       dest,
		target:     target,
		deadline:   now.Add(c.cfg.Expiry),
	}
	// Reserve the slot before releasing the lock so a concurrent initiate
	// for the same entity sees the attempt.
	c.pending[entityID] = p
	c.mu.Unlock()

	req := protocol.TransferRequest{
		TransferID: p.transferID,
		EntityID:   entityID,
		EntityType: entityType,
		Target:     target,
		Source:     c.registry.LocalCell(),
	}
	if err := c.dispatch.Send(dest, req.Encode(), true); err != nil {
		c.mu.Lock()
		if cur, ok := c.pending[entityID]; ok && cur.transferID == p.transferID {
			delete(c.pending, entityID)
		}
		c.mu.Unlock()
		return err
	}

	c.journal.Record(Event{
		TransferID: p.transferID, EntityID: entityID,
		Cell: dest, Outcome: OutcomeInitiated, At: now,
	})
	slog.Debug("transfer requested",
		"entity", entityID, "transfer", p.transferID, "dest", dest.String())
	return nil
}

// HandleTransferRequest runs on the destination side: accept iff the target
// location lies inside the local cell, and answer the requesting cell.
func (c *Coordinator) HandleTransferRequest(req protocol.TransferRequest) error {
	local := c.registry.LocalCell()
	accept := c.registry.Topology().IsInside(local, req.Target.X, req.Target.Z)
	if !accept {
		slog.Warn("rejecting transfer, target not in local cell",
			"entity", req.EntityID, "transfer", req.TransferID,
			"target_x", req.Target.X, "target_z", req.Target.Z)
	}
	if accept && c.cfg.Accept != nil && !c.cfg.Accept(req) {
		accept = false
		slog.Info("rejecting transfer by admission policy",
			"entity", req.EntityID, "transfer", req.TransferID)
	}

	resp := protocol.TransferResponse{
		TransferID: req.TransferID,
		EntityID:   req.EntityID,
		Success:    accept,
		Source:     local,
	}
	return c.dispatch.Send(req.Source, resp.Encode(), true)
}

// HandleTransferResponse matches a response against the pending table.
// Anything that does not line up (unknown entity, wrong transfer id, wrong
// responding cell, or a response arriving after expiry) is dropped without
// comment: such races are expected under concurrent movement and delay.
// A matched entry is invalidated immediately (single-use).
func (c *Coordinator) HandleTransferResponse(resp protocol.TransferResponse) {
	now := c.now()

	c.mu.Lock()
	p, ok := c.pending[resp.EntityID]
	if !ok {
		c.mu.Unlock()
		return
	}
	if !now.Before(p.deadline) {
		delete(c.pending, resp.EntityID)
		c.mu.Unlock()
		c.journal.Record(Event{
			TransferID: p.transferID, EntityID: p.entityID,
			Cell: p.dest, Outcome: OutcomeExpired, At: now,
		})
		return
	}
	if p.transferID != resp.TransferID || p.dest != resp.Source {
		c.mu.Unlock()
		return
	}
	delete(c.pending, resp.EntityID)
	c.mu.Unlock()

	if !resp.Success {
		slog.Info("transfer rejected by destination",
			"entity", p.entityID, "transfer", p.transferID, "dest", p.dest.String())
		c.journal.Record(Event{
			TransferID: p.transferID, EntityID: p.entityID,
			Cell: p.dest, Outcome: OutcomeRejected, At: now,
		})
		return
	}

	c.transferEntity(p)
}

// transferEntity is the commit step: serialize, despawn locally (and on any
// mirroring neighbor), then send the state to the new owner. The entity is
// gone locally before the destination confirms receipt; a commit packet lost
// past this point loses the entity.
func (c *Coordinator) transferEntity(p pendingTransfer) {
	role := c.registry.Resolve(p.dest)
	if role.Kind != cluster.KindNeighbor && role.Kind != cluster.KindFaraway {
		slog.Error("transfer destination no longer reachable, aborting commit",
			"entity", p.entityID, "transfer", p.transferID, "dest", p.dest.String())
		return
	}

	c.sim.Schedule(func() {
		blob, err := c.sim.SerializeState(p.entityID)
		if err != nil {
			slog.Error("cannot serialize entity for transfer",
				"entity", p.entityID, "transfer", p.transferID, "error", err)
			return
		}

		c.sim.Despawn(p.entityID)
		c.notifyMirrors(p)

		commit := protocol.TransferCommit{
			TransferID: p.transferID,
			EntityID:   p.entityID,
			EntityType: p.entityType,
			Target:     p.target,
			State:      blob,
			Source:     c.registry.LocalCell(),
		}
		if err := c.dispatch.Send(p.dest, commit.Encode(), true); err != nil {
			// The entity is already despawned; nothing to roll back.
			slog.Error("entity despawned but commit send failed, entity lost",
				"entity", p.entityID, "transfer", p.transferID, "dest", p.dest.String(), "error", err)
			return
		}

		c.journal.Record(Event{
			TransferID: p.transferID, EntityID: p.entityID,
			Cell: p.dest, Outcome: OutcomeCommitted, At: c.now(),
		})
		slog.Info("entity transferred",
			"entity", p.entityID, "transfer", p.transferID, "dest", p.dest.String())
	})
}

// notifyMirrors tells every connected neighbor whose view range reaches the
// entity's chunk to drop its replicated copy.
func (c *Coordinator) notifyMirrors(p pendingTransfer) {
	topo := c.registry.Topology()
	chunkX, chunkZ := topo.ChunkOf(p.target.X, p.target.Z)

	notice := protocol.DespawnNotice{EntityID: p.entityID}.Encode()
	for _, n := range c.registry.Neighbors() {
		if n == p.dest {
			continue // the new owner gets the commit, not a despawn
		}
		if !topo.IsOutsideButNear(n, chunkX, chunkZ, c.cfg.ViewDistance) {
			continue
		}
		if !c.registry.Connected(n) {
			continue
		}
		if err := c.dispatch.Send(n, notice, true); err != nil {
			slog.Warn("despawn notice failed",
				"entity", p.entityID, "neighbor", n.String(), "error", err)
		}
	}
}

// HandleEntityArrival runs on the destination after the commit packet
// arrives: construct the entity with its original identity, merge the
// transported state, and restore identity and position last, since
// construction and merge may both have assigned their own values for those
// fields.
func (c *Coordinator) HandleEntityArrival(commit protocol.TransferCommit) {
	c.sim.Schedule(func() {
		ent, err := c.sim.SpawnWithIdentity(commit.EntityID, commit.EntityType, commit.Target)
		if err != nil {
			slog.Error("cannot construct arriving entity",
				"entity", commit.EntityID, "transfer", commit.TransferID, "error", err)
			return
		}
		if err := ent.MergeState(commit.State); err != nil {
			slog.Error("cannot merge arriving entity state",
				"entity", commit.EntityID, "transfer", commit.TransferID, "error", err)
		}
		ent.SetIdentity(commit.EntityID)
		ent.SetLocation(commit.Target)

		c.journal.Record(Event{
			TransferID: commit.TransferID, EntityID: commit.EntityID,
			Cell: commit.Source, Outcome: OutcomeArrived, At: c.now(),
		})
		slog.Info("entity arrived",
			"entity", commit.EntityID, "transfer", commit.TransferID, "from", commit.Source.String())
	})
}
