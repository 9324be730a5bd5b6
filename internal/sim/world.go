package sim

import (
	"context"
	"fmt"
	"sync"

	"github.com/dstrelkov/gridworld/internal/handoff"
	"github.com/dstrelkov/gridworld/internal/model"
	"github.com/dstrelkov/gridworld/internal/protocol"
)

// Entity is one simulated object owned (or mirrored) by the local cell.
// Mutated only on the world's simulation goroutine.
type Entity struct {
	id    model.EntityID
	typ   model.EntityType
	loc   model.Location
	state []byte // opaque gameplay state
}

func (e *Entity) ID() model.EntityID     { return e.id }
func (e *Entity) Type() model.EntityType { return e.typ }
func (e *Entity) Location() model.Location {
	return e.loc
}

// MergeState overwrites the entity's fields with a blob produced by
// SerializeState on another cell. The blob carries the source-side position,
// so callers that want the entity elsewhere must set the location afterward.
func (e *Entity) MergeState(blob []byte) error {
	r := protocol.NewReader(blob)
	var loc model.Location
	var err error
	if loc.X, err = r.ReadInt32(); err != nil {
		return fmt.Errorf("merging entity state: %w", err)
	}
	if loc.Y, err = r.ReadInt32(); err != nil {
		return fmt.Errorf("merging entity state: %w", err)
	}
	if loc.Z, err = r.ReadInt32(); err != nil {
		return fmt.Errorf("merging entity state: %w", err)
	}
	if loc.Heading, err = r.ReadUint16(); err != nil {
		return fmt.Errorf("merging entity state: %w", err)
	}
	typ, err := r.ReadUint16()
	if err != nil {
		return fmt.Errorf("merging entity state: %w", err)
	}
	state, err := r.ReadBlob()
	if err != nil {
		return fmt.Errorf("merging entity state: %w", err)
	}
	e.loc = loc
	e.typ = model.EntityType(typ)
	e.state = state
	return nil
}

func (e *Entity) SetIdentity(id model.EntityID) { e.id = id }
func (e *Entity) SetLocation(loc model.Location) {
	e.loc = loc
}

// State returns the opaque gameplay state blob.
func (e *Entity) State() []byte { return e.state }

// World owns the local slice of the simulation: the entities of this cell,
// the mirrored boundary entities of neighboring cells, and the single
// goroutine all mutations run on.
type World struct {
	tasks chan func()

	mu       sync.RWMutex
	entities map[model.EntityID]*Entity
	mirrors  map[model.EntityID]*Entity
}

// NewWorld creates a World with the given task queue depth.
func NewWorld(queueSize int) *World {
	if queueSize <= 0 {
		queueSize = 256
	}
	return &World{
		tasks:    make(chan func(), queueSize),
		entities: make(map[model.EntityID]*Entity),
		mirrors:  make(map[model.EntityID]*Entity),
	}
}

// Run consumes scheduled tasks until the context is cancelled. This is the
// simulation goroutine: every entity mutation happens here.
func (w *World) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case task := <-w.tasks:
			task()
		}
	}
}

// Schedule queues a task for the simulation goroutine. Safe to call from
// any goroutine; network handlers use this instead of touching entities.
func (w *World) Schedule(task func()) {
	w.tasks <- task
}

// Spawn creates a locally-owned entity. Simulation goroutine only.
func (w *World) Spawn(id model.EntityID, typ model.EntityType, loc model.Location, state []byte) *Entity {
	e := &Entity{id: id, typ: typ, loc: loc, state: append([]byte(nil), state...)}
	w.mu.Lock()
	w.entities[id] = e
	w.mu.Unlock()
	return e
}

// Despawn removes a locally-owned entity. Simulation goroutine only.
func (w *World) Despawn(id model.EntityID) {
	w.mu.Lock()
	delete(w.entities, id)
	w.mu.Unlock()
}

// SpawnWithIdentity constructs an entity preserving an identity assigned
// elsewhere, for handoff arrivals. Simulation goroutine only.
func (w *World) SpawnWithIdentity(id model.EntityID, typ model.EntityType, loc model.Location) (handoff.Entity, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if _, exists := w.entities[id]; exists {
		return nil, fmt.Errorf("entity %d already exists locally", id)
	}
	e := &Entity{id: id, typ: typ, loc: loc}
	w.entities[id] = e
	return e, nil
}

// SerializeState flattens an entity into a transferable blob:
// position, heading, type, then the opaque state.
func (w *World) SerializeState(id model.EntityID) ([]byte, error) {
	w.mu.RLock()
	e, ok := w.entities[id]
	w.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("entity %d not found", id)
	}
	wr := protocol.GetWriter()
	defer wr.Put()
	wr.WriteInt32(e.loc.X)
	wr.WriteInt32(e.loc.Y)
	wr.WriteInt32(e.loc.Z)
	wr.WriteUint16(e.loc.Heading)
	wr.WriteUint16(uint16(e.typ))
	wr.WriteBlob(e.state)
	return append([]byte(nil), wr.Bytes()...), nil
}

// AddMirror stores a replicated representation of an entity owned by a
// neighboring cell (boundary visibility). Simulation goroutine only.
func (w *World) AddMirror(id model.EntityID, typ model.EntityType, loc model.Location) {
	w.mu.Lock()
	w.mirrors[id] = &Entity{id: id, typ: typ, loc: loc}
	w.mu.Unlock()
}

// DespawnMirror drops the replicated representation of a foreign entity,
// typically because its owner handed it off or despawned it.
func (w *World) DespawnMirror(id model.EntityID) {
	w.mu.Lock()
	delete(w.mirrors, id)
	w.mu.Unlock()
}

// Entity returns the locally-owned entity, if present. The pointer must
// only be dereferenced from the simulation goroutine.
func (w *World) Entity(id model.EntityID) (*Entity, bool) {
	w.mu.RLock()
	defer w.mu.RUnlock()
	e, ok := w.entities[id]
	return e, ok
}

// HasMirror reports whether a foreign entity is currently mirrored.
func (w *World) HasMirror(id model.EntityID) bool {
	w.mu.RLock()
	defer w.mu.RUnlock()
	_, ok := w.mirrors[id]
	return ok
}

// Count returns the number of locally-owned entities.
func (w *World) Count() int {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return len(w.entities)
}
