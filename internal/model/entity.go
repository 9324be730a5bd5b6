package model

// EntityID is the stable unique identity of a simulated entity. It is
// assigned once and survives handoffs between cell servers.
type EntityID uint64

// EntityType discriminates entity templates (creature kind, projectile, ...).
// Opaque to the handoff protocol; the receiving simulation uses it to pick
// a constructor.
type EntityType uint16
