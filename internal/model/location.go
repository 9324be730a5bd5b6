package model

// Location is a position in the simulated world. Value type, passed by
// value (immutable).
type Location struct {
	X       int32
	Y       int32
	Z       int32
	Heading uint16 // 0-65535
}

// NewLocation creates a Location with the given coordinates.
func NewLocation(x, y, z int32, heading uint16) Location {
	return Location{X: x, Y: y, Z: z, Heading: heading}
}

// WithCoordinates returns a new Location with updated coordinates.
func (l Location) WithCoordinates(x, y, z int32) Location {
	l.X = x
	l.Y = y
	l.Z = z
	return l
}

// DistanceSquared returns the squared distance to another point (no sqrt).
func (l Location) DistanceSquared(other Location) int64 {
	dx := int64(l.X - other.X)
	dy := int64(l.Y - other.Y)
	dz := int64(l.Z - other.Z)
	return dx*dx + dy*dy + dz*dz
}
