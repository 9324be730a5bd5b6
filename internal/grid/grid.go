package grid

import "fmt"

// Cell identifies one rectangular partition of the world, owned and
// simulated by exactly one server process.
type Cell struct {
	X int32
	Z int32
}

func (c Cell) String() string {
	return fmt.Sprintf("cell(%d,%d)", c.X, c.Z)
}

// Scale holds the per-deployment size constants. Region, chunk and block
// bounds of a cell are pure functions of these; nothing is stored per cell.
type Scale struct {
	BlocksPerChunk int32
	ChunksPerCell  int32
	RegionsPerCell int32
}

// BlocksPerCell returns the world-unit span of one cell edge.
func (s Scale) BlocksPerCell() int32 {
	return s.BlocksPerChunk * s.ChunksPerCell
}

// DefaultScale returns the deployment defaults: 16-block chunks,
// 64-chunk cells, 2 regions per cell axis.
func DefaultScale() Scale {
	return Scale{
		BlocksPerChunk: 16,
		ChunksPerCell:  64,
		RegionsPerCell: 2,
	}
}

// Bounds limits the grid to a finite rectangle of cells, half-open on both
// axes: a cell is inside iff MinX <= X < MaxX and MinZ <= Z < MaxZ.
type Bounds struct {
	MinX int32
	MaxX int32
	MinZ int32
	MaxZ int32
}

// Topology maps world coordinates to owning cells. Pure geometry: safe for
// concurrent use from any goroutine once constructed.
type Topology struct {
	scale  Scale
	bounds Bounds
}

// New builds a Topology from the configured scale and grid bounds.
func New(scale Scale, bounds Bounds) Topology {
	return Topology{scale: scale, bounds: bounds}
}

// Scale returns the deployment scale constants.
func (t Topology) Scale() Scale {
	return t.scale
}

// Bounds returns the grid's cell rectangle.
func (t Topology) Bounds() Bounds {
	return t.bounds
}

// Valid reports whether the cell lies inside the configured grid bounds.
// Invalid cells never receive traffic.
func (t Topology) Valid(c Cell) bool {
	return c.X >= t.bounds.MinX && c.X < t.bounds.MaxX &&
		c.Z >= t.bounds.MinZ && c.Z < t.bounds.MaxZ
}

// OwnerOf returns the cell owning the given world (block) coordinate.
// Floor division, so the half-open cell bounds partition the whole plane:
// every coordinate maps to exactly one cell, including negatives.
func (t Topology) OwnerOf(worldX, worldZ int32) Cell {
	span := t.scale.BlocksPerCell()
	return Cell{
		X: floorDiv(worldX, span),
		Z: floorDiv(worldZ, span),
	}
}

// BlockBounds returns the half-open world-unit bounds [minX,maxX)×[minZ,maxZ)
// of the cell.
func (t Topology) BlockBounds(c Cell) (minX, minZ, maxX, maxZ int32) {
	span := t.scale.BlocksPerCell()
	return c.X * span, c.Z * span, (c.X + 1) * span, (c.Z + 1) * span
}

// ChunkBounds returns the half-open chunk-coordinate bounds of the cell.
func (t Topology) ChunkBounds(c Cell) (minX, minZ, maxX, maxZ int32) {
	return c.X * t.scale.ChunksPerCell, c.Z * t.scale.ChunksPerCell,
		(c.X + 1) * t.scale.ChunksPerCell, (c.Z + 1) * t.scale.ChunksPerCell
}

// RegionBounds returns the half-open region-coordinate bounds of the cell.
func (t Topology) RegionBounds(c Cell) (minX, minZ, maxX, maxZ int32) {
	return c.X * t.scale.RegionsPerCell, c.Z * t.scale.RegionsPerCell,
		(c.X + 1) * t.scale.RegionsPerCell, (c.Z + 1) * t.scale.RegionsPerCell
}

// IsInside reports whether the world coordinate falls in the cell's
// half-open block bounds. A boundary coordinate belongs to exactly one cell.
func (t Topology) IsInside(c Cell, worldX, worldZ int32) bool {
	minX, minZ, maxX, maxZ := t.BlockBounds(c)
	return worldX >= minX && worldX < maxX && worldZ >= minZ && worldZ < maxZ
}

// IsOutsideButNear reports whether the chunk lies outside the cell's chunk
// bounds but within viewDistance chunks of them. Cells use this to decide
// which neighbors must replicate boundary data to them. Growing viewDistance
// only grows the near set.
func (t Topology) IsOutsideButNear(c Cell, chunkX, chunkZ, viewDistance int32) bool {
	minX, minZ, maxX, maxZ := t.ChunkBounds(c)
	if chunkX >= minX && chunkX < maxX && chunkZ >= minZ && chunkZ < maxZ {
		return false
	}
	return chunkX >= minX-viewDistance && chunkX < maxX+viewDistance &&
		chunkZ >= minZ-viewDistance && chunkZ < maxZ+viewDistance
}

// ChunkOf converts a world (block) coordinate to its chunk coordinate.
func (t Topology) ChunkOf(worldX, worldZ int32) (chunkX, chunkZ int32) {
	return floorDiv(worldX, t.scale.BlocksPerChunk), floorDiv(worldZ, t.scale.BlocksPerChunk)
}

// floorDiv divides rounding toward negative infinity.
// Go's integer division truncates toward zero, which would map the block
// range (-span, 0) onto cell 0 instead of cell -1.
func floorDiv(a, b int32) int32 {
	q := a / b
	if a%b != 0 && (a < 0) != (b < 0) {
		q--
	}
	return q
}
