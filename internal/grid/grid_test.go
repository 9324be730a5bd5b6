package grid

import "testing"

func testTopology() Topology {
	return New(DefaultScale(), Bounds{MinX: -4, MaxX: 4, MinZ: -4, MaxZ: 4})
}

func TestOwnerOf(t *testing.T) {
	topo := testTopology()
	span := topo.Scale().BlocksPerCell() // 1024 with defaults

	tests := []struct {
		name  string
		x, z  int32
		wantX, wantZ int32
	}{
		{"origin", 0, 0, 0, 0},
		{"inside first cell", span - 1, span - 1, 0, 0},
		{"first coordinate of next cell", span, 0, 1, 0},
		{"negative maps to cell -1", -1, -1, -1, -1},
		{"negative cell lower edge", -span, -span, -1, -1},
		{"one below negative edge", -span - 1, 0, -2, 0},
		{"mixed axes", span * 2, -span, 2, -1},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := topo.OwnerOf(tt.x, tt.z)
			if got.X != tt.wantX || got.Z != tt.wantZ {
				t.Errorf("OwnerOf(%d, %d) = %v, want cell(%d,%d)",
					tt.x, tt.z, got, tt.wantX, tt.wantZ)
			}
		})
	}
}

// Every coordinate must map to exactly one cell, and that cell's half-open
// bounds must contain it.
func TestOwnerOfPartitionsPlane(t *testing.T) {
	topo := testTopology()
	span := topo.Scale().BlocksPerCell()

	for x := -2*span - 3; x <= 2*span+3; x += span / 4 {
		for z := -2*span - 3; z <= 2*span+3; z += span / 4 {
			owner := topo.OwnerOf(x, z)
			if !topo.IsInside(owner, x, z) {
				t.Fatalf("(%d,%d): owner %v does not contain its coordinate", x, z, owner)
			}
			// No other adjacent cell may also claim it.
			for dx := int32(-1); dx <= 1; dx++ {
				for dz := int32(-1); dz <= 1; dz++ {
					if dx == 0 && dz == 0 {
						continue
					}
					other := Cell{X: owner.X + dx, Z: owner.Z + dz}
					if topo.IsInside(other, x, z) {
						t.Fatalf("(%d,%d): claimed by both %v and %v", x, z, owner, other)
					}
				}
			}
		}
	}
}

func TestValid(t *testing.T) {
	topo := testTopology()

	tests := []struct {
		name string
		cell Cell
		want bool
	}{
		{"center", Cell{0, 0}, true},
		{"min corner", Cell{-4, -4}, true},
		{"max corner is exclusive", Cell{4, 4}, false},
		{"last valid cell", Cell{3, 3}, true},
		{"below min X", Cell{-5, 0}, false},
		{"above max Z", Cell{0, 4}, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := topo.Valid(tt.cell); got != tt.want {
				t.Errorf("Valid(%v) = %v, want %v", tt.cell, got, tt.want)
			}
		})
	}
}

func TestIsOutsideButNear(t *testing.T) {
	topo := testTopology()
	cell := Cell{0, 0}
	chunks := topo.Scale().ChunksPerCell // 64 with defaults

	tests := []struct {
		name           string
		chunkX, chunkZ int32
		viewDistance   int32
		want           bool
	}{
		{"inside is never near", 10, 10, 8, false},
		{"just past east edge", chunks, 0, 8, true},
		{"just past west edge", -1, 0, 8, true},
		{"corner diagonal", chunks + 2, chunks + 2, 8, true},
		{"beyond view distance", chunks + 8, 0, 8, false},
		{"last near chunk east", chunks + 7, 0, 8, true},
		{"z axis uses z delta", 0, chunks + 7, 8, true},
		{"far on z only", 0, chunks + 8, 8, false},
		{"zero view distance", chunks, 0, 0, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := topo.IsOutsideButNear(cell, tt.chunkX, tt.chunkZ, tt.viewDistance)
			if got != tt.want {
				t.Errorf("IsOutsideButNear(%v, %d, %d, %d) = %v, want %v",
					cell, tt.chunkX, tt.chunkZ, tt.viewDistance, got, tt.want)
			}
		})
	}
}

// Growing the view distance must only grow the near set, and the near set
// must stay disjoint from the inside set.
func TestIsOutsideButNearMonotone(t *testing.T) {
	topo := testTopology()
	cell := Cell{-1, 1}

	for chunkX := int32(-80); chunkX <= 80; chunkX += 7 {
		for chunkZ := int32(-80); chunkZ <= 160; chunkZ += 7 {
			for vd := int32(0); vd < 16; vd++ {
				near := topo.IsOutsideButNear(cell, chunkX, chunkZ, vd)
				if near && topo.IsOutsideButNear(cell, chunkX, chunkZ, vd+1) == false {
					t.Fatalf("near set shrank at chunk(%d,%d) vd %d→%d", chunkX, chunkZ, vd, vd+1)
				}
				minX, minZ, maxX, maxZ := topo.ChunkBounds(cell)
				inside := chunkX >= minX && chunkX < maxX && chunkZ >= minZ && chunkZ < maxZ
				if near && inside {
					t.Fatalf("chunk(%d,%d) is both inside and near at vd %d", chunkX, chunkZ, vd)
				}
			}
		}
	}
}

func TestBlockBoundsAdjacent(t *testing.T) {
	topo := testTopology()

	// Adjacent cells must share an edge exactly: maxX of one is minX of the next.
	_, _, maxX, _ := topo.BlockBounds(Cell{0, 0})
	minX, _, _, _ := topo.BlockBounds(Cell{1, 0})
	if maxX != minX {
		t.Errorf("cells (0,0) and (1,0) not edge-adjacent: %d vs %d", maxX, minX)
	}
}

func TestChunkOf(t *testing.T) {
	topo := testTopology()

	tests := []struct {
		x, z           int32
		wantX, wantZ   int32
	}{
		{0, 0, 0, 0},
		{15, 15, 0, 0},
		{16, 0, 1, 0},
		{-1, -16, -1, -1},
		{-17, 0, -2, 0},
	}

	for _, tt := range tests {
		cx, cz := topo.ChunkOf(tt.x, tt.z)
		if cx != tt.wantX || cz != tt.wantZ {
			t.Errorf("ChunkOf(%d, %d) = (%d, %d), want (%d, %d)",
				tt.x, tt.z, cx, cz, tt.wantX, tt.wantZ)
		}
	}
}
