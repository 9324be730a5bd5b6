package cluster

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/dstrelkov/gridworld/internal/grid"
)

// PeerName returns the addressing name under which a cell server registers
// itself when establishing a connection: "peer-<gridX>-<gridZ>".
func PeerName(c grid.Cell) string {
	return fmt.Sprintf("peer-%d-%d", c.X, c.Z)
}

// ParsePeerName recovers the cell from a "peer-<gridX>-<gridZ>" name.
func ParsePeerName(name string) (grid.Cell, error) {
	rest, ok := strings.CutPrefix(name, "peer-")
	if !ok {
		return grid.Cell{}, fmt.Errorf("peer name %q: missing prefix", name)
	}
	// Coordinates may be negative, so split on the last '-' that is not a
	// sign character.
	sep := -1
	for i := 1; i < len(rest); i++ {
		if rest[i] == '-' && rest[i-1] != '-' && i > 0 {
			sep = i
		}
	}
	if sep <= 0 {
		return grid.Cell{}, fmt.Errorf("peer name %q: missing coordinate separator", name)
	}
	x, err := strconv.ParseInt(rest[:sep], 10, 32)
	if err != nil {
		return grid.Cell{}, fmt.Errorf("peer name %q: parsing x: %w", name, err)
	}
	z, err := strconv.ParseInt(rest[sep+1:], 10, 32)
	if err != nil {
		return grid.Cell{}, fmt.Errorf("peer name %q: parsing z: %w", name, err)
	}
	return grid.Cell{X: int32(x), Z: int32(z)}, nil
}
