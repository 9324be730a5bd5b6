package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/dstrelkov/gridworld/internal/grid"
)

// CellServer holds all configuration for one cell server process.
type CellServer struct {
	// Identity: which grid cell this process owns.
	CellX int32 `yaml:"cell_x"`
	CellZ int32 `yaml:"cell_z"`

	// Grid geometry
	Grid GridConfig `yaml:"grid"`

	// Network
	ListenAddr string      `yaml:"listen_addr"`
	StatusAddr string      `yaml:"status_addr"`
	Peers      []PeerEntry `yaml:"peers"`

	// LinkKey enables blowfish encryption on peer links when non-empty.
	// Every cell in the cluster must share the same key.
	LinkKey string `yaml:"link_key"`

	// Transfer
	TransferExpiryMs int `yaml:"transfer_expiry_ms"`
	ViewDistance     int `yaml:"view_distance"` // chunks

	// Transport tuning
	MaxFragmentPayload int `yaml:"max_fragment_payload"`
	ReassemblySlots    int `yaml:"reassembly_slots"`
	SimQueueSize       int `yaml:"sim_queue_size"`

	// Journal persists transfer outcomes for auditing; disabled by default.
	Journal JournalConfig `yaml:"journal"`
}

// GridConfig describes the world partition: how many cells exist and how
// large each one is.
type GridConfig struct {
	MinX int32 `yaml:"min_x"`
	MaxX int32 `yaml:"max_x"`
	MinZ int32 `yaml:"min_z"`
	MaxZ int32 `yaml:"max_z"`

	BlocksPerChunk int32 `yaml:"blocks_per_chunk"`
	ChunksPerCell  int32 `yaml:"chunks_per_cell"`
	RegionsPerCell int32 `yaml:"regions_per_cell"`
}

// Cell returns the cell this server owns.
func (c CellServer) Cell() grid.Cell {
	return grid.Cell{X: c.CellX, Z: c.CellZ}
}

// Topology builds the grid topology from the configured geometry.
func (c CellServer) Topology() grid.Topology {
	scale := grid.Scale{
		BlocksPerChunk: c.Grid.BlocksPerChunk,
		ChunksPerCell:  c.Grid.ChunksPerCell,
		RegionsPerCell: c.Grid.RegionsPerCell,
	}
	bounds := grid.Bounds{
		MinX: c.Grid.MinX, MaxX: c.Grid.MaxX,
		MinZ: c.Grid.MinZ, MaxZ: c.Grid.MaxZ,
	}
	return grid.New(scale, bounds)
}

// PeerEntry names an adjacent cell server to dial at startup.
type PeerEntry struct {
	CellX int32  `yaml:"cell_x"`
	CellZ int32  `yaml:"cell_z"`
	Addr  string `yaml:"addr"`
}

// Cell returns the peer's cell.
func (p PeerEntry) Cell() grid.Cell {
	return grid.Cell{X: p.CellX, Z: p.CellZ}
}

// JournalConfig holds PostgreSQL connection parameters for the transfer
// audit journal.
type JournalConfig struct {
	Enabled  bool   `yaml:"enabled"`
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	User     string `yaml:"user"`
	Password string `yaml:"password"`
	DBName   string `yaml:"dbname"`
	SSLMode  string `yaml:"sslmode"`
}

// DSN returns the PostgreSQL connection string.
func (j JournalConfig) DSN() string {
	return fmt.Sprintf(
		"postgres://%s:%s@%s:%d/%s?sslmode=%s",
		j.User, j.Password, j.Host, j.Port, j.DBName, j.SSLMode,
	)
}

// DefaultCellServer returns CellServer config with sensible defaults:
// a single-cell world listening on localhost, journal off.
func DefaultCellServer() CellServer {
	return CellServer{
		CellX: 0,
		CellZ: 0,
		Grid: GridConfig{
			MinX: 0, MaxX: 1,
			MinZ: 0, MaxZ: 1,
			BlocksPerChunk: 16,
			ChunksPerCell:  64,
			RegionsPerCell: 2,
		},
		ListenAddr:         "127.0.0.1:7900",
		StatusAddr:         "127.0.0.1:7980",
		TransferExpiryMs:   1000,
		ViewDistance:       8,
		MaxFragmentPayload: 1200,
		ReassemblySlots:    256,
		SimQueueSize:       256,
		Journal: JournalConfig{
			Enabled: false,
			Host:    "127.0.0.1",
			Port:    5432,
			User:    "gridworld",
			Password: "gridworld",
			DBName:  "gridworld",
			SSLMode: "disable",
		},
	}
}

// LoadCellServer loads cell server config from a YAML file.
// If the file doesn't exist, returns defaults.
func LoadCellServer(path string) (CellServer, error) {
	cfg := DefaultCellServer()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return cfg, fmt.Errorf("reading config %s: %w", path, err)
	}

	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("parsing config %s: %w", path, err)
	}

	return cfg, nil
}
