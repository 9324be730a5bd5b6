// Package status exposes a small HTTP surface for operators: liveness,
// the cell's view of the grid, and transfer counters.
package status

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/dstrelkov/gridworld/internal/cluster"
	"github.com/dstrelkov/gridworld/internal/grid"
)

// Transfers is the slice of coordinator state the status API reports.
type Transfers interface {
	PendingCount() int
}

// Population is the slice of world state the status API reports.
type Population interface {
	Count() int
}

// Server serves the status endpoints.
type Server struct {
	addr      string
	registry  *cluster.Registry
	transfers Transfers
	world     Population
}

// New creates a status Server listening on addr.
func New(addr string, registry *cluster.Registry, transfers Transfers, world Population) *Server {
	return &Server{addr: addr, registry: registry, transfers: transfers, world: world}
}

// Router builds the HTTP routes.
func (s *Server) Router() chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(`{"status":"ok"}`))
	})

	r.Route("/v1", func(sub chi.Router) {
		sub.Get("/topology", s.handleTopology)
		sub.Get("/transfers", s.handleTransfers)
	})

	return r
}

// Run serves until the context is cancelled.
func (s *Server) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:              s.addr,
		Handler:           s.Router(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			slog.Warn("status server shutdown", "error", err)
		}
	}()
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return ctx.Err()
}

type topologyResponse struct {
	Cell      cellJSON   `json:"cell"`
	Bounds    boundsJSON `json:"bounds"`
	Neighbors []cellJSON `json:"neighbors"`
	Connected []cellJSON `json:"connected"`
}

type cellJSON struct {
	X int32 `json:"x"`
	Z int32 `json:"z"`
}

type boundsJSON struct {
	MinX int32 `json:"min_x"`
	MaxX int32 `json:"max_x"`
	MinZ int32 `json:"min_z"`
	MaxZ int32 `json:"max_z"`
}

func toCellJSON(cells []grid.Cell) []cellJSON {
	out := make([]cellJSON, 0, len(cells))
	for _, c := range cells {
		out = append(out, cellJSON{X: c.X, Z: c.Z})
	}
	return out
}

func (s *Server) handleTopology(w http.ResponseWriter, r *http.Request) {
	local := s.registry.LocalCell()
	bounds := s.registry.Topology().Bounds()
	neighbors := s.registry.Neighbors()
	connected := make([]grid.Cell, 0, len(neighbors))
	for _, n := range neighbors {
		if s.registry.Connected(n) {
			connected = append(connected, n)
		}
	}
	resp := topologyResponse{
		Cell: cellJSON{X: local.X, Z: local.Z},
		Bounds: boundsJSON{
			MinX: bounds.MinX, MaxX: bounds.MaxX,
			MinZ: bounds.MinZ, MaxZ: bounds.MaxZ,
		},
		Neighbors: toCellJSON(neighbors),
		Connected: toCellJSON(connected),
	}
	writeJSON(w, resp)
}

type transfersResponse struct {
	Pending  int `json:"pending"`
	Entities int `json:"entities"`
}

func (s *Server) handleTransfers(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, transfersResponse{
		Pending:  s.transfers.PendingCount(),
		Entities: s.world.Count(),
	})
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Warn("encoding status response", "error", err)
	}
}
