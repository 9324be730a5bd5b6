// Package journal persists handoff outcomes to PostgreSQL for auditing.
// Recording is asynchronous: protocol paths enqueue and move on, a single
// writer goroutine drains the queue into the database.
package journal

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/dstrelkov/gridworld/internal/handoff"
)

// Journal writes transfer events to the transfer_events table.
type Journal struct {
	pool  *pgxpool.Pool
	queue chan handoff.Event
}

// New connects to PostgreSQL and returns a Journal. Call Run to start the
// writer; events recorded before that queue up to the buffer size.
func New(ctx context.Context, dsn string, queueSize int) (*Journal, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("connecting to journal database: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("pinging journal database: %w", err)
	}
	if queueSize <= 0 {
		queueSize = 1024
	}
	return &Journal{
		pool:  pool,
		queue: make(chan handoff.Event, queueSize),
	}, nil
}

// Record enqueues an event. Never blocks: if the writer has fallen behind
// and the queue is full, the event is dropped with a warning. Audit data is
// best-effort and must not stall transfers.
func (j *Journal) Record(ev handoff.Event) {
	select {
	case j.queue <- ev:
	default:
		slog.Warn("journal queue full, dropping event",
			"transfer", ev.TransferID, "entity", ev.EntityID, "outcome", ev.Outcome.String())
	}
}

// Run drains the queue until the context is cancelled, then closes the pool.
func (j *Journal) Run(ctx context.Context) error {
	defer j.pool.Close()
	for {
		select {
		case <-ctx.Done():
			j.drain()
			return ctx.Err()
		case ev := <-j.queue:
			j.write(ctx, ev)
		}
	}
}

// drain flushes whatever is already queued at shutdown, without waiting for
// more. Uses a fresh context because the run context is already cancelled.
func (j *Journal) drain() {
	for {
		select {
		case ev := <-j.queue:
			j.write(context.Background(), ev)
		default:
			return
		}
	}
}

func (j *Journal) write(ctx context.Context, ev handoff.Event) {
	_, err := j.pool.Exec(ctx,
		`INSERT INTO transfer_events (transfer_id, entity_id, cell_x, cell_z, outcome, recorded_at)
		 VALUES ($1, $2, $3, $4, $5, $6)`,
		ev.TransferID, int64(ev.EntityID), ev.Cell.X, ev.Cell.Z, ev.Outcome.String(), ev.At,
	)
	if err != nil {
		slog.Error("failed to write journal event",
			"transfer", ev.TransferID, "outcome", ev.Outcome.String(), "error", err)
	}
}
