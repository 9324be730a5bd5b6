package journal

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/dstrelkov/gridworld/internal/handoff"
)

func TestRecordNeverBlocks(t *testing.T) {
	j := &Journal{queue: make(chan handoff.Event, 2)}

	// Third event overflows the queue; Record must drop it and return.
	for i := 0; i < 3; i++ {
		j.Record(handoff.Event{EntityID: 7, Outcome: handoff.OutcomeInitiated})
	}
	assert.Len(t, j.queue, 2)
}
