package wire

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestReassembleInAnyOrder(t *testing.T) {
	parts := [][]byte{[]byte("alpha"), []byte("beta"), []byte("gamma")}
	want := []byte("alphabetagamma")

	orders := [][]uint16{
		{0, 1, 2},
		{2, 1, 0},
		{1, 2, 0},
		{2, 0, 1},
	}

	for _, order := range orders {
		r := NewReassembler(DefaultSlots)
		var got []byte
		deliveries := 0
		for _, idx := range order {
			packet, done := r.AddFragment(parts[idx], 7, 3, idx)
			if done {
				deliveries++
				got = packet
			}
		}
		require.Equal(t, 1, deliveries, "order %v", order)
		assert.Equal(t, want, got, "order %v", order)
	}
}

func TestDuplicateFragmentIgnored(t *testing.T) {
	r := NewReassembler(DefaultSlots)

	_, done := r.AddFragment([]byte("aa"), 7, 3, 0)
	require.False(t, done)

	// Resubmitting index 0 has no effect.
	_, done = r.AddFragment([]byte("XX"), 7, 3, 0)
	require.False(t, done)

	_, done = r.AddFragment([]byte("bb"), 7, 3, 1)
	require.False(t, done)
	packet, done := r.AddFragment([]byte("cc"), 7, 3, 2)
	require.True(t, done)
	assert.Equal(t, []byte("aabbcc"), packet)
}

func TestDeliveredAtMostOnce(t *testing.T) {
	r := NewReassembler(DefaultSlots)

	_, done := r.AddFragment([]byte("x"), 9, 2, 0)
	require.False(t, done)
	_, done = r.AddFragment([]byte("y"), 9, 2, 1)
	require.True(t, done)

	// The slot was released on delivery; a late duplicate starts a fresh
	// (incomplete) packet instead of delivering again.
	_, done = r.AddFragment([]byte("y"), 9, 2, 1)
	assert.False(t, done)
}

func TestSlotReuseDiscardsIncompletePacket(t *testing.T) {
	r := NewReassembler(256)

	// Packet 7 arrives partially.
	_, done := r.AddFragment([]byte("old0"), 7, 3, 0)
	require.False(t, done)
	_, done = r.AddFragment([]byte("old1"), 7, 3, 1)
	require.False(t, done)

	// Sequence 7+256 lands in the same slot and evicts the partial packet.
	_, done = r.AddFragment([]byte("new0"), 7+256, 3, 0)
	require.False(t, done)

	// The rest of the old packet is now useless: it evicts the new one in
	// turn but never completes.
	_, done = r.AddFragment([]byte("old2"), 7, 3, 2)
	require.False(t, done)

	// A full run of the new sequence still delivers cleanly.
	_, done = r.AddFragment([]byte("new0"), 7+256, 3, 0)
	require.False(t, done)
	_, done = r.AddFragment([]byte("new1"), 7+256, 3, 1)
	require.False(t, done)
	packet, done := r.AddFragment([]byte("new2"), 7+256, 3, 2)
	require.True(t, done)
	assert.Equal(t, []byte("new0new1new2"), packet)
}

func TestMismatchedFragmentCountResetsSlot(t *testing.T) {
	r := NewReassembler(DefaultSlots)

	_, done := r.AddFragment([]byte("a"), 5, 3, 0)
	require.False(t, done)

	// Same sequence id with a different expected count is a contradiction;
	// the slot restarts with the new count.
	_, done = r.AddFragment([]byte("p"), 5, 2, 0)
	require.False(t, done)
	packet, done := r.AddFragment([]byte("q"), 5, 2, 1)
	require.True(t, done)
	assert.Equal(t, []byte("pq"), packet)
}

func TestMalformedFragmentsDropped(t *testing.T) {
	r := NewReassembler(DefaultSlots)

	_, done := r.AddFragment([]byte("a"), 1, 0, 0)
	assert.False(t, done, "zero total")

	_, done = r.AddFragment([]byte("a"), 1, 2, 2)
	assert.False(t, done, "index beyond total")

	// The table stays usable afterward.
	packet, done := r.AddFragment([]byte("ok"), 1, 1, 0)
	require.True(t, done)
	assert.Equal(t, []byte("ok"), packet)
}

func TestSingleFragmentPacket(t *testing.T) {
	r := NewReassembler(DefaultSlots)
	packet, done := r.AddFragment([]byte("whole"), 42, 1, 0)
	require.True(t, done)
	assert.Equal(t, []byte("whole"), packet)
}

func TestFragmentRoundTrip(t *testing.T) {
	payload := bytes.Repeat([]byte("0123456789"), 500) // 5000 bytes

	frames := Fragment(77, payload, MaxFragmentPayload)
	require.Len(t, frames, 5) // ceil(5000/1200)

	r := NewReassembler(DefaultSlots)
	var got []byte
	for i, frame := range frames {
		seq, total, index, chunk, err := ParseFragment(frame)
		require.NoError(t, err)
		assert.Equal(t, uint32(77), seq)
		assert.Equal(t, uint16(5), total)
		assert.Equal(t, uint16(i), index)

		packet, done := r.AddFragment(chunk, seq, total, index)
		if done {
			got = packet
		}
	}
	assert.Equal(t, payload, got)
}

func TestFragmentEmptyPacket(t *testing.T) {
	frames := Fragment(1, nil, 0)
	require.Len(t, frames, 1)

	seq, total, index, chunk, err := ParseFragment(frames[0])
	require.NoError(t, err)
	assert.Equal(t, uint32(1), seq)
	assert.Equal(t, uint16(1), total)
	assert.Equal(t, uint16(0), index)
	assert.Empty(t, chunk)
}

func TestParseFragmentTooShort(t *testing.T) {
	_, _, _, _, err := ParseFragment([]byte{1, 2, 3})
	assert.Error(t, err)
}
