package wire

import (
	"encoding/binary"
	"fmt"
)

// FragmentHeaderSize is the per-fragment overhead on the wire:
// sequence id (uint32 LE) + total fragments (uint16 LE) + index (uint16 LE).
const FragmentHeaderSize = 8

// MaxFragmentPayload is the default chunk size. Small enough that a frame
// (header + chunk) stays well under the transport's uint16 length prefix.
const MaxFragmentPayload = 1200

// Fragment splits one logical packet into fragment frames ready for
// transmission. maxPayload bounds the chunk per frame (MaxFragmentPayload if
// <= 0). An empty packet still yields one frame, so zero-length messages
// survive the trip.
func Fragment(sequenceID uint32, packet []byte, maxPayload int) [][]byte {
	if maxPayload <= 0 {
		maxPayload = MaxFragmentPayload
	}

	total := (len(packet) + maxPayload - 1) / maxPayload
	if total == 0 {
		total = 1
	}

	frames := make([][]byte, 0, total)
	for i := 0; i < total; i++ {
		start := i * maxPayload
		end := min(start+maxPayload, len(packet))

		frame := make([]byte, FragmentHeaderSize+end-start)
		binary.LittleEndian.PutUint32(frame[0:4], sequenceID)
		binary.LittleEndian.PutUint16(frame[4:6], uint16(total))
		binary.LittleEndian.PutUint16(frame[6:8], uint16(i))
		copy(frame[FragmentHeaderSize:], packet[start:end])
		frames = append(frames, frame)
	}
	return frames
}

// ParseFragment splits a received frame into its header fields and chunk.
// The chunk aliases the frame; callers must not retain it past the frame's
// lifetime (Reassembler copies).
func ParseFragment(frame []byte) (sequenceID uint32, total, index uint16, chunk []byte, err error) {
	if len(frame) < FragmentHeaderSize {
		return 0, 0, 0, nil, fmt.Errorf("fragment frame too short: %d bytes", len(frame))
	}
	sequenceID = binary.LittleEndian.Uint32(frame[0:4])
	total = binary.LittleEndian.Uint16(frame[4:6])
	index = binary.LittleEndian.Uint16(frame[6:8])
	return sequenceID, total, index, frame[FragmentHeaderSize:], nil
}
