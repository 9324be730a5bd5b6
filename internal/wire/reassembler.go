package wire

// DefaultSlots is the default size of the reassembly table. Incomplete
// packets older than this many sequence numbers are implicitly dropped.
const DefaultSlots = 256

type slot struct {
	active     bool
	sequenceID uint32
	expected   uint16
	received   uint16
	fragments  [][]byte
	size       int
}

// Reassembler reconstructs logical packets from an out-of-order, lossy
// stream of fragments sharing a sequence number. Fixed memory: sequence
// numbers index a table of len(slots) entries, and a new sequence reusing a
// slot discards whatever incomplete packet was parked there.
//
// Single-threaded by contract: exactly one consumer (the network receive
// path) drives it. Callers sharing a Reassembler must serialize access
// themselves.
type Reassembler struct {
	slots []slot
}

// NewReassembler creates a Reassembler with n slots (DefaultSlots if n <= 0).
func NewReassembler(n int) *Reassembler {
	if n <= 0 {
		n = DefaultSlots
	}
	return &Reassembler{slots: make([]slot, n)}
}

// AddFragment records one fragment of packet sequenceID. When the last
// missing fragment arrives it returns the fragments concatenated in index
// order and true; the slot is then free for reuse, so a packet is delivered
// at most once. Malformed fragments and duplicates are dropped silently.
func (r *Reassembler) AddFragment(payload []byte, sequenceID uint32, totalFragments, fragmentIndex uint16) ([]byte, bool) {
	if totalFragments == 0 || fragmentIndex >= totalFragments {
		return nil, false
	}

	s := &r.slots[int(sequenceID)%len(r.slots)]

	// A different packet in this slot, or a contradictory fragment count,
	// evicts the stale partial state.
	if !s.active || s.sequenceID != sequenceID || s.expected != totalFragments {
		s.reset(sequenceID, totalFragments)
	}

	if s.fragments[fragmentIndex] != nil {
		return nil, false // duplicate index, idempotent
	}

	s.fragments[fragmentIndex] = append([]byte(nil), payload...)
	s.received++
	s.size += len(payload)

	if s.received < s.expected {
		return nil, false
	}

	packet := make([]byte, 0, s.size)
	for _, f := range s.fragments {
		packet = append(packet, f...)
	}
	s.active = false
	s.fragments = nil
	return packet, true
}

func (s *slot) reset(sequenceID uint32, expected uint16) {
	s.active = true
	s.sequenceID = sequenceID
	s.expected = expected
	s.received = 0
	s.size = 0
	s.fragments = make([][]byte, expected)
}
