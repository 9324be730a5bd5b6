package protocol

import (
	"encoding/binary"
	"fmt"

	"github.com/google/uuid"

	"github.com/dstrelkov/gridworld/internal/grid"
	"github.com/dstrelkov/gridworld/internal/model"
)

// Opcodes for cell-to-cell messages. A packet is [opcode][body]; forwardable
// packets additionally carry the destination cell appended after the body
// (see AppendDestination).
const (
	// OpPeerHello identifies a connecting peer. Direct-only: exchanged on
	// the link itself, relaying it would be meaningless.
	OpPeerHello byte = 0x01

	// OpDespawnNotice tells a neighbor to drop its mirrored copy of an
	// entity. Direct-only: mirrors exist only on adjacent cells.
	OpDespawnNotice byte = 0x02

	// OpTransferRequest asks the destination cell to accept an entity.
	OpTransferRequest byte = 0x10

	// OpTransferResponse accepts or rejects a transfer request.
	OpTransferResponse byte = 0x11

	// OpTransferCommit carries the full entity state to its new owner.
	OpTransferCommit byte = 0x12
)

// destTagSize is the size of the destination tag appended to forwardable
// packets: grid X and grid Z, int32 LE each.
const destTagSize = 8

// Forwardable reports whether packets of this opcode embed their destination
// cell and may therefore be relayed through an intermediate peer.
// Direct-only opcodes must go straight to the immediate peer.
func Forwardable(op byte) bool {
	switch op {
	case OpTransferRequest, OpTransferResponse, OpTransferCommit:
		return true
	default:
		return false
	}
}

// AppendDestination appends the destination cell tag to a forwardable packet.
func AppendDestination(packet []byte, dest grid.Cell) []byte {
	var tag [destTagSize]byte
	binary.LittleEndian.PutUint32(tag[0:4], uint32(dest.X))
	binary.LittleEndian.PutUint32(tag[4:8], uint32(dest.Z))
	return append(packet, tag[:]...)
}

// SplitDestination strips the destination tag from a forwardable packet,
// returning the bare packet and the destination cell.
func SplitDestination(packet []byte) ([]byte, grid.Cell, error) {
	if len(packet) < 1+destTagSize {
		return nil, grid.Cell{}, fmt.Errorf("forwardable packet too short: %d bytes", len(packet))
	}
	cut := len(packet) - destTagSize
	dest := grid.Cell{
		X: int32(binary.LittleEndian.Uint32(packet[cut : cut+4])),
		Z: int32(binary.LittleEndian.Uint32(packet[cut+4:])),
	}
	return packet[:cut], dest, nil
}

// PeerHello is the first packet on a fresh link; it names the connecting
// cell so the acceptor can register the connection.
type PeerHello struct {
	Version uint16
	Cell    grid.Cell
}

// ProtocolVersion is bumped on incompatible wire changes.
const ProtocolVersion uint16 = 1

func (m PeerHello) Encode() []byte {
	w := GetWriter()
	defer w.Put()
	w.WriteByte(OpPeerHello)
	w.WriteUint16(m.Version)
	w.WriteInt32(m.Cell.X)
	w.WriteInt32(m.Cell.Z)
	return append([]byte(nil), w.Bytes()...)
}

func DecodePeerHello(body []byte) (PeerHello, error) {
	r := NewReader(body)
	var m PeerHello
	var err error
	if m.Version, err = r.ReadUint16(); err != nil {
		return m, fmt.Errorf("decoding PeerHello: %w", err)
	}
	if m.Cell.X, err = r.ReadInt32(); err != nil {
		return m, fmt.Errorf("decoding PeerHello: %w", err)
	}
	if m.Cell.Z, err = r.ReadInt32(); err != nil {
		return m, fmt.Errorf("decoding PeerHello: %w", err)
	}
	return m, nil
}

// DespawnNotice tells an adjacent cell that an entity it mirrors for
// boundary visibility is gone.
type DespawnNotice struct {
	EntityID model.EntityID
}

func (m DespawnNotice) Encode() []byte {
	w := GetWriter()
	defer w.Put()
	w.WriteByte(OpDespawnNotice)
	w.WriteUint64(uint64(m.EntityID))
	return append([]byte(nil), w.Bytes()...)
}

func DecodeDespawnNotice(body []byte) (DespawnNotice, error) {
	r := NewReader(body)
	id, err := r.ReadUint64()
	if err != nil {
		return DespawnNotice{}, fmt.Errorf("decoding DespawnNotice: %w", err)
	}
	return DespawnNotice{EntityID: model.EntityID(id)}, nil
}

// TransferRequest asks the destination to accept ownership of an entity.
// Source is the requesting cell; responses go back to it.
type TransferRequest struct {
	TransferID uuid.UUID
	EntityID   model.EntityID
	EntityType model.EntityType
	Target     model.Location
	Source     grid.Cell
}

func (m TransferRequest) Encode() []byte {
	w := GetWriter()
	defer w.Put()
	w.WriteByte(OpTransferRequest)
	w.WriteUUID(m.TransferID)
	w.WriteUint64(uint64(m.EntityID))
	w.WriteUint16(uint16(m.EntityType))
	writeLocation(w, m.Target)
	writeCell(w, m.Source)
	return append([]byte(nil), w.Bytes()...)
}

func DecodeTransferRequest(body []byte) (TransferRequest, error) {
	r := NewReader(body)
	var m TransferRequest
	var err error
	if m.TransferID, err = r.ReadUUID(); err != nil {
		return m, fmt.Errorf("decoding TransferRequest: %w", err)
	}
	var id uint64
	if id, err = r.ReadUint64(); err != nil {
		return m, fmt.Errorf("decoding TransferRequest: %w", err)
	}
	m.EntityID = model.EntityID(id)
	var typ uint16
	if typ, err = r.ReadUint16(); err != nil {
		return m, fmt.Errorf("decoding TransferRequest: %w", err)
	}
	m.EntityType = model.EntityType(typ)
	if m.Target, err = readLocation(r); err != nil {
		return m, fmt.Errorf("decoding TransferRequest: %w", err)
	}
	if m.Source, err = readCell(r); err != nil {
		return m, fmt.Errorf("decoding TransferRequest: %w", err)
	}
	return m, nil
}

// TransferResponse accepts or rejects a transfer request. Source is the
// responding cell; the initiator matches it against its pending entry.
type TransferResponse struct {
	TransferID uuid.UUID
	EntityID   model.EntityID
	Success    bool
	Source     grid.Cell
}

func (m TransferResponse) Encode() []byte {
	w := GetWriter()
	defer w.Put()
	w.WriteByte(OpTransferResponse)
	w.WriteUUID(m.TransferID)
	w.WriteUint64(uint64(m.EntityID))
	if m.Success {
		w.WriteByte(1)
	} else {
		w.WriteByte(0)
	}
	writeCell(w, m.Source)
	return append([]byte(nil), w.Bytes()...)
}

func DecodeTransferResponse(body []byte) (TransferResponse, error) {
	r := NewReader(body)
	var m TransferResponse
	var err error
	if m.TransferID, err = r.ReadUUID(); err != nil {
		return m, fmt.Errorf("decoding TransferResponse: %w", err)
	}
	var id uint64
	if id, err = r.ReadUint64(); err != nil {
		return m, fmt.Errorf("decoding TransferResponse: %w", err)
	}
	m.EntityID = model.EntityID(id)
	var ok byte
	if ok, err = r.ReadByte(); err != nil {
		return m, fmt.Errorf("decoding TransferResponse: %w", err)
	}
	m.Success = ok != 0
	if m.Source, err = readCell(r); err != nil {
		return m, fmt.Errorf("decoding TransferResponse: %w", err)
	}
	return m, nil
}

// TransferCommit hands the full serialized entity to its new owner. After
// this packet is sent the entity no longer exists on the source cell.
type TransferCommit struct {
	TransferID uuid.UUID
	EntityID   model.EntityID
	EntityType model.EntityType
	Target     model.Location
	State      []byte // opaque simulation state blob
	Source     grid.Cell
}

func (m TransferCommit) Encode() []byte {
	w := GetWriter()
	defer w.Put()
	w.WriteByte(OpTransferCommit)
	w.WriteUUID(m.TransferID)
	w.WriteUint64(uint64(m.EntityID))
	w.WriteUint16(uint16(m.EntityType))
	writeLocation(w, m.Target)
	w.WriteBlob(m.State)
	writeCell(w, m.Source)
	return append([]byte(nil), w.Bytes()...)
}

func DecodeTransferCommit(body []byte) (TransferCommit, error) {
	r := NewReader(body)
	var m TransferCommit
	var err error
	if m.TransferID, err = r.ReadUUID(); err != nil {
		return m, fmt.Errorf("decoding TransferCommit: %w", err)
	}
	var id uint64
	if id, err = r.ReadUint64(); err != nil {
		return m, fmt.Errorf("decoding TransferCommit: %w", err)
	}
	m.EntityID = model.EntityID(id)
	var typ uint16
	if typ, err = r.ReadUint16(); err != nil {
		return m, fmt.Errorf("decoding TransferCommit: %w", err)
	}
	m.EntityType = model.EntityType(typ)
	if m.Target, err = readLocation(r); err != nil {
		return m, fmt.Errorf("decoding TransferCommit: %w", err)
	}
	if m.State, err = r.ReadBlob(); err != nil {
		return m, fmt.Errorf("decoding TransferCommit: %w", err)
	}
	if m.Source, err = readCell(r); err != nil {
		return m, fmt.Errorf("decoding TransferCommit: %w", err)
	}
	return m, nil
}

func writeLocation(w *Writer, l model.Location) {
	w.WriteInt32(l.X)
	w.WriteInt32(l.Y)
	w.WriteInt32(l.Z)
	w.WriteUint16(l.Heading)
}

func readLocation(r *Reader) (model.Location, error) {
	var l model.Location
	var err error
	if l.X, err = r.ReadInt32(); err != nil {
		return l, err
	}
	if l.Y, err = r.ReadInt32(); err != nil {
		return l, err
	}
	if l.Z, err = r.ReadInt32(); err != nil {
		return l, err
	}
	if l.Heading, err = r.ReadUint16(); err != nil {
		return l, err
	}
	return l, nil
}

func writeCell(w *Writer, c grid.Cell) {
	w.WriteInt32(c.X)
	w.WriteInt32(c.Z)
}

func readCell(r *Reader) (grid.Cell, error) {
	var c grid.Cell
	var err error
	if c.X, err = r.ReadInt32(); err != nil {
		return c, err
	}
	if c.Z, err = r.ReadInt32(); err != nil {
		return c, err
	}
	return c, nil
}
