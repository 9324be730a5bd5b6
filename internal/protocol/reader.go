package protocol

import (
	"encoding/binary"
	"fmt"

	"github.com/google/uuid"
)

// Reader provides methods for reading packet data.
// Uses Little-Endian byte order for all multi-byte values.
type Reader struct {
	data []byte
	pos  int
}

// NewReader creates a new Reader over the given packet bytes.
func NewReader(data []byte) *Reader {
	return &Reader{data: data}
}

// Remaining returns the number of unread bytes.
func (r *Reader) Remaining() int {
	return len(r.data) - r.pos
}

// ReadByte reads one byte.
func (r *Reader) ReadByte() (byte, error) {
	if r.pos >= len(r.data) {
		return 0, fmt.Errorf("ReadByte: not enough data (pos=%d, len=%d)", r.pos, len(r.data))
	}
	b := r.data[r.pos]
	r.pos++
	return b, nil
}

// ReadUint16 reads a uint16 (2 bytes, LE).
func (r *Reader) ReadUint16() (uint16, error) {
	if r.pos+2 > len(r.data) {
		return 0, fmt.Errorf("ReadUint16: not enough data (pos=%d, len=%d)", r.pos, len(r.data))
	}
	val := binary.LittleEndian.Uint16(r.data[r.pos:])
	r.pos += 2
	return val, nil
}

// ReadInt32 reads an int32 (4 bytes, LE).
func (r *Reader) ReadInt32() (int32, error) {
	if r.pos+4 > len(r.data) {
		return 0, fmt.Errorf("ReadInt32: not enough data (pos=%d, len=%d)", r.pos, len(r.data))
	}
	val := int32(binary.LittleEndian.Uint32(r.data[r.pos:]))
	r.pos += 4
	return val, nil
}

// ReadUint32 reads a uint32 (4 bytes, LE).
func (r *Reader) ReadUint32() (uint32, error) {
	v, err := r.ReadInt32()
	return uint32(v), err
}

// ReadUint64 reads a uint64 (8 bytes, LE).
func (r *Reader) ReadUint64() (uint64, error) {
	if r.pos+8 > len(r.data) {
		return 0, fmt.Errorf("ReadUint64: not enough data (pos=%d, len=%d)", r.pos, len(r.data))
	}
	val := binary.LittleEndian.Uint64(r.data[r.pos:])
	r.pos += 8
	return val, nil
}

// ReadUUID reads a raw 16-byte uuid.
func (r *Reader) ReadUUID() (uuid.UUID, error) {
	var id uuid.UUID
	if r.pos+16 > len(r.data) {
		return id, fmt.Errorf("ReadUUID: not enough data (pos=%d, len=%d)", r.pos, len(r.data))
	}
	copy(id[:], r.data[r.pos:r.pos+16])
	r.pos += 16
	return id, nil
}

// ReadBlob reads a length-prefixed byte slice. The returned slice is a copy.
func (r *Reader) ReadBlob() ([]byte, error) {
	n, err := r.ReadUint32()
	if err != nil {
		return nil, fmt.Errorf("ReadBlob length: %w", err)
	}
	if r.pos+int(n) > len(r.data) {
		return nil, fmt.Errorf("ReadBlob: not enough data (want %d, have %d)", n, len(r.data)-r.pos)
	}
	b := make([]byte, n)
	copy(b, r.data[r.pos:r.pos+int(n)])
	r.pos += int(n)
	return b, nil
}
