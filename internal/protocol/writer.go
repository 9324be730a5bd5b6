package protocol

import (
	"bytes"
	"sync"

	"github.com/google/uuid"
)

// Writer provides methods for writing packet data.
// Uses Little-Endian byte order for all multi-byte values.
type Writer struct {
	buf *bytes.Buffer
}

// writerPool reduces allocations by reusing Writers.
var writerPool = sync.Pool{
	New: func() any {
		return &Writer{
			buf: bytes.NewBuffer(make([]byte, 0, 256)),
		}
	},
}

// GetWriter returns a Writer from the pool (already reset).
func GetWriter() *Writer {
	w := writerPool.Get().(*Writer)
	w.Reset()
	return w
}

// Put returns a Writer to the pool for reuse.
// IMPORTANT: Do not use the Writer after calling Put.
func (w *Writer) Put() {
	writerPool.Put(w)
}

// NewWriter creates a new packet writer with the given initial capacity.
func NewWriter(capacity int) *Writer {
	return &Writer{
		buf: bytes.NewBuffer(make([]byte, 0, capacity)),
	}
}

// Reset clears the buffer for reuse.
func (w *Writer) Reset() {
	w.buf.Reset()
}

// Len returns the number of bytes written so far.
func (w *Writer) Len() int {
	return w.buf.Len()
}

// Bytes returns the written data. The slice is only valid until the next
// write or Reset.
func (w *Writer) Bytes() []byte {
	return w.buf.Bytes()
}

// WriteByte writes a single byte.
func (w *Writer) WriteByte(b byte) {
	w.buf.WriteByte(b)
}

// WriteUint16 writes a uint16 (2 bytes, LE).
func (w *Writer) WriteUint16(val uint16) {
	w.buf.WriteByte(byte(val))
	w.buf.WriteByte(byte(val >> 8))
}

// WriteInt32 writes an int32 (4 bytes, LE).
func (w *Writer) WriteInt32(val int32) {
	w.buf.WriteByte(byte(val))
	w.buf.WriteByte(byte(val >> 8))
	w.buf.WriteByte(byte(val >> 16))
	w.buf.WriteByte(byte(val >> 24))
}

// WriteUint32 writes a uint32 (4 bytes, LE).
func (w *Writer) WriteUint32(val uint32) {
	w.WriteInt32(int32(val))
}

// WriteUint64 writes a uint64 (8 bytes, LE).
func (w *Writer) WriteUint64(val uint64) {
	w.WriteUint32(uint32(val))
	w.WriteUint32(uint32(val >> 32))
}

// WriteUUID writes a uuid as its raw 16 bytes.
func (w *Writer) WriteUUID(id uuid.UUID) {
	w.buf.Write(id[:])
}

// WriteBlob writes a length-prefixed byte slice (uint32 length + bytes).
func (w *Writer) WriteBlob(b []byte) {
	w.WriteUint32(uint32(len(b)))
	w.buf.Write(b)
}
