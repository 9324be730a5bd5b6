package transport

import (
	"encoding/binary"
	"fmt"
	"io"
	"net"
	"sync"

	"github.com/dstrelkov/gridworld/internal/crypto"
	"github.com/dstrelkov/gridworld/internal/grid"
	"github.com/dstrelkov/gridworld/internal/wire"
)

const (
	// frameHeaderSize is the uint16 LE length prefix in front of every
	// fragment frame.
	frameHeaderSize = 2

	// maxFrameSize bounds one frame body; the length prefix is uint16.
	maxFrameSize = 0xFFFF
)

// Conn is one live link to a neighboring cell server. It satisfies
// cluster.Peer: SendMessage fragments and frames a logical message, and
// per-connection locking serializes writers so interleaved sends from
// different goroutines never corrupt a buffered batch.
type Conn struct {
	remote      grid.Cell
	nc          net.Conn
	cipher      *crypto.BlowfishCipher // nil for plaintext links
	maxFragment int

	// reasm is driven only by the single receive goroutine.
	reasm *wire.Reassembler

	mu      sync.Mutex
	seq     uint32
	pending []byte // encoded frames awaiting one network write
}

func newConn(nc net.Conn, remote grid.Cell, cipher *crypto.BlowfishCipher, maxFragment, slots int) *Conn {
	if maxFragment <= 0 {
		maxFragment = wire.MaxFragmentPayload
	}
	return &Conn{
		remote:      remote,
		nc:          nc,
		cipher:      cipher,
		maxFragment: maxFragment,
		reasm:       wire.NewReassembler(slots),
	}
}

// RemoteCell returns the cell on the other end of the link.
func (c *Conn) RemoteCell() grid.Cell {
	return c.remote
}

// SendMessage fragments one logical message and either transmits it
// (flush=true, together with anything previously buffered) or appends it to
// the pending batch for a later flush.
func (c *Conn) SendMessage(b []byte, flush bool) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.seq++
	for _, frame := range wire.Fragment(c.seq, b, c.maxFragment) {
		encoded, err := c.encodeFrame(frame)
		if err != nil {
			return fmt.Errorf("send to %s: %w", c.remote, err)
		}
		c.pending = append(c.pending, encoded...)
	}

	if !flush {
		return nil
	}
	return c.flushLocked()
}

// FlushPending transmits the buffered batch in a single network write.
func (c *Conn) FlushPending() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.flushLocked()
}

func (c *Conn) flushLocked() error {
	if len(c.pending) == 0 {
		return nil
	}
	_, err := c.nc.Write(c.pending)
	c.pending = c.pending[:0]
	if err != nil {
		return fmt.Errorf("writing to %s: %w", c.remote, err)
	}
	return nil
}

// Close tears down the underlying link.
func (c *Conn) Close() error {
	return c.nc.Close()
}

// encodeFrame wraps one fragment frame for the wire. Plaintext links:
// [len uint16][frame]. Encrypted links the frame is padded to the cipher's
// 8-byte block, carries a trailing XOR checksum and its own raw length:
// [len uint16][rawLen uint16][encrypted block].
func (c *Conn) encodeFrame(frame []byte) ([]byte, error) {
	if c.cipher == nil {
		if len(frame) > maxFrameSize {
			return nil, fmt.Errorf("frame of %d bytes exceeds wire limit", len(frame))
		}
		buf := make([]byte, frameHeaderSize+len(frame))
		binary.LittleEndian.PutUint16(buf, uint16(len(frame)))
		copy(buf[frameHeaderSize:], frame)
		return buf, nil
	}

	// Room for the checksum word, then round up to the block size.
	padded := (len(frame) + 4 + 7) &^ 7
	if padded+2 > maxFrameSize {
		return nil, fmt.Errorf("frame of %d bytes exceeds wire limit", len(frame))
	}
	buf := make([]byte, frameHeaderSize+2+padded)
	binary.LittleEndian.PutUint16(buf, uint16(2+padded))
	binary.LittleEndian.PutUint16(buf[frameHeaderSize:], uint16(len(frame)))
	copy(buf[frameHeaderSize+2:], frame)
	crypto.AppendChecksum(buf, frameHeaderSize+2, padded)
	if err := c.cipher.Encrypt(buf, frameHeaderSize+2, padded); err != nil {
		return nil, err
	}
	return buf, nil
}

// readFrame reads one length-prefixed frame into buf and returns the
// decoded fragment frame (aliasing buf).
func (c *Conn) readFrame(buf []byte) ([]byte, error) {
	var header [frameHeaderSize]byte
	if _, err := io.ReadFull(c.nc, header[:]); err != nil {
		return nil, err
	}
	total := int(binary.LittleEndian.Uint16(header[:]))
	if total == 0 || total > len(buf) {
		return nil, fmt.Errorf("invalid frame length %d from %s", total, c.remote)
	}
	body := buf[:total]
	if _, err := io.ReadFull(c.nc, body); err != nil {
		return nil, fmt.Errorf("reading frame from %s: %w", c.remote, err)
	}

	if c.cipher == nil {
		return body, nil
	}

	if total < 2 || (total-2)%8 != 0 {
		return nil, fmt.Errorf("invalid encrypted frame length %d from %s", total, c.remote)
	}
	rawLen := int(binary.LittleEndian.Uint16(body))
	if err := c.cipher.Decrypt(body, 2, total-2); err != nil {
		return nil, fmt.Errorf("decrypting frame from %s: %w", c.remote, err)
	}
	if !crypto.VerifyChecksum(body, 2, total-2) {
		return nil, fmt.Errorf("frame checksum mismatch from %s", c.remote)
	}
	if rawLen > total-2-4 {
		return nil, fmt.Errorf("invalid raw frame length %d from %s", rawLen, c.remote)
	}
	return body[2 : 2+rawLen], nil
}

// nextPacket reads frames until the reassembler completes a logical packet.
// Only the connection's single receive goroutine may call it.
func (c *Conn) nextPacket(buf []byte) ([]byte, error) {
	for {
		frame, err := c.readFrame(buf)
		if err != nil {
			return nil, err
		}
		seq, totalFrags, index, chunk, err := wire.ParseFragment(frame)
		if err != nil {
			return nil, fmt.Errorf("from %s: %w", c.remote, err)
		}
		if packet, done := c.reasm.AddFragment(chunk, seq, totalFrags, index); done {
			return packet, nil
		}
	}
}
