package crypto

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBlowfishRoundTrip(t *testing.T) {
	c, err := NewBlowfishCipher([]byte("link-key-0123456789"))
	require.NoError(t, err)

	plain := []byte("0123456789abcdef") // 16 bytes, multiple of 8
	data := append([]byte(nil), plain...)

	require.NoError(t, c.Encrypt(data, 0, len(data)))
	assert.False(t, bytes.Equal(plain, data), "ciphertext must differ from plaintext")

	require.NoError(t, c.Decrypt(data, 0, len(data)))
	assert.Equal(t, plain, data)
}

func TestBlowfishRejectsUnalignedSize(t *testing.T) {
	c, err := NewBlowfishCipher([]byte("key"))
	require.NoError(t, err)

	assert.Error(t, c.Encrypt(make([]byte, 12), 0, 12))
	assert.Error(t, c.Decrypt(make([]byte, 12), 0, 12))
	assert.Error(t, c.Encrypt(make([]byte, 8), 4, 8), "range past end of data")
}

func TestChecksumRoundTrip(t *testing.T) {
	data := make([]byte, 16)
	copy(data, "payload-data")

	AppendChecksum(data, 0, len(data))
	assert.True(t, VerifyChecksum(data, 0, len(data)))

	data[3] ^= 0x40 // corrupt one byte
	assert.False(t, VerifyChecksum(data, 0, len(data)))
}

func TestVerifyChecksumRejectsBadSizes(t *testing.T) {
	assert.False(t, VerifyChecksum(make([]byte, 6), 0, 6), "not word aligned")
	assert.False(t, VerifyChecksum(make([]byte, 4), 0, 4), "too short to carry data")
}
