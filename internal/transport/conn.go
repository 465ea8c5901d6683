package transport

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"sync"

	"golang.org/x/crypto/chacha20poly1305"
)

// ErrCryptoFailure is returned when an AEAD tag fails to verify or a frame
// header carries an invalid length. Read then marks the Conn closed (see
// Closed); the Conn does not close the underlying stream or erase its key
// material itself, so callers must treat the Conn as dead and close the
// stream after seeing this error.
var ErrCryptoFailure = errors.New("transport: crypto failure")

// MaxChunk is the largest plaintext chunk carried by a single frame.
// Callers copying through a Conn with a fixed-size buffer (e.g. io.Copy)
// must use a buffer at least this large, since Read returns one frame's
// plaintext per call and cannot split it across calls.
const MaxChunk = 64 * 1024

const (
	maxChunk    = MaxChunk
	maxFrameLen = maxChunk + 16 // ciphertext + AEAD tag
	lenHeader   = 4
	counterSize = 8
)

// Conn is a length-framed, AEAD-protected stream over an underlying
// io.ReadWriter. Each direction carries its own monotonic nonce counter
// and salt, guarded by that direction's own mutex: one instance per
// stream, with Read and Write safe to call from different goroutines.
type Conn struct {
	rw   io.ReadWriter
	aead interface {
		Seal(dst, nonce, plaintext, additionalData []byte) []byte
		Open(dst, nonce, ciphertext, additionalData []byte) ([]byte, error)
	}

	sendMu      sync.Mutex
	sendSalt    [saltSize]byte
	sendCounter uint64

	recvMu      sync.Mutex
	recvSalt    [saltSize]byte
	recvCounter uint64

	closed bool
}

func newConn(rw io.ReadWriter, key [aeadKeySize]byte, sendSalt, recvSalt [saltSize]byte) *Conn {
	aead, err := chacha20poly1305.New(key[:])
	if err != nil {
		// Only possible if key is the wrong length, which newConn's callers
		// never produce (aeadKeySize == chacha20poly1305.KeySize).
		panic(fmt.Sprintf("transport: invalid aead key: %v", err))
	}
	return &Conn{rw: rw, aead: aead, sendSalt: sendSalt, recvSalt: recvSalt}
}

func nonceFor(salt [saltSize]byte, counter uint64) []byte {
	n := make([]byte, chacha20poly1305.NonceSize)
	copy(n, salt[:])
	binary.BigEndian.PutUint64(n[saltSize:], counter)
	return n
}

// Write encrypts and sends p as one or more frames, each carrying at most
// maxChunk bytes of plaintext.
func (c *Conn) Write(p []byte) (int, error) {
	c.sendMu.Lock()
	defer c.sendMu.Unlock()

	total := 0
	for len(p) > 0 {
		chunk := p
		if len(chunk) > maxChunk {
			chunk = chunk[:maxChunk]
		}
		if c.sendCounter == ^uint64(0) {
			return total, fmt.Errorf("transport: send nonce counter exhausted")
		}
		nonce := nonceFor(c.sendSalt, c.sendCounter)
		c.sendCounter++

		ciphertext := c.aead.Seal(nil, nonce, chunk, nil)
		header := make([]byte, lenHeader)
		binary.BigEndian.PutUint32(header, uint32(len(ciphertext)))

		if _, err := c.rw.Write(header); err != nil {
			return total, err
		}
		if _, err := c.rw.Write(ciphertext); err != nil {
			return total, err
		}
		total += len(chunk)
		p = p[len(chunk):]
	}
	return total, nil
}

// Read decrypts and returns the next frame's plaintext into p. Each call
// to Read corresponds to exactly one frame; if p is shorter than that
// frame's plaintext, Read returns an error instead of a partial read.
func (c *Conn) Read(p []byte) (int, error) {
	c.recvMu.Lock()
	defer c.recvMu.Unlock()

	header := make([]byte, lenHeader)
	if _, err := io.ReadFull(c.rw, header); err != nil {
		return 0, err
	}
	n := binary.BigEndian.Uint32(header)
	if n < 16 || n > maxFrameLen {
		c.closed = true
		return 0, ErrCryptoFailure
	}

	ciphertext := make([]byte, n)
	if _, err := io.ReadFull(c.rw, ciphertext); err != nil {
		return 0, err
	}

	if c.recvCounter == ^uint64(0) {
		c.closed = true
		return 0, fmt.Errorf("transport: recv nonce counter exhausted")
	}
	nonce := nonceFor(c.recvSalt, c.recvCounter)
	c.recvCounter++

	plaintext, err := c.aead.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		c.closed = true
		return 0, ErrCryptoFailure
	}

	if len(p) < len(plaintext) {
		return 0, fmt.Errorf("transport: read buffer too small for frame (%d < %d)", len(p), len(plaintext))
	}
	copy(p, plaintext)
	return len(plaintext), nil
}

// Closed reports whether a crypto failure has already torn down this Conn.
func (c *Conn) Closed() bool {
	return c.closed
}
