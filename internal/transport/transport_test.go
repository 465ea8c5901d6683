package transport

import (
	"bytes"
	"crypto/ed25519"
	"net"
	"testing"
	"time"
)

type fakeVerifier struct {
	pub ed25519.PublicKey
}

func (f fakeVerifier) VerifyAny(data, signature []byte) bool {
	return ed25519.Verify(f.pub, data, signature)
}

func TestHandshakeRoundTrip(t *testing.T) {
	pub, priv, err := ed25519.GenerateKey(nil)
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}

	clientConn, serverConn := net.Pipe()
	defer clientConn.Close()
	defer serverConn.Close()

	type result struct {
		conn *Conn
		err  error
	}
	serverCh := make(chan result, 1)
	clientCh := make(chan result, 1)

	go func() {
		c, err := ServerHandshake(serverConn, fakeVerifier{pub: pub})
		serverCh <- result{c, err}
	}()
	go func() {
		c, err := ClientHandshake(clientConn, func(data []byte) ([]byte, error) {
			return ed25519.Sign(priv, data), nil
		})
		clientCh <- result{c, err}
	}()

	var sres, cres result
	select {
	case sres = <-serverCh:
	case <-time.After(2 * time.Second):
		t.Fatal("server handshake timed out")
	}
	select {
	case cres = <-clientCh:
	case <-time.After(2 * time.Second):
		t.Fatal("client handshake timed out")
	}

	if sres.err != nil {
		t.Fatalf("server handshake: %v", sres.err)
	}
	if cres.err != nil {
		t.Fatalf("client handshake: %v", cres.err)
	}

	msg := []byte("hello over the tunnel")
	go func() {
		cres.conn.Write(msg)
	}()

	buf := make([]byte, 4096)
	n, err := sres.conn.Read(buf)
	if err != nil {
		t.Fatalf("server read: %v", err)
	}
	if !bytes.Equal(buf[:n], msg) {
		t.Fatalf("expected %q, got %q", msg, buf[:n])
	}
}

func TestHandshakeFailsOnBadSignature(t *testing.T) {
	pub, _, _ := ed25519.GenerateKey(nil)
	_, wrongPriv, _ := ed25519.GenerateKey(nil)

	clientConn, serverConn := net.Pipe()
	defer clientConn.Close()
	defer serverConn.Close()

	errCh := make(chan error, 1)
	go func() {
		_, err := ServerHandshake(serverConn, fakeVerifier{pub: pub})
		errCh <- err
	}()
	go func() {
		ClientHandshake(clientConn, func(data []byte) ([]byte, error) {
			return ed25519.Sign(wrongPriv, data), nil
		})
	}()

	select {
	case err := <-errCh:
		if err != ErrHandshakeFailed {
			t.Fatalf("expected ErrHandshakeFailed, got %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out")
	}
}

func TestFrameRoundTrip(t *testing.T) {
	var key [aeadKeySize]byte
	copy(key[:], bytes.Repeat([]byte{0x42}, aeadKeySize))
	saltA := [saltSize]byte{1, 2, 3, 4}
	saltB := [saltSize]byte{5, 6, 7, 8}

	buf := new(bytes.Buffer)
	sender := newConn(buf, key, saltA, saltB)
	receiver := newConn(buf, key, saltB, saltA) // recv salt matches sender's send salt

	plaintext := bytes.Repeat([]byte("x"), 200*1024) // spans multiple 64KiB chunks
	if _, err := sender.Write(plaintext); err != nil {
		t.Fatalf("write: %v", err)
	}

	var out bytes.Buffer
	chunk := make([]byte, maxFrameLen)
	for out.Len() < len(plaintext) {
		n, err := receiver.Read(chunk)
		if err != nil {
			t.Fatalf("read: %v", err)
		}
		out.Write(chunk[:n])
	}
	if !bytes.Equal(out.Bytes(), plaintext) {
		t.Fatal("round trip mismatch")
	}
}

func TestFrameTagMismatchRejects(t *testing.T) {
	var key [aeadKeySize]byte
	copy(key[:], bytes.Repeat([]byte{0x11}, aeadKeySize))
	saltA := [saltSize]byte{1, 1, 1, 1}
	saltB := [saltSize]byte{2, 2, 2, 2}

	buf := new(bytes.Buffer)
	sender := newConn(buf, key, saltA, saltB)
	sender.Write([]byte("hello"))

	corrupted := buf.Bytes()
	corrupted[len(corrupted)-1] ^= 0xFF // flip a bit in the tag

	receiver := newConn(bytes.NewReader(corrupted), key, saltB, saltA)
	_, err := receiver.Read(make([]byte, 4096))
	if err != ErrCryptoFailure {
		t.Fatalf("expected ErrCryptoFailure, got %v", err)
	}
	if !receiver.Closed() {
		t.Fatal("expected receiver marked closed after crypto failure")
	}
}

func TestFrameHeaderLengthRejected(t *testing.T) {
	var key [aeadKeySize]byte
	saltA := [saltSize]byte{1, 1, 1, 1}
	saltB := [saltSize]byte{2, 2, 2, 2}

	buf := new(bytes.Buffer)
	header := []byte{0xFF, 0xFF, 0xFF, 0xFF} // way over maxFrameLen
	buf.Write(header)

	receiver := newConn(buf, key, saltB, saltA)
	_, err := receiver.Read(make([]byte, 4096))
	if err != ErrCryptoFailure {
		t.Fatalf("expected ErrCryptoFailure for oversized length header, got %v", err)
	}
}
