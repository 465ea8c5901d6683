// Package transport implements the encrypted framed transport: the X25519
// + signature-bound handshake and the ChaCha20-Poly1305 framed AEAD
// stream built on top of it.
package transport

import (
	"bytes"
	"crypto/rand"
	"crypto/sha256"
	"errors"
	"fmt"
	"io"

	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/curve25519"
	"golang.org/x/crypto/hkdf"
)

// ErrHandshakeFailed is returned for any handshake-stage failure. Handshake
// failures close the connection with no diagnostic byte, so callers must
// not forward this error's text to the peer.
var ErrHandshakeFailed = errors.New("transport: handshake failed")

const (
	pubKeySize    = 32
	challengeSize = 32
	signatureSize = 64
	ackNonceSize  = 16
	saltSize      = 4
	aeadKeySize   = chacha20poly1305.KeySize
)

// Verifier checks whether signature validly signs data under any
// registered identity, kept as an interface here so transport does not
// import session directly.
type Verifier interface {
	VerifyAny(data, signature []byte) bool
}

// Signer produces a signature over data proving the local side's identity
// to the peer during the handshake.
type Signer func(data []byte) ([]byte, error)

// handshakeResult carries the derived key material and salt assignment.
type handshakeResult struct {
	aeadKey  [aeadKeySize]byte
	sendSalt [saltSize]byte
	recvSalt [saltSize]byte
}

// ServerHandshake performs the accept-side handshake over rw: exchange
// ephemeral X25519 keys, exchange a signed challenge verified against any
// registered identity, then derive the AEAD key and per-direction salts.
func ServerHandshake(rw io.ReadWriter, verify Verifier) (*Conn, error) {
	return doHandshake(rw, verify, nil)
}

// ClientHandshake performs the dial-side handshake: it must supply sign to
// prove possession of a registered identity's private key.
func ClientHandshake(rw io.ReadWriter, sign Signer) (*Conn, error) {
	return doHandshake(rw, nil, sign)
}

func doHandshake(rw io.ReadWriter, verify Verifier, sign Signer) (*Conn, error) {
	localPub, localPriv, err := generateX25519Keypair()
	if err != nil {
		return nil, fmt.Errorf("transport: generate keypair: %w", err)
	}

	if _, err := rw.Write(localPub[:]); err != nil {
		return nil, ErrHandshakeFailed
	}
	peerPub := make([]byte, pubKeySize)
	if _, err := io.ReadFull(rw, peerPub); err != nil {
		return nil, ErrHandshakeFailed
	}

	if verify != nil {
		// Server role: issue the challenge, verify the peer's signature.
		challenge := make([]byte, challengeSize)
		if _, err := rand.Read(challenge); err != nil {
			return nil, fmt.Errorf("transport: generate challenge: %w", err)
		}
		if _, err := rw.Write(challenge); err != nil {
			return nil, ErrHandshakeFailed
		}
		sig := make([]byte, signatureSize)
		if _, err := io.ReadFull(rw, sig); err != nil {
			return nil, ErrHandshakeFailed
		}
		if !verify.VerifyAny(challenge, sig) {
			return nil, ErrHandshakeFailed
		}
	} else {
		// Client role: read the challenge, sign it, send the signature.
		challenge := make([]byte, challengeSize)
		if _, err := io.ReadFull(rw, challenge); err != nil {
			return nil, ErrHandshakeFailed
		}
		sig, err := sign(challenge)
		if err != nil || len(sig) != signatureSize {
			return nil, ErrHandshakeFailed
		}
		if _, err := rw.Write(sig); err != nil {
			return nil, ErrHandshakeFailed
		}
	}

	ack := make([]byte, ackNonceSize)
	if verify != nil {
		if _, err := rand.Read(ack); err != nil {
			return nil, fmt.Errorf("transport: generate ack: %w", err)
		}
		if _, err := rw.Write(ack); err != nil {
			return nil, ErrHandshakeFailed
		}
	} else {
		if _, err := io.ReadFull(rw, ack); err != nil {
			return nil, ErrHandshakeFailed
		}
	}

	shared, err := curve25519.X25519(localPriv[:], peerPub)
	if err != nil {
		return nil, fmt.Errorf("transport: ecdh: %w", err)
	}

	res, err := deriveKeys(shared, localPub[:], peerPub)
	if err != nil {
		return nil, err
	}

	return newConn(rw, res.aeadKey, res.sendSalt, res.recvSalt), nil
}

func generateX25519Keypair() (pub, priv [pubKeySize]byte, err error) {
	if _, err = rand.Read(priv[:]); err != nil {
		return
	}
	p, err := curve25519.X25519(priv[:], curve25519.Basepoint)
	if err != nil {
		return
	}
	copy(pub[:], p)
	return
}

// deriveKeys runs HKDF-SHA256 over the shared secret with three fixed
// labels, then assigns send/recv salts by lexicographic comparison of the
// two raw public keys, never by dial/accept role or timing, so both sides
// agree on salt assignment without an extra round trip.
func deriveKeys(shared, localPub, peerPub []byte) (handshakeResult, error) {
	var res handshakeResult

	keyReader := hkdf.New(sha256.New, shared, nil, []byte("Abyss-AEAD-Key"))
	if _, err := io.ReadFull(keyReader, res.aeadKey[:]); err != nil {
		return res, fmt.Errorf("transport: derive aead key: %w", err)
	}

	saltAReader := hkdf.New(sha256.New, shared, nil, []byte("Abyss-Nonce-Salt-A"))
	var saltA [saltSize]byte
	if _, err := io.ReadFull(saltAReader, saltA[:]); err != nil {
		return res, fmt.Errorf("transport: derive salt a: %w", err)
	}

	saltBReader := hkdf.New(sha256.New, shared, nil, []byte("Abyss-Nonce-Salt-B"))
	var saltB [saltSize]byte
	if _, err := io.ReadFull(saltBReader, saltB[:]); err != nil {
		return res, fmt.Errorf("transport: derive salt b: %w", err)
	}

	if bytes.Compare(localPub, peerPub) < 0 {
		res.sendSalt, res.recvSalt = saltA, saltB
	} else {
		res.sendSalt, res.recvSalt = saltB, saltA
	}
	return res, nil
}
