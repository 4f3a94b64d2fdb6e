// Package aead provides the PSK-based authenticated encryption used for chat
// payloads: XChaCha20-Poly1305 with a pre-shared 32-byte key, optionally
// upgraded to HKDF-derived directional session keys after the HELLO
// exchange.
package aead

import (
	"crypto/rand"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"io"
	"os"
	"strings"
	"sync"

	"golang.org/x/crypto/chacha20poly1305"
)

const (
	KeySize   = chacha20poly1305.KeySize   // 32
	NonceSize = chacha20poly1305.NonceSizeX // 24
	TagSize   = chacha20poly1305.Overhead  // 16
)

// ErrAeadFailed is returned when a frame fails to open with every available
// key (session direction first, then the raw PSK).
var ErrAeadFailed = errors.New("aead: decrypt failed")

// SessionKeys holds the per-link directional keys and nonce seeds derived
// from the HELLO nonce pair. After the role swap each side calls its
// outbound pair C2P.
type SessionKeys struct {
	KeC2P  [KeySize]byte
	KeP2C  [KeySize]byte
	N24C2P [NonceSize]byte
	N24P2C [NonceSize]byte
}

// SwapDirections exchanges the directional pairs. The non-central side calls
// this before install so that its outbound key lands in KeC2P.
func (k *SessionKeys) SwapDirections() {
	k.KeC2P, k.KeP2C = k.KeP2C, k.KeC2P
	k.N24C2P, k.N24P2C = k.N24P2C, k.N24C2P
}

// Zeroize wipes all key material in place.
func (k *SessionKeys) Zeroize() {
	zero(k.KeC2P[:])
	zero(k.KeP2C[:])
	zero(k.N24C2P[:])
	zero(k.N24P2C[:])
}

// PskAead seals and opens chat payloads. Implementations keep the same wire
// framing: nonce(24) || ciphertext || tag(16).
type PskAead interface {
	Seal(plaintext, aad []byte) ([]byte, error)
	Open(frame, aad []byte) ([]byte, error)
	SetSession(keys *SessionKeys) bool
	Name() string
}

// Noop keeps the XChaCha wire framing but performs no encryption: the nonce
// and tag are all zero and the ciphertext is the plaintext. Used when no PSK
// is configured and in tests.
type Noop struct{}

func (Noop) Name() string { return "noop" }

func (Noop) Seal(plaintext, _ []byte) ([]byte, error) {
	out := make([]byte, NonceSize+len(plaintext)+TagSize)
	copy(out[NonceSize:], plaintext)
	return out, nil
}

func (Noop) Open(frame, _ []byte) ([]byte, error) {
	if len(frame) < NonceSize+TagSize {
		return nil, ErrAeadFailed
	}
	out := make([]byte, len(frame)-NonceSize-TagSize)
	copy(out, frame[NonceSize:len(frame)-TagSize])
	return out, nil
}

func (Noop) SetSession(*SessionKeys) bool { return true }

// XChaCha is the real AEAD: XChaCha20-Poly1305 with a fresh random 24-byte
// nonce per frame. While no session is installed both directions use the
// PSK.
type XChaCha struct {
	mu   sync.Mutex
	psk  [KeySize]byte
	sess *SessionKeys
}

// NewXChaCha copies the 32-byte PSK into the instance.
func NewXChaCha(key []byte) (*XChaCha, error) {
	if len(key) != KeySize {
		return nil, errors.New("aead: PSK must be 32 bytes")
	}
	x := &XChaCha{}
	copy(x.psk[:], key)
	return x, nil
}

func (x *XChaCha) Name() string { return "xchacha20poly1305" }

// Seal encrypts with the outbound session key when installed, otherwise the
// PSK. Output is nonce || ciphertext || tag, exactly 24+len(pt)+16 bytes.
func (x *XChaCha) Seal(plaintext, aad []byte) ([]byte, error) {
	var key [KeySize]byte
	x.mu.Lock()
	if x.sess != nil {
		key = x.sess.KeC2P
	} else {
		key = x.psk
	}
	x.mu.Unlock()
	defer zero(key[:])

	c, err := chacha20poly1305.NewX(key[:])
	if err != nil {
		return nil, err
	}
	out := make([]byte, NonceSize, NonceSize+len(plaintext)+TagSize)
	if _, err := io.ReadFull(rand.Reader, out[:NonceSize]); err != nil {
		return nil, err
	}
	return c.Seal(out, out[:NonceSize], plaintext, aad), nil
}

// Open tries the inbound session key first, then falls back to the PSK (we
// may have installed a session before the peer did, or the peer may still be
// on the PSK). Both failing is ErrAeadFailed.
func (x *XChaCha) Open(frame, aad []byte) ([]byte, error) {
	if len(frame) < NonceSize+TagSize {
		return nil, ErrAeadFailed
	}
	nonce := frame[:NonceSize]
	box := frame[NonceSize:]

	var keys [][KeySize]byte
	x.mu.Lock()
	if x.sess != nil {
		keys = append(keys, x.sess.KeP2C)
	}
	keys = append(keys, x.psk)
	x.mu.Unlock()
	defer func() {
		for i := range keys {
			zero(keys[i][:])
		}
	}()

	for i := range keys {
		c, err := chacha20poly1305.NewX(keys[i][:])
		if err != nil {
			continue
		}
		if pt, err := c.Open(nil, nonce, box, aad); err == nil {
			return pt, nil
		}
	}
	return nil, ErrAeadFailed
}

// SetSession installs fresh directional keys, or clears and zeroizes the
// current session when keys is nil.
func (x *XChaCha) SetSession(keys *SessionKeys) bool {
	x.mu.Lock()
	defer x.mu.Unlock()
	if x.sess != nil {
		x.sess.Zeroize()
		x.sess = nil
	}
	if keys != nil {
		cp := *keys
		x.sess = &cp
	}
	return true
}

// ParsePSK decodes a PSK string: 64 hex chars or base64, in both cases
// yielding exactly 32 bytes. Surrounding whitespace is ignored.
func ParsePSK(s string) ([]byte, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil, errors.New("aead: empty PSK")
	}
	if len(s) == 2*KeySize && isHex(s) {
		return hex.DecodeString(s)
	}
	raw, err := base64.StdEncoding.DecodeString(s)
	if err != nil {
		return nil, errors.New("aead: PSK is neither 64-char hex nor base64")
	}
	if len(raw) != KeySize {
		zero(raw)
		return nil, errors.New("aead: decoded PSK is not 32 bytes")
	}
	return raw, nil
}

// InitFromEnv builds an XChaCha instance from the named environment
// variable, or returns nil when the variable is unset or malformed.
func InitFromEnv(envVar string) *XChaCha {
	raw, err := ParsePSK(os.Getenv(envVar))
	if err != nil {
		return nil
	}
	defer zero(raw)
	x, err := NewXChaCha(raw)
	if err != nil {
		return nil
	}
	return x
}

func isHex(s string) bool {
	for _, c := range s {
		switch {
		case c >= '0' && c <= '9', c >= 'a' && c <= 'f', c >= 'A' && c <= 'F':
		default:
			return false
		}
	}
	return true
}

func zero(b []byte) {
	for i := range b {
		b[i] = 0
	}
}
