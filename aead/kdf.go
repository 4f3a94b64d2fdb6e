package aead

import (
	"crypto/sha256"
	"errors"
	"io"

	"golang.org/x/crypto/hkdf"
)

// HKDF-Expand contexts for the four directional outputs.
const (
	ctxKeC2P = "bcKC2P1"
	ctxKeP2C = "bcKP2C1"
	ctxN24C2P = "bcNC2P1"
	ctxN24P2C = "bcNP2C1"
)

// DeriveSessionKeys runs the link key derivation: HKDF-SHA256 with the PSK
// as salt and ikm = centralNa || peripheralNa. The result is in canonical
// (central-perspective) orientation; the peripheral side calls
// SwapDirections before installing. All intermediates are zeroized before
// returning.
func DeriveSessionKeys(psk, centralNa, peripheralNa []byte) (*SessionKeys, error) {
	if len(psk) == 0 {
		return nil, errors.New("aead: no PSK for key derivation")
	}
	if len(centralNa) != 32 || len(peripheralNa) != 32 {
		return nil, errors.New("aead: nonce contributions must be 32 bytes")
	}

	ikm := make([]byte, 0, 64)
	ikm = append(ikm, centralNa...)
	ikm = append(ikm, peripheralNa...)
	prk := hkdf.Extract(sha256.New, ikm, psk)
	defer func() {
		zero(ikm)
		zero(prk)
	}()

	keys := &SessionKeys{}
	expand := func(out []byte, ctx string) error {
		r := hkdf.Expand(sha256.New, prk, []byte(ctx))
		_, err := io.ReadFull(r, out)
		return err
	}
	if err := expand(keys.KeC2P[:], ctxKeC2P); err != nil {
		keys.Zeroize()
		return nil, err
	}
	if err := expand(keys.KeP2C[:], ctxKeP2C); err != nil {
		keys.Zeroize()
		return nil, err
	}
	if err := expand(keys.N24C2P[:], ctxN24C2P); err != nil {
		keys.Zeroize()
		return nil, err
	}
	if err := expand(keys.N24P2C[:], ctxN24P2C); err != nil {
		keys.Zeroize()
		return nil, err
	}
	return keys, nil
}
