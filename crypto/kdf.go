package crypto

import (
	"crypto/rand"
	"errors"
	"fmt"

	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/scrypt"
)

const (
	// KeySize is the derived symmetric key length in bytes.
	KeySize = chacha20poly1305.KeySize
	// SaltSize is the random KDF salt length carried in the transfer header.
	SaltSize = 16
	// NonceSize is the AEAD nonce length carried in the transfer header.
	NonceSize = chacha20poly1305.NonceSize
	// TagSize is the authentication tag appended after the ciphertext.
	TagSize = chacha20poly1305.Overhead
)

// ErrKeyDerivation indicates the password could not be stretched into a key.
var ErrKeyDerivation = errors.New("crypto: key derivation failed")

// KDFParams are the scrypt cost parameters.
type KDFParams struct {
	N int
	R int
	P int
}

// DefaultKDFParams returns the standard scrypt cost (N=16384, r=8, p=1).
func DefaultKDFParams() KDFParams {
	return KDFParams{N: 16384, R: 8, P: 1}
}

func (p KDFParams) withDefaults() KDFParams {
	defaults := DefaultKDFParams()
	if p.N == 0 {
		p.N = defaults.N
	}
	if p.R == 0 {
		p.R = defaults.R
	}
	if p.P == 0 {
		p.P = defaults.P
	}
	return p
}

// DeriveKey stretches password with salt into a 32-byte key.
//
// The result depends only on (password, salt, params), so both peers derive
// the same key without it ever crossing the wire.
func DeriveKey(password, salt []byte, params KDFParams) ([]byte, error) {
	if len(salt) != SaltSize {
		return nil, fmt.Errorf("%w: invalid salt length: got %d want %d", ErrKeyDerivation, len(salt), SaltSize)
	}
	if len(password) == 0 {
		return nil, fmt.Errorf("%w: password is required", ErrKeyDerivation)
	}

	p := params.withDefaults()
	key, err := scrypt.Key(password, salt, p.N, p.R, p.P, KeySize)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrKeyDerivation, err)
	}
	return key, nil
}

// NewSalt returns a fresh random KDF salt.
func NewSalt() ([]byte, error) {
	return randomBytes(SaltSize)
}

// NewNonce returns a fresh random AEAD nonce.
func NewNonce() ([]byte, error) {
	return randomBytes(NonceSize)
}

func randomBytes(size int) ([]byte, error) {
	out := make([]byte, size)
	if _, err := rand.Read(out); err != nil {
		return nil, fmt.Errorf("generate random bytes: %w", err)
	}
	return out, nil
}
