package crypto

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"

	"golang.org/x/crypto/chacha20"
	"golang.org/x/crypto/poly1305"
)

// maxStreamPayload is the largest payload one (key, nonce) pair may encrypt
// before the 32-bit block counter wraps.
const maxStreamPayload = (1 << 38) - 64

const streamBufferSize = 32 * 1024

var (
	// ErrAuthentication indicates the tag did not match the processed ciphertext.
	ErrAuthentication = errors.New("crypto: message authentication failed")
	// ErrMessageTooLarge indicates the stream exceeded the per-nonce limit.
	ErrMessageTooLarge = errors.New("crypto: stream exceeds maximum payload size")
	// ErrStreamFinished indicates a write after the tag was produced or checked.
	ErrStreamFinished = errors.New("crypto: stream already finished")
)

// MaxPayloadSize reports the largest plaintext a single stream can carry.
func MaxPayloadSize() uint64 {
	return maxStreamPayload
}

// Sealer encrypts a plaintext stream with ChaCha20-Poly1305 and forwards
// ciphertext to dst as each chunk is written. The output, followed by the tag
// from Finish, is identical to chacha20poly1305 Seal over the whole stream.
type Sealer struct {
	dst    io.Writer
	stream *chacha20.Cipher
	mac    *poly1305.MAC
	aadLen uint64
	n      uint64
	buf    []byte
	done   bool
}

// NewSealer starts an encrypting stream. aad is authenticated but not sent.
func NewSealer(dst io.Writer, key, nonce, aad []byte) (*Sealer, error) {
	stream, mac, err := newStreamState(key, nonce, aad)
	if err != nil {
		return nil, err
	}
	return &Sealer{
		dst:    dst,
		stream: stream,
		mac:    mac,
		aadLen: uint64(len(aad)),
		buf:    make([]byte, streamBufferSize),
	}, nil
}

// Write encrypts p and writes the ciphertext to the destination.
func (s *Sealer) Write(p []byte) (int, error) {
	if s.done {
		return 0, ErrStreamFinished
	}
	if s.n+uint64(len(p)) > maxStreamPayload {
		return 0, ErrMessageTooLarge
	}

	written := 0
	for len(p) > 0 {
		chunk := p
		if len(chunk) > len(s.buf) {
			chunk = chunk[:len(s.buf)]
		}
		out := s.buf[:len(chunk)]
		s.stream.XORKeyStream(out, chunk)
		_, _ = s.mac.Write(out)
		s.n += uint64(len(chunk))

		if _, err := s.dst.Write(out); err != nil {
			return written, err
		}
		written += len(chunk)
		p = p[len(chunk):]
	}
	return written, nil
}

// Processed returns the number of plaintext bytes encrypted so far.
func (s *Sealer) Processed() uint64 {
	return s.n
}

// Finish closes the stream and returns the authentication tag. It does not
// write the tag anywhere.
func (s *Sealer) Finish() ([]byte, error) {
	if s.done {
		return nil, ErrStreamFinished
	}
	s.done = true
	finishMAC(s.mac, s.aadLen, s.n)
	return s.mac.Sum(nil), nil
}

// Opener decrypts a ciphertext stream and forwards plaintext to dst as it
// arrives. Nothing written to dst is authentic until Verify succeeds.
type Opener struct {
	dst    io.Writer
	stream *chacha20.Cipher
	mac    *poly1305.MAC
	aadLen uint64
	n      uint64
	buf    []byte
	done   bool
}

// NewOpener starts a decrypting stream. aad must match the sender's.
func NewOpener(dst io.Writer, key, nonce, aad []byte) (*Opener, error) {
	stream, mac, err := newStreamState(key, nonce, aad)
	if err != nil {
		return nil, err
	}
	return &Opener{
		dst:    dst,
		stream: stream,
		mac:    mac,
		aadLen: uint64(len(aad)),
		buf:    make([]byte, streamBufferSize),
	}, nil
}

// Write decrypts p and writes the plaintext to the destination.
func (o *Opener) Write(p []byte) (int, error) {
	if o.done {
		return 0, ErrStreamFinished
	}
	if o.n+uint64(len(p)) > maxStreamPayload {
		return 0, ErrMessageTooLarge
	}

	written := 0
	for len(p) > 0 {
		chunk := p
		if len(chunk) > len(o.buf) {
			chunk = chunk[:len(o.buf)]
		}
		_, _ = o.mac.Write(chunk)
		out := o.buf[:len(chunk)]
		o.stream.XORKeyStream(out, chunk)
		o.n += uint64(len(chunk))

		if _, err := o.dst.Write(out); err != nil {
			return written, err
		}
		written += len(chunk)
		p = p[len(chunk):]
	}
	return written, nil
}

// Processed returns the number of ciphertext bytes decrypted so far.
func (o *Opener) Processed() uint64 {
	return o.n
}

// Verify checks tag against every byte written so far and closes the stream.
func (o *Opener) Verify(tag []byte) error {
	if o.done {
		return ErrStreamFinished
	}
	o.done = true
	if len(tag) != TagSize {
		return fmt.Errorf("%w: invalid tag length: got %d want %d", ErrAuthentication, len(tag), TagSize)
	}

	finishMAC(o.mac, o.aadLen, o.n)
	if !o.mac.Verify(tag) {
		return ErrAuthentication
	}
	return nil
}

func newStreamState(key, nonce, aad []byte) (*chacha20.Cipher, *poly1305.MAC, error) {
	if len(key) != KeySize {
		return nil, nil, fmt.Errorf("invalid stream key length: got %d want %d", len(key), KeySize)
	}
	if len(nonce) != NonceSize {
		return nil, nil, fmt.Errorf("invalid nonce length: got %d want %d", len(nonce), NonceSize)
	}

	stream, err := chacha20.NewUnauthenticatedCipher(key, nonce)
	if err != nil {
		return nil, nil, fmt.Errorf("create ChaCha20 cipher: %w", err)
	}

	// Block 0 keys the MAC; payload keystream starts at block 1.
	var polyKey [32]byte
	stream.XORKeyStream(polyKey[:], polyKey[:])
	stream.SetCounter(1)

	mac := poly1305.New(&polyKey)
	_, _ = mac.Write(aad)
	writeMACPadding(mac, uint64(len(aad)))
	return stream, mac, nil
}

func finishMAC(mac *poly1305.MAC, aadLen, ciphertextLen uint64) {
	writeMACPadding(mac, ciphertextLen)

	var lengths [16]byte
	binary.LittleEndian.PutUint64(lengths[0:8], aadLen)
	binary.LittleEndian.PutUint64(lengths[8:16], ciphertextLen)
	_, _ = mac.Write(lengths[:])
}

func writeMACPadding(mac *poly1305.MAC, length uint64) {
	if rem := length % 16; rem != 0 {
		var pad [16]byte
		_, _ = mac.Write(pad[:16-rem])
	}
}
