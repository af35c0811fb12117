package network

import (
	"fmt"
	"io"
)

// tagExtractor forwards a ciphertext stream to next while holding back the
// newest TagSize bytes, which become the tag once the stream ends.
//
// forwarded + held == received at every step, and held never exceeds TagSize.
type tagExtractor struct {
	next      io.Writer
	tail      [TagSize]byte
	held      int
	received  int64
	forwarded int64
}

func newTagExtractor(next io.Writer) *tagExtractor {
	return &tagExtractor{next: next}
}

// Write accepts p in full, forwarding everything except the newest TagSize
// bytes seen so far.
func (t *tagExtractor) Write(p []byte) (int, error) {
	total := t.held + len(p)
	if total <= TagSize {
		copy(t.tail[t.held:], p)
		t.held = total
		t.received += int64(len(p))
		return len(p), nil
	}

	release := total - TagSize

	fromTail := min(release, t.held)
	if fromTail > 0 {
		if err := t.forward(t.tail[:fromTail]); err != nil {
			return 0, err
		}
		copy(t.tail[:], t.tail[fromTail:t.held])
		t.held -= fromTail
	}

	fromInput := release - fromTail
	if fromInput > 0 {
		if err := t.forward(p[:fromInput]); err != nil {
			return 0, err
		}
	}

	copy(t.tail[t.held:], p[fromInput:])
	t.held += len(p) - fromInput
	t.received += int64(len(p))
	return len(p), nil
}

func (t *tagExtractor) forward(p []byte) error {
	n, err := t.next.Write(p)
	t.forwarded += int64(n)
	if err != nil {
		return err
	}
	if n != len(p) {
		return io.ErrShortWrite
	}
	return nil
}

// Tag returns the held suffix, which must be exactly TagSize bytes.
func (t *tagExtractor) Tag() ([]byte, error) {
	if t.held < TagSize {
		return nil, fmt.Errorf("%w: stream ended with %d of %d tag bytes", ErrTruncatedTransfer, t.held, TagSize)
	}
	tag := make([]byte, TagSize)
	copy(tag, t.tail[:])
	return tag, nil
}

// Forwarded returns the number of bytes released to next.
func (t *tagExtractor) Forwarded() int64 {
	return t.forwarded
}

// Held returns the number of bytes currently withheld.
func (t *tagExtractor) Held() int {
	return t.held
}
