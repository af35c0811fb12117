package network

import (
	"bufio"
	"encoding/binary"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"cryptsend/crypto"
)

const (
	// DefaultPort is the receiver's TCP port when none is configured.
	DefaultPort = 3001
	// LengthPrefixSize is the size of the big-endian header length.
	LengthPrefixSize = 4
	// MaxHeaderSize bounds the announced header length (64 KiB).
	MaxHeaderSize = 64 * 1024
	// MaxFilenameLength bounds the decoded filename in bytes.
	MaxFilenameLength = 255
	// TagSize is the trailing authentication tag length.
	TagSize = crypto.TagSize
	// DefaultChunkSize is the sender's file read size.
	DefaultChunkSize = 64 * 1024
	// DefaultDialTimeout bounds the TCP dial.
	DefaultDialTimeout = 30 * time.Second
	// DefaultIdleTimeout bounds each receiver read.
	DefaultIdleTimeout = 2 * time.Minute
	// DefaultAckTimeout bounds the sender's wait for the receiver status line.
	DefaultAckTimeout = 30 * time.Second
	// DefaultMaxConcurrent caps simultaneous receiver sessions.
	DefaultMaxConcurrent = 8

	statusOK     = "ok"
	statusError  = "error"
	maxStatusLen = 128
)

// Header is the transfer metadata frame sent ahead of the ciphertext.
type Header struct {
	Filename string
	Filesize uint64
	Salt     []byte
	IV       []byte
}

// headerRecord is the encoded field order.
type headerRecord struct {
	Filename *string         `json:"filename"`
	Filesize json.RawMessage `json:"filesize"`
	Salt     *string         `json:"salt"`
	IV       *string         `json:"iv"`
}

// Validate checks every field the receiver relies on.
func (h Header) Validate() error {
	if err := validateFilename(h.Filename); err != nil {
		return err
	}
	if len(h.Salt) != crypto.SaltSize {
		return fmt.Errorf("%w: salt must be %d bytes, got %d", ErrInvalidMetadata, crypto.SaltSize, len(h.Salt))
	}
	if len(h.IV) != crypto.NonceSize {
		return fmt.Errorf("%w: iv must be %d bytes, got %d", ErrInvalidMetadata, crypto.NonceSize, len(h.IV))
	}
	return nil
}

func validateFilename(name string) error {
	switch {
	case name == "":
		return fmt.Errorf("%w: filename is required", ErrInvalidMetadata)
	case len(name) > MaxFilenameLength:
		return fmt.Errorf("%w: filename exceeds %d bytes", ErrInvalidMetadata, MaxFilenameLength)
	case name == "." || name == "..":
		return fmt.Errorf("%w: filename %q is not a file name", ErrInvalidMetadata, name)
	case strings.ContainsAny(name, "/\\\x00"):
		return fmt.Errorf("%w: filename %q contains a path separator", ErrInvalidMetadata, name)
	case filepath.Base(name) != name:
		return fmt.Errorf("%w: filename %q is not a base name", ErrInvalidMetadata, name)
	}
	return nil
}

// MarshalHeader returns the JSON header body without the length prefix.
func MarshalHeader(h Header) ([]byte, error) {
	if err := h.Validate(); err != nil {
		return nil, err
	}

	filename := h.Filename
	salt := hex.EncodeToString(h.Salt)
	iv := hex.EncodeToString(h.IV)
	body, err := json.Marshal(headerRecord{
		Filename: &filename,
		Filesize: json.RawMessage(strconv.FormatUint(h.Filesize, 10)),
		Salt:     &salt,
		IV:       &iv,
	})
	if err != nil {
		return nil, fmt.Errorf("marshal header: %w", err)
	}
	if len(body) > MaxHeaderSize {
		return nil, fmt.Errorf("%w: header is %d bytes, limit %d", ErrInvalidMetadata, len(body), MaxHeaderSize)
	}
	return body, nil
}

// EncodeHeader returns length(4, big-endian) || header body.
func EncodeHeader(h Header) ([]byte, error) {
	body, err := MarshalHeader(h)
	if err != nil {
		return nil, err
	}

	frame := make([]byte, LengthPrefixSize+len(body))
	binary.BigEndian.PutUint32(frame, uint32(len(body)))
	copy(frame[LengthPrefixSize:], body)
	return frame, nil
}

// DecodeHeader parses and validates a header body. Field names match
// exactly; unknown keys are ignored.
func DecodeHeader(body []byte) (Header, error) {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(body, &fields); err != nil {
		return Header{}, fmt.Errorf("%w: %w", ErrMalformedHeader, err)
	}
	if fields == nil {
		return Header{}, fmt.Errorf("%w: header is not an object", ErrMalformedHeader)
	}

	filename, err := stringField(fields, "filename")
	if err != nil {
		return Header{}, err
	}
	if filename == nil {
		return Header{}, fmt.Errorf("%w: filename is required", ErrInvalidMetadata)
	}
	filesize, err := parseFilesize(fields["filesize"])
	if err != nil {
		return Header{}, err
	}
	saltHex, err := stringField(fields, "salt")
	if err != nil {
		return Header{}, err
	}
	ivHex, err := stringField(fields, "iv")
	if err != nil {
		return Header{}, err
	}
	if saltHex == nil || ivHex == nil {
		return Header{}, fmt.Errorf("%w: salt and iv are required", ErrInvalidMetadata)
	}
	salt, err := hex.DecodeString(*saltHex)
	if err != nil {
		return Header{}, fmt.Errorf("%w: decode salt: %v", ErrInvalidMetadata, err)
	}
	iv, err := hex.DecodeString(*ivHex)
	if err != nil {
		return Header{}, fmt.Errorf("%w: decode iv: %v", ErrInvalidMetadata, err)
	}

	header := Header{
		Filename: *filename,
		Filesize: filesize,
		Salt:     salt,
		IV:       iv,
	}
	if err := header.Validate(); err != nil {
		return Header{}, err
	}
	return header, nil
}

// stringField returns nil for a missing or null field.
func stringField(fields map[string]json.RawMessage, name string) (*string, error) {
	raw, ok := fields[name]
	if !ok || string(raw) == "null" {
		return nil, nil
	}
	var value string
	if err := json.Unmarshal(raw, &value); err != nil {
		return nil, fmt.Errorf("%w: %s must be a string", ErrMalformedHeader, name)
	}
	return &value, nil
}

func parseFilesize(raw json.RawMessage) (uint64, error) {
	text := strings.TrimSpace(string(raw))
	if text == "" || text == "null" {
		return 0, fmt.Errorf("%w: filesize is required", ErrInvalidMetadata)
	}
	if c := text[0]; c != '-' && (c < '0' || c > '9') {
		return 0, fmt.Errorf("%w: filesize must be a number", ErrMalformedHeader)
	}
	filesize, err := strconv.ParseUint(text, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("%w: filesize %s is not a non-negative integer", ErrInvalidMetadata, text)
	}
	return filesize, nil
}

// SessionState is the receiver's position in the incoming frame.
type SessionState int

const (
	StateAwaitingLength SessionState = iota
	StateAwaitingHeader
	StateStreaming
	StateClosed
)

func (s SessionState) String() string {
	switch s {
	case StateAwaitingLength:
		return "AWAITING_LENGTH"
	case StateAwaitingHeader:
		return "AWAITING_HEADER"
	case StateStreaming:
		return "STREAMING"
	case StateClosed:
		return "CLOSED"
	default:
		return "UNKNOWN"
	}
}

// HeaderDecoder accumulates the length prefix and header body from
// arbitrarily fragmented input.
type HeaderDecoder struct {
	state  SessionState
	buf    []byte
	length int
}

// State reports AwaitingLength, AwaitingHeader, or Streaming once a header
// has been returned.
func (d *HeaderDecoder) State() SessionState {
	return d.state
}

// Push appends p and returns ErrIncompleteHeader until a whole header is
// available. On success it returns the header, its raw body, and any bytes
// past the header boundary, which belong to the ciphertext stream.
func (d *HeaderDecoder) Push(p []byte) (Header, []byte, []byte, error) {
	if d.state >= StateStreaming {
		return Header{}, nil, nil, fmt.Errorf("%w: header already decoded", ErrMalformedHeader)
	}
	d.buf = append(d.buf, p...)

	if d.state == StateAwaitingLength {
		if len(d.buf) < LengthPrefixSize {
			return Header{}, nil, nil, ErrIncompleteHeader
		}
		length := binary.BigEndian.Uint32(d.buf[:LengthPrefixSize])
		if length > MaxHeaderSize {
			return Header{}, nil, nil, fmt.Errorf("%w: announced length %d exceeds %d", ErrMalformedHeader, length, MaxHeaderSize)
		}
		d.length = int(length)
		d.buf = d.buf[LengthPrefixSize:]
		d.state = StateAwaitingHeader
	}

	if len(d.buf) < d.length {
		return Header{}, nil, nil, ErrIncompleteHeader
	}

	raw := d.buf[:d.length:d.length]
	rest := d.buf[d.length:]
	d.buf = nil

	header, err := DecodeHeader(raw)
	if err != nil {
		return Header{}, nil, nil, err
	}
	d.state = StateStreaming
	return header, raw, rest, nil
}

func writeStatus(w io.Writer, sessionErr error) error {
	line := statusOK + "\n"
	if sessionErr != nil {
		kind := ErrorKind(sessionErr)
		if kind == "" {
			kind = "Unknown"
		}
		line = statusError + " " + kind + "\n"
	}
	_, err := io.WriteString(w, line)
	return err
}

// readStatus returns (true, nil) for ok, (true, kindErr) for a reported
// failure, and (false, nil) when the peer closed without a status line.
func readStatus(r io.Reader) (bool, error) {
	line, err := bufio.NewReaderSize(io.LimitReader(r, maxStatusLen), maxStatusLen).ReadString('\n')
	line = strings.TrimSpace(line)
	if line == "" {
		if err != nil && err != io.EOF {
			return false, err
		}
		return false, nil
	}

	if line == statusOK {
		return true, nil
	}
	kind, found := strings.CutPrefix(line, statusError+" ")
	if !found {
		return false, fmt.Errorf("unexpected receiver status %q", line)
	}
	if kindErr := errorForKind(kind); kindErr != nil {
		return true, fmt.Errorf("receiver reported failure: %w", kindErr)
	}
	return true, fmt.Errorf("receiver reported failure %q", kind)
}
