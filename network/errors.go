package network

import (
	"errors"
	"strings"
)

var (
	// ErrIncompleteHeader means the decoder needs more bytes. It is not terminal.
	ErrIncompleteHeader = errors.New("network: incomplete header")
	// ErrMalformedHeader means the header bytes are not a well-typed record.
	ErrMalformedHeader = errors.New("network: malformed header")
	// ErrInvalidMetadata means a header field is missing or out of range.
	ErrInvalidMetadata = errors.New("network: invalid metadata")
	// ErrKeyDerivationFailed means the session key could not be derived.
	ErrKeyDerivationFailed = errors.New("network: key derivation failed")
	// ErrTruncatedTransfer means the stream ended before the transfer was complete.
	ErrTruncatedTransfer = errors.New("network: truncated transfer")
	// ErrIntegrityCheckFailed means the authentication tag did not verify.
	ErrIntegrityCheckFailed = errors.New("network: integrity check failed")
	// ErrSourceFileRead means the sender could not read its source file.
	ErrSourceFileRead = errors.New("network: source file read error")
	// ErrDestinationWrite means the receiver could not write its output file.
	ErrDestinationWrite = errors.New("network: destination write error")
	// ErrReceiverBusy means the receiver refused the connection at its session limit.
	ErrReceiverBusy = errors.New("network: receiver busy")
)

var errorKinds = []struct {
	err  error
	kind string
}{
	{ErrIncompleteHeader, "IncompleteHeader"},
	{ErrMalformedHeader, "MalformedHeader"},
	{ErrInvalidMetadata, "InvalidMetadata"},
	{ErrKeyDerivationFailed, "KeyDerivationFailed"},
	{ErrTruncatedTransfer, "TruncatedTransfer"},
	{ErrIntegrityCheckFailed, "IntegrityCheckFailed"},
	{ErrSourceFileRead, "SourceFileReadError"},
	{ErrDestinationWrite, "DestinationWriteError"},
	{ErrReceiverBusy, "Busy"},
}

// ErrorKind names the transfer error kind wrapped by err, or "" if none.
func ErrorKind(err error) string {
	if err == nil {
		return ""
	}
	for _, entry := range errorKinds {
		if errors.Is(err, entry.err) {
			return entry.kind
		}
	}
	return ""
}

func errorForKind(kind string) error {
	kind = strings.TrimSpace(kind)
	for _, entry := range errorKinds {
		if entry.kind == kind {
			return entry.err
		}
	}
	return nil
}
