package network

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"cryptsend/crypto"
	"cryptsend/models"
	"cryptsend/progress"
)

const partSuffix = ".part"

var errSessionClosed = errors.New("network: session closed")

// ReceiveResult describes one finished inbound session.
type ReceiveResult struct {
	TransferID    string
	RemoteAddress string
	Header        Header
	Path          string
	BytesReceived int64
	Err           error
}

// receiveSession owns the decoder, cipher context, and output file of one
// inbound connection.
type receiveSession struct {
	id      string
	remote  string
	opts    ReceiveOptions
	logger  logrus.FieldLogger
	decoder HeaderDecoder
	state   SessionState

	header    Header
	extractor *tagExtractor
	opener    *crypto.Opener
	meter     *progress.Meter
	file      *os.File
	partPath  string
	finalPath string
	logged    bool
}

func newReceiveSession(remote string, opts ReceiveOptions) *receiveSession {
	id := uuid.NewString()
	return &receiveSession{
		id:     id,
		remote: remote,
		opts:   opts,
		logger: opts.Logger.WithFields(logrus.Fields{
			"transfer_id": id,
			"remote":      remote,
		}),
		state: StateAwaitingLength,
	}
}

// State returns the current session state.
func (s *receiveSession) State() SessionState {
	return s.state
}

// Feed consumes one chunk of the inbound stream in arrival order.
func (s *receiveSession) Feed(chunk []byte) error {
	switch s.state {
	case StateAwaitingLength, StateAwaitingHeader:
		header, raw, rest, err := s.decoder.Push(chunk)
		if errors.Is(err, ErrIncompleteHeader) {
			s.state = s.decoder.State()
			return nil
		}
		if err != nil {
			return err
		}
		if err := s.begin(header, raw); err != nil {
			return err
		}
		s.state = StateStreaming
		if len(rest) == 0 {
			return nil
		}
		return s.stream(rest)
	case StateStreaming:
		return s.stream(chunk)
	default:
		return errSessionClosed
	}
}

func (s *receiveSession) begin(header Header, raw []byte) error {
	s.header = header
	s.finalPath = filepath.Join(s.opts.DownloadDir, header.Filename)
	s.logger = s.logger.WithFields(logrus.Fields{
		"filename": header.Filename,
		"filesize": header.Filesize,
	})

	if header.Filesize > crypto.MaxPayloadSize() {
		return fmt.Errorf("%w: filesize %d exceeds stream limit", ErrInvalidMetadata, header.Filesize)
	}
	if !s.opts.Overwrite {
		if _, err := os.Stat(s.finalPath); err == nil {
			return fmt.Errorf("%w: %s already exists", ErrDestinationWrite, s.finalPath)
		}
	}

	key, err := crypto.DeriveKey([]byte(s.opts.Password), header.Salt, s.opts.KDF)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrKeyDerivationFailed, err)
	}

	if err := os.MkdirAll(s.opts.DownloadDir, 0o755); err != nil {
		return fmt.Errorf("%w: create download dir: %w", ErrDestinationWrite, err)
	}
	partPath := s.finalPath + partSuffix
	file, err := os.OpenFile(partPath, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o600)
	if err != nil {
		return fmt.Errorf("%w: create %s: %w", ErrDestinationWrite, partPath, err)
	}
	s.file = file
	s.partPath = partPath

	reporter := progress.Discard
	if s.opts.NewReporter != nil {
		if r := s.opts.NewReporter(header.Filename, int64(header.Filesize)); r != nil {
			reporter = r
		}
	}
	s.meter = progress.NewMeter(destinationWriter{file}, int64(header.Filesize), progress.DirectionReceive, reporter)

	opener, err := crypto.NewOpener(s.meter, key, header.IV, raw)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrKeyDerivationFailed, err)
	}
	s.opener = opener
	s.extractor = newTagExtractor(opener)

	if err := s.opts.History.BeginTransfer(models.Transfer{
		TransferID:  s.id,
		Direction:   models.DirectionReceive,
		PeerAddress: s.remote,
		Filename:    header.Filename,
		Filesize:    int64(header.Filesize),
		StoredPath:  s.finalPath,
		Status:      models.StatusInProgress,
		StartedAt:   time.Now().UnixMilli(),
	}); err != nil {
		s.logger.WithError(err).Warn("record transfer start")
	} else {
		s.logged = true
	}

	s.logger.WithField("state", StateStreaming.String()).Info("header accepted")
	return nil
}

func (s *receiveSession) stream(p []byte) error {
	if _, err := s.extractor.Write(p); err != nil {
		switch {
		case errors.Is(err, ErrDestinationWrite):
			return err
		case errors.Is(err, crypto.ErrMessageTooLarge):
			return fmt.Errorf("%w: %w", ErrInvalidMetadata, err)
		default:
			return fmt.Errorf("%w: %w", ErrTruncatedTransfer, err)
		}
	}
	if uint64(s.extractor.Forwarded()) > s.header.Filesize {
		return fmt.Errorf("%w: stream carries more than %d bytes", ErrInvalidMetadata, s.header.Filesize)
	}
	return nil
}

// Finish runs at end of stream: it verifies the tag and moves the
// finished file into place.
func (s *receiveSession) Finish() error {
	if s.state != StateStreaming {
		state := s.state
		s.state = StateClosed
		return fmt.Errorf("%w: stream ended in state %s", ErrTruncatedTransfer, state)
	}
	s.state = StateClosed

	tag, err := s.extractor.Tag()
	if err != nil {
		return err
	}
	if err := s.opener.Verify(tag); err != nil {
		return fmt.Errorf("%w: %w", ErrIntegrityCheckFailed, err)
	}

	received := s.opener.Processed()
	switch {
	case received < s.header.Filesize:
		return fmt.Errorf("%w: received %d of %d bytes", ErrTruncatedTransfer, received, s.header.Filesize)
	case received > s.header.Filesize:
		return fmt.Errorf("%w: received %d bytes, header announced %d", ErrInvalidMetadata, received, s.header.Filesize)
	}

	if err := s.file.Sync(); err != nil {
		return fmt.Errorf("%w: sync %s: %w", ErrDestinationWrite, s.partPath, err)
	}
	if err := s.file.Close(); err != nil {
		s.file = nil
		return fmt.Errorf("%w: close %s: %w", ErrDestinationWrite, s.partPath, err)
	}
	s.file = nil

	if !s.opts.Overwrite {
		if _, err := os.Stat(s.finalPath); err == nil {
			return fmt.Errorf("%w: %s already exists", ErrDestinationWrite, s.finalPath)
		}
	}
	if err := os.Rename(s.partPath, s.finalPath); err != nil {
		return fmt.Errorf("%w: finalize %s: %w", ErrDestinationWrite, s.finalPath, err)
	}
	s.partPath = ""
	return nil
}

// abort releases the output file and removes any partial data.
func (s *receiveSession) abort() {
	s.state = StateClosed
	if s.file != nil {
		_ = s.file.Close()
		s.file = nil
	}
	if s.partPath != "" {
		if err := os.Remove(s.partPath); err != nil && !errors.Is(err, os.ErrNotExist) {
			s.logger.WithError(err).Warn("remove partial file")
		}
		s.partPath = ""
	}
}

func (s *receiveSession) consume(conn net.Conn) error {
	buf := make([]byte, s.opts.ReadBufferSize)
	for {
		if s.opts.IdleTimeout > 0 {
			if err := conn.SetReadDeadline(time.Now().Add(s.opts.IdleTimeout)); err != nil {
				return fmt.Errorf("%w: set read deadline: %w", ErrTruncatedTransfer, err)
			}
		}

		n, err := conn.Read(buf)
		if n > 0 {
			if feedErr := s.Feed(buf[:n]); feedErr != nil {
				return feedErr
			}
		}
		if errors.Is(err, io.EOF) {
			return s.Finish()
		}
		if err != nil {
			return fmt.Errorf("%w: read: %w", ErrTruncatedTransfer, err)
		}
	}
}

func (s *receiveSession) result(err error) ReceiveResult {
	result := ReceiveResult{
		TransferID:    s.id,
		RemoteAddress: s.remote,
		Header:        s.header,
		Err:           err,
	}
	if s.meter != nil {
		result.BytesReceived = s.meter.Processed()
	}
	if err == nil {
		result.Path = s.finalPath
	}
	return result
}

// ReceiveConn runs one receiver session over conn and writes the status
// line back before returning. It does not close conn. Cancelling ctx closes
// conn, which ends the session with ErrTruncatedTransfer.
func ReceiveConn(ctx context.Context, conn net.Conn, options ReceiveOptions) (*ReceiveResult, error) {
	opts := options.withDefaults()
	if err := opts.validate(); err != nil {
		return nil, err
	}

	stop := context.AfterFunc(ctx, func() {
		_ = conn.Close()
	})
	defer stop()

	session := newReceiveSession(remoteAddress(conn), opts)
	session.logger.Debug("session started")

	err := session.consume(conn)
	if err != nil {
		session.abort()
	}

	if session.logged {
		status, kind := finishStatus(err)
		if histErr := opts.History.FinishTransfer(session.id, status, kind); histErr != nil {
			session.logger.WithError(histErr).Warn("record transfer result")
		}
	}

	if err != nil {
		session.logger.WithFields(logrus.Fields{
			"error_kind": ErrorKind(err),
			"state":      session.State().String(),
		}).WithError(err).Error("transfer failed")
	} else {
		session.logger.WithField("path", session.finalPath).Info("transfer complete")
	}

	_ = conn.SetWriteDeadline(time.Now().Add(statusWriteTimeout))
	if statusErr := writeStatus(conn, err); statusErr != nil {
		session.logger.WithError(statusErr).Debug("write status line")
	}

	result := session.result(err)
	return &result, err
}

func remoteAddress(conn net.Conn) string {
	if addr := conn.RemoteAddr(); addr != nil {
		return addr.String()
	}
	return ""
}

type destinationWriter struct {
	w io.Writer
}

func (d destinationWriter) Write(p []byte) (int, error) {
	n, err := d.w.Write(p)
	if err != nil {
		return n, fmt.Errorf("%w: %w", ErrDestinationWrite, err)
	}
	return n, nil
}
