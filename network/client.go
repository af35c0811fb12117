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

const failureStatusTimeout = 2 * time.Second

// SendOptions configures one outbound transfer.
type SendOptions struct {
	Address  string
	Password string
	KDF      crypto.KDFParams

	ChunkSize   int
	DialTimeout time.Duration
	AckTimeout  time.Duration

	Reporter progress.Reporter
	History  History
	Logger   logrus.FieldLogger
}

func (o SendOptions) withDefaults() SendOptions {
	out := o
	if out.ChunkSize <= 0 {
		out.ChunkSize = DefaultChunkSize
	}
	if out.DialTimeout <= 0 {
		out.DialTimeout = DefaultDialTimeout
	}
	if out.AckTimeout <= 0 {
		out.AckTimeout = DefaultAckTimeout
	}
	if out.Reporter == nil {
		out.Reporter = progress.Discard
	}
	if out.History == nil {
		out.History = noopHistory{}
	}
	if out.Logger == nil {
		out.Logger = logrus.StandardLogger()
	}
	return out
}

func (o SendOptions) validate() error {
	if o.Address == "" {
		return errors.New("send address is required")
	}
	if o.Password == "" {
		return errors.New("send password is required")
	}
	return nil
}

// SendResult describes a finished outbound transfer.
type SendResult struct {
	TransferID string
	Header     Header
	BytesSent  int64
	// Confirmed is true when the receiver acknowledged the file with "ok".
	Confirmed bool
}

// Send streams sourcePath to opts.Address as a single encrypted transfer.
func Send(ctx context.Context, sourcePath string, options SendOptions) (*SendResult, error) {
	opts := options.withDefaults()
	if err := opts.validate(); err != nil {
		return nil, err
	}

	file, err := os.Open(sourcePath)
	if err != nil {
		return nil, fmt.Errorf("%w: open %s: %w", ErrSourceFileRead, sourcePath, err)
	}
	defer file.Close()

	info, err := file.Stat()
	if err != nil {
		return nil, fmt.Errorf("%w: stat %s: %w", ErrSourceFileRead, sourcePath, err)
	}
	if !info.Mode().IsRegular() {
		return nil, fmt.Errorf("%w: %s is not a regular file", ErrSourceFileRead, sourcePath)
	}
	filesize := uint64(info.Size())
	if err := checkSourceSize(sourcePath, filesize); err != nil {
		return nil, err
	}

	salt, err := crypto.NewSalt()
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrKeyDerivationFailed, err)
	}
	iv, err := crypto.NewNonce()
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrKeyDerivationFailed, err)
	}
	key, err := crypto.DeriveKey([]byte(opts.Password), salt, opts.KDF)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrKeyDerivationFailed, err)
	}

	header := Header{
		Filename: filepath.Base(sourcePath),
		Filesize: filesize,
		Salt:     salt,
		IV:       iv,
	}
	frame, err := EncodeHeader(header)
	if err != nil {
		return nil, err
	}

	sender := &sendSession{
		id:     uuid.NewString(),
		opts:   opts,
		header: header,
		logger: opts.Logger.WithFields(logrus.Fields{
			"filename": header.Filename,
			"filesize": header.Filesize,
			"remote":   opts.Address,
		}),
	}
	sender.logger = sender.logger.WithField("transfer_id", sender.id)

	if err := opts.History.BeginTransfer(models.Transfer{
		TransferID:  sender.id,
		Direction:   models.DirectionSend,
		PeerAddress: opts.Address,
		Filename:    header.Filename,
		Filesize:    int64(filesize),
		StoredPath:  sourcePath,
		Status:      models.StatusInProgress,
		StartedAt:   time.Now().UnixMilli(),
	}); err != nil {
		sender.logger.WithError(err).Warn("record transfer start")
	}

	result, sendErr := sender.run(ctx, file, key, frame)

	status, kind := finishStatus(sendErr)
	if err := opts.History.FinishTransfer(sender.id, status, kind); err != nil {
		sender.logger.WithError(err).Warn("record transfer result")
	}
	if sendErr != nil {
		sender.logger.WithError(sendErr).WithField("error_kind", ErrorKind(sendErr)).Error("send failed")
		return nil, sendErr
	}
	sender.logger.WithField("confirmed", result.Confirmed).Info("send complete")
	return result, nil
}

func checkSourceSize(sourcePath string, filesize uint64) error {
	if filesize > crypto.MaxPayloadSize() {
		return fmt.Errorf("%w: %s is %d bytes: %w", ErrSourceFileRead, sourcePath, filesize, crypto.ErrMessageTooLarge)
	}
	return nil
}

type sendSession struct {
	id     string
	opts   SendOptions
	header Header
	logger logrus.FieldLogger
}

func (s *sendSession) run(ctx context.Context, source io.Reader, key, frame []byte) (*SendResult, error) {
	dialer := net.Dialer{Timeout: s.opts.DialTimeout}
	conn, err := dialer.DialContext(ctx, "tcp", s.opts.Address)
	if err != nil {
		return nil, fmt.Errorf("dial %q: %w", s.opts.Address, err)
	}
	defer conn.Close()

	stop := context.AfterFunc(ctx, func() {
		_ = conn.Close()
	})
	defer stop()

	out := connWriter{conn}
	if _, err := out.Write(frame); err != nil {
		return nil, s.failure(ctx, conn, err)
	}

	meter := progress.NewMeter(out, int64(s.header.Filesize), progress.DirectionSend, s.opts.Reporter)
	sealer, err := crypto.NewSealer(meter, key, s.header.IV, frame[LengthPrefixSize:])
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrKeyDerivationFailed, err)
	}

	buf := make([]byte, s.opts.ChunkSize)
	for {
		n, readErr := source.Read(buf)
		if n > 0 {
			if _, err := sealer.Write(buf[:n]); err != nil {
				if errors.Is(err, crypto.ErrMessageTooLarge) {
					return nil, fmt.Errorf("%w: %w", ErrSourceFileRead, err)
				}
				return nil, s.failure(ctx, conn, err)
			}
		}
		if errors.Is(readErr, io.EOF) {
			break
		}
		if readErr != nil {
			return nil, fmt.Errorf("%w: read source: %w", ErrSourceFileRead, readErr)
		}
	}

	if sealer.Processed() != s.header.Filesize {
		return nil, fmt.Errorf("%w: source changed size while sending: read %d of %d bytes", ErrSourceFileRead, sealer.Processed(), s.header.Filesize)
	}

	tag, err := sealer.Finish()
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrTruncatedTransfer, err)
	}
	if _, err := out.Write(tag); err != nil {
		return nil, s.failure(ctx, conn, err)
	}
	if closer, ok := conn.(interface{ CloseWrite() error }); ok {
		if err := closer.CloseWrite(); err != nil {
			return nil, s.failure(ctx, conn, fmt.Errorf("%w: close write: %w", ErrTruncatedTransfer, err))
		}
	}

	result := &SendResult{
		TransferID: s.id,
		Header:     s.header,
		BytesSent:  meter.Processed(),
	}

	_ = conn.SetReadDeadline(time.Now().Add(s.opts.AckTimeout))
	answered, statusErr := readStatus(conn)
	if statusErr != nil && answered {
		return nil, statusErr
	}
	if !answered && ctx.Err() != nil {
		return nil, fmt.Errorf("%w: %w", ErrTruncatedTransfer, ctx.Err())
	}
	if statusErr != nil {
		s.logger.WithError(statusErr).Warn("no receiver confirmation")
	}
	result.Confirmed = answered && statusErr == nil
	return result, nil
}

// failure prefers the receiver's reported error kind over the local write
// error, since a receiver that rejects a transfer closes mid-stream.
func (s *sendSession) failure(ctx context.Context, conn net.Conn, writeErr error) error {
	if ctxErr := ctx.Err(); ctxErr != nil {
		return fmt.Errorf("%w: %w", ErrTruncatedTransfer, ctxErr)
	}

	_ = conn.SetReadDeadline(time.Now().Add(failureStatusTimeout))
	if answered, statusErr := readStatus(conn); answered && statusErr != nil {
		return statusErr
	}
	return writeErr
}

type connWriter struct {
	w io.Writer
}

func (c connWriter) Write(p []byte) (int, error) {
	n, err := c.w.Write(p)
	if err != nil {
		return n, fmt.Errorf("%w: %w", ErrTruncatedTransfer, err)
	}
	return n, nil
}
