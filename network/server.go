package network

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/semaphore"

	"cryptsend/crypto"
	"cryptsend/progress"
)

const (
	defaultReadBufferSize = 32 * 1024
	statusWriteTimeout    = 5 * time.Second
)

// ReceiveOptions configures inbound sessions.
type ReceiveOptions struct {
	Password    string
	DownloadDir string
	KDF         crypto.KDFParams

	IdleTimeout    time.Duration
	ReadBufferSize int
	MaxConcurrent  int
	Overwrite      bool

	// NewReporter builds a progress reporter once the header is known.
	NewReporter func(filename string, total int64) progress.Reporter
	History     History
	Logger      logrus.FieldLogger
}

func (o ReceiveOptions) withDefaults() ReceiveOptions {
	out := o
	if out.DownloadDir == "" {
		out.DownloadDir = "."
	}
	if out.IdleTimeout == 0 {
		out.IdleTimeout = DefaultIdleTimeout
	}
	if out.ReadBufferSize <= 0 {
		out.ReadBufferSize = defaultReadBufferSize
	}
	if out.MaxConcurrent <= 0 {
		out.MaxConcurrent = DefaultMaxConcurrent
	}
	if out.History == nil {
		out.History = noopHistory{}
	}
	if out.Logger == nil {
		out.Logger = logrus.StandardLogger()
	}
	return out
}

func (o ReceiveOptions) validate() error {
	if o.Password == "" {
		return errors.New("receive password is required")
	}
	return nil
}

// Server accepts inbound transfers, one session per connection.
type Server struct {
	listener net.Listener
	options  ReceiveOptions
	sessions *semaphore.Weighted

	ctx    context.Context
	cancel context.CancelFunc

	results chan ReceiveResult
	errs    chan error

	closed    chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup
}

// Listen starts a TCP listener and its accept loop.
func Listen(address string, options ReceiveOptions) (*Server, error) {
	opts := options.withDefaults()
	if err := opts.validate(); err != nil {
		return nil, err
	}

	if address == "" {
		address = fmt.Sprintf(":%d", DefaultPort)
	}

	listener, err := net.Listen("tcp", address)
	if err != nil {
		return nil, fmt.Errorf("listen on %q: %w", address, err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	server := &Server{
		listener: listener,
		options:  opts,
		sessions: semaphore.NewWeighted(int64(opts.MaxConcurrent)),
		ctx:      ctx,
		cancel:   cancel,
		results:  make(chan ReceiveResult, 16),
		errs:     make(chan error, 16),
		closed:   make(chan struct{}),
	}

	opts.Logger.WithField("address", listener.Addr().String()).Info("listening for transfers")

	server.wg.Add(1)
	go server.acceptLoop()
	return server, nil
}

// Addr returns the listening address.
func (s *Server) Addr() net.Addr {
	return s.listener.Addr()
}

// Results returns one entry per finished session, successful or not.
// Entries are dropped if nobody is reading.
func (s *Server) Results() <-chan ReceiveResult {
	return s.results
}

// Errors returns asynchronous accept errors.
func (s *Server) Errors() <-chan error {
	return s.errs
}

// Close stops accepting, cancels running sessions, and waits for them.
func (s *Server) Close() error {
	var closeErr error
	s.closeOnce.Do(func() {
		close(s.closed)
		closeErr = s.listener.Close()
		s.cancel()
		s.wg.Wait()
		close(s.results)
		close(s.errs)
	})
	return closeErr
}

// Shutdown stops accepting and waits for running sessions to finish on
// their own until ctx is done, then cancels the rest.
func (s *Server) Shutdown(ctx context.Context) error {
	closeErr := s.listener.Close()

	done := make(chan struct{})
	go func() {
		_ = s.sessions.Acquire(ctx, int64(s.options.MaxConcurrent))
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
	}

	if err := s.Close(); err != nil && closeErr == nil && !errors.Is(err, net.ErrClosed) {
		closeErr = err
	}
	if errors.Is(closeErr, net.ErrClosed) {
		return nil
	}
	return closeErr
}

func (s *Server) acceptLoop() {
	defer s.wg.Done()

	for {
		conn, err := s.listener.Accept()
		if err != nil {
			select {
			case <-s.closed:
				return
			default:
			}
			if errors.Is(err, net.ErrClosed) {
				return
			}

			select {
			case s.errs <- fmt.Errorf("accept connection: %w", err):
			default:
			}
			continue
		}

		if !s.sessions.TryAcquire(1) {
			s.wg.Add(1)
			go s.rejectBusy(conn)
			continue
		}

		s.wg.Add(1)
		go s.handleInboundConn(conn)
	}
}

func (s *Server) handleInboundConn(conn net.Conn) {
	defer s.wg.Done()
	defer s.sessions.Release(1)
	defer conn.Close()

	result, err := ReceiveConn(s.ctx, conn, s.options)
	if result == nil {
		result = &ReceiveResult{RemoteAddress: remoteAddress(conn), Err: err}
	}

	select {
	case s.results <- *result:
	default:
	}
}

func (s *Server) rejectBusy(conn net.Conn) {
	defer s.wg.Done()
	defer conn.Close()

	s.options.Logger.WithFields(logrus.Fields{
		"remote":     remoteAddress(conn),
		"error_kind": ErrorKind(ErrReceiverBusy),
	}).Warn("rejecting connection at session limit")

	_ = conn.SetWriteDeadline(time.Now().Add(statusWriteTimeout))
	_ = writeStatus(conn, ErrReceiverBusy)
}
