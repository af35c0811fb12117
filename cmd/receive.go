package cmd

import (
	"context"
	"fmt"
	"io"
	"net"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"cryptsend/discovery"
	"cryptsend/models"
	"cryptsend/network"
	"cryptsend/progress"
)

const shutdownGracePeriod = 5 * time.Second

type receiveOptions struct {
	port      int
	dir       string
	once      bool
	advertise bool
	overwrite bool
}

func newReceiveCommand(root *rootOptions) *cobra.Command {
	opts := &receiveOptions{}

	receiveCmd := &cobra.Command{
		Use:   "receive [password]",
		Short: "Listen for encrypted transfers and save them to the download directory",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(c *cobra.Command, args []string) error {
			return runReceive(c, root, opts, args)
		},
	}

	receiveCmd.Flags().IntVar(&opts.port, "port", 0, "TCP port to listen on (default from config)")
	receiveCmd.Flags().StringVar(&opts.dir, "dir", "", "Directory to save received files (default from config)")
	receiveCmd.Flags().BoolVar(&opts.once, "once", false, "Exit after the first transfer")
	receiveCmd.Flags().BoolVar(&opts.advertise, "advertise", false, "Advertise this receiver over mDNS")
	receiveCmd.Flags().BoolVar(&opts.overwrite, "overwrite", false, "Replace existing files with the same name")
	return receiveCmd
}

func runReceive(c *cobra.Command, root *rootOptions, opts *receiveOptions, args []string) error {
	env, err := loadEnvironment(c, root)
	if err != nil {
		return err
	}
	password, err := env.readPassword(c, args, 0)
	if err != nil {
		return err
	}

	port := env.cfg.ListeningPort
	if c.Flags().Changed("port") {
		port = opts.port
	}
	if port < 0 || port > 65535 {
		return fmt.Errorf("invalid port %d", port)
	}
	dir := env.cfg.DownloadDir
	if opts.dir != "" {
		dir = opts.dir
	}

	store, err := env.openHistory()
	if err != nil {
		return err
	}
	defer env.closeHistory(store)
	if store != nil {
		if marked, err := store.MarkInterruptedTransfers(models.DirectionReceive); err != nil {
			env.logger.WithError(err).Warn("mark interrupted transfers")
		} else if marked > 0 {
			env.logger.WithField("count", marked).Info("marked interrupted receives as failed")
		}
	}

	receiveOpts := network.ReceiveOptions{
		Password:      password,
		DownloadDir:   dir,
		KDF:           env.cfg.KDFParams(),
		IdleTimeout:   env.cfg.IdleTimeout(),
		MaxConcurrent: env.cfg.MaxConcurrent,
		Overwrite:     env.cfg.Overwrite || opts.overwrite,
		NewReporter:   receiveReporter(c.ErrOrStderr(), env.logger),
		Logger:        env.logger,
	}
	if store != nil {
		receiveOpts.History = store
	}

	ctx, stop := signal.NotifyContext(c.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	server, err := network.Listen(fmt.Sprintf(":%d", port), receiveOpts)
	if err != nil {
		return err
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownGracePeriod)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			env.logger.WithError(err).Warn("shutdown receiver")
		}
	}()

	if env.cfg.Advertise || opts.advertise {
		broadcaster, err := discovery.StartBroadcaster(discovery.Config{
			DeviceID:      env.cfg.DeviceID,
			DeviceName:    env.cfg.DeviceName,
			ListeningPort: listeningPort(server.Addr()),
		})
		if err != nil {
			env.logger.WithError(err).Warn("mDNS advertise failed")
		} else {
			defer broadcaster.Stop()
			env.logger.WithField("name", env.cfg.DeviceName).Info("advertising receiver")
		}
	}

	out := c.OutOrStdout()
	fmt.Fprintf(out, "Listening on %s, saving to %s\n", server.Addr(), dir)

	acceptErrs := server.Errors()
	for {
		select {
		case <-ctx.Done():
			return nil
		case acceptErr, ok := <-acceptErrs:
			if !ok {
				acceptErrs = nil
				continue
			}
			env.logger.WithError(acceptErr).Warn("accept failed")
		case result, ok := <-server.Results():
			if !ok {
				return nil
			}
			printReceiveResult(out, c.ErrOrStderr(), result)
			if opts.once {
				return failed(result.Err)
			}
		}
	}
}

func listeningPort(addr net.Addr) int {
	if tcp, ok := addr.(*net.TCPAddr); ok {
		return tcp.Port
	}
	return 0
}

// receiveReporter renders progress for each inbound session, and always logs
// it at debug level.
func receiveReporter(w io.Writer, logger logrus.FieldLogger) func(filename string, total int64) progress.Reporter {
	return func(filename string, total int64) progress.Reporter {
		logReporter := progress.LogReporter{Logger: logger.WithField("filename", filename)}
		if isTerminal(w) {
			return progress.Multi(progress.NewBarReporter(w, filename, total), logReporter)
		}
		return progress.Multi(progress.NewLineReporter(w), logReporter)
	}
}

func printReceiveResult(out, progressOut io.Writer, result network.ReceiveResult) {
	if result.Header.Filename != "" {
		fmt.Fprintln(progressOut)
	}
	if result.Err != nil {
		name := result.Header.Filename
		if name == "" {
			name = "(no header)"
		}
		fmt.Fprintf(out, "Failed %s from %s: %s\n", name, result.RemoteAddress, kindOrError(result.Err))
		return
	}
	fmt.Fprintf(out, "Received %s (%d bytes) from %s -> %s\n",
		result.Header.Filename, result.BytesReceived, result.RemoteAddress, result.Path)
}

func kindOrError(err error) string {
	if kind := network.ErrorKind(err); kind != "" {
		return kind
	}
	return err.Error()
}
