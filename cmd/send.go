package cmd

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"

	"github.com/spf13/cobra"

	"cryptsend/discovery"
	"cryptsend/network"
	"cryptsend/progress"
)

func newSendCommand(root *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "send <host[:port]|@name> <file> [password]",
		Short: "Encrypt a file and stream it to a receiver",
		Long: "Encrypt a file and stream it to a receiver.\n\n" +
			"The target is host or host:port (default port " + strconv.Itoa(network.DefaultPort) + "). " +
			"@name resolves an advertised receiver by name or device ID over mDNS, " +
			"and a bare @ picks the only receiver on the network.",
		Args: cobra.RangeArgs(2, 3),
		RunE: func(c *cobra.Command, args []string) error {
			return runSend(c, root, args)
		},
	}
}

func runSend(c *cobra.Command, root *rootOptions, args []string) error {
	env, err := loadEnvironment(c, root)
	if err != nil {
		return err
	}
	target, source := args[0], args[1]
	password, err := env.readPassword(c, args, 2)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(c.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	address, err := resolveTarget(ctx, target, env.cfg.DeviceID)
	if err != nil {
		return failed(err)
	}

	store, err := env.openHistory()
	if err != nil {
		return err
	}
	defer env.closeHistory(store)

	progressOut := c.ErrOrStderr()
	reporter, finish := sendReporter(progressOut, filepath.Base(source))

	sendOpts := network.SendOptions{
		Address:     address,
		Password:    password,
		KDF:         env.cfg.KDFParams(),
		ChunkSize:   env.cfg.ChunkSize,
		DialTimeout: env.cfg.DialTimeout(),
		AckTimeout:  env.cfg.AckTimeout(),
		Reporter:    progress.Multi(reporter, progress.LogReporter{Logger: env.logger}),
		Logger:      env.logger,
	}
	if store != nil {
		sendOpts.History = store
	}

	result, err := network.Send(ctx, source, sendOpts)
	finish()
	if err != nil {
		return failed(err)
	}

	out := c.OutOrStdout()
	if result.Confirmed {
		fmt.Fprintf(out, "Sent %s (%d bytes) to %s\n", result.Header.Filename, result.BytesSent, address)
	} else {
		fmt.Fprintf(out, "Sent %s (%d bytes) to %s, receiver did not confirm\n", result.Header.Filename, result.BytesSent, address)
	}
	return nil
}

// resolveTarget turns a command line target into a dialable host:port.
func resolveTarget(ctx context.Context, target, selfDeviceID string) (string, error) {
	target = strings.TrimSpace(target)
	if name, ok := strings.CutPrefix(target, "@"); ok {
		receiver, err := discovery.Lookup(ctx, discovery.Config{DeviceID: selfDeviceID}, name)
		if err != nil {
			return "", err
		}
		return receiver.Address(), nil
	}

	if target == "" {
		return "", errors.New("empty target")
	}
	if _, _, err := net.SplitHostPort(target); err == nil {
		return target, nil
	}
	return net.JoinHostPort(strings.Trim(target, "[]"), strconv.Itoa(network.DefaultPort)), nil
}

// sendReporter returns the progress renderer for one outbound file and a
// function that ends its output line.
func sendReporter(w io.Writer, filename string) (progress.Reporter, func()) {
	if isTerminal(w) {
		var bar *progress.BarReporter
		reporter := progress.ReporterFunc(func(processed, total int64, direction progress.Direction) {
			if bar == nil {
				bar = progress.NewBarReporter(w, filename, total)
			}
			bar.Report(processed, total, direction)
		})
		return reporter, func() {
			if bar != nil {
				bar.Finish()
			}
		}
	}

	reporter := progress.NewLineReporter(w)
	return reporter, func() {
		fmt.Fprintln(w)
	}
}
