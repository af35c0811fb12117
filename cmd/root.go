// Package cmd implements the cryptsend command line.
package cmd

import (
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"golang.org/x/term"

	"cryptsend/config"
	"cryptsend/network"
	"cryptsend/storage"
)

// Process exit codes.
const (
	ExitOK      = 0
	ExitFailure = 1
	ExitUsage   = 2
)

// transferError marks a failed transfer. Anything else that reaches Execute
// is a usage or configuration error.
type transferError struct {
	err error
}

func (e *transferError) Error() string {
	kind := network.ErrorKind(e.err)
	if kind == "" {
		return fmt.Sprintf("transfer failed: %v", e.err)
	}
	return fmt.Sprintf("transfer failed (%s): %v", kind, e.err)
}

func (e *transferError) Unwrap() error {
	return e.err
}

func failed(err error) error {
	if err == nil {
		return nil
	}
	return &transferError{err: err}
}

type rootOptions struct {
	logLevel string
}

// environment is the loaded per-invocation state shared by subcommands.
type environment struct {
	cfg     *config.Config
	dataDir string
	logger  *logrus.Logger
}

func loadEnvironment(c *cobra.Command, root *rootOptions) (*environment, error) {
	cfg, dataDir, err := config.LoadOrCreate()
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}

	level := cfg.LogLevel
	if root.logLevel != "" {
		level = root.logLevel
	}
	parsed, err := logrus.ParseLevel(level)
	if err != nil {
		return nil, fmt.Errorf("invalid log level %q: %w", level, err)
	}

	logger := logrus.New()
	logger.SetOutput(c.ErrOrStderr())
	logger.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	logger.SetLevel(parsed)

	return &environment{cfg: cfg, dataDir: dataDir, logger: logger}, nil
}

// openHistory returns nil when history is disabled in config.
func (e *environment) openHistory() (*storage.Store, error) {
	if e.cfg.DisableHistory {
		return nil, nil
	}
	store, err := storage.OpenPath(config.HistoryPath(e.dataDir))
	if err != nil {
		return nil, fmt.Errorf("open history: %w", err)
	}
	return store, nil
}

func (e *environment) closeHistory(store *storage.Store) {
	if store == nil {
		return
	}
	if err := store.Close(); err != nil {
		e.logger.WithError(err).Warn("close history")
	}
}

// readPassword takes the password from args[index] or prompts on a terminal.
func (e *environment) readPassword(c *cobra.Command, args []string, index int) (string, error) {
	var password string
	if len(args) > index {
		password = args[index]
	} else {
		file, ok := c.InOrStdin().(*os.File)
		if !ok || !term.IsTerminal(int(file.Fd())) {
			return "", errors.New("password argument is required when stdin is not a terminal")
		}
		fmt.Fprint(c.ErrOrStderr(), "Password: ")
		raw, err := term.ReadPassword(int(file.Fd()))
		fmt.Fprintln(c.ErrOrStderr())
		if err != nil {
			return "", fmt.Errorf("read password: %w", err)
		}
		password = strings.TrimRight(string(raw), "\r\n")
	}

	if err := e.cfg.ValidatePassword(password); err != nil {
		return "", err
	}
	return password, nil
}

func isTerminal(w io.Writer) bool {
	file, ok := w.(*os.File)
	return ok && term.IsTerminal(int(file.Fd()))
}

// NewRootCommand builds the cryptsend command tree.
func NewRootCommand() *cobra.Command {
	root := &rootOptions{}

	rootCmd := &cobra.Command{
		Use:           "cryptsend",
		Short:         "Send a single file over TCP, encrypted with a shared password",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	rootCmd.PersistentFlags().StringVar(&root.logLevel, "log-level", "", "Log level (overrides log_level in config)")

	rootCmd.AddCommand(newReceiveCommand(root))
	rootCmd.AddCommand(newSendCommand(root))
	rootCmd.AddCommand(newHistoryCommand(root))
	return rootCmd
}

// Execute runs the command line and returns the process exit code.
func Execute() int {
	return run(NewRootCommand(), os.Args[1:])
}

func run(rootCmd *cobra.Command, args []string) int {
	rootCmd.SetArgs(args)
	err := rootCmd.Execute()
	if err == nil {
		return ExitOK
	}

	fmt.Fprintln(rootCmd.ErrOrStderr(), "Error:", err)
	var transfer *transferError
	if errors.As(err, &transfer) {
		return ExitFailure
	}
	return ExitUsage
}
