// Command voicedash runs the voice assistant dashboard backend and its
// maintenance tasks.
package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"os/signal"
	"strings"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"github.com/vango-go/voice-orchestrator/pkg/core/live"
	"github.com/vango-go/voice-orchestrator/pkg/gateway/config"
	"github.com/vango-go/voice-orchestrator/pkg/store"
)

// app carries the process streams and the seams tests replace.
type app struct {
	stdin  io.Reader
	stdout io.Writer
	stderr io.Writer
	in     *bufio.Reader

	logger    *slog.Logger
	jsonLogs  bool
	logLevel  string
	envFile   string
	loadDBCfg func() (config.Config, error)
	openStore func(context.Context, config.Config, *slog.Logger) (store.Store, error)
	serve     serveDeps

	newTransport func(*slog.Logger) live.Transport
}

func newApp(stdin io.Reader, stdout, stderr io.Writer) *app {
	return &app{
		stdin:     stdin,
		stdout:    stdout,
		stderr:    stderr,
		loadDBCfg: config.LoadDatabaseFromEnv,
		openStore: openStore,
		serve:     defaultServeDeps(),
	}
}

func (a *app) lines() *bufio.Reader {
	if a.in == nil {
		a.in = bufio.NewReader(a.stdin)
	}
	return a.in
}

func newLogger(w io.Writer, jsonLogs bool, level string) (*slog.Logger, error) {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(strings.TrimSpace(level))); err != nil {
		return nil, fmt.Errorf("invalid --log-level %q", level)
	}
	opts := &slog.HandlerOptions{Level: lvl}
	if jsonLogs {
		return slog.New(slog.NewJSONHandler(w, opts)), nil
	}
	return slog.New(slog.NewTextHandler(w, opts)), nil
}

// loadEnvFile applies path to the environment without overriding variables
// that are already set. A missing file is not an error.
func loadEnvFile(path string) error {
	if path == "" {
		return nil
	}
	if err := godotenv.Load(path); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("load %s: %w", path, err)
	}
	return nil
}

func newRootCmd(a *app) *cobra.Command {
	root := &cobra.Command{
		Use:           "voicedash",
		Short:         "Voice and text assistant dashboard backend",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			if err := loadEnvFile(a.envFile); err != nil {
				return err
			}
			logger, err := newLogger(a.stderr, a.jsonLogs, a.logLevel)
			if err != nil {
				return err
			}
			a.logger = logger
			return nil
		},
	}
	root.SetIn(a.stdin)
	root.SetOut(a.stdout)
	root.SetErr(a.stderr)

	flags := root.PersistentFlags()
	flags.BoolVar(&a.jsonLogs, "json", false, "write logs as JSON")
	flags.StringVar(&a.logLevel, "log-level", "info", "log level (debug, info, warn, error)")
	flags.StringVar(&a.envFile, "env-file", ".env", "dotenv file to load before reading VOICEDASH_* settings")

	root.AddCommand(
		newServeCmd(a),
		newMigrateCmd(a),
		newUserCmd(a),
		newChatCmd(a),
	)
	return root
}

func runMain(ctx context.Context, args []string, a *app) int {
	root := newRootCmd(a)
	root.SetArgs(args)
	if err := root.ExecuteContext(ctx); err != nil {
		fmt.Fprintf(a.stderr, "voicedash: %v\n", err)
		return 1
	}
	return 0
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()
	os.Exit(runMain(ctx, os.Args[1:], newApp(os.Stdin, os.Stdout, os.Stderr)))
}
