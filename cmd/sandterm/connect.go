package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/jkaninda/sandterm/internal/gateway/cli"
	"github.com/jkaninda/sandterm/internal/terminal"
)

var (
	connectOrigin string
	connectDebug  bool
)

var connectCmd = &cobra.Command{
	Use:     "connect <ws-url>",
	Short:   "Open an interactive terminal session on a broker",
	Example: `  sandterm connect ws://localhost:8080/ws/terminal`,
	Args:    cobra.ExactArgs(1),
	RunE:    runConnect,
}

func init() {
	connectCmd.Flags().StringVar(&connectOrigin, "origin", "", "Origin header sent with the handshake")
	connectCmd.Flags().BoolVar(&connectDebug, "debug", false, "log connection details to stderr")
}

func runConnect(_ *cobra.Command, args []string) error {
	level := slog.LevelWarn
	if connectDebug {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))

	opts := cli.Options{URL: args[0]}
	if connectOrigin != "" {
		opts.Header = http.Header{"Origin": []string{connectOrigin}}
	}

	stdin := int(os.Stdin.Fd())
	if term.IsTerminal(stdin) {
		if cols, rows, err := term.GetSize(int(os.Stdout.Fd())); err == nil {
			opts.Size = terminal.Size{Cols: cols, Rows: rows}
		}
		state, err := term.MakeRaw(stdin)
		if err != nil {
			return fmt.Errorf("switching terminal to raw mode: %w", err)
		}
		defer func() { _ = term.Restore(stdin, state) }()
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGTERM)
	defer stop()

	res, err := cli.NewClient(logger).Run(ctx, opts, os.Stdin, os.Stdout)
	if err != nil {
		return err
	}
	if !res.Clean() {
		return fmt.Errorf("session ended: %s", res)
	}
	fmt.Fprintf(os.Stderr, "\r\nsession closed: %s\r\n", res.Reason)
	return nil
}
