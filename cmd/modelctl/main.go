// Command modelctl trains, evaluates, promotes and serves models.
package main

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
)

func main() {
	level := new(slog.LevelVar)
	logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: level}))

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	err := newRootCmd(logger, level, os.Stdout).ExecuteContext(ctx)
	stop()

	code := exitCode(err)
	switch {
	case err == nil:
	case errors.Is(err, errVerdictFailed):
		logger.Warn("verdict failed", "error", err)
	default:
		logger.Error("command failed", "error", err, "exit_code", code)
	}
	os.Exit(code)
}
