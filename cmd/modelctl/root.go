package main

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"strings"

	"github.com/spf13/cobra"

	"github.com/animus-labs/modelops/internal/config"
	"github.com/animus-labs/modelops/internal/domain"
	"github.com/animus-labs/modelops/internal/platform/env"
)

type rootOptions struct {
	root     string
	logLevel string
}

type cli struct {
	opts   *rootOptions
	logger *slog.Logger
	out    io.Writer
	// build is swapped in tests.
	build func(ctx context.Context, cfg config.Config, logger *slog.Logger) (*app, error)
}

func newRootCmd(logger *slog.Logger, level *slog.LevelVar, out io.Writer) *cobra.Command {
	c := &cli{opts: &rootOptions{}, logger: logger, out: out, build: newApp}

	root := &cobra.Command{
		Use:           "modelctl",
		Short:         "Model lifecycle registry and promotion engine",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if level == nil {
				return nil
			}
			return level.UnmarshalText([]byte(c.opts.logLevel))
		},
	}
	root.SetOut(out)
	root.SetFlagErrorFunc(func(cmd *cobra.Command, err error) error {
		return domain.NewConfigError("%v", err)
	})
	root.PersistentFlags().StringVar(&c.opts.root, "root", env.String("MODELOPS_ROOT", "."), "workspace root holding config/, models/, runs/ and deployments/")
	root.PersistentFlags().StringVar(&c.opts.logLevel, "log-level", env.String("MODELOPS_LOG_LEVEL", "info"), "debug, info, warn or error")

	root.AddCommand(
		c.trainCmd(),
		c.evalCmd(),
		c.deployCmd(),
		c.rollbackCmd(),
		c.runsCmd(),
		c.registerCmd(),
		c.servingSpecCmd(),
		c.canaryCmd(),
		c.predictCmd(),
		c.serveCmd(),
	)
	return root
}

// open loads the configuration of model and wires the components.
func (c *cli) open(ctx context.Context, model string) (*app, error) {
	cfg, err := config.Load(c.opts.root, model)
	if err != nil {
		return nil, err
	}
	return c.build(ctx, cfg, c.logger)
}

func (c *cli) print(v any) error {
	enc := json.NewEncoder(c.out)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func required(pairs ...string) error {
	cfgErr := &domain.ConfigError{}
	for i := 0; i+1 < len(pairs); i += 2 {
		if strings.TrimSpace(pairs[i+1]) == "" {
			cfgErr.Add("--%s is required", pairs[i])
		}
	}
	return cfgErr.OrNil()
}

func parseStage(raw string) (domain.Stage, error) {
	stage, err := domain.ParseStage(raw)
	if err != nil {
		return "", domain.NewConfigError("--stage: %v", err)
	}
	return stage, nil
}
