// Command geoipd serves IP geolocation lookups from MaxMind databases and
// keeps those databases up to date.
//
// Logging:
//   - Base logger is created here with output format and level
//   - Logger is passed to all components via dependency injection
//   - No global slog configuration (no slog.SetDefault)
package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"geoipd/internal/config"
	"geoipd/internal/logging"
	"geoipd/internal/server"
)

var version = "dev"

func main() {
	server.Version = version
	if err := newRootCommand().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	root := &cobra.Command{
		Use:          "geoipd",
		Short:        "MaxMind database lifecycle and IP geolocation service",
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return serveCommand(cmd)
		},
	}
	root.PersistentFlags().String("config", "", "YAML config file (default: $CONFIG_PATH or ./geoipd.yaml)")
	root.PersistentFlags().StringP("output", "o", "table", "output format: table or json")

	serveCmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API and the update scheduler (default)",
		RunE: func(cmd *cobra.Command, args []string) error {
			return serveCommand(cmd)
		},
	}

	versionCmd := &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintln(cmd.OutOrStdout(), version)
		},
	}

	root.AddCommand(serveCmd, newLookupCmd(), newFetchCmd(), newVersionsCmd(), versionCmd)
	return root
}

// setup loads the configuration and builds the process logger.
func setup(cmd *cobra.Command) (*config.Config, *slog.Logger, error) {
	path, _ := cmd.Flags().GetString("config")
	cfg, err := config.Load(path)
	if err != nil {
		return nil, nil, err
	}
	logger, err := newLogger(os.Stderr, cfg.Log)
	if err != nil {
		return nil, nil, err
	}
	return cfg, logger, nil
}

func newLogger(w io.Writer, lc config.LogConfig) (*slog.Logger, error) {
	base, err := logging.NewBaseHandler(w, lc.Format)
	if err != nil {
		return nil, err
	}
	level, err := logging.ParseLevel(lc.Level)
	if err != nil {
		return nil, err
	}
	filter := logging.NewComponentFilterHandler(base, level)
	levels, err := logging.ParseComponentLevels(lc.Levels)
	if err != nil {
		return nil, err
	}
	for component, l := range levels {
		filter.SetLevel(component, l)
	}
	return slog.New(filter), nil
}

func serveCommand(cmd *cobra.Command) error {
	cfg, logger, err := setup(cmd)
	if err != nil {
		return err
	}
	ctx, cancel := signalContext(cmd)
	defer cancel()
	return run(ctx, cfg, logger)
}

func signalContext(cmd *cobra.Command) (context.Context, context.CancelFunc) {
	return signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
}
