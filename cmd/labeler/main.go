package main

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/heimdex/heimdex-labeler/internal/config"
)

// rootOptions are the flags shared by every subcommand. Set flags override
// the environment.
type rootOptions struct {
	port     int
	logLevel string
	headless bool
}

func main() {
	if err := newRootCommand(&rootOptions{}).ExecuteContext(context.Background()); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func newRootCommand(opts *rootOptions) *cobra.Command {
	root := &cobra.Command{
		Use:           "labeler",
		Short:         "Heimdex Labeler: turn footage into labeled activity-clip datasets",
		Version:       fmt.Sprintf("%s (%s, built %s)", config.Version, config.GitCommit, config.BuildTime),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd, opts)
		},
	}

	flags := root.PersistentFlags()
	flags.IntVar(&opts.port, "port", config.DefaultPort, "HTTP port on 127.0.0.1")
	flags.StringVar(&opts.logLevel, "log-level", config.DefaultLogLevel, "debug, info, warn or error")
	flags.BoolVar(&opts.headless, "headless", false, "run without the system tray")

	root.AddCommand(
		serveCommand(opts),
		doctorCommand(opts),
		countersCommand(opts),
	)
	return root
}

// loadConfig reads the environment and applies explicitly set flags.
func loadConfig(cmd *cobra.Command, opts *rootOptions) (*config.EnvConfig, error) {
	cfg, err := config.New()
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	flags := cmd.Flags()
	if flags.Changed("port") {
		cfg.SetPort(opts.port)
	}
	if flags.Changed("log-level") {
		cfg.SetLogLevel(opts.logLevel)
	}
	if flags.Changed("headless") {
		cfg.SetHeadless(opts.headless)
	}
	return cfg, nil
}
