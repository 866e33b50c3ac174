package main

import (
	"fmt"
	"io"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/heimdex/heimdex-labeler/internal/counters"
	"github.com/heimdex/heimdex-labeler/internal/db"
	"github.com/heimdex/heimdex-labeler/internal/logging"
)

func countersCommand(opts *rootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "counters",
		Short: "Inspect or reset the per-label clip ordinals used by export",
	}
	cmd.AddCommand(
		&cobra.Command{
			Use:   "show",
			Short: "Print the highest clip ordinal exported per label",
			RunE: func(cmd *cobra.Command, args []string) error {
				return withRegistry(cmd, opts, func(r *counters.Registry) error {
					return printCounters(cmd.OutOrStdout(), r)
				})
			},
		},
		&cobra.Command{
			Use:   "reset",
			Short: "Restart clip numbering at 1 for every label",
			RunE: func(cmd *cobra.Command, args []string) error {
				return withRegistry(cmd, opts, func(r *counters.Registry) error {
					if err := r.Reset(cmd.Context()); err != nil {
						return err
					}
					fmt.Fprintln(cmd.OutOrStdout(), "clip counters reset")
					return nil
				})
			},
		},
	)
	return cmd
}

func withRegistry(cmd *cobra.Command, opts *rootOptions, fn func(*counters.Registry) error) error {
	cfg, err := loadConfig(cmd, opts)
	if err != nil {
		return err
	}
	database, err := db.New(cfg.DBPath(), logging.NewLogger(cfg.LogLevel()))
	if err != nil {
		return fmt.Errorf("failed to open database: %w", err)
	}
	defer database.Close()

	registry := counters.NewRegistry(counters.NewSQLStore(database.Conn()))
	if err := registry.Load(cmd.Context()); err != nil {
		return err
	}
	return fn(registry)
}

func printCounters(w io.Writer, r *counters.Registry) error {
	labels := r.Labels()
	if len(labels) == 0 {
		_, err := fmt.Fprintln(w, "no clips exported yet")
		return err
	}
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "LABEL\tLAST CLIP")
	for _, label := range labels {
		fmt.Fprintf(tw, "%s\t%d\n", label, r.Get(label))
	}
	return tw.Flush()
}
