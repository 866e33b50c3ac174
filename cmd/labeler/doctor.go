package main

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/heimdex/heimdex-labeler/internal/logging"
)

func doctorCommand(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "doctor",
		Short: "Probe the detector environment and print its capabilities",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd, opts)
			if err != nil {
				return err
			}
			logger := logging.NewLogger(cfg.LogLevel())

			model, doctor := openDetector(cfg, logger)
			if model == nil {
				return fmt.Errorf("detector unavailable: python %q not found", cfg.Python())
			}
			caps, err := doctor.Refresh(cmd.Context())
			if err != nil {
				return fmt.Errorf("doctor failed: %w", err)
			}

			enc := json.NewEncoder(os.Stdout)
			enc.SetIndent("", "  ")
			if err := enc.Encode(caps); err != nil {
				return err
			}
			if !caps.HasDetector {
				return fmt.Errorf("detector model not loaded")
			}
			return nil
		},
	}
}
