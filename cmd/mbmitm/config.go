package main

import (
	"fmt"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/tturner/mbmitm/internal/config"
	"github.com/tturner/mbmitm/internal/logging"
)

func newPrintDefaultConfigCmd() *cobra.Command {
	var outPath string
	cmd := &cobra.Command{
		Use:   "print-default-config",
		Short: "Print a default config",
		RunE: func(cmd *cobra.Command, args []string) error {
			if outPath != "" {
				if err := config.WriteDefaultConfig(outPath); err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Default config written to %s\n", outPath)
				return nil
			}
			out, err := yaml.Marshal(config.CreateDefaultConfig())
			if err != nil {
				return fmt.Errorf("marshal config: %w", err)
			}
			fmt.Fprint(cmd.OutOrStdout(), string(out))
			return nil
		},
	}
	cmd.Flags().StringVarP(&outPath, "output", "o", "", "Write to this file instead of stdout")
	return cmd
}

func newValidateConfigCmd() *cobra.Command {
	var cfgPath string
	cmd := &cobra.Command{
		Use:   "validate-config",
		Short: "Validate a config file",
		RunE: func(cmd *cobra.Command, args []string) error {
			if cfgPath == "" {
				cfgPath = "mbmitm.yaml"
			}
			cfg, err := config.LoadConfig(cfgPath)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "Config OK: %s\n", cfgPath)
			fmt.Fprintf(out, "  proxy:     %s -> %s\n", cfg.Proxy.Listen, cfg.Proxy.Upstream)
			fmt.Fprintf(out, "  overrides: %s\n", logging.FormatOverrides(cfg.OverrideMap()))
			return nil
		},
	}
	cmd.Flags().StringVar(&cfgPath, "config", "", "Config file path (default \"mbmitm.yaml\")")
	return cmd
}
