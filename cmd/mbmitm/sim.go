package main

import (
	"github.com/spf13/cobra"

	"github.com/tturner/mbmitm/internal/app"
)

func newSimCmd() *cobra.Command {
	opts := app.SimulatorOptions{}

	cmd := &cobra.Command{
		Use:   "sim",
		Short: "Run a simulated Modbus/TCP device",
		Long: `Run a Modbus/TCP device backed by an in-memory register store, for use as
the proxy's upstream when no PLC is available.

Supports coils, discrete inputs, input registers and holding registers
(FC 1/2/3/4/5/6/15/16/22/23) with standard exception responses.`,
		Example: `  # Device on the default upstream address
  mbmitm sim

  # Device on a custom port with register 2 preset
  mbmitm sim --listen 127.0.0.1:1502 --register 2=0x1234`,
		RunE: func(cmd *cobra.Command, args []string) error {
			if handleHelpArg(cmd, args) {
				return nil
			}
			return app.RunSimulator(opts)
		},
	}

	cmd.Flags().StringVar(&opts.ConfigPath, "config", "", "Config file path (YAML, simulator section)")
	cmd.Flags().StringVar(&opts.Listen, "listen", "", "Listen address (default \"127.0.0.1:502\")")
	cmd.Flags().IntVar(&opts.UnitID, "unit-id", -1, "Unit ID to answer as, 0 answers all (default from config)")
	cmd.Flags().StringArrayVar(&opts.Registers, "register", nil, "Initial holding register addr=value (repeatable)")
	cmd.Flags().StringVar(&opts.LogLevel, "log-level", "", "Log level: error|info|verbose|debug")

	return cmd
}
