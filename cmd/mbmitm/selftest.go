package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/tturner/mbmitm/internal/app"
	"github.com/tturner/mbmitm/internal/config"
)

func newSelfTestCmd() *cobra.Command {
	var override string
	var written uint16

	cmd := &cobra.Command{
		Use:   "selftest",
		Short: "Check the proxy against a loopback simulator",
		Long: `Start a simulated device and a proxy on 127.0.0.1, write one overridden
register through the proxy and verify that the device holds the forced value,
the writer sees its own value, and a second client sees the raw value.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			if handleHelpArg(cmd, args) {
				return nil
			}
			o, err := config.ParseOverride(override)
			if err != nil {
				return err
			}
			if err := app.RunSelfTest(app.SelfTestOptions{
				Address: o.Address,
				Forced:  o.Value,
				Written: written,
				Out:     cmd.OutOrStdout(),
			}); err != nil {
				return fmt.Errorf("selftest failed: %w", err)
			}
			fmt.Fprintln(cmd.OutOrStdout(), "Selftest OK")
			return nil
		},
	}
	cmd.Flags().StringVar(&override, "override", "2=0x1000", "Override to exercise, addr=value")
	cmd.Flags().Uint16Var(&written, "write", 0x1234, "Value the test client writes")
	return cmd
}
