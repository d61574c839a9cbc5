package main

import (
	"github.com/spf13/cobra"

	"github.com/tturner/mbmitm/internal/app"
)

type proxyFlags struct {
	configPath    string
	listen        string
	upstream      string
	overrides     []string
	logLevel      string
	logFormat     string
	logEvery      int
	logFile       string
	hexDump       bool
	pcapFile      string
	metricsListen string
	noPreflight   bool
}

func newProxyCmd() *cobra.Command {
	flags := &proxyFlags{}

	cmd := &cobra.Command{
		Use:   "proxy",
		Short: "Run the interception proxy",
		Long: `Run mbmitm as a Modbus/TCP proxy between clients and a device.

Every client connection gets its own upstream connection. Write Single
Register requests (FC 0x06) to an overridden address are forwarded with the
override value, and the acknowledgement is rewritten to echo what the client
sent. Read Holding Registers responses (FC 0x03) covering that address are
rewritten to show the client its own last written value. All other traffic is
relayed unchanged.

Settings come from --config (or built-in defaults); flags override them.
Press Ctrl+C to stop the proxy gracefully.`,
		Example: `  # Proxy 127.0.0.1:2502 to a device, forcing register 2 to 0x1000
  mbmitm proxy --upstream 192.168.1.10:502 --override 2=0x1000

  # Use a config file and expose Prometheus metrics
  mbmitm proxy --config mbmitm.yaml --metrics 127.0.0.1:9502

  # Record both legs to a pcap audit file with hex dumps in the log
  mbmitm proxy --pcap audit.pcap --log-level debug --hex-dump`,
		RunE: func(cmd *cobra.Command, args []string) error {
			if handleHelpArg(cmd, args) {
				return nil
			}
			return app.RunProxy(app.ProxyOptions{
				ConfigPath:    flags.configPath,
				Listen:        flags.listen,
				Upstream:      flags.upstream,
				Overrides:     flags.overrides,
				LogLevel:      flags.logLevel,
				LogFormat:     flags.logFormat,
				LogEvery:      flags.logEvery,
				LogFile:       flags.logFile,
				HexDump:       flags.hexDump,
				PCAPFile:      flags.pcapFile,
				MetricsListen: flags.metricsListen,
				NoPreflight:   flags.noPreflight,
			})
		},
	}

	cmd.Flags().StringVar(&flags.configPath, "config", "", "Config file path (YAML)")
	cmd.Flags().StringVar(&flags.listen, "listen", "", "Listen address for clients (default \"127.0.0.1:2502\")")
	cmd.Flags().StringVar(&flags.upstream, "upstream", "", "Modbus device address (default \"127.0.0.1:502\")")
	cmd.Flags().StringArrayVar(&flags.overrides, "override", nil, "Register override addr=value (repeatable, decimal or 0x hex)")
	cmd.Flags().StringVar(&flags.logLevel, "log-level", "", "Log level: error|info|verbose|debug")
	cmd.Flags().StringVar(&flags.logFormat, "log-format", "", "Log format: text|json")
	cmd.Flags().IntVar(&flags.logEvery, "log-every-n", 0, "Print every Nth non-error console line")
	cmd.Flags().StringVar(&flags.logFile, "log-file", "", "Also write the full log to this file")
	cmd.Flags().BoolVar(&flags.hexDump, "hex-dump", false, "Hex dump every frame at debug level")
	cmd.Flags().StringVar(&flags.pcapFile, "pcap", "", "Write both legs of every session to a pcap file")
	cmd.Flags().StringVar(&flags.metricsListen, "metrics", "", "Serve Prometheus metrics on this address")
	cmd.Flags().BoolVar(&flags.noPreflight, "no-preflight", false, "Skip the upstream reachability check at startup")

	return cmd
}
