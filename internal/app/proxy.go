package app

import (
	"context"
	"fmt"
	"net"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/tturner/mbmitm/internal/capture"
	"github.com/tturner/mbmitm/internal/config"
	mbErrors "github.com/tturner/mbmitm/internal/errors"
	"github.com/tturner/mbmitm/internal/logging"
	"github.com/tturner/mbmitm/internal/metrics"
	"github.com/tturner/mbmitm/internal/mitm"
)

// ProxyOptions are the `mbmitm proxy` flags. Empty values keep the config
// file (or default) setting.
type ProxyOptions struct {
	ConfigPath    string
	Listen        string
	Upstream      string
	Overrides     []string // addr=value, merged over the config file's list
	LogLevel      string
	LogFormat     string
	LogEvery      int
	LogFile       string
	HexDump       bool
	PCAPFile      string
	MetricsListen string // enables the metrics endpoint
	NoPreflight   bool
}

// LoadProxyConfig resolves the effective configuration: the config file (or
// defaults) with flag overrides applied, then validated.
func LoadProxyConfig(opts ProxyOptions) (*config.Config, error) {
	var cfg *config.Config
	if opts.ConfigPath != "" {
		var err error
		cfg, err = config.LoadConfig(opts.ConfigPath)
		if err != nil {
			return nil, err
		}
	} else {
		cfg = config.CreateDefaultConfig()
	}

	if opts.Listen != "" {
		cfg.Proxy.Listen = opts.Listen
	}
	if opts.Upstream != "" {
		cfg.Proxy.Upstream = opts.Upstream
	}
	if len(opts.Overrides) > 0 {
		merged := cfg.OverrideMap()
		for _, s := range opts.Overrides {
			o, err := config.ParseOverride(s)
			if err != nil {
				return nil, err
			}
			merged[o.Address] = o.Value
		}
		cfg.SetOverrides(merged)
	}
	if opts.LogLevel != "" {
		cfg.Logging.Level = opts.LogLevel
	}
	if opts.LogFormat != "" {
		cfg.Logging.Format = opts.LogFormat
	}
	if opts.LogEvery > 0 {
		cfg.Logging.LogEveryN = opts.LogEvery
	}
	if opts.LogFile != "" {
		cfg.Logging.LogFile = opts.LogFile
	}
	if opts.HexDump {
		cfg.Logging.IncludeHexDump = true
	}
	if opts.PCAPFile != "" {
		cfg.Capture.PcapFile = opts.PCAPFile
	}
	if opts.MetricsListen != "" {
		cfg.Metrics.Enable = true
		cfg.Metrics.Listen = opts.MetricsListen
	}

	if err := config.ValidateConfig(cfg); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// newLogger builds the logger described by cfg.Logging.
func newLogger(cfg config.LoggingConfig) (*logging.Logger, error) {
	return logging.NewLoggerWithOptions(logging.ParseLevel(cfg.Level), cfg.LogFile, cfg.Format, cfg.LogEveryN)
}

// RunProxy runs the interception proxy until SIGINT/SIGTERM.
func RunProxy(opts ProxyOptions) error {
	cfg, err := LoadProxyConfig(opts)
	if err != nil {
		return err
	}

	logger, err := newLogger(cfg.Logging)
	if err != nil {
		return fmt.Errorf("create logger: %w", err)
	}
	defer logger.Close()

	collector := metrics.NewCollector()

	var pcapWriter *capture.Writer
	if cfg.Capture.PcapFile != "" {
		pcapWriter, err = capture.Create(cfg.Capture.PcapFile)
		if err != nil {
			return fmt.Errorf("start packet capture: %w", err)
		}
		defer pcapWriter.Close()
	}

	proxy := mitm.New(mitm.Config{
		Listen:      cfg.Proxy.Listen,
		Upstream:    cfg.Proxy.Upstream,
		SourcePorts: mitm.PortRange(cfg.Proxy.SourcePortMin, cfg.Proxy.SourcePortMax),
		DialTimeout: 5 * time.Second,
		ReadTimeout: cfg.ReadTimeout(),
		HexDump:     cfg.Logging.IncludeHexDump,
	}, mitm.NewOverrideTable(cfg.OverrideMap()),
		mitm.WithLogger(logger),
		mitm.WithMetrics(collector),
		mitm.WithCapture(pcapWriter),
	)

	if err := proxy.Listen(); err != nil {
		return mbErrors.WrapListenError(err, cfg.Proxy.Listen)
	}

	if !opts.NoPreflight {
		if err := checkUpstream(cfg.Proxy.Upstream, 2*time.Second); err != nil {
			logger.Error("%v", mbErrors.WrapUpstreamError(err, cfg.Proxy.Upstream))
		}
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if cfg.Metrics.Enable {
		srv, err := metrics.Listen(cfg.Metrics.Listen, collector)
		if err != nil {
			proxy.Close()
			return mbErrors.WrapListenError(err, cfg.Metrics.Listen)
		}
		logger.Info("Metrics endpoint: http://%s/metrics", srv.Addr())
		go func() {
			if err := srv.Serve(ctx); err != nil {
				logger.Error("Metrics server: %v", err)
			}
		}()
	}

	if cfg.WatchOverrides && opts.ConfigPath != "" {
		watcher, err := config.NewOverrideWatcher(opts.ConfigPath, proxy.ReplaceOverrides, func(err error) {
			logger.Error("Override reload failed, keeping current table: %v", err)
		})
		if err != nil {
			proxy.Close()
			return fmt.Errorf("watch config: %w", err)
		}
		defer watcher.Close()
		logger.Info("Watching %s for override changes", opts.ConfigPath)
	}

	serveErr := make(chan error, 1)
	go func() {
		serveErr <- proxy.Serve(ctx)
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(sigChan)

	select {
	case <-sigChan:
		logger.Info("Received interrupt signal, shutting down gracefully...")
		cancel()
		err = <-serveErr
	case err = <-serveErr:
	}
	if err != nil {
		return fmt.Errorf("serve: %w", err)
	}

	fmt.Fprintf(os.Stdout, "\n%s", metrics.FormatSummary(collector.GetSummary()))
	if pcapWriter != nil {
		absPath, _ := filepath.Abs(cfg.Capture.PcapFile)
		fmt.Fprintf(os.Stdout, "Packets captured: %d\n", pcapWriter.PacketCount())
		fmt.Fprintf(os.Stdout, "PCAP written to: %s\n", absPath)
	}
	return nil
}

// checkUpstream opens and closes one connection to the device.
func checkUpstream(addr string, timeout time.Duration) error {
	conn, err := net.DialTimeout("tcp", addr, timeout)
	if err != nil {
		return err
	}
	return conn.Close()
}
