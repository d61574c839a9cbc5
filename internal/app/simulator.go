package app

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/tturner/mbmitm/internal/config"
	mbErrors "github.com/tturner/mbmitm/internal/errors"
	"github.com/tturner/mbmitm/internal/modbus"
	"github.com/tturner/mbmitm/internal/simulator"
)

// SimulatorOptions are the `mbmitm sim` flags.
type SimulatorOptions struct {
	ConfigPath string
	Listen     string
	UnitID     int      // -1 keeps the config value
	Registers  []string // addr=value initial holding register contents
	LogLevel   string
}

// LoadSimulatorConfig resolves the simulator section with flag overrides.
func LoadSimulatorConfig(opts SimulatorOptions) (*config.Config, error) {
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
		cfg.Simulator.Listen = opts.Listen
	}
	if opts.UnitID >= 0 {
		if opts.UnitID > 255 {
			return nil, fmt.Errorf("unit id %d out of range (0-255)", opts.UnitID)
		}
		cfg.Simulator.UnitID = uint8(opts.UnitID)
	}
	if opts.LogLevel != "" {
		cfg.Logging.Level = opts.LogLevel
	}
	if err := config.ValidateConfig(cfg); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// NewSimulatorStore creates the simulator's data store and loads the
// initial register values.
func NewSimulatorStore(cfg config.SimulatorConfig, registers []string) (*modbus.DataStore, error) {
	dsCfg := modbus.DefaultDataStoreConfig()
	dsCfg.HoldingRegisterCount = cfg.HoldingRegisterCount
	store := modbus.NewDataStore(dsCfg)
	for _, s := range registers {
		r, err := config.ParseOverride(s)
		if err != nil {
			return nil, fmt.Errorf("invalid register: %w", err)
		}
		if err := store.SetHoldingRegister(int(r.Address), r.Value); err != nil {
			return nil, err
		}
	}
	return store, nil
}

// RunSimulator serves a simulated Modbus device until SIGINT/SIGTERM.
func RunSimulator(opts SimulatorOptions) error {
	cfg, err := LoadSimulatorConfig(opts)
	if err != nil {
		return err
	}

	logger, err := newLogger(cfg.Logging)
	if err != nil {
		return fmt.Errorf("create logger: %w", err)
	}
	defer logger.Close()

	store, err := NewSimulatorStore(cfg.Simulator, opts.Registers)
	if err != nil {
		return err
	}

	srv := simulator.New(simulator.Config{
		Listen: cfg.Simulator.Listen,
		UnitID: cfg.Simulator.UnitID,
	}, store, logger)
	if err := srv.Start(); err != nil {
		return mbErrors.WrapListenError(err, cfg.Simulator.Listen)
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(sigChan)
	<-sigChan

	fmt.Fprintf(os.Stdout, "\nShutting down simulator...\n")
	if err := srv.Stop(); err != nil {
		return fmt.Errorf("stop simulator: %w", err)
	}
	stats := srv.Stats()
	fmt.Fprintf(os.Stdout, "Connections: %d  Requests: %d (reads %d, writes %d, exceptions %d)\n",
		stats.Connections, stats.TotalRequests, stats.ReadRequests, stats.WriteRequests, stats.Exceptions)
	return nil
}
