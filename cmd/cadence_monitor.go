package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"github.com/rivo/tview"
	"github.com/spf13/pflag"
	"tinygo.org/x/bluetooth"

	"github.com/lowaak/smart-trainer/cadence-monitor/internal/bt"
	"github.com/lowaak/smart-trainer/cadence-monitor/internal/config"
	"github.com/lowaak/smart-trainer/cadence-monitor/internal/display"
	"github.com/lowaak/smart-trainer/cadence-monitor/internal/ftms"
	"github.com/lowaak/smart-trainer/cadence-monitor/internal/go_func_utils"
	"github.com/lowaak/smart-trainer/cadence-monitor/internal/sim"
	"github.com/lowaak/smart-trainer/cadence-monitor/internal/supervisor"
)

func main() {
	if err := run(os.Args[1:]); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return
		}
		fmt.Fprintf(os.Stderr, "%s: %v\n", config.AppName, err)
		os.Exit(1)
	}
}

func run(args []string) error {
	cfg, err := config.Load(args)
	if err != nil {
		return err
	}

	logger, logCloser := config.NewLogger(cfg)
	defer logCloser.Close()
	logger.Printf("Main: Starting %s with config: %+v", config.AppName, *cfg)

	memory := config.NewDeviceMemory(logger, cfg.StateFile)
	address := resolveAddress(cfg, memory)
	if address == "" {
		return errors.New("no device address: pass --device or set CADENCE_MONITOR_DEVICE")
	}

	decoder, err := ftms.NewDecoder(ftms.DecoderKind(cfg.Decoder))
	if err != nil {
		return err
	}

	adapter, shutdownAdapter, err := newAdapter(cfg, address, logger)
	if err != nil {
		return err
	}
	defer shutdownAdapter()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	sup := supervisor.NewSupervisor(supervisor.Config{
		Adapter:          adapter,
		Decoder:          decoder,
		HandshakeTimeout: cfg.HandshakeTimeout,
		Policy:           supervisor.NewRetryPolicy(cfg.RetryDelay, cfg.RetryMaxDelay, cfg.RetryMaxAttempts),
		OnStreaming: func(address string) {
			if err := memory.Remember(address); err != nil {
				logger.Printf("Main: Could not remember device: %v", err)
			}
		},
		Logger: logger,
	})

	hub := display.NewHub()
	hub.Attach(display.NewLogSink(logger))

	if cfg.Headless {
		hub.Attach(display.NewLogSink(log.New(os.Stdout, "", log.LstdFlags)))
		return monitorResult(sup.Run(ctx, address, hub))
	}
	return runDashboard(ctx, cfg, sup, hub, address, logger)
}

// runDashboard shows the terminal UI until the operator quits or a signal
// arrives. The supervisor runs alongside it on its own goroutine.
func runDashboard(ctx context.Context, cfg *config.Config, sup *supervisor.Supervisor, hub *display.Hub, address string, logger *log.Logger) error {
	app := tview.NewApplication()
	dashboard := display.NewDashboard(logger, app, address)
	logger.SetOutput(io.MultiWriter(logger.Writer(), dashboard.LogWriter()))

	async := display.NewAsync(logger, dashboard)
	detach := hub.Attach(async)

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	var wg sync.WaitGroup
	var runErr error
	go_func_utils.SafeGoWG(logger, &wg, func() {
		// the dashboard stays up after a terminal condition so it can be read
		runErr = sup.Run(ctx, address, hub)
		logger.Printf("Main: Supervisor finished: %v", runErr)
	})
	go_func_utils.SafeGo(logger, func() {
		<-ctx.Done()
		dashboard.Stop()
	})

	uiErr := dashboard.Run()
	cancel()
	wg.Wait()
	detach()
	async.Close()

	if uiErr != nil {
		return fmt.Errorf("dashboard: %w", uiErr)
	}
	return monitorResult(runErr)
}

// resolveAddress prefers the configured device, then the remembered one.
// The simulator falls back to its own address.
func resolveAddress(cfg *config.Config, memory *config.DeviceMemory) string {
	if cfg.Device != "" {
		return cfg.Device
	}
	if cfg.Simulate {
		return config.DefaultSimAddress
	}
	return memory.LastDevice()
}

func newAdapter(cfg *config.Config, address string, logger *log.Logger) (bt.Adapter, func(), error) {
	if cfg.Simulate {
		peripheral := sim.NewPeripheral(logger, sim.Config{
			Address:    address,
			ServerPort: cfg.SimPort,
			Period:     cfg.SimPeriod,
		})
		if err := peripheral.Start(); err != nil {
			return nil, nil, fmt.Errorf("start simulator: %w", err)
		}
		return peripheral, peripheral.Shutdown, nil
	}

	adapter := bt.NewTinyGoAdapter(bluetooth.DefaultAdapter, logger)
	if err := adapter.Enable(); err != nil {
		// surfaced by the supervisor as a disabled adapter
		logger.Printf("Main: %v", err)
	}
	return adapter, func() {}, nil
}

// monitorResult maps the supervisor's return to the process result
func monitorResult(err error) error {
	if err == nil || errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}
