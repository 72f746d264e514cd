package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"codeberg.org/mutker/flippermon/internal/ble"
	"codeberg.org/mutker/flippermon/internal/bridge"
	"codeberg.org/mutker/flippermon/internal/config"
	"codeberg.org/mutker/flippermon/internal/logger"
	"codeberg.org/mutker/flippermon/internal/metrics"
	"codeberg.org/mutker/flippermon/internal/pid"
	"codeberg.org/mutker/flippermon/internal/poller"
	"codeberg.org/mutker/flippermon/internal/telemetry"
)

var cfg *config.Config

func init() {
	var err error
	cfg, err = config.Load()
	if err != nil {
		fmt.Printf("failed to load config: %v\n", err)
		os.Exit(1)
	}

	logger.Init(cfg.Debug, cfg.Verbose, logger.IsService())
	logger.Debug().Msg("Config loaded")
}

func main() {
	if err := pid.Write(); err != nil {
		logger.Fatal().Err(err).Msg("failed to write PID file")
	}
	defer pid.Remove()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go handleSignals(cancel)

	arch := metrics.DetectArchitecture(ctx)
	logger.Info().Str("architecture", arch.String()).Msg("Architecture detected")

	resolver, err := metrics.NewResolver(arch, metrics.DefaultChains(arch))
	if err != nil {
		logger.Fatal().Err(err).Msg("no usable telemetry sources")
	}

	snapshots, err := poller.New(resolver,
		time.Duration(cfg.Interval)*time.Second,
		time.Duration(cfg.StaleAfter)*time.Second)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to initialize poller")
	}

	if cfg.Monitor {
		runMonitor(ctx, snapshots)
		logger.Info().Msg("Exiting...")
		return
	}

	var recorder telemetry.Recorder
	if cfg.Telemetry {
		recorder, err = telemetry.NewService(telemetry.Config{DBPath: cfg.TelemetryDB})
		if err != nil {
			logger.Error().Err(err).Msg("telemetry disabled, storage unavailable")
		} else {
			defer recorder.Close()
		}
	}

	transport, err := ble.NewTransport()
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to open BLE central")
	}

	session, err := ble.NewManager(transport, ble.Config{
		Identity: ble.Identity{
			NamePatterns: []string{cfg.Device, "Flipper"},
			Address:      cfg.Address,
		},
		ConnectTimeout: time.Duration(cfg.ConnectTimeout) * time.Second,
		WriteRetries:   cfg.WriteRetries,
	})
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to initialize session manager")
	}

	link, err := bridge.New(snapshots, session, cfg.MTU, recorder)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to initialize bridge")
	}
	session.OnCommand(link.HandleCommand)

	var wg sync.WaitGroup
	wg.Add(3)
	go func() {
		defer wg.Done()
		_ = snapshots.Run(ctx)
	}()
	go func() {
		defer wg.Done()
		_ = session.Run(ctx)
	}()
	go func() {
		defer wg.Done()
		_ = link.Run(ctx)
	}()
	wg.Wait()

	logger.Info().Msg("Exiting...")
}

// runMonitor resolves and logs telemetry without touching BLE.
func runMonitor(ctx context.Context, snapshots *poller.Poller) {
	logger.Info().Msg("Monitor mode activated. Logging telemetry...")

	updates, unsubscribe := snapshots.Subscribe()
	defer unsubscribe()

	go func() { _ = snapshots.Run(ctx) }()

	for {
		select {
		case <-ctx.Done():
			return
		case snapshot, ok := <-updates:
			if !ok {
				return
			}
			logSnapshot(snapshot)
		}
	}
}

func logSnapshot(s *metrics.Snapshot) {
	event := logger.Info().
		Float64("cpu_percent", s.CPUPercent).
		Uint64("ram_used", s.RAMUsed).
		Uint64("ram_total", s.RAMTotal).
		Bool("stale", s.Stale)

	if s.Available(metrics.CategoryGPUPresence) {
		event = event.Str("gpu", s.GPUName)
	}
	if s.Available(metrics.CategoryVRAM) {
		event = event.Uint64("vram_used", s.VRAMUsed).Uint64("vram_total", s.VRAMTotal)
	}
	if s.GPUUsagePercent != nil {
		event = event.Float64("gpu_percent", *s.GPUUsagePercent)
	}

	event.Msg("Telemetry")
}

func handleSignals(cancel context.CancelFunc) {
	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM)
	<-sigs
	logger.Info().Msg("Received termination signal.")
	cancel()
}
