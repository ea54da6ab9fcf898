package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"runtime"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/tunnelworks/underlay/pkg"
	"github.com/tunnelworks/underlay/pkg/api"
	"github.com/tunnelworks/underlay/pkg/config"
	"github.com/tunnelworks/underlay/pkg/connectivity"
	"github.com/tunnelworks/underlay/pkg/logx"
	"github.com/tunnelworks/underlay/pkg/metrics"
	"github.com/tunnelworks/underlay/pkg/mqtt"
	"github.com/tunnelworks/underlay/pkg/pidfile"
	"github.com/tunnelworks/underlay/pkg/registry"
	"github.com/tunnelworks/underlay/pkg/telem"
	"github.com/tunnelworks/underlay/pkg/telephony"
)

var (
	configPath = flag.String("config", "/etc/underlay/underlayd.yaml", "Path to configuration file")
	pidPath    = flag.String("pid-file", "/tmp/underlayd.pid", "Path to PID file")
	logLevel   = flag.String("log-level", "", "Override log level (trace|debug|info|warn|error)")
	version    = flag.Bool("version", false, "Show version information")
	verbose    = flag.Bool("verbose", false, "Enable verbose logging (equivalent to trace level)")
	force      = flag.Bool("force", false, "Force start by removing a stale PID file")
)

const (
	AppName    = "underlayd"
	AppVersion = "1.0.0"
)

// HeartbeatData is written to /tmp/underlayd.health every heartbeat tick.
type HeartbeatData struct {
	Timestamp   string  `json:"ts"`
	UptimeS     int64   `json:"uptime_s"`
	Version     string  `json:"version"`
	Networks    int     `json:"networks"`
	BestNetwork *uint64 `json:"best_network,omitempty"`
	MemMB       float64 `json:"mem_mb"`
	Goroutines  int     `json:"goroutines"`
}

func main() {
	flag.Parse()

	if *version {
		fmt.Printf("%s version %s\n", AppName, AppVersion)
		os.Exit(0)
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}

	effectiveLogLevel := cfg.LogLevel
	if *logLevel != "" {
		effectiveLogLevel = *logLevel
	}
	if *verbose {
		effectiveLogLevel = "trace"
	}
	logger := logx.NewLogger(effectiveLogLevel, AppName)
	if cfg.LogFile != "" {
		f, err := os.OpenFile(cfg.LogFile, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
		if err != nil {
			logger.Error("failed to open log file, logging to stderr", "path", cfg.LogFile, "error", err)
		} else {
			defer f.Close()
			logger.SetOutput(f)
		}
	}

	pidFile := pidfile.New(*pidPath)
	running, existingPID, err := pidFile.CheckRunning()
	if err != nil {
		logger.Error("failed to check for running instance", "error", err)
		os.Exit(1)
	}
	if running {
		if !*force {
			fmt.Fprintf(os.Stderr, "Error: %s is already running with PID %d\n", AppName, existingPID)
			os.Exit(1)
		}
		logger.Warn("another instance appears to be running, force flag set", "existing_pid", existingPID)
		if err := pidFile.ForceRemove(); err != nil {
			logger.Error("failed to remove existing PID file", "error", err)
			os.Exit(1)
		}
	}
	if err := pidFile.Create(); err != nil {
		logger.Error("failed to create PID file", "error", err, "path", *pidPath)
		os.Exit(1)
	}
	defer func() {
		if err := pidFile.Remove(); err != nil {
			logger.Warn("failed to remove PID file", "error", err)
		}
	}()

	logger.Info("starting", "version", AppVersion, "config", *configPath)

	telemetry, err := telem.NewStore(cfg.TelemetryCapacity, cfg.JournalPath)
	if err != nil {
		logger.Error("failed to create telemetry store", "error", err)
		os.Exit(1)
	}
	defer telemetry.Close()

	mqttClient := mqtt.NewClient(cfg.MQTT, logger.WithComponent("mqtt"))
	if err := mqttClient.Connect(); err != nil {
		// MQTT is observability, not control plane: degrade, don't die.
		logger.Warn("mqtt connect failed, continuing without publisher", "error", err)
	}
	defer mqttClient.Disconnect()
	telemetry.SetEventCallback(func(ev *pkg.Event) {
		if err := mqttClient.PublishEvent(ev); err != nil {
			logger.Debug("event publish failed", "event", ev.Type, "error", err)
		}
	})

	snapshot := telephony.NewStaticSnapshot()
	for _, sub := range cfg.Telephony.OpportunisticSubs {
		snapshot.Opportunistic[sub] = true
	}
	for group, subs := range cfg.Telephony.Groups {
		snapshot.Groups[group] = subs
	}
	if cfg.Telephony.ActiveDataSub != 0 {
		snapshot.ActiveDataSub = cfg.Telephony.ActiveDataSub
	}

	instr := metrics.New(prometheus.DefaultRegisterer)

	reg, err := registry.New(registry.Options{
		Config:          cfg,
		Logger:          logger.WithComponent("registry"),
		Telephony:       telephony.NewHolder(snapshot),
		Telemetry:       telemetry,
		Instrumentation: instr,
	})
	if err != nil {
		logger.Error("failed to create registry", "error", err)
		os.Exit(1)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if cfg.NetworksFile != "" {
		source := connectivity.NewFileSource(cfg.NetworksFile, cfg.PollInterval(), logger.WithComponent("connectivity"))
		reg.Attach(ctx, source)
		go func() {
			if err := source.Start(ctx); err != nil && ctx.Err() == nil {
				logger.Error("connectivity source stopped", "error", err)
			}
		}()
		defer source.Close()
	} else {
		logger.Warn("no networks_file configured, waiting for programmatic updates only")
	}
	reg.StartEvaluations(ctx, cfg.PollInterval())

	server := api.NewServer(cfg.APIListen, reg, telemetry, logger.WithComponent("api"))
	go func() {
		if err := server.Start(); err != nil {
			logger.Error("http api failed", "error", err)
		}
	}()

	startTime := time.Now()
	go heartbeatLoop(ctx, reg, startTime, logger)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	logger.Info("shutting down", "signal", sig.String())

	cancel()
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Warn("http shutdown failed", "error", err)
	}
	reg.Close()
}

// heartbeatLoop writes liveness data for external watchdogs.
func heartbeatLoop(ctx context.Context, reg *registry.Registry, startTime time.Time, logger *logx.Logger) {
	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			var memStats runtime.MemStats
			runtime.ReadMemStats(&memStats)

			status := reg.GetStatus()
			hb := HeartbeatData{
				Timestamp:  time.Now().UTC().Format(time.RFC3339),
				UptimeS:    int64(time.Since(startTime).Seconds()),
				Version:    AppVersion,
				Networks:   len(status.Networks),
				MemMB:      float64(memStats.Alloc) / 1024 / 1024,
				Goroutines: runtime.NumGoroutine(),
			}
			if status.Best != nil {
				id := uint64(status.Best.Record.Network)
				hb.BestNetwork = &id
			}

			data, err := json.Marshal(hb)
			if err != nil {
				continue
			}
			if err := os.WriteFile("/tmp/underlayd.health", data, 0o644); err != nil {
				logger.Debug("failed to write heartbeat", "error", err)
			}
		}
	}
}
