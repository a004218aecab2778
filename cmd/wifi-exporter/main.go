// wifi-exporter tracks which clients are associated with a wireless
// access point and exposes them as Prometheus metrics and, optionally,
// as Home Assistant device trackers over MQTT.
//
// The access point is polled over SSH with the "wl assoclist" command.
// Configuration is loaded from a single YAML or TOML file discovered
// automatically (see [config.DefaultSearchPaths]).
//
// Usage:
//
//	wifi-exporter [serve]         Poll the access point and serve metrics
//	wifi-exporter check           Validate config and secrets, then exit
//	wifi-exporter init [dir]      Write an example config.yaml
//	wifi-exporter version         Print version and build information
//	wifi-exporter -o json version Output version information as JSON
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/nugget/wifi-exporter/internal/assoclist"
	"github.com/nugget/wifi-exporter/internal/buildinfo"
	"github.com/nugget/wifi-exporter/internal/config"
	"github.com/nugget/wifi-exporter/internal/connwatch"
	"github.com/nugget/wifi-exporter/internal/devices"
	"github.com/nugget/wifi-exporter/internal/events"
	"github.com/nugget/wifi-exporter/internal/exporter"
	"github.com/nugget/wifi-exporter/internal/mqtt"
	"github.com/nugget/wifi-exporter/internal/poller"
)

const shutdownTimeout = 5 * time.Second

// main hands the process environment to [run] so the whole lifecycle
// can be driven from tests.
func main() {
	ctx := context.Background()

	if err := run(ctx, os.Stdout, os.Stderr, os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "%s\n", err)
		os.Exit(1)
	}
}

// run is the real entry point. Structured logs go to stdout. It returns
// nil on clean shutdown and a non-nil error for any failure, including
// the poller giving up after too many consecutive failures.
func run(ctx context.Context, stdout io.Writer, stderr io.Writer, args []string) error {
	// Parsed by hand; the flag package's globals get in the way of
	// calling run concurrently from tests.
	var configPath string
	var outputFmt string
	var command string
	var cmdArgs []string

	for i := 0; i < len(args); i++ {
		switch {
		case args[i] == "-config" && i+1 < len(args):
			configPath = args[i+1]
			i++
		case strings.HasPrefix(args[i], "-config="):
			configPath = strings.TrimPrefix(args[i], "-config=")
		case (args[i] == "-o" || args[i] == "--output") && i+1 < len(args):
			outputFmt = args[i+1]
			i++
		case strings.HasPrefix(args[i], "-o="):
			outputFmt = strings.TrimPrefix(args[i], "-o=")
		case strings.HasPrefix(args[i], "--output="):
			outputFmt = strings.TrimPrefix(args[i], "--output=")
		case args[i] == "-h" || args[i] == "-help" || args[i] == "--help":
			return printUsage(stdout)
		case !strings.HasPrefix(args[i], "-") && command == "":
			command = args[i]
		default:
			if command != "" {
				cmdArgs = append(cmdArgs, args[i])
			} else {
				return fmt.Errorf("unknown flag: %s", args[i])
			}
		}
	}

	if outputFmt == "" {
		outputFmt = "text"
	}
	if outputFmt != "text" && outputFmt != "json" {
		return fmt.Errorf("unknown output format: %q (expected text or json)", outputFmt)
	}

	switch command {
	case "", "serve":
		return runServe(ctx, stdout, stderr, configPath)
	case "check":
		return runCheck(stdout, configPath, outputFmt)
	case "init":
		dir := "."
		if len(cmdArgs) > 0 {
			dir = cmdArgs[0]
		}
		return runInit(stdout, dir)
	case "version":
		return runVersion(stdout, outputFmt)
	case "help":
		return printUsage(stdout)
	default:
		return fmt.Errorf("unknown command: %s", command)
	}
}

// runVersion prints build metadata in the requested output format.
func runVersion(w io.Writer, outputFmt string) error {
	info := buildinfo.Info()
	if outputFmt == "json" {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(info)
	}
	fmt.Fprintln(w, buildinfo.String())
	for _, k := range []string{"version", "git_commit", "build_time", "sw_version", "go_version", "os", "arch"} {
		if v, ok := info[k]; ok {
			fmt.Fprintf(w, "  %-12s %s\n", k+":", v)
		}
	}
	return nil
}

func printUsage(w io.Writer) error {
	fmt.Fprintln(w, "wifi-exporter - Wireless client exporter for Prometheus and Home Assistant")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Usage: wifi-exporter [flags] [command] [args]")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Commands:")
	fmt.Fprintln(w, "  serve        Poll the access point and serve metrics (default)")
	fmt.Fprintln(w, "  check        Validate the config file and secrets, then exit")
	fmt.Fprintln(w, "  init [dir]   Write an example config.yaml (default: .)")
	fmt.Fprintln(w, "  version      Show version information")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Flags:")
	fmt.Fprintln(w, "  -config <path>    Path to config file (default: auto-discover)")
	fmt.Fprintln(w, "  -o, --output fmt  Output format: text (default) or json")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Config search order:")
	fmt.Fprintln(w, "  "+strings.Join(config.DefaultSearchPaths(), ", "))
	return nil
}

// secrets holds every credential the exporter reads from disk.
type secrets struct {
	sshKey       string
	sshPubkey    string
	mqttPassword string
}

func loadSecrets(cfg *config.Config) (secrets, error) {
	var s secrets
	var err error
	if s.sshKey, err = cfg.SSH.Key(); err != nil {
		return s, err
	}
	if s.sshPubkey, err = cfg.SSH.Pubkey(); err != nil {
		return s, err
	}
	if cfg.MQTT.Configured() {
		if s.mqttPassword, err = cfg.MQTT.Password(); err != nil {
			return s, err
		}
	}
	return s, nil
}

// runServe connects to the access point and the optional MQTT broker,
// starts the metrics server and polls until ctx is cancelled, a signal
// arrives or a component fails.
func runServe(ctx context.Context, stdout io.Writer, _ io.Writer, configPath string) error {
	logger := config.NewLogger(stdout, slog.LevelInfo, "text")
	logger.Info("starting wifi-exporter", "version", buildinfo.Version, "commit", buildinfo.GitCommit, "built", buildinfo.BuildTime)

	cfg, cfgPath, err := loadConfig(configPath)
	if err != nil {
		return err
	}

	// Validate has already rejected unknown levels.
	level, _ := config.ParseLogLevel(cfg.LogLevel)
	logger = config.NewLogger(stdout, level, cfg.LogFormat)

	logger.Info("config loaded",
		"path", cfgPath,
		"listen", cfg.Exporter.ListenAddr(),
		"access_point", cfg.SSH.HostPort(),
		"interfaces", cfg.Exporter.Interfaces,
		"poll_interval_sec", cfg.Exporter.PollIntervalSec,
	)

	creds, err := loadSecrets(cfg)
	if err != nil {
		return err
	}

	ctx, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	// --- Access point ---
	sshExec, err := assoclist.DialSSH(ctx, assoclist.SSHConfig{
		Address:        cfg.SSH.HostPort(),
		User:           cfg.SSH.User,
		PrivateKey:     creds.sshKey,
		PublicKey:      creds.sshPubkey,
		KnownHostsFile: cfg.SSH.KnownHostsFile,
		Timeout:        time.Duration(cfg.SSH.TimeoutSec) * time.Second,
		CommandTimeout: time.Duration(cfg.SSH.CommandTimeoutSec) * time.Second,
		Logger:         logger,
	})
	if err != nil {
		return fmt.Errorf("connect to access point %s: %w", cfg.SSH.HostPort(), err)
	}
	defer sshExec.Close()

	lister := assoclist.NewLister(sshExec, cfg.Exporter.Interfaces)
	logger.Debug("assoclist command", "command", lister.Command())

	registry := devices.NewRegistry()
	bus := events.New()
	health := connwatch.NewManager(logger)
	watchers := []*connwatch.Watcher{
		health.Watch(ctx, connwatch.WatcherConfig{
			Name:  "ssh",
			Probe: sshExec.Ping,
		}),
	}

	// --- MQTT ---
	// The broker connection outlives ctx so the offline status can be
	// published during shutdown.
	var (
		dispatcher poller.Dispatcher
		mqttPub    *mqtt.Publisher
		mqttDone   <-chan struct{}
	)
	mqttCtx, mqttCancel := context.WithCancel(context.WithoutCancel(ctx))
	defer mqttCancel()

	if cfg.MQTT.Configured() {
		mqttPub = mqtt.New(mqtt.Config{
			BrokerURL:       cfg.MQTT.BrokerURL(),
			ClientID:        cfg.MQTT.ClientID,
			Username:        cfg.MQTT.Username,
			Password:        creds.mqttPassword,
			DiscoveryPrefix: cfg.MQTT.DiscoveryPrefix,
			PublishTimeout:  time.Duration(cfg.MQTT.PublishTimeoutSec) * time.Second,
			Logger:          logger,
		})
		if err := mqttPub.Start(mqttCtx); err != nil {
			return fmt.Errorf("start mqtt: %w", err)
		}
		dispatcher = mqttPub
		mqttDone = mqttPub.Done()
		watchers = append(watchers, health.Watch(ctx, connwatch.WatcherConfig{
			Name:  "mqtt",
			Probe: mqttPub.AwaitConnection,
		}))
		logger.Info("mqtt publishing enabled",
			"broker", cfg.MQTT.BrokerURL(),
			"discovery_prefix", cfg.MQTT.DiscoveryPrefix,
		)
	} else {
		logger.Info("mqtt publishing disabled (not configured)")
	}

	// --- Metrics server ---
	server := exporter.NewServer(exporter.ServerConfig{
		Address:        cfg.Exporter.ListenAddr(),
		MaxConnections: cfg.Exporter.MaxConnections,
		Registry:       registry,
		Health:         health,
		Events:         bus,
		Logger:         logger,
	})

	errCh := make(chan error, 2)
	go func() {
		if err := server.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("metrics server: %w", err)
		}
	}()

	// --- Poller ---
	p := poller.New(poller.Config{
		Lister:      lister,
		Registry:    registry,
		Dispatcher:  dispatcher,
		Events:      bus,
		Interval:    time.Duration(cfg.Exporter.PollIntervalSec) * time.Second,
		MaxFailures: cfg.Exporter.MaxFailures,
		Logger:      logger,
	})
	go func() {
		err := p.Run(ctx)
		if ctx.Err() == nil {
			errCh <- err
		}
	}()

	var runErr error
	select {
	case <-ctx.Done():
		logger.Info("shutdown signal received")
	case runErr = <-errCh:
		logger.Error("exporter failed", "error", runErr)
	case <-mqttDone:
		runErr = errors.New("mqtt connection manager stopped unexpectedly")
		logger.Error("exporter failed", "error", runErr)
	}
	cancel()

	// No probe may run against a connection that is being torn down.
	for _, w := range watchers {
		w.Wait()
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer shutdownCancel()

	if mqttPub != nil {
		if err := mqttPub.Stop(shutdownCtx); err != nil {
			logger.Warn("mqtt shutdown failed", "error", err)
		}
	}
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Warn("metrics server shutdown failed", "error", err)
	}

	logger.Info("wifi-exporter stopped")
	return runErr
}

// runCheck loads and validates the configuration and every secret it
// references, then prints a summary. Nothing is contacted.
func runCheck(w io.Writer, configPath, outputFmt string) error {
	cfg, cfgPath, err := loadConfig(configPath)
	if err != nil {
		return err
	}
	if _, err := loadSecrets(cfg); err != nil {
		return err
	}

	lister := assoclist.NewLister(nil, cfg.Exporter.Interfaces)
	summary := map[string]any{
		"config":       cfgPath,
		"access_point": cfg.SSH.HostPort(),
		"user":         cfg.SSH.User,
		"command":      lister.Command(),
		"listen":       cfg.Exporter.ListenAddr(),
		"mqtt":         cfg.MQTT.Configured(),
	}
	if cfg.MQTT.Configured() {
		summary["broker"] = cfg.MQTT.BrokerURL()
	}

	if outputFmt == "json" {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(summary)
	}

	fmt.Fprintf(w, "config %s is valid\n", cfgPath)
	for _, k := range []string{"access_point", "user", "command", "listen", "mqtt", "broker"} {
		if v, ok := summary[k]; ok {
			fmt.Fprintf(w, "  %-14s %v\n", k+":", v)
		}
	}
	return nil
}

// loadConfig locates, parses and validates the configuration file.
// Returns the parsed config and the path that was loaded.
func loadConfig(explicit string) (*config.Config, string, error) {
	cfgPath, err := config.FindConfig(explicit)
	if err != nil {
		return nil, "", err
	}

	cfg, err := config.Load(cfgPath)
	if err != nil {
		return nil, cfgPath, fmt.Errorf("load config %s: %w", cfgPath, err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, cfgPath, fmt.Errorf("invalid config %s: %w", cfgPath, err)
	}

	return cfg, cfgPath, nil
}
