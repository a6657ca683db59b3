// ABOUTME: Entry point for the Sendspin native player
// ABOUTME: Wires configuration, logging, audio devices and the player into cobra commands
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/Sendspin/sendspin-native/internal/app"
	"github.com/Sendspin/sendspin-native/internal/config"
	"github.com/Sendspin/sendspin-native/internal/device"
	"github.com/Sendspin/sendspin-native/internal/discovery"
	"github.com/Sendspin/sendspin-native/internal/logging"
	"github.com/Sendspin/sendspin-native/internal/metrics"
	"github.com/Sendspin/sendspin-native/internal/ui"
	"github.com/Sendspin/sendspin-native/internal/version"
)

const defaultLogFile = "sendspin-player.log"

var (
	cfgFile     string
	serverAddr  string
	deviceID    string
	backendName string
	playerName  string
	metricsAddr string
	logLevel    string
	noTUI       bool
)

var rootCmd = &cobra.Command{
	Use:          "sendspin-native",
	Short:        "Sendspin synchronized audio player",
	Long:         `sendspin-native plays a Sendspin server's stream in sync with the rest of the group.`,
	SilenceUsage: true,
	RunE: func(cmd *cobra.Command, args []string) error {
		return runPlayer(cmd.Context())
	},
}

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Connect to a server and play",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runPlayer(cmd.Context())
	},
}

var devicesCmd = &cobra.Command{
	Use:   "devices",
	Short: "List output devices and their capabilities",
	RunE: func(cmd *cobra.Command, args []string) error {
		return listDevices()
	},
}

var serversCmd = &cobra.Command{
	Use:   "servers",
	Short: "Browse the local network for Sendspin servers",
	RunE: func(cmd *cobra.Command, args []string) error {
		return listServers(cmd.Context())
	},
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the version number",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Println(version.String())
	},
}

func init() {
	flags := rootCmd.PersistentFlags()
	flags.StringVar(&cfgFile, "config", "", "config file (default is ./sendspin.yaml or the user config dir)")
	flags.StringVar(&serverAddr, "server", "", "server address host:port (skips discovery)")
	flags.StringVar(&deviceID, "device", "", "output device id")
	flags.StringVar(&backendName, "backend", "", "audio backend: malgo, oto or null")
	flags.StringVar(&playerName, "name", "", "player friendly name (default: hostname-sendspin-player)")
	flags.StringVar(&metricsAddr, "metrics-addr", "", "serve Prometheus metrics on this address")
	flags.StringVar(&logLevel, "log-level", "", "debug, info, warn or error")
	flags.BoolVar(&noTUI, "no-tui", false, "disable the TUI and log to stderr")

	rootCmd.AddCommand(runCmd, devicesCmd, serversCmd, versionCmd)
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// loadConfig reads the config file and applies command-line overrides
func loadConfig() (config.Config, error) {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return cfg, err
	}
	if serverAddr != "" {
		cfg.Server = serverAddr
	}
	if deviceID != "" {
		cfg.Device = deviceID
	}
	if backendName != "" {
		cfg.Backend = backendName
	}
	if playerName != "" {
		cfg.Name = playerName
	}
	if metricsAddr != "" {
		cfg.MetricsAddr = metricsAddr
	}
	if logLevel != "" {
		cfg.LogLevel = logLevel
	}
	if cfg.Name == "" {
		hostname, err := os.Hostname()
		if err != nil {
			hostname = "unknown"
		}
		cfg.Name = hostname + "-sendspin-player"
	}
	return cfg, cfg.Validate()
}

func newBackend(name string, logger *zap.SugaredLogger) (device.Backend, error) {
	switch name {
	case "malgo":
		return device.NewMalgoBackend(logger)
	case "oto":
		return device.NewOtoBackend(logger), nil
	case "null":
		return device.NewNullBackend(device.DefaultNullDevice()), nil
	default:
		return nil, fmt.Errorf("unknown audio backend %q", name)
	}
}

func runPlayer(ctx context.Context) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	// the TUI owns the terminal, so logs go to a file
	logFile := cfg.LogFile
	if !noTUI && logFile == "" {
		logFile = defaultLogFile
	}
	logger, err := logging.New(cfg.LogLevel, logFile)
	if err != nil {
		return err
	}
	defer logger.Sync()

	logger.Infow("Starting Sendspin player", "name", cfg.Name, "version", version.Version, "backend", cfg.Backend)

	backend, err := newBackend(cfg.Backend, logger.Named("device"))
	if err != nil {
		return err
	}
	defer backend.Close()
	registry := device.NewRegistry(backend, cfg.PollInterval, logger.Named("registry"))

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m := metrics.New(reg)

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	if cfg.MetricsAddr != "" {
		srv := metrics.NewServer(cfg.MetricsAddr, reg, logger.Named("metrics"))
		if err := srv.Listen(); err != nil {
			return err
		}
		go func() {
			if err := srv.Serve(ctx); err != nil {
				logger.Errorw("Metrics server stopped", "error", err)
			}
		}()
	}

	settingsPath := cfg.Settings
	if settingsPath == "" {
		if settingsPath, err = config.DefaultSettingsPath(); err != nil {
			return err
		}
	}
	store, err := config.OpenStore(settingsPath, logger.Named("settings"))
	if err != nil {
		return err
	}

	resolver := discovery.NewResolver(discovery.DefaultConfig(), logger.Named("discovery"))
	player := app.New(app.ConfigFrom(cfg), registry, resolver, store, m, logger)

	if cfg.Playback.HardwareVolume && cfg.Backend != "null" {
		mixer, err := device.NewVolumeController(logger)
		if err != nil {
			logger.Infow("Using software volume", "reason", err)
		} else {
			defer mixer.Close()
			logger.Infow("Using hardware volume", "mixer", mixer.Name())
			player.UseMixer(mixer)
		}
	}

	if noTUI {
		return player.Run(ctx)
	}

	runErr := make(chan error, 1)
	go func() { runErr <- player.Run(ctx) }()

	uiErr := ui.Run(ctx, player.Subscribe(ctx), player)
	cancel()
	if err := <-runErr; err != nil {
		return err
	}
	if uiErr != nil && !errors.Is(uiErr, context.Canceled) {
		return fmt.Errorf("tui: %w", uiErr)
	}
	return nil
}

func listDevices() error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	logger, err := logging.New("warn", "")
	if err != nil {
		return err
	}
	defer logger.Sync()

	backend, err := newBackend(cfg.Backend, logger)
	if err != nil {
		return err
	}
	defer backend.Close()
	registry := device.NewRegistry(backend, cfg.PollInterval, logger)

	devices, err := registry.ListDevices()
	if err != nil {
		return err
	}
	if len(devices) == 0 {
		fmt.Println("No output devices found")
		return nil
	}
	for _, dev := range devices {
		marker := " "
		if dev.Default {
			marker = "*"
		}
		probed, err := registry.Probe(dev)
		if err != nil {
			fmt.Printf("%s %-24s %s (probe failed: %v)\n", marker, dev.ID, dev.Name, err)
			continue
		}
		mode := "shared"
		if probed.Exclusive {
			mode = "exclusive"
		}
		fmt.Printf("%s %-24s %s\n", marker, dev.ID, dev.Name)
		fmt.Printf("    rates %v  depths %v  channels %v  %s\n", probed.SampleRates, probed.BitDepths, probed.Channels, mode)
	}
	return nil
}

func listServers(ctx context.Context) error {
	logger, err := logging.New("warn", "")
	if err != nil {
		return err
	}
	defer logger.Sync()

	servers, err := discovery.NewResolver(discovery.DefaultConfig(), logger).Browse(ctx)
	if err != nil {
		return err
	}
	if len(servers) == 0 {
		fmt.Println("No servers found")
		return nil
	}
	for _, s := range servers {
		fmt.Printf("%-32s %s\n", s.Name, s.Endpoint())
	}
	return nil
}
