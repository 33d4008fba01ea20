// Command bcmon watches Baichuan cameras and NVRs: it subscribes to
// push notifications (motion, person, vehicle, visitor, battery), polls
// device state without waking battery cameras, and records raw protocol
// traffic for offline analysis.
//
// Usage:
//
//	bcmon monitor  [flags]   Subscribe and print push events
//	bcmon states   [flags]   Run one state poll and print the results
//	bcmon discover [flags]   Browse for devices via mDNS
//	bcmon shell    [flags]   Interactive command shell
//
// Connection settings come from bcmon.yaml (or --config) and can be
// overridden per invocation with --address, --username and --password.
package main

import (
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/baichuan-protocol/baichuan-go/pkg/capture"
	"github.com/baichuan-protocol/baichuan-go/pkg/host"
	"github.com/baichuan-protocol/baichuan-go/pkg/metrics"
	"github.com/baichuan-protocol/baichuan-go/pkg/transport"
)

var version = "dev"

// flags shared by every subcommand.
var (
	flagConfig   string
	flagAddress  string
	flagUsername string
	flagPassword string
	flagLogLevel string
)

func main() {
	rootCmd := &cobra.Command{
		Use:           "bcmon",
		Short:         "Monitor Baichuan cameras and NVRs",
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	pf := rootCmd.PersistentFlags()
	pf.StringVarP(&flagConfig, "config", "c", "", "Configuration file (default bcmon.yaml)")
	pf.StringVar(&flagAddress, "address", "", "Device address, host or host:port")
	pf.StringVarP(&flagUsername, "username", "u", "", "Login user")
	pf.StringVarP(&flagPassword, "password", "p", "", "Login password")
	pf.StringVar(&flagLogLevel, "log-level", "", "Log level: debug, info, warn, error")

	rootCmd.AddCommand(
		monitorCmd(),
		statesCmd(),
		discoverCmd(),
		shellCmd(),
	)

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %s\n", err)
		os.Exit(1)
	}
}

// loadRuntime merges the config file with command-line overrides and
// builds the logger.
func loadRuntime() (Config, zerolog.Logger, error) {
	cfg, err := LoadConfig(flagConfig)
	if err != nil {
		return cfg, zerolog.Nop(), err
	}
	if flagAddress != "" {
		cfg.Address = flagAddress
	}
	if flagUsername != "" {
		cfg.Username = flagUsername
	}
	if flagPassword != "" {
		cfg.Password = flagPassword
	}
	if flagLogLevel != "" {
		cfg.LogLevel = flagLogLevel
	}

	level, err := parseLogLevel(cfg.LogLevel)
	if err != nil {
		return cfg, zerolog.Nop(), err
	}
	logger := zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.TimeOnly}).
		Level(level).
		With().Timestamp().Logger()
	return cfg, logger, nil
}

// newHost assembles a host from the runtime config: capture file,
// metrics endpoint, state cache.
func newHost(cfg Config, logger zerolog.Logger, cache *memCache) (*host.Host, func(), error) {
	hostCfg := host.DefaultConfig()
	hostCfg.Address = cfg.Address
	hostCfg.Username = cfg.Username
	hostCfg.Password = cfg.Password
	hostCfg.Channels = cfg.Channels
	hostCfg.Logger = logger
	hostCfg.Cache = cache

	var cleanup []func()

	if cfg.CaptureFile != "" {
		fl, err := capture.NewFileLogger(cfg.CaptureFile)
		if err != nil {
			return nil, nil, fmt.Errorf("opening capture file: %w", err)
		}
		hostCfg.Transport = transport.DefaultConfig()
		hostCfg.Transport.Capture = fl
		cleanup = append(cleanup, func() { fl.Close() })
		logger.Info().Str("file", cfg.CaptureFile).Msg("frame capture enabled")
	}

	if cfg.MetricsListen != "" {
		m := metrics.New("baichuan")
		reg := prometheus.NewRegistry()
		if err := m.Register(reg); err != nil {
			return nil, nil, fmt.Errorf("registering metrics: %w", err)
		}
		hostCfg.Metrics = m

		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
		srv := &http.Server{Addr: cfg.MetricsListen, Handler: mux}
		go func() {
			if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				logger.Error().Err(err).Msg("metrics endpoint failed")
			}
		}()
		cleanup = append(cleanup, func() { srv.Close() })
		logger.Info().Str("listen", cfg.MetricsListen).Msg("metrics endpoint up")
	}

	h := host.New(hostCfg)
	return h, func() {
		for i := len(cleanup) - 1; i >= 0; i-- {
			cleanup[i]()
		}
	}, nil
}
