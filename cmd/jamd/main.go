package main

import (
	"flag"
	"fmt"
	"log/slog"
	"os"

	"github.com/openjam/jamd/pkg/auth"
	"github.com/openjam/jamd/pkg/logging"
	"github.com/openjam/jamd/pkg/server"
)

func main() {
	cfg := server.DefaultConfig()

	configFile := flag.String("config", "", "YAML config file (flags override it)")
	addr := flag.String("addr", cfg.Addr, "TCP bind address")
	metricsAddr := flag.String("metrics", cfg.MetricsAddr, "HTTP bind address for Prometheus /metrics (empty to disable)")
	usersFile := flag.String("users", "", "YAML user roster file (empty = anonymous-only)")
	maxUsers := flag.Int("max-users", cfg.MaxUsers, "Member capacity (0 = unlimited)")
	bpm := flag.Int("bpm", cfg.BPM, "Initial tempo in beats per minute")
	bpi := flag.Int("bpi", cfg.BPI, "Initial beats per interval")
	topic := flag.String("topic", cfg.Topic, "Initial session topic")
	licenseFile := flag.String("license", "", "License text file presented at connect")

	logLevel := flag.String("log-level", "info", "Log level: "+logging.LevelNames())
	logFormat := flag.String("log-format", "text", "Log format: text or json")
	flag.Parse()

	// Configure structured logging
	if err := logging.Setup(logging.Options{
		Level:  *logLevel,
		Format: *logFormat,
		Output: os.Stdout,
	}); err != nil {
		fmt.Fprintf(os.Stderr, "invalid logging config: %v\n", err)
		os.Exit(1)
	}

	if *configFile != "" {
		loaded, err := server.LoadConfig(*configFile)
		if err != nil {
			slog.Error("load config", "err", err)
			os.Exit(1)
		}
		cfg = loaded
	}

	// Explicit flags win over the config file.
	flag.Visit(func(f *flag.Flag) {
		switch f.Name {
		case "addr":
			cfg.Addr = *addr
		case "metrics":
			cfg.MetricsAddr = *metricsAddr
		case "users":
			cfg.UsersFile = *usersFile
		case "max-users":
			cfg.MaxUsers = *maxUsers
		case "bpm":
			cfg.BPM = *bpm
		case "bpi":
			cfg.BPI = *bpi
		case "topic":
			cfg.Topic = *topic
		case "license":
			cfg.LicenseFile = *licenseFile
		}
	})

	oracle, err := buildOracle(cfg.UsersFile)
	if err != nil {
		slog.Error("load users", "err", err)
		os.Exit(1)
	}

	srv := server.New(cfg, server.Dependencies{Oracle: oracle})
	if err := srv.Run(); err != nil {
		slog.Error("server error", "err", err)
		os.Exit(1)
	}
}

// buildOracle loads the user roster, or falls back to an open
// anonymous-only server when none is configured.
func buildOracle(path string) (auth.Oracle, error) {
	if path == "" {
		slog.Info("no users file, running open anonymous server")
		return auth.OracleFunc(func(string) (auth.Credentials, bool) {
			return auth.Credentials{
				Anonymous:  true,
				Privileges: auth.PrivChat | auth.PrivTempo | auth.PrivTopic,
			}, true
		}), nil
	}
	return auth.LoadUsers(path)
}
