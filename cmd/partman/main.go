// Package main implements the partman binary.
//
// partman serves the partitioning catalog over HTTP and gRPC, or exports and
// imports catalog snapshots, depending on the --mode flag.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"

	"github.com/arkilian/partman/internal/app"
	"github.com/arkilian/partman/internal/config"
	"github.com/arkilian/partman/internal/logging"
)

var (
	version = "dev"
	commit  = "unknown"
)

func main() {
	var (
		configFile  string
		dataDir     string
		mode        string
		httpAddr    string
		grpcAddr    string
		logLevel    string
		snapshotKey string
		showVersion bool
	)

	flag.StringVar(&configFile, "config", "", "Path to configuration file (YAML or JSON)")
	flag.StringVar(&dataDir, "data-dir", "", "Base directory for all data files")
	flag.StringVar(&mode, "mode", "serve", "Mode: serve, export, import")
	flag.StringVar(&httpAddr, "http-addr", "", "HTTP listen address")
	flag.StringVar(&grpcAddr, "grpc-addr", "", "gRPC listen address")
	flag.StringVar(&logLevel, "log-level", "", "Log level: debug, info, warn, error")
	flag.StringVar(&snapshotKey, "snapshot", "", "Snapshot key to import (default: the newest)")
	flag.BoolVar(&showVersion, "version", false, "Show version information")

	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, "partman - table partitioning catalog service\n\n")
		fmt.Fprintf(os.Stderr, "Usage: partman [options]\n\n")
		fmt.Fprintf(os.Stderr, "Options:\n")
		flag.PrintDefaults()
		fmt.Fprintf(os.Stderr, "\nExamples:\n")
		fmt.Fprintf(os.Stderr, "  partman --data-dir /data/partman\n")
		fmt.Fprintf(os.Stderr, "  partman --mode export --config /etc/partman/config.yaml\n")
		fmt.Fprintf(os.Stderr, "  partman --mode import --snapshot snapshots/<key>.json.sz\n")
		fmt.Fprintf(os.Stderr, "\nEnvironment Variables:\n")
		fmt.Fprintf(os.Stderr, "  PARTMAN_DATA_DIR        Base directory for data files\n")
		fmt.Fprintf(os.Stderr, "  PARTMAN_HTTP_ADDR       HTTP listen address\n")
		fmt.Fprintf(os.Stderr, "  PARTMAN_GRPC_ADDR       gRPC listen address\n")
		fmt.Fprintf(os.Stderr, "  PARTMAN_SNAPSHOT_TYPE   Snapshot storage type (local, s3)\n")
		fmt.Fprintf(os.Stderr, "  PARTMAN_LOG_LEVEL       Log level\n")
	}

	flag.Parse()

	if showVersion {
		fmt.Printf("partman version %s (commit: %s)\n", version, commit)
		os.Exit(0)
	}

	cfg, err := loadConfig(configFile, dataDir, httpAddr, grpcAddr, logLevel)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	logger := logging.Init(logging.Config{Level: cfg.Logging.Level, Format: cfg.Logging.Format})
	logger.Info("starting partman", "version", version, "commit", commit, "mode", mode, "data_dir", cfg.DataDir)

	if err := run(context.Background(), cfg, mode, snapshotKey); err != nil {
		logger.Error("partman failed", "mode", mode, "error", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg *config.Config, mode, snapshotKey string) error {
	a, err := app.New(ctx, cfg, logging.Get())
	if err != nil {
		return err
	}

	switch mode {
	case "serve":
		return a.Run(ctx)
	case "export":
		defer a.Close()
		key, err := a.Snapshots.Export(ctx, a.Catalog)
		if err != nil {
			return err
		}
		fmt.Println(key)
		return nil
	case "import":
		defer a.Close()
		snap, err := a.Snapshots.Import(ctx, a.Catalog, snapshotKey)
		if err != nil {
			return err
		}
		fmt.Printf("imported snapshot %s (%d partitioned tables)\n", snap.ID, len(snap.Catalog.Config))
		return nil
	default:
		a.Close()
		return fmt.Errorf("unknown mode %q (must be serve, export or import)", mode)
	}
}

// loadConfig loads configuration from file, environment, and command line flags.
func loadConfig(configFile, dataDir, httpAddr, grpcAddr, logLevel string) (*config.Config, error) {
	var cfg *config.Config
	var err error

	if configFile != "" {
		cfg, err = config.LoadFromFile(configFile)
		if err != nil {
			return nil, err
		}
	} else {
		cfg = config.DefaultConfig()
	}

	config.LoadFromEnv(cfg)

	// Command line flags take priority.
	if dataDir != "" {
		cfg.DataDir = dataDir
	}
	if httpAddr != "" {
		cfg.HTTP.Addr = httpAddr
	}
	if grpcAddr != "" {
		cfg.GRPC.Addr = grpcAddr
	}
	if logLevel != "" {
		cfg.Logging.Level = logLevel
	}

	return cfg, nil
}
