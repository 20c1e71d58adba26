package main

import (
	"context"
	"fmt"
	"os"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/fleet-telemetry/pipeline/config"
	"github.com/fleet-telemetry/pipeline/ingest"
	"github.com/fleet-telemetry/pipeline/query"
	"github.com/fleet-telemetry/pipeline/storage"
)

var (
	configPath string
	logLevel   string
	dataPath   string

	cfg *config.Config
	log = logrus.New()
)

var rootCmd = &cobra.Command{
	Use:   "fleetctl",
	Short: "Query and benchmark autonomous vehicle fleet telemetry",
	Long: `fleetctl loads ROS2 / NVIDIA DRIVE fleet telemetry from Parquet, filters it
by vehicle, time range and sensor, and asks an NVIDIA NIM endpoint questions
about the result. It also benchmarks the Parquet backends and the inference
endpoint, and serves the same operations over HTTP.`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		log.SetOutput(os.Stderr)
		log.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})

		loaded, err := config.LoadFromFile(configPath, log)
		if err != nil {
			return err
		}
		cfg = loaded

		level := cfg.LogLevel
		if cmd.Flags().Changed("log-level") {
			level = logLevel
		}
		parsed, err := logrus.ParseLevel(level)
		if err != nil {
			return fmt.Errorf("invalid log level %q: %w", level, err)
		}
		log.SetLevel(parsed)

		if dataPath != "" {
			cfg.Data.Path = dataPath
		}
		return nil
	},
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "path to YAML config file")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "info", "log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().StringVarP(&dataPath, "data", "d", "", "telemetry Parquet file or s3://bucket/key (overrides config)")

	rootCmd.AddCommand(generateCmd)
	rootCmd.AddCommand(ingestCmd)
	rootCmd.AddCommand(retrieveCmd)
	rootCmd.AddCommand(queryCmd)
	rootCmd.AddCommand(formatCmd)
	rootCmd.AddCommand(benchCmd)
	rootCmd.AddCommand(genbenchCmd)
	rootCmd.AddCommand(serveCmd)
}

// Execute runs the root command
func Execute() error {
	return rootCmd.Execute()
}

func requireDataPath() error {
	if cfg.Data.Path == "" {
		return fmt.Errorf("no telemetry path: set data.path in the config or pass --data")
	}
	return nil
}

// newLoader builds a Parquet loader; s3:// paths are fetched through the
// configured object store
func newLoader() (*ingest.Loader, error) {
	backend, err := ingest.ParseBackend(cfg.Data.Backend)
	if err != nil {
		return nil, err
	}

	opts := []ingest.LoaderOption{ingest.WithSpill(cfg.Data.Spill), ingest.WithLogger(log)}
	if cfg.ObjectStore.Endpoint != "" {
		store, err := ingest.NewMinioStore(cfg.ObjectStore)
		if err != nil {
			return nil, err
		}
		opts = append(opts, ingest.WithObjectStore(store, cfg.Data.CacheDir))
	}
	return ingest.NewLoader(backend, opts...), nil
}

func newEngine() (*query.Engine, error) {
	if err := requireDataPath(); err != nil {
		return nil, err
	}
	loader, err := newLoader()
	if err != nil {
		return nil, err
	}
	client, err := newClient()
	if err != nil {
		return nil, err
	}

	return query.NewEngine(query.EngineConfig{
		DataPath:        cfg.Data.Path,
		NIMBaseURL:      cfg.NIM.BaseURL,
		NIMModel:        cfg.NIM.Model,
		MaxContextRows:  cfg.Data.MaxContextRows,
		MaxContextChars: cfg.Data.MaxContextChars,
		Spill:           cfg.Data.Spill,
	}, query.WithLoader(loader), query.WithAsker(client), query.WithEngineLogger(log)), nil
}

// openStore connects to PostgreSQL when enabled; a nil store means results
// are not persisted
func openStore(ctx context.Context) (*storage.ResultsStore, error) {
	if !cfg.PostgreSQL.Enabled {
		return nil, nil
	}
	store := storage.NewResultsStore(&cfg.PostgreSQL, log)
	if err := store.Connect(ctx); err != nil {
		return nil, err
	}
	if err := store.EnsureSchema(ctx); err != nil {
		store.Close()
		return nil, err
	}
	return store, nil
}
