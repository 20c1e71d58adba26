package main

import (
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"text/tabwriter"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/fleet-telemetry/pipeline/api"
	"github.com/fleet-telemetry/pipeline/inference"
	"github.com/fleet-telemetry/pipeline/ingest"
	"github.com/fleet-telemetry/pipeline/metrics"
	"github.com/fleet-telemetry/pipeline/query"
	"github.com/fleet-telemetry/pipeline/types"
)

// retrieval flags shared by retrieve and query
var (
	vehicles       []string
	startNs        int64
	endNs          int64
	sensorType     string
	brakeThreshold float64
)

func addRetrieveFlags(cmd *cobra.Command) {
	cmd.Flags().StringSliceVar(&vehicles, "vehicle", nil, "vehicle IDs to keep (repeatable or comma separated)")
	cmd.Flags().Int64Var(&startNs, "start-ns", 0, "inclusive start timestamp in nanoseconds")
	cmd.Flags().Int64Var(&endNs, "end-ns", 0, "inclusive end timestamp in nanoseconds")
	cmd.Flags().StringVar(&sensorType, "sensor", "", "sensor type (imu, lidar, can, gps, camera)")
	cmd.Flags().Float64Var(&brakeThreshold, "brake-threshold", 0, "keep rows with brake_pressure_pct above this value")
}

func retrieveOptions(cmd *cobra.Command) query.RetrieveOptions {
	opts := query.RetrieveOptions{VehicleIDs: vehicles, SensorType: sensorType}
	if cmd.Flags().Changed("start-ns") {
		v := startNs
		opts.StartNs = &v
	}
	if cmd.Flags().Changed("end-ns") {
		v := endNs
		opts.EndNs = &v
	}
	if cmd.Flags().Changed("brake-threshold") {
		v := brakeThreshold
		opts.BrakeThreshold = &v
	}
	return opts
}

func newClient() (*inference.Client, error) {
	timeout, err := cfg.NIM.TimeoutDuration()
	if err != nil {
		return nil, err
	}
	return inference.NewClient(cfg.NIM.BaseURL, cfg.NIM.Model,
		inference.WithAPIKey(cfg.NIM.APIKey),
		inference.WithTimeout(timeout),
		inference.WithMaxTokens(cfg.NIM.MaxTokens),
		inference.WithTemperature(cfg.NIM.Temperature),
		inference.WithClientLogger(log),
	), nil
}

func printJSON(v interface{}) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

var (
	genRows     int
	genVehicles int
	genSeed     int64
	genOutput   string
)

var generateCmd = &cobra.Command{
	Use:   "generate",
	Short: "Write a synthetic fleet telemetry Parquet file",
	RunE: func(cmd *cobra.Command, args []string) error {
		opts := ingest.DefaultGenerateOptions()
		opts.Rows = genRows
		opts.Vehicles = genVehicles
		opts.Seed = genSeed

		tbl, err := ingest.GenerateTelemetry(opts)
		if err != nil {
			return err
		}
		defer tbl.Release()

		if err := ingest.WriteParquet(genOutput, tbl); err != nil {
			return err
		}
		log.WithFields(logrus.Fields{
			"rows":     tbl.NumRows(),
			"vehicles": genVehicles,
			"output":   genOutput,
		}).Info("Synthetic telemetry written")
		return nil
	},
}

var (
	ingestOutDir      string
	ingestConcurrency int
)

var ingestCmd = &cobra.Command{
	Use:   "ingest [ndjson files...]",
	Short: "Convert NDJSON fleet logs (optionally .zst or .lz4) to Parquet",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		conv, err := ingest.NewConverter(log)
		if err != nil {
			return err
		}
		if err := os.MkdirAll(ingestOutDir, 0o755); err != nil {
			return fmt.Errorf("failed to create output directory: %w", err)
		}

		jobs := make([]ingest.ConvertJob, len(args))
		for i, in := range args {
			base := filepath.Base(in)
			for _, ext := range []string{".zst", ".lz4", ".ndjson", ".jsonl", ".json"} {
				base = strings.TrimSuffix(base, ext)
			}
			jobs[i] = ingest.ConvertJob{Input: in, Output: filepath.Join(ingestOutDir, base+".parquet")}
		}

		stats, err := conv.ConvertAll(cmd.Context(), jobs, ingestConcurrency)
		if err != nil {
			return err
		}
		return printJSON(stats)
	},
}

var retrieveLimit int

var retrieveCmd = &cobra.Command{
	Use:   "retrieve",
	Short: "Print the telemetry rows matching the filters",
	RunE: func(cmd *cobra.Command, args []string) error {
		engine, err := newEngine()
		if err != nil {
			return err
		}
		tbl, err := engine.Retrieve(cmd.Context(), retrieveOptions(cmd))
		if err != nil {
			return err
		}
		fmt.Println(query.RenderTable(tbl, retrieveLimit))
		return nil
	},
}

var queryCmd = &cobra.Command{
	Use:   "query [question]",
	Short: "Ask a natural-language question about the filtered telemetry",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		engine, err := newEngine()
		if err != nil {
			return err
		}
		answer, err := engine.Query(cmd.Context(), strings.Join(args, " "), retrieveOptions(cmd))
		if err != nil {
			return err
		}
		fmt.Println(answer)
		return nil
	},
}

var formatHardware string

var formatCmd = &cobra.Command{
	Use:   "format [stage]",
	Short: "Recommend a model serialization format for a lifecycle stage",
	Long: "Recommend a model serialization format for a lifecycle stage\n" +
		"(" + strings.Join(inference.Stages(), ", ") + ") and hardware hint.",
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		decision := inference.SelectFormat(args[0], formatHardware)
		fmt.Printf("%s\n  %s\n", decision.Format, decision.Rationale)
		return nil
	},
}

var benchBackends []string

var benchCmd = &cobra.Command{
	Use:   "bench",
	Short: "Time load, groupby, filter and sort on each Parquet backend",
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := requireDataPath(); err != nil {
			return err
		}
		var backends []ingest.Backend
		for _, name := range benchBackends {
			b, err := ingest.ParseBackend(name)
			if err != nil {
				return err
			}
			backends = append(backends, b)
		}

		report, err := ingest.RunBenchmark(cmd.Context(), cfg.Data.Path, log, backends...)
		if err != nil {
			return err
		}

		tw := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
		fmt.Fprintln(tw, "BACKEND\tOPERATION\tSECONDS")
		for _, row := range report.Results.Rows() {
			fmt.Fprintf(tw, "%s\t%s\t%.4f\n", row.Backend, row.Operation, row.Seconds)
		}
		tw.Flush()

		store, err := openStore(cmd.Context())
		if err != nil {
			return err
		}
		if store == nil {
			return nil
		}
		defer store.Close()

		run := &types.BenchmarkRun{
			DataPath:    cfg.Data.Path,
			Rows:        report.Rows,
			Results:     report.Results.Rows(),
			PeakMemory:  report.PeakMemory,
			Environment: report.Environment,
		}
		if err := store.InsertBenchmarkRun(cmd.Context(), run); err != nil {
			return err
		}
		log.WithField("run_id", run.ID).Info("Benchmark run stored")
		return nil
	},
}

var (
	genbenchRequests int
	genbenchRPS      float64
	genbenchPrompts  []string
)

var genbenchCmd = &cobra.Command{
	Use:   "genbench",
	Short: "Measure latency, time to first token and throughput of the NIM endpoint",
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newClient()
		if err != nil {
			return err
		}

		report, err := inference.RunGenerationBenchmark(cmd.Context(), client, genbenchPrompts, inference.BenchmarkOptions{
			Requests: genbenchRequests,
			RPS:      genbenchRPS,
			Log:      log,
		})
		if err != nil {
			return err
		}
		if err := printJSON(report.Summary); err != nil {
			return err
		}

		store, err := openStore(cmd.Context())
		if err != nil {
			return err
		}
		if store == nil {
			return nil
		}
		defer store.Close()

		run := &types.GenerationRun{
			BaseURL:  client.BaseURL(),
			Model:    client.Model(),
			Requests: len(report.Samples),
			Summary:  report.Summary,
		}
		if err := store.InsertGenerationRun(cmd.Context(), run); err != nil {
			return err
		}
		log.WithField("run_id", run.ID).Info("Generation run stored")
		return nil
	},
}

var serveAddr string

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Serve retrieval, query, format and metrics over HTTP",
	RunE: func(cmd *cobra.Command, args []string) error {
		engine, err := newEngine()
		if err != nil {
			return err
		}

		addr := cfg.API.Addr
		if cmd.Flags().Changed("addr") {
			addr = serveAddr
		}

		opts := []api.Option{api.WithCollectors(metrics.NewCollectors())}
		store, err := openStore(cmd.Context())
		if err != nil {
			return err
		}
		if store != nil {
			defer store.Close()
			opts = append(opts, api.WithRunLister(store))
		}

		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		srv := api.NewServer(addr, engine, log, opts...)
		if err := srv.Start(ctx); err != nil {
			return err
		}

		<-ctx.Done()
		log.Info("Shutdown signal received")
		return srv.Stop()
	},
}

func init() {
	def := ingest.DefaultGenerateOptions()
	generateCmd.Flags().IntVar(&genRows, "rows", def.Rows, "number of rows")
	generateCmd.Flags().IntVar(&genVehicles, "vehicles", def.Vehicles, "number of vehicles")
	generateCmd.Flags().Int64Var(&genSeed, "seed", def.Seed, "random seed")
	generateCmd.Flags().StringVarP(&genOutput, "output", "o", "fleet_telemetry.parquet", "output Parquet file")

	ingestCmd.Flags().StringVarP(&ingestOutDir, "out-dir", "o", ".", "directory for converted Parquet files")
	ingestCmd.Flags().IntVar(&ingestConcurrency, "concurrency", 4, "files converted in parallel")

	addRetrieveFlags(retrieveCmd)
	retrieveCmd.Flags().IntVar(&retrieveLimit, "limit", 20, "rows to print (0 prints all)")

	addRetrieveFlags(queryCmd)

	formatCmd.Flags().StringVar(&formatHardware, "hardware", "gpu", "hardware hint (gpu, cpu, mixed)")

	benchCmd.Flags().StringSliceVar(&benchBackends, "backend", nil, "backends to time (accelerated, standard); default both")

	genbenchCmd.Flags().IntVarP(&genbenchRequests, "requests", "n", 10, "number of generations")
	genbenchCmd.Flags().Float64Var(&genbenchRPS, "rps", 0, "maximum requests per second (0 is unpaced)")
	genbenchCmd.Flags().StringArrayVar(&genbenchPrompts, "prompt", []string{
		"Summarize typical brake pressure behaviour for an autonomous vehicle in city traffic.",
		"Explain what an IMU measures on a self-driving car.",
	}, "prompt to cycle through (repeatable)")

	serveCmd.Flags().StringVar(&serveAddr, "addr", ":8081", "listen address")
}
