// ============================================================================
// Frameflow CLI - Command Line Interface
// ============================================================================
//
// Package: internal/cli
// File: cli.go
// Purpose: Provides user-friendly command line interface based on Cobra framework
//
// Command Structure:
//   frameflow                      # Root command
//   ├── run                        # Run the pipeline on the configured sources
//   │   └── --duration            # Stop after this long (default: until signal)
//   ├── status                     # Show the effective configuration
//   ├── bench                      # Throughput run on synthetic sources
//   │   ├── --sources, -n         # Number of synthetic cameras
//   │   ├── --fps                 # Frame rate per camera
//   │   └── --duration, -d        # Length of the run
//   ├── journal [file]             # Inspect a result journal
//   │   ├── --dump                # Print every record
//   │   └── --validate            # Check checksums and numbering
//   ├── --config, -c              # Config file (default: configs/default.yaml)
//   ├── --log-level               # debug, info, warn, error
//   ├── --version                  # Display version information
//   └── --help                     # Display help information
//
// Configuration Management:
//   Uses YAML format config file (default: configs/default.yaml)
//   Configuration items include:
//   - pipeline: output buffer, pull interval, cache settings
//   - stages: per-stage workers, devices, batch sizing, queue threshold
//   - engine: simulated inference latency, failure rate
//   - sources: synthetic cameras and their policies
//   - journal: append-only result log with checksums and rotation
//   - metrics / health: Prometheus and gRPC health endpoints
//   - pipeline.stats_file: periodic JSON stats snapshot read back by status
//
// run Command:
//   1. Load config file
//   2. Create the pipeline and register every source
//   3. Start Metrics HTTP server and gRPC health service (if enabled)
//   4. Start the pipeline, log drained results and journal them (if enabled)
//   5. On SIGINT/SIGTERM (or --duration) report NOT_SERVING and stop
//
//   Examples:
//     ./frameflow run
//     ./frameflow run -c custom-config.yaml --duration 30s
//
// bench Command:
//   Replaces the configured sources with N synthetic cameras sharing the
//   first source's policy and prints results/s, drops and failed batches.
//
//   Examples:
//     ./frameflow bench -n 8 --fps 30 -d 10s
//
// ============================================================================

package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"

	"github.com/ChuLiYu/frameflow/internal/inference/sim"
	"github.com/ChuLiYu/frameflow/internal/metrics"
	"github.com/ChuLiYu/frameflow/internal/pipeline"
	"github.com/ChuLiYu/frameflow/internal/snapshot"
	"github.com/ChuLiYu/frameflow/internal/source"
	"github.com/ChuLiYu/frameflow/internal/stage"
	"github.com/ChuLiYu/frameflow/internal/storage/journal"
	"github.com/ChuLiYu/frameflow/pkg/types"
)

var log = slog.Default()

var (
	configFile string
	logLevel   string
)

func BuildCLI() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "frameflow",
		Short: "Frameflow: a multi-GPU video analytics scheduler",
		Long: `Frameflow runs frames through a staged inference pipeline with:
- Bounded drop-oldest queues between stages
- Batch sizes that follow the number of live sources
- Per-stage worker pools bound to GPU contexts
- TTL caches for capture rate limiting and best-shot selection`,
		Version: "1.0.0",
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return setLogLevel(logLevel)
		},
	}

	rootCmd.PersistentFlags().StringVarP(&configFile, "config", "c", "configs/default.yaml", "config file path")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "info", "log level: debug, info, warn, error")

	rootCmd.AddCommand(buildRunCommand())
	rootCmd.AddCommand(buildStatusCommand())
	rootCmd.AddCommand(buildBenchCommand())
	rootCmd.AddCommand(buildJournalCommand())

	return rootCmd
}

func setLogLevel(name string) error {
	var level slog.Level
	if err := level.UnmarshalText([]byte(strings.ToUpper(name))); err != nil {
		return fmt.Errorf("invalid log level %q", name)
	}
	slog.SetLogLoggerLevel(level)
	return nil
}

func buildRunCommand() *cobra.Command {
	var duration time.Duration

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Start the pipeline on the configured sources",
		Long:  "Run the pipeline until interrupted, logging every emitted result",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(configFile)
			if err != nil {
				return fmt.Errorf("failed to load config: %w", err)
			}
			ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return runPipeline(ctx, cfg, duration, cmd.OutOrStdout())
		},
	}

	cmd.Flags().DurationVar(&duration, "duration", 0, "stop after this long (0 runs until a signal)")
	return cmd
}

func newPipeline(cfg *Config) (*pipeline.Orchestrator, *prometheus.Registry) {
	reg := prometheus.NewRegistry()
	collector := metrics.NewCollector(reg)
	engine := sim.New(cfg.engineConfig(), sim.Hooks{})
	return pipeline.New(cfg.pipelineConfig(), engine, pipeline.WithMetrics(collector)), reg
}

func runPipeline(ctx context.Context, cfg *Config, duration time.Duration, out io.Writer) error {
	if len(cfg.Sources) == 0 {
		return errNoSources
	}

	p, reg := newPipeline(cfg)
	for _, s := range cfg.Sources {
		src := source.NewSynthetic(types.SourceID(s.ID), s.Width, s.Height, s.FPS, s.Policy.DetectInterval)
		if err := p.AddSource(src, s.policy()); err != nil {
			return fmt.Errorf("failed to add source: %w", err)
		}
	}

	if cfg.Metrics.Enabled {
		go func() {
			log.Info("Starting metrics server", "port", cfg.Metrics.Port)
			if err := metrics.StartServer(cfg.Metrics.Port, reg); err != nil {
				log.Warn("Metrics server error", "error", err)
			}
		}()
	}

	var hs *healthService
	if cfg.Health.Enabled {
		var err error
		hs, err = startHealth(fmt.Sprintf(":%d", cfg.Health.Port))
		if err != nil {
			return err
		}
		defer hs.Stop()
		log.Info("Health service listening", "addr", hs.Addr())
	}

	var jr *journal.Journal
	if cfg.Journal.Enabled {
		var err error
		jr, err = journal.Open(cfg.Journal.Path, cfg.journalOptions())
		if err != nil {
			return err
		}
		defer func() {
			if err := jr.Close(); err != nil {
				log.Warn("Failed to close journal", "path", jr.Path(), "error", err)
			}
		}()
		log.Info("Journaling results", "path", jr.Path(), "resume_seq", jr.LastSeq())
	}

	if err := p.Start(ctx); err != nil {
		return fmt.Errorf("failed to start pipeline: %w", err)
	}
	if hs != nil {
		hs.setServing(true)
	}

	statsDone := make(chan struct{})
	statsCtx, stopStats := context.WithCancel(ctx)
	if cfg.Pipeline.StatsFile != "" {
		go func() {
			defer close(statsDone)
			writeStatsLoop(statsCtx, p, snapshot.NewManager[pipeline.Stats](cfg.Pipeline.StatsFile),
				cfg.Pipeline.StatsInterval, cfg.Pipeline.StatsBackups)
		}()
	} else {
		close(statsDone)
	}

	runCtx := ctx
	if duration > 0 {
		var cancel context.CancelFunc
		runCtx, cancel = context.WithTimeout(ctx, duration)
		defer cancel()
	}

	emitted := 0
	for runCtx.Err() == nil {
		batch := p.WaitResults(runCtx, 64, 200*time.Millisecond)
		for _, r := range batch {
			emitted++
			log.Info("Result",
				"id", r.ID,
				"source", r.Source,
				"frame", r.FrameID,
				"track", r.Candidate.TrackID,
				"confidence", r.Candidate.Confidence)
		}
		if jr != nil && len(batch) > 0 {
			journalResults(jr, batch, cfg.Journal.MaxRecords)
		}
	}

	log.Info("Shutting down pipeline")
	if hs != nil {
		hs.setServing(false)
	}
	stopStats()
	<-statsDone
	p.Stop()

	fmt.Fprintf(out, "Pipeline stopped after %d results (%d dropped in queues)\n", emitted, p.Stats().TotalDropped())
	return nil
}

func journalResults(jr *journal.Journal, batch []*types.Result, maxRecords uint64) {
	if err := jr.Append(batch...); err != nil {
		log.Warn("Failed to journal results", "count", len(batch), "error", err)
		return
	}
	if maxRecords > 0 && jr.LastSeq() >= maxRecords {
		if _, err := jr.Rotate(); err != nil {
			log.Warn("Failed to rotate journal", "error", err)
		}
	}
}

// writeStatsLoop snapshots the pipeline stats every interval and once more
// on exit
func writeStatsLoop(ctx context.Context, p *pipeline.Orchestrator, sm *snapshot.Manager[pipeline.Stats], interval time.Duration, backups int) {
	write := func() {
		var err error
		if backups > 0 {
			err = sm.WriteWithBackup(p.Stats(), backups)
		} else {
			err = sm.Write(p.Stats())
		}
		if err != nil {
			log.Warn("Failed to write stats snapshot", "path", sm.GetPath(), "error", err)
		}
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			write()
			return
		case <-ticker.C:
			write()
		}
	}
}

func buildStatusCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show pipeline status",
		Long:  "Display the effective pipeline configuration after defaults",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(configFile)
			if err != nil {
				return fmt.Errorf("failed to load config: %w", err)
			}
			showStatus(cfg, cmd.OutOrStdout())
			return nil
		},
	}
	return cmd
}

func showStatus(cfg *Config, out io.Writer) {
	fmt.Fprintln(out, "\n╔═══════════════════════════════════════════════════════════╗")
	fmt.Fprintln(out, "║           Frameflow Pipeline Status                       ║")
	fmt.Fprintln(out, "╚═══════════════════════════════════════════════════════════╝")
	fmt.Fprintln(out)

	fmt.Fprintln(out, "📋 Configuration:")
	fmt.Fprintf(out, "  └─ Config File:     %s\n", configFile)
	fmt.Fprintf(out, "  └─ Pipeline:        %s\n", cfg.Pipeline.Name)
	fmt.Fprintf(out, "  └─ Sources:         %d\n", len(cfg.Sources))
	fmt.Fprintln(out)

	pc := cfg.pipelineConfig()
	fmt.Fprintln(out, "⚙️  Stages:")
	for _, kind := range stage.Kinds {
		sc := pc.Stages[kind].WithDefaults()
		batch := "dynamic"
		if sc.BatchSize > 0 {
			batch = fmt.Sprintf("pinned %d", sc.BatchSize)
		}
		devices := "cpu"
		if len(sc.Devices) > 0 {
			devices = fmt.Sprintf("gpu%v", sc.Devices)
		}
		fmt.Fprintf(out, "  ├─ %-9s workers=%d devices=%s batch=%s max=%d threshold=%d\n",
			kind, sc.Workers, devices, batch, sc.MaxBatch, sc.Threshold)
	}
	fmt.Fprintln(out)

	fmt.Fprintln(out, "📷 Sources:")
	for _, s := range cfg.Sources {
		p := s.policy()
		fmt.Fprintf(out, "  ├─ %s %dx%d@%.0ffps detect/%d track=%t extract=%t best_shot=%s\n",
			s.ID, s.Width, s.Height, s.FPS, p.DetectInterval, p.Tracking(), p.Extract, p.BestShotWindow)
	}
	fmt.Fprintln(out)

	if cfg.Pipeline.StatsFile != "" {
		showLiveStats(snapshot.NewManager[pipeline.Stats](cfg.Pipeline.StatsFile), out)
	}

	fmt.Fprintln(out, "📡 Endpoints:")
	if cfg.Metrics.Enabled {
		fmt.Fprintf(out, "  ├─ Metrics: ✅ Enabled on http://localhost:%d/metrics\n", cfg.Metrics.Port)
	} else {
		fmt.Fprintln(out, "  ├─ Metrics: ⚠️  Disabled")
	}
	if cfg.Health.Enabled {
		fmt.Fprintf(out, "  └─ Health:  ✅ gRPC on :%d\n", cfg.Health.Port)
	} else {
		fmt.Fprintln(out, "  └─ Health:  ⚠️  Disabled")
	}
	fmt.Fprintln(out)

	fmt.Fprintln(out, "═══════════════════════════════════════════════════════════")
}

func showLiveStats(sm *snapshot.Manager[pipeline.Stats], out io.Writer) {
	fmt.Fprintln(out, "📊 Last Stats Snapshot:")
	env, err := sm.Load()
	if err != nil {
		if errors.Is(err, snapshot.ErrSnapshotNotFound) {
			fmt.Fprintf(out, "  └─ ⚠️  none yet at %s\n\n", sm.GetPath())
		} else {
			fmt.Fprintf(out, "  └─ ❌ %v\n\n", err)
		}
		return
	}

	st := env.Data
	fmt.Fprintf(out, "  ├─ Taken:    %s (%s ago)\n", env.TakenAt.Format(time.RFC3339), time.Since(env.TakenAt).Round(time.Second))
	fmt.Fprintf(out, "  ├─ Sources:  %d\n", st.Sources)
	fmt.Fprintf(out, "  ├─ Buffered: %d results (%d dropped)\n", st.Results, st.ResultsDropped)
	for _, s := range st.Stages {
		fmt.Fprintf(out, "  ├─ %-9s queued=%d dropped=%d batch=%d workers=%d\n",
			s.Stage, s.Queued, s.Dropped, s.BatchSize, s.Workers)
	}
	fmt.Fprintf(out, "  └─ Dropped:  %d total\n\n", st.TotalDropped())
}
