package cli

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/mehmetymw/cdclab/internal/bus"
	"github.com/mehmetymw/cdclab/internal/config"
	"github.com/mehmetymw/cdclab/internal/pipeline"
	"github.com/mehmetymw/cdclab/internal/sink/kafka"
	"github.com/mehmetymw/cdclab/internal/sink/ndjson"
	"github.com/mehmetymw/cdclab/internal/source/postgres"
	"github.com/mehmetymw/cdclab/internal/types"
)

type RunOptions struct {
	*RootOptions
	Serve bool
}

func NewRunCommand(root *RootOptions) *cobra.Command {
	opts := &RunOptions{RootOptions: root}
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run a scenario through every enabled capture lane",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runScenario(cmd.Context(), opts, cmd.OutOrStdout())
		},
	}
	cmd.Flags().BoolVar(&opts.Serve, "serve", false, "keep serving /healthz and /report after the run")
	return cmd
}

func loadConfig(path string) (config.Config, error) {
	if path != "" {
		return config.Load(path)
	}
	return config.LoadFromEnv()
}

func runScenario(ctx context.Context, opts *RunOptions, out io.Writer) error {
	if ctx == nil {
		ctx = context.Background()
	}
	logger, err := newLogger(opts.Verbose)
	if err != nil {
		return fmt.Errorf("logger: %w", err)
	}
	defer logger.Sync()

	cfg, err := loadConfig(opts.Config)
	if err != nil {
		return err
	}
	logger.Info("Configuration loaded",
		zap.String("scenario", cfg.Scenario.Name),
		zap.Int("ops", len(cfg.Scenario.Ops)),
		zap.String("sink_type", cfg.Sink.Type),
		zap.String("source_type", cfg.Source.Type))

	if err := loadSeedRows(ctx, &cfg, logger); err != nil {
		return err
	}

	var plOpts []pipeline.Option
	sink, err := newSink(cfg.Sink, logger)
	if err != nil {
		return err
	}
	if sink != nil {
		plOpts = append(plOpts, pipeline.WithSinks(sink))
	}
	if cfg.OffsetStore != "" {
		saver, err := pipeline.NewFileOffsetSaver(cfg.OffsetStore, logger)
		if err != nil {
			return err
		}
		plOpts = append(plOpts, pipeline.WithOffsetSaver(saver))
	}

	lanes := pipeline.BuildLanes(cfg, bus.New(logger), logger)
	pl := pipeline.NewPipeline(lanes, cfg.Scenario, cfg.Batching, logger, plOpts...)
	defer pl.Close()

	if err := pl.Run(ctx); err != nil {
		return fmt.Errorf("run: %w", err)
	}
	if err := writeReports(out, opts.Format, pl.Reports()); err != nil {
		return err
	}
	if opts.Serve {
		return serve(cfg.HTTP.Addr, pl, logger)
	}
	return nil
}

func loadSeedRows(ctx context.Context, cfg *config.Config, logger *zap.Logger) error {
	if cfg.Source.Type != "postgres" {
		return nil
	}
	pg := cfg.Source.Postgres
	loader, err := postgres.Connect(ctx, pg.DSN, pg.IDColumn, logger)
	if err != nil {
		return fmt.Errorf("postgres source: %w", err)
	}
	defer loader.Close(ctx)

	tables := pg.Tables
	if len(tables) == 0 {
		tables = cfg.Scenario.Tables
	}
	rows, err := loader.Load(ctx, tables)
	if err != nil {
		return fmt.Errorf("postgres source: %w", err)
	}
	cfg.Scenario.SeedRows = append(cfg.Scenario.SeedRows, rows...)
	return nil
}

func newSink(sc config.SinkConfig, logger *zap.Logger) (types.Sink, error) {
	switch sc.Type {
	case "", "none":
		return nil, nil
	case "kafka":
		return kafka.New(sc.Kafka.Brokers, sc.Kafka.Topic, logger)
	case "ndjson":
		return ndjson.New(sc.NDJSON.Path, logger)
	}
	return nil, fmt.Errorf("unknown sink type %q", sc.Type)
}

func writeReports(w io.Writer, format string, reports []pipeline.Report) error {
	if format == "json" {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(reports)
	}
	for _, r := range reports {
		m := r.Metrics
		fmt.Fprintf(w, "%-8s state=%s produced=%d consumed=%d backlog=%d lag_p50=%.1fms lag_p95=%.1fms\n",
			r.Method, r.State, m.Produced, m.Consumed, m.Backlog, m.LagP50, m.LagP95)
		fmt.Fprintf(w, "         missed_deletes=%d write_amplification=%.2f snapshot_rows=%d errors=%d\n",
			m.MissedDeletes, m.WriteAmplification, m.SnapshotRows, m.Errors)
		d := r.Diff
		fmt.Fprintf(w, "         missing=%d extra=%d ordering=%d max_lag=%dms\n",
			d.Totals.Missing, d.Totals.Extra, d.Totals.Ordering, d.Lag.Max)
	}
	return nil
}

func serve(addr string, pl *pipeline.Pipeline, logger *zap.Logger) error {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, pl.Status())
	})
	mux.HandleFunc("/report", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, pl.Reports())
	})
	server := &http.Server{Addr: addr, Handler: mux}
	logger.Info("Starting HTTP server", zap.String("addr", addr))
	go func() {
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("HTTP server failed", zap.Error(err))
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("Shutting down HTTP server")
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return server.Shutdown(ctx)
}

func writeJSON(w http.ResponseWriter, v any) {
	b, _ := json.Marshal(v)
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	w.Write(b)
}
