package config

import (
	"errors"
	"fmt"
	"os"
	"sort"

	"github.com/jackc/pglogrepl"
	"gopkg.in/yaml.v3"

	"github.com/mehmetymw/cdclab/internal/capture"
	"github.com/mehmetymw/cdclab/internal/types"
)

var ErrNoConfigPath = errors.New("CONFIG_PATH is not set")

type PollingLane struct {
	Enabled            bool  `yaml:"enabled"`
	PollIntervalMs     int64 `yaml:"poll_interval_ms"`
	IncludeSoftDeletes bool  `yaml:"include_soft_deletes"`
}

type TriggerLane struct {
	Enabled           bool  `yaml:"enabled"`
	ExtractIntervalMs int64 `yaml:"extract_interval_ms"`
	TriggerOverheadMs int64 `yaml:"trigger_overhead_ms"`
}

type LogLane struct {
	Enabled         bool   `yaml:"enabled"`
	FetchIntervalMs int64  `yaml:"fetch_interval_ms"`
	StartLSN        string `yaml:"start_lsn"`
}

type Lanes struct {
	Polling PollingLane `yaml:"polling"`
	Trigger TriggerLane `yaml:"trigger"`
	Log     LogLane     `yaml:"log"`
}

type Batching struct {
	BatchSize int   `yaml:"batch_size"`
	StepMs    int64 `yaml:"step_ms"`
}

type Scenario struct {
	Name            string           `yaml:"name"`
	Seed            int64            `yaml:"seed"`
	DurationMs      int64            `yaml:"duration_ms"`
	SnapshotDelayMs int64            `yaml:"snapshot_delay_ms"`
	Tables          []string         `yaml:"tables"`
	SeedRows        []types.SeedRow  `yaml:"seed_rows"`
	Ops             []types.SourceOp `yaml:"ops"`
}

type KafkaSink struct {
	Brokers []string `yaml:"brokers"`
	Topic   string   `yaml:"topic"`
}

type NDJSONSink struct {
	Path string `yaml:"path"`
}

type SinkConfig struct {
	Type   string     `yaml:"type"`
	Kafka  KafkaSink  `yaml:"kafka"`
	NDJSON NDJSONSink `yaml:"ndjson"`
}

type PostgresSource struct {
	DSN      string   `yaml:"dsn"`
	Tables   []string `yaml:"tables"`
	IDColumn string   `yaml:"id_column"`
}

type SourceConfig struct {
	Type     string         `yaml:"type"`
	Postgres PostgresSource `yaml:"postgres"`
}

type HTTPConfig struct {
	Addr string `yaml:"addr"`
}

type Config struct {
	Lanes       Lanes        `yaml:"lanes"`
	Batching    Batching     `yaml:"batching"`
	Scenario    Scenario     `yaml:"scenario"`
	Sink        SinkConfig   `yaml:"sink"`
	Source      SourceConfig `yaml:"source"`
	HTTP        HTTPConfig   `yaml:"http"`
	OffsetStore string       `yaml:"offset_store"`
}

func LoadFromEnv() (Config, error) {
	path := os.Getenv("CONFIG_PATH")
	if path == "" {
		return Config{}, ErrNoConfigPath
	}
	return Load(path)
}

func Load(path string) (Config, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("read config: %w", err)
	}
	return Parse(b)
}

func Parse(b []byte) (Config, error) {
	var c Config
	if err := yaml.Unmarshal(b, &c); err != nil {
		return Config{}, fmt.Errorf("parse config: %w", err)
	}
	if err := c.applyDefaults(); err != nil {
		return Config{}, err
	}
	return c, nil
}

func (c *Config) applyDefaults() error {
	if !c.Lanes.Polling.Enabled && !c.Lanes.Trigger.Enabled && !c.Lanes.Log.Enabled {
		c.Lanes.Polling.Enabled = true
		c.Lanes.Trigger.Enabled = true
		c.Lanes.Log.Enabled = true
	}
	if c.Lanes.Polling.PollIntervalMs == 0 {
		c.Lanes.Polling.PollIntervalMs = capture.DefaultPollIntervalMs
	}
	if c.Lanes.Trigger.ExtractIntervalMs == 0 {
		c.Lanes.Trigger.ExtractIntervalMs = capture.DefaultExtractIntervalMs
	}
	if c.Lanes.Trigger.TriggerOverheadMs == 0 {
		c.Lanes.Trigger.TriggerOverheadMs = capture.DefaultTriggerOverheadMs
	}
	if c.Lanes.Log.FetchIntervalMs == 0 {
		c.Lanes.Log.FetchIntervalMs = capture.DefaultFetchIntervalMs
	}
	if c.Lanes.Log.StartLSN != "" {
		if _, err := pglogrepl.ParseLSN(c.Lanes.Log.StartLSN); err != nil {
			return fmt.Errorf("lanes.log.start_lsn: %w", err)
		}
	}
	if c.Batching.BatchSize <= 0 {
		c.Batching.BatchSize = 64
	}
	if c.Batching.StepMs <= 0 {
		c.Batching.StepMs = 10
	}
	sort.SliceStable(c.Scenario.Ops, func(i, j int) bool {
		return c.Scenario.Ops[i].LogicalTime < c.Scenario.Ops[j].LogicalTime
	})
	if c.Scenario.DurationMs <= 0 {
		var last int64
		for _, op := range c.Scenario.Ops {
			if op.LogicalTime > last {
				last = op.LogicalTime
			}
		}
		c.Scenario.DurationMs = last
	}
	if c.Sink.Type == "" {
		c.Sink.Type = "none"
	}
	if c.Source.Type == "" {
		c.Source.Type = "none"
	}
	if c.Source.Postgres.IDColumn == "" {
		c.Source.Postgres.IDColumn = "id"
	}
	if c.HTTP.Addr == "" {
		c.HTTP.Addr = ":8080"
	}
	return nil
}

func (l PollingLane) Options() capture.PollingOptions {
	return capture.PollingOptions{PollIntervalMs: l.PollIntervalMs, IncludeSoftDeletes: l.IncludeSoftDeletes}
}

func (l TriggerLane) Options() capture.TriggerOptions {
	return capture.TriggerOptions{ExtractIntervalMs: l.ExtractIntervalMs, TriggerOverheadMs: l.TriggerOverheadMs}
}

// Options converts the lane config. StartLSN was validated at load time.
func (l LogLane) Options() capture.LogOptions {
	opts := capture.LogOptions{FetchIntervalMs: l.FetchIntervalMs}
	if l.StartLSN != "" {
		opts.StartLSN, _ = pglogrepl.ParseLSN(l.StartLSN)
	}
	return opts
}
