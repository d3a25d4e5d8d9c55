package cli

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/ChuLiYu/frameflow/internal/inference/sim"
	"github.com/ChuLiYu/frameflow/internal/pipeline"
	"github.com/ChuLiYu/frameflow/internal/stage"
	"github.com/ChuLiYu/frameflow/internal/storage/journal"
	"github.com/ChuLiYu/frameflow/pkg/types"
)

// Config represents the complete system configuration structure
// Maps config file fields through YAML tags
type Config struct {
	Pipeline struct {
		Name               string        `yaml:"name"`
		OutputCapacity     int           `yaml:"output_capacity"`
		PullInterval       time.Duration `yaml:"pull_interval"`
		CachePollInterval  time.Duration `yaml:"cache_poll_interval"`
		AttributeCacheSize int           `yaml:"attribute_cache_size"`
		AttributeCacheTTL  time.Duration `yaml:"attribute_cache_ttl"`
		StatsFile          string        `yaml:"stats_file"`
		StatsInterval      time.Duration `yaml:"stats_interval"`
		StatsBackups       int           `yaml:"stats_backups"`
	} `yaml:"pipeline"`

	Stages map[string]StageConfig `yaml:"stages"`

	Engine struct {
		Latency       time.Duration `yaml:"latency"`
		Jitter        time.Duration `yaml:"jitter"`
		FailRate      float64       `yaml:"fail_rate"`
		FacesPerFrame int           `yaml:"faces_per_frame"`
		Seed          int64         `yaml:"seed"`
	} `yaml:"engine"`

	Sources []SourceConfig `yaml:"sources"`

	Journal struct {
		Enabled         bool          `yaml:"enabled"`
		Path            string        `yaml:"path"`
		SyncOnAppend    bool          `yaml:"sync_on_append"`
		BufferSize      int           `yaml:"buffer_size"`
		FlushInterval   time.Duration `yaml:"flush_interval"`
		MaxRecords      uint64        `yaml:"max_records"` // rotate after this many, 0 never
		CompressRotated bool          `yaml:"compress_rotated"`
	} `yaml:"journal"`

	Metrics struct {
		Enabled bool `yaml:"enabled"`
		Port    int  `yaml:"port"`
	} `yaml:"metrics"`

	Health struct {
		Enabled bool `yaml:"enabled"`
		Port    int  `yaml:"port"`
	} `yaml:"health"`
}

// StageConfig is the YAML form of stage.Config
type StageConfig struct {
	Workers        int           `yaml:"workers"`
	Devices        []int         `yaml:"devices"`
	BatchSize      int           `yaml:"batch_size"`
	MaxBatch       int           `yaml:"max_batch"`
	MinReady       int           `yaml:"min_ready"`
	Threshold      int           `yaml:"threshold"`
	FetchTimeout   time.Duration `yaml:"fetch_timeout"`
	OverflowWindow time.Duration `yaml:"overflow_window"`
}

// SourceConfig describes one synthetic camera
type SourceConfig struct {
	ID         string       `yaml:"id"`
	Width      int          `yaml:"width"`
	Height     int          `yaml:"height"`
	FPS        float64      `yaml:"fps"`
	Policy     types.Policy `yaml:"policy"`
	Attributes []string     `yaml:"attributes"`
}

var (
	errNoSources = errors.New("no sources configured")
)

var attributeNames = map[string]types.AttributeFlags{
	"glasses":    types.AttrGlasses,
	"mask":       types.AttrMask,
	"age":        types.AttrAge,
	"ethnicity":  types.AttrEthnicity,
	"brightness": types.AttrBrightness,
	"clarity":    types.AttrClarity,
}

func parseAttributes(names []string) (types.AttributeFlags, error) {
	var flags types.AttributeFlags
	for _, n := range names {
		f, ok := attributeNames[strings.ToLower(strings.TrimSpace(n))]
		if !ok {
			return 0, fmt.Errorf("unknown attribute %q", n)
		}
		flags |= f
	}
	return flags, nil
}

func loadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config YAML: %w", err)
	}

	cfg.applyDefaults()
	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return &cfg, nil
}

func (c *Config) applyDefaults() {
	if c.Pipeline.Name == "" {
		c.Pipeline.Name = "frameflow"
	}
	if c.Pipeline.StatsFile != "" && c.Pipeline.StatsInterval == 0 {
		c.Pipeline.StatsInterval = 5 * time.Second
	}
	if c.Journal.Path == "" {
		c.Journal.Path = "results.journal"
	}
	if c.Metrics.Port == 0 {
		c.Metrics.Port = 9090
	}
	if c.Health.Port == 0 {
		c.Health.Port = 50051
	}
	if c.Engine.FacesPerFrame == 0 {
		c.Engine.FacesPerFrame = 1
	}
	for i := range c.Sources {
		s := &c.Sources[i]
		if s.Width == 0 {
			s.Width = 640
		}
		if s.Height == 0 {
			s.Height = 480
		}
		if s.FPS == 0 {
			s.FPS = 25
		}
		if s.Policy.DetectInterval == 0 {
			s.Policy.DetectInterval = 1
		}
	}
}

func (c *Config) validate() error {
	for name, sc := range c.Stages {
		if _, err := stage.ParseKind(name); err != nil {
			return err
		}
		if sc.Workers < 0 {
			return fmt.Errorf("stage %s: negative worker count %d", name, sc.Workers)
		}
		eff := sc.toStage().WithDefaults()
		if eff.Threshold > 0 && eff.Threshold < eff.MaxBatch {
			return fmt.Errorf("stage %s: threshold %d below max batch %d", name, eff.Threshold, eff.MaxBatch)
		}
	}

	if c.Pipeline.StatsInterval < 0 {
		return fmt.Errorf("pipeline stats_interval %s is negative", c.Pipeline.StatsInterval)
	}
	if c.Engine.FailRate < 0 || c.Engine.FailRate > 1 {
		return fmt.Errorf("engine fail_rate %v outside [0,1]", c.Engine.FailRate)
	}

	seen := make(map[string]bool)
	for i, s := range c.Sources {
		if s.ID == "" {
			return fmt.Errorf("source %d: missing id", i)
		}
		if seen[s.ID] {
			return fmt.Errorf("source %s: duplicate id", s.ID)
		}
		seen[s.ID] = true
		if _, err := parseAttributes(s.Attributes); err != nil {
			return fmt.Errorf("source %s: %w", s.ID, err)
		}
	}
	return nil
}

func (s StageConfig) toStage() stage.Config {
	return stage.Config{
		Workers:        s.Workers,
		Devices:        s.Devices,
		BatchSize:      s.BatchSize,
		MaxBatch:       s.MaxBatch,
		MinReady:       s.MinReady,
		Threshold:      s.Threshold,
		FetchTimeout:   s.FetchTimeout,
		OverflowWindow: s.OverflowWindow,
	}
}

// pipelineConfig maps the YAML config onto pipeline.Config
func (c *Config) pipelineConfig() pipeline.Config {
	stages := make(map[stage.Kind]stage.Config, len(c.Stages))
	for name, sc := range c.Stages {
		kind, err := stage.ParseKind(name)
		if err != nil {
			continue
		}
		stages[kind] = sc.toStage()
	}
	return pipeline.Config{
		Name:               c.Pipeline.Name,
		Stages:             stages,
		OutputCapacity:     c.Pipeline.OutputCapacity,
		PullInterval:       c.Pipeline.PullInterval,
		Cache:              stage.CacheOptions{PollInterval: c.Pipeline.CachePollInterval},
		AttributeCacheSize: c.Pipeline.AttributeCacheSize,
		AttributeCacheTTL:  c.Pipeline.AttributeCacheTTL,
	}
}

func (c *Config) journalOptions() journal.Options {
	return journal.Options{
		SyncOnAppend:    c.Journal.SyncOnAppend,
		BufferSize:      c.Journal.BufferSize,
		FlushInterval:   c.Journal.FlushInterval,
		CompressRotated: c.Journal.CompressRotated,
	}
}

func (c *Config) engineConfig() sim.Config {
	return sim.Config{
		Latency:       c.Engine.Latency,
		Jitter:        c.Engine.Jitter,
		FailRate:      c.Engine.FailRate,
		FacesPerFrame: c.Engine.FacesPerFrame,
		Seed:          c.Engine.Seed,
	}
}

// policy returns the source policy with its attribute names resolved
func (s SourceConfig) policy() types.Policy {
	p := s.Policy
	p.Attributes, _ = parseAttributes(s.Attributes)
	return p
}
