package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
)

type Config struct {
	Version       int           `toml:"version"`
	Project       Project       `toml:"project"`
	Feeds         Feeds         `toml:"feeds"`
	DB            Database      `toml:"db"`
	Watch         Watch         `toml:"watch"`
	Exclude       Exclude       `toml:"exclude"`
	Resolver      Resolver      `toml:"resolver"`
	Observability Observability `toml:"observability"`
}

type Project struct {
	Name string `toml:"name"`
	Root string `toml:"root"`
}

// Feeds names the collaborator inputs: a mirrored directory of per-file fact
// bundles plus NDJSON files for modules, stubs and runtime signals.
type Feeds struct {
	FactsDir    string `toml:"facts_dir"`
	ModulesFile string `toml:"modules_file"`
	StubsFile   string `toml:"stubs_file"`
	RuntimeFile string `toml:"runtime_file"`
}

type Database struct {
	Enabled     bool          `toml:"enabled"`
	Path        string        `toml:"path"`
	BusyTimeout time.Duration `toml:"busy_timeout"`
}

type Watch struct {
	Enabled  bool          `toml:"enabled"`
	Debounce time.Duration `toml:"debounce"`
	Paths    []string      `toml:"paths"`
	// MinInterval rate-limits resolution passes under event storms.
	MinInterval time.Duration `toml:"min_interval"`
}

type Exclude struct {
	Dirs  []string `toml:"dirs"`
	Files []string `toml:"files"`
}

type Resolver struct {
	// TypeDepth bounds the environment/dispatch mutual recursion.
	TypeDepth int `toml:"type_depth"`
	// ConfidenceSplit picks the ambiguous-dispatch scoring rule. "even" is
	// the 1/n split; "flat" scores every ambiguous edge 0.5.
	ConfidenceSplit  string   `toml:"confidence_split"`
	MaxRTAIterations int      `toml:"max_rta_iterations"`
	EntryPoints      []string `toml:"entry_points"`
	AllocationHints  []string `toml:"allocation_hints"`
}

type Observability struct {
	MetricsAddr  string `toml:"metrics_addr"`
	OTLPEndpoint string `toml:"otlp_endpoint"`
}

func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	var cfg Config
	if _, err := toml.Decode(string(data), &cfg); err != nil {
		return nil, err
	}

	applyDefaults(&cfg)

	if err := validate(&cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Default returns the configuration used when no file is present.
func Default() *Config {
	cfg := &Config{}
	applyDefaults(cfg)
	return cfg
}

func applyDefaults(cfg *Config) {
	if cfg.Version == 0 {
		cfg.Version = 1
	}
	if strings.TrimSpace(cfg.Project.Root) == "" {
		cfg.Project.Root = "."
	}
	if strings.TrimSpace(cfg.Feeds.FactsDir) == "" {
		cfg.Feeds.FactsDir = "data/facts"
	}
	if strings.TrimSpace(cfg.Feeds.ModulesFile) == "" {
		cfg.Feeds.ModulesFile = "data/modules.ndjson"
	}
	if strings.TrimSpace(cfg.Feeds.StubsFile) == "" {
		cfg.Feeds.StubsFile = "data/stubs.ndjson"
	}

	if strings.TrimSpace(cfg.DB.Path) == "" {
		cfg.DB.Path = "semlink.db"
	}
	if cfg.DB.BusyTimeout <= 0 {
		cfg.DB.BusyTimeout = 5 * time.Second
	}

	if cfg.Watch.Debounce == 0 {
		cfg.Watch.Debounce = 500 * time.Millisecond
	}
	if cfg.Watch.MinInterval == 0 {
		cfg.Watch.MinInterval = time.Second
	}
	if len(cfg.Watch.Paths) == 0 {
		cfg.Watch.Paths = []string{"."}
	}
	if len(cfg.Exclude.Dirs) == 0 {
		cfg.Exclude.Dirs = []string{".git", "target", "build", "node_modules"}
	}

	if cfg.Resolver.TypeDepth <= 0 {
		cfg.Resolver.TypeDepth = 3
	}
	if strings.TrimSpace(cfg.Resolver.ConfidenceSplit) == "" {
		cfg.Resolver.ConfidenceSplit = "even"
	}
}

func validate(cfg *Config) error {
	if cfg.Version != 1 {
		return fmt.Errorf("unsupported config version %d; only version 1 is supported", cfg.Version)
	}
	switch cfg.Resolver.ConfidenceSplit {
	case "even", "flat":
	default:
		return fmt.Errorf("confidence_split must be %q or %q, got %q", "even", "flat", cfg.Resolver.ConfidenceSplit)
	}
	if cfg.Resolver.MaxRTAIterations < 0 {
		return fmt.Errorf("max_rta_iterations must be >= 0, got %d", cfg.Resolver.MaxRTAIterations)
	}
	if cfg.Watch.Debounce < 0 {
		return fmt.Errorf("watch debounce must be positive, got %s", cfg.Watch.Debounce)
	}
	return nil
}

// Score returns the ambiguous-dispatch scoring function selected by
// ConfidenceSplit.
func (r Resolver) Score() func(targets int) float64 {
	if r.ConfidenceSplit == "flat" {
		return func(targets int) float64 {
			if targets <= 1 {
				return 1.0
			}
			return 0.5
		}
	}
	return nil // resolver default, the even split
}
