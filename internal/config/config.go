// Package config loads the hub configuration: defaults first, then the
// hubd.toml file, then HUBD_ environment overrides.
package config

import (
	"fmt"
	"os"
	"strings"

	"github.com/spf13/viper"

	"github.com/openclearing/hubd/internal/engine/clearing"
	"github.com/openclearing/hubd/internal/engine/drift"
	"github.com/openclearing/hubd/internal/engine/payment"
	"github.com/openclearing/hubd/internal/orchestrator"
	"github.com/openclearing/hubd/internal/router"
	"github.com/openclearing/hubd/internal/rpc"
	"github.com/openclearing/hubd/internal/storage"
)

// NodeConfig identifies the hub instance and its run mode.
type NodeConfig struct {
	Name string `mapstructure:"name"`
	// ScenarioFile is an optional scripted run.
	ScenarioFile string `mapstructure:"scenario_file"`
	// Standalone selects the in-memory store and journal.
	Standalone bool `mapstructure:"standalone"`
	Debug      bool `mapstructure:"debug"`
}

// BusConfig tunes the event bus and its journal.
type BusConfig struct {
	JournalDir       string `mapstructure:"journal_dir"`
	SubscriberBuffer int    `mapstructure:"subscriber_buffer"`
}

// Config is the complete hub configuration.
type Config struct {
	Node     NodeConfig          `mapstructure:"node"`
	Database storage.Config      `mapstructure:"database"`
	Router   router.Config       `mapstructure:"router"`
	Payment  payment.Config      `mapstructure:"payment"`
	Clearing clearing.Config     `mapstructure:"clearing"`
	Drift    drift.Config        `mapstructure:"drift"`
	Bus      BusConfig           `mapstructure:"bus"`
	Tick     orchestrator.Config `mapstructure:"tick"`
	Server   rpc.Config          `mapstructure:"server"`

	configPath string
}

// Path returns the file the config was loaded from, empty when running
// on defaults.
func (c *Config) Path() string { return c.configPath }

// LoadConfig loads configuration in priority order: defaults, the
// config file (optional; an explicit path that does not exist is an
// error), HUBD_ environment variables.
func LoadConfig(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	explicit := path != ""
	if !explicit {
		path = "hubd.toml"
	}
	if _, err := os.Stat(path); err == nil {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
		}
	} else if explicit {
		return nil, fmt.Errorf("config file does not exist: %s", path)
	} else {
		path = ""
	}

	v.SetEnvPrefix("HUBD")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	cfg.configPath = path

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}
	return &cfg, nil
}

// Validate checks the loaded configuration section by section.
func (c *Config) Validate() error {
	if !c.Node.Standalone {
		if err := c.Database.Validate(); err != nil {
			return err
		}
	}
	if c.Router.KMax <= 0 || c.Router.HopMax <= 0 {
		return fmt.Errorf("router k_max and hop_max must be positive")
	}
	if c.Payment.Deadline <= 0 {
		return fmt.Errorf("payment deadline must be positive")
	}
	if c.Clearing.CycleLenMax < 2 {
		return fmt.Errorf("clearing cycle_len_max must be at least 2")
	}
	if c.Clearing.DeepCycleLenMax < c.Clearing.CycleLenMax {
		return fmt.Errorf("clearing deep_cycle_len_max must not be below cycle_len_max")
	}
	if c.Drift.GrowthBps < 0 || c.Drift.DecayBps < 0 {
		return fmt.Errorf("drift basis points must not be negative")
	}
	if c.Drift.DecayBps > 10000 {
		return fmt.Errorf("drift decay_bps above 10000 would turn limits negative")
	}
	if c.Tick.TickInterval <= 0 {
		return fmt.Errorf("tick interval must be positive")
	}
	if c.Tick.TickBudget > c.Tick.TickInterval {
		return fmt.Errorf("tick budget cannot exceed the tick interval")
	}
	if c.Server.ListenAddr == "" {
		return fmt.Errorf("server listen_addr is required")
	}
	if !c.Node.Standalone && c.Bus.JournalDir == "" {
		return fmt.Errorf("bus journal_dir is required outside standalone mode")
	}
	return nil
}
