package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/kylemclaren/taskfab/internal/engine"
	"github.com/kylemclaren/taskfab/internal/shadow"

	"github.com/spf13/viper"
)

// EnvPrefix prefixes the environment variables overriding settings, so that
// TASKFAB_ENGINE_LOST_AFTER sets engine.lost_after.
const EnvPrefix = "TASKFAB"

type Engine struct {
	Interval  time.Duration `mapstructure:"interval"`
	WarnAfter time.Duration `mapstructure:"warn_after"`
	LostAfter time.Duration `mapstructure:"lost_after"`
	Fairness  string        `mapstructure:"fairness"`
}

type Schedule struct {
	SyncInterval time.Duration `mapstructure:"sync_interval"`
}

// Settings are the server settings.
type Settings struct {
	DataDir     string        `mapstructure:"data_dir"`
	Definitions string        `mapstructure:"definitions"`
	Listen      string        `mapstructure:"listen"`
	Verbose     bool          `mapstructure:"verbose"`
	Engine      Engine        `mapstructure:"engine"`
	Shadow      shadow.Limits `mapstructure:"shadow"`
	Schedule    Schedule      `mapstructure:"schedule"`
}

// New returns a viper instance with every default set and environment
// overrides enabled.
func New() *viper.Viper {
	v := viper.New()
	SetDefaults(v)
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	return v
}

func SetDefaults(v *viper.Viper) {
	dataDir := ".taskfab"
	if home, err := os.UserHomeDir(); err == nil {
		dataDir = filepath.Join(home, ".taskfab")
	}
	v.SetDefault("data_dir", dataDir)
	v.SetDefault("definitions", "")
	v.SetDefault("listen", ":8080")
	v.SetDefault("verbose", false)
	v.SetDefault("engine.interval", 2*time.Second)
	v.SetDefault("engine.warn_after", 30*time.Second)
	v.SetDefault("engine.lost_after", 2*time.Minute)
	v.SetDefault("engine.fairness", string(engine.FairnessOldestFirst))
	v.SetDefault("shadow.max_done", 100)
	v.SetDefault("shadow.max_ok", 50)
	v.SetDefault("schedule.sync_interval", 10*time.Second)
}

// Load unmarshals and validates the settings held by v.
func Load(v *viper.Viper) (Settings, error) {
	var s Settings
	if err := v.Unmarshal(&s); err != nil {
		return Settings{}, fmt.Errorf("decoding settings: %w", err)
	}
	if s.Definitions == "" {
		s.Definitions = filepath.Join(s.DataDir, "definitions.yaml")
	}
	if err := s.Validate(); err != nil {
		return Settings{}, err
	}
	return s, nil
}

// Validate reports every invalid setting at once.
func (s Settings) Validate() error {
	var errs []error
	if s.DataDir == "" {
		errs = append(errs, errors.New("data_dir is required"))
	}
	if s.Listen == "" {
		errs = append(errs, errors.New("listen is required"))
	}
	for key, d := range map[string]time.Duration{
		"engine.interval":        s.Engine.Interval,
		"engine.warn_after":      s.Engine.WarnAfter,
		"engine.lost_after":      s.Engine.LostAfter,
		"schedule.sync_interval": s.Schedule.SyncInterval,
	} {
		if d <= 0 {
			errs = append(errs, fmt.Errorf("%s must be positive, got %s", key, d))
		}
	}
	if s.Engine.LostAfter <= s.Engine.WarnAfter {
		errs = append(errs, fmt.Errorf("engine.lost_after (%s) must exceed engine.warn_after (%s)", s.Engine.LostAfter, s.Engine.WarnAfter))
	}
	if _, err := engine.ParseFairness(s.Engine.Fairness); err != nil {
		errs = append(errs, fmt.Errorf("engine.fairness: %w", err))
	}
	if s.Shadow.MaxDone < 0 || s.Shadow.MaxOK < 0 {
		errs = append(errs, fmt.Errorf("shadow limits must not be negative, got max_done=%d max_ok=%d", s.Shadow.MaxDone, s.Shadow.MaxOK))
	}
	return errors.Join(errs...)
}

// DatabasePath is the SQLite file inside the data directory.
func (s Settings) DatabasePath() string {
	return filepath.Join(s.DataDir, "taskfab.db")
}

// EngineOptions turns the settings into engine options around store.
func (s Settings) EngineOptions(store engine.Store) engine.Options {
	fairness, _ := engine.ParseFairness(s.Engine.Fairness)
	return engine.Options{
		Store:     store,
		Fairness:  fairness,
		WarnAfter: s.Engine.WarnAfter,
		LostAfter: s.Engine.LostAfter,
		Shadow:    s.Shadow,
	}
}
