// Package config loads rollq settings from JSONC files and CLI overrides.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/go-json-experiment/json"
	"github.com/go-json-experiment/json/jsontext"
	"github.com/rs/zerolog"
	"github.com/tailscale/hujson"

	"github.com/calvinalkan/rollq/pkg/queue"
	"github.com/calvinalkan/rollq/pkg/rollcycle"
)

// FileName is the project config file looked up in the working directory.
const FileName = ".rollq.json"

// NoCPU disables CPU pinning.
const NoCPU = -1

// Error variables for configuration loading.
var (
	ErrConfigFileNotFound = errors.New("config file not found")
	ErrConfigFileRead     = errors.New("cannot read config file")
	ErrConfigInvalid      = errors.New("invalid config")
	ErrDirEmpty           = errors.New("dir cannot be empty")
)

// Config holds the tunables of the pretoucher and the settings of the
// publish harness.
type Config struct {
	Dir                   string  `json:"dir"`
	RollCycle             string  `json:"roll_cycle"`
	BlockSize             int64   `json:"block_size"`
	EarlyAcquireNextCycle bool    `json:"early_acquire_next_cycle"`
	PretouchPrerollMs     int64   `json:"pretouch_preroll_ms"`
	PublishRateMB         float64 `json:"publish_rate_mb"`
	StageCount            int     `json:"stage_count"`
	CPU                   int     `json:"cpu"`
	LogLevel              string  `json:"log_level"`

	// DirAbs is Dir resolved against the working directory.
	DirAbs string `json:"-"`

	// Sources tracks which config files were loaded (for diagnostics).
	Sources Sources `json:"-"`
}

// Sources tracks which config files were loaded.
type Sources struct {
	Global  string // Path to global config if loaded, empty otherwise
	Project string // Path to project or explicit config if loaded, empty otherwise
}

// Default returns the default configuration.
func Default() Config {
	return Config{
		Dir:               "rollq-data",
		RollCycle:         rollcycle.Minutely.Name(),
		BlockSize:         queue.DefaultBlockSize,
		PretouchPrerollMs: 100,
		PublishRateMB:     10,
		StageCount:        1,
		CPU:               NoCPU,
		LogLevel:          "info",
	}
}

// fileConfig is one config file. Pointers distinguish absent fields from
// explicit zero values.
type fileConfig struct {
	Dir                   *string  `json:"dir"`
	RollCycle             *string  `json:"roll_cycle"`
	BlockSize             *int64   `json:"block_size"`
	EarlyAcquireNextCycle *bool    `json:"early_acquire_next_cycle"`
	PretouchPrerollMs     *int64   `json:"pretouch_preroll_ms"`
	PublishRateMB         *float64 `json:"publish_rate_mb"`
	StageCount            *int     `json:"stage_count"`
	CPU                   *int     `json:"cpu"`
	LogLevel              *string  `json:"log_level"`
}

// Overrides are CLI flag values; nil fields were not given.
type Overrides = fileConfig

// LoadInput holds the inputs for [Load].
type LoadInput struct {
	WorkDir    string            // if empty, os.Getwd() is used
	ConfigPath string            // --config flag value
	Overrides  Overrides         // CLI flags
	Env        map[string]string // environment variables
}

// Load loads configuration with the following precedence (highest wins):
// 1. Defaults
// 2. Global user config ($XDG_CONFIG_HOME/rollq/config.json or ~/.config/rollq/config.json)
// 3. Project config at .rollq.json, or the explicit --config file instead
// 4. CLI overrides.
func Load(input LoadInput) (Config, error) {
	workDir := input.WorkDir
	if workDir == "" {
		var err error

		workDir, err = os.Getwd()
		if err != nil {
			return Config{}, fmt.Errorf("cannot get working directory: %w", err)
		}
	}

	cfg := Default()

	globalPath := globalConfigPath(input.Env)
	if globalPath != "" {
		globalCfg, loaded, err := loadFile(globalPath, false)
		if err != nil {
			return Config{}, err
		}

		if loaded {
			cfg = merge(cfg, globalCfg)
			cfg.Sources.Global = globalPath
		}
	}

	projectPath := filepath.Join(workDir, FileName)
	mustExist := false

	if input.ConfigPath != "" {
		projectPath = input.ConfigPath
		if !filepath.IsAbs(projectPath) {
			projectPath = filepath.Join(workDir, projectPath)
		}

		mustExist = true
	}

	projectCfg, loaded, err := loadFile(projectPath, mustExist)
	if err != nil {
		return Config{}, err
	}

	if loaded {
		cfg = merge(cfg, projectCfg)
		cfg.Sources.Project = projectPath
	}

	cfg = merge(cfg, input.Overrides)

	err = cfg.Validate()
	if err != nil {
		return Config{}, err
	}

	if filepath.IsAbs(cfg.Dir) {
		cfg.DirAbs = cfg.Dir
	} else {
		cfg.DirAbs = filepath.Join(workDir, cfg.Dir)
	}

	return cfg, nil
}

// globalConfigPath returns $XDG_CONFIG_HOME/rollq/config.json if set,
// otherwise ~/.config/rollq/config.json, or "" without a home directory.
func globalConfigPath(env map[string]string) string {
	if xdg := env["XDG_CONFIG_HOME"]; xdg != "" {
		return filepath.Join(xdg, "rollq", "config.json")
	}

	if home := env["HOME"]; home != "" {
		return filepath.Join(home, ".config", "rollq", "config.json")
	}

	return ""
}

func loadFile(path string, mustExist bool) (fileConfig, bool, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			if mustExist {
				return fileConfig{}, false, fmt.Errorf("%w: %s", ErrConfigFileNotFound, path)
			}

			return fileConfig{}, false, nil
		}

		return fileConfig{}, false, fmt.Errorf("%w %s: %w", ErrConfigFileRead, path, err)
	}

	cfg, err := parse(data)
	if err != nil {
		return fileConfig{}, false, fmt.Errorf("%w %s: %w", ErrConfigInvalid, path, err)
	}

	if cfg.Dir != nil && *cfg.Dir == "" {
		return fileConfig{}, false, fmt.Errorf("%w %s: %w", ErrConfigInvalid, path, ErrDirEmpty)
	}

	return cfg, true, nil
}

func parse(data []byte) (fileConfig, error) {
	standardized, err := hujson.Standardize(data)
	if err != nil {
		return fileConfig{}, fmt.Errorf("invalid JSONC: %w", err)
	}

	var cfg fileConfig

	err = json.Unmarshal(standardized, &cfg, json.RejectUnknownMembers(true))
	if err != nil {
		return fileConfig{}, fmt.Errorf("invalid JSON: %w", err)
	}

	return cfg, nil
}

func merge(base Config, overlay fileConfig) Config {
	if overlay.Dir != nil {
		base.Dir = *overlay.Dir
	}

	if overlay.RollCycle != nil {
		base.RollCycle = *overlay.RollCycle
	}

	if overlay.BlockSize != nil {
		base.BlockSize = *overlay.BlockSize
	}

	if overlay.EarlyAcquireNextCycle != nil {
		base.EarlyAcquireNextCycle = *overlay.EarlyAcquireNextCycle
	}

	if overlay.PretouchPrerollMs != nil {
		base.PretouchPrerollMs = *overlay.PretouchPrerollMs
	}

	if overlay.PublishRateMB != nil {
		base.PublishRateMB = *overlay.PublishRateMB
	}

	if overlay.StageCount != nil {
		base.StageCount = *overlay.StageCount
	}

	if overlay.CPU != nil {
		base.CPU = *overlay.CPU
	}

	if overlay.LogLevel != nil {
		base.LogLevel = *overlay.LogLevel
	}

	return base
}

// WithOverrides returns c with the non-nil fields of o applied, validated.
// Commands use it for flags that are only defined on one subcommand.
func (c Config) WithOverrides(o Overrides) (Config, error) {
	merged := merge(c, o)

	err := merged.Validate()
	if err != nil {
		return Config{}, err
	}

	return merged, nil
}

// Validate checks value ranges. Block size alignment is checked by
// queue.Open, which knows the page size.
func (c Config) Validate() error {
	var errs []error

	if c.Dir == "" {
		errs = append(errs, ErrDirEmpty)
	}

	if _, err := rollcycle.ByName(c.RollCycle); err != nil {
		errs = append(errs, err)
	}

	if c.BlockSize <= 0 {
		errs = append(errs, fmt.Errorf("block_size %d must be positive", c.BlockSize))
	}

	if c.PretouchPrerollMs < 0 {
		errs = append(errs, fmt.Errorf("pretouch_preroll_ms %d must not be negative", c.PretouchPrerollMs))
	}

	if c.PublishRateMB <= 0 {
		errs = append(errs, fmt.Errorf("publish_rate_mb %g must be positive", c.PublishRateMB))
	}

	if c.StageCount < 0 {
		errs = append(errs, fmt.Errorf("stage_count %d must not be negative", c.StageCount))
	}

	if c.CPU < NoCPU {
		errs = append(errs, fmt.Errorf("cpu %d must be %d (none) or a CPU index", c.CPU, NoCPU))
	}

	if _, err := zerolog.ParseLevel(c.LogLevel); err != nil {
		errs = append(errs, fmt.Errorf("log_level: %w", err))
	}

	if len(errs) > 0 {
		return fmt.Errorf("%w: %w", ErrConfigInvalid, errors.Join(errs...))
	}

	return nil
}

// Format renders c as indented JSON, as it would appear in a config file.
func Format(c Config) (string, error) {
	out, err := json.Marshal(c, jsontext.WithIndent("  "))
	if err != nil {
		return "", fmt.Errorf("format config: %w", err)
	}

	return string(out), nil
}

// PretouchConfig returns the pretoucher tunables.
func (c Config) PretouchConfig() queue.PretouchConfig {
	return queue.PretouchConfig{
		EarlyAcquireNextCycle: c.EarlyAcquireNextCycle,
		PrerollTime:           time.Duration(c.PretouchPrerollMs) * time.Millisecond,
	}
}

// Level returns the parsed log level. Config must be valid.
func (c Config) Level() zerolog.Level {
	level, err := zerolog.ParseLevel(c.LogLevel)
	if err != nil {
		return zerolog.InfoLevel
	}

	return level
}

// QueueRollCycle returns the parsed roll cycle. Config must be valid.
func (c Config) QueueRollCycle() rollcycle.RollCycle {
	rc, err := rollcycle.ByName(c.RollCycle)
	if err != nil {
		return rollcycle.Minutely
	}

	return rc
}
