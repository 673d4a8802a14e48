// Package config loads portforge.toml and supplies defaults for every
// tunable: filesystem roots, resolver limits, collision policy and build
// execution.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/adrg/xdg"
	toml "github.com/pelletier/go-toml/v2"

	"github.com/blackwell-systems/portforge/internal/atom"
	"github.com/blackwell-systems/portforge/internal/logging"
)

// Config is the parsed portforge.toml.
type Config struct {
	// Root is the filesystem root packages are merged into.
	Root string `toml:"root"`
	// DBPath is the SQLite package database location.
	DBPath string `toml:"db_path"`
	// Tree is the ports tree directory holding package manifests.
	Tree string `toml:"tree"`
	// StateDir holds transaction backup trees.
	StateDir string `toml:"state_dir"`

	// Use is the globally enabled USE-flag set; package defaults from
	// IUSE layer on top.
	Use []string `toml:"use"`

	// System packages are never removed by depclean and seed the
	// bootstrap set used when breaking dependency cycles.
	System []string `toml:"system"`
	// Bootstrap maps packages to their minimal bootstrap substitute,
	// "category/name" to "category/name".
	Bootstrap map[string]string `toml:"bootstrap"`

	Resolver  ResolverConfig  `toml:"resolver"`
	Collision CollisionConfig `toml:"collision"`
	Build     BuildConfig     `toml:"build"`
}

// ResolverConfig tunes dependency resolution.
type ResolverConfig struct {
	MaxBacktracks      int  `toml:"max_backtracks"`
	PreferOldest       bool `toml:"prefer_oldest"`
	AllowSlotConflicts bool `toml:"allow_slot_conflicts"`
}

// CollisionConfig tunes file collision checking.
type CollisionConfig struct {
	IgnorePatterns []string `toml:"ignore_patterns"`
	TolerantTrees  []string `toml:"tolerant_trees"`
}

// BuildConfig tunes package build execution.
type BuildConfig struct {
	// Command is the build tool invoked as "command [args...] target destdir".
	Command string   `toml:"command"`
	Args    []string `toml:"args"`
	// TimeoutMinutes bounds one build; zero means no limit.
	TimeoutMinutes int `toml:"timeout_minutes"`
	// Parallelism bounds concurrent builds; zero means 1.
	Parallelism int `toml:"parallelism"`
}

// Default returns the stock configuration rooted under the XDG dirs.
func Default() *Config {
	return &Config{
		Root:     "/",
		DBPath:   filepath.Join(xdg.DataHome, "portforge", "packages.db"),
		Tree:     filepath.Join(xdg.DataHome, "portforge", "tree"),
		StateDir: filepath.Join(xdg.StateHome, "portforge"),
		System: []string{
			"sys-devel/gcc",
			"sys-libs/glibc",
			"sys-apps/coreutils",
			"sys-devel/binutils",
			"sys-devel/make",
		},
		Resolver: ResolverConfig{
			MaxBacktracks: 64,
		},
		Build: BuildConfig{
			Command:        "portforge-build",
			TimeoutMinutes: 120,
			Parallelism:    1,
		},
	}
}

// DefaultPath returns the conventional config file location.
func DefaultPath() string {
	return filepath.Join(xdg.ConfigHome, "portforge", "portforge.toml")
}

// Load reads a config file, layering it over the defaults. A missing file
// at the default path is not an error; an explicitly named missing file is.
func Load(path string) (*Config, error) {
	log := logging.GetLogger("config")

	explicit := path != ""
	if !explicit {
		path = DefaultPath()
	}

	cfg := Default()

	data, err := os.ReadFile(path)
	if os.IsNotExist(err) && !explicit {
		log.Debug().Str("path", path).Msg("no configuration file, using defaults")
		return cfg, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	if err := toml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse TOML: %w", err)
	}

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration %s: %w", path, err)
	}

	log.Debug().
		Str("path", path).
		Str("root", cfg.Root).
		Str("tree", cfg.Tree).
		Msg("configuration loaded")
	return cfg, nil
}

func (c *Config) validate() error {
	if c.Root == "" {
		return fmt.Errorf("root must not be empty")
	}
	if c.Resolver.MaxBacktracks < 0 {
		return fmt.Errorf("resolver.max_backtracks must not be negative")
	}
	if c.Build.Parallelism < 0 {
		return fmt.Errorf("build.parallelism must not be negative")
	}
	if c.Build.TimeoutMinutes < 0 {
		return fmt.Errorf("build.timeout_minutes must not be negative")
	}
	for _, s := range c.System {
		if _, err := atom.ParsePackageID(s); err != nil {
			return fmt.Errorf("bad system entry: %w", err)
		}
	}
	for from, to := range c.Bootstrap {
		if _, err := atom.ParsePackageID(from); err != nil {
			return fmt.Errorf("bad bootstrap key: %w", err)
		}
		if _, err := atom.ParsePackageID(to); err != nil {
			return fmt.Errorf("bad bootstrap value: %w", err)
		}
	}
	return nil
}

// UseSet returns the globally enabled USE flags as a set.
func (c *Config) UseSet() map[string]bool {
	out := make(map[string]bool, len(c.Use))
	for _, f := range c.Use {
		out[f] = true
	}
	return out
}

// SystemSet returns the system packages as parsed ids. validate has
// already vetted the strings.
func (c *Config) SystemSet() map[atom.PackageID]bool {
	out := make(map[atom.PackageID]bool, len(c.System))
	for _, s := range c.System {
		id, err := atom.ParsePackageID(s)
		if err != nil {
			continue
		}
		out[id] = true
	}
	return out
}

// BootstrapSet returns the bootstrap substitutions as parsed ids.
func (c *Config) BootstrapSet() map[atom.PackageID]string {
	out := make(map[atom.PackageID]string, len(c.Bootstrap))
	for from, to := range c.Bootstrap {
		id, err := atom.ParsePackageID(from)
		if err != nil {
			continue
		}
		out[id] = to
	}
	return out
}

// BuildTimeout returns the configured per-build timeout.
func (c *Config) BuildTimeout() time.Duration {
	return time.Duration(c.Build.TimeoutMinutes) * time.Minute
}
