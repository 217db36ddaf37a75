// Package config loads the ntypool configuration file.
//
// The file is YAML. Two environment variables override it so the same file
// can be used across machines:
//   - NTYPOOL_LISTEN replaces listen
//   - NTYPOOL_EXPORT_CACHE replaces export_cache
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"

	"github.com/docker/go-units"
	"gopkg.in/yaml.v3"

	"github.com/ptolstoi/ntypool/pool"
)

// Config is the configuration of the ntypool server and CLI.
type Config struct {
	// Listen is the address the asset server binds.
	// Default: :8080
	Listen string `yaml:"listen"`

	// ExportCache is the sqlite database holding extracted assets. Empty
	// disables the export cache.
	ExportCache string `yaml:"export_cache"`

	// MaxPayloadSize is the largest asset kept decoded in memory, e.g.
	// "64MiB". Zero keeps everything.
	MaxPayloadSize Size `yaml:"max_payload_size"`

	// PopulateLocalOnHit copies global tier hits into volume stores.
	PopulateLocalOnHit bool `yaml:"populate_local_on_hit"`

	// Watch invalidates a volume's cache when its container file changes.
	Watch bool `yaml:"watch"`

	// AttachParallelism bounds how many containers are opened at once.
	// Default: 4
	AttachParallelism int `yaml:"attach_parallelism"`

	Volumes []VolumeConfig `yaml:"volumes"`
}

// VolumeConfig describes one container to attach.
type VolumeConfig struct {
	Path string `yaml:"path"`
	Name string `yaml:"name"`

	// UseCache defaults to true.
	UseCache *bool `yaml:"use_cache"`

	// Share publishes shareable entries to the global tier.
	Share bool `yaml:"share"`
}

// Size is a byte count written the way docker writes memory limits.
type Size uint64

// UnmarshalYAML accepts plain integers and strings such as "64MiB".
func (s *Size) UnmarshalYAML(node *yaml.Node) error {
	if node.Kind != yaml.ScalarNode {
		return fmt.Errorf("line %d: size must be a scalar", node.Line)
	}
	if n, err := strconv.ParseUint(node.Value, 10, 64); err == nil {
		*s = Size(n)
		return nil
	}
	n, err := units.RAMInBytes(node.Value)
	if err != nil {
		return fmt.Errorf("line %d: %w", node.Line, err)
	}
	if n < 0 {
		return fmt.Errorf("line %d: negative size %q", node.Line, node.Value)
	}
	*s = Size(n)
	return nil
}

func (s Size) String() string {
	return units.BytesSize(float64(s))
}

// Default returns the configuration used for keys the file leaves out.
func Default() *Config {
	return &Config{
		Listen:            ":8080",
		AttachParallelism: 4,
	}
}

// Load reads the file at path over the defaults and applies the
// environment overrides.
func Load(path string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing %s: %w", path, err)
	}

	cfg.applyEnv()
	return cfg, nil
}

func (c *Config) applyEnv() {
	c.Listen = envOr("NTYPOOL_LISTEN", c.Listen)
	c.ExportCache = envOr("NTYPOOL_EXPORT_CACHE", c.ExportCache)
}

func envOr(key, fallback string) string {
	if value, ok := os.LookupEnv(key); ok {
		return value
	}
	return fallback
}

// Validate checks the configuration for errors.
func (c *Config) Validate() error {
	var errs []error

	if c.Listen == "" {
		errs = append(errs, errors.New("listen is required"))
	}
	if c.AttachParallelism <= 0 {
		errs = append(errs, fmt.Errorf("attach_parallelism must be positive, got %d", c.AttachParallelism))
	}
	seen := make(map[string]bool, len(c.Volumes))
	for i, v := range c.Volumes {
		if v.Path == "" {
			errs = append(errs, fmt.Errorf("volumes[%d].path is required", i))
			continue
		}
		if seen[v.Path] {
			errs = append(errs, fmt.Errorf("volumes[%d]: %s is listed twice", i, v.Path))
		}
		seen[v.Path] = true
	}

	return errors.Join(errs...)
}

// VolumeSpecs converts the volume list for pool.AttachAll.
func (c *Config) VolumeSpecs() []pool.VolumeSpec {
	specs := make([]pool.VolumeSpec, 0, len(c.Volumes))
	for _, v := range c.Volumes {
		specs = append(specs, pool.VolumeSpec{
			Path: v.Path,
			Options: pool.VolumeOptions{
				Name:               v.Name,
				DisableCache:       v.UseCache != nil && !*v.UseCache,
				Share:              v.Share,
				PopulateLocalOnHit: c.PopulateLocalOnHit,
				MaxPayload:         uint64(c.MaxPayloadSize),
			},
		})
	}
	return specs
}
