package config

import (
	"errors"
	"fmt"
	"math"
	"os"
	"runtime"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/paulmach/orb"
	"gopkg.in/yaml.v3"
)

// ParseBBox parses a bbox string in format "minlon,minlat,maxlon,maxlat"
func ParseBBox(s string) (orb.Bound, error) {
	parts := strings.Split(s, ",")
	if len(parts) != 4 {
		return orb.Bound{}, fmt.Errorf("bbox must have 4 values: minlon,minlat,maxlon,maxlat")
	}

	var coords [4]float64
	for i, p := range parts {
		v, err := strconv.ParseFloat(strings.TrimSpace(p), 64)
		if err != nil {
			return orb.Bound{}, fmt.Errorf("invalid bbox coordinate %q: %w", p, err)
		}
		coords[i] = v
	}

	b := orb.Bound{
		Min: orb.Point{coords[0], coords[1]},
		Max: orb.Point{coords[2], coords[3]},
	}
	if b.Min.Lon() > b.Max.Lon() {
		return orb.Bound{}, fmt.Errorf("minlon (%f) must be <= maxlon (%f)", b.Min.Lon(), b.Max.Lon())
	}
	if b.Min.Lat() > b.Max.Lat() {
		return orb.Bound{}, fmt.Errorf("minlat (%f) must be <= maxlat (%f)", b.Min.Lat(), b.Max.Lat())
	}
	return b, nil
}

// ParseLatLon parses a "lat,lon" pair
func ParseLatLon(s string) (lat, lon float64, err error) {
	parts := strings.Split(s, ",")
	if len(parts) != 2 {
		return 0, 0, fmt.Errorf("expected lat,lon, got %q", s)
	}
	if lat, err = strconv.ParseFloat(strings.TrimSpace(parts[0]), 64); err != nil {
		return 0, 0, fmt.Errorf("invalid latitude %q: %w", parts[0], err)
	}
	if lon, err = strconv.ParseFloat(strings.TrimSpace(parts[1]), 64); err != nil {
		return 0, 0, fmt.Errorf("invalid longitude %q: %w", parts[1], err)
	}
	return lat, lon, nil
}

// Config holds the global configuration of a run
type Config struct {
	// Input settings
	InputFile  string `yaml:"input"`
	FilterFile string `yaml:"filter"` // YAML way filter, empty indexes every way
	BBox       string `yaml:"bbox"`   // minlon,minlat,maxlon,maxlat, empty keeps every node

	// Index settings
	Resolution float64 `yaml:"resolution" validate:"gt=0"`
	StrictRefs bool    `yaml:"strict_refs"` // fail the ingest on dangling way references

	// Output settings
	SnapshotFile string `yaml:"snapshot"`
	ShardDB      string `yaml:"shard_db"`
	OutputDir    string `yaml:"output_dir"`
	Projection   int    `yaml:"projection" validate:"oneof=4326 3857"`

	// Processing settings
	Workers       int `yaml:"workers" validate:"min=1,max=1024"`
	BatchSize     int `yaml:"batch_size" validate:"min=1"`
	ChannelBuffer int `yaml:"channel_buffer" validate:"min=1"`
	RowGroupSize  int `yaml:"row_group_size" validate:"min=1"`

	// Logging and metrics
	Verbose          bool          `yaml:"verbose"`
	LogFile          string        `yaml:"log_file"`
	MetricsInterval  time.Duration `yaml:"metrics_interval" validate:"min=0"`
	ProgressInterval time.Duration `yaml:"progress_interval" validate:"min=0"`
}

// DefaultConfig returns a configuration with sensible defaults
func DefaultConfig() *Config {
	return &Config{
		Resolution:       100,
		OutputDir:        "./roadgrid_data",
		Projection:       4326,
		Workers:          runtime.NumCPU(),
		BatchSize:        4096,
		ChannelBuffer:    64,
		RowGroupSize:     100000,
		MetricsInterval:  30 * time.Second,
		ProgressInterval: 5 * time.Second,
	}
}

// LoadFile overlays the values of a YAML file onto the configuration.
// Keys missing from the file keep their current value.
func (c *Config) LoadFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read config file: %w", err)
	}
	if err := yaml.Unmarshal(data, c); err != nil {
		return fmt.Errorf("failed to parse config YAML: %w", err)
	}
	return nil
}

var validate = validator.New()

// Validate checks that the configuration is valid
func (c *Config) Validate() error {
	if math.IsNaN(c.Resolution) || math.IsInf(c.Resolution, 0) {
		return fmt.Errorf("resolution must be finite, got %v", c.Resolution)
	}
	if err := validate.Struct(c); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) && len(verrs) > 0 {
			fe := verrs[0]
			return fmt.Errorf("invalid %s: %v does not satisfy %s=%s", fe.Field(), fe.Value(), fe.Tag(), fe.Param())
		}
		return err
	}
	if _, _, err := c.Bound(); err != nil {
		return err
	}
	return nil
}

// Bound returns the parsed bbox; ok is false when no bbox is set
func (c *Config) Bound() (b orb.Bound, ok bool, err error) {
	if c.BBox == "" {
		return orb.Bound{}, false, nil
	}
	b, err = ParseBBox(c.BBox)
	if err != nil {
		return orb.Bound{}, false, err
	}
	return b, true, nil
}

// ValidateIngest checks the settings needed to build an index
func (c *Config) ValidateIngest() error {
	if c.InputFile == "" {
		return fmt.Errorf("input file is required")
	}
	return c.Validate()
}
