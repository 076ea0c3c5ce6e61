package cmd

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/spf13/pflag"

	"github.com/wegman-software/osm-roadgrid/internal/config"
)

func TestLoadConfigFileFlagsWin(t *testing.T) {
	path := filepath.Join(t.TempDir(), "roadgrid.yaml")
	data := "workers: 7\nbatch_size: 99\nresolution: 0.5\nmetrics_interval: 1m\n"
	if err := os.WriteFile(path, []byte(data), 0644); err != nil {
		t.Fatal(err)
	}

	c := config.DefaultConfig()
	flags := pflag.NewFlagSet("test", pflag.ContinueOnError)
	flags.IntVarP(&c.Workers, "workers", "j", c.Workers, "")
	flags.IntVar(&c.BatchSize, "batch-size", c.BatchSize, "")
	flags.Float64VarP(&c.Resolution, "resolution", "r", c.Resolution, "")
	flags.DurationVar(&c.MetricsInterval, "metrics-interval", c.MetricsInterval, "")
	if err := flags.Parse([]string{"-j", "3", "--metrics-interval", "0"}); err != nil {
		t.Fatal(err)
	}

	if err := loadConfigFile(c, flags, path); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if c.Workers != 3 {
		t.Errorf("expected -j 3 to win over the file, got %d", c.Workers)
	}
	if c.MetricsInterval != 0 {
		t.Errorf("expected explicit zero metrics interval, got %v", c.MetricsInterval)
	}
	if c.BatchSize != 99 {
		t.Errorf("expected batch size 99 from the file, got %d", c.BatchSize)
	}
	if c.Resolution != 0.5 {
		t.Errorf("expected resolution 0.5 from the file, got %v", c.Resolution)
	}
}

func TestLoadConfigFileMissing(t *testing.T) {
	c := config.DefaultConfig()
	flags := pflag.NewFlagSet("test", pflag.ContinueOnError)
	if err := loadConfigFile(c, flags, filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Error("expected error for missing config file")
	}
	if c.MetricsInterval != 30*time.Second {
		t.Errorf("expected defaults untouched, got %v", c.MetricsInterval)
	}
}
