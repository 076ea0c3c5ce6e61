package pipeline

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/wegman-software/osm-roadgrid/internal/config"
	"github.com/wegman-software/osm-roadgrid/internal/filter"
	"github.com/wegman-software/osm-roadgrid/internal/grid"
	"github.com/wegman-software/osm-roadgrid/internal/roadclass"
	"github.com/wegman-software/osm-roadgrid/internal/source"
)

const detroitOSM = `<?xml version="1.0" encoding="UTF-8"?>
<osm version="0.6" generator="test">
  <node id="1" lat="42.3000" lon="-83.1000" version="1"/>
  <node id="2" lat="42.3050" lon="-83.1050" version="1"/>
  <node id="3" lat="42.3100" lon="-83.1100" version="1">
    <tag k="highway" v="traffic_signals"/>
  </node>
  <node id="4" lat="45.5000" lon="-84.0000" version="1"/>
  <way id="100" version="1">
    <nd ref="1"/>
    <nd ref="2"/>
    <nd ref="3"/>
    <tag k="highway" v="primary"/>
    <tag k="maxspeed" v="45 mph"/>
  </way>
  <way id="101" version="1">
    <nd ref="3"/>
    <nd ref="4"/>
    <tag k="highway" v="footway"/>
  </way>
  <way id="102" version="1">
    <nd ref="2"/>
    <nd ref="99"/>
    <tag k="highway" v="residential"/>
  </way>
  <relation id="500" version="1">
    <member type="way" ref="100" role=""/>
  </relation>
</osm>`

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	path := filepath.Join(t.TempDir(), "detroit.osm")
	if err := os.WriteFile(path, []byte(detroitOSM), 0644); err != nil {
		t.Fatal(err)
	}

	cfg := config.DefaultConfig()
	cfg.InputFile = path
	cfg.Resolution = 0.01
	cfg.Workers = 4
	cfg.BatchSize = 2
	cfg.ChannelBuffer = 1
	cfg.MetricsInterval = 0
	cfg.ProgressInterval = 0
	return cfg
}

func newGrid(t *testing.T, cfg *config.Config) *grid.Grid {
	t.Helper()
	g, err := grid.New(cfg.Resolution)
	if err != nil {
		t.Fatal(err)
	}
	return g
}

func TestCoordinatorRun(t *testing.T) {
	cfg := testConfig(t)
	g := newGrid(t, cfg)

	coord, err := NewCoordinator(cfg, g, nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	stats, err := coord.Run(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if stats.Read.Nodes != 4 || stats.Read.Ways != 3 || stats.Read.Relations != 1 {
		t.Errorf("expected 4/3/1 read, got %+v", stats.Read)
	}
	if stats.Nodes != 4 || stats.Ways != 3 {
		t.Errorf("expected 4 nodes and 3 ways, got %d/%d", stats.Nodes, stats.Ways)
	}

	n3, ok := g.Node(3)
	if !ok {
		t.Fatal("expected node 3")
	}
	if refs := n3.WayRefs(); len(refs) != 2 || refs[0] != 100 || refs[1] != 101 {
		t.Errorf("expected node 3 refs [100 101], got %v", refs)
	}

	w, _ := g.Way(100)
	if w.Class != roadclass.Primary {
		t.Errorf("expected primary, got %v", w.Class)
	}
	if speed, ok := w.MaxSpeed(); !ok || speed != 45 {
		t.Errorf("expected max speed 45, got %d %v", speed, ok)
	}

	if stats.Dangling.MissingNodes != 1 || len(stats.Dangling.Ways) != 1 || stats.Dangling.Ways[0] != 102 {
		t.Errorf("expected way 102 dangling on one node, got %+v", stats.Dangling)
	}
}

func TestCoordinatorStrictRefs(t *testing.T) {
	cfg := testConfig(t)
	cfg.StrictRefs = true
	g := newGrid(t, cfg)

	coord, err := NewCoordinator(cfg, g, nil)
	if err != nil {
		t.Fatal(err)
	}
	stats, err := coord.Run(context.Background())
	if !errors.Is(err, grid.ErrDanglingRefs) {
		t.Fatalf("expected ErrDanglingRefs, got %v", err)
	}
	if stats == nil || stats.Ways != 3 {
		t.Errorf("expected stats of the completed pass, got %+v", stats)
	}
}

func TestCoordinatorFilterAndBBox(t *testing.T) {
	cfg := testConfig(t)
	cfg.BBox = "-83.2,42.2,-83.0,42.4"
	g := newGrid(t, cfg)

	f := filter.New(&filter.Config{Classes: []string{"primary", "residential"}})
	coord, err := NewCoordinator(cfg, g, f)
	if err != nil {
		t.Fatal(err)
	}
	stats, err := coord.Run(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if stats.WaysFiltered != 1 {
		t.Errorf("expected footway to be filtered, got %d", stats.WaysFiltered)
	}
	if stats.NodesOutside != 1 {
		t.Errorf("expected 1 node outside bbox, got %d", stats.NodesOutside)
	}
	if _, ok := g.Way(101); ok {
		t.Error("expected way 101 to be skipped")
	}
	if _, ok := g.Node(4); ok {
		t.Error("expected node 4 to be skipped")
	}
	n3, _ := g.Node(3)
	if refs := n3.WayRefs(); len(refs) != 1 || refs[0] != 100 {
		t.Errorf("expected node 3 refs [100], got %v", refs)
	}
}

func TestCoordinatorCancelled(t *testing.T) {
	cfg := testConfig(t)
	g := newGrid(t, cfg)

	coord, err := NewCoordinator(cfg, g, nil)
	if err != nil {
		t.Fatal(err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err = coord.Run(ctx)
	if !errors.Is(err, context.Canceled) || !IsCancelled(err) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
	if g.WayCount() > 3 {
		t.Errorf("expected a partial grid, got %d ways", g.WayCount())
	}
}

func TestCoordinatorDecodeError(t *testing.T) {
	cfg := testConfig(t)
	if err := os.WriteFile(cfg.InputFile, []byte(`<osm><node id="1" lat="1" lon="1"></nod></osm>`), 0644); err != nil {
		t.Fatal(err)
	}
	g := newGrid(t, cfg)

	coord, err := NewCoordinator(cfg, g, nil)
	if err != nil {
		t.Fatal(err)
	}
	_, err = coord.Run(context.Background())
	if !errors.Is(err, source.ErrDecode) {
		t.Fatalf("expected decode error, got %v", err)
	}
}

func TestNewCoordinatorResolutionMismatch(t *testing.T) {
	cfg := testConfig(t)
	g, err := grid.New(1)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := NewCoordinator(cfg, g, nil); !errors.Is(err, grid.ErrResolutionMismatch) {
		t.Fatalf("expected resolution mismatch, got %v", err)
	}
}

func TestNewCoordinatorInvalidInput(t *testing.T) {
	tests := []struct {
		name string
		path string
	}{
		{"missing", filepath.Join(t.TempDir(), "missing.osm.pbf")},
		{"unsupported", filepath.Join(t.TempDir(), "roads.csv")},
		{"directory", t.TempDir() + ".osm"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := testConfig(t)
			cfg.InputFile = tt.path
			if tt.name == "directory" {
				if err := os.Mkdir(tt.path, 0755); err != nil {
					t.Fatal(err)
				}
			}

			_, err := NewCoordinator(cfg, newGrid(t, cfg), nil)
			if err == nil {
				t.Fatal("expected error")
			}
			if !strings.HasPrefix(err.Error(), "invalid input: ") {
				t.Errorf("expected invalid input error, got %v", err)
			}
		})
	}
}
