package expire

import (
	"bufio"
	"fmt"
	"os"
	"sort"

	"github.com/paulmach/orb"
	"github.com/paulmach/orb/maptile"
	"go.uber.org/zap"

	"github.com/wegman-software/osm-roadgrid/internal/grid"
	"github.com/wegman-software/osm-roadgrid/internal/logger"
)

// Web mercator latitude limit, rounded inward
const maxMercatorLat = 85.0511

// MaxZoom is the deepest zoom level tiles are computed for
const MaxZoom = 20

// Tiles returns the map tiles covering the touched cells at every zoom from
// minZoom to maxZoom, ordered by zoom, x, y
func (t *Tracker) Tiles(minZoom, maxZoom int) ([]maptile.Tile, error) {
	if minZoom < 0 || maxZoom > MaxZoom || minZoom > maxZoom {
		return nil, fmt.Errorf("invalid zoom range %d-%d (allowed 0-%d)", minZoom, maxZoom, MaxZoom)
	}

	set := make(maptile.Set)
	for _, c := range t.Cells() {
		b, ok := clipMercator(c.Bound(t.resolution))
		if !ok {
			continue
		}
		for z := minZoom; z <= maxZoom; z++ {
			addCover(set, b, maptile.Zoom(z))
		}
	}

	tiles := make([]maptile.Tile, 0, len(set))
	for tile := range set {
		tiles = append(tiles, tile)
	}
	sort.Slice(tiles, func(i, j int) bool {
		if tiles[i].Z != tiles[j].Z {
			return tiles[i].Z < tiles[j].Z
		}
		if tiles[i].X != tiles[j].X {
			return tiles[i].X < tiles[j].X
		}
		return tiles[i].Y < tiles[j].Y
	})
	return tiles, nil
}

// WriteTilesToFile writes the covering tiles in z/x/y format
func (t *Tracker) WriteTilesToFile(filename string, minZoom, maxZoom int) error {
	tiles, err := t.Tiles(minZoom, maxZoom)
	if err != nil {
		return err
	}

	f, err := os.Create(filename)
	if err != nil {
		return fmt.Errorf("failed to create tile expire file: %w", err)
	}
	defer f.Close()

	w := bufio.NewWriter(f)
	for _, tile := range tiles {
		fmt.Fprintf(w, "%d/%d/%d\n", tile.Z, tile.X, tile.Y)
	}
	if err := w.Flush(); err != nil {
		return fmt.Errorf("failed to write tile expire file: %w", err)
	}

	logger.Get().Info("Wrote expire tiles",
		zap.String("file", filename),
		zap.Int("min_zoom", minZoom),
		zap.Int("max_zoom", maxZoom),
		zap.Int("tiles", len(tiles)))
	return nil
}

// clipMercator limits a bound to the area web mercator tiles cover
func clipMercator(b orb.Bound) (orb.Bound, bool) {
	world := orb.Bound{
		Min: orb.Point{-180, -maxMercatorLat},
		Max: orb.Point{180, maxMercatorLat},
	}
	if !b.Intersects(world) {
		return orb.Bound{}, false
	}
	return orb.Bound{
		Min: orb.Point{max(b.Min.Lon(), -180), max(b.Min.Lat(), -maxMercatorLat)},
		Max: orb.Point{min(b.Max.Lon(), 180), min(b.Max.Lat(), maxMercatorLat)},
	}, true
}

// addCover adds every tile of zoom z intersecting b
func addCover(set maptile.Set, b orb.Bound, z maptile.Zoom) {
	nw := maptile.At(orb.Point{b.Min.Lon(), b.Max.Lat()}, z)
	se := maptile.At(orb.Point{b.Max.Lon(), b.Min.Lat()}, z)

	last := uint32(1)<<uint32(z) - 1
	minX, maxX := min(nw.X, last), min(se.X, last)
	minY, maxY := min(nw.Y, last), min(se.Y, last)

	for x := minX; x <= maxX; x++ {
		for y := minY; y <= maxY; y++ {
			set[maptile.New(x, y, z)] = true
		}
	}
}

func sortCells(cells []grid.CellCoord) {
	sort.Slice(cells, func(i, j int) bool {
		if cells[i].Lat != cells[j].Lat {
			return cells[i].Lat < cells[j].Lat
		}
		return cells[i].Lon < cells[j].Lon
	})
}
