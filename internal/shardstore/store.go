package shardstore

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/vmihailenco/msgpack/v5"
	"go.etcd.io/bbolt"

	"github.com/wegman-software/osm-roadgrid/internal/grid"
)

var (
	bucketMeta  = []byte("meta")
	bucketCells = []byte("cells")
	bucketWays  = []byte("ways")

	keyResolution = []byte("resolution")
	keyVersion    = []byte("version")
	keyComplete   = []byte("complete")
)

const (
	storeVersion = 1
	// cellsPerTx bounds the size of a single write transaction
	cellsPerTx = 512
)

var (
	// ErrEmpty is returned when reading a store no grid was saved to
	ErrEmpty = errors.New("shard store holds no grid")
	// ErrIncomplete is returned when the last save stopped before writing every cell and way
	ErrIncomplete = errors.New("shard store save did not complete")
)

// Store persists a grid in a bbolt file with one entry per cell, so that
// a rectangular range of cells can be loaded without reading the rest
type Store struct {
	db *bbolt.DB
}

// Open opens or creates the store file
func Open(path string) (*Store, error) {
	db, err := bbolt.Open(path, 0644, &bbolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, fmt.Errorf("failed to open shard store: %w", err)
	}

	err = db.Update(func(tx *bbolt.Tx) error {
		for _, name := range [][]byte{bucketMeta, bucketCells, bucketWays} {
			if _, err := tx.CreateBucketIfNotExists(name); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create buckets: %w", err)
	}

	return &Store{db: db}, nil
}

// Close closes the store file
func (s *Store) Close() error {
	return s.db.Close()
}

// SaveGrid replaces the store content with g. progress, when not nil, is
// called with the number of cells written so far.
func (s *Store) SaveGrid(ctx context.Context, g *grid.Grid, progress func(cells int)) error {
	err := s.db.Update(func(tx *bbolt.Tx) error {
		for _, name := range [][]byte{bucketCells, bucketWays} {
			if err := tx.DeleteBucket(name); err != nil && !errors.Is(err, bbolt.ErrBucketNotFound) {
				return err
			}
			if _, err := tx.CreateBucket(name); err != nil {
				return err
			}
		}
		meta := tx.Bucket(bucketMeta)
		if err := meta.Delete(keyComplete); err != nil {
			return err
		}
		if err := meta.Put(keyVersion, encodeUint64(storeVersion)); err != nil {
			return err
		}
		return meta.Put(keyResolution, encodeUint64(math.Float64bits(g.Resolution())))
	})
	if err != nil {
		return fmt.Errorf("failed to reset shard store: %w", err)
	}

	coords := g.Cells()
	for start := 0; start < len(coords); start += cellsPerTx {
		if err := ctx.Err(); err != nil {
			return err
		}
		end := min(start+cellsPerTx, len(coords))

		err := s.db.Update(func(tx *bbolt.Tx) error {
			b := tx.Bucket(bucketCells)
			for _, coord := range coords[start:end] {
				rec, ok := g.CellRecord(coord)
				if !ok {
					continue
				}
				data, err := msgpack.Marshal(&rec)
				if err != nil {
					return err
				}
				if err := b.Put(CellKey(coord), data); err != nil {
					return err
				}
			}
			return nil
		})
		if err != nil {
			return fmt.Errorf("failed to write cells: %w", err)
		}
		if progress != nil {
			progress(end)
		}
	}

	if err := ctx.Err(); err != nil {
		return err
	}

	err = s.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket(bucketWays)
		for _, w := range g.Ways() {
			data, err := msgpack.Marshal(w.Record())
			if err != nil {
				return err
			}
			if err := b.Put(WayKey(w.ID), data); err != nil {
				return err
			}
		}
		return tx.Bucket(bucketMeta).Put(keyComplete, []byte{1})
	})
	if err != nil {
		return fmt.Errorf("failed to write ways: %w", err)
	}
	return nil
}

// Resolution returns the resolution of the saved grid
func (s *Store) Resolution() (float64, error) {
	var res float64
	err := s.db.View(func(tx *bbolt.Tx) error {
		var err error
		res, err = readResolution(tx)
		return err
	})
	return res, err
}

// Counts returns the number of stored cells and ways
func (s *Store) Counts() (cells, ways int, err error) {
	err = s.db.View(func(tx *bbolt.Tx) error {
		cells = tx.Bucket(bucketCells).Stats().KeyN
		ways = tx.Bucket(bucketWays).Stats().KeyN
		return nil
	})
	return cells, ways, err
}

// LoadRange rebuilds a grid holding the cells between lo and hi inclusive
// and every way referenced by their nodes. Nodes of those ways outside the
// range are reported as dangling by the returned grid.
func (s *Store) LoadRange(ctx context.Context, lo, hi grid.CellCoord) (*grid.Grid, error) {
	if lo.Lat > hi.Lat {
		lo.Lat, hi.Lat = hi.Lat, lo.Lat
	}
	if lo.Lon > hi.Lon {
		lo.Lon, hi.Lon = hi.Lon, lo.Lon
	}

	var (
		res   float64
		cells []grid.CellRecord
		ways  []grid.WayRecord
	)

	err := s.db.View(func(tx *bbolt.Tx) error {
		var err error
		if res, err = readResolution(tx); err != nil {
			return err
		}

		wayIDs := make(map[int64]struct{})
		c := tx.Bucket(bucketCells).Cursor()
		end := CellKey(hi)
		for k, v := c.Seek(CellKey(lo)); k != nil && string(k) <= string(end); k, v = c.Next() {
			if err := ctx.Err(); err != nil {
				return err
			}
			coord, err := decodeCellKey(k)
			if err != nil {
				return err
			}
			if coord.Lon < lo.Lon || coord.Lon > hi.Lon {
				continue
			}

			rec, err := decodeCell(coord, v)
			if err != nil {
				return err
			}
			for _, n := range rec.Nodes {
				for _, id := range n.WayRefs {
					wayIDs[id] = struct{}{}
				}
			}
			cells = append(cells, rec)
		}

		b := tx.Bucket(bucketWays)
		for id := range wayIDs {
			data := b.Get(WayKey(id))
			if data == nil {
				return fmt.Errorf("%w: way %d referenced but not stored", grid.ErrCorruptSnapshot, id)
			}
			rec, err := decodeWay(id, data)
			if err != nil {
				return err
			}
			ways = append(ways, rec)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	return grid.FromRecords(res, cells, ways)
}

// Load rebuilds the full saved grid, including ways none of whose nodes
// are stored
func (s *Store) Load(ctx context.Context) (*grid.Grid, error) {
	var (
		res   float64
		cells []grid.CellRecord
		ways  []grid.WayRecord
	)

	err := s.db.View(func(tx *bbolt.Tx) error {
		var err error
		if res, err = readResolution(tx); err != nil {
			return err
		}

		c := tx.Bucket(bucketCells).Cursor()
		for k, v := c.First(); k != nil; k, v = c.Next() {
			if err := ctx.Err(); err != nil {
				return err
			}
			coord, err := decodeCellKey(k)
			if err != nil {
				return err
			}
			rec, err := decodeCell(coord, v)
			if err != nil {
				return err
			}
			cells = append(cells, rec)
		}

		c = tx.Bucket(bucketWays).Cursor()
		for k, v := c.First(); k != nil; k, v = c.Next() {
			if err := ctx.Err(); err != nil {
				return err
			}
			if len(k) != 8 {
				return fmt.Errorf("%w: way key has %d bytes", grid.ErrCorruptSnapshot, len(k))
			}
			id := int64(binary.BigEndian.Uint64(k) ^ (1 << 63))
			rec, err := decodeWay(id, v)
			if err != nil {
				return err
			}
			ways = append(ways, rec)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	return grid.FromRecords(res, cells, ways)
}

func decodeCell(coord grid.CellCoord, data []byte) (grid.CellRecord, error) {
	var rec grid.CellRecord
	if err := msgpack.Unmarshal(data, &rec); err != nil {
		return rec, fmt.Errorf("%w: cell %v: %v", grid.ErrCorruptSnapshot, coord, err)
	}
	if rec.Coord() != coord {
		return rec, fmt.Errorf("%w: cell %v stored under key %v", grid.ErrCorruptSnapshot, rec.Coord(), coord)
	}
	return rec, nil
}

func decodeWay(id int64, data []byte) (grid.WayRecord, error) {
	var rec grid.WayRecord
	if err := msgpack.Unmarshal(data, &rec); err != nil {
		return rec, fmt.Errorf("%w: way %d: %v", grid.ErrCorruptSnapshot, id, err)
	}
	if rec.ID != id {
		return rec, fmt.Errorf("%w: way %d stored under key %d", grid.ErrCorruptSnapshot, rec.ID, id)
	}
	return rec, nil
}

func readResolution(tx *bbolt.Tx) (float64, error) {
	meta := tx.Bucket(bucketMeta)
	raw := meta.Get(keyResolution)
	if raw == nil {
		return 0, ErrEmpty
	}
	if len(raw) != 8 {
		return 0, fmt.Errorf("%w: resolution entry has %d bytes", grid.ErrCorruptSnapshot, len(raw))
	}
	if v := meta.Get(keyVersion); len(v) != 8 || binary.BigEndian.Uint64(v) != storeVersion {
		return 0, fmt.Errorf("%w: unsupported shard store version", grid.ErrCorruptSnapshot)
	}
	if meta.Get(keyComplete) == nil {
		return 0, ErrIncomplete
	}
	return math.Float64frombits(binary.BigEndian.Uint64(raw)), nil
}

// CellKey encodes a cell coordinate so that byte order matches
// (lat, lon) order
func CellKey(c grid.CellCoord) []byte {
	key := make([]byte, 8)
	binary.BigEndian.PutUint32(key[0:4], uint32(c.Lat)^(1<<31))
	binary.BigEndian.PutUint32(key[4:8], uint32(c.Lon)^(1<<31))
	return key
}

func decodeCellKey(key []byte) (grid.CellCoord, error) {
	if len(key) != 8 {
		return grid.CellCoord{}, fmt.Errorf("%w: cell key has %d bytes", grid.ErrCorruptSnapshot, len(key))
	}
	return grid.CellCoord{
		Lat: int32(binary.BigEndian.Uint32(key[0:4]) ^ (1 << 31)),
		Lon: int32(binary.BigEndian.Uint32(key[4:8]) ^ (1 << 31)),
	}, nil
}

// WayKey encodes a way id so that byte order matches id order
func WayKey(id int64) []byte {
	return encodeUint64(uint64(id) ^ (1 << 63))
}

func encodeUint64(v uint64) []byte {
	b := make([]byte, 8)
	binary.BigEndian.PutUint64(b, v)
	return b
}
