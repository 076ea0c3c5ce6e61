package grid

import (
	"bufio"
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
	"os"

	"github.com/edsrzf/mmap-go"
	"github.com/klauspost/compress/zstd"
	"github.com/vmihailenco/msgpack/v5"
	"github.com/zeebo/xxh3"
)

// Snapshot file layout, little-endian:
//
//	Names: | Magic | Version | Flags | Resolution | PayloadLen | Checksum |  Payload  |
//	Bytes: |   4   |    2    |   2   |     8      |     8      |    8     | PayloadLen |
//
// Payload is a zstd frame holding the msgpack encoded snapshotDoc.
// Checksum is the xxh3 hash of the compressed payload.
const (
	snapshotMagic   = "RGRD"
	snapshotVersion = 1
	headerSize      = 32
)

type snapshotHeader struct {
	Magic      [4]byte
	Version    uint16
	Flags      uint16
	Resolution float64
	PayloadLen uint64
	Checksum   uint64
}

type snapshotDoc struct {
	Resolution float64      `msgpack:"resolution"`
	Cells      []CellRecord `msgpack:"cells"`
	Ways       []WayRecord  `msgpack:"ways"`
}

// Snapshot writes the complete grid state. Output is deterministic for a
// given grid content.
func (g *Grid) Snapshot(w io.Writer) error {
	cells, ways := g.Records()
	raw, err := msgpack.Marshal(&snapshotDoc{
		Resolution: g.resolution,
		Cells:      cells,
		Ways:       ways,
	})
	if err != nil {
		return fmt.Errorf("failed to encode snapshot: %w", err)
	}

	enc, err := zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		return fmt.Errorf("failed to create zstd encoder: %w", err)
	}
	payload := enc.EncodeAll(raw, make([]byte, 0, len(raw)/4))
	enc.Close()

	header := snapshotHeader{
		Version:    snapshotVersion,
		Resolution: g.resolution,
		PayloadLen: uint64(len(payload)),
		Checksum:   xxh3.Hash(payload),
	}
	copy(header.Magic[:], snapshotMagic)

	if err := binary.Write(w, binary.LittleEndian, &header); err != nil {
		return fmt.Errorf("failed to write snapshot header: %w", err)
	}
	if _, err := w.Write(payload); err != nil {
		return fmt.Errorf("failed to write snapshot payload: %w", err)
	}
	return nil
}

// SnapshotFile writes the snapshot to path through a temporary file so a
// failed write never leaves a truncated snapshot behind
func (g *Grid) SnapshotFile(path string) error {
	tmp := path + ".tmp"
	f, err := os.Create(tmp)
	if err != nil {
		return fmt.Errorf("failed to create snapshot file: %w", err)
	}

	bw := bufio.NewWriterSize(f, 1<<20)
	if err := g.Snapshot(bw); err != nil {
		f.Close()
		os.Remove(tmp)
		return err
	}
	if err := bw.Flush(); err != nil {
		f.Close()
		os.Remove(tmp)
		return fmt.Errorf("failed to flush snapshot: %w", err)
	}
	if err := f.Close(); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("failed to close snapshot: %w", err)
	}
	return os.Rename(tmp, path)
}

// Restore rebuilds a grid from a snapshot. Any structural problem fails
// with ErrCorruptSnapshot and no grid is returned.
func Restore(r io.Reader) (*Grid, error) {
	var header snapshotHeader
	if err := binary.Read(r, binary.LittleEndian, &header); err != nil {
		return nil, fmt.Errorf("%w: reading header: %v", ErrCorruptSnapshot, err)
	}
	if string(header.Magic[:]) != snapshotMagic {
		return nil, fmt.Errorf("%w: bad magic %q", ErrCorruptSnapshot, header.Magic[:])
	}
	if header.Version != snapshotVersion {
		return nil, fmt.Errorf("%w: unsupported version %d", ErrCorruptSnapshot, header.Version)
	}
	if err := ValidateResolution(header.Resolution); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCorruptSnapshot, err)
	}

	// read one byte past the declared length to detect trailing data
	payload, err := io.ReadAll(io.LimitReader(r, int64(header.PayloadLen)+1))
	if err != nil {
		return nil, fmt.Errorf("%w: reading payload: %v", ErrCorruptSnapshot, err)
	}
	if uint64(len(payload)) != header.PayloadLen {
		return nil, fmt.Errorf("%w: payload is %d bytes, header declares %d",
			ErrCorruptSnapshot, len(payload), header.PayloadLen)
	}
	if sum := xxh3.Hash(payload); sum != header.Checksum {
		return nil, fmt.Errorf("%w: checksum %x does not match %x", ErrCorruptSnapshot, sum, header.Checksum)
	}

	dec, err := zstd.NewReader(nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create zstd decoder: %w", err)
	}
	defer dec.Close()

	raw, err := dec.DecodeAll(payload, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: decompressing payload: %v", ErrCorruptSnapshot, err)
	}

	var doc snapshotDoc
	if err := msgpack.Unmarshal(raw, &doc); err != nil {
		return nil, fmt.Errorf("%w: decoding payload: %v", ErrCorruptSnapshot, err)
	}
	if doc.Resolution != header.Resolution {
		return nil, fmt.Errorf("%w: payload resolution %v does not match header %v",
			ErrCorruptSnapshot, doc.Resolution, header.Resolution)
	}

	return FromRecords(doc.Resolution, doc.Cells, doc.Ways)
}

// RestoreFile memory-maps a snapshot file and restores it
func RestoreFile(path string) (*Grid, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open snapshot: %w", err)
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return nil, err
	}
	if info.Size() < headerSize {
		return nil, fmt.Errorf("%w: file is %d bytes", ErrCorruptSnapshot, info.Size())
	}

	m, err := mmap.Map(f, mmap.RDONLY, 0)
	if err != nil {
		return nil, fmt.Errorf("failed to map snapshot: %w", err)
	}
	defer m.Unmap()

	return Restore(bytes.NewReader(m))
}
