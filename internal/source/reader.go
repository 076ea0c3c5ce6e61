package source

import (
	"compress/bzip2"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"runtime"
	"strings"
	"sync/atomic"

	"github.com/klauspost/compress/gzip"
	"github.com/paulmach/osm"
	"github.com/paulmach/osm/osmpbf"
	"github.com/paulmach/osm/osmxml"
	"go.uber.org/zap"

	"github.com/wegman-software/osm-roadgrid/internal/logger"
)

// ErrDecode matches every failure of the input decoder
var ErrDecode = errors.New("input decode failed")

// DecodeError is a malformed input stream
type DecodeError struct {
	Path string
	Err  error
}

func (e *DecodeError) Error() string {
	return fmt.Sprintf("decoding %s: %v", e.Path, e.Err)
}

func (e *DecodeError) Unwrap() error {
	return e.Err
}

// Is makes errors.Is(err, ErrDecode) hold for any DecodeError
func (e *DecodeError) Is(target error) bool {
	return target == ErrDecode
}

// Format is the container format of an extract
type Format int

const (
	FormatPBF Format = iota
	FormatXML
	FormatXMLGzip
	FormatXMLBzip2
)

func (f Format) String() string {
	switch f {
	case FormatPBF:
		return "pbf"
	case FormatXML:
		return "osm"
	case FormatXMLGzip:
		return "osm.gz"
	case FormatXMLBzip2:
		return "osm.bz2"
	}
	return "unknown"
}

// DetectFormat picks the decoder from the file name
func DetectFormat(path string) (Format, error) {
	name := strings.ToLower(path)
	switch {
	case strings.HasSuffix(name, ".pbf"):
		return FormatPBF, nil
	case strings.HasSuffix(name, ".osm"), strings.HasSuffix(name, ".xml"):
		return FormatXML, nil
	case strings.HasSuffix(name, ".osm.gz"):
		return FormatXMLGzip, nil
	case strings.HasSuffix(name, ".osm.bz2"):
		return FormatXMLBzip2, nil
	}
	return 0, fmt.Errorf("unsupported input format: %s (expected .osm.pbf, .osm, .osm.gz or .osm.bz2)", path)
}

// Stats holds element counts of a read
type Stats struct {
	Nodes      int64
	Ways       int64
	Relations  int64
	BytesRead  int64
	TotalBytes int64
}

// Reader streams decoded elements from an extract file
type Reader struct {
	path   string
	format Format
	procs  int
	size   int64

	bytesRead atomic.Int64
	nodes     atomic.Int64
	ways      atomic.Int64
	relations atomic.Int64
}

// Open checks the input file and prepares a reader. procs is the number of
// decoder goroutines used for PBF blocks.
func Open(path string, procs int) (*Reader, error) {
	format, err := DetectFormat(path)
	if err != nil {
		return nil, err
	}

	info, err := os.Stat(path)
	if err != nil {
		return nil, fmt.Errorf("failed to stat input file: %w", err)
	}
	if info.IsDir() {
		return nil, fmt.Errorf("input %s is a directory", path)
	}

	if procs <= 0 {
		procs = runtime.NumCPU()
	}

	return &Reader{
		path:   path,
		format: format,
		procs:  procs,
		size:   info.Size(),
	}, nil
}

// Size returns the input file size in bytes
func (r *Reader) Size() int64 {
	return r.size
}

// Stats returns the counts of elements read so far
func (r *Reader) Stats() Stats {
	return Stats{
		Nodes:      r.nodes.Load(),
		Ways:       r.ways.Load(),
		Relations:  r.relations.Load(),
		BytesRead:  r.bytesRead.Load(),
		TotalBytes: r.size,
	}
}

// Run decodes the file and hands every element to fn in stream order.
// An error from fn stops the read and is returned as is; decoder
// failures are returned as *DecodeError.
func (r *Reader) Run(ctx context.Context, fn func(osm.Object) error) error {
	log := logger.Named("source")

	f, err := os.Open(r.path)
	if err != nil {
		return fmt.Errorf("failed to open input file: %w", err)
	}
	defer f.Close()

	scanner, closeInput, err := r.newScanner(ctx, &countingReader{r: f, n: &r.bytesRead})
	if err != nil {
		return &DecodeError{Path: r.path, Err: err}
	}
	defer closeInput()
	defer scanner.Close()

	log.Debug("Reading input",
		zap.String("path", r.path),
		zap.Stringer("format", r.format),
		zap.Int("procs", r.procs))

	firstWay := true
	for scanner.Scan() {
		if err := ctx.Err(); err != nil {
			return err
		}

		obj := scanner.Object()
		switch obj.(type) {
		case *osm.Node:
			r.nodes.Add(1)
		case *osm.Way:
			if firstWay {
				log.Debug("Start processing ways", zap.Int64("nodes", r.nodes.Load()))
				firstWay = false
			}
			r.ways.Add(1)
		case *osm.Relation:
			r.relations.Add(1)
		}

		if err := fn(obj); err != nil {
			return err
		}
	}

	if err := scanner.Err(); err != nil && err != io.EOF {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		return &DecodeError{Path: r.path, Err: err}
	}
	return ctx.Err()
}

func (r *Reader) newScanner(ctx context.Context, in io.Reader) (osm.Scanner, func(), error) {
	noop := func() {}

	switch r.format {
	case FormatPBF:
		s := osmpbf.New(ctx, in, r.procs)
		// relations are not indexed
		s.SkipRelations = true
		return s, noop, nil
	case FormatXMLGzip:
		gz, err := gzip.NewReader(in)
		if err != nil {
			return nil, nil, err
		}
		return osmxml.New(ctx, gz), func() { gz.Close() }, nil
	case FormatXMLBzip2:
		return osmxml.New(ctx, bzip2.NewReader(in)), noop, nil
	default:
		return osmxml.New(ctx, in), noop, nil
	}
}

// countingReader tracks consumed input bytes for progress reporting
type countingReader struct {
	r io.Reader
	n *atomic.Int64
}

func (c *countingReader) Read(p []byte) (int, error) {
	n, err := c.r.Read(p)
	c.n.Add(int64(n))
	return n, err
}
