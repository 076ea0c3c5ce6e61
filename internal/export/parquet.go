package export

import (
	"encoding/json"
	"errors"
	"os"

	"github.com/apache/arrow/go/v14/arrow"
	"github.com/apache/arrow/go/v14/arrow/array"
	"github.com/apache/arrow/go/v14/arrow/memory"
	"github.com/apache/arrow/go/v14/parquet"
	"github.com/apache/arrow/go/v14/parquet/compress"
	"github.com/apache/arrow/go/v14/parquet/pqarrow"
	"github.com/paulmach/osm"
)

var nodeSchema = arrow.NewSchema([]arrow.Field{
	{Name: "id", Type: arrow.PrimitiveTypes.Int64, Nullable: false},
	{Name: "lat", Type: arrow.PrimitiveTypes.Float64, Nullable: false},
	{Name: "lon", Type: arrow.PrimitiveTypes.Float64, Nullable: false},
	{Name: "cell_lat", Type: arrow.PrimitiveTypes.Int32, Nullable: false},
	{Name: "cell_lon", Type: arrow.PrimitiveTypes.Int32, Nullable: false},
	{Name: "tags", Type: arrow.BinaryTypes.String, Nullable: false},
	{Name: "way_refs", Type: arrow.ListOf(arrow.PrimitiveTypes.Int64), Nullable: false},
	{Name: "geom", Type: arrow.BinaryTypes.Binary, Nullable: false},
}, nil)

var waySchema = arrow.NewSchema([]arrow.Field{
	{Name: "id", Type: arrow.PrimitiveTypes.Int64, Nullable: false},
	{Name: "highway", Type: arrow.BinaryTypes.String, Nullable: true},
	{Name: "speed_prior", Type: arrow.PrimitiveTypes.Float64, Nullable: true},
	{Name: "max_speed", Type: arrow.PrimitiveTypes.Uint8, Nullable: true},
	{Name: "node_ids", Type: arrow.ListOf(arrow.PrimitiveTypes.Int64), Nullable: false},
	{Name: "tags", Type: arrow.BinaryTypes.String, Nullable: false},
	{Name: "missing_nodes", Type: arrow.PrimitiveTypes.Int32, Nullable: false},
	{Name: "geom", Type: arrow.BinaryTypes.Binary, Nullable: true},
	{Name: "srid", Type: arrow.PrimitiveTypes.Int32, Nullable: false},
}, nil)

// tagsToJSON converts OSM tags to a JSON object string
func tagsToJSON(tags osm.Tags) string {
	if len(tags) == 0 {
		return "{}"
	}
	b, _ := json.Marshal(tags.Map())
	return string(b)
}

// tableWriter batches rows of one schema into a zstd compressed Parquet file
type tableWriter struct {
	file      *os.File
	writer    *pqarrow.FileWriter
	builder   *array.RecordBuilder
	batchSize int
	count     int
	rows      int64
}

func newTableWriter(path string, schema *arrow.Schema, batchSize int) (*tableWriter, error) {
	f, err := os.Create(path)
	if err != nil {
		return nil, err
	}

	writerProps := parquet.NewWriterProperties(
		parquet.WithCompression(compress.Codecs.Zstd),
		parquet.WithDictionaryDefault(false),
	)

	writer, err := pqarrow.NewFileWriter(schema, f, writerProps, pqarrow.DefaultWriterProps())
	if err != nil {
		f.Close()
		return nil, err
	}

	return &tableWriter{
		file:      f,
		writer:    writer,
		builder:   array.NewRecordBuilder(memory.DefaultAllocator, schema),
		batchSize: batchSize,
	}, nil
}

// rowDone counts a fully appended row and flushes full batches
func (w *tableWriter) rowDone() error {
	w.count++
	w.rows++
	if w.count >= w.batchSize {
		return w.flush()
	}
	return nil
}

func (w *tableWriter) flush() error {
	if w.count == 0 {
		return nil
	}
	rec := w.builder.NewRecord()
	defer rec.Release()
	err := w.writer.Write(rec)
	w.count = 0
	return err
}

// Close flushes pending rows and closes the file
func (w *tableWriter) Close() error {
	defer w.builder.Release()
	if err := w.flush(); err != nil {
		w.writer.Close()
		return err
	}
	if err := w.writer.Close(); err != nil {
		w.file.Close()
		return err
	}
	// the parquet writer may already have closed the file
	if err := w.file.Close(); err != nil && !errors.Is(err, os.ErrClosed) {
		return err
	}
	return nil
}

func (w *tableWriter) int64s(i int) *array.Int64Builder {
	return w.builder.Field(i).(*array.Int64Builder)
}

func (w *tableWriter) list(i int, ids []int64) {
	lb := w.builder.Field(i).(*array.ListBuilder)
	lb.Append(true)
	lb.ValueBuilder().(*array.Int64Builder).AppendValues(ids, nil)
}
