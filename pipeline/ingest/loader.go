package ingest

import (
	"context"
	"fmt"
	"runtime"
	"strings"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/array"
	"github.com/apache/arrow-go/v18/arrow/compute"
	"github.com/apache/arrow-go/v18/arrow/memory"
	"github.com/apache/arrow-go/v18/parquet"
	"github.com/apache/arrow-go/v18/parquet/file"
	"github.com/apache/arrow-go/v18/parquet/pqarrow"
	"github.com/sirupsen/logrus"

	"github.com/fleet-telemetry/pipeline/schema"
)

// Backend selects how Parquet files are decoded
type Backend int

const (
	// BackendStandard decodes columns serially from buffered file reads
	BackendStandard Backend = iota
	// BackendAccelerated memory-maps the file and decodes columns in parallel
	BackendAccelerated
)

const (
	readBatchSize   = 64 * 1024
	spillBufferSize = 1 << 20
)

func (b Backend) String() string {
	switch b {
	case BackendAccelerated:
		return "accelerated"
	default:
		return "standard"
	}
}

// ParseBackend parses a backend name. "auto" and "" pick the accelerated
// backend, which falls back to standard when unavailable.
func ParseBackend(name string) (Backend, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "", "auto", "accelerated":
		return BackendAccelerated, nil
	case "standard":
		return BackendStandard, nil
	}
	return BackendStandard, fmt.Errorf("unknown backend: %s", name)
}

// AcceleratedAvailable reports whether parallel decoding can run
func AcceleratedAvailable() bool {
	return runtime.GOMAXPROCS(0) > 1
}

// ResolveBackend returns preferred when it is available and BackendStandard otherwise
func ResolveBackend(preferred Backend) Backend {
	if preferred == BackendAccelerated && !AcceleratedAvailable() {
		return BackendStandard
	}
	return preferred
}

// Loader reads telemetry Parquet files into tables. The backend is resolved once
// at construction. Loads are not cached.
type Loader struct {
	backend  Backend
	spill    bool
	store    ObjectStore
	cacheDir string
	mem      memory.Allocator
	log      logrus.FieldLogger
}

// LoaderOption configures a Loader
type LoaderOption func(*Loader)

// WithSpill sets the spill hint. Only the accelerated backend uses it, to stream
// pages through bounded buffers instead of reading whole column chunks.
func WithSpill(spill bool) LoaderOption {
	return func(l *Loader) { l.spill = spill }
}

// WithObjectStore enables s3:// data paths, cached under cacheDir
func WithObjectStore(store ObjectStore, cacheDir string) LoaderOption {
	return func(l *Loader) {
		l.store = store
		l.cacheDir = cacheDir
	}
}

// WithLogger sets the loader's logger
func WithLogger(log logrus.FieldLogger) LoaderOption {
	return func(l *Loader) { l.log = log }
}

// NewLoader creates a loader for the preferred backend
func NewLoader(preferred Backend, opts ...LoaderOption) *Loader {
	l := &Loader{
		backend: ResolveBackend(preferred),
		mem:     memory.DefaultAllocator,
		log:     logrus.StandardLogger(),
	}
	for _, opt := range opts {
		opt(l)
	}
	l.log = l.log.WithField("component", "loader")

	if l.backend != preferred {
		l.log.WithFields(logrus.Fields{
			"preferred": preferred.String(),
			"using":     l.backend.String(),
		}).Debug("Preferred backend unavailable, falling back")
	}
	return l
}

// Backend returns the resolved backend
func (l *Loader) Backend() Backend { return l.backend }

// Load reads the Parquet file at path. Columns of the unified schema missing
// from the file are added as all-null columns, and present ones are cast to
// their unified type.
func (l *Loader) Load(ctx context.Context, path string) (*Table, error) {
	local, err := localPath(ctx, l.store, l.cacheDir, path)
	if err != nil {
		return nil, err
	}

	props := parquet.NewReaderProperties(l.mem)
	arrProps := pqarrow.ArrowReadProperties{BatchSize: readBatchSize}
	memoryMap := false

	if l.backend == BackendAccelerated {
		memoryMap = true
		arrProps.Parallel = true
		if l.spill {
			props.BufferedStreamEnabled = true
			props.BufferSize = spillBufferSize
		}
	}

	pf, err := file.OpenParquetFile(local, memoryMap, file.WithReadProps(props))
	if err != nil {
		return nil, fmt.Errorf("failed to open parquet file %s: %w", path, err)
	}
	defer pf.Close()

	fr, err := pqarrow.NewFileReader(pf, arrProps, l.mem)
	if err != nil {
		return nil, fmt.Errorf("failed to create parquet reader: %w", err)
	}

	tbl, err := fr.ReadTable(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to read parquet table: %w", err)
	}
	defer tbl.Release()

	rec, err := tableToRecord(l.mem, tbl)
	if err != nil {
		return nil, err
	}

	conformed, err := conformToUnified(ctx, l.mem, rec)
	if err != nil {
		return nil, fmt.Errorf("failed to conform %s to the telemetry schema: %w", path, err)
	}
	t := NewTable(conformed)

	l.log.WithFields(logrus.Fields{
		"path":    path,
		"rows":    t.NumRows(),
		"backend": l.backend.String(),
		"spill":   l.spill,
	}).Debug("Loaded telemetry")

	return t, nil
}

// tableToRecord concatenates the chunks of each column into one record
func tableToRecord(mem memory.Allocator, tbl arrow.Table) (arrow.Record, error) {
	n := int(tbl.NumCols())
	cols := make([]arrow.Array, n)
	defer func() {
		for _, c := range cols {
			if c != nil {
				c.Release()
			}
		}
	}()

	for i := 0; i < n; i++ {
		chunked := tbl.Column(i).Data()
		chunks := chunked.Chunks()
		switch len(chunks) {
		case 0:
			cols[i] = array.MakeArrayOfNull(mem, chunked.DataType(), 0)
		case 1:
			chunks[0].Retain()
			cols[i] = chunks[0]
		default:
			arr, err := array.Concatenate(chunks, mem)
			if err != nil {
				return nil, fmt.Errorf("failed to concatenate column %s: %w", tbl.Schema().Field(i).Name, err)
			}
			cols[i] = arr
		}
	}

	return array.NewRecord(tbl.Schema(), cols, tbl.NumRows()), nil
}

// conformToUnified orders columns as the unified schema, adding null columns for
// missing ones and casting present ones to the unified type. Columns outside
// the unified schema are kept after them unchanged.
func conformToUnified(ctx context.Context, mem memory.Allocator, rec arrow.Record) (arrow.Record, error) {
	defer rec.Release()

	n := int(rec.NumRows())
	present := make(map[string]int, rec.NumCols())
	for i, f := range rec.Schema().Fields() {
		present[f.Name] = i
	}

	var (
		fields []arrow.Field
		cols   []arrow.Array
	)
	release := func() {
		for _, c := range cols {
			c.Release()
		}
	}

	ctx = compute.WithAllocator(ctx, mem)
	for _, c := range schema.TelemetrySchema {
		dt := schema.ArrowType(c.Type)
		fields = append(fields, arrow.Field{Name: c.Name, Type: dt, Nullable: true})

		i, ok := present[c.Name]
		if !ok {
			cols = append(cols, array.MakeArrayOfNull(mem, dt, n))
			continue
		}
		delete(present, c.Name)

		col, err := castColumn(ctx, rec.Column(i), dt)
		if err != nil {
			release()
			return nil, fmt.Errorf("column %s: %w", c.Name, err)
		}
		cols = append(cols, col)
	}
	for i, f := range rec.Schema().Fields() {
		if _, extra := present[f.Name]; !extra {
			continue
		}
		fields = append(fields, f)
		col := rec.Column(i)
		col.Retain()
		cols = append(cols, col)
	}

	out := array.NewRecord(arrow.NewSchema(fields, nil), cols, int64(n))
	release()
	return out, nil
}

// castColumn returns col as type dt. Dictionary columns are decoded first.
// The result carries its own reference.
func castColumn(ctx context.Context, col arrow.Array, dt arrow.DataType) (arrow.Array, error) {
	if arrow.TypeEqual(col.DataType(), dt) {
		col.Retain()
		return col, nil
	}

	if dict, ok := col.(*array.Dictionary); ok {
		values, err := castColumn(ctx, dict.Dictionary(), dt)
		if err != nil {
			return nil, err
		}
		defer values.Release()
		return compute.TakeArray(ctx, values, dict.Indices())
	}

	out, err := compute.CastArray(ctx, col, compute.SafeCastOptions(dt))
	if err != nil {
		return nil, fmt.Errorf("cannot convert %s to %s: %w", col.DataType(), dt, err)
	}
	return out, nil
}
