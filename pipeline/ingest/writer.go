package ingest

import (
	"fmt"
	"io"
	"os"

	"github.com/apache/arrow-go/v18/parquet"
	"github.com/apache/arrow-go/v18/parquet/compress"
	"github.com/apache/arrow-go/v18/parquet/pqarrow"
)

// WriteParquet writes t to a zstd-compressed Parquet file at path
func WriteParquet(path string, t *Table) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("failed to create parquet file: %w", err)
	}
	defer f.Close()

	return WriteParquetTo(f, t)
}

// WriteParquetTo writes t as Parquet to w. The writer closes w if it is an io.Closer.
func WriteParquetTo(w io.Writer, t *Table) error {
	props := parquet.NewWriterProperties(
		parquet.WithCompression(compress.Codecs.Zstd),
		parquet.WithDictionaryDefault(true),
	)

	fw, err := pqarrow.NewFileWriter(t.Schema(), w, props, pqarrow.DefaultWriterProps())
	if err != nil {
		return fmt.Errorf("failed to create parquet writer: %w", err)
	}

	if err := fw.Write(t.Record()); err != nil {
		fw.Close()
		return fmt.Errorf("failed to write telemetry: %w", err)
	}

	if err := fw.Close(); err != nil {
		return fmt.Errorf("failed to finalize parquet file: %w", err)
	}
	return nil
}
