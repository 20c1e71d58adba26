package ingest

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/klauspost/compress/zstd"
	"github.com/pierrec/lz4/v4"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/fleet-telemetry/pipeline/schema"
)

const maxLineSize = 4 * 1024 * 1024

// ConvertJob is one NDJSON log file to convert to Parquet
type ConvertJob struct {
	Input  string
	Output string
}

// ConvertStats summarises one conversion
type ConvertStats struct {
	Input    string `json:"input"`
	Output   string `json:"output"`
	Rows     int    `json:"rows"`
	Rejected int    `json:"rejected"`
}

// Converter turns newline-delimited JSON fleet logs into unified Parquet files.
// Rows failing JSON Schema validation are counted and skipped.
type Converter struct {
	validator *schema.RowValidator
	log       logrus.FieldLogger
}

// NewConverter creates a converter validating against the unified schema
func NewConverter(log logrus.FieldLogger) (*Converter, error) {
	v, err := schema.NewRowValidator(schema.TelemetrySchema)
	if err != nil {
		return nil, err
	}
	return &Converter{validator: v, log: log.WithField("component", "ndjson_converter")}, nil
}

// Convert converts a single file. Inputs ending in .zst or .lz4 are decompressed.
func (c *Converter) Convert(ctx context.Context, job ConvertJob) (ConvertStats, error) {
	stats := ConvertStats{Input: job.Input, Output: job.Output}

	f, err := os.Open(job.Input)
	if err != nil {
		return stats, fmt.Errorf("failed to open %s: %w", job.Input, err)
	}
	defer f.Close()

	r, closeFn, err := decompress(job.Input, f)
	if err != nil {
		return stats, err
	}
	defer closeFn()

	rows, rejected, err := c.readRows(ctx, r, job.Input)
	if err != nil {
		return stats, err
	}
	stats.Rows = len(rows)
	stats.Rejected = rejected

	t, err := FromRows(schema.TelemetrySchema, rows)
	if err != nil {
		return stats, fmt.Errorf("failed to build table from %s: %w", job.Input, err)
	}

	if err := WriteParquet(job.Output, t); err != nil {
		return stats, err
	}

	c.log.WithFields(logrus.Fields{
		"input":    job.Input,
		"output":   job.Output,
		"rows":     stats.Rows,
		"rejected": stats.Rejected,
	}).Info("Converted telemetry log")

	return stats, nil
}

// ConvertAll converts jobs concurrently with at most concurrency files in flight
func (c *Converter) ConvertAll(ctx context.Context, jobs []ConvertJob, concurrency int) ([]ConvertStats, error) {
	if concurrency <= 0 {
		concurrency = 1
	}

	results := make([]ConvertStats, len(jobs))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(concurrency)

	for i, job := range jobs {
		g.Go(func() error {
			stats, err := c.Convert(gctx, job)
			if err != nil {
				return err
			}
			results[i] = stats
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return nil, err
	}
	return results, nil
}

func (c *Converter) readRows(ctx context.Context, r io.Reader, name string) ([]Row, int, error) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), maxLineSize)

	var (
		rows     []Row
		rejected int
		lineNo   int
	)
	for scanner.Scan() {
		lineNo++
		if lineNo%1000 == 0 {
			if err := ctx.Err(); err != nil {
				return nil, 0, err
			}
		}

		line := bytes.TrimSpace(scanner.Bytes())
		if len(line) == 0 {
			continue
		}

		violations, err := c.validator.Validate(line)
		if err != nil || len(violations) > 0 {
			rejected++
			c.log.WithFields(logrus.Fields{
				"file":       name,
				"line":       lineNo,
				"violations": violations,
			}).WithError(err).Debug("Rejected telemetry row")
			continue
		}

		dec := json.NewDecoder(bytes.NewReader(line))
		dec.UseNumber()
		var raw Row
		if err := dec.Decode(&raw); err != nil {
			rejected++
			continue
		}
		row, err := normalizeRow(schema.TelemetrySchema, raw)
		if err != nil {
			rejected++
			c.log.WithFields(logrus.Fields{
				"file": name,
				"line": lineNo,
			}).WithError(err).Debug("Rejected telemetry row")
			continue
		}
		rows = append(rows, row)
	}

	if err := scanner.Err(); err != nil {
		return nil, 0, fmt.Errorf("failed to read %s: %w", name, err)
	}
	return rows, rejected, nil
}

func decompress(name string, r io.Reader) (io.Reader, func(), error) {
	switch {
	case strings.HasSuffix(name, ".zst"):
		dec, err := zstd.NewReader(r)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to open zstd stream: %w", err)
		}
		return dec, dec.Close, nil
	case strings.HasSuffix(name, ".lz4"):
		return lz4.NewReader(r), func() {}, nil
	default:
		return r, func() {}, nil
	}
}
