package query

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/fleet-telemetry/pipeline/inference"
	"github.com/fleet-telemetry/pipeline/ingest"
	"github.com/fleet-telemetry/pipeline/schema"
)

const DefaultMaxContextRows = 1000

// ErrInference marks failures returned by the language model endpoint
var ErrInference = errors.New("inference request failed")

// Asker sends a user message with a system prompt to a language model
type Asker interface {
	Ask(ctx context.Context, user, system string) (string, error)
}

// EngineConfig configures a query engine
type EngineConfig struct {
	DataPath        string
	NIMBaseURL      string
	NIMModel        string
	MaxContextRows  int
	MaxContextChars int
	Backend         ingest.Backend
	Spill           bool
}

// RetrieveOptions narrows the telemetry handed to a query. Zero values apply
// no filtering.
type RetrieveOptions struct {
	VehicleIDs     []string `json:"vehicle_ids,omitempty"`
	StartNs        *int64   `json:"start_ns,omitempty"`
	EndNs          *int64   `json:"end_ns,omitempty"`
	SensorType     string   `json:"sensor_type,omitempty"`
	BrakeThreshold *float64 `json:"brake_threshold,omitempty"`
}

// Engine loads a telemetry file once, filters it and asks a language model
// about the result. It is safe for concurrent use.
type Engine struct {
	cfg    EngineConfig
	loader *ingest.Loader
	asker  Asker
	log    logrus.FieldLogger

	mu    sync.Mutex
	table *ingest.Table
}

// EngineOption configures an Engine
type EngineOption func(*Engine)

// WithAsker replaces the default NIM client
func WithAsker(a Asker) EngineOption {
	return func(e *Engine) { e.asker = a }
}

// WithLoader replaces the loader built from the engine config
func WithLoader(l *ingest.Loader) EngineOption {
	return func(e *Engine) { e.loader = l }
}

// WithEngineLogger sets the engine logger
func WithEngineLogger(log logrus.FieldLogger) EngineOption {
	return func(e *Engine) { e.log = log.WithField("component", "query-engine") }
}

// NewEngine creates an engine over cfg.DataPath. Nothing is loaded until the
// first retrieval.
func NewEngine(cfg EngineConfig, opts ...EngineOption) *Engine {
	if cfg.NIMBaseURL == "" {
		cfg.NIMBaseURL = inference.DefaultBaseURL
	}
	if cfg.NIMModel == "" {
		cfg.NIMModel = inference.DefaultModel
	}
	if cfg.MaxContextRows <= 0 {
		cfg.MaxContextRows = DefaultMaxContextRows
	}
	if cfg.MaxContextChars <= 0 {
		cfg.MaxContextChars = DefaultMaxContextChars
	}

	e := &Engine{
		cfg: cfg,
		log: logrus.StandardLogger().WithField("component", "query-engine"),
	}
	for _, opt := range opts {
		opt(e)
	}
	if e.loader == nil {
		e.loader = ingest.NewLoader(cfg.Backend, ingest.WithSpill(cfg.Spill), ingest.WithLogger(e.log))
	}
	if e.asker == nil {
		e.asker = inference.NewClient(cfg.NIMBaseURL, cfg.NIMModel, inference.WithClientLogger(e.log))
	}
	return e
}

// Config returns the effective engine configuration
func (e *Engine) Config() EngineConfig { return e.cfg }

// Loaded reports whether the telemetry table has been loaded
func (e *Engine) Loaded() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.table != nil
}

// Table returns the loaded telemetry, loading it on first use. A failed load
// leaves the engine unloaded so a later call can retry.
func (e *Engine) Table(ctx context.Context) (*ingest.Table, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.table != nil {
		return e.table, nil
	}

	start := time.Now()
	t, err := e.loader.Load(ctx, e.cfg.DataPath)
	if err != nil {
		return nil, fmt.Errorf("failed to load telemetry: %w", err)
	}
	e.table = t

	e.log.WithFields(logrus.Fields{
		"path":     e.cfg.DataPath,
		"rows":     t.NumRows(),
		"backend":  e.loader.Backend().String(),
		"duration": time.Since(start),
	}).Info("Telemetry loaded")
	return t, nil
}

// Retrieve returns the loaded telemetry narrowed by vehicle, then time range,
// then sensor type, then brake pressure threshold.
func (e *Engine) Retrieve(ctx context.Context, opts RetrieveOptions) (*ingest.Table, error) {
	t, err := e.Table(ctx)
	if err != nil {
		return nil, err
	}

	if len(opts.VehicleIDs) > 0 {
		if t, err = ingest.FilterByVehicle(t, opts.VehicleIDs); err != nil {
			return nil, err
		}
	}
	if opts.StartNs != nil || opts.EndNs != nil {
		if t, err = ingest.FilterByTimeRange(t, opts.StartNs, opts.EndNs); err != nil {
			return nil, err
		}
	}
	if opts.SensorType != "" {
		if t, err = ingest.FilterBySensorType(t, opts.SensorType); err != nil {
			return nil, err
		}
	}
	if opts.BrakeThreshold != nil {
		if t, err = ingest.FilterByThreshold(t, schema.ColBrakePressurePct, *opts.BrakeThreshold); err != nil {
			return nil, err
		}
	}

	e.log.WithFields(logrus.Fields{
		"vehicles": len(opts.VehicleIDs),
		"sensor":   opts.SensorType,
		"rows":     t.NumRows(),
	}).Debug("Telemetry retrieved")
	return t, nil
}

// BuildContext renders the first MaxContextRows rows of t for a prompt
func (e *Engine) BuildContext(t *ingest.Table) string {
	return RenderTable(t, e.cfg.MaxContextRows)
}

// Query retrieves telemetry with opts, renders it as context and asks the
// language model the question. The answer is returned verbatim.
func (e *Engine) Query(ctx context.Context, question string, opts RetrieveOptions) (string, error) {
	t, err := e.Retrieve(ctx, opts)
	if err != nil {
		return "", err
	}

	userMsg := FormatUserQuery(question, e.BuildContext(t), e.cfg.MaxContextChars)

	answer, err := e.asker.Ask(ctx, userMsg, SystemPrompt)
	if err != nil {
		return "", fmt.Errorf("%w: %w", ErrInference, err)
	}
	return answer, nil
}
