package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/mux"
	"github.com/sirupsen/logrus"

	"github.com/fleet-telemetry/pipeline/inference"
	"github.com/fleet-telemetry/pipeline/ingest"
	"github.com/fleet-telemetry/pipeline/query"
	"github.com/fleet-telemetry/pipeline/schema"
)

// ErrUnknownSensor is reported for schema lookups of unknown sensor types
var ErrUnknownSensor = errors.New("unknown sensor type")

const (
	defaultPreviewRows = 100
	maxPreviewRows     = 10000
	maxRequestBody     = 1 << 20
)

// QueryRequest is the body of POST /api/query
type QueryRequest struct {
	Question string `json:"question"`
	query.RetrieveOptions
}

// QueryResponse is the answer to a natural-language query
type QueryResponse struct {
	Question   string  `json:"question"`
	Answer     string  `json:"answer"`
	DurationMs float64 `json:"duration_ms"`
}

// RetrieveRequest is the body of POST /api/retrieve
type RetrieveRequest struct {
	query.RetrieveOptions
	Limit int `json:"limit,omitempty"`
}

// RetrieveResponse carries the matching row count and a preview of the rows
type RetrieveResponse struct {
	Rows      int          `json:"rows"`
	Columns   []string     `json:"columns"`
	Preview   []ingest.Row `json:"preview"`
	Truncated bool         `json:"truncated"`
}

// MetricsRequest is the body of POST /api/metrics
type MetricsRequest struct {
	TotalLatencies      []float64 `json:"total_latencies_s"`
	FirstTokenLatencies []float64 `json:"first_token_latencies_s"`
	TokenCounts         []int     `json:"token_counts"`
}

func (s *server) decodeBody(w http.ResponseWriter, r *http.Request, dst interface{}) bool {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxRequestBody))
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		s.writeErrorResponse(w, http.StatusBadRequest, "Invalid request body: "+err.Error())
		return false
	}
	return true
}

func (s *server) handleQuery(w http.ResponseWriter, r *http.Request) {
	var req QueryRequest
	if !s.decodeBody(w, r, &req) {
		return
	}
	req.Question = strings.TrimSpace(req.Question)
	if req.Question == "" {
		s.writeErrorResponse(w, http.StatusBadRequest, "question is required")
		return
	}

	start := time.Now()
	answer, err := s.engine.Query(r.Context(), req.Question, req.RetrieveOptions)
	elapsed := time.Since(start)
	s.collectors.QueryDuration.WithLabelValues("query").Observe(elapsed.Seconds())

	if err != nil {
		s.hub.Broadcast(EventQueryFailed, map[string]string{"question": req.Question, "error": err.Error()})

		if errors.Is(err, query.ErrInference) {
			s.collectors.InferenceErrs.Inc()
			s.log.WithError(err).Warn("Inference endpoint failed")
			s.writeErrorResponse(w, http.StatusBadGateway, "Inference request failed")
			return
		}
		s.log.WithError(err).Error("Query failed")
		s.writeErrorResponse(w, http.StatusInternalServerError, "Query failed")
		return
	}

	resp := QueryResponse{
		Question:   req.Question,
		Answer:     answer,
		DurationMs: float64(elapsed.Microseconds()) / 1000,
	}
	s.hub.Broadcast(EventQueryComplete, resp)
	s.writeJSONResponse(w, http.StatusOK, resp)
}

func (s *server) handleRetrieve(w http.ResponseWriter, r *http.Request) {
	var req RetrieveRequest
	if !s.decodeBody(w, r, &req) {
		return
	}

	limit := req.Limit
	if limit <= 0 {
		limit = defaultPreviewRows
	}
	if limit > maxPreviewRows {
		limit = maxPreviewRows
	}

	start := time.Now()
	t, err := s.engine.Retrieve(r.Context(), req.RetrieveOptions)
	s.collectors.QueryDuration.WithLabelValues("retrieve").Observe(time.Since(start).Seconds())
	if err != nil {
		s.log.WithError(err).Error("Retrieve failed")
		s.writeErrorResponse(w, http.StatusInternalServerError, "Retrieve failed")
		return
	}
	s.collectors.RowsRetrieved.Observe(float64(t.NumRows()))

	n := t.NumRows()
	if n > limit {
		n = limit
	}
	preview := make([]ingest.Row, n)
	for i := range preview {
		preview[i] = t.RowAt(i)
	}

	resp := RetrieveResponse{
		Rows:      t.NumRows(),
		Columns:   t.ColumnNames(),
		Preview:   preview,
		Truncated: t.NumRows() > n,
	}
	s.hub.Broadcast(EventRetrieve, map[string]int{"rows": resp.Rows})
	s.writeJSONResponse(w, http.StatusOK, resp)
}

func (s *server) handleFormat(w http.ResponseWriter, r *http.Request) {
	stage := r.URL.Query().Get("stage")
	if stage == "" {
		s.writeErrorResponse(w, http.StatusBadRequest, "stage is required")
		return
	}
	hardware := r.URL.Query().Get("hardware")
	if hardware == "" {
		hardware = "gpu"
	}

	decision := inference.SelectFormat(stage, hardware)
	s.writeJSONResponse(w, http.StatusOK, map[string]interface{}{
		"stage":     stage,
		"hardware":  hardware,
		"format":    decision.Format,
		"rationale": decision.Rationale,
	})
}

func (s *server) handleMetrics(w http.ResponseWriter, r *http.Request) {
	var req MetricsRequest
	if !s.decodeBody(w, r, &req) {
		return
	}

	summary, err := inference.ComputeMetrics(req.TotalLatencies, req.FirstTokenLatencies, req.TokenCounts)
	if err != nil {
		s.writeErrorResponse(w, http.StatusBadRequest, err.Error())
		return
	}
	s.writeJSONResponse(w, http.StatusOK, summary)
}

func (s *server) handleSchema(w http.ResponseWriter, r *http.Request) {
	sensor := strings.ToLower(mux.Vars(r)["sensor"])

	var cols schema.Schema
	switch sensor {
	case "unified", "all":
		cols = schema.TelemetrySchema
	default:
		found, ok := schema.SchemaForSensor(sensor)
		if !ok {
			s.writeErrorResponse(w, http.StatusNotFound, ErrUnknownSensor.Error()+": "+sensor)
			return
		}
		cols = found
	}

	s.writeJSONResponse(w, http.StatusOK, map[string]interface{}{
		"sensor":  sensor,
		"columns": cols,
	})
}

func (s *server) handleListRuns(w http.ResponseWriter, r *http.Request) {
	if s.runs == nil {
		s.writeErrorResponse(w, http.StatusNotImplemented, "Results storage is not configured")
		return
	}

	limit := 50
	if v := r.URL.Query().Get("limit"); v != "" {
		if parsed, err := strconv.Atoi(v); err == nil && parsed > 0 {
			limit = parsed
		}
	}

	runs, err := s.runs.ListGenerationRuns(r.Context(), limit)
	if err != nil {
		s.log.WithError(err).Error("Failed to list generation runs")
		s.writeErrorResponse(w, http.StatusInternalServerError, "Failed to retrieve runs")
		return
	}

	s.writeJSONResponse(w, http.StatusOK, map[string]interface{}{
		"runs":  runs,
		"count": len(runs),
		"limit": limit,
	})
}

func (s *server) handleHealth(w http.ResponseWriter, r *http.Request) {
	s.writeJSONResponse(w, http.StatusOK, map[string]interface{}{
		"status":            "healthy",
		"timestamp":         time.Now(),
		"websocket_clients": s.hub.ClientCount(),
	})
}

func (s *server) writeJSONResponse(w http.ResponseWriter, statusCode int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)

	if err := json.NewEncoder(w).Encode(data); err != nil {
		s.log.WithError(err).Error("Failed to encode JSON response")
	}
}

func (s *server) writeErrorResponse(w http.ResponseWriter, statusCode int, message string) {
	s.log.WithFields(logrus.Fields{"status": statusCode, "message": message}).Debug("Request rejected")
	s.writeJSONResponse(w, statusCode, map[string]interface{}{
		"error":   true,
		"message": message,
		"status":  statusCode,
	})
}
