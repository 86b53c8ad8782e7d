// Package api exposes the read-only query surface and the batch
// read/write endpoint over HTTP. It consumes the collector through a
// narrow interface and never touches the BLE provider directly.
package api

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"

	"github.com/srg/blecd/internal/collector"
	"github.com/srg/blecd/internal/store"
)

// Engine is the slice of the collector root the HTTP layer needs.
type Engine interface {
	ListAdapters() []collector.AdapterInfo
	Describe() []collector.AdapterDescription
	Snapshot() []store.PeripheralSnapshot
	Read(ctx context.Context, adapter, peripheral, service, characteristic string) ([]byte, error)
	Write(ctx context.Context, adapter, peripheral, service, characteristic string, value []byte, withResponse bool) error
}

// Server wires the routes.
type Server struct {
	engine Engine
	log    *logrus.Logger
}

// NewServer creates the HTTP server facade.
func NewServer(engine Engine, logger *logrus.Logger) *Server {
	if logger == nil {
		logger = logrus.New()
	}
	return &Server{engine: engine, log: logger}
}

// Router builds the chi router. When registry is non-nil a Prometheus
// scrape endpoint is mounted at /metrics.
func (s *Server) Router(registry *prometheus.Registry) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)

	r.Route("/ble", func(r chi.Router) {
		r.Get("/adapters", s.handleAdapters)
		r.Get("/adapters/describe", s.handleDescribe)
		r.Get("/data", s.handleData)
		r.Post("/adapters/{adapter}/rw", s.handleRW)
	})

	if registry != nil {
		r.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))
	}
	return r
}

func (s *Server) handleAdapters(w http.ResponseWriter, _ *http.Request) {
	s.respond(w, http.StatusOK, s.engine.ListAdapters())
}

func (s *Server) handleDescribe(w http.ResponseWriter, _ *http.Request) {
	s.respond(w, http.StatusOK, s.engine.Describe())
}

func (s *Server) handleData(w http.ResponseWriter, _ *http.Request) {
	snapshot := s.engine.Snapshot()
	if snapshot == nil {
		snapshot = []store.PeripheralSnapshot{}
	}
	s.respond(w, http.StatusOK, snapshot)
}

// rwItem is one entry of a batch read/write request.
type rwItem struct {
	Op             string `json:"op"` // "read" or "write"
	Peripheral     string `json:"peripheral"`
	Service        string `json:"service"`
	Characteristic string `json:"characteristic"`
	Value          string `json:"value,omitempty"` // hex, writes only
	WithResponse   bool   `json:"with_response,omitempty"`
}

// rwItemResult mirrors one request item with its outcome.
type rwItemResult struct {
	rwItem
	Status string `json:"status"` // "ok" or "error"
	Result string `json:"result,omitempty"`
	Error  string `json:"error,omitempty"`
}

type rwRequestBody struct {
	Items []rwItem `json:"items"`
}

func (s *Server) handleRW(w http.ResponseWriter, r *http.Request) {
	adapter := chi.URLParam(r, "adapter")

	var body rwRequestBody
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		s.respondError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}
	if len(body.Items) == 0 {
		s.respondError(w, http.StatusBadRequest, "empty batch")
		return
	}

	results := make([]rwItemResult, 0, len(body.Items))
	for _, item := range body.Items {
		results = append(results, s.execute(r.Context(), adapter, item))
	}
	s.respond(w, http.StatusOK, map[string]any{"items": results})
}

func (s *Server) execute(ctx context.Context, adapter string, item rwItem) rwItemResult {
	out := rwItemResult{rwItem: item, Status: "ok"}

	switch item.Op {
	case "read":
		value, err := s.engine.Read(ctx, adapter, item.Peripheral, item.Service, item.Characteristic)
		if err != nil {
			out.Status = "error"
			out.Error = err.Error()
			return out
		}
		out.Result = hex.EncodeToString(value)

	case "write":
		value, err := hex.DecodeString(item.Value)
		if err != nil {
			out.Status = "error"
			out.Error = "value is not valid hex: " + err.Error()
			return out
		}
		if err := s.engine.Write(ctx, adapter, item.Peripheral, item.Service, item.Characteristic, value, item.WithResponse); err != nil {
			out.Status = "error"
			out.Error = err.Error()
			return out
		}

	default:
		out.Status = "error"
		out.Error = "unknown op " + item.Op
	}
	return out
}

func (s *Server) respond(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		s.log.WithError(err).Warn("Failed to encode HTTP response")
	}
}

func (s *Server) respondError(w http.ResponseWriter, status int, msg string) {
	s.respond(w, status, map[string]string{"error": msg})
}
