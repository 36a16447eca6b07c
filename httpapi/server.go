package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"html/template"
	"net"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/eddielth/airmesh/logger"
	"github.com/eddielth/airmesh/readings"
)

var indexTemplate = template.Must(template.New("index").Parse(`<!DOCTYPE html>
<html><head><title>Mesh Network Monitor</title></head><body>
<h1>Sensor Readings</h1>
<table>
<tr><th>Node</th><th>PM1.0</th><th>PM2.5</th><th>PM10.0</th><th>Temperature</th><th>Humidity</th><th>Updated</th></tr>
{{- range .}}
<tr><td>{{.Node}}{{if .Local}} (local){{end}}{{if .Relayed}} (relayed){{end}}</td><td>{{.Reading.PM1_0}}</td><td>{{.Reading.PM2_5}}</td><td>{{.Reading.PM10_0}}</td><td>{{.Reading.Temperature}}</td><td>{{.Reading.Humidity}}</td><td>{{.UpdatedAt.Format "2006-01-02 15:04:05"}}</td></tr>
{{- end}}
</table>
</body></html>
`))

// Server exposes the readings store and the node metrics over HTTP
type Server struct {
	store    *readings.Store
	gatherer prometheus.Gatherer
	srv      *http.Server
}

// NewServer creates a server bound to listen; nothing is served until Start
func NewServer(listen string, store *readings.Store, gatherer prometheus.Gatherer) *Server {
	s := &Server{store: store, gatherer: gatherer}
	s.srv = &http.Server{
		Addr:              listen,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	return s
}

// Handler returns the route table
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /{$}", s.handleIndex)
	mux.HandleFunc("GET /readings", s.handleReadings)
	mux.HandleFunc("GET /readings/{id}", s.handleReading)
	mux.HandleFunc("GET /healthz", s.handleHealth)
	mux.Handle("GET /metrics", promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{}))
	return mux
}

// Start listens in the background. A bind failure is returned immediately.
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.srv.Addr)
	if err != nil {
		return err
	}
	logger.Info("HTTP API listening on %s", ln.Addr())

	go func() {
		if err := s.srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("HTTP API exited: %v", err)
		}
	}()
	return nil
}

// Shutdown stops the server gracefully
func (s *Server) Shutdown(ctx context.Context) error {
	return s.srv.Shutdown(ctx)
}

func (s *Server) handleIndex(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	if err := indexTemplate.Execute(w, s.store.Snapshot()); err != nil {
		logger.Warn("Failed to render index: %v", err)
	}
}

func (s *Server) handleReadings(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.store.Snapshot())
}

func (s *Server) handleReading(w http.ResponseWriter, r *http.Request) {
	id, err := readings.ParseNodeID(r.PathValue("id"))
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid node id"})
		return
	}
	e, ok := s.store.Entry(id)
	if !ok {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "unknown node"})
		return
	}
	writeJSON(w, http.StatusOK, readings.NodeReading{Node: id, Local: id == s.store.Local(), Entry: e})
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":  "ok",
		"node_id": s.store.Local(),
		"nodes":   s.store.Len(),
	})
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logger.Warn("Failed to write response: %v", err)
	}
}
