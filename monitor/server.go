// Package monitor serves a read-only view of training runs: run and summary
// listings as JSON, SVG learning curves, and a websocket feed of summaries
// as the trainer produces them.
package monitor

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"strconv"
	"strings"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"

	"github.com/tsawler/go-unet/history"
	"github.com/tsawler/go-unet/training"
)

// Source provides the stored runs.
type Source interface {
	Runs() ([]history.Run, error)
	Summaries(run string) ([]training.Summary, error)
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
}

// Default curve size in points.
const (
	defaultWidth  = 640
	defaultHeight = 400
)

// Server is the monitor HTTP handler. It is also a training.Recorder that
// pushes each summary to the websocket clients.
type Server struct {
	router *mux.Router
	source Source
	hub    *Hub
	logger *log.Logger
}

// NewServer builds the routes over source. A nil logger logs to stderr.
func NewServer(source Source, logger *log.Logger) *Server {
	if logger == nil {
		logger = log.New(os.Stderr, "", log.LstdFlags)
	}
	s := &Server{
		router: mux.NewRouter(),
		source: source,
		hub:    newHub(logger),
		logger: logger,
	}

	s.router.HandleFunc("/api/runs", s.runs()).Methods(http.MethodGet)
	s.router.HandleFunc("/api/runs/{run}/summaries", s.summaries()).Methods(http.MethodGet)
	s.router.HandleFunc("/runs/{run}/curves.svg", s.curves()).Methods(http.MethodGet)
	s.router.HandleFunc("/ws", s.ws())
	return s
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

// Hub returns the websocket hub.
func (s *Server) Hub() *Hub {
	return s.hub
}

// RecordSummary pushes sum to every websocket client.
func (s *Server) RecordSummary(sum training.Summary) error {
	s.hub.Broadcast(sum)
	return nil
}

// Close disconnects the websocket clients.
func (s *Server) Close() {
	s.hub.Close()
}

func (s *Server) runs() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		runs, err := s.source.Runs()
		if err != nil {
			s.fail(w, err)
			return
		}
		if runs == nil {
			runs = []history.Run{}
		}
		s.writeJSON(w, runs)
	}
}

func (s *Server) summaries() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		summaries, err := s.source.Summaries(mux.Vars(r)["run"])
		if err != nil {
			s.fail(w, err)
			return
		}
		s.writeJSON(w, summaries)
	}
}

// curves renders the run's curves. Optional query parameters: metrics
// (comma separated), width and height in points.
func (s *Server) curves() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		run := mux.Vars(r)["run"]
		q := r.URL.Query()

		width, err := sizeParam(q.Get("width"), defaultWidth)
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		height, err := sizeParam(q.Get("height"), defaultHeight)
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		var metrics []training.CurveMetric
		if m := q.Get("metrics"); m != "" {
			for _, name := range strings.Split(m, ",") {
				metrics = append(metrics, training.CurveMetric(strings.TrimSpace(name)))
			}
		}

		summaries, err := s.source.Summaries(run)
		if err != nil {
			s.fail(w, err)
			return
		}

		var buf bytes.Buffer
		if err := training.WriteCurves(&buf, "svg", run, summaries, width, height, metrics...); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		w.Header().Set("Content-Type", "image/svg+xml")
		buf.WriteTo(w)
	}
}

func (s *Server) ws() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			s.logger.Println("monitor: websocket upgrade failed:", err)
			return
		}
		s.hub.add(conn)
	}
}

func sizeParam(v string, def int) (int, error) {
	if v == "" {
		return def, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil || n <= 0 || n > 4096 {
		return 0, fmt.Errorf("invalid size %q", v)
	}
	return n, nil
}

func (s *Server) writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Println("monitor: failed to write response:", err)
	}
}

func (s *Server) fail(w http.ResponseWriter, err error) {
	if errors.Is(err, history.ErrUnknownRun) {
		http.Error(w, err.Error(), http.StatusNotFound)
		return
	}
	s.logger.Println("monitor:", err)
	http.Error(w, "internal error", http.StatusInternalServerError)
}

// ListenAndServe serves s on addr until the listener fails.
func (s *Server) ListenAndServe(addr string) error {
	s.logger.Printf("serving training monitor at http://%s", addr)
	return http.ListenAndServe(addr, s)
}
