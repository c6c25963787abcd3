// Package api is the read-only advice query surface aggregated from the
// mistake tracker and the reference lap set. Safe to call concurrently with
// the data path.
package api

import (
	"context"
	"encoding/json"
	"log"
	"net/http"
	"strconv"
	"time"

	"github.com/apex-data/racecoach/internal/laps"
	"github.com/apex-data/racecoach/internal/mistakes"
	"github.com/apex-data/racecoach/internal/version"
)

// recentDefaultWindowS and recentMaxEvents bound the recent_mistakes query.
const (
	recentDefaultWindowS = 120.0
	recentMaxEvents      = 200
)

// Server handles the advice HTTP interface.
type Server struct {
	address string
	tracker *mistakes.Tracker
	refs    *laps.ReferenceManager
	server  *http.Server
}

// Config contains the server dependencies.
type Config struct {
	Address string
	Tracker *mistakes.Tracker
	Refs    *laps.ReferenceManager
}

// NewServer creates the advice server with the provided configuration.
func NewServer(config Config) *Server {
	s := &Server{
		address: config.Address,
		tracker: config.Tracker,
		refs:    config.Refs,
	}
	s.server = &http.Server{
		Addr:    s.address,
		Handler: s.setupRoutes(),
	}
	return s
}

func (s *Server) writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(v)
}

func (s *Server) writeJSONError(w http.ResponseWriter, status int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]string{"error": msg})
}

// setupRoutes configures the HTTP routes and handlers.
func (s *Server) setupRoutes() *http.ServeMux {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /advice/session_summary", s.handleSessionSummary)
	mux.HandleFunc("GET /advice/persistent_mistakes", s.handlePersistentMistakes)
	mux.HandleFunc("GET /advice/focus_areas", s.handleFocusAreas)
	mux.HandleFunc("GET /advice/corner/{id}", s.handleCorner)
	mux.HandleFunc("GET /advice/recent_mistakes", s.handleRecentMistakes)
	mux.HandleFunc("GET /health", s.handleHealth)

	return mux
}

// Handler exposes the route set for tests and embedding.
func (s *Server) Handler() http.Handler { return s.server.Handler }

// Start begins the HTTP server in a goroutine and shuts it down when the
// context is cancelled.
func (s *Server) Start(ctx context.Context) error {
	go func() {
		log.Printf("advice server listening on %s", s.address)
		if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Printf("advice server error: %v", err)
		}
	}()

	<-ctx.Done()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := s.server.Shutdown(shutdownCtx); err != nil {
		log.Printf("advice server shutdown error: %v", err)
		return s.server.Close()
	}
	return nil
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, map[string]string{"status": "ok", "version": version.String()})
}

func (s *Server) handleSessionSummary(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, s.tracker.Summary())
}

func (s *Server) handlePersistentMistakes(w http.ResponseWriter, r *http.Request) {
	out := s.tracker.PersistentMistakes()
	if out == nil {
		out = []mistakes.Pattern{}
	}
	s.writeJSON(w, out)
}

func (s *Server) handleFocusAreas(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, s.tracker.Focus())
}

// cornerReport is the per-corner view: aggregated patterns plus the personal
// best reference for that corner.
type cornerReport struct {
	Corner    string             `json:"corner"`
	Patterns  []mistakes.Pattern `json:"patterns"`
	Reference *laps.SegmentRef   `json:"reference,omitempty"`
}

func (s *Server) handleCorner(w http.ResponseWriter, r *http.Request) {
	corner := r.PathValue("id")
	if corner == "" {
		s.writeJSONError(w, http.StatusBadRequest, "missing corner id")
		return
	}
	report := cornerReport{
		Corner:   corner,
		Patterns: s.tracker.ByCorner(corner),
	}
	if report.Patterns == nil {
		report.Patterns = []mistakes.Pattern{}
	}
	if s.refs != nil {
		if ref := s.refs.Get(laps.RolePersonalBest); ref != nil {
			if sr, ok := ref.Segments[corner]; ok {
				report.Reference = &sr
			}
		}
	}
	s.writeJSON(w, report)
}

func (s *Server) handleRecentMistakes(w http.ResponseWriter, r *http.Request) {
	windowS := recentDefaultWindowS
	if v := r.URL.Query().Get("window_s"); v != "" {
		parsed, err := strconv.ParseFloat(v, 64)
		if err != nil || parsed <= 0 {
			s.writeJSONError(w, http.StatusBadRequest, "invalid 'window_s' parameter")
			return
		}
		windowS = parsed
	}
	out := s.tracker.Recent(windowS, recentMaxEvents)
	if out == nil {
		out = []mistakes.Event{}
	}
	s.writeJSON(w, out)
}
