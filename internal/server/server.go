// Package server exposes a small status API over the run history
// database plus a websocket stream of live per-sequence results.
package server

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"

	"github.com/Jbsco/ap-toolkit/internal/pipeline"
	"github.com/Jbsco/ap-toolkit/internal/storage"
)

// Server wraps the HTTP status endpoint.
type Server struct {
	addr     string
	store    *storage.Store
	runner   *pipeline.Runner
	log      *slog.Logger
	server   *http.Server
	upgrader websocket.Upgrader
}

// New creates a status server. runner may be nil when no live run is
// attached; /events then serves no results.
func New(addr string, store *storage.Store, runner *pipeline.Runner, log *slog.Logger) *Server {
	return &Server{
		addr:   addr,
		store:  store,
		runner: runner,
		log:    log,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
		},
	}
}

// Start runs the server until ctx is cancelled.
func (s *Server) Start(ctx context.Context) error {
	r := mux.NewRouter()
	s.setupRoutes(r)

	s.server = &http.Server{
		Addr:    s.addr,
		Handler: r,
	}

	go func() {
		<-ctx.Done()
		s.log.Info("shutting down status server")
		ctxShutdown, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		s.server.Shutdown(ctxShutdown)
	}()

	s.log.Info("status server starting", "addr", s.addr)
	err := s.server.ListenAndServe()
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

func (s *Server) setupRoutes(r *mux.Router) {
	r.HandleFunc("/healthz", s.handleHealth).Methods("GET")
	r.HandleFunc("/runs", s.handleRuns).Methods("GET")
	r.HandleFunc("/runs/{id}/sequences", s.handleRunSequences).Methods("GET")
	r.HandleFunc("/events", s.handleEvents).Methods("GET")
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("ok"))
}

func (s *Server) handleRuns(w http.ResponseWriter, r *http.Request) {
	recs, err := s.store.RecentRuns(100)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(recs)
}

func (s *Server) handleRunSequences(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	recs, err := s.store.RunSequences(id)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(recs)
}

// sequenceEvent is the wire form of a live per-sequence result.
type sequenceEvent struct {
	Sequence       string `json:"sequence"`
	Status         string `json:"status"`
	Phase          int    `json:"phase"`
	FramesTotal    int    `json:"frames_total"`
	FramesSelected int    `json:"frames_selected"`
	DurationMS     int64  `json:"duration_ms"`
	Error          string `json:"error,omitempty"`
}

func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Warn("websocket upgrade failed", "error", err)
		return
	}
	defer conn.Close()

	if s.runner == nil {
		conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, "no active run"),
			time.Now().Add(time.Second))
		return
	}

	resCh, unsubscribe := s.runner.Subscribe()
	defer unsubscribe()

	for {
		select {
		case <-r.Context().Done():
			return
		case res, ok := <-resCh:
			if !ok {
				return
			}
			ev := sequenceEvent{
				Sequence:       res.Sequence.Name,
				Status:         res.Status,
				Phase:          res.Phase,
				FramesTotal:    res.FramesTotal,
				FramesSelected: res.FramesSelected,
				DurationMS:     res.Duration.Milliseconds(),
			}
			if res.Error != nil {
				ev.Error = res.Error.Error()
			}
			if err := conn.WriteJSON(ev); err != nil {
				return
			}
		}
	}
}
