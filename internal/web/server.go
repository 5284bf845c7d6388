// Package web is the dashboard boundary: snapshot queries, command
// intake and the websocket stream. It renders nothing; the dashboard
// frontend consumes the JSON.
package web

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/rs/zerolog"

	"github.com/link18/tacsync/internal/command"
	"github.com/link18/tacsync/internal/model"
	"github.com/link18/tacsync/internal/netsync"
	"github.com/link18/tacsync/internal/store"
)

// maxCommandBody bounds a command request. A full waypoint set is a few
// kilobytes; anything larger is not a command.
const maxCommandBody = 64 * 1024

// ConfigEcho is the config subset the dashboard needs to render itself.
type ConfigEcho struct {
	Callsign string `json:"callsign"`
	Color    string `json:"color"`
	Version  string `json:"version,omitempty"`
}

// StatusSources supplies the live counters for /api/status. Nil funcs
// report zero values.
type StatusSources struct {
	Receiver    func() netsync.ReceiverStats
	Transmitter func() netsync.TransmitterStats
	QueueDepth  func() int
}

// Server is the dashboard HTTP surface.
type Server struct {
	store      *store.Store
	reconciler *command.Reconciler
	hub        *Hub
	status     StatusSources
	echo       ConfigEcho
	log        zerolog.Logger
	started    time.Time

	http *http.Server
}

// NewServer wires the routes. Run starts listening.
func NewServer(port int, echo ConfigEcho, st *store.Store, rec *command.Reconciler, hub *Hub, status StatusSources, log zerolog.Logger) *Server {
	s := &Server{
		store:      st,
		reconciler: rec,
		hub:        hub,
		status:     status,
		echo:       echo,
		log:        log.With().Str("component", "web").Logger(),
		started:    time.Now(),
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/api/data", s.handleData)
	mux.HandleFunc("/api/command", s.handleCommand)
	mux.HandleFunc("/api/status", s.handleStatus)
	mux.HandleFunc("/api/stream", hub.HandleStream)

	s.http = &http.Server{
		Addr:    fmt.Sprintf(":%d", port),
		Handler: mux,
	}
	return s
}

// Handler exposes the route mux, used by tests.
func (s *Server) Handler() http.Handler {
	return s.http.Handler
}

// Run serves until the context is canceled, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		errCh <- s.http.ListenAndServe()
	}()
	s.log.Info().Str("addr", s.http.Addr).Msg("dashboard listening")

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return s.http.Shutdown(shutdownCtx)
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}

type dataResponse struct {
	store.Snapshot
	Config ConfigEcho `json:"config"`
}

func (s *Server) handleData(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	writeJSON(w, http.StatusOK, dataResponse{
		Snapshot: s.store.Snapshot(),
		Config:   s.echo,
	})
}

func (s *Server) handleCommand(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, maxCommandBody))
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "unreadable body"})
		return
	}

	cmd, err := command.Parse(body)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}

	if err := s.reconciler.Submit(cmd); err != nil {
		s.log.Debug().Err(err).Str("type", cmd.Type).Msg("command refused")
		writeJSON(w, http.StatusUnprocessableEntity, map[string]string{"error": err.Error()})
		return
	}

	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

type statusResponse struct {
	Callsign    string                   `json:"callsign"`
	UptimeSec   float64                  `json:"uptime_sec"`
	Peers       int                      `json:"peers"`
	Entities    store.Counts             `json:"entities"`
	Receiver    netsync.ReceiverStats    `json:"receiver"`
	Transmitter netsync.TransmitterStats `json:"transmitter"`
	QueueDepth  int                      `json:"queue_depth"`
	Subscribers int                      `json:"subscribers"`
	SnapshotAge float64                  `json:"snapshot_age_sec"`
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	snap := s.store.Snapshot()
	peers := 0
	for _, p := range snap.Players {
		if p.Origin == model.OriginPeer {
			peers++
		}
	}

	resp := statusResponse{
		Callsign:    s.echo.Callsign,
		UptimeSec:   time.Since(s.started).Seconds(),
		Peers:       peers,
		Entities:    s.store.Counts(),
		Subscribers: s.hub.ClientCount(),
		SnapshotAge: time.Since(snap.TakenAt).Seconds(),
	}
	if s.status.Receiver != nil {
		resp.Receiver = s.status.Receiver()
	}
	if s.status.Transmitter != nil {
		resp.Transmitter = s.status.Transmitter()
	}
	if s.status.QueueDepth != nil {
		resp.QueueDepth = s.status.QueueDepth()
	}
	writeJSON(w, http.StatusOK, resp)
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	// The dashboard may be served from a different port during development.
	w.Header().Set("Access-Control-Allow-Origin", "*")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}
