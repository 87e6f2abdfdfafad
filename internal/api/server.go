// Package api exposes the engine over a unix-socket HTTP API consumed
// by front ends (the CLI, a chat bot, anything local to the host).
package api

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"net"
	"net/http"
	"os"

	"github.com/hopingboyz/vpsd/internal/config"
	"github.com/hopingboyz/vpsd/internal/engine"
	"github.com/hopingboyz/vpsd/internal/image"
	"github.com/hopingboyz/vpsd/internal/ports"
	"github.com/hopingboyz/vpsd/internal/store"
	"github.com/hopingboyz/vpsd/internal/supervisor"
)

// Server is the vpsd HTTP API server.
type Server struct {
	cfg    *config.Config
	eng    *engine.Engine
	mux    *http.ServeMux
	server *http.Server
	ln     net.Listener
}

// NewServer creates a new API server.
func NewServer(cfg *config.Config, eng *engine.Engine) *Server {
	s := &Server{
		cfg: cfg,
		eng: eng,
		mux: http.NewServeMux(),
	}
	s.registerRoutes()
	s.server = &http.Server{Handler: s.mux}
	return s
}

func (s *Server) registerRoutes() {
	s.mux.HandleFunc("POST /v1/instances", s.handleProvision)
	s.mux.HandleFunc("GET /v1/instances", s.handleListInstances)
	s.mux.HandleFunc("GET /v1/instances/{id}", s.handleGetInstance)
	s.mux.HandleFunc("DELETE /v1/instances/{id}", s.handleDeleteInstance)
	s.mux.HandleFunc("POST /v1/instances/{id}/start", s.handleStartInstance)
	s.mux.HandleFunc("POST /v1/instances/{id}/stop", s.handleStopInstance)
	s.mux.HandleFunc("POST /v1/instances/{id}/restart", s.handleRestartInstance)
	s.mux.HandleFunc("POST /v1/instances/{id}/resize", s.handleResizeInstance)
	s.mux.HandleFunc("GET /v1/instances/{id}/console", s.handleInstanceConsole)
	s.mux.HandleFunc("GET /v1/instances/{id}/usage", s.handleInstanceUsage)

	s.mux.HandleFunc("GET /v1/variants", s.handleListVariants)
	s.mux.HandleFunc("GET /v1/images", s.handleListImages)
	s.mux.HandleFunc("POST /v1/images/{variant}/ensure", s.handleEnsureImage)

	s.mux.HandleFunc("GET /v1/admins", s.handleListAdmins)
	s.mux.HandleFunc("POST /v1/admins", s.handleAddAdmin)
	s.mux.HandleFunc("DELETE /v1/admins/{id}", s.handleRemoveAdmin)
	s.mux.HandleFunc("GET /v1/bans", s.handleListBans)
	s.mux.HandleFunc("POST /v1/bans", s.handleBanUser)
	s.mux.HandleFunc("DELETE /v1/bans/{id}", s.handleUnbanUser)

	s.mux.HandleFunc("GET /v1/stats", s.handleStats)
	s.mux.HandleFunc("POST /v1/cleanup", s.handleCleanup)
	s.mux.HandleFunc("GET /v1/status", s.handleStatus)
}

// Start begins listening on the unix socket.
func (s *Server) Start() error {
	// Remove stale socket
	os.Remove(s.cfg.SocketPath)

	ln, err := net.Listen("unix", s.cfg.SocketPath)
	if err != nil {
		return err
	}
	s.ln = ln

	os.Chmod(s.cfg.SocketPath, 0600)

	log.Printf("vpsd API listening on %s", s.cfg.SocketPath)

	go func() {
		if err := s.server.Serve(ln); err != nil && err != http.ErrServerClosed {
			log.Printf("server error: %v", err)
		}
	}()

	return nil
}

// Stop gracefully shuts down the server.
func (s *Server) Stop(ctx context.Context) error {
	return s.server.Shutdown(ctx)
}

type statusResponse struct {
	Status string `json:"status"`
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, statusResponse{Status: "running"})
}

// writeJSON writes a JSON response.
func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// writeError writes a JSON error response.
func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

// writeEngineError maps engine error taxonomy onto HTTP statuses.
func writeEngineError(w http.ResponseWriter, err error) {
	var ve *engine.ValidationError
	var de *image.DownloadError
	switch {
	case errors.Is(err, store.ErrNotFound):
		writeError(w, http.StatusNotFound, err.Error())
	case errors.As(err, &ve):
		writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, engine.ErrOwnerBanned):
		writeError(w, http.StatusForbidden, err.Error())
	case errors.Is(err, engine.ErrInstanceLimit),
		errors.Is(err, engine.ErrNotStopped),
		errors.Is(err, supervisor.ErrNotRunnable):
		writeError(w, http.StatusConflict, err.Error())
	case errors.Is(err, ports.ErrPortExhausted):
		writeError(w, http.StatusServiceUnavailable, err.Error())
	case errors.As(err, &de):
		writeError(w, http.StatusBadGateway, err.Error())
	default:
		writeError(w, http.StatusInternalServerError, err.Error())
	}
}

// pathParam extracts a path parameter from the request.
func pathParam(r *http.Request, name string) string {
	return r.PathValue(name)
}

// isValidID checks if an instance ID string is safe.
func isValidID(id string) bool {
	if len(id) == 0 || len(id) > 128 {
		return false
	}
	for _, c := range id {
		if !((c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z') || (c >= '0' && c <= '9') || c == '-' || c == '_') {
			return false
		}
	}
	return true
}
