package api

import (
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"strconv"

	"github.com/hopingboyz/vpsd/internal/engine"
	"github.com/hopingboyz/vpsd/internal/store"
)

type startResponse struct {
	ID    string `json:"id"`
	State string `json:"state"`
	PID   int    `json:"pid"`
}

// handleProvision creates a new instance.
func (s *Server) handleProvision(w http.ResponseWriter, r *http.Request) {
	var spec engine.ProvisionSpec
	if err := json.NewDecoder(r.Body).Decode(&spec); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid request: %v", err))
		return
	}

	inst, err := s.eng.Provision(r.Context(), spec)
	if err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, inst)
}

// handleListInstances lists instances, optionally for one owner.
func (s *Server) handleListInstances(w http.ResponseWriter, r *http.Request) {
	var ownerID int64
	if v := r.URL.Query().Get("owner"); v != "" {
		id, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid owner")
			return
		}
		ownerID = id
	}

	instances, err := s.eng.List(ownerID)
	if err != nil {
		writeEngineError(w, err)
		return
	}
	if instances == nil {
		instances = []*store.Instance{}
	}
	writeJSON(w, http.StatusOK, instances)
}

// handleGetInstance returns one instance.
func (s *Server) handleGetInstance(w http.ResponseWriter, r *http.Request) {
	id := pathParam(r, "id")
	if !isValidID(id) {
		writeError(w, http.StatusBadRequest, "invalid instance id")
		return
	}
	inst, err := s.eng.Get(id)
	if err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, inst)
}

// handleDeleteInstance tears an instance down.
func (s *Server) handleDeleteInstance(w http.ResponseWriter, r *http.Request) {
	id := pathParam(r, "id")
	if !isValidID(id) {
		writeError(w, http.StatusBadRequest, "invalid instance id")
		return
	}
	if err := s.eng.Delete(r.Context(), id); err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "deleted"})
}

func (s *Server) handleStartInstance(w http.ResponseWriter, r *http.Request) {
	id := pathParam(r, "id")
	if !isValidID(id) {
		writeError(w, http.StatusBadRequest, "invalid instance id")
		return
	}
	pid, err := s.eng.Start(r.Context(), id)
	if err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, startResponse{ID: id, State: "running", PID: pid})
}

func (s *Server) handleStopInstance(w http.ResponseWriter, r *http.Request) {
	id := pathParam(r, "id")
	if !isValidID(id) {
		writeError(w, http.StatusBadRequest, "invalid instance id")
		return
	}
	force := r.URL.Query().Get("force") == "true"
	if err := s.eng.Stop(r.Context(), id, force); err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"id": id, "state": "stopped"})
}

func (s *Server) handleRestartInstance(w http.ResponseWriter, r *http.Request) {
	id := pathParam(r, "id")
	if !isValidID(id) {
		writeError(w, http.StatusBadRequest, "invalid instance id")
		return
	}
	pid, err := s.eng.Restart(r.Context(), id)
	if err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, startResponse{ID: id, State: "running", PID: pid})
}

type resizeRequest struct {
	DiskBytes int64 `json:"disk_bytes"`
}

func (s *Server) handleResizeInstance(w http.ResponseWriter, r *http.Request) {
	id := pathParam(r, "id")
	if !isValidID(id) {
		writeError(w, http.StatusBadRequest, "invalid instance id")
		return
	}
	var req resizeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid request: %v", err))
		return
	}

	size, err := s.eng.ResizeDisk(r.Context(), id, req.DiskBytes)
	if err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int64{"disk_bytes": size})
}

// handleInstanceConsole returns the tail of the serial console log.
func (s *Server) handleInstanceConsole(w http.ResponseWriter, r *http.Request) {
	id := pathParam(r, "id")
	if !isValidID(id) {
		writeError(w, http.StatusBadRequest, "invalid instance id")
		return
	}
	maxBytes := int64(64 << 10)
	if v := r.URL.Query().Get("bytes"); v != "" {
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil || n <= 0 {
			writeError(w, http.StatusBadRequest, "invalid bytes")
			return
		}
		maxBytes = n
	}

	tail, err := s.eng.TailConsole(id, maxBytes)
	if err != nil {
		if os.IsNotExist(err) {
			writeError(w, http.StatusNotFound, "no console log")
			return
		}
		writeEngineError(w, err)
		return
	}
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.Write(tail)
}

// handleInstanceUsage returns the latest resource sample.
func (s *Server) handleInstanceUsage(w http.ResponseWriter, r *http.Request) {
	id := pathParam(r, "id")
	if !isValidID(id) {
		writeError(w, http.StatusBadRequest, "invalid instance id")
		return
	}
	sample, ok := s.eng.Usage(id)
	if !ok {
		writeError(w, http.StatusNotFound, "no sample for instance")
		return
	}
	writeJSON(w, http.StatusOK, sample)
}
