package api

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"

	"github.com/hopingboyz/vpsd/internal/catalog"
	"github.com/hopingboyz/vpsd/internal/store"
)

// handleListVariants returns the OS catalog.
func (s *Server) handleListVariants(w http.ResponseWriter, r *http.Request) {
	variants := make([]catalog.Variant, 0)
	for _, id := range catalog.IDs() {
		v, err := catalog.Lookup(id)
		if err != nil {
			continue
		}
		variants = append(variants, v)
	}
	writeJSON(w, http.StatusOK, variants)
}

// handleListImages returns the image cache entries.
func (s *Server) handleListImages(w http.ResponseWriter, r *http.Request) {
	images, err := s.eng.Images()
	if err != nil {
		writeEngineError(w, err)
		return
	}
	if images == nil {
		images = []*store.ImageCacheEntry{}
	}
	writeJSON(w, http.StatusOK, images)
}

// handleEnsureImage pre-warms the cache for a variant.
func (s *Server) handleEnsureImage(w http.ResponseWriter, r *http.Request) {
	variant := pathParam(r, "variant")
	ref, err := s.eng.EnsureImage(r.Context(), variant)
	if err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, ref)
}

type adminRequest struct {
	UserID  int64 `json:"user_id"`
	AddedBy int64 `json:"added_by"`
}

func (s *Server) handleAddAdmin(w http.ResponseWriter, r *http.Request) {
	var req adminRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid request: %v", err))
		return
	}
	if req.UserID == 0 {
		writeError(w, http.StatusBadRequest, "user_id is required")
		return
	}
	if err := s.eng.AddAdmin(req.UserID, req.AddedBy); err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]int64{"user_id": req.UserID})
}

func (s *Server) handleRemoveAdmin(w http.ResponseWriter, r *http.Request) {
	userID, err := strconv.ParseInt(pathParam(r, "id"), 10, 64)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid user id")
		return
	}
	if err := s.eng.RemoveAdmin(userID); err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "removed"})
}

func (s *Server) handleListAdmins(w http.ResponseWriter, r *http.Request) {
	admins, err := s.eng.ListAdmins()
	if err != nil {
		writeEngineError(w, err)
		return
	}
	if admins == nil {
		admins = []*store.Admin{}
	}
	writeJSON(w, http.StatusOK, admins)
}

type banRequest struct {
	UserID   int64  `json:"user_id"`
	BannedBy int64  `json:"banned_by"`
	Reason   string `json:"reason"`
}

func (s *Server) handleBanUser(w http.ResponseWriter, r *http.Request) {
	var req banRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid request: %v", err))
		return
	}
	if req.UserID == 0 {
		writeError(w, http.StatusBadRequest, "user_id is required")
		return
	}
	if err := s.eng.BanUser(req.UserID, req.BannedBy, req.Reason); err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]int64{"user_id": req.UserID})
}

func (s *Server) handleUnbanUser(w http.ResponseWriter, r *http.Request) {
	userID, err := strconv.ParseInt(pathParam(r, "id"), 10, 64)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid user id")
		return
	}
	if err := s.eng.UnbanUser(userID); err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "unbanned"})
}

func (s *Server) handleListBans(w http.ResponseWriter, r *http.Request) {
	bans, err := s.eng.ListBanned()
	if err != nil {
		writeEngineError(w, err)
		return
	}
	if bans == nil {
		bans = []*store.Ban{}
	}
	writeJSON(w, http.StatusOK, bans)
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	stats, err := s.eng.GetStats()
	if err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

func (s *Server) handleCleanup(w http.ResponseWriter, r *http.Request) {
	removed, err := s.eng.PurgeOrphans()
	if err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{"removed": removed})
}
