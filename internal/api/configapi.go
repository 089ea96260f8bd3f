package api

import (
	"encoding/json"
	"net/http"

	"github.com/clearmedia/clearmedia/internal/config"
)

func (s *Server) handleGetConfig(w http.ResponseWriter, r *http.Request) {
	cur := s.cfgMgr.Current()
	writeJSON(w, http.StatusOK, map[string]any{
		"config":         cur.MaskedMap(),
		"blacklist_keys": config.BlacklistKeys(),
		"message":        "current effective configuration",
	})
}

func (s *Server) handlePostConfig(w http.ResponseWriter, r *http.Request) {
	var updates map[string]json.RawMessage
	if err := json.NewDecoder(r.Body).Decode(&updates); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if len(updates) == 0 {
		writeError(w, http.StatusBadRequest, "no config keys provided")
		return
	}

	updated, rejected, err := s.cfgSvc.Update(r.Context(), updates)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	cur := s.cfgMgr.Current()
	writeJSON(w, http.StatusOK, map[string]any{
		"message":        "configuration updated",
		"config":         cur.MaskedMap(),
		"blacklist_keys": config.BlacklistKeys(),
		"updated_keys":   updated,
		"rejected_keys":  rejected,
	})
}
