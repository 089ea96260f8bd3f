package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/clearmedia/clearmedia/internal/store"
)

func (s *Server) handleRetry(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil {
		writeError(w, http.StatusUnprocessableEntity, "id must be an integer")
		return
	}

	mf, err := s.store.GetByID(r.Context(), id)
	if errors.Is(err, store.ErrNotFound) {
		writeError(w, http.StatusNotFound, fmt.Sprintf("media file %d not found", id))
		return
	}
	if err != nil {
		s.log.Error().Err(err).Msg("retry lookup failed")
		writeError(w, http.StatusInternalServerError, "database error")
		return
	}
	if !mf.Status.Retryable() {
		writeError(w, http.StatusBadRequest, fmt.Sprintf(
			"cannot retry file in status %s; retryable statuses: FAILED, NO_MATCH, CONFLICT",
			mf.Status))
		return
	}

	if err := s.status.ResetForRetry(r.Context(), id); err != nil {
		s.log.Error().Err(err).Msg("retry reset failed")
		writeError(w, http.StatusInternalServerError, "retry failed")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"message":         "file queued for retry",
		"file_id":         id,
		"previous_status": string(mf.Status),
		"current_status":  string(store.StatusPending),
	})
}

type batchRequest struct {
	FileIDs []int64 `json:"file_ids"`
}

type batchItemResult struct {
	FileID  int64  `json:"file_id"`
	Success bool   `json:"success"`
	Error   string `json:"error,omitempty"`
}

func decodeBatchRequest(w http.ResponseWriter, r *http.Request) ([]int64, bool) {
	var req batchRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return nil, false
	}
	if len(req.FileIDs) < 1 || len(req.FileIDs) > 100 {
		writeError(w, http.StatusBadRequest, "file_ids must contain between 1 and 100 ids")
		return nil, false
	}
	return req.FileIDs, true
}

func (s *Server) handleBatchRetry(w http.ResponseWriter, r *http.Request) {
	ids, ok := decodeBatchRequest(w, r)
	if !ok {
		return
	}

	results := make([]batchItemResult, 0, len(ids))
	succeeded := 0
	for _, id := range ids {
		res := batchItemResult{FileID: id}
		mf, err := s.store.GetByID(r.Context(), id)
		switch {
		case errors.Is(err, store.ErrNotFound):
			res.Error = "not found"
		case err != nil:
			res.Error = "database error"
		case !mf.Status.Retryable():
			res.Error = fmt.Sprintf("not retryable from status %s", mf.Status)
		default:
			if err := s.status.ResetForRetry(r.Context(), id); err != nil {
				res.Error = "retry failed"
			} else {
				res.Success = true
				succeeded++
			}
		}
		results = append(results, res)
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"message": fmt.Sprintf("retried %d of %d files", succeeded, len(ids)),
		"results": results,
	})
}

func (s *Server) handleBatchDelete(w http.ResponseWriter, r *http.Request) {
	ids, ok := decodeBatchRequest(w, r)
	if !ok {
		return
	}

	results := make([]batchItemResult, 0, len(ids))
	succeeded := 0
	for _, id := range ids {
		res := batchItemResult{FileID: id}
		err := s.store.Delete(r.Context(), id)
		switch {
		case errors.Is(err, store.ErrNotFound):
			res.Error = "not found"
		case err != nil:
			res.Error = "database error"
		default:
			res.Success = true
			succeeded++
		}
		results = append(results, res)
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"message": fmt.Sprintf("deleted %d of %d files", succeeded, len(ids)),
		"results": results,
	})
}
