package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/clearmedia/clearmedia/internal/store"
)

// fileJSON is the wire form of a MediaFile row.
type fileJSON struct {
	ID               int64           `json:"id"`
	Inode            uint64          `json:"inode"`
	DeviceID         uint64          `json:"device_id"`
	OriginalFilepath string          `json:"original_filepath"`
	OriginalFilename string          `json:"original_filename"`
	FileSize         int64           `json:"file_size"`
	Status           string          `json:"status"`
	LLMGuess         json.RawMessage `json:"llm_guess"`
	TMDBID           *int64          `json:"tmdb_id"`
	MediaType        *string         `json:"media_type"`
	ProcessedData    json.RawMessage `json:"processed_data"`
	NewFilepath      *string         `json:"new_filepath"`
	ErrorMessage     *string         `json:"error_message"`
	RetryCount       int             `json:"retry_count"`
	CreatedAt        time.Time       `json:"created_at"`
	UpdatedAt        time.Time       `json:"updated_at"`
}

func toFileJSON(mf *store.MediaFile) fileJSON {
	return fileJSON{
		ID:               mf.ID,
		Inode:            mf.Inode,
		DeviceID:         mf.DeviceID,
		OriginalFilepath: mf.OriginalFilepath,
		OriginalFilename: mf.OriginalFilename,
		FileSize:         mf.FileSize,
		Status:           string(mf.Status),
		LLMGuess:         mf.LLMGuess,
		TMDBID:           mf.TMDBID,
		MediaType:        mf.MediaType,
		ProcessedData:    mf.ProcessedData,
		NewFilepath:      mf.NewFilepath,
		ErrorMessage:     mf.ErrorMessage,
		RetryCount:       mf.RetryCount,
		CreatedAt:        mf.CreatedAt,
		UpdatedAt:        mf.UpdatedAt,
	}
}

// queryInt parses an integer query param with a default and inclusive range.
func queryInt(r *http.Request, name string, def, min, max int) (int, error) {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return def, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return 0, fmt.Errorf("%s must be an integer", name)
	}
	if n < min || n > max {
		return 0, fmt.Errorf("%s must be between %d and %d", name, min, max)
	}
	return n, nil
}

func (s *Server) handleListFiles(w http.ResponseWriter, r *http.Request) {
	const maxInt = int(^uint(0) >> 1)
	skip, err := queryInt(r, "skip", 0, 0, maxInt)
	if err != nil {
		writeError(w, http.StatusUnprocessableEntity, err.Error())
		return
	}
	limit, err := queryInt(r, "limit", 20, 1, 500)
	if err != nil {
		writeError(w, http.StatusUnprocessableEntity, err.Error())
		return
	}

	filter := store.ListFilter{Skip: skip, Limit: limit}

	if raw := r.URL.Query().Get("status"); raw != "" {
		for _, part := range strings.Split(raw, ",") {
			st, err := store.ParseStatus(part)
			if err != nil {
				writeError(w, http.StatusUnprocessableEntity, err.Error())
				return
			}
			filter.Statuses = append(filter.Statuses, st)
		}
	}

	if search := strings.TrimSpace(r.URL.Query().Get("search")); search != "" {
		filter.Search = strings.Fields(search)
	}

	sortParam := r.URL.Query().Get("sort")
	if sortParam == "" {
		sortParam = "created_at:desc"
	}
	field, dir, ok := strings.Cut(sortParam, ":")
	if !ok || !store.ValidSortField(field) || (dir != "asc" && dir != "desc") {
		writeError(w, http.StatusUnprocessableEntity,
			fmt.Sprintf("invalid sort: %q", sortParam))
		return
	}
	filter.SortField = field
	filter.SortDesc = dir == "desc"

	total, err := s.store.Count(r.Context(), filter)
	if err != nil {
		s.log.Error().Err(err).Msg("count failed")
		writeError(w, http.StatusInternalServerError, "database error")
		return
	}
	rows, err := s.store.List(r.Context(), filter)
	if err != nil {
		s.log.Error().Err(err).Msg("list failed")
		writeError(w, http.StatusInternalServerError, "database error")
		return
	}

	items := make([]fileJSON, 0, len(rows))
	for _, mf := range rows {
		items = append(items, toFileJSON(mf))
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"total":        total,
		"skip":         skip,
		"limit":        limit,
		"has_next":     int64(skip+limit) < total,
		"has_previous": skip > 0,
		"items":        items,
	})
}

func (s *Server) handleGetFile(w http.ResponseWriter, r *http.Request) {
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
		s.log.Error().Err(err).Msg("get failed")
		writeError(w, http.StatusInternalServerError, "database error")
		return
	}
	writeJSON(w, http.StatusOK, toFileJSON(mf))
}

func (s *Server) handleSuggest(w http.ResponseWriter, r *http.Request) {
	limit, err := queryInt(r, "limit", 20, 1, 100)
	if err != nil {
		writeError(w, http.StatusUnprocessableEntity, err.Error())
		return
	}
	keyword := strings.TrimSpace(r.URL.Query().Get("keyword"))
	if keyword == "" {
		writeJSON(w, http.StatusOK, map[string]any{"suggestions": []string{}})
		return
	}
	suggestions, err := s.store.DistinctFilenames(r.Context(), keyword, limit)
	if err != nil {
		s.log.Error().Err(err).Msg("suggest failed")
		writeError(w, http.StatusInternalServerError, "database error")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"suggestions": suggestions})
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	stats, err := s.store.CountByStatus(r.Context())
	if err != nil {
		s.log.Error().Err(err).Msg("stats failed")
		writeError(w, http.StatusInternalServerError, "database error")
		return
	}
	writeJSON(w, http.StatusOK, stats)
}
