package httpapi

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/lukasbauer/scribe/internal/store"
)

func (r *Router) handleListTranscriptions(w http.ResponseWriter, req *http.Request) {
	limit := 0
	if v := req.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			http.Error(w, `{"error": "invalid limit"}`, http.StatusBadRequest)
			return
		}
		limit = n
	}

	items, err := r.transcripts.ListTranscriptions(req.Context(), limit)
	if err != nil {
		r.logger.Errorf("transcriptions: list: %v", err)
		captureError(req, err, "transcriptions: list failed")
		http.Error(w, `{"error": "database error"}`, http.StatusInternalServerError)
		return
	}
	if items == nil {
		items = []store.Transcription{}
	}
	writeJSON(w, http.StatusOK, items)
}

func (r *Router) handleGetTranscription(w http.ResponseWriter, req *http.Request) {
	id := req.PathValue("id")
	if id == "" {
		http.Error(w, `{"error": "missing id"}`, http.StatusBadRequest)
		return
	}

	t, err := r.transcripts.GetTranscription(req.Context(), id)
	if errors.Is(err, store.ErrNotFound) {
		http.Error(w, `{"error": "not found"}`, http.StatusNotFound)
		return
	}
	if err != nil {
		r.logger.Errorf("transcriptions: get %s: %v", id, err)
		captureError(req, err, "transcriptions: get failed")
		http.Error(w, `{"error": "database error"}`, http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, t)
}
