package httpapi

import "net/http"

func (s *Server) handlePerfDispatch(w http.ResponseWriter, _ *http.Request) {
	if s.metrics == nil {
		respondJSON(w, http.StatusOK, map[string]any{
			"generated_at": "",
			"window_size":  0,
			"events":       []any{},
		})
		return
	}
	respondJSON(w, http.StatusOK, s.metrics.SnapshotDispatch())
}
