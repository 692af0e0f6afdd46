package api

import (
	"net/http"

	"github.com/seantiz/validator/internal/model"
	"github.com/seantiz/validator/internal/store"
)

// statsResponse is the JSON response for GET /v1/stats.
type statsResponse struct {
	Total             int                       `json:"total"`
	Running           int                       `json:"running"`
	ByStatus          map[string]int            `json:"by_status"`
	ByValidator       map[string]int            `json:"by_validator"`
	ByCallback        map[string]int            `json:"by_callback"`
	StatusByValidator map[string]map[string]int `json:"status_by_validator"`
	// PassRate is the share of finished runs whose output reported SUCCESS.
	PassRate float64 `json:"pass_rate"`
	// CallbackFailureRate is the share of attempted callbacks that failed.
	CallbackFailureRate float64 `json:"callback_failure_rate"`
	AvgDurationMS       float64 `json:"avg_duration_ms"`
}

func (s *Server) handleGetStats(w http.ResponseWriter, r *http.Request) {
	stats, err := s.store.GetRunStats(r.Context())
	if err != nil {
		s.logger.Error("get run stats", "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to get stats")
		return
	}
	s.writeJSON(w, http.StatusOK, newStatsResponse(stats))
}

func newStatsResponse(stats *store.RunStats) statsResponse {
	resp := statsResponse{
		Total:             stats.Total,
		Running:           stats.CountByStatus[model.StatusRunning],
		ByStatus:          stats.CountByStatus,
		ByValidator:       stats.CountByValidator,
		ByCallback:        stats.CountByCallback,
		StatusByValidator: stats.StatusByValidator,
		AvgDurationMS:     stats.AvgDurationMS,
	}

	if finished := stats.Total - resp.Running; finished > 0 {
		resp.PassRate = float64(stats.CountByStatus[model.StatusSuccess]) / float64(finished)
	}
	failed := stats.CountByCallback[model.CallbackFailed]
	if attempted := failed + stats.CountByCallback[model.CallbackDelivered]; attempted > 0 {
		resp.CallbackFailureRate = float64(failed) / float64(attempted)
	}
	return resp
}
