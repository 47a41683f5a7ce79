package api

import (
	"net/http"
	"strings"
	"time"

	"github.com/promptlane/delivery/internal/catalog"
)

type experimentsResponse struct {
	Items []experimentSummary `json:"items"`
}

type experimentSummary struct {
	ID            string     `json:"id"`
	PromptID      string     `json:"prompt_id"`
	Name          string     `json:"name"`
	VersionAID    string     `json:"version_a_id"`
	VersionBID    string     `json:"version_b_id"`
	TotalRequests int64      `json:"total_requests"`
	ServedA       int64      `json:"served_a"`
	ServedB       int64      `json:"served_b"`
	Remaining     int64      `json:"remaining"`
	Status        string     `json:"status"`
	CreatedAt     time.Time  `json:"created_at"`
	CompletedAt   *time.Time `json:"completed_at,omitempty"`
}

// ExperimentsHandler lists a prompt's experiments, newest first.
func ExperimentsHandler(store catalog.Store) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !requireMethod(w, r, http.MethodGet) {
			return
		}
		if store == nil {
			writeError(w, http.StatusServiceUnavailable, "catalog store is not configured")
			return
		}

		promptID := strings.TrimSpace(r.URL.Query().Get("prompt_id"))
		if promptID == "" {
			writeError(w, http.StatusBadRequest, "prompt_id is required")
			return
		}

		experiments, err := store.ListExperiments(r.Context(), promptID)
		if err != nil {
			writeError(w, http.StatusInternalServerError, "failed to list experiments")
			return
		}

		items := make([]experimentSummary, 0, len(experiments))
		for _, experiment := range experiments {
			item := experimentSummary{
				ID:            experiment.ID,
				PromptID:      experiment.PromptID,
				Name:          experiment.Name,
				VersionAID:    experiment.VersionAID,
				VersionBID:    experiment.VersionBID,
				TotalRequests: experiment.TotalRequests,
				ServedA:       experiment.ServedA,
				ServedB:       experiment.ServedB,
				Remaining:     experiment.Remaining(),
				Status:        string(experiment.Status),
				CreatedAt:     experiment.CreatedAt,
			}
			if !experiment.CompletedAt.IsZero() {
				completedAt := experiment.CompletedAt
				item.CompletedAt = &completedAt
			}
			items = append(items, item)
		}

		writeJSON(w, http.StatusOK, experimentsResponse{Items: items})
	})
}
