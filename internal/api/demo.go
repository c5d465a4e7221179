package api

import (
	"net/http"
	"strconv"

	"github.com/edgemesh/coordinator/pkg/edgemeshapi"
)

// handleDemoEmbedBurst is the test fixture from spec §6: it creates `count`
// EMBEDDINGS jobs of `tasks_per_job` tasks each, exercising the same
// CreateJob path a real caller would use, so it is useful for driving the
// at-least-one-job_update-per-job SSE scenario in spec §8.
func (s *Server) handleDemoEmbedBurst(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeAPIError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	count := intQueryParam(r, "count", 5)
	tasksPerJob := intQueryParam(r, "tasks_per_job", 3)
	if count <= 0 || tasksPerJob <= 0 {
		writeAPIError(w, http.StatusBadRequest, "count and tasks_per_job must be positive")
		return
	}

	ids := make([]string, 0, count)
	for i := 0; i < count; i++ {
		job, err := s.svc.CreateJob(r.Context(), edgemeshapi.CreateJobRequest{
			Type:      "EMBEDDINGS",
			TaskCount: tasksPerJob,
		})
		if err != nil {
			writeError(w, err)
			return
		}
		ids = append(ids, job.ID)
	}
	writeJSON(w, http.StatusOK, edgemeshapi.CreateEmbedBurstResponse{JobIDs: ids})
}

func intQueryParam(r *http.Request, name string, fallback int) int {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return fallback
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		return fallback
	}
	return v
}
