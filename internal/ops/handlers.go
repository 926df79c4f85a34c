package ops

import (
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"strconv"
	"time"
)

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if err := s.store.Ping(r.Context()); err != nil {
		w.WriteHeader(http.StatusServiceUnavailable)
		json.NewEncoder(w).Encode(map[string]string{"status": "degraded", "error": err.Error()})
		return
	}
	json.NewEncoder(w).Encode(map[string]string{"status": "ok"})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	now := time.Now()
	s.statusCache.mu.Lock()
	if now.Before(s.statusCache.expiresAt) && len(s.statusCache.payload) > 0 {
		cached := append([]byte(nil), s.statusCache.payload...)
		s.statusCache.mu.Unlock()
		w.Write(cached)
		return
	}
	s.statusCache.mu.Unlock()

	payload, err := s.buildStatusPayload(r)
	if err != nil {
		http.Error(w, fmt.Sprintf(`{"error":"%s"}`, err.Error()), http.StatusInternalServerError)
		return
	}

	s.statusCache.mu.Lock()
	s.statusCache.payload = payload
	s.statusCache.expiresAt = now.Add(3 * time.Second)
	s.statusCache.mu.Unlock()

	w.Write(payload)
}

func (s *Server) buildStatusPayload(r *http.Request) ([]byte, error) {
	ctx := r.Context()

	status := map[string]interface{}{
		"worker_id":      s.workerID,
		"org_id":         s.orgID.String(),
		"uptime_seconds": int64(time.Since(s.startedAt).Seconds()),
	}

	if counts, err := s.store.JobStatusCounts(ctx, s.orgID); err == nil {
		status["jobs"] = counts
	} else {
		status["jobs_error"] = err.Error()
	}

	if expired, err := s.store.ExpiredRunningJobs(ctx, s.orgID); err == nil {
		status["expired_running"] = expired
	} else {
		status["expired_running_error"] = err.Error()
	}

	if snap, err := s.gov.Snapshot(ctx); err == nil {
		status["governor"] = snap
	} else {
		status["governor_error"] = err.Error()
	}

	if cursors, err := s.store.GetCursorSummary(ctx, s.orgID); err == nil {
		status["cursors"] = cursors
	} else {
		status["cursors_error"] = err.Error()
	}

	return json.Marshal(status)
}

// failedJobView is the slimmed failure row for the jobs summary; full rows
// carry payloads that can be large.
type failedJobView struct {
	ID        int64     `json:"id"`
	Type      string    `json:"type"`
	Attempts  int       `json:"attempts"`
	LastError string    `json:"last_error,omitempty"`
	UpdatedAt time.Time `json:"updated_at"`
}

func (s *Server) handleJobsSummary(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	limit := 10
	if v := r.URL.Query().Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 && n <= 100 {
			limit = n
		}
	}

	counts, err := s.store.JobStatusCounts(ctx, s.orgID)
	if err != nil {
		http.Error(w, fmt.Sprintf(`{"error":"%s"}`, err.Error()), http.StatusInternalServerError)
		return
	}

	failed, err := s.store.RecentFailedJobs(ctx, s.orgID, limit)
	if err != nil {
		http.Error(w, fmt.Sprintf(`{"error":"%s"}`, err.Error()), http.StatusInternalServerError)
		return
	}

	views := make([]failedJobView, 0, len(failed))
	for _, j := range failed {
		v := failedJobView{
			ID:        j.ID,
			Type:      string(j.Type),
			Attempts:  j.Attempts,
			UpdatedAt: j.UpdatedAt,
		}
		if j.LastError != nil {
			v.LastError = *j.LastError
		}
		views = append(views, v)
	}

	json.NewEncoder(w).Encode(map[string]interface{}{
		"counts":          counts,
		"recent_failures": views,
	})
}

func (s *Server) handleAdminRecover(w http.ResponseWriter, r *http.Request) {
	n, err := s.store.RecoverStuckJobs(r.Context(), s.orgID)
	if err != nil {
		http.Error(w, fmt.Sprintf(`{"error":"%s"}`, err.Error()), http.StatusInternalServerError)
		return
	}
	log.Printf("[ops] %s re-queued %d stuck job(s)", AdminSubjectFromContext(r.Context()), n)
	json.NewEncoder(w).Encode(map[string]interface{}{"requeued": n})
}

func (s *Server) handleAdminProvisionPartitions(w http.ResponseWriter, r *http.Request) {
	months := 3
	if v := r.URL.Query().Get("months"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 || n > 24 {
			http.Error(w, `{"error":"months must be between 1 and 24"}`, http.StatusBadRequest)
			return
		}
		months = n
	}

	now := time.Now().UTC()
	created, err := s.store.EnsureFillPartitions(r.Context(), now, now.AddDate(0, months, 0))
	if err != nil {
		http.Error(w, fmt.Sprintf(`{"error":"%s"}`, err.Error()), http.StatusInternalServerError)
		return
	}
	log.Printf("[ops] %s provisioned fill partitions %d month(s) ahead (%d created)", AdminSubjectFromContext(r.Context()), months, created)
	json.NewEncoder(w).Encode(map[string]interface{}{"created": created, "months": months})
}
