package ops

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"

	"github.com/outblock/hlscan/internal/eventbus"
	"github.com/outblock/hlscan/internal/governor"
	"github.com/outblock/hlscan/internal/models"
	"github.com/outblock/hlscan/internal/repository"
)

// Store is the repository surface the ops server reads. *repository.Repository
// satisfies it; handler tests substitute a fake.
type Store interface {
	Ping(ctx context.Context) error
	JobStatusCounts(ctx context.Context, orgID uuid.UUID) ([]models.JobStatusCount, error)
	ExpiredRunningJobs(ctx context.Context, orgID uuid.UUID) (int64, error)
	RecentFailedJobs(ctx context.Context, orgID uuid.UUID, limit int) ([]models.Job, error)
	GetCursorSummary(ctx context.Context, orgID uuid.UUID) (repository.CursorSummary, error)
	RecoverStuckJobs(ctx context.Context, orgID uuid.UUID) (int64, error)
	EnsureFillPartitions(ctx context.Context, from, to time.Time) (int, error)
}

// Config carries the ops server settings from main.
type Config struct {
	Addr           string
	OrgID          uuid.UUID
	WorkerID       string
	AdminJWTSecret string // empty disables /admin/*
}

// Server is the operational HTTP surface: health, status, job summaries,
// a websocket event stream, and JWT-gated admin actions. It never sits on
// the ingest path; everything it serves is read from the store or the
// governor on demand.
type Server struct {
	store      Store
	gov        governor.Governor
	orgID      uuid.UUID
	workerID   string
	startedAt  time.Time
	hub        *hub
	httpServer *http.Server

	statusCache struct {
		mu        sync.Mutex
		payload   []byte
		expiresAt time.Time
	}
}

func NewServer(store Store, gov governor.Governor, bus *eventbus.Bus, cfg Config) *Server {
	r := mux.NewRouter()

	s := &Server{
		store:     store,
		gov:       gov,
		orgID:     cfg.OrgID,
		workerID:  cfg.WorkerID,
		startedAt: time.Now(),
		hub:       newHub(),
	}
	go s.hub.run()
	if bus != nil {
		s.bridgeEvents(bus)
	}

	r.Use(commonMiddleware)
	r.Use(rateLimitMiddleware)

	r.HandleFunc("/healthz", s.handleHealth).Methods("GET", "OPTIONS")
	r.HandleFunc("/api/status", s.handleStatus).Methods("GET", "OPTIONS")
	r.HandleFunc("/api/jobs/summary", s.handleJobsSummary).Methods("GET", "OPTIONS")
	r.HandleFunc("/ws", s.handleEventsWebSocket).Methods("GET", "OPTIONS")

	admin := r.PathPrefix("/admin").Subrouter()
	if cfg.AdminJWTSecret != "" {
		admin.Use(NewAuthMiddleware(cfg.AdminJWTSecret).Middleware)
		admin.HandleFunc("/recover", s.handleAdminRecover).Methods("POST", "OPTIONS")
		admin.HandleFunc("/partitions/provision", s.handleAdminProvisionPartitions).Methods("POST", "OPTIONS")
	} else {
		// No secret, no admin surface.
		admin.PathPrefix("").HandlerFunc(handleAdminDisabled)
	}

	s.httpServer = &http.Server{
		Addr:    cfg.Addr,
		Handler: r,
	}

	return s
}

func (s *Server) Start() error {
	return s.httpServer.ListenAndServe()
}

func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}

// Handler exposes the router for tests.
func (s *Server) Handler() http.Handler {
	return s.httpServer.Handler
}

func commonMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")

		if r.Method == "OPTIONS" {
			w.WriteHeader(http.StatusOK)
			return
		}

		next.ServeHTTP(w, r)
	})
}

func handleAdminDisabled(w http.ResponseWriter, r *http.Request) {
	http.Error(w, `{"error":"admin endpoints disabled: ADMIN_JWT_SECRET not set"}`, http.StatusForbidden)
}
