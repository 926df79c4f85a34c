package ingester

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/outblock/hlscan/internal/eventbus"
	"github.com/outblock/hlscan/internal/governor"
	"github.com/outblock/hlscan/internal/models"
	"github.com/outblock/hlscan/internal/repository"
)

// SchedulerStore is the store surface the scheduler needs. *repository.Repository
// satisfies it.
type SchedulerStore interface {
	DueWalletCandidates(ctx context.Context, orgID uuid.UUID, hotWindow, warmWindow time.Duration, limit int) ([]repository.WalletCandidate, error)
	EnqueueJob(ctx context.Context, orgID uuid.UUID, jobType models.JobType, payload any, runAt time.Time) (int64, error)
	UpdateCursorSuccess(ctx context.Context, orgID uuid.UUID, walletID int64, cursorTs time.Time, nextInterval time.Duration) error
	UpdateCursorFailure(ctx context.Context, orgID uuid.UUID, walletID int64, baseDelay, maxDelay time.Duration) (int, time.Time, error)
	LastTradeTs(ctx context.Context, orgID uuid.UUID, walletID int64) (time.Time, error)
}

// SchedulerConfig tunes the tick loop. Zero values fall back to defaults.
type SchedulerConfig struct {
	OrgID          uuid.UUID
	Tick           time.Duration // default 5s
	MaxJobsPerTick int           // default 50
	Cadence        Cadence       // zero value means DefaultCadence()
}

// Scheduler turns due wallets into ingest jobs, a governor-budgeted batch
// per tick, and owns cursor cadence: after each ingest pass the fetcher
// reports back through UpdateCursor and the scheduler picks the next poll
// interval from the wallet's recent activity.
type Scheduler struct {
	store   SchedulerStore
	gov     governor.Governor
	bus     *eventbus.Bus
	orgID   uuid.UUID
	tick    time.Duration
	maxJobs int
	cadence Cadence

	now func() time.Time
}

func NewScheduler(store SchedulerStore, gov governor.Governor, bus *eventbus.Bus, cfg SchedulerConfig) *Scheduler {
	if cfg.Tick <= 0 {
		cfg.Tick = 5 * time.Second
	}
	if cfg.MaxJobsPerTick <= 0 {
		cfg.MaxJobsPerTick = 50
	}
	if cfg.Cadence == (Cadence{}) {
		cfg.Cadence = DefaultCadence()
	}
	return &Scheduler{
		store:   store,
		gov:     gov,
		bus:     bus,
		orgID:   cfg.OrgID,
		tick:    cfg.Tick,
		maxJobs: cfg.MaxJobsPerTick,
		cadence: cfg.Cadence,
		now:     time.Now,
	}
}

// Start launches the tick loop. It stops when ctx is canceled.
func (s *Scheduler) Start(ctx context.Context, wg *sync.WaitGroup) {
	wg.Add(1)
	go func() {
		defer wg.Done()
		s.run(ctx)
	}()
}

func (s *Scheduler) run(ctx context.Context) {
	log.Printf("[scheduler] starting (tick %s, max %d job(s) per tick)", s.tick, s.maxJobs)
	ticker := time.NewTicker(s.tick)
	defer ticker.Stop()

	// First pass right away so a restart does not wait out a full tick.
	s.tickOnce(ctx)
	for {
		select {
		case <-ctx.Done():
			log.Printf("[scheduler] stopped")
			return
		case <-ticker.C:
			s.tickOnce(ctx)
		}
	}
}

func (s *Scheduler) tickOnce(ctx context.Context) {
	scheduled, deferred, err := s.runOnce(ctx)
	if err != nil {
		if ctx.Err() == nil {
			log.Printf("[scheduler] tick failed: %v", err)
		}
		return
	}
	if scheduled > 0 || deferred > 0 {
		log.Printf("[scheduler] scheduled %d wallet(s), deferred %d to next tick", scheduled, deferred)
	}
}

// runOnce performs a single scheduling pass: ask the governor how many
// requests the shared budget can admit right now, then enqueue at most that
// many due wallets, hottest first. With no budget the tick is skipped
// outright; the wallets stay due and the next tick retries.
func (s *Scheduler) runOnce(ctx context.Context) (scheduled, deferred int, err error) {
	budget, err := s.gov.AvailableRequests(ctx, 0)
	if err != nil {
		return 0, 0, fmt.Errorf("rate budget: %w", err)
	}
	if budget <= 0 {
		return 0, 0, nil
	}

	candidates, err := s.store.DueWalletCandidates(ctx, s.orgID, s.cadence.HotWindow, s.cadence.WarmWindow, s.maxJobs)
	if err != nil {
		return 0, 0, fmt.Errorf("due wallets: %w", err)
	}
	if len(candidates) == 0 {
		return 0, 0, nil
	}

	for i, c := range candidates {
		if i >= budget {
			deferred = len(candidates) - i
			break
		}
		payload := models.IngestWalletPayload{OrgID: c.OrgID, WalletID: c.WalletID, Address: c.Address}
		id, err := s.store.EnqueueJob(ctx, c.OrgID, models.JobTypeIngestWallet, payload, s.now())
		if err != nil {
			return scheduled, deferred, fmt.Errorf("enqueue ingest for wallet %d: %w", c.WalletID, err)
		}
		if id == 0 {
			// Another scheduler got there first; the live job covers it.
			continue
		}
		scheduled++
	}

	if s.bus != nil && (scheduled > 0 || deferred > 0) {
		s.bus.Publish(eventbus.Event{
			Type:  eventbus.EventTickScheduled,
			OrgID: s.orgID,
			Data: map[string]interface{}{
				"scheduled": scheduled,
				"deferred":  deferred,
			},
		})
	}
	return scheduled, deferred, nil
}

// UpdateCursor records an ingest outcome and sets the wallet's next poll.
// On success the interval comes from activity classification: the last trade
// the metrics know about, or the cursor position just reported if that is
// newer, since metrics lag one rollup behind. On failure the cursor backs
// off exponentially from the cold interval.
func (s *Scheduler) UpdateCursor(ctx context.Context, orgID uuid.UUID, walletID int64, success bool, cursorTs time.Time) error {
	if !success {
		count, nextRun, err := s.store.UpdateCursorFailure(ctx, orgID, walletID, s.cadence.Cold, s.cadence.FailureCap)
		if err != nil {
			return err
		}
		log.Printf("[scheduler] wallet %d backing off until %s (failure #%d)",
			walletID, nextRun.UTC().Format(time.RFC3339), count)
		return nil
	}

	last, err := s.store.LastTradeTs(ctx, orgID, walletID)
	if err != nil {
		return err
	}
	if cursorTs.After(last) {
		last = cursorTs
	}
	class := s.cadence.Classify(last, s.now())
	return s.store.UpdateCursorSuccess(ctx, orgID, walletID, cursorTs, s.cadence.Interval(class))
}
