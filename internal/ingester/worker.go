package ingester

import (
	"context"
	"fmt"
	"log"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/outblock/hlscan/internal/eventbus"
	"github.com/outblock/hlscan/internal/models"
	"github.com/outblock/hlscan/internal/repository"
)

// Handler runs one claimed job. Returning nil completes the job; returning
// an error re-queues it with backoff until the attempt cap, except for
// integrity errors which fail it immediately.
type Handler func(ctx context.Context, job models.Job) error

// JobQueue is the store surface the worker needs. *repository.Repository
// satisfies it; tests substitute a fake.
type JobQueue interface {
	ClaimJobs(ctx context.Context, orgID uuid.UUID, workerID string, limit int, lease time.Duration) ([]models.Job, error)
	CompleteJob(ctx context.Context, jobID int64, workerID string) (bool, error)
	FailJob(ctx context.Context, jobID int64, workerID, lastError string) (terminal bool, owned bool, err error)
	FailJobTerminal(ctx context.Context, jobID int64, workerID, lastError string) (bool, error)
	RecoverStuckJobs(ctx context.Context, orgID uuid.UUID) (int64, error)
}

// WorkerConfig tunes the claim loop. Zero values fall back to defaults.
type WorkerConfig struct {
	OrgID       uuid.UUID
	WorkerID    string        // defaults to worker-<pid>
	Concurrency int           // claim goroutines, default 4
	Lease       time.Duration // job lease, default 5m
	Poll        time.Duration // idle poll interval, default 1s
}

// Worker claims due jobs from the queue and dispatches them to registered
// handlers. All coordination state lives in the store, so a worker that
// dies mid-job leaves nothing behind but an expiring lease.
type Worker struct {
	queue    JobQueue
	bus      *eventbus.Bus
	handlers map[models.JobType]Handler

	orgID       uuid.UUID
	workerID    string
	concurrency int
	lease       time.Duration
	poll        time.Duration
}

func NewWorker(queue JobQueue, bus *eventbus.Bus, cfg WorkerConfig) *Worker {
	if cfg.WorkerID == "" {
		cfg.WorkerID = fmt.Sprintf("worker-%d", os.Getpid())
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 4
	}
	if cfg.Lease <= 0 {
		cfg.Lease = 5 * time.Minute
	}
	if cfg.Poll <= 0 {
		cfg.Poll = time.Second
	}
	return &Worker{
		queue:       queue,
		bus:         bus,
		handlers:    make(map[models.JobType]Handler),
		orgID:       cfg.OrgID,
		workerID:    cfg.WorkerID,
		concurrency: cfg.Concurrency,
		lease:       cfg.Lease,
		poll:        cfg.Poll,
	}
}

// Register installs the handler for a job type. Must be called before Start;
// the registry is not guarded against concurrent mutation.
func (w *Worker) Register(t models.JobType, h Handler) {
	w.handlers[t] = h
}

// WorkerID reports the identity used for lease ownership.
func (w *Worker) WorkerID() string {
	return w.workerID
}

// Start sweeps expired leases once, then launches the claim goroutines.
// They stop when ctx is canceled; in-flight jobs finish or are abandoned
// to lease recovery.
func (w *Worker) Start(ctx context.Context, wg *sync.WaitGroup) {
	if n, err := w.queue.RecoverStuckJobs(ctx, w.orgID); err != nil {
		log.Printf("[%s] startup lease sweep failed: %v", w.workerID, err)
	} else if n > 0 {
		log.Printf("[%s] startup lease sweep re-queued %d job(s)", w.workerID, n)
	}

	log.Printf("[%s] starting %d claim loop(s) (lease %s, poll %s)", w.workerID, w.concurrency, w.lease, w.poll)
	for i := 0; i < w.concurrency; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			w.runLoop(ctx)
		}()
	}
}

func (w *Worker) runLoop(ctx context.Context) {
	ticker := time.NewTicker(w.poll)
	defer ticker.Stop()

	for {
		// Drain everything due before going back to sleep.
		for w.processOne(ctx) {
			if ctx.Err() != nil {
				return
			}
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// processOne claims and dispatches a single job. Returns whether a job ran,
// so the caller knows to try again without waiting for the next tick.
func (w *Worker) processOne(ctx context.Context) bool {
	jobs, err := w.queue.ClaimJobs(ctx, w.orgID, w.workerID, 1, w.lease)
	if err != nil {
		if ctx.Err() == nil {
			log.Printf("[%s] claim failed: %v", w.workerID, err)
		}
		return false
	}
	if len(jobs) == 0 {
		return false
	}
	w.dispatch(ctx, jobs[0])
	return true
}

func (w *Worker) dispatch(ctx context.Context, job models.Job) {
	handler, ok := w.handlers[job.Type]
	if !ok {
		// No retry can register a handler, so fail fast.
		log.Printf("[%s] job %d has no handler for type %q", w.workerID, job.ID, job.Type)
		if _, err := w.queue.FailJobTerminal(ctx, job.ID, w.workerID, fmt.Sprintf("no handler for type %q", job.Type)); err != nil {
			log.Printf("[%s] job %d terminal fail write: %v", w.workerID, job.ID, err)
		}
		w.publish(eventbus.EventJobFailed, job)
		return
	}

	w.publish(eventbus.EventJobStarted, job)

	// A handler that outlives the lease has already lost the job to another
	// claimer, so cut it off there instead of wasting the slot.
	jobCtx, cancel := context.WithTimeout(ctx, w.lease)
	err := handler(jobCtx, job)
	cancel()

	if err == nil {
		owned, cerr := w.queue.CompleteJob(ctx, job.ID, w.workerID)
		if cerr != nil {
			log.Printf("[%s] job %d complete write: %v", w.workerID, job.ID, cerr)
			return
		}
		if !owned {
			log.Printf("[%s] job %d finished after lease expiry; another worker owns it now", w.workerID, job.ID)
			return
		}
		w.publish(eventbus.EventJobSucceeded, job)
		return
	}

	if repository.IsConstraintViolation(err) {
		log.Printf("[%s] job %d (%s) integrity error, failing terminally: %v", w.workerID, job.ID, job.Type, err)
		if _, ferr := w.queue.FailJobTerminal(ctx, job.ID, w.workerID, err.Error()); ferr != nil {
			log.Printf("[%s] job %d terminal fail write: %v", w.workerID, job.ID, ferr)
		}
		w.publish(eventbus.EventJobFailed, job)
		return
	}

	terminal, owned, ferr := w.queue.FailJob(ctx, job.ID, w.workerID, err.Error())
	if ferr != nil {
		log.Printf("[%s] job %d fail write: %v", w.workerID, job.ID, ferr)
		return
	}
	if !owned {
		log.Printf("[%s] job %d failed after lease expiry (%v); another worker owns it now", w.workerID, job.ID, err)
		return
	}
	if terminal {
		log.Printf("[%s] job %d (%s) failed permanently after %d attempt(s): %v", w.workerID, job.ID, job.Type, job.Attempts, err)
		w.publish(eventbus.EventJobFailed, job)
		return
	}
	log.Printf("[%s] job %d (%s) attempt %d/%d failed, retry in %ds: %v",
		w.workerID, job.ID, job.Type, job.Attempts, job.MaxAttempts, retryDelaySeconds(job.Attempts), err)
	w.publish(eventbus.EventJobRequeued, job)
}

// retryDelaySeconds mirrors the queue's backoff (2^attempts seconds) for
// logs and event consumers.
func retryDelaySeconds(attempts int) int64 {
	if attempts < 0 {
		attempts = 0
	}
	if attempts > 30 {
		attempts = 30
	}
	return int64(1) << uint(attempts)
}

func (w *Worker) publish(eventType string, job models.Job) {
	if w.bus == nil {
		return
	}
	w.bus.Publish(eventbus.Event{
		Type:     eventType,
		OrgID:    job.OrgID,
		JobID:    job.ID,
		JobType:  string(job.Type),
		WalletID: payloadWalletID(job),
		Data: map[string]interface{}{
			"attempts": job.Attempts,
			"status":   job.Status,
		},
	})
}

// payloadWalletID pulls the wallet reference out of payloads that carry one.
// Zero when the payload has none or fails to parse.
func payloadWalletID(job models.Job) int64 {
	p, err := job.ParsePayload()
	if err != nil {
		return 0
	}
	switch v := p.(type) {
	case models.IngestWalletPayload:
		return v.WalletID
	case models.RollupWalletDayPayload:
		return v.WalletID
	}
	return 0
}
