package ingester

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/outblock/hlscan/internal/eventbus"
	"github.com/outblock/hlscan/internal/models"
)

type failRecord struct {
	jobID     int64
	lastError string
}

type fakeQueue struct {
	pending  []models.Job
	claimErr error

	completed     []int64
	completeOwned bool

	failed       []failRecord
	failTerminal bool
	failOwned    bool

	terminals []failRecord
	recovered int64
}

func newFakeQueue(jobs ...models.Job) *fakeQueue {
	return &fakeQueue{pending: jobs, completeOwned: true, failOwned: true}
}

func (q *fakeQueue) ClaimJobs(_ context.Context, _ uuid.UUID, _ string, limit int, _ time.Duration) ([]models.Job, error) {
	if q.claimErr != nil {
		return nil, q.claimErr
	}
	if len(q.pending) == 0 || limit < 1 {
		return nil, nil
	}
	job := q.pending[0]
	q.pending = q.pending[1:]
	return []models.Job{job}, nil
}

func (q *fakeQueue) CompleteJob(_ context.Context, jobID int64, _ string) (bool, error) {
	q.completed = append(q.completed, jobID)
	return q.completeOwned, nil
}

func (q *fakeQueue) FailJob(_ context.Context, jobID int64, _ string, lastError string) (bool, bool, error) {
	q.failed = append(q.failed, failRecord{jobID, lastError})
	return q.failTerminal, q.failOwned, nil
}

func (q *fakeQueue) FailJobTerminal(_ context.Context, jobID int64, _ string, lastError string) (bool, error) {
	q.terminals = append(q.terminals, failRecord{jobID, lastError})
	return true, nil
}

func (q *fakeQueue) RecoverStuckJobs(_ context.Context, _ uuid.UUID) (int64, error) {
	return q.recovered, nil
}

func testJob(t *testing.T, id int64, jobType models.JobType) models.Job {
	t.Helper()
	payload, err := json.Marshal(models.IngestWalletPayload{OrgID: uuid.New(), WalletID: id * 10, Address: "0xabc"})
	if err != nil {
		t.Fatalf("marshal payload: %v", err)
	}
	return models.Job{ID: id, Type: jobType, Payload: payload, Attempts: 1, MaxAttempts: 10, Status: models.JobStatusRunning}
}

// subscribeAllEvents wires a buffered channel to every job lifecycle event
// and returns a drain function producing the observed event types in order.
func subscribeAllEvents(bus *eventbus.Bus) func() []string {
	ch := make(chan eventbus.Event, 16)
	bus.SubscribeAll(ch,
		eventbus.EventJobStarted,
		eventbus.EventJobSucceeded,
		eventbus.EventJobRequeued,
		eventbus.EventJobFailed,
	)
	return func() []string {
		var types []string
		for {
			select {
			case evt := <-ch:
				types = append(types, evt.Type)
			default:
				return types
			}
		}
	}
}

func TestWorkerDispatchSuccess(t *testing.T) {
	t.Parallel()

	queue := newFakeQueue()
	bus := eventbus.New()
	drain := subscribeAllEvents(bus)

	w := NewWorker(queue, bus, WorkerConfig{WorkerID: "w-test"})
	var handled []int64
	w.Register(models.JobTypeIngestWallet, func(_ context.Context, job models.Job) error {
		handled = append(handled, job.ID)
		return nil
	})

	w.dispatch(context.Background(), testJob(t, 1, models.JobTypeIngestWallet))

	if len(handled) != 1 || handled[0] != 1 {
		t.Fatalf("handled = %v, want [1]", handled)
	}
	if len(queue.completed) != 1 || queue.completed[0] != 1 {
		t.Fatalf("completed = %v, want [1]", queue.completed)
	}
	if len(queue.failed)+len(queue.terminals) != 0 {
		t.Fatalf("failure writes on success path: %v %v", queue.failed, queue.terminals)
	}
	got := drain()
	want := []string{eventbus.EventJobStarted, eventbus.EventJobSucceeded}
	if len(got) != len(want) || got[0] != want[0] || got[1] != want[1] {
		t.Errorf("events = %v, want %v", got, want)
	}
}

func TestWorkerDispatchRetryableFailure(t *testing.T) {
	t.Parallel()

	queue := newFakeQueue()
	bus := eventbus.New()
	drain := subscribeAllEvents(bus)

	w := NewWorker(queue, bus, WorkerConfig{WorkerID: "w-test"})
	w.Register(models.JobTypeIngestWallet, func(_ context.Context, _ models.Job) error {
		return errors.New("upstream flaked")
	})

	w.dispatch(context.Background(), testJob(t, 2, models.JobTypeIngestWallet))

	if len(queue.failed) != 1 || queue.failed[0].jobID != 2 {
		t.Fatalf("failed = %v, want job 2 re-queued", queue.failed)
	}
	if queue.failed[0].lastError != "upstream flaked" {
		t.Errorf("lastError = %q, want handler error text", queue.failed[0].lastError)
	}
	if len(queue.terminals) != 0 {
		t.Fatalf("terminal write on retryable failure: %v", queue.terminals)
	}
	got := drain()
	if len(got) != 2 || got[1] != eventbus.EventJobRequeued {
		t.Errorf("events = %v, want started then requeued", got)
	}
}

func TestWorkerDispatchTerminalAtAttemptCap(t *testing.T) {
	t.Parallel()

	queue := newFakeQueue()
	queue.failTerminal = true
	bus := eventbus.New()
	drain := subscribeAllEvents(bus)

	w := NewWorker(queue, bus, WorkerConfig{WorkerID: "w-test"})
	w.Register(models.JobTypeIngestWallet, func(_ context.Context, _ models.Job) error {
		return errors.New("still broken")
	})

	w.dispatch(context.Background(), testJob(t, 3, models.JobTypeIngestWallet))

	if len(queue.failed) != 1 {
		t.Fatalf("failed = %v, want one write", queue.failed)
	}
	got := drain()
	if len(got) != 2 || got[1] != eventbus.EventJobFailed {
		t.Errorf("events = %v, want started then failed", got)
	}
}

func TestWorkerDispatchConstraintViolationFailsFast(t *testing.T) {
	t.Parallel()

	queue := newFakeQueue()
	bus := eventbus.New()
	drain := subscribeAllEvents(bus)

	w := NewWorker(queue, bus, WorkerConfig{WorkerID: "w-test"})
	w.Register(models.JobTypeIngestWallet, func(_ context.Context, _ models.Job) error {
		return fmt.Errorf("insert fills: %w", &pgconn.PgError{Code: "23503", Message: "violates foreign key constraint"})
	})

	w.dispatch(context.Background(), testJob(t, 4, models.JobTypeIngestWallet))

	if len(queue.terminals) != 1 || queue.terminals[0].jobID != 4 {
		t.Fatalf("terminals = %v, want job 4 failed terminally", queue.terminals)
	}
	if len(queue.failed) != 0 {
		t.Fatalf("retry write for an integrity error: %v", queue.failed)
	}
	got := drain()
	if len(got) != 2 || got[1] != eventbus.EventJobFailed {
		t.Errorf("events = %v, want started then failed", got)
	}
}

func TestWorkerDispatchNoHandler(t *testing.T) {
	t.Parallel()

	queue := newFakeQueue()
	w := NewWorker(queue, nil, WorkerConfig{WorkerID: "w-test"})

	w.dispatch(context.Background(), testJob(t, 5, models.JobType("mystery")))

	if len(queue.terminals) != 1 {
		t.Fatalf("terminals = %v, want one terminal failure", queue.terminals)
	}
	if len(queue.completed)+len(queue.failed) != 0 {
		t.Fatal("unhandled job touched complete or retry paths")
	}
}

func TestWorkerLeaseLostCompletion(t *testing.T) {
	t.Parallel()

	queue := newFakeQueue()
	queue.completeOwned = false
	bus := eventbus.New()
	drain := subscribeAllEvents(bus)

	w := NewWorker(queue, bus, WorkerConfig{WorkerID: "w-test"})
	w.Register(models.JobTypeIngestWallet, func(_ context.Context, _ models.Job) error { return nil })

	w.dispatch(context.Background(), testJob(t, 6, models.JobTypeIngestWallet))

	// The write happened but ownership was gone; no success event.
	if len(queue.completed) != 1 {
		t.Fatalf("completed = %v, want the attempt recorded", queue.completed)
	}
	got := drain()
	if len(got) != 1 || got[0] != eventbus.EventJobStarted {
		t.Errorf("events = %v, want only started", got)
	}
}

func TestWorkerProcessOneDrains(t *testing.T) {
	t.Parallel()

	queue := newFakeQueue(
		testJob(t, 1, models.JobTypeIngestWallet),
		testJob(t, 2, models.JobTypeIngestWallet),
	)
	w := NewWorker(queue, nil, WorkerConfig{WorkerID: "w-test"})
	var handled int
	w.Register(models.JobTypeIngestWallet, func(_ context.Context, _ models.Job) error {
		handled++
		return nil
	})

	ctx := context.Background()
	if !w.processOne(ctx) {
		t.Fatal("first processOne = false, want a job processed")
	}
	if !w.processOne(ctx) {
		t.Fatal("second processOne = false, want a job processed")
	}
	if w.processOne(ctx) {
		t.Fatal("third processOne = true on an empty queue")
	}
	if handled != 2 {
		t.Fatalf("handled %d jobs, want 2", handled)
	}
}

func TestWorkerDefaults(t *testing.T) {
	t.Parallel()

	w := NewWorker(newFakeQueue(), nil, WorkerConfig{})
	if w.WorkerID() == "" {
		t.Error("default worker id is empty")
	}
	if w.concurrency != 4 {
		t.Errorf("default concurrency = %d, want 4", w.concurrency)
	}
	if w.lease != 5*time.Minute {
		t.Errorf("default lease = %v, want 5m", w.lease)
	}
	if w.poll != time.Second {
		t.Errorf("default poll = %v, want 1s", w.poll)
	}
}

func TestRetryDelaySeconds(t *testing.T) {
	t.Parallel()

	cases := []struct {
		attempts int
		want     int64
	}{
		{0, 1},
		{1, 2},
		{3, 8},
		{10, 1024},
		{-1, 1},
		{40, 1 << 30},
	}
	for _, tc := range cases {
		if got := retryDelaySeconds(tc.attempts); got != tc.want {
			t.Errorf("retryDelaySeconds(%d) = %d, want %d", tc.attempts, got, tc.want)
		}
	}
}

func TestPayloadWalletID(t *testing.T) {
	t.Parallel()

	orgID := uuid.New()
	ingest, _ := json.Marshal(models.IngestWalletPayload{OrgID: orgID, WalletID: 7, Address: "0xabc"})
	rollup, _ := json.Marshal(models.RollupWalletDayPayload{OrgID: orgID, WalletID: 9, Days: []string{"2025-06-01"}})
	global, _ := json.Marshal(models.RollupGlobalDayPayload{OrgID: orgID, Days: []string{"2025-06-01"}})

	cases := []struct {
		name string
		job  models.Job
		want int64
	}{
		{"ingest payload", models.Job{Type: models.JobTypeIngestWallet, Payload: ingest}, 7},
		{"wallet rollup payload", models.Job{Type: models.JobTypeRollupWalletDay, Payload: rollup}, 9},
		{"global rollup has no wallet", models.Job{Type: models.JobTypeRollupGlobalDay, Payload: global}, 0},
		{"garbage payload", models.Job{Type: models.JobTypeIngestWallet, Payload: json.RawMessage(`{`)}, 0},
	}
	for _, tc := range cases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			if got := payloadWalletID(tc.job); got != tc.want {
				t.Fatalf("payloadWalletID = %d, want %d", got, tc.want)
			}
		})
	}
}
