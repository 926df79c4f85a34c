package ingester

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/outblock/hlscan/internal/models"
)

type walletDayCall struct {
	walletID int64
	dayStart time.Time
}

type fakeRollupStore struct {
	walletDays []walletDayCall
	globalDays []string
	upsertErr  error

	enqueued   []enqueueCall
	enqueueErr error
}

func (s *fakeRollupStore) UpsertWalletDayMetrics(_ context.Context, _ uuid.UUID, walletID int64, dayStart time.Time) (int64, error) {
	if s.upsertErr != nil {
		return 0, s.upsertErr
	}
	s.walletDays = append(s.walletDays, walletDayCall{walletID, dayStart})
	return 1, nil
}

func (s *fakeRollupStore) UpsertGlobalDayMetrics(_ context.Context, _ uuid.UUID, day string) (int64, error) {
	if s.upsertErr != nil {
		return 0, s.upsertErr
	}
	s.globalDays = append(s.globalDays, day)
	return 1, nil
}

func (s *fakeRollupStore) EnqueueJob(_ context.Context, orgID uuid.UUID, jobType models.JobType, payload any, _ time.Time) (int64, error) {
	if s.enqueueErr != nil {
		return 0, s.enqueueErr
	}
	s.enqueued = append(s.enqueued, enqueueCall{orgID, jobType, payload})
	return int64(len(s.enqueued)), nil
}

func rollupJob(t *testing.T, jobType models.JobType, payload any) models.Job {
	t.Helper()
	raw, err := json.Marshal(payload)
	if err != nil {
		t.Fatalf("marshal payload: %v", err)
	}
	return models.Job{ID: 9, Type: jobType, Payload: raw}
}

func TestRollupWalletDayChainsGlobal(t *testing.T) {
	t.Parallel()

	orgID := uuid.New()
	store := &fakeRollupStore{}
	r := NewRollup(store)

	job := rollupJob(t, models.JobTypeRollupWalletDay, models.RollupWalletDayPayload{
		OrgID:    orgID,
		WalletID: 42,
		Days:     []string{"2025-06-01", "2025-06-02"},
	})
	if err := r.HandleWalletDay(context.Background(), job); err != nil {
		t.Fatalf("HandleWalletDay: %v", err)
	}

	if len(store.walletDays) != 2 {
		t.Fatalf("recomputed %d wallet-days, want 2", len(store.walletDays))
	}
	wantStart := time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC)
	if got := store.walletDays[0]; got.walletID != 42 || !got.dayStart.Equal(wantStart) {
		t.Errorf("first recompute = %+v, want wallet 42 at %v", got, wantStart)
	}

	if len(store.enqueued) != 1 {
		t.Fatalf("enqueued %d jobs, want 1 global rollup", len(store.enqueued))
	}
	chained, ok := store.enqueued[0].payload.(models.RollupGlobalDayPayload)
	if !ok || store.enqueued[0].jobType != models.JobTypeRollupGlobalDay {
		t.Fatalf("chained job = %v %T, want rollup_global_day payload", store.enqueued[0].jobType, store.enqueued[0].payload)
	}
	if chained.OrgID != orgID || len(chained.Days) != 2 {
		t.Errorf("chained payload = %+v, want same org and days", chained)
	}
}

func TestRollupWalletDayRejectsBadDay(t *testing.T) {
	t.Parallel()

	store := &fakeRollupStore{}
	r := NewRollup(store)

	job := rollupJob(t, models.JobTypeRollupWalletDay, models.RollupWalletDayPayload{
		OrgID:    uuid.New(),
		WalletID: 42,
		Days:     []string{"June 1st"},
	})
	if err := r.HandleWalletDay(context.Background(), job); err == nil {
		t.Fatal("want error for unparseable day")
	}
	if len(store.enqueued) != 0 {
		t.Errorf("enqueued %d jobs after bad day, want none", len(store.enqueued))
	}
}

func TestRollupWalletDayUpsertErrorStopsChain(t *testing.T) {
	t.Parallel()

	upsertErr := errors.New("fills table unavailable")
	store := &fakeRollupStore{upsertErr: upsertErr}
	r := NewRollup(store)

	job := rollupJob(t, models.JobTypeRollupWalletDay, models.RollupWalletDayPayload{
		OrgID:    uuid.New(),
		WalletID: 42,
		Days:     []string{"2025-06-01"},
	})
	if err := r.HandleWalletDay(context.Background(), job); !errors.Is(err, upsertErr) {
		t.Fatalf("err = %v, want wrapped upsert error", err)
	}
	if len(store.enqueued) != 0 {
		t.Errorf("global rollup enqueued despite failed recompute")
	}
}

func TestRollupGlobalDay(t *testing.T) {
	t.Parallel()

	store := &fakeRollupStore{}
	r := NewRollup(store)

	job := rollupJob(t, models.JobTypeRollupGlobalDay, models.RollupGlobalDayPayload{
		OrgID: uuid.New(),
		Days:  []string{"2025-06-01", "2025-06-02"},
	})
	if err := r.HandleGlobalDay(context.Background(), job); err != nil {
		t.Fatalf("HandleGlobalDay: %v", err)
	}
	if len(store.globalDays) != 2 {
		t.Fatalf("recomputed %d global days, want 2", len(store.globalDays))
	}
	if len(store.enqueued) != 0 {
		t.Errorf("global stage enqueued %d jobs, want none", len(store.enqueued))
	}
}

func TestRollupEmptyPayloads(t *testing.T) {
	t.Parallel()

	r := NewRollup(&fakeRollupStore{})

	walletJob := rollupJob(t, models.JobTypeRollupWalletDay, models.RollupWalletDayPayload{OrgID: uuid.New(), WalletID: 42})
	if err := r.HandleWalletDay(context.Background(), walletJob); err == nil {
		t.Error("want error for wallet rollup without days")
	}

	globalJob := rollupJob(t, models.JobTypeRollupGlobalDay, models.RollupGlobalDayPayload{OrgID: uuid.New()})
	if err := r.HandleGlobalDay(context.Background(), globalJob); err == nil {
		t.Error("want error for global rollup without days")
	}
}
