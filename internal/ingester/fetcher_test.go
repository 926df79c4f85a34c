package ingester

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/outblock/hlscan/internal/governor"
	"github.com/outblock/hlscan/internal/hyperliquid"
	"github.com/outblock/hlscan/internal/models"
)

type fetchCall struct {
	user  string
	start int64
}

type fakeFillSource struct {
	fills []hyperliquid.Fill
	err   error
	calls []fetchCall
}

func (f *fakeFillSource) FetchFills(_ context.Context, user string, startMillis int64) ([]hyperliquid.Fill, error) {
	f.calls = append(f.calls, fetchCall{user, startMillis})
	if f.err != nil {
		return nil, f.err
	}
	return f.fills, nil
}

type enqueueCall struct {
	orgID   uuid.UUID
	jobType models.JobType
	payload any
}

type fakeFetcherStore struct {
	cursor    models.IngestCursor
	cursorErr error

	inserted  int64
	days      []string
	insertErr error
	lastRows  []models.Fill

	enqueued   []enqueueCall
	enqueueErr error
}

func (s *fakeFetcherStore) GetCursor(_ context.Context, orgID uuid.UUID, walletID int64) (models.IngestCursor, error) {
	if s.cursorErr != nil {
		return models.IngestCursor{}, s.cursorErr
	}
	c := s.cursor
	c.OrgID = orgID
	c.WalletID = walletID
	return c, nil
}

func (s *fakeFetcherStore) InsertFills(_ context.Context, _ uuid.UUID, fills []models.Fill) (int64, []string, error) {
	s.lastRows = fills
	if s.insertErr != nil {
		return 0, nil, s.insertErr
	}
	return s.inserted, s.days, nil
}

func (s *fakeFetcherStore) EnqueueJob(_ context.Context, orgID uuid.UUID, jobType models.JobType, payload any, _ time.Time) (int64, error) {
	if s.enqueueErr != nil {
		return 0, s.enqueueErr
	}
	s.enqueued = append(s.enqueued, enqueueCall{orgID, jobType, payload})
	return int64(len(s.enqueued)), nil
}

type cursorUpdate struct {
	walletID int64
	success  bool
	cursorTs time.Time
}

type fakeCursorUpdater struct {
	updates []cursorUpdate
	err     error
}

func (u *fakeCursorUpdater) UpdateCursor(_ context.Context, _ uuid.UUID, walletID int64, success bool, cursorTs time.Time) error {
	u.updates = append(u.updates, cursorUpdate{walletID, success, cursorTs})
	return u.err
}

type fakeGovernor struct {
	acquires    []int
	acquireErr  error
	adjusted    []int
	rateLimited int
	available   int
	availErr    error
}

func (g *fakeGovernor) Acquire(_ context.Context, cost int) (time.Duration, error) {
	g.acquires = append(g.acquires, cost)
	return 0, g.acquireErr
}
func (g *fakeGovernor) TryAcquire(_ context.Context, _ int) (bool, error) { return true, nil }
func (g *fakeGovernor) ReportRateLimited(_ context.Context) error {
	g.rateLimited++
	return nil
}
func (g *fakeGovernor) AdjustForResponse(_ context.Context, items int) error {
	g.adjusted = append(g.adjusted, items)
	return nil
}
func (g *fakeGovernor) AvailableRequests(_ context.Context, _ int) (int, error) {
	return g.available, g.availErr
}
func (g *fakeGovernor) Snapshot(_ context.Context) (governor.State, error) {
	return governor.State{}, nil
}
func (g *fakeGovernor) DefaultCost() int { return 20 }

func ingestJob(t *testing.T, orgID uuid.UUID, walletID int64, address string) models.Job {
	t.Helper()
	payload, err := json.Marshal(models.IngestWalletPayload{OrgID: orgID, WalletID: walletID, Address: address})
	if err != nil {
		t.Fatalf("marshal payload: %v", err)
	}
	return models.Job{ID: 1, OrgID: orgID, Type: models.JobTypeIngestWallet, Payload: payload}
}

func TestFetcherHappyPath(t *testing.T) {
	t.Parallel()

	orgID := uuid.New()
	cursorTs := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	newest := cursorTs.Add(30 * time.Minute)

	store := &fakeFetcherStore{
		cursor:   models.IngestCursor{CursorTs: cursorTs, Status: models.CursorStatusOK},
		inserted: 2,
		days:     []string{"2025-06-01"},
	}
	source := &fakeFillSource{fills: []hyperliquid.Fill{
		{Time: cursorTs.Add(10 * time.Minute).UnixMilli(), Coin: "ETH", Side: "B", Px: "2000", Sz: "1", Hash: "0x1", Tid: 1},
		{Time: newest.UnixMilli(), Coin: "ETH/USDC", Side: "A", Px: "2001", Sz: "0.5", Hash: "0x2", Tid: 2},
	}}
	gov := &fakeGovernor{}
	cursors := &fakeCursorUpdater{}

	f := NewFetcher(store, source, gov, cursors)
	if err := f.Handle(context.Background(), ingestJob(t, orgID, 42, "0xabc0000000000000000000000000000000000001")); err != nil {
		t.Fatalf("Handle: %v", err)
	}

	if len(gov.acquires) != 1 {
		t.Fatalf("governor acquired %d times, want 1", len(gov.acquires))
	}
	if len(gov.adjusted) != 1 || gov.adjusted[0] != 2 {
		t.Fatalf("surcharge adjustments = %v, want [2]", gov.adjusted)
	}

	if len(source.calls) != 1 {
		t.Fatalf("fetched %d times, want 1", len(source.calls))
	}
	wantStart := cursorTs.UnixMilli() - overlapWindow.Milliseconds()
	if source.calls[0].start != wantStart {
		t.Errorf("fetch start = %d, want cursor minus overlap %d", source.calls[0].start, wantStart)
	}

	if len(store.lastRows) != 2 {
		t.Fatalf("inserted %d rows, want 2", len(store.lastRows))
	}

	if len(cursors.updates) != 1 {
		t.Fatalf("cursor updated %d times, want 1", len(cursors.updates))
	}
	up := cursors.updates[0]
	if !up.success || !up.cursorTs.Equal(newest) {
		t.Errorf("cursor update = %+v, want success at %v", up, newest)
	}

	if len(store.enqueued) != 1 {
		t.Fatalf("enqueued %d jobs, want 1 rollup", len(store.enqueued))
	}
	rollup, ok := store.enqueued[0].payload.(models.RollupWalletDayPayload)
	if !ok {
		t.Fatalf("enqueued payload %T, want RollupWalletDayPayload", store.enqueued[0].payload)
	}
	if store.enqueued[0].jobType != models.JobTypeRollupWalletDay || rollup.WalletID != 42 {
		t.Errorf("rollup job = %v wallet %d, want rollup_wallet_day for wallet 42", store.enqueued[0].jobType, rollup.WalletID)
	}
	if len(rollup.Days) != 1 || rollup.Days[0] != "2025-06-01" {
		t.Errorf("rollup days = %v, want [2025-06-01]", rollup.Days)
	}
}

func TestFetcherEmptyResponse(t *testing.T) {
	t.Parallel()

	orgID := uuid.New()
	cursorTs := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	store := &fakeFetcherStore{cursor: models.IngestCursor{CursorTs: cursorTs}}
	source := &fakeFillSource{}
	cursors := &fakeCursorUpdater{}

	f := NewFetcher(store, source, &fakeGovernor{}, cursors)
	if err := f.Handle(context.Background(), ingestJob(t, orgID, 7, "0xabc0000000000000000000000000000000000001")); err != nil {
		t.Fatalf("Handle: %v", err)
	}

	if len(cursors.updates) != 1 {
		t.Fatalf("cursor updated %d times, want 1", len(cursors.updates))
	}
	up := cursors.updates[0]
	if !up.success || !up.cursorTs.Equal(cursorTs) {
		t.Errorf("cursor update = %+v, want success with unchanged ts %v", up, cursorTs)
	}
	if len(store.enqueued) != 0 {
		t.Errorf("enqueued %d jobs on empty fetch, want none", len(store.enqueued))
	}
}

func TestFetcherAllDuplicates(t *testing.T) {
	t.Parallel()

	orgID := uuid.New()
	cursorTs := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	newest := cursorTs.Add(5 * time.Minute)

	// Overlap re-fetch: rows come back but every insert dedupes away.
	store := &fakeFetcherStore{
		cursor:   models.IngestCursor{CursorTs: cursorTs},
		inserted: 0,
		days:     nil,
	}
	source := &fakeFillSource{fills: []hyperliquid.Fill{
		{Time: newest.UnixMilli(), Coin: "ETH", Side: "B", Px: "2000", Sz: "1", Hash: "0x1", Tid: 1},
	}}
	cursors := &fakeCursorUpdater{}

	f := NewFetcher(store, source, &fakeGovernor{}, cursors)
	if err := f.Handle(context.Background(), ingestJob(t, orgID, 7, "0xabc0000000000000000000000000000000000001")); err != nil {
		t.Fatalf("Handle: %v", err)
	}

	if len(store.enqueued) != 0 {
		t.Errorf("enqueued %d jobs when nothing inserted, want none", len(store.enqueued))
	}
	if len(cursors.updates) != 1 || !cursors.updates[0].cursorTs.Equal(newest) {
		t.Errorf("cursor updates = %+v, want advance to %v even with zero inserts", cursors.updates, newest)
	}
}

func TestFetcherRateLimited(t *testing.T) {
	t.Parallel()

	orgID := uuid.New()
	store := &fakeFetcherStore{cursor: models.IngestCursor{CursorTs: time.Unix(0, 0).UTC()}}
	source := &fakeFillSource{err: hyperliquid.ErrRateLimited}
	gov := &fakeGovernor{}
	cursors := &fakeCursorUpdater{}

	f := NewFetcher(store, source, gov, cursors)
	err := f.Handle(context.Background(), ingestJob(t, orgID, 7, "0xabc0000000000000000000000000000000000001"))
	if !errors.Is(err, hyperliquid.ErrRateLimited) {
		t.Fatalf("err = %v, want wrapped ErrRateLimited", err)
	}

	if gov.rateLimited != 1 {
		t.Errorf("ReportRateLimited called %d times, want 1", gov.rateLimited)
	}
	if len(cursors.updates) != 1 || cursors.updates[0].success {
		t.Errorf("cursor updates = %+v, want one failure", cursors.updates)
	}
}

func TestFetcherInsertFailureMarksCursor(t *testing.T) {
	t.Parallel()

	orgID := uuid.New()
	insertErr := errors.New("partition gone")
	store := &fakeFetcherStore{
		cursor:    models.IngestCursor{CursorTs: time.Unix(0, 0).UTC()},
		insertErr: insertErr,
	}
	source := &fakeFillSource{fills: []hyperliquid.Fill{
		{Time: 1_700_000_000_000, Coin: "ETH", Side: "B", Px: "2000", Sz: "1", Hash: "0x1", Tid: 1},
	}}
	cursors := &fakeCursorUpdater{}

	f := NewFetcher(store, source, &fakeGovernor{}, cursors)
	err := f.Handle(context.Background(), ingestJob(t, orgID, 7, "0xabc0000000000000000000000000000000000001"))
	if !errors.Is(err, insertErr) {
		t.Fatalf("err = %v, want wrapped insert error", err)
	}
	if len(cursors.updates) != 1 || cursors.updates[0].success {
		t.Errorf("cursor updates = %+v, want one failure", cursors.updates)
	}
	if len(store.enqueued) != 0 {
		t.Errorf("enqueued %d jobs after failed insert, want none", len(store.enqueued))
	}
}

func TestFetcherMalformedBatch(t *testing.T) {
	t.Parallel()

	orgID := uuid.New()
	store := &fakeFetcherStore{cursor: models.IngestCursor{CursorTs: time.Unix(0, 0).UTC()}}
	source := &fakeFillSource{fills: []hyperliquid.Fill{
		{Time: 1, Coin: "ETH", Side: "Z", Px: "1", Sz: "1", Hash: "0x1", Tid: 1},
	}}
	cursors := &fakeCursorUpdater{}

	f := NewFetcher(store, source, &fakeGovernor{}, cursors)
	err := f.Handle(context.Background(), ingestJob(t, orgID, 7, "0xabc0000000000000000000000000000000000001"))
	if !errors.Is(err, hyperliquid.ErrMalformed) {
		t.Fatalf("err = %v, want wrapped ErrMalformed", err)
	}
	if store.lastRows != nil {
		t.Errorf("insert attempted with %d rows after malformed batch", len(store.lastRows))
	}
}

func TestFetcherBadPayload(t *testing.T) {
	t.Parallel()

	f := NewFetcher(&fakeFetcherStore{}, &fakeFillSource{}, &fakeGovernor{}, &fakeCursorUpdater{})

	job := models.Job{ID: 1, Type: models.JobTypeIngestWallet, Payload: json.RawMessage(`{"wallet_id": 0}`)}
	if err := f.Handle(context.Background(), job); err == nil {
		t.Fatal("want error for payload without wallet reference")
	}

	job.Payload = json.RawMessage(`not json`)
	if err := f.Handle(context.Background(), job); err == nil {
		t.Fatal("want error for undecodable payload")
	}
}
