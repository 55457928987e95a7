package sync

import (
	"context"
	"encoding/json"
	"path/filepath"
	stdsync "sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/salbaldovinos/hoofdirect-sub000/internal/config"
	"github.com/salbaldovinos/hoofdirect-sub000/internal/store"
)

type fakeGateway struct {
	mu       stdsync.Mutex
	pushes   []PushRequest
	pushErrs []error // consumed per push; nil means success
	pushErr  error   // returned once pushErrs is exhausted
	pulls    map[string][]RemoteRecord
	pullErr  error
	onPush   func(PushRequest) // runs while the push is in flight
}

func (g *fakeGateway) Push(ctx context.Context, req PushRequest) (*PushAck, error) {
	g.mu.Lock()
	g.pushes = append(g.pushes, req)
	var err error
	if len(g.pushErrs) > 0 {
		err = g.pushErrs[0]
		g.pushErrs = g.pushErrs[1:]
	} else {
		err = g.pushErr
	}
	hook := g.onPush
	g.mu.Unlock()

	if hook != nil {
		hook(req)
	}
	if err != nil {
		return nil, err
	}
	return &PushAck{}, nil
}

func (g *fakeGateway) Pull(ctx context.Context, entityType string, since time.Time) ([]RemoteRecord, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.pullErr != nil {
		return nil, g.pullErr
	}
	return g.pulls[entityType], nil
}

func (g *fakeGateway) pushCount() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.pushes)
}

func testConfig() *config.Config {
	return &config.Config{
		Sync: config.SyncConfig{
			EntityTypes:     []string{"client", "horse"},
			BatchSize:       25,
			MaxRetries:      5,
			BackoffInitial:  "1ns",
			BackoffMax:      "1ms",
			EnqueueDebounce: "10ms",
		},
		Connectivity: config.ConnectivityConfig{OfflineDebounce: "1ms"},
	}
}

func setLastSync(t *testing.T, st store.Store, ts time.Time) {
	t.Helper()
	require.NoError(t, st.SetMetadata(context.Background(), store.MetaLastSyncTs, ts.Format(time.RFC3339Nano)))
}

func TestCycleDrainsCreate(t *testing.T) {
	st := newTestStore(t)
	gw := &fakeGateway{}
	q := NewQueue(st)
	o := NewOrchestrator(testConfig(), st, gw, nil)
	ctx := context.Background()

	require.NoError(t, q.Enqueue(ctx, "client", "c1", store.OpCreate, json.RawMessage(`{"name":"Sarah"}`)))

	cycle, err := o.RunCycle(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, cycle.EntriesPushed)
	require.Equal(t, "completed", cycle.Status)

	require.Equal(t, 1, gw.pushCount())
	require.Equal(t, store.OpCreate, gw.pushes[0].Operation)
	require.Equal(t, "c1", gw.pushes[0].EntityID)
	require.False(t, gw.pushes[0].Force)

	status, err := q.StatusOf(ctx, "client", "c1")
	require.NoError(t, err)
	require.Equal(t, store.StatusSynced, status)

	count, err := q.PendingCount(ctx)
	require.NoError(t, err)
	require.Zero(t, count)

	// A clean pull advances the cursor.
	last, err := o.LastSyncAt(ctx)
	require.NoError(t, err)
	require.False(t, last.IsZero())
}

func TestCycleDeleteRemovesLocalRecord(t *testing.T) {
	st := newTestStore(t)
	gw := &fakeGateway{}
	q := NewQueue(st)
	o := NewOrchestrator(testConfig(), st, gw, nil)
	ctx := context.Background()

	// A previously synced record the caller now deletes.
	require.NoError(t, st.UpsertRecord(ctx, &store.Record{
		EntityType: "horse", EntityID: "h1",
		Payload: json.RawMessage(`{"name":"Blaze"}`), SyncStatus: store.StatusSynced,
		UpdatedAt: time.Now().UTC(),
	}))
	require.NoError(t, q.Enqueue(ctx, "horse", "h1", store.OpDelete, nil))

	_, err := o.RunCycle(ctx)
	require.NoError(t, err)

	rec, err := st.GetRecord(ctx, "horse", "h1")
	require.NoError(t, err)
	require.Nil(t, rec)
}

func TestRetryExhaustion(t *testing.T) {
	st := newTestStore(t)
	gw := &fakeGateway{pushErr: &GatewayError{Kind: ErrKindServer, Message: "remote returned 503"}}
	q := NewQueue(st)
	o := NewOrchestrator(testConfig(), st, gw, nil)
	ctx := context.Background()

	require.NoError(t, q.Enqueue(ctx, "client", "c1", store.OpUpdate, json.RawMessage(`{"v":1}`)))

	// Initial attempt plus five retries, then the entry fails permanently.
	for i := 0; i < 8; i++ {
		_, err := o.RunCycle(ctx)
		require.NoError(t, err)
		time.Sleep(2 * time.Millisecond) // let the capped backoff elapse
	}
	require.Equal(t, 6, gw.pushCount())

	failed, err := st.ListMutations(ctx, store.EntryFailed, 10, 0)
	require.NoError(t, err)
	require.Len(t, failed, 1)
	require.Equal(t, 5, failed[0].RetryCount)
	require.Equal(t, "remote returned 503", failed[0].LastError.String)

	// Failed entries stay visible but never block other work.
	count, err := q.PendingCount(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, count)
}

func TestRejectedFailsWithoutRetry(t *testing.T) {
	st := newTestStore(t)
	gw := &fakeGateway{pushErr: &GatewayError{Kind: ErrKindRejected, Message: "malformed payload"}}
	q := NewQueue(st)
	o := NewOrchestrator(testConfig(), st, gw, nil)
	ctx := context.Background()

	require.NoError(t, q.Enqueue(ctx, "client", "c1", store.OpUpdate, json.RawMessage(`{"v":1}`)))

	for i := 0; i < 3; i++ {
		_, err := o.RunCycle(ctx)
		require.NoError(t, err)
	}
	require.Equal(t, 1, gw.pushCount())

	failed, err := st.ListMutations(ctx, store.EntryFailed, 10, 0)
	require.NoError(t, err)
	require.Len(t, failed, 1)
	require.Equal(t, "malformed payload", failed[0].LastError.String)
}

func TestNotFoundDropsEntry(t *testing.T) {
	st := newTestStore(t)
	gw := &fakeGateway{pushErr: &GatewayError{Kind: ErrKindNotFound, Message: "remote returned 404"}}
	q := NewQueue(st)
	o := NewOrchestrator(testConfig(), st, gw, nil)
	ctx := context.Background()

	require.NoError(t, q.Enqueue(ctx, "client", "c1", store.OpUpdate, json.RawMessage(`{"v":1}`)))

	_, err := o.RunCycle(ctx)
	require.NoError(t, err)

	count, err := q.PendingCount(ctx)
	require.NoError(t, err)
	require.Zero(t, count)
}

func TestConflictServerWins(t *testing.T) {
	st := newTestStore(t)
	base := time.Now().UTC().Add(-2 * time.Hour)

	serverPayload := json.RawMessage(`{"name":"Sarah Quinn"}`)
	remote := &RemoteRecord{
		EntityType: "client", EntityID: "c1",
		Payload:   serverPayload,
		UpdatedAt: time.Now().UTC().Add(time.Hour),
	}
	gw := &fakeGateway{pushErrs: []error{
		&GatewayError{Kind: ErrKindConflict, Message: "version mismatch", Remote: remote},
	}}

	q := NewQueue(st)
	o := NewOrchestrator(testConfig(), st, gw, nil)
	ctx := context.Background()

	setLastSync(t, st, base)
	require.NoError(t, q.Enqueue(ctx, "client", "c1", store.OpUpdate, json.RawMessage(`{"name":"Sarah"}`)))

	cycle, err := o.RunCycle(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, cycle.ConflictsResolved)

	// The local mutation is abandoned; the server copy lands locally.
	require.Equal(t, 1, gw.pushCount())

	rec, err := st.GetRecord(ctx, "client", "c1")
	require.NoError(t, err)
	require.JSONEq(t, string(serverPayload), string(rec.Payload))
	require.Equal(t, store.StatusSynced, rec.SyncStatus)

	count, err := q.PendingCount(ctx)
	require.NoError(t, err)
	require.Zero(t, count)

	conflicts, err := st.ListConflicts(ctx, 10, 0)
	require.NoError(t, err)
	require.Len(t, conflicts, 1)
	require.Equal(t, string(ServerWins), conflicts[0].Resolution)
}

func TestConflictLocalWinsForcesPush(t *testing.T) {
	st := newTestStore(t)
	base := time.Now().UTC().Add(-2 * time.Hour)

	remote := &RemoteRecord{
		EntityType: "client", EntityID: "c1",
		Payload:   json.RawMessage(`{"name":"old"}`),
		UpdatedAt: time.Now().UTC().Add(-time.Hour),
	}
	gw := &fakeGateway{pushErrs: []error{
		&GatewayError{Kind: ErrKindConflict, Message: "version mismatch", Remote: remote},
		nil,
	}}

	q := NewQueue(st)
	o := NewOrchestrator(testConfig(), st, gw, nil)
	ctx := context.Background()

	setLastSync(t, st, base)
	require.NoError(t, q.Enqueue(ctx, "client", "c1", store.OpUpdate, json.RawMessage(`{"name":"Sarah"}`)))

	_, err := o.RunCycle(ctx)
	require.NoError(t, err)

	require.Equal(t, 2, gw.pushCount())
	require.False(t, gw.pushes[0].Force)
	require.True(t, gw.pushes[1].Force)

	status, err := q.StatusOf(ctx, "client", "c1")
	require.NoError(t, err)
	require.Equal(t, store.StatusSynced, status)
}

func TestIncrementalPullUpsertsRecords(t *testing.T) {
	st := newTestStore(t)
	gw := &fakeGateway{pulls: map[string][]RemoteRecord{
		"client": {{
			EntityType: "client", EntityID: "c9",
			Payload:   json.RawMessage(`{"name":"June"}`),
			UpdatedAt: time.Now().UTC(),
		}},
		"horse": {{
			EntityType: "horse", EntityID: "h9",
			UpdatedAt: time.Now().UTC(),
			Deleted:   true,
		}},
	}}
	o := NewOrchestrator(testConfig(), st, gw, nil)
	ctx := context.Background()

	// A previously synced horse the server has since deleted.
	require.NoError(t, st.UpsertRecord(ctx, &store.Record{
		EntityType: "horse", EntityID: "h9",
		Payload: json.RawMessage(`{}`), SyncStatus: store.StatusSynced,
		UpdatedAt: time.Now().UTC().Add(-time.Hour),
	}))

	cycle, err := o.RunCycle(ctx)
	require.NoError(t, err)
	require.Equal(t, 2, cycle.RecordsPulled)

	rec, err := st.GetRecord(ctx, "client", "c9")
	require.NoError(t, err)
	require.NotNil(t, rec)
	require.Equal(t, store.StatusSynced, rec.SyncStatus)

	gone, err := st.GetRecord(ctx, "horse", "h9")
	require.NoError(t, err)
	require.Nil(t, gone)
}

func TestPullCollisionWithPendingEntry(t *testing.T) {
	st := newTestStore(t)
	base := time.Now().UTC().Add(-2 * time.Hour)

	serverPayload := json.RawMessage(`{"name":"server"}`)
	gw := &fakeGateway{
		pushErr: &GatewayError{Kind: ErrKindServer, Message: "remote returned 503"},
		pulls: map[string][]RemoteRecord{
			"client": {{
				EntityType: "client", EntityID: "c1",
				Payload:   serverPayload,
				UpdatedAt: time.Now().UTC().Add(time.Hour),
			}},
		},
	}

	q := NewQueue(st)
	o := NewOrchestrator(testConfig(), st, gw, nil)
	ctx := context.Background()

	setLastSync(t, st, base)
	require.NoError(t, q.Enqueue(ctx, "client", "c1", store.OpUpdate, json.RawMessage(`{"name":"local"}`)))

	_, err := o.RunCycle(ctx)
	require.NoError(t, err)

	// The remote copy is newer: the pending local mutation is abandoned and
	// the server version wins.
	rec, err := st.GetRecord(ctx, "client", "c1")
	require.NoError(t, err)
	require.JSONEq(t, string(serverPayload), string(rec.Payload))
	require.Equal(t, store.StatusSynced, rec.SyncStatus)

	count, err := q.PendingCount(ctx)
	require.NoError(t, err)
	require.Zero(t, count)
}

func TestPullKeepsNewerLocalPending(t *testing.T) {
	st := newTestStore(t)
	base := time.Now().UTC().Add(-2 * time.Hour)

	gw := &fakeGateway{
		pushErr: &GatewayError{Kind: ErrKindServer, Message: "remote returned 503"},
		pulls: map[string][]RemoteRecord{
			"client": {{
				EntityType: "client", EntityID: "c1",
				Payload:   json.RawMessage(`{"name":"server"}`),
				UpdatedAt: time.Now().UTC().Add(-time.Hour),
			}},
		},
	}

	q := NewQueue(st)
	o := NewOrchestrator(testConfig(), st, gw, nil)
	ctx := context.Background()

	setLastSync(t, st, base)
	require.NoError(t, q.Enqueue(ctx, "client", "c1", store.OpUpdate, json.RawMessage(`{"name":"local"}`)))

	_, err := o.RunCycle(ctx)
	require.NoError(t, err)

	// Local change is newer, so the pull must not clobber it.
	rec, err := st.GetRecord(ctx, "client", "c1")
	require.NoError(t, err)
	require.JSONEq(t, `{"name":"local"}`, string(rec.Payload))

	count, err := q.PendingCount(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, count)
}

func TestPullFailureDoesNotAdvanceCursor(t *testing.T) {
	st := newTestStore(t)
	base := time.Now().UTC().Add(-2 * time.Hour).Truncate(time.Millisecond)

	gw := &fakeGateway{pullErr: &GatewayError{Kind: ErrKindNetwork, Message: "unreachable"}}
	o := NewOrchestrator(testConfig(), st, gw, nil)
	ctx := context.Background()

	setLastSync(t, st, base)

	_, err := o.RunCycle(ctx)
	require.Error(t, err)

	last, err := o.LastSyncAt(ctx)
	require.NoError(t, err)
	require.True(t, last.Equal(base))

	cycles, err := st.GetSyncCycles(ctx, 10, 0)
	require.NoError(t, err)
	require.Len(t, cycles, 1)
	require.Equal(t, "failed", cycles[0].Status)
}

func TestCycleResumesAfterRestart(t *testing.T) {
	cfg := config.StorageConfig{Type: "sqlite", FilePath: filepath.Join(t.TempDir(), "test.db")}
	ctx := context.Background()

	st, err := store.NewSQLStore(cfg)
	require.NoError(t, err)
	q := NewQueue(st)
	require.NoError(t, q.Enqueue(ctx, "client", "c1", store.OpCreate, json.RawMessage(`{"name":"Sarah"}`)))

	// The process dies with the entry mid-push.
	entry, err := st.LatestPendingFor(ctx, "client", "c1")
	require.NoError(t, err)
	require.NoError(t, st.MarkStatus(ctx, entry.ID, store.EntryInProgress, ""))
	require.NoError(t, st.Close())

	st, err = store.NewSQLStore(cfg)
	require.NoError(t, err)
	defer st.Close()

	gw := &fakeGateway{}
	o := NewOrchestrator(testConfig(), st, gw, nil)
	_, err = o.RunCycle(ctx)
	require.NoError(t, err)

	require.Equal(t, 1, gw.pushCount())
	status, err := NewQueue(st).StatusOf(ctx, "client", "c1")
	require.NoError(t, err)
	require.Equal(t, store.StatusSynced, status)
}

func TestSupersededPushKeepsPendingStatus(t *testing.T) {
	st := newTestStore(t)
	q := NewQueue(st)
	gw := &fakeGateway{}
	o := NewOrchestrator(testConfig(), st, gw, nil)
	ctx := context.Background()

	// The caller writes v2 while v1 is still on the wire.
	var once stdsync.Once
	gw.onPush = func(PushRequest) {
		once.Do(func() {
			require.NoError(t, q.Enqueue(ctx, "client", "c1", store.OpUpdate, json.RawMessage(`{"v":2}`)))
		})
	}

	require.NoError(t, q.Enqueue(ctx, "client", "c1", store.OpUpdate, json.RawMessage(`{"v":1}`)))

	_, err := o.RunCycle(ctx)
	require.NoError(t, err)

	// v1 completed, but the record must still read as pending until v2 lands.
	status, err := q.StatusOf(ctx, "client", "c1")
	require.NoError(t, err)
	require.Equal(t, store.StatusPendingUpdate, status)

	count, err := q.PendingCount(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, count)

	_, err = o.RunCycle(ctx)
	require.NoError(t, err)

	require.Equal(t, 2, gw.pushCount())
	require.JSONEq(t, `{"v":2}`, string(gw.pushes[1].Payload))

	status, err = q.StatusOf(ctx, "client", "c1")
	require.NoError(t, err)
	require.Equal(t, store.StatusSynced, status)
}

type fakeRefresher struct {
	refreshed int
}

func (f *fakeRefresher) Refresh(ctx context.Context) error {
	f.refreshed++
	return nil
}

func TestAuthExpiredRefreshesAndRetries(t *testing.T) {
	st := newTestStore(t)
	gw := &fakeGateway{pushErrs: []error{
		&GatewayError{Kind: ErrKindAuthExpired, Message: "remote returned 401"},
		nil,
	}}
	refresher := &fakeRefresher{}

	q := NewQueue(st)
	o := NewOrchestrator(testConfig(), st, gw, refresher)
	ctx := context.Background()

	require.NoError(t, q.Enqueue(ctx, "client", "c1", store.OpUpdate, json.RawMessage(`{"v":1}`)))

	_, err := o.RunCycle(ctx)
	require.NoError(t, err)

	require.Equal(t, 1, refresher.refreshed)
	require.Equal(t, 2, gw.pushCount())

	count, err := q.PendingCount(ctx)
	require.NoError(t, err)
	require.Zero(t, count)
}
