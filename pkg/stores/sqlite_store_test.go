package stores

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/sagaflow/sagaflow/pkg/engine"
)

// setupTestStore creates an in-memory SQLite store for testing
func setupTestStore(t *testing.T) *SQLiteStore {
	t.Helper()

	store, err := NewSQLiteStore(Config{
		Path: ":memory:",
	})
	if err != nil {
		t.Fatalf("failed to create store: %v", err)
	}

	ctx := context.Background()
	if err := store.Init(ctx); err != nil {
		t.Fatalf("failed to initialize store: %v", err)
	}

	if err := store.Migrate(ctx); err != nil {
		t.Fatalf("failed to migrate store: %v", err)
	}

	t.Cleanup(func() { _ = store.Close() })
	return store
}

func TestStoreLifecycle(t *testing.T) {
	if _, err := NewSQLiteStore(Config{}); err == nil {
		t.Fatal("expected error for empty path")
	}

	store, err := NewSQLiteStore(Config{Path: ":memory:"})
	if err != nil {
		t.Fatalf("failed to create store: %v", err)
	}
	if store.cfg.MaxOpenConns != 1 {
		t.Errorf("expected a single connection for :memory:, got %d", store.cfg.MaxOpenConns)
	}
	if store.cfg.LockTTL != DefaultLockTTL {
		t.Errorf("expected default lock TTL, got %v", store.cfg.LockTTL)
	}

	ctx := context.Background()
	if err := store.HealthCheck(ctx); err == nil {
		t.Error("expected health check to fail before Init")
	}
	if err := store.Migrate(ctx); err == nil {
		t.Error("expected migrate to fail before Init")
	}

	if err := store.Init(ctx); err != nil {
		t.Fatalf("failed to initialize store: %v", err)
	}
	if err := store.HealthCheck(ctx); err != nil {
		t.Fatalf("health check failed: %v", err)
	}
	if err := store.Close(); err != nil {
		t.Fatalf("failed to close store: %v", err)
	}
}

func TestStoreMigrations(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	tables := []string{"execution_records", "resource_locks", "runs", "compensations", "events"}
	for _, table := range tables {
		var name string
		err := store.db.QueryRowContext(ctx,
			"SELECT name FROM sqlite_master WHERE type='table' AND name=?", table,
		).Scan(&name)
		if err != nil {
			t.Errorf("table %s does not exist: %v", table, err)
		}
	}

	// Running migrations again is a no-op.
	if err := store.Migrate(ctx); err != nil {
		t.Errorf("second migrate failed: %v", err)
	}
}

func testRecord(key, node string) *engine.ExecutionRecord {
	return &engine.ExecutionRecord{
		IdempotencyKey: key,
		NodeID:         node,
		TenantID:       "salon-42",
		RunID:          "run-1",
		SmartCode:      "HERA.SALON.POS.CHECKOUT.v1",
		RunCode:        "HERA.SALON.POS.ADD_LINE.v1",
		PayloadHash:    "abc",
		Duration:       1500 * time.Millisecond,
		Timestamp:      time.Date(2025, 1, 2, 3, 4, 5, 0, time.UTC),
	}
}

func TestAuditor_RecordAndHasRecord(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	ok, err := store.HasRecord(ctx, "add_line", "k1")
	if err != nil || ok {
		t.Fatalf("expected no record, got %v (err=%v)", ok, err)
	}

	if err := store.Record(ctx, testRecord("k1", "add_line")); err != nil {
		t.Fatalf("failed to record: %v", err)
	}

	ok, err = store.HasRecord(ctx, "add_line", "k1")
	if err != nil || !ok {
		t.Fatalf("expected record, got %v (err=%v)", ok, err)
	}

	// The key is scoped to its node.
	ok, _ = store.HasRecord(ctx, "charge", "k1")
	if ok {
		t.Error("expected no record for a different node")
	}
}

func TestAuditor_DuplicateKeyIsNoop(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	first := testRecord("k1", "add_line")
	if err := store.Record(ctx, first); err != nil {
		t.Fatalf("failed to record: %v", err)
	}
	second := testRecord("k1", "add_line")
	second.RunID = "run-2"
	if err := store.Record(ctx, second); err != nil {
		t.Fatalf("expected duplicate write to succeed silently, got %v", err)
	}

	records, err := store.ListRecords(ctx, engine.RecordFilter{})
	if err != nil {
		t.Fatalf("failed to list records: %v", err)
	}
	if len(records) != 1 || records[0].RunID != "run-1" {
		t.Errorf("expected the original record to survive, got %+v", records)
	}
}

func TestAuditor_RejectsRecordWithoutKey(t *testing.T) {
	store := setupTestStore(t)
	err := store.Record(context.Background(), &engine.ExecutionRecord{NodeID: "a"})
	if err == nil || engine.IsRetryable(err) {
		t.Errorf("expected a permanent error, got %v", err)
	}
}

func TestAuditor_RecordsAreAppendOnly(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()
	if err := store.Record(ctx, testRecord("k1", "add_line")); err != nil {
		t.Fatalf("failed to record: %v", err)
	}

	if _, err := store.db.ExecContext(ctx, `UPDATE execution_records SET node_id = 'x'`); err == nil {
		t.Error("expected update to be rejected")
	}
	if _, err := store.db.ExecContext(ctx, `DELETE FROM execution_records`); err == nil {
		t.Error("expected delete to be rejected")
	}
}

func TestAuditor_ListRecordsFiltersNewestFirst(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	for _, r := range []struct{ key, node, run string }{
		{"k1", "add_line", "run-1"},
		{"k2", "charge", "run-1"},
		{"k3", "add_line", "run-2"},
	} {
		rec := testRecord(r.key, r.node)
		rec.RunID = r.run
		if err := store.Record(ctx, rec); err != nil {
			t.Fatalf("failed to record: %v", err)
		}
	}

	all, err := store.ListRecords(ctx, engine.RecordFilter{})
	if err != nil {
		t.Fatalf("failed to list: %v", err)
	}
	if len(all) != 3 || all[0].IdempotencyKey != "k3" {
		t.Fatalf("expected 3 records newest first, got %+v", all)
	}
	if all[0].Duration != 1500*time.Millisecond || !all[0].Timestamp.Equal(testRecord("", "").Timestamp) {
		t.Errorf("unexpected round trip: %+v", all[0])
	}

	byNode, _ := store.ListRecords(ctx, engine.RecordFilter{NodeID: "add_line"})
	if len(byNode) != 2 {
		t.Errorf("expected 2 add_line records, got %d", len(byNode))
	}

	byRun, _ := store.ListRecords(ctx, engine.RecordFilter{RunID: "run-1", Limit: 1})
	if len(byRun) != 1 || byRun[0].IdempotencyKey != "k2" {
		t.Errorf("expected newest run-1 record, got %+v", byRun)
	}

	none, _ := store.ListRecords(ctx, engine.RecordFilter{SmartCode: "OTHER.FLOW.v1"})
	if len(none) != 0 {
		t.Errorf("expected no records, got %d", len(none))
	}
}

func TestLocks_AcquireRelease(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	ok, err := store.TryAcquire(ctx, "cart-1", "e1#r1")
	if err != nil || !ok {
		t.Fatalf("expected acquire, got %v (err=%v)", ok, err)
	}

	ok, _ = store.TryAcquire(ctx, "cart-1", "e1#r2")
	if ok {
		t.Error("expected second holder to be refused")
	}

	ok, _ = store.TryAcquire(ctx, "cart-1", "e1#r1")
	if !ok {
		t.Error("expected the holder to refresh its own lock")
	}

	if err := store.Release(ctx, "cart-1", "e1#r2"); err != nil {
		t.Fatalf("release by non-holder errored: %v", err)
	}
	locks, _ := store.ListLocks(ctx)
	if len(locks) != 1 || locks[0].HolderRunEpoch != "e1#r1" {
		t.Fatalf("expected lock to survive a non-holder release, got %+v", locks)
	}

	if err := store.Release(ctx, "cart-1", "e1#r1"); err != nil {
		t.Fatalf("failed to release: %v", err)
	}
	ok, _ = store.TryAcquire(ctx, "cart-1", "e1#r2")
	if !ok {
		t.Error("expected lock to be free after release")
	}
}

func TestLocks_ExpiredLockCanBeTakenOver(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	now := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	store.now = func() time.Time { return now }

	if ok, _ := store.TryAcquire(ctx, "cart-1", "crashed"); !ok {
		t.Fatal("expected acquire")
	}

	now = now.Add(DefaultLockTTL - time.Second)
	if ok, _ := store.TryAcquire(ctx, "cart-1", "next"); ok {
		t.Error("expected live lock to be refused")
	}

	now = now.Add(2 * time.Second)
	locks, _ := store.ListLocks(ctx)
	if len(locks) != 0 {
		t.Errorf("expected expired lock to be hidden, got %+v", locks)
	}

	if ok, _ := store.TryAcquire(ctx, "cart-1", "next"); !ok {
		t.Fatal("expected takeover of expired lock")
	}
	locks, _ = store.ListLocks(ctx)
	if len(locks) != 1 || locks[0].HolderRunEpoch != "next" || !locks[0].AcquiredAt.Equal(now) {
		t.Errorf("unexpected lock after takeover: %+v", locks)
	}
}

func TestLocks_PurgeExpired(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	now := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	store.now = func() time.Time { return now }
	_, _ = store.TryAcquire(ctx, "a", "h")
	now = now.Add(time.Minute)
	_, _ = store.TryAcquire(ctx, "b", "h")

	now = now.Add(DefaultLockTTL - 30*time.Second)
	n, err := store.PurgeExpiredLocks(ctx)
	if err != nil {
		t.Fatalf("failed to purge: %v", err)
	}
	if n != 1 {
		t.Errorf("expected 1 purged lock, got %d", n)
	}
}

func TestLocks_MutualExclusion(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	const workers = 16
	var wg sync.WaitGroup
	var mu sync.Mutex
	winners := 0

	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			ok, err := store.TryAcquire(ctx, "cart-1", time.Duration(i).String())
			if err != nil {
				t.Errorf("acquire errored: %v", err)
				return
			}
			if ok {
				mu.Lock()
				winners++
				mu.Unlock()
			}
		}(i)
	}
	wg.Wait()

	if winners != 1 {
		t.Errorf("expected exactly one winner, got %d", winners)
	}
}

func testSummary(runID string, status engine.RunStatus) *engine.ExecutionSummary {
	return &engine.ExecutionSummary{
		RunID:          runID,
		SmartCode:      "HERA.SALON.POS.CHECKOUT.v1",
		TenantID:       "salon-42",
		RunEpoch:       "2025-01-01T00:00:00Z",
		Status:         status,
		CompletedNodes: []string{"add_line"},
		StartedAt:      time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC),
		Elapsed:        2 * time.Second,
	}
}

func TestRuns_SaveAndGet(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	summary := testSummary("run-1", engine.RunStatusRolledBack)
	summary.Error = "procedure HERA.FIN.PAY.CHARGE.v1 failed"
	summary.Compensations = []engine.CompensationOutcome{
		{NodeID: "b", Compensation: "UNDO.B.v1", Success: true, Duration: 10 * time.Millisecond},
		{NodeID: "a", Compensation: "UNDO.A.v1", Success: false, Error: "boom"},
	}

	if err := store.SaveRun(ctx, summary); err != nil {
		t.Fatalf("failed to save run: %v", err)
	}

	run, err := store.GetRun(ctx, "run-1")
	if err != nil {
		t.Fatalf("failed to get run: %v", err)
	}
	if run.Status != engine.RunStatusRolledBack || run.TenantID != "salon-42" || run.ElapsedMs != 2000 {
		t.Errorf("unexpected run: %+v", run)
	}
	if run.Error == nil || *run.Error != summary.Error {
		t.Errorf("expected error to round trip, got %v", run.Error)
	}
	if run.FinishedAt == nil || !run.FinishedAt.Equal(summary.StartedAt.Add(2*time.Second)) {
		t.Errorf("unexpected finished_at: %v", run.FinishedAt)
	}

	comps, err := store.ListCompensations(ctx, "run-1")
	if err != nil {
		t.Fatalf("failed to list compensations: %v", err)
	}
	if len(comps) != 2 || comps[0].NodeID != "b" || comps[1].NodeID != "a" {
		t.Fatalf("expected rollback order [b a], got %+v", comps)
	}
	if !comps[0].Success || comps[1].Success || comps[1].Error == nil || *comps[1].Error != "boom" {
		t.Errorf("unexpected compensation outcomes: %+v %+v", comps[0], comps[1])
	}

	// Saving again replaces, it does not duplicate.
	summary.Compensations = summary.Compensations[:1]
	if err := store.SaveRun(ctx, summary); err != nil {
		t.Fatalf("failed to re-save run: %v", err)
	}
	comps, _ = store.ListCompensations(ctx, "run-1")
	if len(comps) != 1 {
		t.Errorf("expected 1 compensation after re-save, got %d", len(comps))
	}
}

func TestRuns_GetMissing(t *testing.T) {
	store := setupTestStore(t)
	_, err := store.GetRun(context.Background(), "nope")
	if !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestRuns_ListFilters(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	a := testSummary("run-a", engine.RunStatusSucceeded)
	b := testSummary("run-b", engine.RunStatusFailed)
	b.StartedAt = b.StartedAt.Add(time.Hour)
	c := testSummary("run-c", engine.RunStatusSucceeded)
	c.SmartCode = "HERA.SALON.POS.REFUND.v1"
	c.TenantID = ""
	c.StartedAt = c.StartedAt.Add(2 * time.Hour)
	for _, s := range []*engine.ExecutionSummary{a, b, c} {
		if err := store.SaveRun(ctx, s); err != nil {
			t.Fatalf("failed to save run: %v", err)
		}
	}

	all, err := store.ListRuns(ctx, RunFilter{})
	if err != nil {
		t.Fatalf("failed to list runs: %v", err)
	}
	if len(all) != 3 || all[0].ID != "run-c" || all[2].ID != "run-a" {
		t.Fatalf("expected newest first, got %v", runIDs(all))
	}

	byCode, _ := store.ListRuns(ctx, RunFilter{SmartCode: "hera.salon.pos.checkout.v1"})
	if len(byCode) != 2 {
		t.Errorf("expected 2 checkout runs, got %v", runIDs(byCode))
	}

	platform := ""
	byTenant, _ := store.ListRuns(ctx, RunFilter{TenantID: &platform})
	if len(byTenant) != 1 || byTenant[0].ID != "run-c" {
		t.Errorf("expected platform run only, got %v", runIDs(byTenant))
	}

	failed, _ := store.ListRuns(ctx, RunFilter{Status: engine.RunStatusFailed})
	if len(failed) != 1 || failed[0].ID != "run-b" {
		t.Errorf("expected failed run only, got %v", runIDs(failed))
	}

	page, _ := store.ListRuns(ctx, RunFilter{Limit: 1, Offset: 1})
	if len(page) != 1 || page[0].ID != "run-b" {
		t.Errorf("expected second page to hold run-b, got %v", runIDs(page))
	}
}

func runIDs(runs []*RunRecord) []string {
	ids := make([]string, len(runs))
	for i, r := range runs {
		ids[i] = r.ID
	}
	return ids
}

func TestEvents_RecordAndList(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	ts := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	events := []engine.Event{
		{Type: engine.EventRunStarted, RunID: "run-1", SmartCode: "A.FLOW.v1", Timestamp: ts},
		{Type: engine.EventNodeStateChanged, RunID: "run-1", SmartCode: "A.FLOW.v1", NodeID: "a",
			State: engine.NodeStateCompleted, Timestamp: ts, Data: map[string]interface{}{"duration_ms": 12}},
		{Type: engine.EventRunStarted, RunID: "run-2", SmartCode: "A.FLOW.v1", Timestamp: ts},
	}
	for i, e := range events {
		if err := store.RecordEvent(ctx, time.Duration(i).String(), e); err != nil {
			t.Fatalf("failed to record event: %v", err)
		}
	}

	run1, err := store.ListEvents(ctx, EventFilter{RunID: "run-1"})
	if err != nil {
		t.Fatalf("failed to list events: %v", err)
	}
	if len(run1) != 2 || run1[0].Type != string(engine.EventRunStarted) {
		t.Fatalf("expected 2 run-1 events in order, got %+v", run1)
	}
	if run1[0].NodeID != nil || run1[0].Data != nil {
		t.Errorf("expected empty optional fields to be NULL, got %+v", run1[0])
	}
	node := run1[1]
	if node.NodeID == nil || *node.NodeID != "a" || node.State == nil || *node.State != "COMPLETED" {
		t.Errorf("unexpected node event: %+v", node)
	}
	if node.Data == nil || *node.Data != `{"duration_ms":12}` {
		t.Errorf("unexpected event data: %v", node.Data)
	}

	started, _ := store.ListEvents(ctx, EventFilter{Type: string(engine.EventRunStarted)})
	if len(started) != 2 {
		t.Errorf("expected 2 run.started events, got %d", len(started))
	}

	byNode, _ := store.ListEvents(ctx, EventFilter{NodeID: "a"})
	if len(byNode) != 1 {
		t.Errorf("expected 1 event for node a, got %d", len(byNode))
	}
}

func TestStore_ImplementsEngineInterfaces(t *testing.T) {
	var _ Store = (*SQLiteStore)(nil)
	var _ engine.LeasedLockManager = (*SQLiteStore)(nil)
	var _ engine.LeasedLockManager = (*RedisLockManager)(nil)
}

func TestStore_BacksExecutor(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	source := map[string]*engine.OrchestrationSpec{}
	spec := &engine.OrchestrationSpec{
		SmartCode: "HERA.SALON.POS.CHECKOUT.v1",
		Nodes: []engine.Node{{
			ID: "add_line", Run: "HERA.SALON.POS.ADD_LINE.v1",
			Metadata: map[string]interface{}{"resource_ref": "cart_id"},
		}},
	}
	source[spec.SmartCode] = spec

	calls := 0
	exec, err := engine.NewExecutor(engine.ExecutorConfig{
		Resolver: resolverFunc(func(_ context.Context, code, _ string) (*engine.OrchestrationSpec, error) {
			if s, ok := source[code]; ok {
				return s, nil
			}
			return nil, engine.NewSpecNotFoundError(code, "")
		}),
		Runtime: runtimeFunc(func(context.Context, string, map[string]interface{}) (*engine.ProcedureResult, error) {
			calls++
			return &engine.ProcedureResult{Success: true}, nil
		}),
		Auditor: store,
		Locks:   store,
	})
	if err != nil {
		t.Fatalf("failed to create executor: %v", err)
	}

	req := engine.ExecuteRequest{
		SmartCode: spec.SmartCode,
		Payload:   map[string]interface{}{"cart_id": "c1"},
		RunEpoch:  "epoch-1",
	}
	first, err := exec.Execute(ctx, req)
	if err != nil {
		t.Fatalf("first execute failed: %v", err)
	}
	if err := store.SaveRun(ctx, first); err != nil {
		t.Fatalf("failed to save run: %v", err)
	}

	second, err := exec.Execute(ctx, req)
	if err != nil {
		t.Fatalf("second execute failed: %v", err)
	}
	if calls != 1 || len(second.IdempotentSkips) != 1 {
		t.Errorf("expected replay to be skipped, calls=%d skips=%v", calls, second.IdempotentSkips)
	}

	locks, _ := store.ListLocks(ctx)
	if len(locks) != 0 {
		t.Errorf("expected locks released, got %+v", locks)
	}
}

func TestStore_LeaseOutlivesTTLWhileNodeRuns(t *testing.T) {
	const ttl = 150 * time.Millisecond

	store, err := NewSQLiteStore(Config{Path: ":memory:", LockTTL: ttl})
	if err != nil {
		t.Fatalf("failed to create store: %v", err)
	}
	ctx := context.Background()
	if err := store.Init(ctx); err != nil {
		t.Fatalf("failed to initialize store: %v", err)
	}
	if err := store.Migrate(ctx); err != nil {
		t.Fatalf("failed to migrate store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })

	spec := &engine.OrchestrationSpec{
		SmartCode: "HERA.SALON.POS.CHECKOUT.v1",
		Nodes: []engine.Node{{
			ID: "add_line", Run: "HERA.SALON.POS.ADD_LINE.v1",
			Metadata: map[string]interface{}{"resource_ref": "cart_id"},
		}},
	}

	var stolen bool
	var stealErr error
	exec, err := engine.NewExecutor(engine.ExecutorConfig{
		Resolver: resolverFunc(func(context.Context, string, string) (*engine.OrchestrationSpec, error) {
			return spec, nil
		}),
		Runtime: runtimeFunc(func(context.Context, string, map[string]interface{}) (*engine.ProcedureResult, error) {
			time.Sleep(3 * ttl)
			stolen, stealErr = store.TryAcquire(ctx, "cart-1", "other")
			return &engine.ProcedureResult{Success: true}, nil
		}),
		Auditor: store,
		Locks:   store,
	})
	if err != nil {
		t.Fatalf("failed to create executor: %v", err)
	}

	if _, err := exec.Execute(ctx, engine.ExecuteRequest{
		SmartCode: spec.SmartCode,
		Payload:   map[string]interface{}{"cart_id": "cart-1"},
	}); err != nil {
		t.Fatalf("execute failed: %v", err)
	}
	if stealErr != nil {
		t.Fatalf("concurrent acquire failed: %v", stealErr)
	}
	if stolen {
		t.Error("expected the lease to be renewed past its TTL while the node ran")
	}

	if ok, _ := store.TryAcquire(ctx, "cart-1", "other"); !ok {
		t.Error("expected the lock to be free once the run finished")
	}
}

type resolverFunc func(ctx context.Context, smartCode, tenantID string) (*engine.OrchestrationSpec, error)

func (f resolverFunc) Resolve(ctx context.Context, smartCode, tenantID string) (*engine.OrchestrationSpec, error) {
	return f(ctx, smartCode, tenantID)
}

type runtimeFunc func(ctx context.Context, runCode string, payload map[string]interface{}) (*engine.ProcedureResult, error)

func (f runtimeFunc) Invoke(ctx context.Context, runCode string, payload map[string]interface{}) (*engine.ProcedureResult, error) {
	return f(ctx, runCode, payload)
}
