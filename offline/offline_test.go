package offline

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/mmdatafocus/cashflow_sync/cache"
	"github.com/mmdatafocus/cashflow_sync/models"
	"github.com/mmdatafocus/cashflow_sync/remote"
	"github.com/mmdatafocus/cashflow_sync/remote/remotetest"
	"github.com/mmdatafocus/cashflow_sync/store"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
)

type harness struct {
	cache    *cache.Cache
	store    *store.Store
	remote   *remotetest.DataSource
	queue    *Queue
	dispatch *Dispatcher
	lost     int
	dropped  []models.QueuedMutation
}

func quietLogger() *logrus.Logger {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return l
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	h := &harness{remote: remotetest.NewDataSource()}
	h.cache = cache.New(cache.NewMemoryStorage(), "cashflow:", quietLogger())
	h.store = store.New(h.cache, quietLogger())
	h.queue = NewQueue(h.cache, h.store, h.remote, QueueOptions{
		Logger:    quietLogger(),
		OnDropped: func(m models.QueuedMutation, err error) { h.dropped = append(h.dropped, m) },
	})
	h.dispatch = NewDispatcher(h.store, h.queue, h.remote, DispatcherOptions{
		Identity:           func() *models.Identity { return &models.Identity{UserID: "u1", CompanyID: "co-1"} },
		OnConnectivityLost: func(error) { h.lost++ },
		Logger:             quietLogger(),
	})
	return h
}

func income(category string) *models.Income {
	return &models.Income{Category: category, Amount: decimal.NewFromInt(100), Date: "2024-01-01"}
}

var errOffline = fmt.Errorf("%w: dial tcp: connection refused", remote.ErrConnectivity)

func TestSubmit_ConnectivityFailureQueuesAndDrainClears(t *testing.T) {
	h := newHarness(t)
	h.remote.QueueWriteErrors(errOffline)

	res, err := h.dispatch.Submit(context.Background(), WriteIntent{
		Kind:      models.KindIncomes,
		Operation: models.OperationCreate,
		Record:    income("sales"),
	})
	if err != nil {
		t.Fatalf("Submit error: %v", err)
	}
	if !res.Queued || h.queue.Len() != 1 {
		t.Fatalf("expected queued write, got %+v (len %d)", res, h.queue.Len())
	}
	if h.lost != 1 {
		t.Fatalf("expected connectivity loss to be reported once, got %d", h.lost)
	}
	tempID := res.Record.RecordID()
	if !models.IsTempID(tempID) {
		t.Fatalf("expected temporary id, got %q", tempID)
	}
	if _, ok := h.store.Get(models.KindIncomes, tempID); !ok {
		t.Fatalf("optimistic record missing")
	}
	if got := cache.Get(h.cache, cache.KeyOfflineQueue, []models.QueuedMutation{}); len(got) != 1 {
		t.Fatalf("queue not persisted, got %d entries", len(got))
	}

	n, err := h.queue.Drain(context.Background(), nil)
	if err != nil || n != 1 {
		t.Fatalf("Drain = %d, %v", n, err)
	}
	if h.queue.Len() != 0 {
		t.Fatalf("queue not empty after drain")
	}
	if _, ok := h.store.Get(models.KindIncomes, tempID); ok {
		t.Fatalf("temporary id still in memory after reconcile")
	}
	incomes := store.Typed[*models.Income](h.store, models.KindIncomes)
	if len(incomes) != 1 || incomes[0].ID != "srv-1" {
		t.Fatalf("expected server record, got %+v", incomes)
	}
}

func TestSubmit_RemoteValidationFailureIsNeverQueued(t *testing.T) {
	h := newHarness(t)
	h.remote.QueueWriteErrors(&remote.HTTPError{StatusCode: 422, Message: "duplicate reference"})

	_, err := h.dispatch.Submit(context.Background(), WriteIntent{
		Kind:      models.KindIncomes,
		Operation: models.OperationCreate,
		Record:    income("sales"),
	})
	if !errors.Is(err, remote.ErrValidation) {
		t.Fatalf("expected validation error, got %v", err)
	}
	if h.queue.Len() != 0 {
		t.Fatalf("validation failure was queued")
	}
	if h.store.Len(models.KindIncomes) != 0 {
		t.Fatalf("optimistic create not rolled back")
	}
}

func TestSubmit_LocalValidationStopsBeforeRemote(t *testing.T) {
	h := newHarness(t)
	bad := &models.Income{Category: "sales", Amount: decimal.NewFromInt(-5), Date: "2024-01-01"}

	_, err := h.dispatch.Submit(context.Background(), WriteIntent{Kind: models.KindIncomes, Operation: models.OperationCreate, Record: bad})
	if !errors.Is(err, ErrInvalidRecord) {
		t.Fatalf("expected ErrInvalidRecord, got %v", err)
	}
	if len(h.remote.Writes()) != 0 || h.queue.Len() != 0 || h.store.Len(models.KindIncomes) != 0 {
		t.Fatalf("invalid record reached remote, queue or memory")
	}
}

func TestSubmit_UpdateRollsBackOnTerminalFailure(t *testing.T) {
	h := newHarness(t)
	orig := income("sales")
	orig.ID = "inc-1"
	_ = h.store.Upsert(models.KindIncomes, orig)
	h.remote.QueueWriteErrors(&remote.HTTPError{StatusCode: 403, Message: "forbidden"})

	edit := income("consulting")
	edit.ID = "inc-1"
	if _, err := h.dispatch.Submit(context.Background(), WriteIntent{Kind: models.KindIncomes, Operation: models.OperationUpdate, Record: edit}); !errors.Is(err, remote.ErrUnauthorized) {
		t.Fatalf("expected ErrUnauthorized, got %v", err)
	}
	rec, _ := h.store.Get(models.KindIncomes, "inc-1")
	if rec.(*models.Income).Category != "sales" {
		t.Fatalf("update not rolled back: %+v", rec)
	}
}

func TestSubmit_QueuesBehindPendingWritesOfSameKind(t *testing.T) {
	h := newHarness(t)
	h.remote.QueueWriteErrors(errOffline)
	_, _ = h.dispatch.Submit(context.Background(), WriteIntent{Kind: models.KindIncomes, Operation: models.OperationCreate, Record: income("a")})

	res, err := h.dispatch.Submit(context.Background(), WriteIntent{Kind: models.KindIncomes, Operation: models.OperationCreate, Record: income("b")})
	if err != nil || !res.Queued {
		t.Fatalf("expected second write queued, got %+v %v", res, err)
	}
	if len(h.remote.Writes()) != 1 {
		t.Fatalf("second write should not have been attempted, writes=%d", len(h.remote.Writes()))
	}
}

func TestDrain_TwoCreatesReportsProgressOnce(t *testing.T) {
	h := newHarness(t)
	for _, c := range []string{"m1", "m2"} {
		rec := income(c)
		rec.ID = models.NewTempID()
		payload := mustJSON(t, rec)
		_, _ = h.queue.Enqueue(models.QueuedMutation{Operation: models.OperationCreate, Kind: models.KindIncomes, RecordID: rec.ID, TempID: rec.ID, Payload: payload})
	}

	var progress []int
	n, err := h.queue.Drain(context.Background(), func(synced int) { progress = append(progress, synced) })
	if err != nil || n != 2 {
		t.Fatalf("Drain = %d, %v", n, err)
	}
	if h.queue.Len() != 0 {
		t.Fatalf("queue not empty")
	}
	if len(progress) != 1 || progress[0] != 2 {
		t.Fatalf("expected one progress report of 2, got %v", progress)
	}
	writes := h.remote.Writes()
	if len(writes) != 2 || string(writes[0].Payload) == string(writes[1].Payload) {
		t.Fatalf("unexpected writes %+v", writes)
	}
	if !containsCategory(writes[0].Payload, "m1") || !containsCategory(writes[1].Payload, "m2") {
		t.Fatalf("writes replayed out of order")
	}
}

func TestDrain_ConnectivityFailureStopsAndKeepsOrder(t *testing.T) {
	h := newHarness(t)
	enqueueIncome(t, h, "m1")
	enqueueIncome(t, h, "m2")
	h.remote.QueueWriteErrors(errOffline)

	n, err := h.queue.Drain(context.Background(), nil)
	if !remote.IsConnectivity(err) || n != 0 {
		t.Fatalf("expected connectivity stop, got %d %v", n, err)
	}
	pending := h.queue.Pending()
	if len(pending) != 2 || pending[0].Status != models.MutationRequeued || pending[1].Status != models.MutationPending {
		t.Fatalf("unexpected queue state %+v", pending)
	}
	if len(h.remote.Writes()) != 1 {
		t.Fatalf("drain continued after connectivity failure")
	}
}

func TestDrain_TransientFailureHoldsBackSameCollectionOnly(t *testing.T) {
	h := newHarness(t)
	enqueueIncome(t, h, "m1")
	enqueueIncome(t, h, "m2")
	branch := &models.Branch{Base: models.Base{ID: models.NewTempID()}, Name: "Mandalay"}
	_, _ = h.queue.Enqueue(models.QueuedMutation{Operation: models.OperationCreate, Kind: models.KindBranches, RecordID: branch.ID, TempID: branch.ID, Payload: mustJSON(t, branch)})
	h.remote.QueueWriteErrors(&remote.HTTPError{StatusCode: 503})

	n, err := h.queue.Drain(context.Background(), nil)
	if err != nil || n != 1 {
		t.Fatalf("Drain = %d, %v", n, err)
	}
	pending := h.queue.Pending()
	if len(pending) != 2 || pending[0].Kind != models.KindIncomes || pending[1].Kind != models.KindIncomes {
		t.Fatalf("expected both incomes still queued, got %+v", pending)
	}
	if pending[0].Attempts != 1 || pending[1].Attempts != 0 {
		t.Fatalf("second income should not have been attempted: %+v", pending)
	}
}

func TestDrain_TerminalFailureDropsAndReports(t *testing.T) {
	h := newHarness(t)
	tempID := enqueueIncome(t, h, "m1")
	_ = h.store.Upsert(models.KindIncomes, &models.Income{Base: models.Base{ID: tempID}, Category: "m1", Date: "2024-01-01"})
	h.remote.QueueWriteErrors(&remote.HTTPError{StatusCode: 404, Message: "branch gone"})

	n, err := h.queue.Drain(context.Background(), nil)
	if err != nil || n != 0 {
		t.Fatalf("Drain = %d, %v", n, err)
	}
	if h.queue.Len() != 0 || len(h.dropped) != 1 {
		t.Fatalf("expected drop, queue=%d dropped=%d", h.queue.Len(), len(h.dropped))
	}
	if h.dropped[0].Status != models.MutationDropped {
		t.Fatalf("dropped mutation has status %s", h.dropped[0].Status)
	}
	if _, ok := h.store.Get(models.KindIncomes, tempID); ok {
		t.Fatalf("optimistic record of dropped create still present")
	}
}

func TestDrain_RetryPolicyDropsOldAndExhaustedEntries(t *testing.T) {
	h := newHarness(t)
	now := time.Now()
	_, _ = h.queue.Enqueue(models.QueuedMutation{Operation: models.OperationDelete, Kind: models.KindExpenses, RecordID: "e1", EnqueuedAt: now.Add(-8 * 24 * time.Hour)})
	_, _ = h.queue.Enqueue(models.QueuedMutation{Operation: models.OperationDelete, Kind: models.KindExpenses, RecordID: "e2", Attempts: 10})

	n, err := h.queue.Drain(context.Background(), nil)
	if err != nil || n != 0 {
		t.Fatalf("Drain = %d, %v", n, err)
	}
	if len(h.dropped) != 2 || len(h.remote.Writes()) != 0 {
		t.Fatalf("expected both dropped without remote calls, dropped=%d writes=%d", len(h.dropped), len(h.remote.Writes()))
	}
}

func TestDrain_RewritesQueuedReferencesToServerID(t *testing.T) {
	h := newHarness(t)
	branch := &models.Branch{Base: models.Base{ID: models.NewTempID()}, Name: "Bago"}
	_, _ = h.queue.Enqueue(models.QueuedMutation{Operation: models.OperationCreate, Kind: models.KindBranches, RecordID: branch.ID, TempID: branch.ID, Payload: mustJSON(t, branch)})
	agent := &models.Agent{Base: models.Base{ID: models.NewTempID()}, BranchID: branch.ID, Name: "Aung"}
	_, _ = h.queue.Enqueue(models.QueuedMutation{Operation: models.OperationCreate, Kind: models.KindAgents, RecordID: agent.ID, TempID: agent.ID, Payload: mustJSON(t, agent)})

	if n, err := h.queue.Drain(context.Background(), nil); err != nil || n != 2 {
		t.Fatalf("Drain = %d, %v", n, err)
	}
	writes := h.remote.Writes()
	sent, err := models.DecodeRecord(models.KindAgents, writes[1].Payload)
	if err != nil {
		t.Fatalf("decode agent payload: %v", err)
	}
	if got := sent.(*models.Agent).BranchID; got != "srv-1" {
		t.Fatalf("agent sent with branch %q, want srv-1", got)
	}
}

func TestSubmit_WriteReferencingQueuedCreateWaitsForIt(t *testing.T) {
	h := newHarness(t)
	h.remote.QueueWriteErrors(errOffline)
	res, err := h.dispatch.Submit(context.Background(), WriteIntent{
		Kind:      models.KindBranches,
		Operation: models.OperationCreate,
		Record:    &models.Branch{Name: "Bago"},
	})
	if err != nil || !res.Queued {
		t.Fatalf("branch create not queued: %+v, %v", res, err)
	}
	branchID := res.Record.RecordID()

	// back online, but the branch only exists locally
	res, err = h.dispatch.Submit(context.Background(), WriteIntent{
		Kind:      models.KindCashIns,
		Operation: models.OperationCreate,
		Record:    &models.CashIn{BranchID: branchID, Amount: decimal.NewFromInt(50), Date: "2024-01-01"},
	})
	if err != nil {
		t.Fatalf("cash in submit: %v", err)
	}
	if !res.Queued || h.queue.Len() != 2 {
		t.Fatalf("cash in should queue behind its branch, got %+v (len %d)", res, h.queue.Len())
	}
	if n := len(h.remote.Writes()); n != 1 {
		t.Fatalf("cash in reached the remote with a temporary branch id: %d writes", n)
	}

	if n, err := h.queue.Drain(context.Background(), nil); err != nil || n != 2 {
		t.Fatalf("Drain = %d, %v", n, err)
	}
	writes := h.remote.Writes()
	sent, err := models.DecodeRecord(models.KindCashIns, writes[len(writes)-1].Payload)
	if err != nil {
		t.Fatalf("decode cash in payload: %v", err)
	}
	if got := sent.(*models.CashIn).BranchID; got != "srv-1" {
		t.Fatalf("cash in sent with branch %q, want srv-1", got)
	}
	cashIns := store.Typed[*models.CashIn](h.store, models.KindCashIns)
	if len(cashIns) != 1 || cashIns[0].BranchID != "srv-1" || models.IsTempID(cashIns[0].ID) {
		t.Fatalf("unexpected stored cash ins %+v", cashIns)
	}
}

func TestDrain_HoldsBackWriteWithUnresolvedReference(t *testing.T) {
	h := newHarness(t)
	in := &models.CashIn{Base: models.Base{ID: models.NewTempID()}, BranchID: models.NewTempID(), Amount: decimal.NewFromInt(5), Date: "2024-01-01"}
	_, _ = h.queue.Enqueue(models.QueuedMutation{Operation: models.OperationCreate, Kind: models.KindCashIns, RecordID: in.ID, TempID: in.ID, Payload: mustJSON(t, in)})
	enqueueIncome(t, h, "m1")

	n, err := h.queue.Drain(context.Background(), nil)
	if err != nil || n != 1 {
		t.Fatalf("Drain = %d, %v", n, err)
	}
	if !h.queue.HasPending(models.KindCashIns, in.ID) || len(h.dropped) != 0 {
		t.Fatalf("held-back write lost: len=%d dropped=%d", h.queue.Len(), len(h.dropped))
	}
	for _, w := range h.remote.Writes() {
		if w.Kind == models.KindCashIns {
			t.Fatalf("cash in sent with unresolved branch")
		}
	}
	if got := h.queue.Pending()[0].Attempts; got != 0 {
		t.Fatalf("hold-back counted as an attempt: %d", got)
	}
}

func TestDrain_DroppedCreateTakesDependentsWithIt(t *testing.T) {
	h := newHarness(t)
	branch := &models.Branch{Base: models.Base{ID: models.NewTempID()}, Name: "Bago"}
	_, _ = h.queue.Enqueue(models.QueuedMutation{Operation: models.OperationCreate, Kind: models.KindBranches, RecordID: branch.ID, TempID: branch.ID, Payload: mustJSON(t, branch)})
	in := &models.CashIn{Base: models.Base{ID: models.NewTempID()}, BranchID: branch.ID, Amount: decimal.NewFromInt(5), Date: "2024-01-01"}
	_, _ = h.queue.Enqueue(models.QueuedMutation{Operation: models.OperationCreate, Kind: models.KindCashIns, RecordID: in.ID, TempID: in.ID, Payload: mustJSON(t, in)})
	_ = h.store.Upsert(models.KindCashIns, in)
	h.remote.QueueWriteErrors(&remote.HTTPError{StatusCode: 422, Message: "duplicate branch"})

	if n, err := h.queue.Drain(context.Background(), nil); err != nil || n != 0 {
		t.Fatalf("Drain = %d, %v", n, err)
	}
	if h.queue.Len() != 0 || len(h.dropped) != 2 {
		t.Fatalf("dependent write not dropped: queue=%d dropped=%d", h.queue.Len(), len(h.dropped))
	}
	if h.dropped[1].Kind != models.KindCashIns || !strings.Contains(h.dropped[1].LastError, ErrDependencyDropped.Error()) {
		t.Fatalf("unexpected dependent drop %+v", h.dropped[1])
	}
	if n := len(h.remote.Writes()); n != 1 {
		t.Fatalf("dependent write reached the remote: %d writes", n)
	}
	if _, ok := h.store.Get(models.KindCashIns, in.ID); ok {
		t.Fatalf("optimistic cash in of dropped branch still present")
	}
}

func TestDrain_SingleFlight(t *testing.T) {
	h := newHarness(t)
	enqueueIncome(t, h, "m1")

	entered := make(chan struct{})
	release := make(chan struct{})
	var once sync.Once
	h.remote.OnWrite(func(remote.WriteRequest) error {
		once.Do(func() { close(entered) })
		<-release
		return nil
	})

	done := make(chan struct{})
	go func() {
		defer close(done)
		_, _ = h.queue.Drain(context.Background(), nil)
	}()
	<-entered
	if _, err := h.queue.Drain(context.Background(), nil); !errors.Is(err, ErrDrainInProgress) {
		t.Fatalf("expected ErrDrainInProgress, got %v", err)
	}
	close(release)
	<-done
}

func TestNewQueue_RestoresFromCache(t *testing.T) {
	h := newHarness(t)
	enqueueIncome(t, h, "m1")

	restored := NewQueue(h.cache, h.store, h.remote, QueueOptions{Logger: quietLogger()})
	if restored.Len() != 1 || !restored.HasPendingKind(models.KindIncomes) {
		t.Fatalf("queue not restored from cache")
	}
}

func enqueueIncome(t *testing.T, h *harness, category string) string {
	t.Helper()
	rec := income(category)
	rec.ID = models.NewTempID()
	if _, err := h.queue.Enqueue(models.QueuedMutation{
		Operation: models.OperationCreate,
		Kind:      models.KindIncomes,
		RecordID:  rec.ID,
		TempID:    rec.ID,
		Payload:   mustJSON(t, rec),
	}); err != nil {
		t.Fatalf("Enqueue error: %v", err)
	}
	return rec.ID
}
