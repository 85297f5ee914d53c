package fetcher

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/mmdatafocus/cashflow_sync/cache"
	"github.com/mmdatafocus/cashflow_sync/models"
	"github.com/mmdatafocus/cashflow_sync/remote"
	"github.com/mmdatafocus/cashflow_sync/remote/remotetest"
	"github.com/mmdatafocus/cashflow_sync/store"
	"github.com/sirupsen/logrus"
)

func quietLogger() *logrus.Logger {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return l
}

type row struct {
	ID   string `json:"id"`
	Date string `json:"date,omitempty"`
	Name string `json:"name,omitempty"`
}

func setup(t *testing.T, timeout time.Duration) (*Orchestrator, *store.Store, *cache.Cache, *remotetest.DataSource) {
	t.Helper()
	c := cache.New(cache.NewMemoryStorage(), "cashflow:", quietLogger())
	s := store.New(c, quietLogger())
	ds := remotetest.NewDataSource()
	o := New(s, ds, Options{
		Identity:       func() *models.Identity { return &models.Identity{UserID: "u1", CompanyID: "co-1"} },
		RefreshTimeout: timeout,
		Logger:         quietLogger(),
	})
	return o, s, c, ds
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func TestFetchCollection_NetworkFailureKeepsCachedData(t *testing.T) {
	_, _, c, ds := setup(t, time.Second)
	_ = c.Set("transactions", []row{{ID: "a", Date: "2024-01-01"}})

	s := store.New(c, quietLogger())
	s.Seed()
	o := New(s, ds, Options{
		Identity: func() *models.Identity { return &models.Identity{UserID: "u1", CompanyID: "co-1"} },
		Logger:   quietLogger(),
	})
	ds.FailFetch(models.KindTransactions, fmt.Errorf("%w: no route to host", remote.ErrConnectivity))

	err := o.FetchCollection(context.Background(), models.KindTransactions, FetchOptions{})
	if !remote.IsConnectivity(err) {
		t.Fatalf("expected connectivity error for information, got %v", err)
	}
	got := s.List(models.KindTransactions)
	if len(got) != 1 || got[0].RecordID() != "a" || got[0].(*models.Transaction).Date != "2024-01-01" {
		t.Fatalf("collection changed after failed fetch: %+v", got)
	}
	cached := cache.Get[[]json.RawMessage](c, "transactions", nil)
	if len(cached) != 1 {
		t.Fatalf("cache changed after failed fetch")
	}
}

func TestFetchCollection_FullyReplaces(t *testing.T) {
	o, s, c, ds := setup(t, time.Second)
	_ = s.Replace(models.KindBranches, []models.Record{&models.Branch{Base: models.Base{ID: "old"}, Name: "Old"}})
	ds.SetRows(models.KindBranches, row{ID: "b1", Name: "Yangon"}, row{ID: "b2", Name: "Mandalay"})

	if err := o.FetchCollection(context.Background(), models.KindBranches, FetchOptions{Silent: true}); err != nil {
		t.Fatalf("FetchCollection error: %v", err)
	}
	if _, ok := s.Get(models.KindBranches, "old"); ok {
		t.Fatalf("old record survived a full replace")
	}
	if s.Len(models.KindBranches) != 2 {
		t.Fatalf("expected 2 branches, got %d", s.Len(models.KindBranches))
	}
	if got := cache.Get[[]json.RawMessage](c, "branches", nil); len(got) != 2 {
		t.Fatalf("cache not mirrored, got %d", len(got))
	}
}

func TestFetchCollection_LimitFollowsActivePage(t *testing.T) {
	o, _, _, ds := setup(t, time.Second)
	ctx := context.Background()

	o.SetActivePage(models.PageTransactions)
	_ = o.FetchCollection(ctx, models.KindTransactions, FetchOptions{Silent: true})
	o.SetActivePage(models.PageDashboard)
	_ = o.FetchCollection(ctx, models.KindTransactions, FetchOptions{Silent: true})
	_ = o.FetchCollection(ctx, models.KindBranches, FetchOptions{Silent: true})
	_ = o.FetchCollection(ctx, models.KindBranches, FetchOptions{Silent: true, Limit: 42})
	o.SetActivePage(models.PageSettings)
	_ = o.FetchCollection(ctx, models.KindSettings, FetchOptions{Silent: true})

	if got := ds.FetchLimits(models.KindTransactions); len(got) != 2 || got[0] != 600 || got[1] != 150 {
		t.Fatalf("unexpected transaction limits %v", got)
	}
	if got := ds.FetchLimits(models.KindBranches); len(got) != 2 || got[0] != DefaultPreviewLimit || got[1] != 42 {
		t.Fatalf("unexpected branch limits %v", got)
	}
	if got := ds.FetchLimits(models.KindSettings); len(got) != 1 || got[0] != 0 {
		t.Fatalf("settings should be unlimited, got %v", got)
	}
}

func TestFetchCollection_SilentLeavesIndicatorAlone(t *testing.T) {
	o, _, _, _ := setup(t, time.Second)
	var mu sync.Mutex
	var changes []bool
	o.Loading().OnChange(func(active bool) {
		mu.Lock()
		changes = append(changes, active)
		mu.Unlock()
	})

	_ = o.FetchCollection(context.Background(), models.KindUsers, FetchOptions{Silent: true})
	if len(changes) != 0 {
		t.Fatalf("silent fetch touched the indicator: %v", changes)
	}
	_ = o.FetchCollection(context.Background(), models.KindUsers, FetchOptions{})
	if len(changes) != 2 || !changes[0] || changes[1] {
		t.Fatalf("expected raise then lower, got %v", changes)
	}
}

func TestFetchCollection_NoSession(t *testing.T) {
	s := store.New(nil, quietLogger())
	o := New(s, remotetest.NewDataSource(), Options{Logger: quietLogger()})
	if err := o.FetchCollection(context.Background(), models.KindUsers, FetchOptions{Silent: true}); !errors.Is(err, ErrNoSession) {
		t.Fatalf("expected ErrNoSession, got %v", err)
	}
}

func TestRefreshForActivePage_FetchesPlan(t *testing.T) {
	o, s, _, ds := setup(t, time.Second)
	o.SetActivePage(models.PageIncomeExpense)
	ds.SetRows(models.KindIncomes, row{ID: "i1", Date: "2024-01-02"})
	ds.FailFetch(models.KindExpenses, fmt.Errorf("%w", remote.ErrConnectivity))

	res := o.RefreshForActivePage(context.Background())
	if res.Stale {
		t.Fatalf("refresh should not be stale")
	}
	if len(res.Fetched) != 2 || len(res.Failed) != 1 || res.Failed[models.KindExpenses] == nil {
		t.Fatalf("unexpected result %+v", res)
	}
	if s.Len(models.KindIncomes) != 1 {
		t.Fatalf("incomes not applied")
	}
	if o.Loading().Active() {
		t.Fatalf("indicator left on")
	}
}

func TestRefreshForActivePage_TimeoutIsSoftAndLateResultsApply(t *testing.T) {
	o, s, _, ds := setup(t, 30*time.Millisecond)
	o.SetActivePage(models.PageUsers)
	ds.SetRows(models.KindUsers, row{ID: "u1", Name: "Su"})
	release := ds.BlockFetch(models.KindUsers)
	defer release()

	res := o.RefreshForActivePage(context.Background())
	if !res.Stale {
		t.Fatalf("expected stale result after timeout")
	}
	if o.Loading().Active() {
		t.Fatalf("indicator should drop when the refresh stops waiting")
	}
	release()
	waitFor(t, "late users fetch", func() bool { return s.Len(models.KindUsers) == 1 })
}

func TestRefresh_LateResultAfterResetIsDiscarded(t *testing.T) {
	o, s, _, ds := setup(t, 10*time.Millisecond)
	o.SetActivePage(models.PageUsers)
	ds.SetRows(models.KindUsers, row{ID: "u1", Name: "Su"})
	release := ds.BlockFetch(models.KindUsers)

	_ = o.RefreshSilently(context.Background())
	waitFor(t, "fetch in flight", func() bool { return len(ds.FetchLimits(models.KindUsers)) == 1 })
	s.Reset()
	release()

	time.Sleep(50 * time.Millisecond)
	if s.Len(models.KindUsers) != 0 {
		t.Fatalf("result from before the reset was applied")
	}
}

func TestLoadingIndicator_CountsOverlappingWork(t *testing.T) {
	l := NewLoadingIndicator(time.Minute)
	end1 := l.Begin()
	end2 := l.Begin()
	end1()
	end1()
	if !l.Active() {
		t.Fatalf("indicator dropped while work remains")
	}
	end2()
	if l.Active() {
		t.Fatalf("indicator still active")
	}
}

func TestLoadingIndicator_WatchdogForcesOff(t *testing.T) {
	l := NewLoadingIndicator(20 * time.Millisecond)
	lost := l.Begin()
	waitFor(t, "watchdog", func() bool { return !l.Active() })

	end := l.Begin()
	lost()
	if !l.Active() {
		t.Fatalf("an end from before the watchdog lowered the new flag")
	}
	end()
}
