package fetcher

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/mmdatafocus/cashflow_sync/config"
	"github.com/mmdatafocus/cashflow_sync/models"
	"github.com/mmdatafocus/cashflow_sync/remote"
	"github.com/mmdatafocus/cashflow_sync/store"
	"github.com/mmdatafocus/cashflow_sync/utils"
	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"
)

var ErrNoSession = errors.New("no authenticated session")

var tracer = otel.Tracer("github.com/mmdatafocus/cashflow_sync/fetcher")

type FetchOptions struct {
	// Limit 0 uses the active page's plan, else DefaultPreviewLimit.
	Limit int
	// Silent leaves the loading indicator alone.
	Silent bool
}

type RefreshResult struct {
	Page    models.Page
	Fetched []models.Kind
	Failed  map[models.Kind]error
	// Stale is set when the refresh gave up waiting; fetches still in
	// flight apply their results when they land.
	Stale    bool
	Duration time.Duration
}

type Options struct {
	Identity       func() *models.Identity
	Loading        *LoadingIndicator
	RefreshTimeout time.Duration
	ActivePage     models.Page
	Logger         *logrus.Logger
}

// Orchestrator decides what to fetch for the active page and fully
// replaces each fetched collection in the store.
type Orchestrator struct {
	store    *store.Store
	remote   remote.DataSource
	identity func() *models.Identity
	loading  *LoadingIndicator
	timeout  time.Duration
	logger   *logrus.Logger

	mu   sync.RWMutex
	page models.Page
}

func New(s *store.Store, ds remote.DataSource, opts Options) *Orchestrator {
	o := &Orchestrator{
		store:    s,
		remote:   ds,
		identity: opts.Identity,
		loading:  opts.Loading,
		timeout:  opts.RefreshTimeout,
		logger:   opts.Logger,
		page:     opts.ActivePage,
	}
	if o.identity == nil {
		o.identity = func() *models.Identity { return nil }
	}
	if o.timeout <= 0 {
		o.timeout = config.DefaultRefreshTimeout
	}
	if o.loading == nil {
		o.loading = NewLoadingIndicator(o.timeout)
	}
	if o.logger == nil {
		o.logger = config.GetLogger()
	}
	if o.page == "" {
		o.page = models.PageDashboard
	}
	return o
}

func (o *Orchestrator) Loading() *LoadingIndicator { return o.loading }

func (o *Orchestrator) SetActivePage(page models.Page) {
	o.mu.Lock()
	o.page = page
	o.mu.Unlock()
}

func (o *Orchestrator) ActivePage() models.Page {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return o.page
}

func (o *Orchestrator) resolveLimit(kind models.Kind, requested int) int {
	limit := requested
	if limit == 0 {
		if planned, ok := planLimit(o.ActivePage(), kind); ok {
			limit = planned
		} else {
			limit = DefaultPreviewLimit
		}
	}
	if limit < 0 {
		return 0
	}
	return limit
}

// FetchCollection fetches kind for the current company and replaces the
// collection. On failure memory and cache are left as they were; the error
// is returned for information only.
func (o *Orchestrator) FetchCollection(ctx context.Context, kind models.Kind, opts FetchOptions) error {
	if !opts.Silent {
		end := o.loading.Begin()
		defer end()
	}
	return o.fetch(ctx, kind, o.resolveLimit(kind, opts.Limit))
}

func (o *Orchestrator) fetch(ctx context.Context, kind models.Kind, limit int) (err error) {
	identity := o.identity()
	if identity.IsZero() {
		return ErrNoSession
	}
	epoch := o.store.Epoch()

	ctx, span := tracer.Start(ctx, "fetcher.FetchCollection",
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(
			attribute.String("collection", string(kind)),
			attribute.Int("limit", limit),
		))
	defer func() {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		span.End()
	}()

	rows, err := o.remote.Fetch(utils.WithScope(ctx, identity.CompanyID, identity.UserID), kind, identity.CompanyID, limit)
	if err != nil {
		o.logger.WithFields(logrus.Fields{
			"module":     "fetcher",
			"kind":       kind,
			"company_id": identity.CompanyID,
		}).Warn("fetch failed; keeping last known data: " + err.Error())
		return fmt.Errorf("fetch %s: %w", kind, err)
	}

	records := make([]models.Record, 0, len(rows))
	for _, raw := range rows {
		rec, derr := models.DecodeRecord(kind, raw)
		if derr != nil || rec.RecordID() == "" {
			o.logger.WithFields(logrus.Fields{"module": "fetcher", "kind": kind}).Warn("skipping unreadable row")
			continue
		}
		records = append(records, rec)
	}
	if err := o.store.ReplaceAt(epoch, kind, records); err != nil {
		if errors.Is(err, store.ErrStaleEpoch) {
			o.logger.WithFields(logrus.Fields{"module": "fetcher", "kind": kind}).Debug("discarding fetch from a previous session")
		}
		return err
	}
	span.SetAttributes(attribute.Int("rows", len(records)))
	return nil
}

// RefreshForActivePage fetches every collection the active page needs,
// concurrently, and waits at most the refresh timeout. Fetches run on a
// context detached from ctx so a timeout never cancels them.
func (o *Orchestrator) RefreshForActivePage(ctx context.Context) RefreshResult {
	return o.refresh(ctx, false)
}

// RefreshSilently is RefreshForActivePage without the loading indicator,
// used for background re-syncs.
func (o *Orchestrator) RefreshSilently(ctx context.Context) RefreshResult {
	return o.refresh(ctx, true)
}

func (o *Orchestrator) refresh(ctx context.Context, silent bool) RefreshResult {
	started := time.Now()
	page := o.ActivePage()
	plan := PlanFor(page)
	if !silent {
		end := o.loading.Begin()
		defer end()
	}

	var (
		mu      sync.Mutex
		fetched []models.Kind
		failed  = make(map[models.Kind]error)
	)
	fetchCtx := context.WithoutCancel(ctx)
	var g errgroup.Group
	for _, entry := range plan {
		g.Go(func() error {
			limit := entry.Limit
			if limit < 0 {
				limit = 0
			}
			err := o.fetch(fetchCtx, entry.Kind, limit)
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				failed[entry.Kind] = err
				return err
			}
			fetched = append(fetched, entry.Kind)
			return nil
		})
	}

	done := make(chan struct{})
	go func() {
		_ = g.Wait()
		close(done)
	}()

	timer := time.NewTimer(o.timeout)
	defer timer.Stop()
	stale := false
	select {
	case <-done:
	case <-timer.C:
		stale = true
	case <-ctx.Done():
		stale = true
	}
	if stale {
		o.logger.WithFields(logrus.Fields{
			"module": "fetcher",
			"page":   page,
		}).Warn("refresh still running after timeout; data may be stale")
	}

	mu.Lock()
	res := RefreshResult{
		Page:     page,
		Fetched:  append([]models.Kind(nil), fetched...),
		Failed:   make(map[models.Kind]error, len(failed)),
		Stale:    stale,
		Duration: time.Since(started),
	}
	for k, v := range failed {
		res.Failed[k] = v
	}
	mu.Unlock()
	return res
}
