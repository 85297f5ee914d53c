package client

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/mmdatafocus/cashflow_sync/cache"
	"github.com/mmdatafocus/cashflow_sync/config"
	"github.com/mmdatafocus/cashflow_sync/connectivity"
	"github.com/mmdatafocus/cashflow_sync/fetcher"
	"github.com/mmdatafocus/cashflow_sync/models"
	"github.com/mmdatafocus/cashflow_sync/offline"
	"github.com/mmdatafocus/cashflow_sync/realtime"
	"github.com/mmdatafocus/cashflow_sync/remote"
	"github.com/mmdatafocus/cashflow_sync/session"
	"github.com/mmdatafocus/cashflow_sync/store"
	"github.com/sirupsen/logrus"
)

type Options struct {
	Cache      *cache.Cache
	DataSource remote.DataSource
	Auth       remote.Auth
	// Channel may be nil to run without realtime.
	Channel  realtime.Channel
	Notifier realtime.Notifier
	Locker   offline.Locker
	Tokens   session.TokenSetter

	ActivePage        models.Page
	HeartbeatInterval time.Duration
	RefreshTimeout    time.Duration
	LoginGuardTTL     time.Duration
	QueueMaxAttempts  int
	QueueMaxAge       time.Duration
	OnDropped         func(models.QueuedMutation, error)
	Logger            *logrus.Logger
}

// Client owns one store and the components that keep it in sync.
type Client struct {
	cache      *cache.Cache
	store      *store.Store
	queue      *offline.Queue
	dispatcher *offline.Dispatcher
	fetcher    *fetcher.Orchestrator
	realtime   *realtime.Engine
	session    *session.Machine
	monitor    *connectivity.Monitor
	logger     *logrus.Logger

	mu       sync.Mutex
	baseCtx  context.Context
	booted   bool
	lastSync time.Time
}

// Status is a point-in-time summary for the agent's status endpoint.
type Status struct {
	State       session.State       `json:"state"`
	UserID      string              `json:"userId,omitempty"`
	CompanyID   string              `json:"companyId,omitempty"`
	Online      bool                `json:"online"`
	Loading     bool                `json:"loading"`
	ActivePage  models.Page         `json:"activePage"`
	Pending     int                 `json:"pending"`
	Channel     string              `json:"channel,omitempty"`
	LastSync    *time.Time          `json:"lastSync,omitempty"`
	Collections map[models.Kind]int `json:"collections"`
}

func New(opts Options) (*Client, error) {
	if opts.Cache == nil {
		return nil, errors.New("client: cache is required")
	}
	if opts.DataSource == nil || opts.Auth == nil {
		return nil, errors.New("client: data source and auth are required")
	}
	logger := opts.Logger
	if logger == nil {
		logger = config.GetLogger()
	}

	c := &Client{cache: opts.Cache, logger: logger, baseCtx: context.Background()}
	c.store = store.New(opts.Cache, logger)
	c.monitor = connectivity.NewMonitor(opts.DataSource, connectivity.Options{
		Interval: opts.HeartbeatInterval,
		Logger:   logger,
	})
	c.queue = offline.NewQueue(opts.Cache, c.store, opts.DataSource, offline.QueueOptions{
		MaxAttempts: opts.QueueMaxAttempts,
		MaxAge:      opts.QueueMaxAge,
		Locker:      opts.Locker,
		Logger:      logger,
		OnDropped:   opts.OnDropped,
	})
	c.session = session.New(opts.Auth, opts.Cache, c.store, session.Options{
		Queue:         c.queue,
		Tokens:        opts.Tokens,
		LoginGuardTTL: opts.LoginGuardTTL,
		Logger:        logger,
	})
	c.dispatcher = offline.NewDispatcher(c.store, c.queue, opts.DataSource, offline.DispatcherOptions{
		Identity:           c.session.Identity,
		OnConnectivityLost: func(error) { c.monitor.MarkOffline() },
		Logger:             logger,
	})
	page := opts.ActivePage
	if page == "" {
		page = models.PageDashboard
	}
	c.fetcher = fetcher.New(c.store, opts.DataSource, fetcher.Options{
		Identity:       c.session.Identity,
		RefreshTimeout: opts.RefreshTimeout,
		ActivePage:     page,
		Logger:         logger,
	})
	c.realtime = realtime.NewEngine(c.store, opts.Channel, realtime.Options{
		Notifier: opts.Notifier,
		Pending:  c.queue,
		Logger:   logger,
	})

	c.monitor.OnTransition(func(online bool) {
		if online {
			go c.resync(c.context())
		}
	})
	return c, nil
}

func (c *Client) Store() *store.Store            { return c.store }
func (c *Client) Session() *session.Machine      { return c.session }
func (c *Client) Monitor() *connectivity.Monitor { return c.monitor }
func (c *Client) Realtime() *realtime.Engine     { return c.realtime }
func (c *Client) Queue() *offline.Queue          { return c.queue }

func (c *Client) context() context.Context {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.baseCtx
}

// Boot seeds memory from the cache, settles the session and, when
// authenticated, joins realtime, refreshes the active page and replays any
// queued writes. The heartbeat starts last.
func (c *Client) Boot(ctx context.Context) session.State {
	c.mu.Lock()
	if c.booted {
		c.mu.Unlock()
		return c.session.State()
	}
	c.booted = true
	c.baseCtx = context.WithoutCancel(ctx)
	c.mu.Unlock()

	seeded := c.store.Seed()
	c.logger.WithFields(logrus.Fields{"module": "client", "seeded": seeded}).Info("store seeded from cache")

	c.session.Listen(ctx)
	state := c.session.Boot(ctx)
	c.session.OnChange(c.onSessionChange)

	if state == session.StateAuthenticated {
		c.startRealtime(ctx)
		c.refresh(ctx, false)
		if c.queue.Len() > 0 {
			c.drain(ctx)
		}
	}
	c.monitor.Start(c.context())
	return state
}

func (c *Client) onSessionChange(ch session.Change) {
	if ch.Current.State != session.StateAuthenticated {
		c.realtime.Stop()
		return
	}
	if ch.Previous.State == session.StateAuthenticated && !ch.IdentityChanged() {
		return
	}
	ctx := c.context()
	go func() {
		c.startRealtime(ctx)
		c.refresh(ctx, false)
	}()
}

func (c *Client) startRealtime(ctx context.Context) {
	id := c.session.Identity()
	if id.IsZero() {
		return
	}
	if err := c.realtime.Start(ctx, id); err != nil {
		config.LogWarn(c.logger, "client", "startRealtime", id.Channel(), nil, err)
	}
}

func (c *Client) refresh(ctx context.Context, silent bool) fetcher.RefreshResult {
	var res fetcher.RefreshResult
	if silent {
		res = c.fetcher.RefreshSilently(ctx)
	} else {
		res = c.fetcher.RefreshForActivePage(ctx)
	}
	for _, err := range res.Failed {
		if remote.IsConnectivity(err) {
			c.monitor.MarkOffline()
			break
		}
	}
	if len(res.Fetched) > 0 {
		c.mu.Lock()
		c.lastSync = time.Now()
		c.mu.Unlock()
	}
	return res
}

func (c *Client) drain(ctx context.Context) int {
	synced, err := c.queue.Drain(ctx, func(n int) {
		c.logger.WithFields(logrus.Fields{"module": "client", "synced": n}).Info("offline changes synced")
	})
	if err != nil && !errors.Is(err, offline.ErrDrainInProgress) {
		if remote.IsConnectivity(err) {
			c.monitor.MarkOffline()
		}
		config.LogWarn(c.logger, "client", "drain", "", nil, err)
	}
	return synced
}

// resync replays the queue and re-fetches the active page so the store
// converges with the remote after connectivity returns.
func (c *Client) resync(ctx context.Context) {
	if c.session.State() != session.StateAuthenticated {
		return
	}
	if c.queue.Len() > 0 {
		c.drain(ctx)
	}
	c.refresh(ctx, true)
}

// Sync drains pending writes, if any, and re-fetches silently when
// something was replayed. It is safe to call on a timer.
func (c *Client) Sync(ctx context.Context) int {
	if c.session.State() != session.StateAuthenticated || c.queue.Len() == 0 {
		return 0
	}
	synced := c.drain(ctx)
	if synced > 0 {
		c.refresh(ctx, true)
	}
	return synced
}

func (c *Client) Submit(ctx context.Context, intent offline.WriteIntent) (offline.Result, error) {
	return c.dispatcher.Submit(ctx, intent)
}

// SetActivePage switches the page and refreshes what it needs.
func (c *Client) SetActivePage(ctx context.Context, page models.Page) fetcher.RefreshResult {
	c.fetcher.SetActivePage(page)
	return c.refresh(ctx, false)
}

func (c *Client) Refresh(ctx context.Context) fetcher.RefreshResult {
	return c.refresh(ctx, false)
}

func (c *Client) FetchCollection(ctx context.Context, kind models.Kind, opts fetcher.FetchOptions) error {
	err := c.fetcher.FetchCollection(ctx, kind, opts)
	if remote.IsConnectivity(err) {
		c.monitor.MarkOffline()
	}
	return err
}

func (c *Client) Login(ctx context.Context, email, password string) (*models.Identity, error) {
	return c.session.Login(ctx, email, password)
}

func (c *Client) Logout(ctx context.Context) error {
	return c.session.Logout(ctx)
}

func (c *Client) Status() Status {
	snap := c.session.Snapshot()
	st := Status{
		State:       snap.State,
		Online:      c.monitor.Online(),
		Loading:     c.fetcher.Loading().Active(),
		ActivePage:  c.fetcher.ActivePage(),
		Pending:     c.queue.Len(),
		Channel:     c.realtime.ChannelName(),
		Collections: make(map[models.Kind]int, len(models.AllKinds)),
	}
	if snap.Identity != nil {
		st.UserID = snap.Identity.UserID
		st.CompanyID = snap.Identity.CompanyID
	}
	c.mu.Lock()
	if !c.lastSync.IsZero() {
		last := c.lastSync
		st.LastSync = &last
	}
	c.mu.Unlock()
	for _, kind := range models.AllKinds {
		st.Collections[kind] = c.store.Len(kind)
	}
	return st
}

// Close stops background work. Cached state is left in place.
func (c *Client) Close() {
	c.monitor.Stop()
	c.realtime.Stop()
	c.session.Close()
}
