package connectivity

import (
	"context"
	"sync"
	"time"

	"github.com/mmdatafocus/cashflow_sync/config"
	"github.com/mmdatafocus/cashflow_sync/remote"
	"github.com/sirupsen/logrus"
)

// Pinger is the part of the remote boundary the heartbeat uses.
type Pinger interface {
	Ping(ctx context.Context) error
}

type Options struct {
	Interval    time.Duration
	PingTimeout time.Duration
	Logger      *logrus.Logger
}

// Monitor tracks whether the remote is reachable. Writes and fetches report
// failures through MarkOffline; the heartbeat notices recovery.
type Monitor struct {
	pinger   Pinger
	interval time.Duration
	timeout  time.Duration
	logger   *logrus.Logger

	mu        sync.Mutex
	online    bool
	listeners []func(online bool)
	cancel    context.CancelFunc
	done      chan struct{}
}

func NewMonitor(p Pinger, opts Options) *Monitor {
	m := &Monitor{
		pinger:   p,
		interval: opts.Interval,
		timeout:  opts.PingTimeout,
		logger:   opts.Logger,
		online:   true,
	}
	if m.interval <= 0 {
		m.interval = config.DefaultHeartbeatInterval
	}
	if m.timeout <= 0 {
		m.timeout = 10 * time.Second
	}
	if m.logger == nil {
		m.logger = config.GetLogger()
	}
	return m
}

func (m *Monitor) Online() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.online
}

// OnTransition registers fn for offline/online flips. fn runs on the
// goroutine that observed the flip.
func (m *Monitor) OnTransition(fn func(online bool)) {
	m.mu.Lock()
	m.listeners = append(m.listeners, fn)
	m.mu.Unlock()
}

func (m *Monitor) MarkOffline() { m.set(false) }

func (m *Monitor) MarkOnline() { m.set(true) }

func (m *Monitor) set(online bool) {
	m.mu.Lock()
	if m.online == online {
		m.mu.Unlock()
		return
	}
	m.online = online
	listeners := append([]func(bool){}, m.listeners...)
	m.mu.Unlock()

	m.logger.WithFields(logrus.Fields{"module": "connectivity", "online": online}).Info("connectivity changed")
	for _, fn := range listeners {
		fn(online)
	}
}

// Check pings once and records the outcome. Only connectivity failures
// flip the monitor offline; an HTTP error still proves the remote is up.
func (m *Monitor) Check(ctx context.Context) bool {
	if m.pinger == nil {
		return m.Online()
	}
	ctx, cancel := context.WithTimeout(ctx, m.timeout)
	defer cancel()
	err := m.pinger.Ping(ctx)
	switch {
	case err == nil:
		m.set(true)
	case remote.IsConnectivity(err):
		m.logger.WithField("module", "connectivity").Debugf("heartbeat failed: %v", err)
		m.set(false)
	default:
		m.set(true)
	}
	return m.Online()
}

// Start runs the heartbeat until Stop or ctx is done.
func (m *Monitor) Start(ctx context.Context) {
	m.mu.Lock()
	if m.cancel != nil {
		m.mu.Unlock()
		return
	}
	ctx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	m.cancel, m.done = cancel, done
	m.mu.Unlock()

	go func() {
		defer close(done)
		ticker := time.NewTicker(m.interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				m.Check(ctx)
			}
		}
	}()
}

func (m *Monitor) Stop() {
	m.mu.Lock()
	cancel, done := m.cancel, m.done
	m.cancel, m.done = nil, nil
	m.mu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	<-done
}
