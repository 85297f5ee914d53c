package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/mmdatafocus/cashflow_sync/cache"
	"github.com/mmdatafocus/cashflow_sync/config"
	"github.com/mmdatafocus/cashflow_sync/models"
	"github.com/mmdatafocus/cashflow_sync/remote"
	"github.com/mmdatafocus/cashflow_sync/store"
	"github.com/sirupsen/logrus"
)

type State string

const (
	StateUnknown         State = "unknown"
	StateAuthenticated   State = "authenticated"
	StateUnauthenticated State = "unauthenticated"
	StateRecovering      State = "recovering"
)

var ErrNotRecovering = errors.New("no password recovery in progress")

// Snapshot is an immutable view of the session.
type Snapshot struct {
	State    State
	Identity *models.Identity
}

// Change is delivered to OnChange listeners.
type Change struct {
	Previous Snapshot
	Current  Snapshot
}

// IdentityChanged reports whether the change switched users.
func (c Change) IdentityChanged() bool {
	return !c.Previous.Identity.SameUser(c.Current.Identity)
}

// QueueClearer drops locally queued writes.
type QueueClearer interface {
	Clear()
}

// TokenSetter receives the access token of a restored cached identity.
type TokenSetter interface {
	SetToken(token string)
}

type Options struct {
	Queue         QueueClearer
	Tokens        TokenSetter
	LoginGuardTTL time.Duration
	Logger        *logrus.Logger
}

// Machine reconciles the remote auth boundary with the cached identity.
// The cached identity is the tie-breaker for ambiguous signals.
type Machine struct {
	auth   remote.Auth
	cache  *cache.Cache
	store  *store.Store
	queue  QueueClearer
	tokens TokenSetter
	guard  *LoginGuard
	logger *logrus.Logger

	mu        sync.Mutex
	state     State
	identity  *models.Identity
	listeners []func(Change)

	unsubscribe func()
}

func New(auth remote.Auth, c *cache.Cache, s *store.Store, opts Options) *Machine {
	m := &Machine{
		auth:   auth,
		cache:  c,
		store:  s,
		queue:  opts.Queue,
		tokens: opts.Tokens,
		logger: opts.Logger,
		state:  StateUnknown,
	}
	if m.logger == nil {
		m.logger = config.GetLogger()
	}
	ttl := opts.LoginGuardTTL
	if ttl <= 0 {
		ttl = config.DefaultLoginGuardTTL
	}
	m.guard = NewLoginGuard(ttl)
	return m
}

// Listen subscribes the machine to the auth boundary's live events.
func (m *Machine) Listen(ctx context.Context) {
	m.mu.Lock()
	if m.unsubscribe != nil {
		m.mu.Unlock()
		return
	}
	ctx = context.WithoutCancel(ctx)
	m.unsubscribe = m.auth.OnAuthStateChange(func(ev remote.AuthEvent) {
		m.HandleAuthEvent(ctx, ev)
	})
	m.mu.Unlock()
}

// Close stops listening to auth events.
func (m *Machine) Close() {
	m.mu.Lock()
	unsub := m.unsubscribe
	m.unsubscribe = nil
	m.mu.Unlock()
	if unsub != nil {
		unsub()
	}
}

func (m *Machine) Guard() *LoginGuard { return m.guard }

func (m *Machine) OnChange(fn func(Change)) {
	m.mu.Lock()
	m.listeners = append(m.listeners, fn)
	m.mu.Unlock()
}

func (m *Machine) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Identity returns a copy of the current identity, or nil.
func (m *Machine) Identity() *models.Identity {
	m.mu.Lock()
	defer m.mu.Unlock()
	return copyIdentity(m.identity)
}

func (m *Machine) Snapshot() Snapshot {
	m.mu.Lock()
	defer m.mu.Unlock()
	return Snapshot{State: m.state, Identity: copyIdentity(m.identity)}
}

func copyIdentity(id *models.Identity) *models.Identity {
	if id == nil {
		return nil
	}
	out := *id
	return &out
}

func (m *Machine) cachedIdentity() *models.Identity {
	id := cache.Get[*models.Identity](m.cache, cache.KeyUser, nil)
	if id.IsZero() {
		return nil
	}
	return id
}

func (m *Machine) transition(state State, identity *models.Identity) {
	m.mu.Lock()
	prev := Snapshot{State: m.state, Identity: copyIdentity(m.identity)}
	m.state = state
	m.identity = copyIdentity(identity)
	next := Snapshot{State: m.state, Identity: copyIdentity(m.identity)}
	listeners := append([]func(Change){}, m.listeners...)
	m.mu.Unlock()

	if prev.State == next.State && prev.Identity.SameUser(next.Identity) {
		return
	}
	m.logger.WithFields(logrus.Fields{
		"module": "session",
		"from":   prev.State,
		"to":     next.State,
	}).Info("session state changed")
	for _, fn := range listeners {
		fn(Change{Previous: prev, Current: next})
	}
}

func (m *Machine) rememberIdentity(id *models.Identity) {
	if err := m.cache.Set(cache.KeyUser, id); err != nil {
		config.LogWarn(m.logger, "session", "rememberIdentity", id.UserID, nil, err)
	}
}

// Boot settles the initial state. A login in flight wins over anything
// the restore reports.
func (m *Machine) Boot(ctx context.Context) State {
	cached := m.cachedIdentity()
	if cached != nil && cached.AccessToken != "" && m.tokens != nil {
		m.tokens.SetToken(cached.AccessToken)
	}

	restored, err := m.auth.RestoreSession(ctx)

	if m.guard.Active() {
		m.logger.WithField("module", "session").Info("login in flight, skipping boot reconciliation")
		return m.State()
	}

	log := m.logger.WithField("module", "session")
	switch {
	case err == nil && !restored.IsZero():
		if restored.AccessToken == "" && cached != nil && cached.SameUser(restored) {
			restored.AccessToken = cached.AccessToken
		}
		if cached != nil && !cached.SameUser(restored) {
			m.resetData()
		}
		m.rememberIdentity(restored)
		m.transition(StateAuthenticated, restored)
	case cached != nil:
		if err != nil {
			config.LogWarn(m.logger, "session", "Boot", cached.UserID, nil, err)
		}
		log.WithField("user_id", cached.UserID).Info("no confirmed session, continuing with cached identity")
		m.transition(StateAuthenticated, cached)
	default:
		if err != nil {
			config.LogWarn(m.logger, "session", "Boot", "", nil, err)
		}
		m.transition(StateUnauthenticated, nil)
	}
	return m.State()
}

// HandleAuthEvent applies a live auth-provider event.
func (m *Machine) HandleAuthEvent(ctx context.Context, ev remote.AuthEvent) {
	log := m.logger.WithFields(logrus.Fields{"module": "session", "event": ev.Type})
	switch ev.Type {
	case remote.AuthSignedOut:
		if m.guard.Active() {
			log.Info("ignoring sign-out during login")
			return
		}
		if m.cachedIdentity() != nil {
			log.Warn("ignoring sign-out while a cached identity exists")
			return
		}
		m.teardown()
	case remote.AuthSignedIn:
		m.signedIn(ev.Identity)
	case remote.AuthTokenRefreshed:
		current := m.Identity()
		if ev.Identity.IsZero() || !current.SameUser(ev.Identity) {
			return
		}
		current.AccessToken = ev.Identity.AccessToken
		m.rememberIdentity(current)
		m.mu.Lock()
		m.identity = current
		m.mu.Unlock()
	case remote.AuthPasswordRecovery:
		m.transition(StateRecovering, ev.Identity)
	default:
		log.Debug("ignoring auth event")
	}
}

func (m *Machine) signedIn(id *models.Identity) {
	if id.IsZero() {
		return
	}
	current := m.Snapshot()
	if current.State == StateAuthenticated && current.Identity.SameUser(id) {
		// same user, possibly a new token
		m.rememberIdentity(id)
		m.mu.Lock()
		m.identity = copyIdentity(id)
		m.mu.Unlock()
		return
	}
	previous := current.Identity
	if previous.IsZero() {
		previous = m.cachedIdentity()
	}
	if !previous.IsZero() && !previous.SameUser(id) {
		m.resetData()
	}
	m.rememberIdentity(id)
	m.transition(StateAuthenticated, id)
}

// resetData forgets everything the previous user left behind. The identity
// entry is rewritten by the caller. Memory and cache are reset together so
// a fetch or push still carrying the old epoch cannot write back into the
// cleared namespace.
func (m *Machine) resetData() {
	if m.queue != nil {
		m.queue.Clear()
	}
	if err := m.store.ResetNamespace(); err != nil {
		config.LogWarn(m.logger, "session", "resetData", "", nil, err)
	}
}

func (m *Machine) teardown() {
	m.resetData()
	m.transition(StateUnauthenticated, nil)
}

// Login signs in with credentials. Boot and sign-out events are held off
// while it runs.
func (m *Machine) Login(ctx context.Context, email, password string) (*models.Identity, error) {
	m.guard.Start()
	defer m.guard.End()

	id, err := m.auth.SignIn(ctx, email, password)
	if err != nil {
		return nil, err
	}
	if id.IsZero() {
		return nil, fmt.Errorf("sign in: %w: no identity returned", remote.ErrUnauthorized)
	}
	m.signedIn(id)
	return m.Identity(), nil
}

// Logout clears local state before telling the remote, so a spurious
// sign-out cannot race a half-cleared cache. Remote failures are logged.
func (m *Machine) Logout(ctx context.Context) error {
	m.teardown()
	if err := m.auth.Logout(ctx); err != nil {
		config.LogError(m.logger, "session", "Logout", "", nil, err)
	}
	return nil
}

// CompleteRecovery sets the new password and settles the session.
func (m *Machine) CompleteRecovery(ctx context.Context, newPassword string) (State, error) {
	if m.State() != StateRecovering {
		return m.State(), ErrNotRecovering
	}
	if err := m.auth.UpdatePassword(ctx, newPassword); err != nil {
		return StateRecovering, err
	}
	restored, err := m.auth.RestoreSession(ctx)
	if err == nil && !restored.IsZero() {
		m.signedIn(restored)
		return m.State(), nil
	}
	if err != nil {
		config.LogWarn(m.logger, "session", "CompleteRecovery", "", nil, err)
	}
	m.teardown()
	return m.State(), nil
}
