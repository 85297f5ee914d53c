// Package remotetest provides in-memory fakes of the remote boundary.
package remotetest

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/mmdatafocus/cashflow_sync/models"
	"github.com/mmdatafocus/cashflow_sync/remote"
)

// DataSource is a scriptable remote.DataSource. Queued errors are consumed
// one per call before falling back to the static ones.
type DataSource struct {
	mu sync.Mutex

	rows       map[models.Kind][]json.RawMessage
	fetchErrs  map[models.Kind]error
	fetchGate  map[models.Kind]chan struct{}
	writeErrs  []error
	writeHook  func(remote.WriteRequest) error
	pingErr    error
	nextID     int
	writes     []remote.WriteRequest
	fetchCalls map[models.Kind][]int
}

func NewDataSource() *DataSource {
	return &DataSource{
		rows:       make(map[models.Kind][]json.RawMessage),
		fetchErrs:  make(map[models.Kind]error),
		fetchGate:  make(map[models.Kind]chan struct{}),
		fetchCalls: make(map[models.Kind][]int),
	}
}

// SetRows sets what Fetch returns for kind. Each row is marshalled as JSON.
func (d *DataSource) SetRows(kind models.Kind, rows ...any) {
	d.mu.Lock()
	defer d.mu.Unlock()
	raw := make([]json.RawMessage, 0, len(rows))
	for _, r := range rows {
		b, _ := json.Marshal(r)
		raw = append(raw, b)
	}
	d.rows[kind] = raw
}

func (d *DataSource) FailFetch(kind models.Kind, err error) {
	d.mu.Lock()
	d.fetchErrs[kind] = err
	d.mu.Unlock()
}

// BlockFetch makes Fetch for kind wait until the returned release func runs.
func (d *DataSource) BlockFetch(kind models.Kind) (release func()) {
	gate := make(chan struct{})
	d.mu.Lock()
	d.fetchGate[kind] = gate
	d.mu.Unlock()
	var once sync.Once
	return func() { once.Do(func() { close(gate) }) }
}

func (d *DataSource) QueueWriteErrors(errs ...error) {
	d.mu.Lock()
	d.writeErrs = append(d.writeErrs, errs...)
	d.mu.Unlock()
}

// OnWrite installs a hook consulted for every write; a non-nil return fails
// the write.
func (d *DataSource) OnWrite(fn func(remote.WriteRequest) error) {
	d.mu.Lock()
	d.writeHook = fn
	d.mu.Unlock()
}

func (d *DataSource) SetPingError(err error) {
	d.mu.Lock()
	d.pingErr = err
	d.mu.Unlock()
}

func (d *DataSource) Writes() []remote.WriteRequest {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]remote.WriteRequest(nil), d.writes...)
}

// FetchLimits lists the limits Fetch was called with for kind.
func (d *DataSource) FetchLimits(kind models.Kind) []int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]int(nil), d.fetchCalls[kind]...)
}

func (d *DataSource) Fetch(ctx context.Context, kind models.Kind, companyID string, limit int) ([]json.RawMessage, error) {
	d.mu.Lock()
	d.fetchCalls[kind] = append(d.fetchCalls[kind], limit)
	gate := d.fetchGate[kind]
	d.mu.Unlock()

	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	if err := d.fetchErrs[kind]; err != nil {
		return nil, err
	}
	rows := d.rows[kind]
	if limit > 0 && len(rows) > limit {
		rows = rows[:limit]
	}
	return append([]json.RawMessage(nil), rows...), nil
}

func (d *DataSource) Write(ctx context.Context, req remote.WriteRequest) (json.RawMessage, error) {
	d.mu.Lock()
	d.writes = append(d.writes, req)
	var err error
	if len(d.writeErrs) > 0 {
		err = d.writeErrs[0]
		d.writeErrs = d.writeErrs[1:]
	}
	hook := d.writeHook
	d.mu.Unlock()

	if err == nil && hook != nil {
		err = hook(req)
	}
	if err != nil {
		return nil, err
	}
	if req.Operation == models.OperationDelete {
		return nil, nil
	}

	var body map[string]any
	if len(req.Payload) > 0 {
		if err := json.Unmarshal(req.Payload, &body); err != nil {
			return nil, fmt.Errorf("%w: %v", remote.ErrValidation, err)
		}
	}
	if body == nil {
		body = map[string]any{}
	}
	if req.Operation == models.OperationCreate {
		id, _ := body["id"].(string)
		if id == "" || models.IsTempID(id) {
			d.mu.Lock()
			d.nextID++
			body["id"] = fmt.Sprintf("srv-%d", d.nextID)
			d.mu.Unlock()
		}
	}
	return json.Marshal(body)
}

func (d *DataSource) Ping(ctx context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.pingErr
}

// Auth is a scriptable remote.Auth.
type Auth struct {
	mu sync.Mutex

	Session    *models.Identity
	RestoreErr error
	SignInErr  error
	LogoutErr  error

	// BeforeLogout runs at the start of Logout, before the error is returned.
	BeforeLogout func()

	logoutCalls int
	listeners   map[int]func(remote.AuthEvent)
	nextID      int
	passwords   []string
}

func NewAuth() *Auth {
	return &Auth{listeners: make(map[int]func(remote.AuthEvent))}
}

func (a *Auth) RestoreSession(ctx context.Context) (*models.Identity, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.RestoreErr != nil {
		return nil, a.RestoreErr
	}
	if a.Session == nil {
		return nil, nil
	}
	s := *a.Session
	return &s, nil
}

func (a *Auth) SignIn(ctx context.Context, email, password string) (*models.Identity, error) {
	a.mu.Lock()
	if a.SignInErr != nil {
		err := a.SignInErr
		a.mu.Unlock()
		return nil, err
	}
	id := &models.Identity{UserID: "user-" + email, Email: email, CompanyID: "co-1", Role: models.RoleAdmin, AccessToken: "token-" + email}
	if a.Session != nil && a.Session.Email == email {
		s := *a.Session
		id = &s
	}
	a.Session = id
	a.mu.Unlock()
	a.Emit(remote.AuthEvent{Type: remote.AuthSignedIn, Identity: id})
	return id, nil
}

func (a *Auth) Logout(ctx context.Context) error {
	a.mu.Lock()
	a.logoutCalls++
	hook := a.BeforeLogout
	err := a.LogoutErr
	a.mu.Unlock()
	if hook != nil {
		hook()
	}
	if err != nil {
		return err
	}
	a.mu.Lock()
	a.Session = nil
	a.mu.Unlock()
	return nil
}

func (a *Auth) UpdatePassword(ctx context.Context, newPassword string) error {
	a.mu.Lock()
	a.passwords = append(a.passwords, newPassword)
	a.mu.Unlock()
	return nil
}

func (a *Auth) LogoutCalls() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.logoutCalls
}

func (a *Auth) OnAuthStateChange(fn func(remote.AuthEvent)) func() {
	a.mu.Lock()
	id := a.nextID
	a.nextID++
	a.listeners[id] = fn
	a.mu.Unlock()
	return func() {
		a.mu.Lock()
		delete(a.listeners, id)
		a.mu.Unlock()
	}
}

// Emit delivers ev to every listener synchronously.
func (a *Auth) Emit(ev remote.AuthEvent) {
	a.mu.Lock()
	fns := make([]func(remote.AuthEvent), 0, len(a.listeners))
	for _, fn := range a.listeners {
		fns = append(fns, fn)
	}
	a.mu.Unlock()
	for _, fn := range fns {
		fn(ev)
	}
}
