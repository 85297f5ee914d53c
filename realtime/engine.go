package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/google/uuid"
	"github.com/mmdatafocus/cashflow_sync/config"
	"github.com/mmdatafocus/cashflow_sync/models"
	"github.com/mmdatafocus/cashflow_sync/store"
	"github.com/sirupsen/logrus"
)

var ErrMissingIdentity = errors.New("realtime event record has no id")

// Subscription is a live channel membership.
type Subscription interface {
	Unsubscribe() error
}

// Channel is a push transport. onEvent may be called from any goroutine;
// delivery is at-least-once.
type Channel interface {
	Subscribe(ctx context.Context, name string, onEvent func(models.RealtimeEvent)) (Subscription, error)
}

// PendingChecker reports records that still have a queued local write.
type PendingChecker interface {
	HasPending(kind models.Kind, id string) bool
}

type Options struct {
	Notifier Notifier
	Pending  PendingChecker
	Logger   *logrus.Logger
}

// Engine applies push events to the store with merge-by-identity.
type Engine struct {
	store    *store.Store
	channel  Channel
	notifier Notifier
	pending  PendingChecker
	logger   *logrus.Logger

	mu       sync.Mutex
	sub      Subscription
	name     string
	identity *models.Identity
	// epoch is the store epoch observed at the last Start; it outlives Stop
	// so a late event from a left channel still cannot cross a reset.
	epoch  uint64
	pinned bool
}

func NewEngine(s *store.Store, ch Channel, opts Options) *Engine {
	e := &Engine{
		store:    s,
		channel:  ch,
		notifier: opts.Notifier,
		pending:  opts.Pending,
		logger:   opts.Logger,
	}
	if e.logger == nil {
		e.logger = config.GetLogger()
	}
	if e.notifier == nil {
		e.notifier = LogNotifier{Logger: e.logger}
	}
	return e
}

// Start joins the identity's company channel, leaving any previous one.
func (e *Engine) Start(ctx context.Context, identity *models.Identity) error {
	name := identity.Channel()
	if name == "" {
		return fmt.Errorf("realtime: identity has no company scope")
	}
	e.Stop()
	snapshot := *identity
	e.mu.Lock()
	e.name = name
	e.identity = &snapshot
	e.epoch, e.pinned = e.store.Epoch(), true
	e.mu.Unlock()
	if e.channel == nil {
		return nil
	}
	sub, err := e.channel.Subscribe(ctx, name, func(ev models.RealtimeEvent) {
		if err := e.Handle(ev); err != nil {
			config.LogWarn(e.logger, "realtime", "Handle", name, ev.Table, err)
		}
	})
	if err != nil {
		e.mu.Lock()
		e.name, e.identity = "", nil
		e.mu.Unlock()
		return fmt.Errorf("subscribe %s: %w", name, err)
	}
	e.mu.Lock()
	e.sub = sub
	e.mu.Unlock()
	e.logger.WithFields(logrus.Fields{"module": "realtime", "channel": name}).Info("joined realtime channel")
	return nil
}

// Stop leaves the current channel, if any.
func (e *Engine) Stop() {
	e.mu.Lock()
	sub, name := e.sub, e.name
	e.sub, e.name, e.identity = nil, "", nil
	e.mu.Unlock()
	if sub == nil {
		return
	}
	if err := sub.Unsubscribe(); err != nil {
		config.LogWarn(e.logger, "realtime", "Stop", name, nil, err)
	}
}

// ChannelName is the channel currently joined, or "".
func (e *Engine) ChannelName() string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.name
}

func (e *Engine) currentUserID() string {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.identity == nil {
		return ""
	}
	return e.identity.UserID
}

func (e *Engine) currentEpoch() (uint64, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.epoch, e.pinned
}

// Handle applies one event. Applying the same event twice leaves the store
// as applying it once.
func (e *Engine) Handle(ev models.RealtimeEvent) error {
	var err error
	switch ev.Type {
	case models.EventNotification:
		err = e.handleNotification(ev.Payload)
	case models.EventDataChange, "":
		err = e.handleDataChange(ev)
	default:
		return fmt.Errorf("unknown realtime event type %q", ev.Type)
	}
	if errors.Is(err, store.ErrStaleEpoch) {
		e.logger.WithFields(logrus.Fields{"module": "realtime", "table": ev.Table}).Debug("dropping event from a previous session")
		return nil
	}
	return err
}

func (e *Engine) upsert(kind models.Kind, rec models.Record) error {
	if epoch, ok := e.currentEpoch(); ok {
		return e.store.UpsertAt(epoch, kind, rec)
	}
	return e.store.Upsert(kind, rec)
}

func (e *Engine) remove(kind models.Kind, id string) error {
	var err error
	if epoch, ok := e.currentEpoch(); ok {
		_, err = e.store.RemoveAt(epoch, kind, id)
	} else {
		_, err = e.store.Remove(kind, id)
	}
	return err
}

func (e *Engine) insertIfAbsent(kind models.Kind, rec models.Record) (bool, error) {
	if epoch, ok := e.currentEpoch(); ok {
		return e.store.UpsertIfAbsentAt(epoch, kind, rec)
	}
	return e.store.UpsertIfAbsent(kind, rec)
}

func (e *Engine) handleDataChange(ev models.RealtimeEvent) error {
	kind, err := models.ParseKind(ev.Table)
	if err != nil {
		return err
	}
	action, err := models.ParseAction(ev.Action)
	if err != nil {
		return err
	}

	raw := ev.Record
	if action == models.ActionDelete && len(raw) == 0 {
		raw = ev.Old
	}
	rec, err := models.DecodeRecord(kind, raw)
	if err != nil {
		return err
	}
	id := rec.RecordID()
	if id == "" {
		return ErrMissingIdentity
	}

	// a queued local write is newer than anything the channel can echo;
	// the post-drain re-sync settles it
	if e.pending != nil && e.pending.HasPending(kind, id) {
		e.logger.WithFields(logrus.Fields{
			"module": "realtime",
			"kind":   kind,
			"id":     id,
		}).Debug("skipping event for record with a pending local write")
		return nil
	}

	if action == models.ActionDelete {
		return e.remove(kind, id)
	}
	return e.upsert(kind, rec)
}

func (e *Engine) handleNotification(payload json.RawMessage) error {
	var n models.Notification
	if err := json.Unmarshal(payload, &n); err != nil {
		return fmt.Errorf("decode notification: %w", err)
	}
	if n.ID == "" {
		n.ID = notificationID(&n)
	}
	inserted, err := e.insertIfAbsent(models.KindNotifications, &n)
	if err != nil {
		return err
	}
	// redeliveries and the author's own notifications are stored silently
	if inserted && (n.UserID == "" || n.UserID != e.currentUserID()) {
		e.notifier.Notify(&n)
	}
	return nil
}

// notificationID derives a stable id from the notification content so a
// redelivered id-less notification lands on the same record.
func notificationID(n *models.Notification) string {
	key := strings.Join([]string{n.UserID, n.Type, n.Title, n.Message, n.CreatedAt}, "\x00")
	return uuid.NewSHA1(uuid.NameSpaceOID, []byte(key)).String()
}

var (
	_ Channel = (*WebSocketChannel)(nil)
	_ Channel = (*PubSubChannel)(nil)
)
