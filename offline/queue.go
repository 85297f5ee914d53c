package offline

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/mmdatafocus/cashflow_sync/cache"
	"github.com/mmdatafocus/cashflow_sync/config"
	"github.com/mmdatafocus/cashflow_sync/models"
	"github.com/mmdatafocus/cashflow_sync/remote"
	"github.com/mmdatafocus/cashflow_sync/store"
	"github.com/mmdatafocus/cashflow_sync/utils"
	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
)

var (
	ErrMaxAttempts = errors.New("offline mutation exceeded max attempts")
	ErrExpired     = errors.New("offline mutation expired")
	// ErrDependencyDropped marks writes discarded because the create they
	// referenced was dropped.
	ErrDependencyDropped = errors.New("offline mutation references a dropped record")
)

var tracer = otel.Tracer("github.com/mmdatafocus/cashflow_sync/offline")

type QueueOptions struct {
	MaxAttempts int
	MaxAge      time.Duration
	Locker      Locker
	Logger      *logrus.Logger
	// OnDropped is told about every mutation discarded by a drain.
	OnDropped func(models.QueuedMutation, error)
	Now       func() time.Time
}

// Queue is the durable, ordered list of writes waiting for connectivity.
// It is persisted under the offline_queue cache key after every change.
type Queue struct {
	mu     sync.Mutex
	items  []models.QueuedMutation
	cache  *cache.Cache
	store  *store.Store
	remote remote.DataSource

	maxAttempts int
	maxAge      time.Duration
	locker      Locker
	logger      *logrus.Logger
	onDropped   func(models.QueuedMutation, error)
	now         func() time.Time
}

// NewQueue restores any mutations left in the cache by a previous run.
func NewQueue(c *cache.Cache, s *store.Store, ds remote.DataSource, opts QueueOptions) *Queue {
	q := &Queue{
		cache:       c,
		store:       s,
		remote:      ds,
		maxAttempts: opts.MaxAttempts,
		maxAge:      opts.MaxAge,
		locker:      opts.Locker,
		logger:      opts.Logger,
		onDropped:   opts.OnDropped,
		now:         opts.Now,
	}
	if q.maxAttempts <= 0 {
		q.maxAttempts = config.DefaultQueueMaxAttempts
	}
	if q.maxAge <= 0 {
		q.maxAge = config.DefaultQueueMaxAge
	}
	if q.locker == nil {
		q.locker = NewLocalLocker()
	}
	if q.logger == nil {
		q.logger = config.GetLogger()
	}
	if q.now == nil {
		q.now = time.Now
	}
	q.items = cache.Get(c, cache.KeyOfflineQueue, []models.QueuedMutation{})
	for i := range q.items {
		// a crash mid-replay leaves entries REPLAYING; they are pending again
		if q.items[i].Status == models.MutationReplaying {
			q.items[i].Status = models.MutationRequeued
		}
	}
	return q
}

// persist must be called with mu held.
func (q *Queue) persist() {
	_ = q.cache.Set(cache.KeyOfflineQueue, q.items)
}

// Enqueue appends m and persists the queue.
func (q *Queue) Enqueue(m models.QueuedMutation) (models.QueuedMutation, error) {
	if !m.Kind.Valid() {
		return m, fmt.Errorf("enqueue: unknown collection %q", m.Kind)
	}
	if !m.Operation.Valid() {
		return m, fmt.Errorf("enqueue: unknown operation %q", m.Operation)
	}
	if m.ID == "" {
		m.ID = uuid.NewString()
	}
	if m.IdempotencyKey == "" {
		m.IdempotencyKey = uuid.NewString()
	}
	if m.EnqueuedAt.IsZero() {
		m.EnqueuedAt = q.now().UTC()
	}
	m.Status = models.MutationPending

	q.mu.Lock()
	q.items = append(q.items, m)
	q.persist()
	q.mu.Unlock()

	q.logger.WithFields(logrus.Fields{
		"field":       "OfflineQueue",
		"mutation_id": m.ID,
		"kind":        m.Kind,
		"operation":   m.Operation,
	}).Info("write queued for replay")
	return m, nil
}

func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// Pending returns a copy of the queued mutations in order.
func (q *Queue) Pending() []models.QueuedMutation {
	q.mu.Lock()
	defer q.mu.Unlock()
	return append([]models.QueuedMutation(nil), q.items...)
}

// HasPending reports whether a mutation for the record is still queued.
func (q *Queue) HasPending(kind models.Kind, id string) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	for _, m := range q.items {
		if m.Kind == kind && (m.RecordID == id || (m.TempID != "" && m.TempID == id)) {
			return true
		}
	}
	return false
}

// HasPendingRecord reports whether a mutation for id is queued in any
// collection.
func (q *Queue) HasPendingRecord(id string) bool {
	if id == "" {
		return false
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	for _, m := range q.items {
		if m.RecordID == id || m.TempID == id {
			return true
		}
	}
	return false
}

// HasPendingKind reports whether any mutation for kind is queued.
func (q *Queue) HasPendingKind(kind models.Kind) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	for _, m := range q.items {
		if m.Kind == kind {
			return true
		}
	}
	return false
}

// Clear drops every queued mutation from memory. The cache entry is removed
// with the rest of the namespace on logout.
func (q *Queue) Clear() {
	q.mu.Lock()
	q.items = nil
	q.mu.Unlock()
}

func (q *Queue) indexOf(id string) int {
	for i, m := range q.items {
		if m.ID == id {
			return i
		}
	}
	return -1
}

func (q *Queue) get(id string) (models.QueuedMutation, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if i := q.indexOf(id); i >= 0 {
		return q.items[i], true
	}
	return models.QueuedMutation{}, false
}

func (q *Queue) update(id string, fn func(*models.QueuedMutation)) (models.QueuedMutation, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	i := q.indexOf(id)
	if i < 0 {
		return models.QueuedMutation{}, false
	}
	fn(&q.items[i])
	q.persist()
	return q.items[i], true
}

func (q *Queue) remove(id string) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if i := q.indexOf(id); i >= 0 {
		q.items = append(q.items[:i], q.items[i+1:]...)
		q.persist()
	}
}

// replaceReference rewrites oldID to newID in every queued payload so later
// updates and deletes target the server-issued record.
func (q *Queue) replaceReference(oldID, newID string) int {
	q.mu.Lock()
	defer q.mu.Unlock()
	changed := 0
	for i := range q.items {
		m := &q.items[i]
		touched := false
		if m.RecordID == oldID {
			m.RecordID = newID
			touched = true
		}
		if len(m.Payload) > 0 {
			rec, err := models.DecodeRecord(m.Kind, m.Payload)
			if err == nil {
				recTouched := false
				if rec.RecordID() == oldID {
					rec.SetRecordID(newID)
					recTouched = true
				}
				if ref, ok := rec.(models.Referencer); ok && ref.ReplaceReference(oldID, newID) {
					recTouched = true
				}
				if recTouched {
					if raw, err := json.Marshal(rec); err == nil {
						m.Payload = raw
						touched = true
					}
				}
			}
		}
		if touched {
			changed++
		}
	}
	if changed > 0 {
		q.persist()
	}
	return changed
}

// Drain replays queued mutations in FIFO order and returns how many were
// resolved. A connectivity failure stops the drain; a transient remote
// failure holds back later mutations of the same collection; terminal
// failures and mutations past the retry policy are dropped. onProgress is
// called once with the resolved count when it is positive.
func (q *Queue) Drain(ctx context.Context, onProgress func(synced int)) (int, error) {
	unlock, err := q.locker.TryLock(ctx)
	if err != nil {
		return 0, err
	}
	defer unlock()

	ctx, span := tracer.Start(ctx, "offline.Drain")
	defer span.End()

	epoch := q.store.Epoch()
	ids := make([]string, 0, q.Len())
	for _, m := range q.Pending() {
		ids = append(ids, m.ID)
	}
	span.SetAttributes(attribute.Int("queue.length", len(ids)))

	resolved := 0
	blocked := make(map[models.Kind]bool)
	var stopErr error

	for _, id := range ids {
		if err := ctx.Err(); err != nil {
			stopErr = err
			break
		}
		m, ok := q.get(id)
		if !ok {
			continue
		}
		if blocked[m.Kind] {
			continue
		}
		if m.Expired(q.now(), q.maxAge) {
			q.drop(epoch, m, ErrExpired)
			continue
		}
		if m.Attempts >= q.maxAttempts {
			q.drop(epoch, m, ErrMaxAttempts)
			continue
		}
		// the referenced create has not been resolved yet
		if ref := unresolvedReference(m); ref != "" {
			q.logger.WithFields(logrus.Fields{
				"field":       "OfflineQueue",
				"mutation_id": m.ID,
				"kind":        m.Kind,
				"reference":   ref,
			}).Debug("holding back write that references an unsynced record")
			blocked[m.Kind] = true
			continue
		}

		m, _ = q.update(id, func(e *models.QueuedMutation) {
			e.Status = models.MutationReplaying
			e.Attempts++
		})
		out, err := q.remote.Write(utils.WithScope(ctx, m.CompanyID, m.ActingUserID), remote.WriteRequest{
			Kind:           m.Kind,
			Operation:      m.Operation,
			CompanyID:      m.CompanyID,
			ActingUserID:   m.ActingUserID,
			RecordID:       m.RecordID,
			Payload:        m.Payload,
			IdempotencyKey: m.IdempotencyKey,
		})
		switch {
		case err == nil:
			q.resolve(epoch, m, out)
			resolved++
		case remote.IsConnectivity(err) || errors.Is(err, context.Canceled):
			q.requeue(m, err)
			stopErr = err
		case remote.IsTransient(err):
			q.requeue(m, err)
			blocked[m.Kind] = true
		default:
			q.drop(epoch, m, err)
		}
		if stopErr != nil {
			break
		}
	}

	span.SetAttributes(attribute.Int("queue.resolved", resolved))
	if stopErr != nil {
		span.RecordError(stopErr)
		span.SetStatus(codes.Error, stopErr.Error())
	}
	if resolved > 0 && onProgress != nil {
		onProgress(resolved)
	}
	return resolved, stopErr
}

// unresolvedReference returns the first temporary id m's payload still
// points at, or "".
func unresolvedReference(m models.QueuedMutation) string {
	if len(m.Payload) == 0 {
		return ""
	}
	rec, err := models.DecodeRecord(m.Kind, m.Payload)
	if err != nil {
		return ""
	}
	for _, id := range models.ReferencesOf(rec) {
		if models.IsTempID(id) {
			return id
		}
	}
	return ""
}

func (q *Queue) resolve(epoch uint64, m models.QueuedMutation, out json.RawMessage) {
	q.remove(m.ID)

	if m.Operation == models.OperationDelete || len(out) == 0 {
		return
	}
	server, err := models.DecodeRecord(m.Kind, out)
	if err != nil || server.RecordID() == "" {
		q.logger.WithFields(logrus.Fields{
			"field":       "OfflineQueue",
			"mutation_id": m.ID,
			"kind":        m.Kind,
		}).Warn("replayed write returned an unreadable record; waiting for re-sync")
		return
	}
	if m.Operation == models.OperationCreate && m.TempID != "" && m.TempID != server.RecordID() {
		if _, err := q.store.ReconcileIDAt(epoch, m.Kind, m.TempID, server); err != nil && !errors.Is(err, store.ErrStaleEpoch) {
			config.LogError(q.logger, "offline", "resolve", "ReconcileID", m.ID, err)
		}
		q.replaceReference(m.TempID, server.RecordID())
		return
	}
	if err := q.store.UpsertAt(epoch, m.Kind, server); err != nil && !errors.Is(err, store.ErrStaleEpoch) {
		config.LogError(q.logger, "offline", "resolve", "Upsert", m.ID, err)
	}
}

// dependents lists queued writes that target or reference tempID.
func (q *Queue) dependents(tempID string) []models.QueuedMutation {
	q.mu.Lock()
	defer q.mu.Unlock()
	var out []models.QueuedMutation
	for _, m := range q.items {
		if m.RecordID == tempID || m.TempID == tempID {
			out = append(out, m)
			continue
		}
		if len(m.Payload) == 0 {
			continue
		}
		rec, err := models.DecodeRecord(m.Kind, m.Payload)
		if err == nil && slices.Contains(models.ReferencesOf(rec), tempID) {
			out = append(out, m)
		}
	}
	return out
}

func (q *Queue) requeue(m models.QueuedMutation, err error) {
	q.update(m.ID, func(e *models.QueuedMutation) {
		e.Status = models.MutationRequeued
		e.LastError = err.Error()
	})
	q.logger.WithFields(logrus.Fields{
		"field":       "OfflineQueue",
		"mutation_id": m.ID,
		"kind":        m.Kind,
		"attempt":     m.Attempts,
	}).Warn("offline replay deferred: " + err.Error())
}

// drop discards m for good. A dropped create also takes its optimistic
// record with it, since the remote will never know that id, and every
// queued write that depends on that id.
func (q *Queue) drop(epoch uint64, m models.QueuedMutation, err error) {
	m.Status = models.MutationDropped
	m.LastError = err.Error()
	q.remove(m.ID)
	if m.Operation == models.OperationCreate && m.TempID != "" {
		_, _ = q.store.RemoveAt(epoch, m.Kind, m.TempID)
		defer func() {
			for _, dep := range q.dependents(m.TempID) {
				q.drop(epoch, dep, fmt.Errorf("%w: %s", ErrDependencyDropped, m.TempID))
			}
		}()
	}
	q.logger.WithFields(logrus.Fields{
		"field":       "OfflineQueue",
		"mutation_id": m.ID,
		"kind":        m.Kind,
		"operation":   m.Operation,
		"attempt":     m.Attempts,
	}).Error("offline mutation dropped: " + err.Error())
	if q.onDropped != nil {
		q.onDropped(m, err)
	}
}
