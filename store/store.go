package store

import (
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/mmdatafocus/cashflow_sync/cache"
	"github.com/mmdatafocus/cashflow_sync/models"
	"github.com/sirupsen/logrus"
)

var (
	ErrUnknownKind     = errors.New("unknown collection")
	ErrWrongRecordType = errors.New("record type does not match collection")
	ErrStaleEpoch      = errors.New("store reset since fetch started")
)

// Store is the single in-memory representation of every collection. Every
// mutation updates memory first and then mirrors the collection to the
// cache while still holding the lock, so cache writes land in memory order.
// Records handed out are shared with the store and must be treated as
// read-only.
type Store struct {
	mu          sync.Mutex
	cache       *cache.Cache
	logger      *logrus.Logger
	collections map[models.Kind]collection
	epoch       uint64

	listenersMu sync.RWMutex
	listeners   []func(models.Kind)
}

func New(c *cache.Cache, logger *logrus.Logger) *Store {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	s := &Store{cache: c, logger: logger}
	s.collections = newCollections()
	return s
}

func newCollections() map[models.Kind]collection {
	return map[models.Kind]collection{
		models.KindTransactions:  newTypedCollection[*models.Transaction](models.KindTransactions),
		models.KindCashIns:       newTypedCollection[*models.CashIn](models.KindCashIns),
		models.KindCashOuts:      newTypedCollection[*models.CashOut](models.KindCashOuts),
		models.KindIncomes:       newTypedCollection[*models.Income](models.KindIncomes),
		models.KindExpenses:      newTypedCollection[*models.Expense](models.KindExpenses),
		models.KindBranches:      newTypedCollection[*models.Branch](models.KindBranches),
		models.KindAgents:        newTypedCollection[*models.Agent](models.KindAgents),
		models.KindUsers:         newTypedCollection[*models.User](models.KindUsers),
		models.KindSettings:      newTypedCollection[*models.Settings](models.KindSettings),
		models.KindNotifications: newTypedCollection[*models.Notification](models.KindNotifications),
	}
}

// OnChange registers fn to run after a collection changed. It runs outside
// the store lock.
func (s *Store) OnChange(fn func(models.Kind)) {
	s.listenersMu.Lock()
	s.listeners = append(s.listeners, fn)
	s.listenersMu.Unlock()
}

func (s *Store) notify(kinds ...models.Kind) {
	s.listenersMu.RLock()
	listeners := append([]func(models.Kind){}, s.listeners...)
	s.listenersMu.RUnlock()
	for _, kind := range kinds {
		for _, fn := range listeners {
			fn(kind)
		}
	}
}

func (s *Store) lookup(kind models.Kind) (collection, error) {
	col, ok := s.collections[kind]
	if !ok {
		return nil, fmt.Errorf("%w %q", ErrUnknownKind, kind)
	}
	return col, nil
}

// mirror writes the collection to the cache. Must be called with mu held.
func (s *Store) mirror(kind models.Kind, col collection) {
	if s.cache == nil {
		return
	}
	if err := s.cache.Set(string(kind), col.snapshot()); err != nil {
		s.logger.WithFields(logrus.Fields{
			"module": "store",
			"kind":   kind,
		}).Warn("cache mirror failed; continuing memory-only")
	}
}

// Seed loads every collection from the cache. Corrupt entries leave the
// collection empty.
func (s *Store) Seed() map[models.Kind]int {
	counts := make(map[models.Kind]int, len(models.AllKinds))
	s.mu.Lock()
	for _, kind := range models.AllKinds {
		raw := cache.Get[[]json.RawMessage](s.cache, string(kind), nil)
		if len(raw) == 0 {
			continue
		}
		records, err := decodeAll(kind, raw)
		if err != nil {
			s.logger.WithFields(logrus.Fields{"module": "store", "kind": kind}).Warnf("ignoring cached collection: %v", err)
			continue
		}
		col := s.collections[kind]
		if err := col.replaceAll(records); err != nil {
			continue
		}
		counts[kind] = col.len()
	}
	s.mu.Unlock()
	s.notify(models.AllKinds...)
	return counts
}

// Epoch changes on every Reset. Fetchers capture it before a remote call and
// hand it back so results from a previous session are discarded.
func (s *Store) Epoch() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.epoch
}

// Replace fully replaces a collection in memory and cache.
func (s *Store) Replace(kind models.Kind, records []models.Record) error {
	s.mu.Lock()
	err := s.replaceLocked(kind, records)
	s.mu.Unlock()
	if err == nil {
		s.notify(kind)
	}
	return err
}

// ReplaceAt replaces a collection only if the store has not been reset since
// epoch was read.
func (s *Store) ReplaceAt(epoch uint64, kind models.Kind, records []models.Record) error {
	s.mu.Lock()
	if s.epoch != epoch {
		s.mu.Unlock()
		return ErrStaleEpoch
	}
	err := s.replaceLocked(kind, records)
	s.mu.Unlock()
	if err == nil {
		s.notify(kind)
	}
	return err
}

func (s *Store) replaceLocked(kind models.Kind, records []models.Record) error {
	col, err := s.lookup(kind)
	if err != nil {
		return err
	}
	if err := col.replaceAll(records); err != nil {
		return err
	}
	s.mirror(kind, col)
	return nil
}

// pin ties a mutation to the epoch its caller observed. An unset pin
// applies regardless of resets.
type pin struct {
	epoch uint64
	set   bool
}

// stale must be called with mu held.
func (s *Store) stale(p pin) bool {
	return p.set && p.epoch != s.epoch
}

// Upsert applies merge-by-identity for a single record.
func (s *Store) Upsert(kind models.Kind, rec models.Record) error {
	return s.upsert(pin{}, kind, rec)
}

// UpsertAt is Upsert that returns ErrStaleEpoch once the store was reset
// after epoch was read.
func (s *Store) UpsertAt(epoch uint64, kind models.Kind, rec models.Record) error {
	return s.upsert(pin{epoch: epoch, set: true}, kind, rec)
}

func (s *Store) upsert(p pin, kind models.Kind, rec models.Record) error {
	s.mu.Lock()
	if s.stale(p) {
		s.mu.Unlock()
		return ErrStaleEpoch
	}
	col, err := s.lookup(kind)
	if err == nil {
		err = col.upsert(rec)
	}
	if err == nil {
		s.mirror(kind, col)
	}
	s.mu.Unlock()
	if err == nil {
		s.notify(kind)
	}
	return err
}

// UpsertIfAbsent inserts rec only when no record with its identity exists.
func (s *Store) UpsertIfAbsent(kind models.Kind, rec models.Record) (bool, error) {
	return s.upsertIfAbsent(pin{}, kind, rec)
}

func (s *Store) UpsertIfAbsentAt(epoch uint64, kind models.Kind, rec models.Record) (bool, error) {
	return s.upsertIfAbsent(pin{epoch: epoch, set: true}, kind, rec)
}

func (s *Store) upsertIfAbsent(p pin, kind models.Kind, rec models.Record) (bool, error) {
	s.mu.Lock()
	if s.stale(p) {
		s.mu.Unlock()
		return false, ErrStaleEpoch
	}
	col, err := s.lookup(kind)
	if err != nil {
		s.mu.Unlock()
		return false, err
	}
	if _, exists := col.get(rec.RecordID()); exists {
		s.mu.Unlock()
		return false, nil
	}
	if err := col.upsert(rec); err != nil {
		s.mu.Unlock()
		return false, err
	}
	s.mirror(kind, col)
	s.mu.Unlock()
	s.notify(kind)
	return true, nil
}

func (s *Store) Remove(kind models.Kind, id string) (bool, error) {
	return s.remove(pin{}, kind, id)
}

func (s *Store) RemoveAt(epoch uint64, kind models.Kind, id string) (bool, error) {
	return s.remove(pin{epoch: epoch, set: true}, kind, id)
}

func (s *Store) remove(p pin, kind models.Kind, id string) (bool, error) {
	s.mu.Lock()
	if s.stale(p) {
		s.mu.Unlock()
		return false, ErrStaleEpoch
	}
	col, err := s.lookup(kind)
	if err != nil {
		s.mu.Unlock()
		return false, err
	}
	removed := col.remove(id)
	if removed {
		s.mirror(kind, col)
	}
	s.mu.Unlock()
	if removed {
		s.notify(kind)
	}
	return removed, nil
}

func (s *Store) Get(kind models.Kind, id string) (models.Record, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	col, err := s.lookup(kind)
	if err != nil {
		return nil, false
	}
	return col.get(id)
}

func (s *Store) List(kind models.Kind) []models.Record {
	s.mu.Lock()
	defer s.mu.Unlock()
	col, err := s.lookup(kind)
	if err != nil {
		return nil
	}
	return col.list()
}

func (s *Store) Len(kind models.Kind) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	col, err := s.lookup(kind)
	if err != nil {
		return 0
	}
	return col.len()
}

// ReconcileID swaps a temporary record for the server-issued one and
// rewrites every reference to tempID across all collections.
func (s *Store) ReconcileID(kind models.Kind, tempID string, server models.Record) (int, error) {
	return s.reconcileID(pin{}, kind, tempID, server)
}

func (s *Store) ReconcileIDAt(epoch uint64, kind models.Kind, tempID string, server models.Record) (int, error) {
	return s.reconcileID(pin{epoch: epoch, set: true}, kind, tempID, server)
}

func (s *Store) reconcileID(p pin, kind models.Kind, tempID string, server models.Record) (int, error) {
	newID := server.RecordID()
	s.mu.Lock()
	if s.stale(p) {
		s.mu.Unlock()
		return 0, ErrStaleEpoch
	}
	col, err := s.lookup(kind)
	if err != nil {
		s.mu.Unlock()
		return 0, err
	}
	if tempID != "" && tempID != newID {
		col.remove(tempID)
	}
	if err := col.upsert(server); err != nil {
		s.mu.Unlock()
		return 0, err
	}
	changed := []models.Kind{kind}
	rewritten := 0
	if tempID != "" && tempID != newID {
		for _, other := range models.AllKinds {
			n := s.collections[other].replaceReference(tempID, newID)
			if n > 0 && other != kind {
				changed = append(changed, other)
			}
			rewritten += n
		}
	}
	for _, k := range changed {
		s.mirror(k, s.collections[k])
	}
	s.mu.Unlock()
	s.notify(changed...)
	return rewritten, nil
}

// Reset wipes every collection from memory and advances the epoch. The
// cache is left alone.
func (s *Store) Reset() {
	_ = s.reset(false)
}

// ResetNamespace is Reset plus clearing the cache namespace, done under the
// store lock so no mirror write from the previous epoch can land after the
// clear.
func (s *Store) ResetNamespace() error {
	return s.reset(true)
}

func (s *Store) reset(clearCache bool) error {
	s.mu.Lock()
	s.collections = newCollections()
	s.epoch++
	var err error
	if clearCache && s.cache != nil {
		err = s.cache.ClearNamespace()
	}
	s.mu.Unlock()
	s.notify(models.AllKinds...)
	return err
}

// Typed returns a collection as its concrete record type.
func Typed[T models.Record](s *Store, kind models.Kind) []T {
	records := s.List(kind)
	out := make([]T, 0, len(records))
	for _, rec := range records {
		if v, ok := rec.(T); ok {
			out = append(out, v)
		}
	}
	return out
}
