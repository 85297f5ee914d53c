package store

import (
	"encoding/json"
	"fmt"
	"slices"
	"sort"

	"github.com/mmdatafocus/cashflow_sync/models"
)

// collection is the kind-erased view the Store works through. Every
// implementation keeps its items unique by identity and newest first.
type collection interface {
	replaceAll(records []models.Record) error
	upsert(rec models.Record) error
	remove(id string) bool
	get(id string) (models.Record, bool)
	list() []models.Record
	replaceReference(oldID, newID string) int
	len() int
	snapshot() any
}

type typedCollection[T models.Record] struct {
	kind  models.Kind
	items []T
}

func newTypedCollection[T models.Record](kind models.Kind) *typedCollection[T] {
	return &typedCollection[T]{kind: kind}
}

func (c *typedCollection[T]) cast(rec models.Record) (T, error) {
	v, ok := rec.(T)
	if !ok {
		var zero T
		return zero, fmt.Errorf("%w: %T is not a %s record", ErrWrongRecordType, rec, c.kind)
	}
	return v, nil
}

func (c *typedCollection[T]) replaceAll(records []models.Record) error {
	items := make([]T, 0, len(records))
	for _, rec := range records {
		v, err := c.cast(rec)
		if err != nil {
			return err
		}
		items = append(items, v)
	}
	c.items = dedupe(items)
	sortNewestFirst(c.items)
	return nil
}

func (c *typedCollection[T]) upsert(rec models.Record) error {
	v, err := c.cast(rec)
	if err != nil {
		return err
	}
	c.items = mergeByIdentity(c.items, v)
	return nil
}

func (c *typedCollection[T]) remove(id string) bool {
	before := len(c.items)
	c.items = removeByIdentity(c.items, id)
	return len(c.items) != before
}

func (c *typedCollection[T]) get(id string) (models.Record, bool) {
	for _, item := range c.items {
		if item.RecordID() == id {
			return item, true
		}
	}
	return nil, false
}

func (c *typedCollection[T]) list() []models.Record {
	out := make([]models.Record, 0, len(c.items))
	for _, item := range c.items {
		out = append(out, item)
	}
	return out
}

// replaceReference rewrites oldID on copies of the referencing records;
// records already handed out are never mutated.
func (c *typedCollection[T]) replaceReference(oldID, newID string) int {
	n := 0
	for i, item := range c.items {
		if !slices.Contains(models.ReferencesOf(item), oldID) {
			continue
		}
		clone, err := models.CloneRecord(c.kind, item)
		if err != nil {
			continue
		}
		v, ok := clone.(T)
		if !ok {
			continue
		}
		if ref, ok := any(v).(models.Referencer); ok && ref.ReplaceReference(oldID, newID) {
			c.items[i] = v
			n++
		}
	}
	return n
}

func (c *typedCollection[T]) len() int { return len(c.items) }

func (c *typedCollection[T]) snapshot() any {
	out := make([]T, len(c.items))
	copy(out, c.items)
	return out
}

// mergeByIdentity removes any record sharing incoming's identity, inserts
// incoming and restores newest-first order.
func mergeByIdentity[T models.Record](items []T, incoming T) []T {
	items = removeByIdentity(items, incoming.RecordID())
	items = append(items, incoming)
	sortNewestFirst(items)
	return items
}

func removeByIdentity[T models.Record](items []T, id string) []T {
	out := items[:0]
	for _, item := range items {
		if item.RecordID() != id {
			out = append(out, item)
		}
	}
	var zero T
	for i := len(out); i < len(items); i++ {
		items[i] = zero
	}
	return out
}

// dedupe keeps the last occurrence of every identity.
func dedupe[T models.Record](items []T) []T {
	seen := make(map[string]int, len(items))
	out := make([]T, 0, len(items))
	for _, item := range items {
		if i, ok := seen[item.RecordID()]; ok {
			out[i] = item
			continue
		}
		seen[item.RecordID()] = len(out)
		out = append(out, item)
	}
	return out
}

// sortNewestFirst orders by timestamp descending, ties by id descending.
func sortNewestFirst[T models.Record](items []T) {
	sort.SliceStable(items, func(i, j int) bool {
		ti, tj := items[i].Timestamp(), items[j].Timestamp()
		if !ti.Equal(tj) {
			return ti.After(tj)
		}
		return items[i].RecordID() > items[j].RecordID()
	})
}

func decodeAll(kind models.Kind, raw []json.RawMessage) ([]models.Record, error) {
	out := make([]models.Record, 0, len(raw))
	for _, r := range raw {
		rec, err := models.DecodeRecord(kind, r)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, nil
}
