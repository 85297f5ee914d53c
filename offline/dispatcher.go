package offline

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/mmdatafocus/cashflow_sync/config"
	"github.com/mmdatafocus/cashflow_sync/models"
	"github.com/mmdatafocus/cashflow_sync/remote"
	"github.com/mmdatafocus/cashflow_sync/store"
	"github.com/mmdatafocus/cashflow_sync/utils"
	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
)

var (
	ErrInvalidRecord = errors.New("record failed local validation")
	ErrNoSession     = errors.New("no authenticated session")
)

// WriteIntent is one user-initiated change. Record is required for creates
// and updates and must be a fresh value, not one read from the store.
type WriteIntent struct {
	Kind      models.Kind
	Operation models.Operation
	Record    models.Record
	RecordID  string
}

type Result struct {
	// Record is the server-confirmed record, or the optimistic one when
	// the write was queued.
	Record   models.Record
	Queued   bool
	Mutation *models.QueuedMutation
}

type DispatcherOptions struct {
	// Identity returns the current session snapshot.
	Identity func() *models.Identity
	// OnConnectivityLost runs when a write could not reach the remote.
	OnConnectivityLost func(error)
	Logger             *logrus.Logger
}

// Dispatcher is the write path: validate, apply optimistically, try the
// remote, then either confirm, queue, or roll back.
type Dispatcher struct {
	store    *store.Store
	queue    *Queue
	remote   remote.DataSource
	identity func() *models.Identity
	onLost   func(error)
	logger   *logrus.Logger
}

func NewDispatcher(s *store.Store, q *Queue, ds remote.DataSource, opts DispatcherOptions) *Dispatcher {
	d := &Dispatcher{
		store:    s,
		queue:    q,
		remote:   ds,
		identity: opts.Identity,
		onLost:   opts.OnConnectivityLost,
		logger:   opts.Logger,
	}
	if d.logger == nil {
		d.logger = config.GetLogger()
	}
	if d.identity == nil {
		d.identity = func() *models.Identity { return nil }
	}
	return d
}

func (d *Dispatcher) Submit(ctx context.Context, intent WriteIntent) (Result, error) {
	ctx, span := tracer.Start(ctx, "offline.Submit")
	defer span.End()
	span.SetAttributes(
		attribute.String("collection", string(intent.Kind)),
		attribute.String("operation", string(intent.Operation)),
	)

	res, err := d.submit(ctx, intent)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.SetAttributes(attribute.Bool("queued", res.Queued))
	return res, err
}

func (d *Dispatcher) submit(ctx context.Context, intent WriteIntent) (Result, error) {
	if !intent.Kind.Valid() {
		return Result{}, fmt.Errorf("submit: unknown collection %q", intent.Kind)
	}
	if !intent.Operation.Valid() {
		return Result{}, fmt.Errorf("submit: unknown operation %q", intent.Operation)
	}
	identity := d.identity()
	if identity.IsZero() {
		return Result{}, ErrNoSession
	}
	// every store write below is pinned to the session this submit began in
	epoch := d.store.Epoch()

	rec := intent.Record
	recordID := intent.RecordID
	if intent.Operation != models.OperationDelete {
		if rec == nil {
			return Result{}, fmt.Errorf("submit %s %s: record is required", intent.Operation, intent.Kind)
		}
		if intent.Operation == models.OperationUpdate && rec.RecordID() == "" {
			return Result{}, fmt.Errorf("submit update %s: record id is required", intent.Kind)
		}
		if scoped, ok := rec.(models.CompanyScoped); ok && scoped.CompanyScope() == "" {
			scoped.SetCompanyScope(identity.CompanyID)
		}
		models.StampCreatedAt(rec, time.Now())
		if err := models.Validate(rec); err != nil {
			return Result{}, fmt.Errorf("%w: %v", ErrInvalidRecord, utils.ProcessValidationErrors(err))
		}
	}

	var tempID string
	if intent.Operation == models.OperationCreate && rec.RecordID() == "" {
		tempID = models.NewTempID()
		rec.SetRecordID(tempID)
	}
	if rec != nil {
		recordID = rec.RecordID()
	}
	if recordID == "" {
		return Result{}, fmt.Errorf("submit delete %s: record id is required", intent.Kind)
	}

	previous := d.snapshot(intent.Kind, recordID)
	if err := d.applyOptimistic(epoch, intent.Operation, intent.Kind, recordID, rec); err != nil {
		return Result{}, err
	}

	var payload json.RawMessage
	if rec != nil {
		raw, err := json.Marshal(rec)
		if err != nil {
			d.rollback(epoch, intent.Kind, recordID, previous)
			return Result{}, fmt.Errorf("encode %s: %w", intent.Kind, err)
		}
		payload = raw
	}
	mutation := models.QueuedMutation{
		Operation:      intent.Operation,
		Kind:           intent.Kind,
		RecordID:       recordID,
		Payload:        payload,
		TempID:         tempID,
		IdempotencyKey: uuid.NewString(),
		ActingUserID:   identity.UserID,
		CompanyID:      identity.CompanyID,
	}

	// earlier writes to this collection, or to a record this one points
	// at, are still waiting; keep them in order
	if d.queue.HasPendingKind(intent.Kind) || d.dependsOnQueue(rec) {
		return d.enqueue(mutation, rec)
	}

	out, err := d.remote.Write(utils.WithScope(ctx, mutation.CompanyID, mutation.ActingUserID), remote.WriteRequest{
		Kind:           mutation.Kind,
		Operation:      mutation.Operation,
		CompanyID:      mutation.CompanyID,
		ActingUserID:   mutation.ActingUserID,
		RecordID:       mutation.RecordID,
		Payload:        mutation.Payload,
		IdempotencyKey: mutation.IdempotencyKey,
	})
	switch {
	case err == nil:
		return d.confirm(epoch, mutation, rec, out), nil
	case remote.IsConnectivity(err):
		if d.onLost != nil {
			d.onLost(err)
		}
		return d.enqueue(mutation, rec)
	case remote.IsTransient(err):
		return d.enqueue(mutation, rec)
	default:
		d.rollback(epoch, intent.Kind, recordID, previous)
		config.LogError(d.logger, "offline", "Submit", string(intent.Operation)+" "+string(intent.Kind), recordID, err)
		return Result{}, err
	}
}

func (d *Dispatcher) enqueue(m models.QueuedMutation, rec models.Record) (Result, error) {
	queued, err := d.queue.Enqueue(m)
	if err != nil {
		return Result{}, err
	}
	return Result{Record: rec, Queued: true, Mutation: &queued}, nil
}

// dependsOnQueue reports whether rec references a record the remote does
// not know yet.
func (d *Dispatcher) dependsOnQueue(rec models.Record) bool {
	for _, id := range models.ReferencesOf(rec) {
		if models.IsTempID(id) || d.queue.HasPendingRecord(id) {
			return true
		}
	}
	return false
}

func (d *Dispatcher) confirm(epoch uint64, m models.QueuedMutation, rec models.Record, out json.RawMessage) Result {
	if m.Operation == models.OperationDelete || len(out) == 0 {
		return Result{Record: rec}
	}
	server, err := models.DecodeRecord(m.Kind, out)
	if err != nil || server.RecordID() == "" {
		return Result{Record: rec}
	}
	if m.TempID != "" && m.TempID != server.RecordID() {
		if _, err := d.store.ReconcileIDAt(epoch, m.Kind, m.TempID, server); err != nil && !errors.Is(err, store.ErrStaleEpoch) {
			config.LogError(d.logger, "offline", "confirm", "ReconcileID", m.TempID, err)
		}
	} else if err := d.store.UpsertAt(epoch, m.Kind, server); err != nil && !errors.Is(err, store.ErrStaleEpoch) {
		config.LogError(d.logger, "offline", "confirm", "Upsert", server.RecordID(), err)
	}
	return Result{Record: server}
}

func (d *Dispatcher) applyOptimistic(epoch uint64, op models.Operation, kind models.Kind, id string, rec models.Record) error {
	if op == models.OperationDelete {
		_, err := d.store.RemoveAt(epoch, kind, id)
		return err
	}
	return d.store.UpsertAt(epoch, kind, rec)
}

// snapshot copies the stored record so a rollback is unaffected by later
// in-place edits.
func (d *Dispatcher) snapshot(kind models.Kind, id string) models.Record {
	current, ok := d.store.Get(kind, id)
	if !ok {
		return nil
	}
	raw, err := json.Marshal(current)
	if err != nil {
		return nil
	}
	clone, err := models.DecodeRecord(kind, raw)
	if err != nil {
		return nil
	}
	return clone
}

func (d *Dispatcher) rollback(epoch uint64, kind models.Kind, id string, previous models.Record) {
	var err error
	if previous == nil {
		_, err = d.store.RemoveAt(epoch, kind, id)
	} else {
		err = d.store.UpsertAt(epoch, kind, previous)
	}
	if err != nil && !errors.Is(err, store.ErrStaleEpoch) {
		config.LogError(d.logger, "offline", "rollback", string(kind), id, err)
	}
}
