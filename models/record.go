package models

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/mmdatafocus/cashflow_sync/utils"
)

const TempIDPrefix = "tmp_"

// Record is the part of every entity the sync layer relies on: a stable
// identity and a timestamp used for newest-first ordering.
type Record interface {
	RecordID() string
	SetRecordID(id string)
	Timestamp() time.Time
}

// Referencer is implemented by records that point at other records, so a
// temporary id can be swapped for the server-issued one.
type Referencer interface {
	ReplaceReference(oldID, newID string) bool
	References() []string
}

// ReferencesOf lists the non-empty ids rec points at.
func ReferencesOf(rec Record) []string {
	if ref, ok := rec.(Referencer); ok {
		return ref.References()
	}
	return nil
}

// CompanyScoped records carry the company they belong to.
type CompanyScoped interface {
	CompanyScope() string
	SetCompanyScope(companyID string)
}

// Base carries the identity and creation time shared by all entities.
type Base struct {
	ID        string `json:"id"`
	CompanyID string `json:"companyId,omitempty"`
	CreatedAt string `json:"createdAt,omitempty"`
}

func (b *Base) RecordID() string { return b.ID }

func (b *Base) SetRecordID(id string) { b.ID = id }

func (b *Base) Timestamp() time.Time { return sortTime("", b.CreatedAt) }

func (b *Base) CompanyScope() string { return b.CompanyID }

func (b *Base) SetCompanyScope(companyID string) { b.CompanyID = companyID }

func (b *Base) ensureCreatedAt(now time.Time) {
	if strings.TrimSpace(b.CreatedAt) == "" {
		b.CreatedAt = now.UTC().Format(time.RFC3339)
	}
}

func sortTime(date, createdAt string) time.Time {
	if t, ok := utils.ParseTimestamp(date); ok {
		return t
	}
	t, _ := utils.ParseTimestamp(createdAt)
	return t
}

func replaceRef(field *string, oldID, newID string) bool {
	if *field != "" && *field == oldID {
		*field = newID
		return true
	}
	return false
}

func refs(ids ...string) []string {
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		if id != "" {
			out = append(out, id)
		}
	}
	return out
}

func NewTempID() string {
	return TempIDPrefix + uuid.NewString()
}

func IsTempID(id string) bool {
	return strings.HasPrefix(id, TempIDPrefix)
}

// NewRecord returns an empty record of the concrete type backing kind.
func NewRecord(kind Kind) (Record, error) {
	switch kind {
	case KindTransactions:
		return &Transaction{}, nil
	case KindCashIns:
		return &CashIn{}, nil
	case KindCashOuts:
		return &CashOut{}, nil
	case KindIncomes:
		return &Income{}, nil
	case KindExpenses:
		return &Expense{}, nil
	case KindBranches:
		return &Branch{}, nil
	case KindAgents:
		return &Agent{}, nil
	case KindUsers:
		return &User{}, nil
	case KindSettings:
		return &Settings{}, nil
	case KindNotifications:
		return &Notification{}, nil
	}
	return nil, fmt.Errorf("unknown collection %q", kind)
}

// DecodeRecord unmarshals raw into the concrete type backing kind.
func DecodeRecord(kind Kind, raw json.RawMessage) (Record, error) {
	rec, err := NewRecord(kind)
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal(raw, rec); err != nil {
		return nil, fmt.Errorf("decode %s record: %w", kind, err)
	}
	return rec, nil
}

// CloneRecord returns a deep copy of rec as the concrete type backing kind.
func CloneRecord(kind Kind, rec Record) (Record, error) {
	raw, err := json.Marshal(rec)
	if err != nil {
		return nil, fmt.Errorf("encode %s record: %w", kind, err)
	}
	return DecodeRecord(kind, raw)
}

// StampCreatedAt fills createdAt on records that do not carry one yet.
func StampCreatedAt(rec Record, now time.Time) {
	if s, ok := rec.(interface{ ensureCreatedAt(time.Time) }); ok {
		s.ensureCreatedAt(now)
	}
}
