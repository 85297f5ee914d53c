package models

import (
	"time"

	"github.com/shopspring/decimal"
)

type Income struct {
	Base
	BranchID    string          `json:"branchId,omitempty"`
	Category    string          `json:"category" validate:"required,max=100"`
	Amount      decimal.Decimal `json:"amount" validate:"gt=0"`
	Description string          `json:"description,omitempty" validate:"max=500"`
	Date        string          `json:"date" validate:"required,timestamp"`
	CreatedBy   string          `json:"createdBy,omitempty"`
}

func (i *Income) Timestamp() time.Time { return sortTime(i.Date, i.CreatedAt) }

func (i *Income) ReplaceReference(oldID, newID string) bool {
	return replaceRef(&i.BranchID, oldID, newID)
}

func (i *Income) References() []string { return refs(i.BranchID) }

type Expense struct {
	Base
	BranchID    string          `json:"branchId,omitempty"`
	Category    string          `json:"category" validate:"required,max=100"`
	Amount      decimal.Decimal `json:"amount" validate:"gt=0"`
	Description string          `json:"description,omitempty" validate:"max=500"`
	Date        string          `json:"date" validate:"required,timestamp"`
	CreatedBy   string          `json:"createdBy,omitempty"`
}

func (e *Expense) Timestamp() time.Time { return sortTime(e.Date, e.CreatedAt) }

func (e *Expense) ReplaceReference(oldID, newID string) bool {
	return replaceRef(&e.BranchID, oldID, newID)
}

func (e *Expense) References() []string { return refs(e.BranchID) }
