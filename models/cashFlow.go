package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// CashIn is money received into a branch's till.
type CashIn struct {
	Base
	BranchID    string          `json:"branchId" validate:"required"`
	Amount      decimal.Decimal `json:"amount" validate:"gt=0"`
	Source      string          `json:"source,omitempty" validate:"max=100"`
	Description string          `json:"description,omitempty" validate:"max=500"`
	Date        string          `json:"date" validate:"required,timestamp"`
	CreatedBy   string          `json:"createdBy,omitempty"`
}

func (c *CashIn) Timestamp() time.Time { return sortTime(c.Date, c.CreatedAt) }

func (c *CashIn) ReplaceReference(oldID, newID string) bool {
	return replaceRef(&c.BranchID, oldID, newID)
}

func (c *CashIn) References() []string { return refs(c.BranchID) }

// CashOut is money paid out of a branch's till.
type CashOut struct {
	Base
	BranchID    string          `json:"branchId" validate:"required"`
	Amount      decimal.Decimal `json:"amount" validate:"gt=0"`
	Destination string          `json:"destination,omitempty" validate:"max=100"`
	Description string          `json:"description,omitempty" validate:"max=500"`
	Date        string          `json:"date" validate:"required,timestamp"`
	CreatedBy   string          `json:"createdBy,omitempty"`
}

func (c *CashOut) Timestamp() time.Time { return sortTime(c.Date, c.CreatedAt) }

func (c *CashOut) ReplaceReference(oldID, newID string) bool {
	return replaceRef(&c.BranchID, oldID, newID)
}

func (c *CashOut) References() []string { return refs(c.BranchID) }
