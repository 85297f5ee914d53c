package models

import (
	"time"

	"github.com/shopspring/decimal"
)

type TransactionType string

const (
	TransactionTypeDeposit    TransactionType = "deposit"
	TransactionTypeWithdrawal TransactionType = "withdrawal"
	TransactionTypeTransfer   TransactionType = "transfer"
)

type Transaction struct {
	Base
	BranchID   string          `json:"branchId" validate:"required"`
	AgentID    string          `json:"agentId,omitempty"`
	Type       TransactionType `json:"type" validate:"required,oneof=deposit withdrawal transfer"`
	Amount     decimal.Decimal `json:"amount" validate:"gt=0"`
	Commission decimal.Decimal `json:"commission" validate:"gte=0"`
	Reference  string          `json:"reference,omitempty" validate:"max=100"`
	Note       string          `json:"note,omitempty" validate:"max=500"`
	Date       string          `json:"date" validate:"required,timestamp"`
	CreatedBy  string          `json:"createdBy,omitempty"`
}

func (t *Transaction) Timestamp() time.Time { return sortTime(t.Date, t.CreatedAt) }

func (t *Transaction) ReplaceReference(oldID, newID string) bool {
	branch := replaceRef(&t.BranchID, oldID, newID)
	agent := replaceRef(&t.AgentID, oldID, newID)
	return branch || agent
}

func (t *Transaction) References() []string { return refs(t.BranchID, t.AgentID) }
