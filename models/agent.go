package models

import "github.com/shopspring/decimal"

type Agent struct {
	Base
	BranchID       string          `json:"branchId" validate:"required"`
	Name           string          `json:"name" validate:"required,max=100"`
	Phone          string          `json:"phone,omitempty" validate:"max=20"`
	CommissionRate decimal.Decimal `json:"commissionRate" validate:"gte=0"`
}

func (a *Agent) ReplaceReference(oldID, newID string) bool {
	return replaceRef(&a.BranchID, oldID, newID)
}

func (a *Agent) References() []string { return refs(a.BranchID) }
