package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// Settings holds the per-company preferences row.
type Settings struct {
	Base
	CompanyName           string          `json:"companyName" validate:"required,max=150"`
	Currency              string          `json:"currency" validate:"required,len=3"`
	Timezone              string          `json:"timezone,omitempty"`
	DefaultCommissionRate decimal.Decimal `json:"defaultCommissionRate" validate:"gte=0"`
	UpdatedAt             string          `json:"updatedAt,omitempty"`
}

func (s *Settings) Timestamp() time.Time { return sortTime(s.UpdatedAt, s.CreatedAt) }
