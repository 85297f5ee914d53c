package models

import (
	"encoding/json"
	"fmt"
	"strings"
)

// Kind names a cached collection. The remote table carries the same name.
type Kind string

const (
	KindTransactions  Kind = "transactions"
	KindCashIns       Kind = "cashIns"
	KindCashOuts      Kind = "cashOuts"
	KindIncomes       Kind = "incomes"
	KindExpenses      Kind = "expenses"
	KindBranches      Kind = "branches"
	KindAgents        Kind = "agents"
	KindUsers         Kind = "users"
	KindSettings      Kind = "settings"
	KindNotifications Kind = "notifications"
)

// AllKinds is ordered the way collections are seeded at boot.
var AllKinds = []Kind{
	KindSettings,
	KindUsers,
	KindBranches,
	KindAgents,
	KindTransactions,
	KindCashIns,
	KindCashOuts,
	KindIncomes,
	KindExpenses,
	KindNotifications,
}

var kindAliases = map[string]Kind{
	"cash_ins":  KindCashIns,
	"cash_in":   KindCashIns,
	"cashin":    KindCashIns,
	"cash_outs": KindCashOuts,
	"cash_out":  KindCashOuts,
	"cashout":   KindCashOuts,
}

func (k Kind) String() string { return string(k) }

func (k Kind) Valid() bool {
	for _, known := range AllKinds {
		if k == known {
			return true
		}
	}
	return false
}

// ParseKind resolves a table name as emitted by the push channel.
func ParseKind(table string) (Kind, error) {
	table = strings.TrimSpace(table)
	if k := Kind(table); k.Valid() {
		return k, nil
	}
	lower := strings.ToLower(table)
	for _, known := range AllKinds {
		if strings.ToLower(string(known)) == lower {
			return known, nil
		}
	}
	if k, ok := kindAliases[lower]; ok {
		return k, nil
	}
	return "", fmt.Errorf("unknown collection %q", table)
}

func (k *Kind) UnmarshalJSON(b []byte) error {
	var raw string
	if err := json.Unmarshal(b, &raw); err != nil {
		return err
	}
	parsed, err := ParseKind(raw)
	if err != nil {
		return err
	}
	*k = parsed
	return nil
}

type Operation string

const (
	OperationCreate Operation = "create"
	OperationUpdate Operation = "update"
	OperationDelete Operation = "delete"
)

func (o Operation) Valid() bool {
	switch o {
	case OperationCreate, OperationUpdate, OperationDelete:
		return true
	}
	return false
}

type Action string

const (
	ActionInsert Action = "insert"
	ActionUpdate Action = "update"
	ActionDelete Action = "delete"
)

// ParseAction accepts the upper-case variants some channels emit.
func ParseAction(raw string) (Action, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "insert", "created", "create":
		return ActionInsert, nil
	case "update", "updated":
		return ActionUpdate, nil
	case "delete", "deleted":
		return ActionDelete, nil
	}
	return "", fmt.Errorf("unknown action %q", raw)
}

// Page is the view currently driving what the refresher fetches.
type Page string

const (
	PageDashboard     Page = "dashboard"
	PageTransactions  Page = "transactions"
	PageCashFlow      Page = "cashflow"
	PageIncomeExpense Page = "income-expense"
	PageBranches      Page = "branches"
	PageAgents        Page = "agents"
	PageUsers         Page = "users"
	PageSettings      Page = "settings"
	PageNotifications Page = "notifications"
)

func ParsePage(raw string) (Page, bool) {
	p := Page(strings.ToLower(strings.TrimSpace(raw)))
	switch p {
	case PageDashboard, PageTransactions, PageCashFlow, PageIncomeExpense, PageBranches,
		PageAgents, PageUsers, PageSettings, PageNotifications:
		return p, true
	}
	return PageDashboard, false
}

type Role string

const (
	RoleAdmin   Role = "admin"
	RoleManager Role = "manager"
	RoleAgent   Role = "agent"
	RoleViewer  Role = "viewer"
)
