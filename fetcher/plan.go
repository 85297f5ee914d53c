package fetcher

import "github.com/mmdatafocus/cashflow_sync/models"

const (
	// DefaultPreviewLimit applies to collections the active page does not list.
	DefaultPreviewLimit = 150
	// NoLimit asks the remote for every row.
	NoLimit = -1
)

type PlanEntry struct {
	Kind  models.Kind
	Limit int
}

// Full-list pages ask for 500-600 rows, preview widgets for 100-150.
var pagePlans = map[models.Page][]PlanEntry{
	models.PageDashboard: {
		{models.KindTransactions, 150},
		{models.KindCashIns, 100},
		{models.KindCashOuts, 100},
		{models.KindNotifications, 100},
	},
	models.PageTransactions: {
		{models.KindTransactions, 600},
		{models.KindBranches, 500},
		{models.KindAgents, 500},
		{models.KindCashIns, 150},
		{models.KindCashOuts, 150},
	},
	models.PageCashFlow: {
		{models.KindCashIns, 500},
		{models.KindCashOuts, 500},
		{models.KindBranches, 500},
	},
	models.PageIncomeExpense: {
		{models.KindIncomes, 500},
		{models.KindExpenses, 500},
		{models.KindBranches, 500},
	},
	models.PageBranches: {
		{models.KindBranches, 500},
		{models.KindAgents, 500},
	},
	models.PageAgents: {
		{models.KindAgents, 500},
		{models.KindBranches, 500},
	},
	models.PageUsers: {
		{models.KindUsers, 500},
	},
	models.PageSettings: {
		{models.KindSettings, NoLimit},
	},
	models.PageNotifications: {
		{models.KindNotifications, 500},
	},
}

// PlanFor returns what page needs fetched; unknown pages get the dashboard.
func PlanFor(page models.Page) []PlanEntry {
	plan, ok := pagePlans[page]
	if !ok {
		plan = pagePlans[models.PageDashboard]
	}
	return append([]PlanEntry(nil), plan...)
}

func planLimit(page models.Page, kind models.Kind) (int, bool) {
	for _, e := range pagePlans[page] {
		if e.Kind == kind {
			return e.Limit, true
		}
	}
	return 0, false
}
