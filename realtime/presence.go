package realtime

import (
	"sort"
	"strings"

	"github.com/mmdatafocus/cashflow_sync/models"
)

// MergePresence replaces entries by user id, always includes self, and
// orders self first then the rest by name.
func MergePresence(current, incoming []models.Presence, self models.Presence) []models.Presence {
	byID := make(map[string]models.Presence, len(current)+len(incoming)+1)
	for _, p := range current {
		if p.UserID != "" {
			byID[p.UserID] = p
		}
	}
	for _, p := range incoming {
		if p.UserID != "" {
			byID[p.UserID] = p
		}
	}
	if self.UserID != "" {
		byID[self.UserID] = self
	}

	out := make([]models.Presence, 0, len(byID))
	for _, p := range byID {
		out = append(out, p)
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].UserID == self.UserID {
			return out[j].UserID != self.UserID
		}
		if out[j].UserID == self.UserID {
			return false
		}
		ni, nj := strings.ToLower(out[i].Name), strings.ToLower(out[j].Name)
		if ni != nj {
			return ni < nj
		}
		return out[i].UserID < out[j].UserID
	})
	return out
}
