package models

import "strings"

// Identity is the authenticated user as the session layer sees it. It is
// cached under the "user" key and is the tie-breaker for ambiguous auth
// signals.
type Identity struct {
	UserID      string `json:"userId"`
	Email       string `json:"email"`
	Name        string `json:"name,omitempty"`
	CompanyID   string `json:"companyId"`
	Role        Role   `json:"role,omitempty"`
	AccessToken string `json:"accessToken,omitempty"`
}

func (i *Identity) IsZero() bool {
	return i == nil || strings.TrimSpace(i.UserID) == ""
}

// SameUser reports whether both identities refer to the same user in the
// same company. Token refreshes do not count as a change.
func (i *Identity) SameUser(other *Identity) bool {
	if i.IsZero() || other.IsZero() {
		return i.IsZero() && other.IsZero()
	}
	return i.UserID == other.UserID && i.CompanyID == other.CompanyID
}

// Channel is the realtime channel the identity's company publishes on.
func (i *Identity) Channel() string {
	if i.IsZero() || i.CompanyID == "" {
		return ""
	}
	return "company:" + i.CompanyID
}
