package remote

import (
	"context"
	"encoding/json"

	"github.com/mmdatafocus/cashflow_sync/models"
)

// WriteRequest is one create, update or delete against a collection.
type WriteRequest struct {
	Kind           models.Kind
	Operation      models.Operation
	CompanyID      string
	ActingUserID   string
	RecordID       string
	Payload        json.RawMessage
	IdempotencyKey string
}

// DataSource is the remote data boundary. Fetch returns an error rather than
// a partial result.
type DataSource interface {
	Fetch(ctx context.Context, kind models.Kind, companyID string, limit int) ([]json.RawMessage, error)
	Write(ctx context.Context, req WriteRequest) (json.RawMessage, error)
	Ping(ctx context.Context) error
}

type AuthEventType string

const (
	AuthSignedIn         AuthEventType = "SIGNED_IN"
	AuthSignedOut        AuthEventType = "SIGNED_OUT"
	AuthPasswordRecovery AuthEventType = "PASSWORD_RECOVERY"
	AuthTokenRefreshed   AuthEventType = "TOKEN_REFRESHED"
)

type AuthEvent struct {
	Type     AuthEventType
	Identity *models.Identity
}

// Auth is the remote auth boundary. RestoreSession returns (nil, nil) when
// the remote has no session.
type Auth interface {
	RestoreSession(ctx context.Context) (*models.Identity, error)
	SignIn(ctx context.Context, email, password string) (*models.Identity, error)
	Logout(ctx context.Context) error
	UpdatePassword(ctx context.Context, newPassword string) error
	OnAuthStateChange(fn func(AuthEvent)) (unsubscribe func())
}
