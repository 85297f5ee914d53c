package remote

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/mmdatafocus/cashflow_sync/models"
	"github.com/mmdatafocus/cashflow_sync/utils"
)

const (
	pathToken  = "/auth/v1/token"
	pathUser   = "/auth/v1/user"
	pathLogout = "/auth/v1/logout"
)

type authUser struct {
	ID        string `json:"id"`
	Email     string `json:"email"`
	Name      string `json:"name"`
	CompanyID string `json:"company_id"`
	Role      string `json:"role"`
}

type tokenResponse struct {
	AccessToken string   `json:"access_token"`
	User        authUser `json:"user"`
}

// identityFrom merges the user payload with the access token's claims; the
// payload wins where both are set.
func identityFrom(user authUser, token string) *models.Identity {
	id := &models.Identity{
		UserID:      user.ID,
		Email:       user.Email,
		Name:        user.Name,
		CompanyID:   user.CompanyID,
		Role:        models.Role(user.Role),
		AccessToken: token,
	}
	claims, err := utils.JwtClaims(token)
	if err != nil {
		return id
	}
	if id.UserID == "" {
		id.UserID = claims.Subject
	}
	if id.Email == "" {
		id.Email = claims.Email
	}
	if id.Name == "" {
		id.Name = claims.Name
	}
	if id.CompanyID == "" {
		id.CompanyID = claims.CompanyID
	}
	if id.Role == "" {
		id.Role = models.Role(claims.Role)
	}
	return id
}

// RestoreSession asks the remote who the current token belongs to. No token,
// an expired token or a 401 all mean "no session".
func (c *HTTPClient) RestoreSession(ctx context.Context) (*models.Identity, error) {
	token := c.Token()
	if token == "" {
		return nil, nil
	}
	if claims, err := utils.JwtClaims(token); err == nil && utils.JwtExpired(claims, time.Now()) {
		return nil, nil
	}
	var user authUser
	err := c.doJSON(ctx, http.MethodGet, pathUser, nil, nil, nil, &user, true)
	if errors.Is(err, ErrUnauthorized) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("restore session: %w", err)
	}
	return identityFrom(user, token), nil
}

func (c *HTTPClient) SignIn(ctx context.Context, email, password string) (*models.Identity, error) {
	body := map[string]string{"email": strings.TrimSpace(email), "password": password}
	var resp tokenResponse
	if err := c.doJSON(ctx, http.MethodPost, pathToken+"?grant_type=password", nil, nil, body, &resp, false); err != nil {
		return nil, fmt.Errorf("sign in: %w", err)
	}
	if resp.AccessToken == "" {
		return nil, fmt.Errorf("sign in: %w: empty access token", ErrUnauthorized)
	}
	identity := identityFrom(resp.User, resp.AccessToken)
	c.SetToken(resp.AccessToken)
	c.emit(AuthEvent{Type: AuthSignedIn, Identity: identity})
	return identity, nil
}

// Logout drops the local token even when the remote call fails.
func (c *HTTPClient) Logout(ctx context.Context) error {
	hadToken := c.Token() != ""
	var err error
	if hadToken {
		err = c.doJSON(ctx, http.MethodPost, pathLogout, nil, nil, nil, nil, false)
	}
	c.SetToken("")
	if hadToken {
		c.emit(AuthEvent{Type: AuthSignedOut})
	}
	if err != nil {
		return fmt.Errorf("logout: %w", err)
	}
	return nil
}

func (c *HTTPClient) UpdatePassword(ctx context.Context, newPassword string) error {
	if strings.TrimSpace(newPassword) == "" {
		return fmt.Errorf("update password: %w: empty password", ErrValidation)
	}
	body := map[string]string{"password": newPassword}
	if err := c.doJSON(ctx, http.MethodPut, pathUser, nil, nil, body, nil, false); err != nil {
		return fmt.Errorf("update password: %w", err)
	}
	return nil
}

// BeginRecovery installs the token carried by a password-recovery link and
// announces the recovery flow.
func (c *HTTPClient) BeginRecovery(token string) {
	c.SetToken(token)
	c.emit(AuthEvent{Type: AuthPasswordRecovery, Identity: identityFrom(authUser{}, token)})
}

func (c *HTTPClient) OnAuthStateChange(fn func(AuthEvent)) func() {
	c.listenersMu.Lock()
	id := c.nextID
	c.nextID++
	c.listeners[id] = fn
	c.listenersMu.Unlock()
	return func() {
		c.listenersMu.Lock()
		delete(c.listeners, id)
		c.listenersMu.Unlock()
	}
}

func (c *HTTPClient) emit(ev AuthEvent) {
	c.listenersMu.Lock()
	fns := make([]func(AuthEvent), 0, len(c.listeners))
	for _, fn := range c.listeners {
		fns = append(fns, fn)
	}
	c.listenersMu.Unlock()
	for _, fn := range fns {
		fn(ev)
	}
}
