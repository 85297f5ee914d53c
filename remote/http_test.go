package remote

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/mmdatafocus/cashflow_sync/models"
	"github.com/mmdatafocus/cashflow_sync/utils"
	"github.com/sirupsen/logrus"
)

func testClient(baseURL string) *HTTPClient {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return NewHTTPClient(HTTPClientOptions{
		BaseURL:        baseURL,
		APIKey:         "anon",
		RequestsPerSec: 1000,
		BaseDelay:      time.Millisecond,
		MaxDelay:       5 * time.Millisecond,
		Logger:         l,
	})
}

func TestFetch_SendsScopeAndDecodesRows(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/rest/v1/transactions" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		if got := r.URL.Query().Get("company_id"); got != "co-1" {
			t.Errorf("expected company scope, got %q", got)
		}
		if got := r.URL.Query().Get("limit"); got != "150" {
			t.Errorf("expected limit 150, got %q", got)
		}
		if got := r.Header.Get("Authorization"); got != "Bearer tok" {
			t.Errorf("expected bearer token, got %q", got)
		}
		if r.Header.Get("apikey") != "anon" || r.Header.Get("X-Correlation-Id") == "" {
			t.Errorf("missing api key or correlation id: %v", r.Header)
		}
		_, _ = w.Write([]byte(`[{"id":"a","date":"2024-01-01"},{"id":"b","date":"2024-01-02"}]`))
	}))
	defer srv.Close()

	c := testClient(srv.URL)
	c.SetToken("tok")
	rows, err := c.Fetch(context.Background(), models.KindTransactions, "co-1", 150)
	if err != nil {
		t.Fatalf("Fetch error: %v", err)
	}
	if len(rows) != 2 {
		t.Fatalf("expected 2 rows, got %d", len(rows))
	}
}

func TestFetch_RetriesServerErrors(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&calls, 1) < 3 {
			w.Header().Set("Retry-After", "0")
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		_, _ = w.Write([]byte(`[]`))
	}))
	defer srv.Close()

	rows, err := testClient(srv.URL).Fetch(context.Background(), models.KindBranches, "co-1", 0)
	if err != nil {
		t.Fatalf("Fetch error: %v", err)
	}
	if rows == nil || len(rows) != 0 {
		t.Fatalf("expected empty non-nil rows, got %v", rows)
	}
	if atomic.LoadInt32(&calls) != 3 {
		t.Fatalf("expected 3 calls, got %d", calls)
	}
}

func TestFetch_UnreachableIsConnectivity(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()

	_, err := testClient(url).Fetch(context.Background(), models.KindUsers, "co-1", 10)
	if !IsConnectivity(err) {
		t.Fatalf("expected connectivity error, got %v", err)
	}
	if IsTerminal(err) {
		t.Fatalf("connectivity error must not be terminal")
	}
}

func TestWrite_CreateSendsIdempotencyKey(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || r.URL.Path != "/rest/v1/incomes" {
			t.Errorf("unexpected %s %s", r.Method, r.URL.Path)
		}
		if r.Header.Get("Idempotency-Key") != "idem-1" {
			t.Errorf("missing idempotency key")
		}
		var body map[string]any
		_ = json.NewDecoder(r.Body).Decode(&body)
		body["id"] = "srv-1"
		_ = json.NewEncoder(w).Encode(body)
	}))
	defer srv.Close()

	out, err := testClient(srv.URL).Write(context.Background(), WriteRequest{
		Kind:           models.KindIncomes,
		Operation:      models.OperationCreate,
		CompanyID:      "co-1",
		Payload:        json.RawMessage(`{"id":"tmp_x","category":"sales"}`),
		IdempotencyKey: "idem-1",
	})
	if err != nil {
		t.Fatalf("Write error: %v", err)
	}
	var rec map[string]any
	_ = json.Unmarshal(out, &rec)
	if rec["id"] != "srv-1" {
		t.Fatalf("expected server id, got %v", rec["id"])
	}
}

func TestWrite_ValidationFailureIsTerminal(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		w.WriteHeader(http.StatusUnprocessableEntity)
		_, _ = w.Write([]byte(`{"code":"invalid","message":"amount must be positive"}`))
	}))
	defer srv.Close()

	_, err := testClient(srv.URL).Write(context.Background(), WriteRequest{
		Kind:           models.KindExpenses,
		Operation:      models.OperationUpdate,
		RecordID:       "e1",
		Payload:        json.RawMessage(`{"id":"e1"}`),
		IdempotencyKey: "k",
	})
	if !errors.Is(err, ErrValidation) || !IsTerminal(err) {
		t.Fatalf("expected terminal validation error, got %v", err)
	}
	var httpErr *HTTPError
	if !errors.As(err, &httpErr) || httpErr.Message != "amount must be positive" {
		t.Fatalf("expected decoded HTTPError, got %v", err)
	}
	if atomic.LoadInt32(&calls) != 1 {
		t.Fatalf("validation failures must not be retried")
	}
}

func TestUnauthorized_EmitsSignedOut(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer srv.Close()

	c := testClient(srv.URL)
	c.SetToken("expired")
	var events []AuthEventType
	unsubscribe := c.OnAuthStateChange(func(ev AuthEvent) { events = append(events, ev.Type) })
	defer unsubscribe()

	_, err := c.Fetch(context.Background(), models.KindUsers, "co-1", 10)
	if !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("expected ErrUnauthorized, got %v", err)
	}
	if len(events) != 1 || events[0] != AuthSignedOut {
		t.Fatalf("expected one sign-out event, got %v", events)
	}
}

func TestSignIn_FillsIdentityFromClaims(t *testing.T) {
	token, err := utils.JwtGenerate(utils.JwtCustomClaim{CompanyID: "co-9", Role: "manager"}, []byte("secret"), time.Hour)
	if err != nil {
		t.Fatalf("JwtGenerate: %v", err)
	}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != pathToken {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		_ = json.NewEncoder(w).Encode(map[string]any{
			"access_token": token,
			"user":         map[string]string{"id": "u1", "email": "mya@example.com"},
		})
	}))
	defer srv.Close()

	c := testClient(srv.URL)
	var signedIn *models.Identity
	c.OnAuthStateChange(func(ev AuthEvent) {
		if ev.Type == AuthSignedIn {
			signedIn = ev.Identity
		}
	})
	id, err := c.SignIn(context.Background(), "mya@example.com", "pw")
	if err != nil {
		t.Fatalf("SignIn error: %v", err)
	}
	if id.UserID != "u1" || id.CompanyID != "co-9" || id.Role != models.RoleManager {
		t.Fatalf("unexpected identity %+v", id)
	}
	if signedIn == nil || signedIn.UserID != "u1" {
		t.Fatalf("expected sign-in event")
	}
	if c.Token() != token {
		t.Fatalf("token not installed")
	}
}

func TestRestoreSession_NoTokenOrUnauthorizedMeansNoSession(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer srv.Close()

	c := testClient(srv.URL)
	id, err := c.RestoreSession(context.Background())
	if id != nil || err != nil {
		t.Fatalf("expected no session without token, got %v %v", id, err)
	}
	c.SetToken("stale")
	id, err = c.RestoreSession(context.Background())
	if id != nil || err != nil {
		t.Fatalf("expected no session on 401, got %v %v", id, err)
	}
}

func TestErrorClassification(t *testing.T) {
	cases := []struct {
		err       error
		transient bool
		terminal  bool
	}{
		{&HTTPError{StatusCode: 503}, true, false},
		{&HTTPError{StatusCode: 429}, true, false},
		{&HTTPError{StatusCode: 404}, false, true},
		{&HTTPError{StatusCode: 403}, false, true},
		{ErrConnectivity, false, false},
		{context.DeadlineExceeded, false, false},
		{context.Canceled, false, false},
	}
	for _, tc := range cases {
		if got := IsTransient(tc.err); got != tc.transient {
			t.Errorf("IsTransient(%v) = %v", tc.err, got)
		}
		if got := IsTerminal(tc.err); got != tc.terminal {
			t.Errorf("IsTerminal(%v) = %v", tc.err, got)
		}
	}
}
