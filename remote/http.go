package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/mmdatafocus/cashflow_sync/models"
	"github.com/mmdatafocus/cashflow_sync/utils"
	"github.com/sirupsen/logrus"
	"golang.org/x/time/rate"
)

const (
	headerIdempotencyKey = "Idempotency-Key"
	headerCorrelationID  = "X-Correlation-Id"
	headerAPIKey         = "apikey"
)

type HTTPClientOptions struct {
	BaseURL        string
	APIKey         string
	HTTPClient     *http.Client
	RequestsPerSec float64
	MaxRetries     int
	BaseDelay      time.Duration
	MaxDelay       time.Duration
	Logger         *logrus.Logger
}

// HTTPClient implements DataSource and Auth over the REST API.
type HTTPClient struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
	limiter    *rate.Limiter
	maxRetries int
	baseDelay  time.Duration
	maxDelay   time.Duration
	logger     *logrus.Logger

	mu    sync.RWMutex
	token string

	listenersMu sync.Mutex
	listeners   map[int]func(AuthEvent)
	nextID      int
}

func NewHTTPClient(opts HTTPClientOptions) *HTTPClient {
	baseURL := strings.TrimRight(strings.TrimSpace(opts.BaseURL), "/")
	if baseURL == "" {
		baseURL = "http://127.0.0.1:8080"
	}
	httpClient := opts.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 30 * time.Second}
	}
	perSec := opts.RequestsPerSec
	if perSec <= 0 {
		perSec = 10
	}
	maxRetries := opts.MaxRetries
	if maxRetries < 0 {
		maxRetries = 0
	} else if maxRetries == 0 {
		maxRetries = 3
	}
	logger := opts.Logger
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &HTTPClient{
		baseURL:    baseURL,
		apiKey:     strings.TrimSpace(opts.APIKey),
		httpClient: httpClient,
		limiter:    rate.NewLimiter(rate.Limit(perSec), int(perSec)+1),
		maxRetries: maxRetries,
		baseDelay:  opts.BaseDelay,
		maxDelay:   opts.MaxDelay,
		logger:     logger,
		listeners:  make(map[int]func(AuthEvent)),
	}
}

// SetToken installs an access token restored from the local cache.
func (c *HTTPClient) SetToken(token string) {
	c.mu.Lock()
	c.token = strings.TrimSpace(token)
	c.mu.Unlock()
}

func (c *HTTPClient) Token() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.token
}

func (c *HTTPClient) Fetch(ctx context.Context, kind models.Kind, companyID string, limit int) ([]json.RawMessage, error) {
	if !kind.Valid() {
		return nil, fmt.Errorf("fetch: unknown collection %q", kind)
	}
	params := url.Values{}
	if companyID != "" {
		params.Set("company_id", companyID)
	}
	if limit > 0 {
		params.Set("limit", strconv.Itoa(limit))
	}
	var rows []json.RawMessage
	if err := c.doJSON(ctx, http.MethodGet, "/rest/v1/"+string(kind), params, nil, nil, &rows, true); err != nil {
		return nil, fmt.Errorf("fetch %s: %w", kind, err)
	}
	if rows == nil {
		rows = []json.RawMessage{}
	}
	return rows, nil
}

func (c *HTTPClient) Write(ctx context.Context, req WriteRequest) (json.RawMessage, error) {
	if !req.Kind.Valid() {
		return nil, fmt.Errorf("write: unknown collection %q", req.Kind)
	}
	headers := map[string]string{}
	if req.IdempotencyKey != "" {
		headers[headerIdempotencyKey] = req.IdempotencyKey
	}
	if req.ActingUserID != "" {
		headers["X-Acting-User"] = req.ActingUserID
	}
	params := url.Values{}
	if req.CompanyID != "" {
		params.Set("company_id", req.CompanyID)
	}

	path := "/rest/v1/" + string(req.Kind)
	var method string
	switch req.Operation {
	case models.OperationCreate:
		method = http.MethodPost
	case models.OperationUpdate:
		method = http.MethodPatch
		path += "/" + url.PathEscape(req.RecordID)
	case models.OperationDelete:
		method = http.MethodDelete
		path += "/" + url.PathEscape(req.RecordID)
	default:
		return nil, fmt.Errorf("write: unknown operation %q", req.Operation)
	}

	var body any
	if len(req.Payload) > 0 && req.Operation != models.OperationDelete {
		body = req.Payload
	}
	var out json.RawMessage
	if err := c.doJSON(ctx, method, path, params, headers, body, &out, req.IdempotencyKey != ""); err != nil {
		return nil, fmt.Errorf("%s %s: %w", req.Operation, req.Kind, err)
	}
	return out, nil
}

func (c *HTTPClient) Ping(ctx context.Context) error {
	return c.doJSON(ctx, http.MethodGet, "/health", nil, nil, nil, nil, false)
}

// doJSON sends one request. Reads, and writes that carry an idempotency
// key, are retried on transport errors and 5xx/429.
func (c *HTTPClient) doJSON(
	ctx context.Context,
	method, requestPath string,
	params url.Values,
	headers map[string]string,
	body any,
	out any,
	retry bool,
) error {
	var bodyBytes []byte
	if body != nil {
		var err error
		bodyBytes, err = json.Marshal(body)
		if err != nil {
			return err
		}
	}
	endpoint := c.baseURL + requestPath
	if len(params) > 0 {
		endpoint += "?" + params.Encode()
	}
	ctx, correlationID := utils.EnsureCorrelationId(ctx)

	for attempt := 0; ; attempt++ {
		if err := c.limiter.Wait(ctx); err != nil {
			return err
		}
		var bodyReader io.Reader
		if bodyBytes != nil {
			bodyReader = bytes.NewReader(bodyBytes)
		}
		req, err := http.NewRequestWithContext(ctx, method, endpoint, bodyReader)
		if err != nil {
			return err
		}
		req.Header.Set("Accept", "application/json")
		req.Header.Set(headerCorrelationID, correlationID)
		if c.apiKey != "" {
			req.Header.Set(headerAPIKey, c.apiKey)
		}
		if token := c.Token(); token != "" {
			req.Header.Set("Authorization", "Bearer "+token)
		}
		if body != nil {
			req.Header.Set("Content-Type", "application/json")
		}
		for key, value := range headers {
			req.Header.Set(key, value)
		}

		resp, err := c.httpClient.Do(req)
		if err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				return ctxErr
			}
			if retry && attempt < c.maxRetries {
				if waitErr := waitWithContext(ctx, c.retryDelay(attempt+1, "")); waitErr != nil {
					return waitErr
				}
				continue
			}
			c.logger.WithFields(requestFields(ctx, logrus.Fields{
				"module":        "remote",
				"path":          requestPath,
				"correlationId": correlationID,
			})).Debugf("remote unreachable: %v", err)
			return fmt.Errorf("%w: %v", ErrConnectivity, err)
		}
		payload, readErr := io.ReadAll(resp.Body)
		_ = resp.Body.Close()
		if readErr != nil {
			return fmt.Errorf("%w: %v", ErrConnectivity, readErr)
		}

		if resp.StatusCode >= 200 && resp.StatusCode <= 299 {
			if out == nil || len(bytes.TrimSpace(payload)) == 0 {
				return nil
			}
			return json.Unmarshal(payload, out)
		}

		retryAfter := resp.Header.Get("Retry-After")
		if retry && attempt < c.maxRetries &&
			(resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500) {
			delay := c.retryDelay(attempt+1, retryAfter)
			c.logger.WithFields(requestFields(ctx, logrus.Fields{
				"module":        "remote",
				"path":          requestPath,
				"status":        resp.StatusCode,
				"attempt":       attempt + 1,
				"correlationId": correlationID,
			})).Debugf("retrying in %s", delay)
			if waitErr := waitWithContext(ctx, delay); waitErr != nil {
				return waitErr
			}
			continue
		}

		httpErr := decodeHTTPError(resp.StatusCode, payload)
		httpErr.RetryAfter = parseRetryAfter(retryAfter)
		if resp.StatusCode == http.StatusUnauthorized && c.Token() != "" && !strings.HasPrefix(requestPath, pathToken) {
			// the remote dropped our session; listeners decide whether to believe it
			c.emit(AuthEvent{Type: AuthSignedOut})
		}
		return httpErr
	}
}

// requestFields adds the acting company and user carried by ctx.
func requestFields(ctx context.Context, fields logrus.Fields) logrus.Fields {
	if companyID, ok := utils.GetCompanyIdFromContext(ctx); ok {
		fields["company_id"] = companyID
	}
	if userID, ok := utils.GetUserIdFromContext(ctx); ok {
		fields["user_id"] = userID
	}
	return fields
}

func decodeHTTPError(status int, payload []byte) *HTTPError {
	var errPayload struct {
		Code    string `json:"code"`
		Message string `json:"message"`
		Error   string `json:"error"`
	}
	_ = json.Unmarshal(payload, &errPayload)
	msg := errPayload.Message
	if msg == "" {
		msg = errPayload.Error
	}
	if msg == "" {
		msg = strings.TrimSpace(string(payload))
	}
	if msg == "" {
		msg = http.StatusText(status)
	}
	return &HTTPError{StatusCode: status, Code: errPayload.Code, Message: msg}
}

func (c *HTTPClient) retryDelay(attempt int, retryAfterHeader string) time.Duration {
	maxDelay := c.maxDelay
	if maxDelay <= 0 {
		maxDelay = 2 * time.Second
	}
	if retryAfter := parseRetryAfter(retryAfterHeader); retryAfter > 0 {
		if retryAfter > maxDelay {
			return maxDelay
		}
		return retryAfter
	}
	base := c.baseDelay
	if base <= 0 {
		base = 100 * time.Millisecond
	}
	return utils.Backoff(base, maxDelay, attempt)
}

func parseRetryAfter(header string) time.Duration {
	header = strings.TrimSpace(header)
	if header == "" {
		return 0
	}
	if seconds, err := strconv.Atoi(header); err == nil && seconds >= 0 {
		return time.Duration(seconds) * time.Second
	}
	if ts, err := time.Parse(time.RFC1123, header); err == nil {
		if delta := time.Until(ts); delta > 0 {
			return delta
		}
	}
	return 0
}

func waitWithContext(ctx context.Context, delay time.Duration) error {
	if delay <= 0 {
		return nil
	}
	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
