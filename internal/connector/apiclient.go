package connector

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"golang.org/x/time/rate"

	"github.com/alanyoungcy/txnbridge/internal/domain"
)

// maxResponseBytes bounds how much of a provider response is read.
const maxResponseBytes = 16 << 20

// HTTPError is a non-2xx provider answer. It is kept as the cause of the
// classified domain.Error so variants can inspect provider error bodies.
type HTTPError struct {
	StatusCode int
	Body       []byte
}

func (e *HTTPError) Error() string {
	return fmt.Sprintf("provider returned status %d", e.StatusCode)
}

// APIClient is the HTTP plumbing shared by every instance of one connector
// variant. Its limiter paces all tenants together, matching the provider's
// per-application quota.
type APIClient struct {
	name       string
	baseURL    string
	httpClient *http.Client
	limiter    *rate.Limiter
}

// NewAPIClient creates a client for one provider. rps <= 0 disables pacing.
func NewAPIClient(name, baseURL string, rps float64, burst int, timeout time.Duration) *APIClient {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	if burst <= 0 {
		burst = 1
	}
	lim := rate.NewLimiter(rate.Inf, 0)
	if rps > 0 {
		lim = rate.NewLimiter(rate.Limit(rps), burst)
	}
	return &APIClient{
		name:       name,
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{Timeout: timeout},
		limiter:    lim,
	}
}

// BaseURL returns the provider root this client talks to.
func (c *APIClient) BaseURL() string { return c.baseURL }

// Request describes one provider call.
type Request struct {
	Method string
	// Path is appended to the base URL unless it is absolute.
	Path   string
	Query  url.Values
	Header http.Header
	// JSON is encoded as the body when set; Form takes precedence.
	JSON any
	Form url.Values
}

// Do sends req and decodes a JSON answer into out (which may be nil).
// Every failure comes back as a classified domain.Error.
func (c *APIClient) Do(ctx context.Context, op string, req Request, out any) error {
	body, err := c.doRaw(ctx, op, req)
	if err != nil {
		return err
	}
	if out == nil || len(bytes.TrimSpace(body)) == 0 {
		return nil
	}
	dec := json.NewDecoder(bytes.NewReader(body))
	dec.UseNumber()
	if err := dec.Decode(out); err != nil {
		return domain.WrapError(domain.KindInvalidData, op, c.name+" returned an unreadable response", err)
	}
	return nil
}

func (c *APIClient) doRaw(ctx context.Context, op string, r Request) ([]byte, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, ErrorFromTransport(op, err)
	}

	target := r.Path
	if !strings.HasPrefix(target, "http://") && !strings.HasPrefix(target, "https://") {
		target = c.baseURL + target
	}
	if len(r.Query) > 0 {
		target += "?" + r.Query.Encode()
	}

	var bodyReader io.Reader
	contentType := ""
	switch {
	case r.Form != nil:
		bodyReader = strings.NewReader(r.Form.Encode())
		contentType = "application/x-www-form-urlencoded"
	case r.JSON != nil:
		b, err := json.Marshal(r.JSON)
		if err != nil {
			return nil, domain.WrapError(domain.KindInvalidData, op, "request could not be encoded", err)
		}
		bodyReader = bytes.NewReader(b)
		contentType = "application/json"
	}

	method := r.Method
	if method == "" {
		method = http.MethodGet
	}
	req, err := http.NewRequestWithContext(ctx, method, target, bodyReader)
	if err != nil {
		return nil, domain.WrapError(domain.KindSyncFailed, op, "request could not be built", err)
	}
	for k, v := range r.Header {
		req.Header[k] = v
	}
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, ErrorFromTransport(op, err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return nil, ErrorFromTransport(op, err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, ErrorFromStatus(op, resp.StatusCode, resp.Header, respBody)
	}
	return respBody, nil
}

// ErrorFromStatus classifies a non-2xx provider answer. The provider body
// stays in the wrapped HTTPError and never reaches the public message.
func ErrorFromStatus(op string, status int, header http.Header, body []byte) error {
	cause := &HTTPError{StatusCode: status, Body: body}

	var de *domain.Error
	switch {
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		de = domain.WrapError(domain.KindUnauthorized, op, "provider rejected the credentials", cause)
	case status == http.StatusTooManyRequests:
		de = domain.WrapError(domain.KindRateLimitExceeded, op, "provider rate limit exceeded", cause)
		de.RetryAfter = retryAfter(header.Get("Retry-After"), time.Minute)
	case status == http.StatusRequestTimeout || status == http.StatusGatewayTimeout:
		de = domain.WrapError(domain.KindTimeout, op, "provider timed out", cause)
	default:
		de = domain.WrapError(domain.KindConnectionFailed, op,
			fmt.Sprintf("provider request failed with status %d", status), cause)
	}
	de.StatusCode = status
	return de
}

// ErrorFromTransport classifies a failure that produced no HTTP answer.
func ErrorFromTransport(op string, err error) error {
	var de *domain.Error
	if errors.As(err, &de) {
		return err
	}
	var ne net.Error
	if errors.Is(err, context.DeadlineExceeded) || (errors.As(err, &ne) && ne.Timeout()) {
		return domain.WrapError(domain.KindTimeout, op, "provider timed out", err)
	}
	if errors.Is(err, context.Canceled) {
		return domain.WrapError(domain.KindSyncFailed, op, "request cancelled", err)
	}
	var oe *net.OpError
	if errors.As(err, &oe) {
		return domain.WrapError(domain.KindConnectionFailed, op, "provider unreachable", err)
	}
	return domain.WrapError(domain.KindSyncFailed, op, "provider request failed", err)
}

// httpErrorBody returns the provider body carried by err, if any.
func httpErrorBody(err error) (*HTTPError, bool) {
	var he *HTTPError
	if errors.As(err, &he) {
		return he, true
	}
	return nil, false
}

func retryAfter(v string, fallback time.Duration) time.Duration {
	if secs, err := strconv.Atoi(strings.TrimSpace(v)); err == nil && secs >= 0 {
		return time.Duration(secs) * time.Second
	}
	if t, err := http.ParseTime(v); err == nil {
		if d := time.Until(t); d > 0 {
			return d
		}
	}
	return fallback
}
