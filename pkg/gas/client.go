// Package gas is the client for the diagnosis processing endpoint, a Google
// Apps Script web app that runs the multi-step analysis. The endpoint is slow
// (minutes), answers POSTs with a redirect chain, and sheds load with 5xx.
// The client absorbs those quirks and issues exactly one upstream request per
// call; retrying is the caller's job.
package gas

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

const (
	defaultTimeout       = 12 * time.Minute
	defaultMaxRedirects  = 5
	defaultUserAgent     = "diagnosis-cli/1.0"
	defaultTimeoutETA    = 5 * time.Minute
	defaultOverloadETA   = 2 * time.Minute
	timeoutJobIDPrefix   = "TIMEOUT-"
	overloadJobIDPrefix  = "RETRY-"
	maxErrorBodyExcerpt  = 512
	actionSubmit         = "submitDiagnosis"
	actionStatus         = "getProgress"
	actionRecord         = "recordSubmission"
	contentTypeJSON      = "application/json"
	headerOrigin         = "Origin"
	headerUserAgent      = "User-Agent"
	headerContentType    = "Content-Type"
	headerAccept         = "Accept"
	headerCorrelationID  = "X-Correlation-ID"
	degradedTimeoutMsg   = "분석이 진행 중입니다. 잠시 후 다시 확인해 주세요"
	degradedOverloadMsg  = "처리 서버가 혼잡합니다. 잠시 후 다시 확인해 주세요"
	remoteFailureMessage = "remote reported failure"
)

// ErrTooManyRedirects is returned when the endpoint redirects more than the
// configured bound.
var ErrTooManyRedirects = eris.New("gas: too many redirects")

// Client performs handoff and status calls against the processing endpoint.
type Client interface {
	Submit(ctx context.Context, req SubmitRequest) (*Response, error)
	Status(ctx context.Context, jobID string) (*Response, error)
	Record(ctx context.Context, rec Record) error
}

// SubmitRequest is the diagnosis payload handed to the endpoint.
type SubmitRequest struct {
	JobID   string         `json:"jobId"`
	Company string         `json:"companyName"`
	Contact string         `json:"contactName"`
	Email   string         `json:"email"`
	Phone   string         `json:"phone"`
	Answers map[string]any `json:"answers,omitempty"`
}

// Record is one submission row for the sheet behind the endpoint.
type Record struct {
	JobID       string    `json:"jobId"`
	Company     string    `json:"companyName"`
	Email       string    `json:"email"`
	Phone       string    `json:"phone"`
	Risk        string    `json:"risk"`
	SubmittedAt time.Time `json:"submittedAt"`
}

// Response is the normalized result of one upstream call. Degraded responses
// report Success=true because the remote job may still be running.
type Response struct {
	Success                bool            `json:"success"`
	Message                string          `json:"message"`
	JobID                  string          `json:"jobId"`
	IsDegraded             bool            `json:"isDegraded"`
	EstimatedTimeRemaining time.Duration   `json:"estimatedTimeRemaining,omitempty"`
	RawPayload             json.RawMessage `json:"rawPayload,omitempty"`
	StatusCode             int             `json:"statusCode,omitempty"`
}

// APIError is returned when the endpoint answers with a non-5xx error status.
type APIError struct {
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("gas: HTTP %d: %s", e.StatusCode, e.Body)
}

// envelope is the body shape the endpoint replies with.
type envelope struct {
	Success bool   `json:"success"`
	Message string `json:"message"`
	JobID   string `json:"jobId"`
	Error   string `json:"error"`
}

// Option configures the httpClient.
type Option func(*httpClient)

// WithHTTPClient sets a custom *http.Client. Its CheckRedirect is replaced
// with the bounded redirect policy.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *httpClient) {
		c.http = hc
	}
}

// WithTimeout overrides the single-attempt ceiling.
func WithTimeout(d time.Duration) Option {
	return func(c *httpClient) {
		c.timeout = d
	}
}

// WithMaxRedirects overrides the redirect bound.
func WithMaxRedirects(n int) Option {
	return func(c *httpClient) {
		c.maxRedirects = n
	}
}

// WithUserAgent sets the User-Agent header.
func WithUserAgent(ua string) Option {
	return func(c *httpClient) {
		c.userAgent = ua
	}
}

// WithOrigin sets the Origin header.
func WithOrigin(origin string) Option {
	return func(c *httpClient) {
		c.origin = origin
	}
}

// WithRateLimiter paces upstream requests. The limiter delays a request; it
// never drops one.
func WithRateLimiter(l *rate.Limiter) Option {
	return func(c *httpClient) {
		c.limiter = l
	}
}

// WithClock overrides time.Now for synthetic job ids.
func WithClock(now func() time.Time) Option {
	return func(c *httpClient) {
		c.now = now
	}
}

// httpClient implements Client using net/http.
type httpClient struct {
	url          string
	timeout      time.Duration
	maxRedirects int
	userAgent    string
	origin       string
	limiter      *rate.Limiter
	http         *http.Client
	now          func() time.Time
}

// NewClient creates a client for the endpoint at url.
func NewClient(url string, opts ...Option) Client {
	c := &httpClient{
		url:          url,
		timeout:      defaultTimeout,
		maxRedirects: defaultMaxRedirects,
		userAgent:    defaultUserAgent,
		http: &http.Client{
			Transport: &http.Transport{
				MaxIdleConnsPerHost: 10,
				IdleConnTimeout:     90 * time.Second,
			},
		},
		now: time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	// The per-call context carries the ceiling; a client-level Timeout would
	// surface as a different error type and skip the timeout branch.
	c.http.Timeout = 0
	c.http.CheckRedirect = c.checkRedirect
	return c
}

func (c *httpClient) checkRedirect(req *http.Request, via []*http.Request) error {
	if len(via) > c.maxRedirects {
		return eris.Wrapf(ErrTooManyRedirects, "stopped after %d redirects at %s", c.maxRedirects, req.URL.Host)
	}
	c.setHeaders(req, "")
	return nil
}

func (c *httpClient) Submit(ctx context.Context, req SubmitRequest) (*Response, error) {
	body := struct {
		Action string `json:"action"`
		SubmitRequest
	}{Action: actionSubmit, SubmitRequest: req}

	resp, err := c.call(ctx, req.JobID, body)
	if err != nil {
		return nil, eris.Wrapf(err, "gas: submit %s", req.JobID)
	}
	return resp, nil
}

func (c *httpClient) Status(ctx context.Context, jobID string) (*Response, error) {
	body := struct {
		Action string `json:"action"`
		JobID  string `json:"jobId"`
	}{Action: actionStatus, JobID: jobID}

	resp, err := c.call(ctx, jobID, body)
	if err != nil {
		return nil, eris.Wrapf(err, "gas: status %s", jobID)
	}
	return resp, nil
}

func (c *httpClient) Record(ctx context.Context, rec Record) error {
	body := struct {
		Action string `json:"action"`
		Record
	}{Action: actionRecord, Record: rec}

	resp, err := c.call(ctx, rec.JobID, body)
	if err != nil {
		return eris.Wrapf(err, "gas: record %s", rec.JobID)
	}
	if resp.IsDegraded {
		zap.L().Warn("gas: record accepted in degraded mode", zap.String("job_id", rec.JobID))
	}
	return nil
}

// call issues exactly one POST and classifies the outcome.
func (c *httpClient) call(ctx context.Context, jobID string, body any) (*Response, error) {
	buf, err := json.Marshal(body)
	if err != nil {
		return nil, eris.Wrap(err, "marshal request")
	}

	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	if c.limiter != nil {
		if err := c.limiter.Wait(ctx); err != nil {
			return nil, eris.Wrap(err, "rate limit wait")
		}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, bytes.NewReader(buf))
	if err != nil {
		return nil, eris.Wrap(err, "create request")
	}
	c.setHeaders(req, jobID)
	req.Header.Set(headerContentType, contentTypeJSON)

	resp, err := c.http.Do(req)
	if err != nil {
		if errors.Is(err, ErrTooManyRedirects) {
			return nil, err
		}
		if isTimeout(ctx, err) {
			return c.timeoutResponse(jobID), nil
		}
		return nil, eris.Wrap(err, "execute request")
	}
	defer resp.Body.Close() //nolint:errcheck

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		if isTimeout(ctx, err) {
			return c.timeoutResponse(jobID), nil
		}
		return nil, eris.Wrap(err, "read response body")
	}

	switch {
	case resp.StatusCode >= 500:
		return c.overloadResponse(jobID, resp.StatusCode), nil
	case resp.StatusCode >= 300:
		// 3xx that reached us was not followable (no Location).
		return nil, &APIError{StatusCode: resp.StatusCode, Body: excerpt(data)}
	case resp.StatusCode < 200:
		return nil, &APIError{StatusCode: resp.StatusCode, Body: excerpt(data)}
	}

	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, eris.Wrap(err, "decode response")
	}
	if !env.Success {
		msg := env.Message
		if msg == "" {
			msg = env.Error
		}
		if msg == "" {
			msg = remoteFailureMessage
		}
		return nil, eris.Errorf("remote failure: %s", msg)
	}

	if env.JobID == "" {
		env.JobID = jobID
	}
	return &Response{
		Success:    true,
		Message:    env.Message,
		JobID:      env.JobID,
		RawPayload: json.RawMessage(data),
		StatusCode: resp.StatusCode,
	}, nil
}

// timeoutResponse is the optimistic branch: a timeout cannot tell a dead job
// from a slow one, and the remote job keeps running after the socket gives
// up, so the caller is told to check back later instead of failing.
func (c *httpClient) timeoutResponse(jobID string) *Response {
	synthetic := fmt.Sprintf("%s%d", timeoutJobIDPrefix, c.now().UnixMilli())
	zap.L().Warn("gas: request timed out, reporting degraded success",
		zap.String("job_id", jobID),
		zap.String("synthetic_job_id", synthetic),
		zap.Duration("ceiling", c.timeout),
	)
	return &Response{
		Success:                true,
		Message:                degradedTimeoutMsg,
		JobID:                  synthetic,
		IsDegraded:             true,
		EstimatedTimeRemaining: defaultTimeoutETA,
	}
}

// overloadResponse converts a 5xx into a degraded success.
func (c *httpClient) overloadResponse(jobID string, status int) *Response {
	zap.L().Warn("gas: endpoint overloaded, reporting degraded success",
		zap.String("job_id", jobID),
		zap.Int("status", status),
	)
	return &Response{
		Success:                true,
		Message:                degradedOverloadMsg,
		JobID:                  fmt.Sprintf("%s%d", overloadJobIDPrefix, c.now().UnixMilli()),
		IsDegraded:             true,
		EstimatedTimeRemaining: defaultOverloadETA,
		StatusCode:             status,
	}
}

func (c *httpClient) setHeaders(req *http.Request, jobID string) {
	req.Header.Set(headerUserAgent, c.userAgent)
	req.Header.Set(headerAccept, contentTypeJSON)
	if c.origin != "" {
		req.Header.Set(headerOrigin, c.origin)
	}
	if jobID != "" {
		req.Header.Set(headerCorrelationID, jobID)
	}
}

func isTimeout(ctx context.Context, err error) bool {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}

func excerpt(data []byte) string {
	if len(data) > maxErrorBodyExcerpt {
		return string(data[:maxErrorBodyExcerpt])
	}
	return string(data)
}
