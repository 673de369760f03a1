package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/rotisserie/eris"

	"github.com/sells-group/diagnosis-cli/internal/diagnosis"
)

// apiClient talks to a running diagnosis server.
type apiClient struct {
	baseURL string
	http    *http.Client
}

func newAPIClient(baseURL string) *apiClient {
	return &apiClient{
		baseURL: strings.TrimRight(baseURL, "/"),
		http:    &http.Client{Timeout: 30 * time.Second},
	}
}

// statusError is a non-2xx answer from the server.
type statusError struct {
	Code int
	Msg  string
}

func (e *statusError) Error() string {
	return fmt.Sprintf("server: HTTP %d: %s", e.Code, e.Msg)
}

// retryable reports whether a poll that failed with err may succeed on a
// later attempt: transport failures (including client timeouts), 5xx, 408
// and 429.
func retryable(err error) bool {
	var se *statusError
	if errors.As(err, &se) {
		return se.Code >= 500 || se.Code == http.StatusTooManyRequests || se.Code == http.StatusRequestTimeout
	}
	var ue *url.Error
	return errors.As(err, &ue)
}

type serverError struct {
	Error  string              `json:"error"`
	Fields map[string][]string `json:"fields"`
}

func (c *apiClient) submit(ctx context.Context, req diagnosis.Request) (string, error) {
	var out struct {
		Success bool   `json:"success"`
		JobID   string `json:"jobId"`
	}
	if err := c.do(ctx, http.MethodPost, "/diagnosis", req, &out); err != nil {
		return "", err
	}
	if out.JobID == "" {
		return "", eris.New("server: response has no job id")
	}
	return out.JobID, nil
}

func (c *apiClient) poll(ctx context.Context, jobID string) (*diagnosis.PollResponse, error) {
	var out diagnosis.PollResponse
	if err := c.do(ctx, http.MethodGet, "/progress/"+url.PathEscape(jobID), nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *apiClient) do(ctx context.Context, method, path string, body, out any) error {
	var rd io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return eris.Wrap(err, "server: marshal request")
		}
		rd = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, rd)
	if err != nil {
		return eris.Wrap(err, "server: create request")
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return eris.Wrapf(err, "server: %s %s", method, path)
	}
	defer resp.Body.Close() //nolint:errcheck

	data, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return eris.Wrap(err, "server: read response")
	}

	if resp.StatusCode >= 300 {
		var se serverError
		_ = json.Unmarshal(data, &se)
		msg := se.Error
		if msg == "" {
			msg = strings.TrimSpace(string(data))
		}
		for field, problems := range se.Fields {
			msg += "\n  " + field + ": " + strings.Join(problems, "; ")
		}
		return &statusError{Code: resp.StatusCode, Msg: msg}
	}

	if err := json.Unmarshal(data, out); err != nil {
		return eris.Wrap(err, "server: decode response")
	}
	return nil
}
