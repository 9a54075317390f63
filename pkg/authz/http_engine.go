package authz

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

	"github.com/sethvargo/go-retry"

	"github.com/jacksonlee411/propertyops/pkg/queryplan"
)

const maxEngineResponseBytes = 1 << 20

// HTTPEngine asks a remote decision service. Transport errors, 429 and 5xx
// responses are retried with exponential backoff until the caller's deadline
// or the retry budget runs out.
type HTTPEngine struct {
	base       *url.URL
	client     *http.Client
	maxRetries uint64
	backoff    time.Duration
}

type HTTPEngineOption func(*HTTPEngine)

func WithHTTPClient(c *http.Client) HTTPEngineOption {
	return func(e *HTTPEngine) {
		if c != nil {
			e.client = c
		}
	}
}

func WithRetries(max uint64, base time.Duration) HTTPEngineOption {
	return func(e *HTTPEngine) {
		e.maxRetries = max
		if base > 0 {
			e.backoff = base
		}
	}
}

func NewHTTPEngine(baseURL string, opts ...HTTPEngineOption) (*HTTPEngine, error) {
	u, err := url.Parse(strings.TrimRight(strings.TrimSpace(baseURL), "/"))
	if err != nil {
		return nil, err
	}
	if u.Scheme != "http" && u.Scheme != "https" || u.Host == "" {
		return nil, errors.New("authz: AUTHZ_ENGINE_URL must be an absolute http(s) url")
	}
	e := &HTTPEngine{
		base:       u,
		client:     &http.Client{},
		maxRetries: 3,
		backoff:    50 * time.Millisecond,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e, nil
}

type decideResponse struct {
	Allowed *bool  `json:"allowed"`
	Reason  string `json:"reason"`
}

func (e *HTTPEngine) Decide(ctx context.Context, req DecideRequest) (Decision, error) {
	body, err := e.post(ctx, "/v1/decide", req)
	if err != nil {
		return Decision{}, err
	}
	var out decideResponse
	if err := json.Unmarshal(body, &out); err != nil {
		return Decision{}, fmt.Errorf("authz: decode decide response: %w", err)
	}
	if out.Allowed == nil {
		return Decision{}, errors.New("authz: decide response missing allowed")
	}
	return Decision{Allowed: *out.Allowed, Reason: out.Reason}, nil
}

func (e *HTTPEngine) Plan(ctx context.Context, req PlanRequest) (queryplan.Plan, error) {
	body, err := e.post(ctx, "/v1/plan", req)
	if err != nil {
		return queryplan.AlwaysDeny(), err
	}
	p, err := queryplan.Decode(body)
	if err != nil {
		return queryplan.AlwaysDeny(), fmt.Errorf("authz: decode plan response: %w", err)
	}
	return p, nil
}

type statusError struct {
	code int
}

func (e *statusError) Error() string { return fmt.Sprintf("authz: engine responded %d", e.code) }

func (e *HTTPEngine) post(ctx context.Context, path string, payload any) ([]byte, error) {
	reqBody, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	endpoint := e.base.JoinPath(path).String()

	backoff := retry.WithMaxRetries(e.maxRetries, retry.NewExponential(e.backoff))
	return retry.DoValue(ctx, backoff, func(ctx context.Context) ([]byte, error) {
		r, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(reqBody))
		if err != nil {
			return nil, err
		}
		r.Header.Set("Content-Type", "application/json")
		r.Header.Set("Accept", "application/json")

		resp, err := e.client.Do(r)
		if err != nil {
			if ctx.Err() != nil {
				return nil, err
			}
			return nil, retry.RetryableError(err)
		}
		defer resp.Body.Close()

		body, err := io.ReadAll(io.LimitReader(resp.Body, maxEngineResponseBytes))
		if err != nil {
			return nil, retry.RetryableError(err)
		}
		switch {
		case resp.StatusCode == http.StatusOK:
			return body, nil
		case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500:
			return nil, retry.RetryableError(&statusError{code: resp.StatusCode})
		default:
			return nil, &statusError{code: resp.StatusCode}
		}
	})
}
