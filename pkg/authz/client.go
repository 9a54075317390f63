package authz

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/jacksonlee411/propertyops/pkg/queryplan"
)

const DefaultEngineTimeout = 2 * time.Second

// EngineTimeoutFromEnv reads AUTHZ_ENGINE_TIMEOUT as a Go duration.
func EngineTimeoutFromEnv() (time.Duration, error) {
	raw := strings.TrimSpace(os.Getenv("AUTHZ_ENGINE_TIMEOUT"))
	if raw == "" {
		return DefaultEngineTimeout, nil
	}
	d, err := time.ParseDuration(raw)
	if err != nil || d <= 0 {
		return 0, errors.New("authz: invalid AUTHZ_ENGINE_TIMEOUT")
	}
	return d, nil
}

// Client is the stateless, shared front of an Engine. It bounds every call
// and fails closed.
type Client struct {
	engine  Engine
	timeout time.Duration
	logger  *slog.Logger
}

type ClientOption func(*Client)

func WithTimeout(d time.Duration) ClientOption {
	return func(c *Client) {
		if d > 0 {
			c.timeout = d
		}
	}
}

func WithLogger(logger *slog.Logger) ClientOption {
	return func(c *Client) {
		if logger != nil {
			c.logger = logger
		}
	}
}

func NewClient(engine Engine, opts ...ClientOption) *Client {
	c := &Client{engine: engine, timeout: DefaultEngineTimeout, logger: slog.Default()}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

type callResult[T any] struct {
	v   T
	err error
}

// bounded runs fn with the client timeout and returns as soon as the
// deadline passes even if the engine ignores its context.
func bounded[T any](ctx context.Context, timeout time.Duration, fn func(context.Context) (T, error)) (T, error) {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	ch := make(chan callResult[T], 1)
	go func() {
		v, err := fn(ctx)
		ch <- callResult[T]{v: v, err: err}
	}()
	select {
	case r := <-ch:
		return r.v, r.err
	case <-ctx.Done():
		var zero T
		return zero, ctx.Err()
	}
}

// Decide returns the engine's decision. Any engine failure yields
// Decision{Allowed: false} together with an *UnavailableError.
func (c *Client) Decide(ctx context.Context, req DecideRequest) (Decision, error) {
	if c == nil || c.engine == nil {
		return Decision{}, &UnavailableError{Op: "decide", Err: errors.New("no engine configured")}
	}
	d, err := bounded(ctx, c.timeout, func(ctx context.Context) (Decision, error) {
		return c.engine.Decide(ctx, req)
	})
	if err != nil {
		c.logUnavailable("decide", err, req.Principal, req.Resource.Kind, req.Action)
		return Decision{}, &UnavailableError{Op: "decide", Err: err}
	}
	return d, nil
}

// Authorize returns nil when allowed, *DeniedError when denied and
// *UnavailableError when no decision could be obtained.
func (c *Client) Authorize(ctx context.Context, req DecideRequest) error {
	d, err := c.Decide(ctx, req)
	if err != nil {
		return err
	}
	if d.Allowed {
		return nil
	}
	c.logger.Info("authorization denied",
		"event", "authz_denied",
		"subject_id", req.Principal.SubjectID(),
		"tenant_id", req.Principal.ActiveTenant(),
		"kind", req.Resource.Kind,
		"resource_id", req.Resource.ID,
		"action", req.Action,
		"reason", d.Reason,
	)
	return &DeniedError{Action: req.Action, Kind: req.Resource.Kind, ID: req.Resource.ID, Reason: d.Reason}
}

// Plan returns a validated plan. Failures and invalid plans yield AlwaysDeny
// together with an *UnavailableError.
func (c *Client) Plan(ctx context.Context, req PlanRequest) (queryplan.Plan, error) {
	if c == nil || c.engine == nil {
		return queryplan.AlwaysDeny(), &UnavailableError{Op: "plan", Err: errors.New("no engine configured")}
	}
	p, err := bounded(ctx, c.timeout, func(ctx context.Context) (queryplan.Plan, error) {
		return c.engine.Plan(ctx, req)
	})
	if err == nil {
		if verr := p.Validate(); verr != nil {
			err = fmt.Errorf("engine returned invalid plan: %w", verr)
		}
	}
	if err != nil {
		c.logUnavailable("plan", err, req.Principal, req.Kind, req.Action)
		return queryplan.AlwaysDeny(), &UnavailableError{Op: "plan", Err: err}
	}
	return p, nil
}

func (c *Client) logUnavailable(op string, err error, p Principal, kind, action string) {
	c.logger.Error("policy engine unavailable",
		"event", "authz_unavailable",
		"op", op,
		"subject_id", p.SubjectID(),
		"tenant_id", p.ActiveTenant(),
		"kind", kind,
		"action", action,
		"error", err.Error(),
	)
}
