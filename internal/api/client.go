// Package api is the REST collaborator surface of the chat client.
package api

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/url"
	"strings"
	"time"

	"militext/internal/apperr"
	"militext/internal/auth"
	"militext/internal/models"

	"github.com/cenkalti/backoff/v5"
	"github.com/valyala/fasthttp"
)

const (
	defaultTimeout   = 2 * time.Minute
	defaultRetries   = 3
	defaultRetryWait = 200 * time.Millisecond
)

type Config struct {
	BaseURL   string
	Timeout   time.Duration
	Retries   int
	RetryWait time.Duration
}

// TokenSource supplies the bearer token and refreshes it after a 401.
type TokenSource interface {
	AccessToken() string
	Refresh(ctx context.Context, stale string) (auth.Credentials, error)
}

type Client struct {
	cfg    Config
	http   *fasthttp.Client
	tokens TokenSource
	log    *slog.Logger
}

// NewClient returns an unauthenticated client. Use WithTokens for the
// endpoints that need a bearer token.
func NewClient(cfg Config, log *slog.Logger) *Client {
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultTimeout
	}
	if cfg.Retries < 0 {
		cfg.Retries = 0
	} else if cfg.Retries == 0 {
		cfg.Retries = defaultRetries
	}
	if cfg.RetryWait <= 0 {
		cfg.RetryWait = defaultRetryWait
	}
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")

	return &Client{
		cfg: cfg,
		http: &fasthttp.Client{
			Name:                "militext",
			MaxIdleConnDuration: time.Minute,
		},
		log: log,
	}
}

// WithTokens returns a client sharing the connection pool that authenticates
// every call with tokens.
func (c *Client) WithTokens(tokens TokenSource) *Client {
	cp := *c
	cp.tokens = tokens
	return &cp
}

type request struct {
	method      string
	path        string
	query       url.Values
	body        []byte
	contentType string
	anonymous   bool
}

func (r request) idempotent() bool {
	return r.method == fasthttp.MethodGet
}

type response struct {
	status int
	body   []byte
}

func (c *Client) do(ctx context.Context, r request, out any) error {
	token := ""
	if c.tokens != nil && !r.anonymous {
		token = c.tokens.AccessToken()
	}

	res, err := c.send(ctx, r, token)
	if err != nil {
		return err
	}

	// One replay with the refreshed token, like the original request interceptor.
	if res.status == fasthttp.StatusUnauthorized && c.tokens != nil && !r.anonymous {
		creds, err := c.tokens.Refresh(ctx, token)
		if err != nil {
			return err
		}
		if res, err = c.send(ctx, r, creds.AccessToken); err != nil {
			return err
		}
	}
	return decode(res, out)
}

func (c *Client) send(ctx context.Context, r request, token string) (response, error) {
	var last response
	attempt := func() (response, error) {
		if err := ctx.Err(); err != nil {
			return response{}, backoff.Permanent(err)
		}
		res, err := c.roundTrip(ctx, r, token)
		if err != nil {
			return response{}, err
		}
		last = res
		if res.status >= fasthttp.StatusInternalServerError && r.idempotent() {
			return res, fmt.Errorf("%w: %s %s: status %d", apperr.ErrRequestFailed, r.method, r.path, res.status)
		}
		return res, nil
	}

	if !r.idempotent() {
		return attempt()
	}

	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = c.cfg.RetryWait
	res, err := backoff.Retry(ctx, attempt,
		backoff.WithBackOff(policy),
		backoff.WithMaxTries(uint(c.cfg.Retries+1)))
	if err != nil && last.status != 0 {
		// Out of retries on a 5xx: let decode report the server's error body.
		return last, nil
	}
	return res, err
}

func (c *Client) roundTrip(ctx context.Context, r request, token string) (response, error) {
	req := fasthttp.AcquireRequest()
	resp := fasthttp.AcquireResponse()
	defer fasthttp.ReleaseRequest(req)
	defer fasthttp.ReleaseResponse(resp)

	uri := c.cfg.BaseURL + r.path
	if len(r.query) > 0 {
		uri += "?" + r.query.Encode()
	}
	req.SetRequestURI(uri)
	req.Header.SetMethod(r.method)
	req.Header.Set(fasthttp.HeaderAccept, "application/json")
	if token != "" {
		req.Header.Set(fasthttp.HeaderAuthorization, "Bearer "+token)
	}
	if r.body != nil {
		req.Header.SetContentType(r.contentType)
		req.SetBodyRaw(r.body)
	}

	timeout := c.cfg.Timeout
	if deadline, ok := ctx.Deadline(); ok {
		if left := time.Until(deadline); left < timeout {
			timeout = left
		}
	}
	if err := c.http.DoTimeout(req, resp, timeout); err != nil {
		c.log.Debug("HTTP call failed", "method", r.method, "path", r.path, "err", err)
		return response{}, fmt.Errorf("%w: %s %s: %v", apperr.ErrRequestFailed, r.method, r.path, err)
	}
	return response{status: resp.StatusCode(), body: append([]byte(nil), resp.Body()...)}, nil
}

func decode(res response, out any) error {
	if res.status >= fasthttp.StatusBadRequest {
		var payload models.ErrorResponse
		_ = json.Unmarshal(res.body, &payload)
		if res.status == fasthttp.StatusUnauthorized {
			if payload.Code == "" {
				payload.Code = models.CodeInvalidToken
			}
			return apperr.FromCode(payload.Code, payload.Error)
		}
		if payload.Error == "" {
			payload.Error = strings.TrimSpace(string(res.body))
		}
		return fmt.Errorf("%w: status %d: %s", apperr.ErrRequestFailed, res.status, payload.Error)
	}
	if out == nil || len(res.body) == 0 {
		return nil
	}
	if err := json.Unmarshal(res.body, out); err != nil {
		return fmt.Errorf("%w: decode response: %v", apperr.ErrRequestFailed, err)
	}
	return nil
}

func jsonRequest(method, path string, payload any) (request, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return request{}, err
	}
	return request{method: method, path: path, body: body, contentType: "application/json"}, nil
}
