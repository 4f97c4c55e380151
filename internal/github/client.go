// Package github talks to the GitHub REST API on behalf of a user supplied
// token, to check it before an analysis is started.
package github

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"mime"
	"net/http"
	"net/url"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/CZERTAINLY/RepoStats/internal/model"
)

const (
	publicAPI   = "https://api.github.com"
	enterprise  = "/api/v3"
	contentType = "application/json"
)

var tracer = otel.Tracer("github.com/CZERTAINLY/RepoStats/internal/github")

var (
	ErrInvalidToken = errors.New("invalid token")
	ErrAccessDenied = errors.New("access denied")
)

type Client struct {
	baseURL *url.URL
	client  *http.Client
}

type Option func(*Client)

// WithHTTPClient replaces the default client with a 10s timeout.
func WithHTTPClient(c *http.Client) Option {
	return func(cl *Client) { cl.client = c }
}

// WithBaseURL overrides the API location derived from the hostname.
func WithBaseURL(raw string) Option {
	return func(cl *Client) {
		if u, err := parseBase(raw); err == nil {
			cl.baseURL = u
		}
	}
}

// New returns a client for hostname. github.com uses api.github.com,
// any other host is treated as GitHub Enterprise Server.
func New(hostname string, opts ...Option) (*Client, error) {
	base, err := APIURL(hostname)
	if err != nil {
		return nil, err
	}
	u, err := parseBase(base)
	if err != nil {
		return nil, err
	}
	c := &Client{
		baseURL: u,
		client:  &http.Client{Timeout: 10 * time.Second},
	}
	for _, o := range opts {
		o(c)
	}
	return c, nil
}

// APIURL returns the REST API root for hostname.
func APIURL(hostname string) (string, error) {
	hostname = strings.TrimSpace(hostname)
	if hostname == "" || hostname == model.DefaultHostname {
		return publicAPI, nil
	}
	if strings.ContainsAny(hostname, "/?#@ ") {
		return "", fmt.Errorf("invalid hostname %q", hostname)
	}
	return "https://" + hostname + enterprise, nil
}

func parseBase(raw string) (*url.URL, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return nil, err
	}
	if u.Scheme == "" || u.Host == "" {
		return nil, errors.New("please define the api url with a scheme, e.g. `https://api.github.com`")
	}
	u.Path = strings.TrimRight(u.Path, "/")
	return u, nil
}

// User is the authenticated account.
type User struct {
	Login string `json:"login"`
	Name  string `json:"name,omitempty"`
	Type  string `json:"type,omitempty"`
}

// User returns the owner of token.
func (c *Client) User(ctx context.Context, token model.Secret) (User, error) {
	var u User
	if err := c.get(ctx, "user", token, &u); err != nil {
		return User{}, err
	}
	return u, nil
}

type Rate struct {
	Limit     int   `json:"limit"`
	Remaining int   `json:"remaining"`
	Reset     int64 `json:"reset"`
	Used      int   `json:"used"`
}

type RateLimit struct {
	Core    Rate `json:"core"`
	GraphQL Rate `json:"graphql"`
}

// RateLimit returns the core and graphql budgets of token.
func (c *Client) RateLimit(ctx context.Context, token model.Secret) (RateLimit, error) {
	var resp struct {
		Resources RateLimit `json:"resources"`
	}
	if err := c.get(ctx, "rate_limit", token, &resp); err != nil {
		return RateLimit{}, err
	}
	return resp.Resources, nil
}

func (c *Client) get(ctx context.Context, path string, token model.Secret, out any) (err error) {
	u := c.baseURL.JoinPath(path)
	ctx, span := tracer.Start(ctx, "github.get "+path,
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(
			attribute.String("server.address", u.Host),
			attribute.String("url.path", u.Path),
		))
	defer func() {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, "github api call failed")
		}
		span.End()
	}()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "application/vnd.github+json")
	req.Header.Set("X-GitHub-Api-Version", "2022-11-28")
	if token != "" {
		req.Header.Set("Authorization", "token "+token.Reveal())
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("calling %s: %w", u.Redacted(), err)
	}
	defer func() {
		_ = resp.Body.Close()
	}()
	span.SetAttributes(attribute.Int("http.response.status_code", resp.StatusCode))
	slog.DebugContext(ctx, "github api called", "path", path, "status", resp.StatusCode)
	return decode(resp, out)
}

func decode(resp *http.Response, out any) error {
	switch resp.StatusCode {
	case http.StatusOK:
	case http.StatusUnauthorized:
		return ErrInvalidToken
	case http.StatusForbidden:
		return fmt.Errorf("%w: %s", ErrAccessDenied, message(resp))
	default:
		return fmt.Errorf("status code: %d, detail: %s", resp.StatusCode, message(resp))
	}

	ct, _, err := mime.ParseMediaType(resp.Header.Get("Content-Type"))
	if err != nil {
		return fmt.Errorf("failed to parse response content type header: %w", err)
	}
	if ct != contentType {
		return fmt.Errorf("expected `%s` content type, got: %s", contentType, ct)
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decoding json response failed: %w", err)
	}
	return nil
}

// message extracts the GitHub error message of a failed call.
func message(resp *http.Response) string {
	var body struct {
		Message string `json:"message"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil || body.Message == "" {
		return http.StatusText(resp.StatusCode)
	}
	return body.Message
}

// Checker creates a Client per request hostname. A non-empty APIURL is
// used for every hostname.
type Checker struct {
	APIURL     string
	HTTPClient *http.Client
}

func (c Checker) client(hostname string) (*Client, error) {
	var opts []Option
	if c.APIURL != "" {
		opts = append(opts, WithBaseURL(c.APIURL))
	}
	if c.HTTPClient != nil {
		opts = append(opts, WithHTTPClient(c.HTTPClient))
	}
	return New(hostname, opts...)
}

// ValidateToken returns the owner of token on hostname.
func (c Checker) ValidateToken(ctx context.Context, token model.Secret, hostname string) (User, error) {
	cl, err := c.client(hostname)
	if err != nil {
		return User{}, err
	}
	return cl.User(ctx, token)
}

func (c Checker) RateLimit(ctx context.Context, token model.Secret, hostname string) (RateLimit, error) {
	cl, err := c.client(hostname)
	if err != nil {
		return RateLimit{}, err
	}
	return cl.RateLimit(ctx, token)
}
