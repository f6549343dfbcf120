// Copyright (c) 2025 AUTHORS All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package regclient is a client for the registry web API.
package regclient

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net"
	"net/http"
	"net/url"
	"path"
	"strings"
	"time"

	"github.com/cenk/backoff"
	circuit "github.com/rubyist/circuitbreaker"
	"github.com/rs/dnscache"
	"github.com/yeetrun/crateyard/pkg/index"
	"github.com/yeetrun/crateyard/pkg/publish"
	"tailscale.com/types/logger"
)

var (
	// ErrNotFound indicates the server answered 404.
	ErrNotFound = errors.New("not found")
	// ErrServer indicates the server failed with a 5xx status.
	ErrServer = errors.New("server error")
	// ErrUnavailable indicates the circuit breaker is open after repeated
	// failures.
	ErrUnavailable = errors.New("registry unavailable")
)

// APIError is an error response from the registry.
type APIError struct {
	Status  int
	Details []string
}

func (e *APIError) Error() string {
	if len(e.Details) == 0 {
		return fmt.Sprintf("registry returned %d %s", e.Status, http.StatusText(e.Status))
	}
	return fmt.Sprintf("registry returned %d: %s", e.Status, strings.Join(e.Details, ": "))
}

func (e *APIError) Unwrap() error {
	switch {
	case e.Status == http.StatusNotFound:
		return ErrNotFound
	case e.Status >= 500:
		return ErrServer
	}
	return nil
}

// Client talks to one registry server.
type Client struct {
	base       *url.URL
	client     *http.Client
	token      string
	userAgent  string
	maxRetries uint64
	baseDelay  time.Duration
	breaker    *circuit.Breaker
	logf       logger.Logf
}

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient sets the HTTP client used for requests.
func WithHTTPClient(c *http.Client) Option {
	return func(cl *Client) { cl.client = c }
}

// WithToken sets the Authorization header sent with mutating requests.
func WithToken(token string) Option {
	return func(cl *Client) { cl.token = token }
}

// WithMaxRetries sets how often idempotent requests are retried.
func WithMaxRetries(n uint64) Option {
	return func(cl *Client) { cl.maxRetries = n }
}

// WithBaseDelay sets the initial retry delay.
func WithBaseDelay(d time.Duration) Option {
	return func(cl *Client) { cl.baseDelay = d }
}

// WithLogf sets the logger. The default is log.Printf.
func WithLogf(logf logger.Logf) Option {
	return func(cl *Client) { cl.logf = logf }
}

// New returns a client for the registry at server, e.g.
// "http://127.0.0.1:8080".
func New(server string, opts ...Option) (*Client, error) {
	u, err := url.Parse(strings.TrimSuffix(server, "/"))
	if err != nil || u.Scheme == "" || u.Host == "" {
		return nil, fmt.Errorf("invalid server URL %q", server)
	}
	c := &Client{
		base:       u,
		client:     newHTTPClient(),
		userAgent:  "crateyard",
		maxRetries: 3,
		baseDelay:  250 * time.Millisecond,
		logf:       log.Printf,
	}
	for _, o := range opts {
		o(c)
	}

	// The breaker opens after 5 consecutive failures and probes again with
	// exponential backoff.
	eb := backoff.NewExponentialBackOff()
	eb.InitialInterval = 5 * time.Second
	eb.MaxInterval = time.Minute
	eb.Reset()
	c.breaker = circuit.NewBreakerWithOptions(&circuit.Options{
		BackOff:    eb,
		ShouldTrip: circuit.ThresholdTripFunc(5),
	})
	return c, nil
}

func newHTTPClient() *http.Client {
	resolver := &dnscache.Resolver{}
	dialer := &net.Dialer{
		Timeout:   30 * time.Second,
		KeepAlive: 30 * time.Second,
	}
	return &http.Client{
		Timeout: 5 * time.Minute,
		Transport: &http.Transport{
			DialContext: func(ctx context.Context, network, addr string) (net.Conn, error) {
				host, port, err := net.SplitHostPort(addr)
				if err != nil {
					return nil, err
				}
				ips, err := resolver.LookupHost(ctx, host)
				if err != nil {
					return nil, err
				}
				var lastErr error
				for _, ip := range ips {
					conn, err := dialer.DialContext(ctx, network, net.JoinHostPort(ip, port))
					if err == nil {
						return conn, nil
					}
					lastErr = err
				}
				return nil, fmt.Errorf("failed to dial any address of %s: %w", host, lastErr)
			},
			MaxIdleConnsPerHost:   4,
			IdleConnTimeout:       90 * time.Second,
			TLSHandshakeTimeout:   10 * time.Second,
			ExpectContinueTimeout: time.Second,
		},
	}
}

func (c *Client) url(elem ...string) string {
	u := *c.base
	u.Path = path.Join(append([]string{u.Path}, elem...)...)
	return u.String()
}

type request struct {
	method string
	url    string
	body   []byte
	// idempotent requests are retried on server and transport errors.
	idempotent bool
}

// do runs req through the circuit breaker, retrying idempotent requests,
// and returns the body of a 2xx response.
func (c *Client) do(ctx context.Context, req request) ([]byte, error) {
	if !c.breaker.Ready() {
		return nil, fmt.Errorf("%w: %s", ErrUnavailable, c.base.Host)
	}
	var (
		out      []byte
		finalErr error
	)
	op := func() error {
		var err error
		out, err = c.once(ctx, req)
		switch {
		case err == nil:
			finalErr = nil
			return nil
		case retryable(err) && req.idempotent && ctx.Err() == nil:
			c.logf("regclient: %s %s: %v (retrying)", req.method, req.url, err)
			finalErr = err
			return err
		default:
			finalErr = err
			return nil
		}
	}
	var b backoff.BackOff = backoff.WithMaxRetries(c.newBackOff(), c.maxRetries)
	if !req.idempotent {
		b = &backoff.StopBackOff{}
	}
	err := c.breaker.Call(func() error {
		if err := backoff.Retry(op, backoff.WithContext(b, ctx)); err != nil {
			return err
		}
		if retryable(finalErr) {
			return finalErr
		}
		return nil
	}, 0)
	if err != nil && finalErr == nil {
		return nil, err
	}
	return out, finalErr
}

func (c *Client) newBackOff() *backoff.ExponentialBackOff {
	eb := backoff.NewExponentialBackOff()
	eb.InitialInterval = c.baseDelay
	eb.MaxInterval = 10 * c.baseDelay
	eb.MaxElapsedTime = 0
	eb.Reset()
	return eb
}

// retryable reports whether err is a server or transport failure.
func retryable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrServer) {
		return true
	}
	var ne net.Error
	return errors.As(err, &ne)
}

func (c *Client) once(ctx context.Context, req request) ([]byte, error) {
	var body io.Reader
	if req.body != nil {
		body = bytes.NewReader(req.body)
	}
	hr, err := http.NewRequestWithContext(ctx, req.method, req.url, body)
	if err != nil {
		return nil, fmt.Errorf("creating request: %w", err)
	}
	hr.Header.Set("User-Agent", c.userAgent)
	hr.Header.Set("Accept", "application/json")
	if c.token != "" && req.method != http.MethodGet {
		hr.Header.Set("Authorization", c.token)
	}
	resp, err := c.client.Do(hr)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	b, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("reading response: %w", err)
	}
	if resp.StatusCode/100 == 2 {
		return b, nil
	}
	apiErr := &APIError{Status: resp.StatusCode}
	var er struct {
		Errors []struct {
			Detail string `json:"detail"`
		} `json:"errors"`
	}
	if json.Unmarshal(b, &er) == nil {
		for _, e := range er.Errors {
			apiErr.Details = append(apiErr.Details, e.Detail)
		}
	}
	return nil, apiErr
}

// PublishResult is the server's answer to a publish.
type PublishResult struct {
	Warnings struct {
		InvalidCategories []string `json:"invalid_categories"`
		InvalidBadges     []string `json:"invalid_badges"`
		Other             []string `json:"other"`
	} `json:"warnings"`
	PURL  string `json:"purl"`
	Cksum string `json:"cksum"`
}

// Publish uploads crate with the given metadata. It is never retried.
func (c *Client) Publish(ctx context.Context, m publish.Metadata, crate []byte) (*PublishResult, error) {
	mb, err := json.Marshal(m)
	if err != nil {
		return nil, err
	}
	b, err := c.do(ctx, request{
		method: http.MethodPut,
		url:    c.url("api/v1/crates/new"),
		body:   publish.EncodeBody(mb, crate),
	})
	if err != nil {
		return nil, err
	}
	var res PublishResult
	if err := json.Unmarshal(b, &res); err != nil {
		return nil, fmt.Errorf("decoding publish response: %w", err)
	}
	return &res, nil
}

// Download returns the archive of name at version.
func (c *Client) Download(ctx context.Context, name, version string) ([]byte, error) {
	return c.do(ctx, request{
		method:     http.MethodGet,
		url:        c.url("api/v1/crates", name, version, "download"),
		idempotent: true,
	})
}

// Yank marks name at version as yanked.
func (c *Client) Yank(ctx context.Context, name, version string) (bool, error) {
	return c.yank(ctx, http.MethodDelete, "yank", name, version)
}

// Unyank clears the yanked flag of name at version.
func (c *Client) Unyank(ctx context.Context, name, version string) (bool, error) {
	return c.yank(ctx, http.MethodPut, "unyank", name, version)
}

func (c *Client) yank(ctx context.Context, method, op, name, version string) (bool, error) {
	b, err := c.do(ctx, request{
		method:     method,
		url:        c.url("api/v1/crates", name, version, op),
		idempotent: true,
	})
	if err != nil {
		return false, err
	}
	var res struct {
		OK     bool `json:"ok"`
		Yanked bool `json:"yanked"`
	}
	if err := json.Unmarshal(b, &res); err != nil {
		return false, fmt.Errorf("decoding %s response: %w", op, err)
	}
	return res.Yanked, nil
}

// Entries fetches the sparse index file of name.
func (c *Client) Entries(ctx context.Context, name string) ([]index.Entry, error) {
	p, ok := index.Path(name)
	if !ok {
		return nil, fmt.Errorf("%w: invalid package name %q", ErrNotFound, name)
	}
	b, err := c.do(ctx, request{
		method:     http.MethodGet,
		url:        c.url("index", p),
		idempotent: true,
	})
	if err != nil {
		return nil, err
	}
	return index.Parse(b)
}
