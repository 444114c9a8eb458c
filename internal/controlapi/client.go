package controlapi

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/wilsonzlin/aero/proxy/lan-signaling-relay/internal/netaddr"
)

const (
	DefaultProbeTimeout   = 500 * time.Millisecond
	DefaultForwardTimeout = 3 * time.Second
	DefaultPollTimeout    = 3 * time.Second

	maxResponseBytes = 4 << 20
)

var (
	ErrBadStatus    = errors.New("controlapi: unexpected status")
	ErrNotSuccess   = errors.New("controlapi: peer reported failure")
	ErrNotDelivered = errors.New("controlapi: peer did not deliver envelope")
)

type ClientConfig struct {
	ProbeTimeout   time.Duration
	ForwardTimeout time.Duration
	PollTimeout    time.Duration

	// HTTPClient defaults to a client with keep-alives disabled; probes hit
	// hundreds of distinct hosts once and idle connections would pile up.
	HTTPClient *http.Client
}

// Client calls another relay's control plane. Every call is bounded by its
// configured timeout in addition to ctx.
type Client struct {
	cfg  ClientConfig
	http *http.Client
}

func NewClient(cfg ClientConfig) *Client {
	if cfg.ProbeTimeout <= 0 {
		cfg.ProbeTimeout = DefaultProbeTimeout
	}
	if cfg.ForwardTimeout <= 0 {
		cfg.ForwardTimeout = DefaultForwardTimeout
	}
	if cfg.PollTimeout <= 0 {
		cfg.PollTimeout = DefaultPollTimeout
	}
	hc := cfg.HTTPClient
	if hc == nil {
		hc = &http.Client{
			Transport: &http.Transport{
				Proxy:             nil,
				DisableKeepAlives: true,
			},
		}
	}
	return &Client{cfg: cfg, http: hc}
}

// Health issues GET /health against target:port.
func (c *Client) Health(ctx context.Context, target netaddr.Addr, port int) (HealthResponse, error) {
	ctx, cancel := context.WithTimeout(ctx, c.cfg.ProbeTimeout)
	defer cancel()

	var out HealthResponse
	if err := c.do(ctx, http.MethodGet, baseURL(target, port, PathHealth, nil), nil, &out); err != nil {
		return HealthResponse{}, err
	}
	if !out.Success {
		return HealthResponse{}, ErrNotSuccess
	}
	return out, nil
}

// Forward posts envelope to target's /forward. It returns nil only when the
// peer reports the envelope as delivered to one of its local sessions.
func (c *Client) Forward(ctx context.Context, target netaddr.Addr, port int, envelope any) error {
	ctx, cancel := context.WithTimeout(ctx, c.cfg.ForwardTimeout)
	defer cancel()

	body, err := json.Marshal(envelope)
	if err != nil {
		return fmt.Errorf("controlapi: encode envelope: %w", err)
	}

	var out ForwardResponse
	if err := c.do(ctx, http.MethodPost, baseURL(target, port, PathForward, nil), body, &out); err != nil {
		return err
	}
	if !out.Success {
		return ErrNotSuccess
	}
	if !out.Delivered {
		return ErrNotDelivered
	}
	return nil
}

// Poll drains the envelopes target holds for address.
func (c *Client) Poll(ctx context.Context, target netaddr.Addr, port int, address netaddr.Addr) ([]json.RawMessage, error) {
	ctx, cancel := context.WithTimeout(ctx, c.cfg.PollTimeout)
	defer cancel()

	q := url.Values{}
	q.Set("address", address.String())

	var out PollResponse
	if err := c.do(ctx, http.MethodGet, baseURL(target, port, PathPoll, q), nil, &out); err != nil {
		return nil, err
	}
	if !out.Success {
		return nil, ErrNotSuccess
	}
	return out.Messages, nil
}

func baseURL(target netaddr.Addr, port int, path string, q url.Values) string {
	u := url.URL{
		Scheme: "http",
		Host:   target.HostPort(port),
		Path:   path,
	}
	if q != nil {
		u.RawQuery = q.Encode()
	}
	return u.String()
}

func (c *Client) do(ctx context.Context, method, rawURL string, body []byte, out any) error {
	var rd io.Reader
	if body != nil {
		rd = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, rawURL, rd)
	if err != nil {
		return fmt.Errorf("controlapi: build request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("controlapi: %s %s: %w", method, rawURL, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, maxResponseBytes))
		return fmt.Errorf("%w: %s %s: %d", ErrBadStatus, method, rawURL, resp.StatusCode)
	}
	if err := json.NewDecoder(io.LimitReader(resp.Body, maxResponseBytes)).Decode(out); err != nil {
		return fmt.Errorf("controlapi: decode %s response: %w", rawURL, err)
	}
	return nil
}
