// Package duoplus is a client for the DuoPlus cloud-phone API. Every call
// is a JSON POST authenticated with the DuoPlus-API-Key header; the API
// reports success in the body's code field, not the HTTP status.
package duoplus

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"golang.org/x/time/rate"
)

const (
	DefaultBaseURL = "https://openapi.duoplus.net"

	commandPath = "/api/v1/cloudPhone/command"
	// bindProxyPath assigns one of the account's provider proxies to a
	// device.
	bindProxyPath = "/api/v1/cloudPhone/proxy"

	codeOK = 200
)

var ErrNoAPIKey = errors.New("duoplus: api key required")

// APIError is a response whose code is not 200.
type APIError struct {
	Code    int
	Message string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("duoplus: code %d: %s", e.Code, e.Message)
}

type Options struct {
	BaseURL string
	APIKey  string
	Timeout time.Duration
	// RequestsPerSecond throttles calls to the API. Zero means 5.
	RequestsPerSecond float64
	HTTPClient        *http.Client
}

type Client struct {
	baseURL string
	apiKey  string
	http    *http.Client
	limiter *rate.Limiter
}

func New(opts Options) (*Client, error) {
	if opts.APIKey == "" {
		return nil, ErrNoAPIKey
	}
	if opts.BaseURL == "" {
		opts.BaseURL = DefaultBaseURL
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 30 * time.Second
	}
	if opts.RequestsPerSecond <= 0 {
		opts.RequestsPerSecond = 5
	}
	hc := opts.HTTPClient
	if hc == nil {
		hc = &http.Client{Timeout: opts.Timeout}
	}
	return &Client{
		baseURL: strings.TrimRight(opts.BaseURL, "/"),
		apiKey:  opts.APIKey,
		http:    hc,
		limiter: rate.NewLimiter(rate.Limit(opts.RequestsPerSecond), 1),
	}, nil
}

// Result is the decoded outcome of a device command.
type Result struct {
	Success bool   `json:"success"`
	Content string `json:"content"`
}

type envelope struct {
	Code    int             `json:"code"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data"`
}

// Command runs a shell command on the device. The error is non-nil when the
// call failed or the API answered with a non-200 code; Result.Success is
// the device-side outcome.
func (c *Client) Command(ctx context.Context, deviceID, command string) (Result, error) {
	var res Result
	err := c.post(ctx, commandPath, map[string]string{
		"image_id": deviceID,
		"command":  command,
	}, &res)
	return res, err
}

func (c *Client) BindProxy(ctx context.Context, deviceID, proxyID string) error {
	return c.post(ctx, bindProxyPath, map[string]string{
		"image_id": deviceID,
		"proxy_id": proxyID,
	}, nil)
}

func (c *Client) post(ctx context.Context, path string, body any, out any) error {
	if err := c.limiter.Wait(ctx); err != nil {
		return err
	}
	payload, err := json.Marshal(body)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(payload))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("DuoPlus-API-Key", c.apiKey)

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("duoplus %s: %w", path, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 8<<20))
	if err != nil {
		return fmt.Errorf("duoplus %s: read body: %w", path, err)
	}
	var env envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return fmt.Errorf("duoplus %s: http %d: decode: %w", path, resp.StatusCode, err)
	}
	if env.Code != codeOK {
		return &APIError{Code: env.Code, Message: env.Message}
	}
	if out != nil && len(env.Data) > 0 && string(env.Data) != "null" {
		if err := json.Unmarshal(env.Data, out); err != nil {
			return fmt.Errorf("duoplus %s: decode data: %w", path, err)
		}
	}
	return nil
}
