package cloud

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/nerrad567/gray-logic-tuya/internal/bridges/tuya"
)

const (
	defaultTimeout = 10 * time.Second

	// pageSize is the largest page the device listing accepts.
	pageSize = 100

	// maxPages bounds a listing whose cursor never ends.
	maxPages = 50

	// maxResponseSize caps a response body.
	maxResponseSize = 4 << 20
)

// Logger is the structured logger used by this package.
type Logger interface {
	Debug(msg string, keysAndValues ...any)
	Warn(msg string, keysAndValues ...any)
}

// Config holds the relay endpoint and credentials.
type Config struct {
	BaseURL     string
	ClientID    string
	AccessToken string //nolint:gosec // G117: relay credential from config
	Region      string
	Timeout     time.Duration
}

// Client implements tuya.CloudClient over HTTP.
//
// Thread Safety: All methods are safe for concurrent use.
type Client struct {
	base   *url.URL
	cfg    Config
	http   *http.Client
	logger Logger
	mu     sync.RWMutex
}

var _ tuya.CloudClient = (*Client)(nil)

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient replaces the default HTTP client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.http = hc }
}

// WithLogger sets the logger.
func WithLogger(l Logger) Option {
	return func(c *Client) { c.logger = l }
}

// New validates cfg and builds a client.
func New(cfg Config, opts ...Option) (*Client, error) {
	if cfg.BaseURL == "" {
		return nil, fmt.Errorf("cloud: base URL is required")
	}
	base, err := url.Parse(strings.TrimRight(cfg.BaseURL, "/"))
	if err != nil {
		return nil, fmt.Errorf("cloud: parsing base URL: %w", err)
	}
	if base.Scheme != "http" && base.Scheme != "https" {
		return nil, fmt.Errorf("cloud: base URL must be http or https, got %q", cfg.BaseURL)
	}
	if cfg.ClientID == "" || cfg.AccessToken == "" {
		return nil, fmt.Errorf("cloud: client id and access token are required")
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultTimeout
	}

	c := &Client{
		base: base,
		cfg:  cfg,
		http: &http.Client{Timeout: cfg.Timeout},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// SetLogger sets the logger after construction.
func (c *Client) SetLogger(l Logger) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.logger = l
}

func (c *Client) getLogger() Logger {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.logger
}

// envelope is the vendor response wrapper.
type envelope struct {
	Success bool            `json:"success"`
	Result  json.RawMessage `json:"result"`
	Code    json.Number     `json:"code"`
	Msg     string          `json:"msg"`
}

// get performs one GET and decodes the envelope's result into out.
func (c *Client) get(ctx context.Context, op, path string, query url.Values, out any) error {
	u := *c.base
	u.Path = c.base.Path + path
	u.RawQuery = query.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return &tuya.CloudError{Op: op, Err: err}
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("client_id", c.cfg.ClientID)
	req.Header.Set("Authorization", "Bearer "+c.cfg.AccessToken)
	if c.cfg.Region != "" {
		req.Header.Set("X-Tuya-Region", c.cfg.Region)
	}

	start := time.Now()
	resp, err := c.http.Do(req)
	if err != nil {
		return &tuya.CloudError{Op: op, Err: err}
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseSize))
	if err != nil {
		return &tuya.CloudError{Op: op, Err: fmt.Errorf("reading response: %w", err)}
	}
	if l := c.getLogger(); l != nil {
		l.Debug("cloud request", "op", op, "status", resp.StatusCode, "duration_ms", time.Since(start).Milliseconds())
	}

	var env envelope
	decodeErr := json.Unmarshal(body, &env)

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		cerr := &tuya.CloudError{Op: op, Code: resp.StatusCode, Message: http.StatusText(resp.StatusCode)}
		if decodeErr == nil && env.Msg != "" {
			cerr.Message = env.Msg
		}
		return cerr
	}
	if decodeErr != nil {
		return &tuya.CloudError{Op: op, Err: fmt.Errorf("decoding response: %w", decodeErr)}
	}
	if !env.Success {
		code, _ := env.Code.Int64()
		return &tuya.CloudError{Op: op, Code: int(code), Message: env.Msg}
	}
	if out == nil {
		return nil
	}
	if err := json.Unmarshal(env.Result, out); err != nil {
		return &tuya.CloudError{Op: op, Err: fmt.Errorf("decoding result: %w", err)}
	}
	return nil
}

func devicePath(deviceID string, suffix string) string {
	return "/v1.0/devices/" + url.PathEscape(deviceID) + suffix
}

// DeviceSpecification returns the instruction set and status set of a device.
func (c *Client) DeviceSpecification(ctx context.Context, deviceID string) (tuya.RawSpecification, error) {
	var spec tuya.RawSpecification
	err := c.get(ctx, "specifications", devicePath(deviceID, "/specifications"), nil, &spec)
	return spec, err
}

// DeviceInfo returns the device details as reported by the cloud.
func (c *Client) DeviceInfo(ctx context.Context, deviceID string) (map[string]any, error) {
	var info map[string]any
	if err := c.get(ctx, "device", devicePath(deviceID, ""), nil, &info); err != nil {
		return nil, err
	}
	if info == nil {
		info = map[string]any{}
	}
	return info, nil
}

// FunctionDescriptions maps function codes to their human descriptions.
func (c *Client) FunctionDescriptions(ctx context.Context, deviceID string) (map[string]string, error) {
	var result struct {
		Functions []struct {
			Code string `json:"code"`
			Desc string `json:"desc"`
		} `json:"functions"`
	}
	if err := c.get(ctx, "functions", devicePath(deviceID, "/functions"), nil, &result); err != nil {
		return nil, err
	}

	out := make(map[string]string, len(result.Functions))
	for _, f := range result.Functions {
		if f.Code != "" {
			out[f.Code] = f.Desc
		}
	}
	return out, nil
}

// ListDevices pages through every device of the account. Without verbose
// only the fields needed to create a device are kept.
func (c *Client) ListDevices(ctx context.Context, verbose bool) ([]tuya.DeviceSummary, error) {
	var out []tuya.DeviceSummary
	cursor := ""

	for page := 0; page < maxPages; page++ {
		q := url.Values{}
		q.Set("size", strconv.Itoa(pageSize))
		if cursor != "" {
			q.Set("last_row_key", cursor)
		}

		var result struct {
			Devices    []tuya.DeviceSummary `json:"devices"`
			HasMore    bool                 `json:"has_more"`
			LastRowKey string               `json:"last_row_key"`
		}
		if err := c.get(ctx, "devices", "/v1.0/iot-01/associated-users/devices", q, &result); err != nil {
			return nil, err
		}

		for _, d := range result.Devices {
			if !verbose {
				d = tuya.DeviceSummary{ID: d.ID, Name: d.Name, LocalKey: d.LocalKey, ProductID: d.ProductID}
			}
			out = append(out, d)
		}

		if !result.HasMore || result.LastRowKey == "" || result.LastRowKey == cursor {
			return out, nil
		}
		cursor = result.LastRowKey
	}

	if l := c.getLogger(); l != nil {
		l.Warn("device listing truncated", "pages", maxPages, "devices", len(out))
	}
	return out, nil
}
