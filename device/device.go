// Package device is a passthrough client for the external motion
// device's cloud API. Commands are proxied through the connected
// cluster endpoint; nothing here is authoritative for queue state.
package device

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// HeaderDeviceToken authenticates calls against the device cloud API.
const HeaderDeviceToken = "x-device-token"

// Sentinel errors callers map to transport responses.
var (
	// ErrDisabled means the integration is switched off or has no token.
	ErrDisabled = errors.New("device: integration not enabled or device token not configured")
	// ErrUnreachable means the connection service could not be reached.
	ErrUnreachable = errors.New("device: could not reach connection service")
	// ErrNotConnected means the device is offline or has no cluster.
	ErrNotConnected = errors.New("device: device is not connected")
)

// Config describes the device cloud integration.
type Config struct {
	Enabled     bool
	APIURL      string
	DeviceToken string
	Timeout     time.Duration
}

// Connection is the device's reported connectivity.
type Connection struct {
	Connected bool   `json:"connected"`
	Cluster   string `json:"cluster,omitempty"`
}

// OscillateParams are normalized motion parameters. All bounds are
// percentages.
type OscillateParams struct {
	Speed int `json:"speed"`
	MinY  int `json:"minY"`
	MaxY  int `json:"maxY"`
}

// NormalizeOscillation applies defaults for absent fields and validates
// bounds. MinY must be strictly below MaxY.
func NormalizeOscillation(speed, minY, maxY *int) (OscillateParams, error) {
	p := OscillateParams{Speed: 50, MinY: 0, MaxY: 100}
	if speed != nil {
		p.Speed = *speed
	}
	if minY != nil {
		p.MinY = *minY
	}
	if maxY != nil {
		p.MaxY = *maxY
	}

	inRange := func(v int) bool { return v >= 0 && v <= 100 }
	if !inRange(p.Speed) || !inRange(p.MinY) || !inRange(p.MaxY) || p.MinY >= p.MaxY {
		return OscillateParams{}, errors.New("device: invalid parameters: speed (0-100), minY (0-100), maxY (0-100), minY < maxY")
	}
	return p, nil
}

// Client proxies commands to the device cloud.
type Client struct {
	cfg        Config
	httpClient *http.Client
	logger     *slog.Logger
}

// Option configures a Client.
type Option func(*Client)

// WithLogger sets the structured logger.
func WithLogger(logger *slog.Logger) Option {
	return func(c *Client) { c.logger = logger }
}

// WithHTTPClient replaces the HTTP client.
func WithHTTPClient(client *http.Client) Option {
	return func(c *Client) { c.httpClient = client }
}

// NewClient builds a device client from cfg.
func NewClient(cfg Config, opts ...Option) *Client {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 5 * time.Second
	}
	c := &Client{
		cfg:        cfg,
		httpClient: &http.Client{Timeout: cfg.Timeout},
		logger:     slog.Default(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Enabled reports whether the integration can be used at all.
func (c *Client) Enabled() bool {
	return c.cfg.Enabled && c.cfg.DeviceToken != ""
}

// Connection checks device connectivity through the central API and
// returns the cluster the device is attached to.
func (c *Client) Connection(ctx context.Context) (*Connection, error) {
	if !c.Enabled() {
		return nil, ErrDisabled
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet,
		strings.TrimSuffix(c.cfg.APIURL, "/")+"/autoblow/connected", nil)
	if err != nil {
		return nil, fmt.Errorf("device: create request: %w", err)
	}
	req.Header.Set(HeaderDeviceToken, c.cfg.DeviceToken)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		c.logger.Warn("device connection check failed", slog.String("error", err.Error()))
		return nil, ErrUnreachable
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		return nil, ErrUnreachable
	}

	var conn Connection
	if err := json.NewDecoder(resp.Body).Decode(&conn); err != nil {
		return nil, ErrUnreachable
	}
	if !conn.Connected || conn.Cluster == "" {
		return nil, ErrNotConnected
	}
	return &conn, nil
}

// Oscillate sends a motion command to the connected cluster and returns
// the cluster's raw response.
func (c *Client) Oscillate(ctx context.Context, params OscillateParams) (json.RawMessage, error) {
	conn, err := c.Connection(ctx)
	if err != nil {
		return nil, err
	}
	return c.clusterPut(ctx, conn.Cluster, "autoblow/oscillate", params)
}

// StartSync starts a synced script session for a token.
func (c *Client) StartSync(ctx context.Context, tokenMint string) (json.RawMessage, error) {
	conn, err := c.Connection(ctx)
	if err != nil {
		return nil, err
	}
	return c.clusterPut(ctx, conn.Cluster, "autoblow/sync-script/start", map[string]any{
		"tokenMint":   tokenMint,
		"startTimeMs": 0,
	})
}

// StopOscillation halts device motion.
func (c *Client) StopOscillation(ctx context.Context) (json.RawMessage, error) {
	conn, err := c.Connection(ctx)
	if err != nil {
		return nil, err
	}
	return c.clusterPut(ctx, conn.Cluster, "autoblow/oscillate/stop", nil)
}

func (c *Client) clusterPut(ctx context.Context, cluster, path string, body any) (json.RawMessage, error) {
	base, err := clusterBaseURL(cluster)
	if err != nil {
		return nil, err
	}

	var reqBody io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("device: marshal body: %w", err)
		}
		reqBody = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPut, base+"/"+path, reqBody)
	if err != nil {
		return nil, fmt.Errorf("device: create request: %w", err)
	}
	req.Header.Set(HeaderDeviceToken, c.cfg.DeviceToken)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("device: %s request failed: %w", path, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("device: read response: %w", err)
	}
	if resp.StatusCode >= 300 {
		return nil, fmt.Errorf("device: %s command failed (%d): %s", path, resp.StatusCode, data)
	}
	return json.RawMessage(data), nil
}

// clusterBaseURL normalizes the cluster hostname reported by the
// connection service into an https base URL.
func clusterBaseURL(cluster string) (string, error) {
	trimmed := strings.TrimSpace(cluster)
	if trimmed == "" {
		return "", errors.New("device: invalid cluster endpoint")
	}
	if !strings.HasPrefix(trimmed, "http://") && !strings.HasPrefix(trimmed, "https://") {
		trimmed = "https://" + trimmed
	}
	u, err := url.Parse(trimmed)
	if err != nil || u.Host == "" {
		return "", errors.New("device: invalid cluster endpoint")
	}
	return strings.TrimSuffix(u.String(), "/"), nil
}
