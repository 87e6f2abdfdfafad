// Package client provides a shared Go client for the vpsd HTTP API.
// Used by the CLI and any front end local to the host, so each binary
// does not carry its own unix socket boilerplate.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/hopingboyz/vpsd/internal/catalog"
	"github.com/hopingboyz/vpsd/internal/engine"
	"github.com/hopingboyz/vpsd/internal/monitor"
	"github.com/hopingboyz/vpsd/internal/store"
)

// Client talks to vpsd over a unix socket.
type Client struct {
	httpClient *http.Client
	baseURL    string
}

// New creates a client connected to the vpsd unix socket at socketPath.
func New(socketPath string) *Client {
	return &Client{
		httpClient: &http.Client{
			Transport: &http.Transport{
				DialContext: func(ctx context.Context, _, _ string) (net.Conn, error) {
					var d net.Dialer
					d.Timeout = 5 * time.Second
					return d.DialContext(ctx, "unix", socketPath)
				},
			},
			// Provisioning can sit behind a multi-hundred-MB download.
			Timeout: 0,
		},
		baseURL: "http://vpsd",
	}
}

// DefaultSocketPath returns the default vpsd socket path (~/.vpsd/vpsd.sock).
func DefaultSocketPath() string {
	home, _ := os.UserHomeDir()
	return filepath.Join(home, ".vpsd", "vpsd.sock")
}

// NewDefault creates a client using the default socket path.
func NewDefault() *Client {
	return New(DefaultSocketPath())
}

// --- Instances ---

// Provision creates a new instance.
func (c *Client) Provision(ctx context.Context, spec engine.ProvisionSpec) (*store.Instance, error) {
	var out store.Instance
	if err := c.doJSON(ctx, "POST", "/v1/instances", spec, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// ListInstances returns instances, optionally for one owner (0 = all).
func (c *Client) ListInstances(ctx context.Context, ownerID int64) ([]*store.Instance, error) {
	path := "/v1/instances"
	if ownerID != 0 {
		path += "?owner=" + strconv.FormatInt(ownerID, 10)
	}
	var out []*store.Instance
	if err := c.doJSON(ctx, "GET", path, nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// GetInstance returns a single instance by ID.
func (c *Client) GetInstance(ctx context.Context, id string) (*store.Instance, error) {
	var out store.Instance
	if err := c.doJSON(ctx, "GET", "/v1/instances/"+url.PathEscape(id), nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// StartInstance boots an instance and returns its hypervisor PID.
func (c *Client) StartInstance(ctx context.Context, id string) (*StartResult, error) {
	var out StartResult
	if err := c.doJSON(ctx, "POST", "/v1/instances/"+url.PathEscape(id)+"/start", nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// StopInstance shuts an instance down. force skips the graceful stop
// and kills the hypervisor immediately.
func (c *Client) StopInstance(ctx context.Context, id string, force bool) error {
	path := "/v1/instances/" + url.PathEscape(id) + "/stop"
	if force {
		path += "?force=true"
	}
	return c.doJSON(ctx, "POST", path, nil, nil)
}

// RestartInstance stops and boots an instance.
func (c *Client) RestartInstance(ctx context.Context, id string) (*StartResult, error) {
	var out StartResult
	if err := c.doJSON(ctx, "POST", "/v1/instances/"+url.PathEscape(id)+"/restart", nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// DeleteInstance removes an instance entirely.
func (c *Client) DeleteInstance(ctx context.Context, id string) error {
	return c.doJSON(ctx, "DELETE", "/v1/instances/"+url.PathEscape(id), nil, nil)
}

// ResizeDisk grows an instance's root disk. Returns the resulting size.
func (c *Client) ResizeDisk(ctx context.Context, id string, diskBytes int64) (int64, error) {
	body := map[string]int64{"disk_bytes": diskBytes}
	var out map[string]int64
	if err := c.doJSON(ctx, "POST", "/v1/instances/"+url.PathEscape(id)+"/resize", body, &out); err != nil {
		return 0, err
	}
	return out["disk_bytes"], nil
}

// Console returns the tail of an instance's serial console log.
func (c *Client) Console(ctx context.Context, id string, maxBytes int64) ([]byte, error) {
	path := "/v1/instances/" + url.PathEscape(id) + "/console"
	if maxBytes > 0 {
		path += "?bytes=" + strconv.FormatInt(maxBytes, 10)
	}
	resp, err := c.doRaw(ctx, "GET", path, nil)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	return io.ReadAll(resp.Body)
}

// Usage returns the latest resource sample for an instance.
func (c *Client) Usage(ctx context.Context, id string) (*monitor.Sample, error) {
	var out monitor.Sample
	if err := c.doJSON(ctx, "GET", "/v1/instances/"+url.PathEscape(id)+"/usage", nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// --- Images ---

// ListVariants returns the OS catalog.
func (c *Client) ListVariants(ctx context.Context) ([]catalog.Variant, error) {
	var out []catalog.Variant
	if err := c.doJSON(ctx, "GET", "/v1/variants", nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// ListImages returns the image cache entries.
func (c *Client) ListImages(ctx context.Context) ([]*store.ImageCacheEntry, error) {
	var out []*store.ImageCacheEntry
	if err := c.doJSON(ctx, "GET", "/v1/images", nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// EnsureImage pre-warms the image cache for a variant.
func (c *Client) EnsureImage(ctx context.Context, variant string) error {
	return c.doJSON(ctx, "POST", "/v1/images/"+url.PathEscape(variant)+"/ensure", nil, nil)
}

// --- Admins and bans ---

// AddAdmin records an admin.
func (c *Client) AddAdmin(ctx context.Context, userID, addedBy int64) error {
	body := map[string]int64{"user_id": userID, "added_by": addedBy}
	return c.doJSON(ctx, "POST", "/v1/admins", body, nil)
}

// RemoveAdmin removes an admin record.
func (c *Client) RemoveAdmin(ctx context.Context, userID int64) error {
	return c.doJSON(ctx, "DELETE", "/v1/admins/"+strconv.FormatInt(userID, 10), nil, nil)
}

// ListAdmins returns all admin records.
func (c *Client) ListAdmins(ctx context.Context) ([]*store.Admin, error) {
	var out []*store.Admin
	if err := c.doJSON(ctx, "GET", "/v1/admins", nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// BanUser blocks a user from provisioning.
func (c *Client) BanUser(ctx context.Context, userID, bannedBy int64, reason string) error {
	body := map[string]interface{}{"user_id": userID, "banned_by": bannedBy, "reason": reason}
	return c.doJSON(ctx, "POST", "/v1/bans", body, nil)
}

// UnbanUser lifts a ban.
func (c *Client) UnbanUser(ctx context.Context, userID int64) error {
	return c.doJSON(ctx, "DELETE", "/v1/bans/"+strconv.FormatInt(userID, 10), nil, nil)
}

// ListBanned returns all ban records.
func (c *Client) ListBanned(ctx context.Context) ([]*store.Ban, error) {
	var out []*store.Ban
	if err := c.doJSON(ctx, "GET", "/v1/bans", nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// --- Daemon ---

// Stats returns the aggregate statistics view.
func (c *Client) Stats(ctx context.Context) (*engine.Stats, error) {
	var out engine.Stats
	if err := c.doJSON(ctx, "GET", "/v1/stats", nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Cleanup purges orphaned files. Returns the number removed.
func (c *Client) Cleanup(ctx context.Context) (int, error) {
	var out map[string]int
	if err := c.doJSON(ctx, "POST", "/v1/cleanup", nil, &out); err != nil {
		return 0, err
	}
	return out["removed"], nil
}

// Status returns the daemon status.
func (c *Client) Status(ctx context.Context) (*DaemonStatus, error) {
	var out DaemonStatus
	if err := c.doJSON(ctx, "GET", "/v1/status", nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// --- Internal helpers ---

// doJSON makes a JSON request and decodes the JSON response into result.
// If body is non-nil, it's encoded as JSON. If result is nil, the
// response body is discarded.
func (c *Client) doJSON(ctx context.Context, method, path string, body interface{}, result interface{}) error {
	resp, err := c.doRaw(ctx, method, path, body)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if result == nil {
		io.Copy(io.Discard, resp.Body)
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(result)
}

// doRaw makes an HTTP request and returns the raw response.
// Caller is responsible for closing resp.Body.
func (c *Client) doRaw(ctx context.Context, method, path string, body interface{}) (*http.Response, error) {
	var bodyReader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("marshal request: %w", err)
		}
		bodyReader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, bodyReader)
	if err != nil {
		return nil, err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request %s %s: %w", method, path, err)
	}

	if resp.StatusCode >= 400 {
		defer resp.Body.Close()
		return nil, parseError(resp)
	}
	return resp, nil
}

// parseError reads an error response body and returns an APIError.
func parseError(resp *http.Response) error {
	var errResp struct {
		Error string `json:"error"`
	}
	data, _ := io.ReadAll(resp.Body)
	if json.Unmarshal(data, &errResp) == nil && errResp.Error != "" {
		return &APIError{StatusCode: resp.StatusCode, Message: errResp.Error}
	}
	return &APIError{StatusCode: resp.StatusCode, Message: strings.TrimSpace(string(data))}
}
