// Package unifi talks to the access controller's developer API.
package unifi

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"doorrelay/internal/config"
	"doorrelay/internal/model"
)

const (
	codeSuccess = "SUCCESS"
	pageSize    = 200

	// ActorID and ActorName label this relay's unlocks in the controller's logs.
	ActorID   = "doorrelay"
	ActorName = "Door Relay"
)

var (
	ErrAPI          = errors.New("controller api error")
	ErrDoorNotFound = errors.New("door not found")
)

// APIError is a non-success envelope or HTTP status from the controller.
type APIError struct {
	Status int
	Code   string
	Msg    string
}

func (e *APIError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("controller api: status %d code %s: %s", e.Status, e.Code, e.Msg)
	}
	return fmt.Sprintf("controller api: status %d: %s", e.Status, e.Msg)
}

func (e *APIError) Unwrap() error { return ErrAPI }

// DoorLookup resolves a door name without a round trip, typically the directory.
type DoorLookup interface {
	DoorByName(name string) (model.Door, error)
}

type Client struct {
	baseURL    string
	token      string
	httpClient *http.Client
	timeout    time.Duration
	marker     atomic.Pointer[config.SelfTriggerConfig]
	doors      DoorLookup
	logger     *slog.Logger
}

// BaseURL builds https://host:port. A host that already has a scheme is used
// as given.
func BaseURL(cfg config.UniFiConfig) string {
	host := strings.TrimRight(strings.TrimSpace(cfg.Host), "/")
	if strings.HasPrefix(host, "http://") || strings.HasPrefix(host, "https://") {
		return host
	}
	port := cfg.Port
	if port <= 0 {
		port = 12445
	}
	return "https://" + host + ":" + strconv.Itoa(port)
}

func NewClient(cfg config.UniFiConfig, marker config.SelfTriggerConfig, logger *slog.Logger) *Client {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	transport := http.DefaultTransport.(*http.Transport).Clone()
	// Controllers ship with a self-signed certificate.
	transport.TLSClientConfig = &tls.Config{InsecureSkipVerify: !cfg.VerifyTLS}
	c := &Client{
		baseURL:    BaseURL(cfg),
		token:      cfg.APIToken,
		httpClient: &http.Client{Timeout: timeout, Transport: transport},
		timeout:    timeout,
		logger:     logger,
	}
	c.SetMarker(marker)
	return c
}

// SetMarker replaces the self-trigger marker stamped on later unlocks.
func (c *Client) SetMarker(marker config.SelfTriggerConfig) {
	c.marker.Store(&marker)
}

func (c *Client) Marker() config.SelfTriggerConfig {
	if m := c.marker.Load(); m != nil {
		return *m
	}
	return config.SelfTriggerConfig{}
}

// Reconfigure applies the parts of a reloaded config the client holds.
func (c *Client) Reconfigure(cfg *config.Config) {
	c.SetMarker(cfg.SelfTrigger)
}

// SetDoorLookup installs the cache UnlockByName consults before listing doors.
func (c *Client) SetDoorLookup(l DoorLookup) {
	c.doors = l
}

func (c *Client) Token() string { return c.token }

// NotificationsURL is the socket-push endpoint.
func (c *Client) NotificationsURL() string {
	u := c.baseURL
	switch {
	case strings.HasPrefix(u, "https://"):
		u = "wss://" + strings.TrimPrefix(u, "https://")
	case strings.HasPrefix(u, "http://"):
		u = "ws://" + strings.TrimPrefix(u, "http://")
	}
	return u + "/api/v1/developer/devices/notifications"
}

type envelope struct {
	Code       string          `json:"code"`
	Msg        string          `json:"msg"`
	Data       json.RawMessage `json:"data"`
	Pagination *struct {
		PageNum  int `json:"page_num"`
		PageSize int `json:"page_size"`
		Total    int `json:"total"`
	} `json:"pagination,omitempty"`
}

func (c *Client) do(ctx context.Context, method, path string, body any, out any) (*envelope, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("marshal request: %w", err)
		}
		reader = bytes.NewReader(data)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.token)
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()
	raw, err := io.ReadAll(io.LimitReader(resp.Body, 8<<20))
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}

	var env envelope
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &env); err != nil && resp.StatusCode < 300 {
			return nil, fmt.Errorf("decode response: %w", err)
		}
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		msg := env.Msg
		if msg == "" {
			msg = strings.TrimSpace(string(raw))
		}
		return nil, &APIError{Status: resp.StatusCode, Code: env.Code, Msg: msg}
	}
	if env.Code != codeSuccess {
		return nil, &APIError{Status: resp.StatusCode, Code: env.Code, Msg: env.Msg}
	}
	if out != nil && len(env.Data) > 0 && string(env.Data) != "null" {
		if err := json.Unmarshal(env.Data, out); err != nil {
			return nil, fmt.Errorf("decode %s data: %w", path, err)
		}
	}
	return &env, nil
}

func (c *Client) ListDoors(ctx context.Context) ([]model.Door, error) {
	var doors []model.Door
	if _, err := c.do(ctx, http.MethodGet, "/api/v1/developer/doors", nil, &doors); err != nil {
		return nil, err
	}
	return doors, nil
}

func (c *Client) ListUsers(ctx context.Context) ([]model.User, error) {
	return c.listUsersPaged(ctx, "/api/v1/developer/users")
}

func (c *Client) ListUserGroups(ctx context.Context) ([]model.Group, error) {
	var groups []model.Group
	if _, err := c.do(ctx, http.MethodGet, "/api/v1/developer/user_groups", nil, &groups); err != nil {
		return nil, err
	}
	return groups, nil
}

func (c *Client) ListGroupMembers(ctx context.Context, groupID string) ([]model.User, error) {
	var users []model.User
	path := "/api/v1/developer/user_groups/" + url.PathEscape(groupID) + "/users"
	if _, err := c.do(ctx, http.MethodGet, path, nil, &users); err != nil {
		return nil, err
	}
	return users, nil
}

func (c *Client) listUsersPaged(ctx context.Context, path string) ([]model.User, error) {
	var all []model.User
	for page := 1; ; page++ {
		var users []model.User
		q := url.Values{"page_num": {strconv.Itoa(page)}, "page_size": {strconv.Itoa(pageSize)}}
		env, err := c.do(ctx, http.MethodGet, path+"?"+q.Encode(), nil, &users)
		if err != nil {
			return nil, err
		}
		all = append(all, users...)
		if env.Pagination == nil || len(users) == 0 || len(all) >= env.Pagination.Total {
			return all, nil
		}
	}
}

type unlockRequest struct {
	ActorID   string         `json:"actor_id"`
	ActorName string         `json:"actor_name"`
	Extra     map[string]any `json:"extra"`
}

// UnlockDoor sends a remote unlock. The self-trigger marker is always added to
// extra so the controller's echo of this unlock can be recognized.
func (c *Client) UnlockDoor(ctx context.Context, doorID string, extra map[string]any) error {
	payload := unlockRequest{ActorID: ActorID, ActorName: ActorName, Extra: make(map[string]any, len(extra)+1)}
	for k, v := range extra {
		payload.Extra[k] = v
	}
	if m := c.Marker(); m.MarkerKey != "" && m.MarkerValue != "" {
		payload.Extra[m.MarkerKey] = m.MarkerValue
	}
	path := "/api/v1/developer/doors/" + url.PathEscape(doorID) + "/unlock"
	_, err := c.do(ctx, http.MethodPut, path, payload, nil)
	return err
}

// UnlockByName resolves name and unlocks it. Every failure is reported in the
// outcome; it never returns an error.
func (c *Client) UnlockByName(ctx context.Context, name, reason string) model.UnlockOutcome {
	out := model.UnlockOutcome{Door: name}
	door, err := c.findDoor(ctx, name)
	if err != nil {
		out.Error = err.Error()
		return out
	}
	if err := c.UnlockDoor(ctx, door.ID, map[string]any{"reason": reason}); err != nil {
		c.logger.Warn("unlock request failed", "door", name, "door_id", door.ID, "error", err)
		out.Error = err.Error()
		return out
	}
	out.Success = true
	return out
}

func (c *Client) findDoor(ctx context.Context, name string) (model.Door, error) {
	if c.doors != nil {
		if door, err := c.doors.DoorByName(name); err == nil {
			return door, nil
		}
	}
	doors, err := c.ListDoors(ctx)
	if err != nil {
		return model.Door{}, fmt.Errorf("list doors: %w", err)
	}
	key := strings.ToLower(strings.TrimSpace(name))
	for _, d := range doors {
		if strings.ToLower(strings.TrimSpace(d.Name)) == key || strings.ToLower(strings.TrimSpace(d.FullName)) == key {
			return d, nil
		}
	}
	return model.Door{}, fmt.Errorf("%w: %q", ErrDoorNotFound, name)
}

type WebhookEndpoint struct {
	ID       string   `json:"id"`
	Name     string   `json:"name"`
	Endpoint string   `json:"endpoint"`
	Events   []string `json:"events"`
	Secret   string   `json:"secret,omitempty"`
}

func (c *Client) ListWebhooks(ctx context.Context) ([]WebhookEndpoint, error) {
	var hooks []WebhookEndpoint
	if _, err := c.do(ctx, http.MethodGet, "/api/v1/developer/webhooks/endpoints", nil, &hooks); err != nil {
		return nil, err
	}
	return hooks, nil
}

// RegisterWebhook asks the controller to push events to endpoint. An existing
// registration for the same endpoint is returned unchanged.
func (c *Client) RegisterWebhook(ctx context.Context, name, endpoint string, events []string) (WebhookEndpoint, error) {
	hooks, err := c.ListWebhooks(ctx)
	if err != nil {
		return WebhookEndpoint{}, err
	}
	for _, h := range hooks {
		if h.Endpoint == endpoint {
			return h, nil
		}
	}
	var created WebhookEndpoint
	req := WebhookEndpoint{Name: name, Endpoint: endpoint, Events: events}
	if _, err := c.do(ctx, http.MethodPost, "/api/v1/developer/webhooks/endpoints", req, &created); err != nil {
		return WebhookEndpoint{}, err
	}
	c.logger.Info("registered controller webhook", "id", created.ID, "endpoint", endpoint, "events", events)
	return created, nil
}
