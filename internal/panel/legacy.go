package panel

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/cookiejar"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

// LegacyConfig describes one legacy-dialect panel endpoint. Authentication
// is a session cookie obtained from the admin username/password; clients
// live inside a numbered inbound.
type LegacyConfig struct {
	BaseURL   string
	Username  string
	Password  string
	InboundID int
	// SubBase is the public subscription-link base handed to users.
	SubBase string
	Timeout time.Duration
}

type legacyClient struct {
	cfg        LegacyConfig
	httpClient *http.Client

	mu       sync.Mutex
	loggedIn bool
}

func NewLegacyClient(cfg LegacyConfig) Client {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	jar, _ := cookiejar.New(nil)
	return &legacyClient{
		cfg: cfg,
		httpClient: &http.Client{
			Timeout: timeout,
			Jar:     jar,
		},
	}
}

var _ Client = (*legacyClient)(nil)

func (c *legacyClient) Type() string     { return TypeLegacy }
func (c *legacyClient) Endpoint() string { return c.cfg.BaseURL }

type legacyEnvelope struct {
	Success bool            `json:"success"`
	Msg     string          `json:"msg"`
	Obj     json.RawMessage `json:"obj"`
}

type legacyClientSettings struct {
	ID         string `json:"id"`
	Email      string `json:"email"`
	LimitIP    int    `json:"limitIp"`
	TotalGB    int64  `json:"totalGB"`
	ExpiryTime int64  `json:"expiryTime"`
	Enable     bool   `json:"enable"`
	TgID       int64  `json:"tgId"`
	Flow       string `json:"flow"`
	SubID      string `json:"subId"`
}

func (c *legacyClient) Login(ctx context.Context) error {
	form := url.Values{}
	form.Set("username", c.cfg.Username)
	form.Set("password", c.cfg.Password)

	req, err := http.NewRequestWithContext(
		ctx,
		http.MethodPost,
		strings.TrimRight(c.cfg.BaseURL, "/")+"/login",
		strings.NewReader(form.Encode()),
	)
	if err != nil {
		return wrapErr(c.cfg.BaseURL, "login", false, err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return wrapErr(c.cfg.BaseURL, "login", true, err)
	}
	defer resp.Body.Close()

	var env legacyEnvelope
	if err := json.NewDecoder(resp.Body).Decode(&env); err != nil {
		return wrapErr(c.cfg.BaseURL, "login", true, err)
	}
	if resp.StatusCode != http.StatusOK || !env.Success {
		return wrapErr(c.cfg.BaseURL, "login", false, ErrUnauthorized)
	}

	c.mu.Lock()
	c.loggedIn = true
	c.mu.Unlock()
	return nil
}

func (c *legacyClient) ensureSession(ctx context.Context) error {
	c.mu.Lock()
	ok := c.loggedIn
	c.mu.Unlock()
	if ok {
		return nil
	}
	return c.Login(ctx)
}

// do posts JSON and re-authenticates once when the session cookie has
// expired.
func (c *legacyClient) do(ctx context.Context, op, path string, body any) (*legacyEnvelope, error) {
	if err := c.ensureSession(ctx); err != nil {
		return nil, err
	}

	env, status, err := c.post(ctx, path, body)
	if err != nil {
		return nil, wrapErr(c.cfg.BaseURL, op, true, err)
	}
	if status == http.StatusUnauthorized || status == http.StatusForbidden {
		c.mu.Lock()
		c.loggedIn = false
		c.mu.Unlock()
		if err := c.Login(ctx); err != nil {
			return nil, err
		}
		env, status, err = c.post(ctx, path, body)
		if err != nil {
			return nil, wrapErr(c.cfg.BaseURL, op, true, err)
		}
	}

	switch {
	case status >= 500:
		return nil, wrapErr(c.cfg.BaseURL, op, true, fmt.Errorf("http %d", status))
	case status >= 400:
		return nil, wrapErr(c.cfg.BaseURL, op, false, fmt.Errorf("http %d", status))
	}
	if !env.Success {
		return nil, wrapErr(c.cfg.BaseURL, op, false, errors.New(env.Msg))
	}
	return env, nil
}

func (c *legacyClient) post(ctx context.Context, path string, body any) (*legacyEnvelope, int, error) {
	var reader io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return nil, 0, err
		}
		reader = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(
		ctx,
		http.MethodPost,
		strings.TrimRight(c.cfg.BaseURL, "/")+path,
		reader,
	)
	if err != nil {
		return nil, 0, err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, 0, err
	}
	defer resp.Body.Close()

	var env legacyEnvelope
	if decodeErr := json.NewDecoder(resp.Body).Decode(&env); decodeErr != nil && resp.StatusCode < 400 {
		return nil, resp.StatusCode, decodeErr
	}
	return &env, resp.StatusCode, nil
}

func (c *legacyClient) settingsPayload(cfg ClientConfig) (map[string]any, error) {
	settings := struct {
		Clients []legacyClientSettings `json:"clients"`
	}{
		Clients: []legacyClientSettings{{
			ID:         cfg.ClientID.String(),
			Email:      cfg.Email,
			LimitIP:    cfg.DeviceLimit,
			TotalGB:    cfg.TrafficBytes,
			ExpiryTime: cfg.ExpiryMs,
			Enable:     cfg.Enabled,
			TgID:       cfg.TgID,
			Flow:       "xtls-rprx-vision",
			SubID:      cfg.Email,
		}},
	}

	raw, err := json.Marshal(settings)
	if err != nil {
		return nil, err
	}
	return map[string]any{
		"id":       c.cfg.InboundID,
		"settings": string(raw),
	}, nil
}

func (c *legacyClient) UpsertClient(ctx context.Context, cfg ClientConfig) (string, error) {
	payload, err := c.settingsPayload(cfg)
	if err != nil {
		return "", wrapErr(c.cfg.BaseURL, "upsert", false, err)
	}

	// The add endpoint rejects duplicates; fall back to update in place.
	if _, err := c.do(ctx, "upsert", "/panel/api/inbounds/addClient", payload); err != nil {
		if IsTransient(err) {
			return "", err
		}
		path := fmt.Sprintf("/panel/api/inbounds/updateClient/%s", cfg.ClientID)
		if _, err := c.do(ctx, "upsert", path, payload); err != nil {
			return "", err
		}
	}

	return c.subscriptionLink(cfg.Email), nil
}

func (c *legacyClient) subscriptionLink(email string) string {
	base := strings.TrimRight(c.cfg.SubBase, "/")
	if base == "" {
		base = strings.TrimRight(c.cfg.BaseURL, "/") + "/sub"
	}
	return base + "/" + email
}

func (c *legacyClient) SetEnabled(ctx context.Context, clientID uuid.UUID, email string, enabled bool) error {
	current, err := c.clientTraffics(ctx, email)
	if err != nil {
		return err
	}

	cfg := ClientConfig{
		ClientID:     clientID,
		TgID:         current.TgID,
		Email:        email,
		ExpiryMs:     current.ExpiryTime,
		DeviceLimit:  current.LimitIP,
		TrafficBytes: current.Total,
		Enabled:      enabled,
	}
	payload, err := c.settingsPayload(cfg)
	if err != nil {
		return wrapErr(c.cfg.BaseURL, "toggle", false, err)
	}
	_, err = c.do(ctx, "toggle", fmt.Sprintf("/panel/api/inbounds/updateClient/%s", clientID), payload)
	return err
}

func (c *legacyClient) Renew(ctx context.Context, cfg ClientConfig) error {
	payload, err := c.settingsPayload(cfg)
	if err != nil {
		return wrapErr(c.cfg.BaseURL, "renew", false, err)
	}
	_, err = c.do(ctx, "renew", fmt.Sprintf("/panel/api/inbounds/updateClient/%s", cfg.ClientID), payload)
	return err
}

func (c *legacyClient) Delete(ctx context.Context, clientID uuid.UUID, _ string) error {
	path := fmt.Sprintf("/panel/api/inbounds/%d/delClient/%s", c.cfg.InboundID, clientID)
	_, err := c.do(ctx, "delete", path, nil)
	return err
}

type legacyTraffics struct {
	Email      string `json:"email"`
	Up         int64  `json:"up"`
	Down       int64  `json:"down"`
	Total      int64  `json:"total"`
	ExpiryTime int64  `json:"expiryTime"`
	LimitIP    int    `json:"limitIp"`
	TgID       int64  `json:"tgId"`
}

func (c *legacyClient) clientTraffics(ctx context.Context, email string) (*legacyTraffics, error) {
	if err := c.ensureSession(ctx); err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(
		ctx,
		http.MethodGet,
		strings.TrimRight(c.cfg.BaseURL, "/")+"/panel/api/inbounds/getClientTraffics/"+url.PathEscape(email),
		nil,
	)
	if err != nil {
		return nil, wrapErr(c.cfg.BaseURL, "traffic", false, err)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, wrapErr(c.cfg.BaseURL, "traffic", true, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 500 {
		return nil, wrapErr(c.cfg.BaseURL, "traffic", true, fmt.Errorf("http %d", resp.StatusCode))
	}
	if resp.StatusCode >= 400 {
		return nil, wrapErr(c.cfg.BaseURL, "traffic", false, fmt.Errorf("http %d", resp.StatusCode))
	}

	var env struct {
		Success bool           `json:"success"`
		Obj     legacyTraffics `json:"obj"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&env); err != nil {
		return nil, wrapErr(c.cfg.BaseURL, "traffic", true, err)
	}
	if !env.Success {
		return nil, wrapErr(c.cfg.BaseURL, "traffic", false, ErrNotFound)
	}
	return &env.Obj, nil
}

func (c *legacyClient) Traffic(ctx context.Context, _ uuid.UUID, email string) (int64, error) {
	traffics, err := c.clientTraffics(ctx, email)
	if err != nil {
		return 0, err
	}
	return traffics.Up + traffics.Down, nil
}
