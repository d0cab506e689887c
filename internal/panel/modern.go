package panel

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
)

// ModernConfig describes one modern-dialect panel endpoint: bearer-token
// REST with users addressed by UUID.
type ModernConfig struct {
	BaseURL string
	Token   string
	Timeout time.Duration
}

type modernClient struct {
	cfg        ModernConfig
	httpClient *http.Client
}

func NewModernClient(cfg ModernConfig) Client {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &modernClient{
		cfg:        cfg,
		httpClient: &http.Client{Timeout: timeout},
	}
}

var (
	_ Client      = (*modernClient)(nil)
	_ HwidManager = (*modernClient)(nil)
)

func (c *modernClient) Type() string     { return TypeModern }
func (c *modernClient) Endpoint() string { return c.cfg.BaseURL }

// Login is a no-op for the modern dialect; the bearer token is static.
func (c *modernClient) Login(context.Context) error { return nil }

type modernUser struct {
	UUID                 string   `json:"uuid"`
	Username             string   `json:"username"`
	Status               string   `json:"status"`
	TelegramID           int64    `json:"telegramId,omitempty"`
	TrafficLimitBytes    int64    `json:"trafficLimitBytes"`
	HwidDeviceLimit      int      `json:"hwidDeviceLimit"`
	ExpireAt             string   `json:"expireAt"`
	UsedTrafficBytes     int64    `json:"usedTrafficBytes"`
	SubscriptionURL      string   `json:"subscriptionUrl"`
	ActiveInternalSquads []string `json:"activeInternalSquads,omitempty"`
}

type modernEnvelope struct {
	Response json.RawMessage `json:"response"`
}

func (c *modernClient) do(ctx context.Context, op, method, path string, body, out any) error {
	var reader io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return wrapErr(c.cfg.BaseURL, op, false, err)
		}
		reader = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, method, strings.TrimRight(c.cfg.BaseURL, "/")+path, reader)
	if err != nil {
		return wrapErr(c.cfg.BaseURL, op, false, err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Authorization", "Bearer "+c.cfg.Token)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return wrapErr(c.cfg.BaseURL, op, true, err)
	}
	defer resp.Body.Close()

	responseBody, _ := io.ReadAll(resp.Body)

	switch {
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return wrapErr(c.cfg.BaseURL, op, false, ErrUnauthorized)
	case resp.StatusCode == http.StatusNotFound:
		return wrapErr(c.cfg.BaseURL, op, false, ErrNotFound)
	case resp.StatusCode >= 500:
		return wrapErr(c.cfg.BaseURL, op, true, fmt.Errorf("http %d", resp.StatusCode))
	case resp.StatusCode >= 400:
		return wrapErr(c.cfg.BaseURL, op, false, fmt.Errorf("http %d: %s", resp.StatusCode, bytes.TrimSpace(responseBody)))
	}

	if out == nil || len(bytes.TrimSpace(responseBody)) == 0 {
		return nil
	}
	var envelope modernEnvelope
	if err := json.Unmarshal(responseBody, &envelope); err == nil && len(envelope.Response) > 0 {
		responseBody = envelope.Response
	}
	if err := json.Unmarshal(responseBody, out); err != nil {
		return wrapErr(c.cfg.BaseURL, op, false, err)
	}
	return nil
}

func expireAt(expiryMs int64) string {
	return time.UnixMilli(expiryMs).UTC().Format(time.RFC3339)
}

func (c *modernClient) userPayload(cfg ClientConfig) map[string]any {
	status := "DISABLED"
	if cfg.Enabled {
		status = "ACTIVE"
	}
	payload := map[string]any{
		"uuid":              cfg.ClientID.String(),
		"username":          cfg.Email,
		"status":            status,
		"trafficLimitBytes": cfg.TrafficBytes,
		"hwidDeviceLimit":   cfg.DeviceLimit,
		"expireAt":          expireAt(cfg.ExpiryMs),
	}
	if cfg.TgID != 0 {
		payload["telegramId"] = cfg.TgID
	}
	if cfg.Subgroup != "" {
		payload["activeInternalSquads"] = []string{cfg.Subgroup}
	}
	return payload
}

func (c *modernClient) UpsertClient(ctx context.Context, cfg ClientConfig) (string, error) {
	var user modernUser
	err := c.do(ctx, "upsert", http.MethodPost, "/api/users", c.userPayload(cfg), &user)
	if err != nil {
		if IsTransient(err) {
			return "", err
		}
		// Already present: patch in place.
		if patchErr := c.do(ctx, "upsert", http.MethodPatch, "/api/users", c.userPayload(cfg), &user); patchErr != nil {
			return "", patchErr
		}
	}
	return user.SubscriptionURL, nil
}

func (c *modernClient) SetEnabled(ctx context.Context, clientID uuid.UUID, _ string, enabled bool) error {
	action := "disable"
	if enabled {
		action = "enable"
	}
	path := fmt.Sprintf("/api/users/%s/actions/%s", clientID, action)
	return c.do(ctx, "toggle", http.MethodPost, path, nil, nil)
}

func (c *modernClient) Renew(ctx context.Context, cfg ClientConfig) error {
	return c.do(ctx, "renew", http.MethodPatch, "/api/users", c.userPayload(cfg), nil)
}

func (c *modernClient) Delete(ctx context.Context, clientID uuid.UUID, _ string) error {
	return c.do(ctx, "delete", http.MethodDelete, "/api/users/"+clientID.String(), nil, nil)
}

func (c *modernClient) Traffic(ctx context.Context, clientID uuid.UUID, _ string) (int64, error) {
	var user modernUser
	if err := c.do(ctx, "traffic", http.MethodGet, "/api/users/"+clientID.String(), nil, &user); err != nil {
		return 0, err
	}
	return user.UsedTrafficBytes, nil
}

func (c *modernClient) GetHwidDevices(ctx context.Context, clientID uuid.UUID) ([]HwidDevice, error) {
	var out struct {
		Devices []struct {
			Hwid        string `json:"hwid"`
			Platform    string `json:"platform"`
			DeviceModel string `json:"deviceModel"`
		} `json:"devices"`
	}
	if err := c.do(ctx, "hwid_list", http.MethodGet, "/api/hwid/devices/"+clientID.String(), nil, &out); err != nil {
		return nil, err
	}

	devices := make([]HwidDevice, 0, len(out.Devices))
	for _, d := range out.Devices {
		devices = append(devices, HwidDevice{
			Hwid:       d.Hwid,
			Platform:   d.Platform,
			DeviceName: d.DeviceModel,
		})
	}
	return devices, nil
}

func (c *modernClient) DeleteHwidDevice(ctx context.Context, clientID uuid.UUID, hwid string) error {
	payload := map[string]any{
		"userUuid": clientID.String(),
		"hwid":     hwid,
	}
	return c.do(ctx, "hwid_delete", http.MethodPost, "/api/hwid/devices/delete", payload, nil)
}
