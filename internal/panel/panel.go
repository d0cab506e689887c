// Package panel speaks to remote VPN panels. Two dialects coexist: the
// legacy session-cookie JSON panel and the modern bearer-token REST panel.
// Both sit behind the Client interface consumed by the cluster coordinator.
package panel

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
)

const (
	TypeLegacy = "legacy"
	TypeModern = "modern"
)

var (
	ErrUnauthorized = errors.New("panel: unauthorized")
	ErrNotFound     = errors.New("panel: client not found")
)

// ClientConfig is the panel-side materialization of a key.
type ClientConfig struct {
	ClientID     uuid.UUID
	TgID         int64
	Email        string
	ExpiryMs     int64
	DeviceLimit  int
	TrafficBytes int64
	Subgroup     string
	Enabled      bool
}

type HwidDevice struct {
	Hwid       string `json:"hwid"`
	Platform   string `json:"platform"`
	DeviceName string `json:"device_name"`
}

// Client is one panel endpoint. UpsertClient returns the link material the
// panel hands out for the client (subscription URL or connection string).
type Client interface {
	Type() string
	Endpoint() string
	Login(ctx context.Context) error
	UpsertClient(ctx context.Context, cfg ClientConfig) (string, error)
	SetEnabled(ctx context.Context, clientID uuid.UUID, email string, enabled bool) error
	Renew(ctx context.Context, cfg ClientConfig) error
	Delete(ctx context.Context, clientID uuid.UUID, email string) error
	// Traffic reports total bytes transferred by the client, used by the
	// zero-traffic quiet check.
	Traffic(ctx context.Context, clientID uuid.UUID, email string) (int64, error)
}

// HwidManager is implemented by modern panels only.
type HwidManager interface {
	GetHwidDevices(ctx context.Context, clientID uuid.UUID) ([]HwidDevice, error)
	DeleteHwidDevice(ctx context.Context, clientID uuid.UUID, hwid string) error
}

// Error wraps a failed panel call with enough context for fan-out rollups.
// Transient errors (timeouts, 5xx, auth refresh) get one retry per
// endpoint; permanent ones do not.
type Error struct {
	Endpoint  string
	Op        string
	Transient bool
	Err       error
}

func (e *Error) Error() string {
	return fmt.Sprintf("panel %s: %s: %v", e.Endpoint, e.Op, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// IsTransient reports whether the error is worth one retry.
func IsTransient(err error) bool {
	var pe *Error
	if errors.As(err, &pe) {
		return pe.Transient
	}
	var timeoutErr interface{ Timeout() bool }
	if errors.As(err, &timeoutErr) {
		return timeoutErr.Timeout()
	}
	return false
}

func wrapErr(endpoint, op string, transient bool, err error) error {
	if err == nil {
		return nil
	}
	return &Error{Endpoint: endpoint, Op: op, Transient: transient, Err: err}
}
