// Package cluster fans key lifecycle operations out across the panel
// endpoints of a cluster. Endpoint failures are isolated and rolled up
// into a single Result instead of aborting the whole operation.
package cluster

import (
	"context"
	"errors"
	"math"
	"math/bits"
	"sort"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"vpnhub/internal/metrics"
	"vpnhub/internal/panel"
)

var (
	ErrClusterNotFound = errors.New("cluster not found")
	// ErrHwidUnsupported means no endpoint in the cluster manages devices.
	ErrHwidUnsupported = errors.New("cluster has no device-managing endpoint")
)

type Status string

const (
	StatusSuccess Status = "success"
	StatusPartial Status = "partial"
	StatusFailure Status = "failure"
)

// Endpoint is one panel inside a cluster. Subgroups limits which
// subgroup placements the endpoint serves; empty means all.
type Endpoint struct {
	Client    panel.Client
	Subgroups []string
}

func (e Endpoint) serves(subgroup string) bool {
	if len(e.Subgroups) == 0 || subgroup == "" {
		return true
	}
	for _, s := range e.Subgroups {
		if s == subgroup {
			return true
		}
	}
	return false
}

// Cluster is a named set of panel endpoints bound to one tariff group.
type Cluster struct {
	Name      string
	GroupCode string
	Endpoints []Endpoint
}

type EndpointResult struct {
	Endpoint  string `json:"endpoint"`
	PanelType string `json:"panel_type"`
	OK        bool   `json:"ok"`
	Error     string `json:"error,omitempty"`
	Link      string `json:"link,omitempty"`
}

// Result is the rollup of one fan-out. Callers treat partial as success
// for UX; the per-endpoint slice carries the detail for logs and admins.
type Result struct {
	Status    Status           `json:"status"`
	Endpoints []EndpointResult `json:"endpoints"`
	// LegacyLink/ModernLink carry the first link material returned per
	// dialect on create.
	LegacyLink string `json:"legacy_link,omitempty"`
	ModernLink string `json:"modern_link,omitempty"`
}

// Failed reports whether nothing succeeded at all.
func (r *Result) Failed() bool { return r.Status == StatusFailure }

func rollup(results []EndpointResult) Status {
	ok := 0
	for _, res := range results {
		if res.OK {
			ok++
		}
	}
	switch {
	case len(results) == 0 || ok == 0:
		return StatusFailure
	case ok == len(results):
		return StatusSuccess
	default:
		return StatusPartial
	}
}

type ActiveKeyCounter interface {
	CountActiveByCluster(ctx context.Context) (map[string]int64, error)
}

type Coordinator struct {
	clusters map[string]*Cluster
	counter  ActiveKeyCounter
	logger   *zap.Logger
}

func NewCoordinator(clusters []*Cluster, counter ActiveKeyCounter, logger *zap.Logger) *Coordinator {
	if logger == nil {
		logger = zap.NewNop()
	}

	byName := make(map[string]*Cluster, len(clusters))
	for _, c := range clusters {
		byName[c.Name] = c
	}
	return &Coordinator{
		clusters: byName,
		counter:  counter,
		logger:   logger,
	}
}

func (c *Coordinator) Cluster(name string) (*Cluster, error) {
	cl, ok := c.clusters[name]
	if !ok {
		return nil, ErrClusterNotFound
	}
	return cl, nil
}

// GroupCode returns the tariff group a cluster sells from.
func (c *Coordinator) GroupCode(name string) (string, error) {
	cl, err := c.Cluster(name)
	if err != nil {
		return "", err
	}
	return cl.GroupCode, nil
}

func (c *Coordinator) ClusterNames() []string {
	names := make([]string, 0, len(c.clusters))
	for name := range c.clusters {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// PickLeastLoaded chooses the cluster with the lowest active-keys per
// endpoint ratio. Ties break by cluster name ascending.
func (c *Coordinator) PickLeastLoaded(ctx context.Context) (string, error) {
	if len(c.clusters) == 0 {
		return "", ErrClusterNotFound
	}

	counts := map[string]int64{}
	if c.counter != nil {
		loaded, err := c.counter.CountActiveByCluster(ctx)
		if err != nil {
			return "", err
		}
		counts = loaded
	}

	best := ""
	bestRatio := 0.0
	for _, name := range c.ClusterNames() {
		cl := c.clusters[name]
		if len(cl.Endpoints) == 0 {
			continue
		}
		ratio := float64(counts[name]) / float64(len(cl.Endpoints))
		if best == "" || ratio < bestRatio {
			best = name
			bestRatio = ratio
		}
	}
	if best == "" {
		return "", ErrClusterNotFound
	}
	return best, nil
}

// callEndpoint runs one panel call with a single retry on transient
// failures.
func callEndpoint(ep Endpoint, op func(panel.Client) error) EndpointResult {
	res := EndpointResult{
		Endpoint:  ep.Client.Endpoint(),
		PanelType: ep.Client.Type(),
	}

	err := op(ep.Client)
	if err != nil && panel.IsTransient(err) {
		err = op(ep.Client)
	}
	if err != nil {
		res.Error = err.Error()
		return res
	}
	res.OK = true
	return res
}

// Create materializes a key on every endpoint serving its subgroup.
func (c *Coordinator) Create(ctx context.Context, clusterID string, cfg panel.ClientConfig) (*Result, error) {
	cl, err := c.Cluster(clusterID)
	if err != nil {
		return nil, err
	}

	out := &Result{}
	for _, ep := range cl.Endpoints {
		if !ep.serves(cfg.Subgroup) {
			continue
		}
		ep := ep
		res := callEndpoint(ep, func(client panel.Client) error {
			link, err := client.UpsertClient(ctx, cfg)
			if err != nil {
				return err
			}
			if link != "" {
				switch client.Type() {
				case panel.TypeLegacy:
					if out.LegacyLink == "" {
						out.LegacyLink = link
					}
				case panel.TypeModern:
					if out.ModernLink == "" {
						out.ModernLink = link
					}
				}
			}
			return nil
		})
		if !res.OK {
			metrics.PanelFanoutFailures.WithLabelValues(clusterID, "create").Inc()
			c.logger.Warn("panel create failed",
				zap.String("cluster", clusterID),
				zap.String("endpoint", res.Endpoint),
				zap.String("error", res.Error),
			)
		}
		out.Endpoints = append(out.Endpoints, res)
	}

	out.Status = rollup(out.Endpoints)
	return out, nil
}

// RenewParams carries everything a renewal touches on panels.
type RenewParams struct {
	ClientID       uuid.UUID
	TgID           int64
	Email          string
	NewExpiryMs    int64
	TrafficBytes   int64
	DeviceLimit    int
	ResetTraffic   bool
	TargetSubgroup string
	OldSubgroup    string
}

// Renew applies new expiry and limits across the cluster. When the
// subgroup changes, presence in the new subgroup is ensured first, then
// the key is removed from endpoints serving only the old one, and only
// then are expiry/limits applied to the endpoints that remain.
func (c *Coordinator) Renew(ctx context.Context, clusterID string, params RenewParams) (*Result, error) {
	cl, err := c.Cluster(clusterID)
	if err != nil {
		return nil, err
	}

	cfg := panel.ClientConfig{
		ClientID:     params.ClientID,
		TgID:         params.TgID,
		Email:        params.Email,
		ExpiryMs:     params.NewExpiryMs,
		DeviceLimit:  params.DeviceLimit,
		TrafficBytes: params.TrafficBytes,
		Subgroup:     params.TargetSubgroup,
		Enabled:      true,
	}

	out := &Result{}

	migrating := params.TargetSubgroup != params.OldSubgroup && params.TargetSubgroup != ""
	if migrating {
		for _, ep := range cl.Endpoints {
			if !ep.serves(params.TargetSubgroup) || ep.serves(params.OldSubgroup) {
				continue
			}
			res := callEndpoint(ep, func(client panel.Client) error {
				_, err := client.UpsertClient(ctx, cfg)
				return err
			})
			out.Endpoints = append(out.Endpoints, res)
		}
		for _, ep := range cl.Endpoints {
			if !ep.serves(params.OldSubgroup) || ep.serves(params.TargetSubgroup) {
				continue
			}
			res := callEndpoint(ep, func(client panel.Client) error {
				return client.Delete(ctx, params.ClientID, params.Email)
			})
			out.Endpoints = append(out.Endpoints, res)
		}
	}

	for _, ep := range cl.Endpoints {
		if !ep.serves(params.TargetSubgroup) {
			continue
		}
		res := callEndpoint(ep, func(client panel.Client) error {
			return client.Renew(ctx, cfg)
		})
		if !res.OK {
			metrics.PanelFanoutFailures.WithLabelValues(clusterID, "renew").Inc()
			c.logger.Warn("panel renew failed",
				zap.String("cluster", clusterID),
				zap.String("endpoint", res.Endpoint),
				zap.String("error", res.Error),
			)
		}
		out.Endpoints = append(out.Endpoints, res)
	}

	out.Status = rollup(out.Endpoints)
	return out, nil
}

// Toggle flips the remote enabled flag; the panel rows are kept.
func (c *Coordinator) Toggle(ctx context.Context, clusterID string, clientID uuid.UUID, email string, enable bool) (*Result, error) {
	return c.fanout(ctx, clusterID, "toggle", func(client panel.Client) error {
		return client.SetEnabled(ctx, clientID, email, enable)
	})
}

// Delete purges the key from every endpoint.
func (c *Coordinator) Delete(ctx context.Context, clusterID string, clientID uuid.UUID, email string) (*Result, error) {
	return c.fanout(ctx, clusterID, "delete", func(client panel.Client) error {
		err := client.Delete(ctx, clientID, email)
		if errors.Is(err, panel.ErrNotFound) {
			// Already gone on this endpoint.
			return nil
		}
		return err
	})
}

// ChangeSubgroup migrates a key between subgroups without touching its
// expiry. Renew performs the same dance implicitly when the target
// subgroup differs.
func (c *Coordinator) ChangeSubgroup(
	ctx context.Context,
	clusterID string,
	cfg panel.ClientConfig,
	oldSubgroup, newSubgroup string,
) (*Result, error) {
	cfg.Subgroup = newSubgroup
	params := RenewParams{
		ClientID:       cfg.ClientID,
		TgID:           cfg.TgID,
		Email:          cfg.Email,
		NewExpiryMs:    cfg.ExpiryMs,
		TrafficBytes:   cfg.TrafficBytes,
		DeviceLimit:    cfg.DeviceLimit,
		TargetSubgroup: newSubgroup,
		OldSubgroup:    oldSubgroup,
	}
	return c.Renew(ctx, clusterID, params)
}

// Traffic sums panel-reported bytes across the cluster, skipping
// endpoints that fail. It errors only when every endpoint failed.
func (c *Coordinator) Traffic(ctx context.Context, clusterID string, clientID uuid.UUID, email string) (int64, error) {
	cl, err := c.Cluster(clusterID)
	if err != nil {
		return 0, err
	}

	var total int64
	var answered bool
	for _, ep := range cl.Endpoints {
		bytes, err := ep.Client.Traffic(ctx, clientID, email)
		if err != nil && panel.IsTransient(err) {
			bytes, err = ep.Client.Traffic(ctx, clientID, email)
		}
		if err != nil {
			c.logger.Debug("panel traffic read failed",
				zap.String("cluster", clusterID),
				zap.String("endpoint", ep.Client.Endpoint()),
				zap.Error(err),
			)
			continue
		}
		answered = true
		total += bytes
	}
	if !answered {
		return 0, errors.New("no panel endpoint reported traffic")
	}
	return total, nil
}

// HwidDevices lists hardware devices from the first endpoint that
// supports device management. Legacy panels do not track devices.
func (c *Coordinator) HwidDevices(ctx context.Context, clusterID string, clientID uuid.UUID) ([]panel.HwidDevice, error) {
	cl, err := c.Cluster(clusterID)
	if err != nil {
		return nil, err
	}
	for _, ep := range cl.Endpoints {
		mgr, ok := ep.Client.(panel.HwidManager)
		if !ok {
			continue
		}
		devices, err := mgr.GetHwidDevices(ctx, clientID)
		if err != nil {
			c.logger.Warn("hwid device list failed",
				zap.String("cluster", clusterID),
				zap.String("endpoint", ep.Client.Endpoint()),
				zap.Error(err),
			)
			continue
		}
		return devices, nil
	}
	return nil, ErrHwidUnsupported
}

// DeleteHwidDevice drops the device binding on every endpoint that
// supports device management.
func (c *Coordinator) DeleteHwidDevice(ctx context.Context, clusterID string, clientID uuid.UUID, hwid string) error {
	cl, err := c.Cluster(clusterID)
	if err != nil {
		return err
	}
	var deleted bool
	for _, ep := range cl.Endpoints {
		mgr, ok := ep.Client.(panel.HwidManager)
		if !ok {
			continue
		}
		if err := mgr.DeleteHwidDevice(ctx, clientID, hwid); err != nil {
			c.logger.Warn("hwid device delete failed",
				zap.String("cluster", clusterID),
				zap.String("endpoint", ep.Client.Endpoint()),
				zap.Error(err),
			)
			continue
		}
		deleted = true
	}
	if !deleted {
		return ErrHwidUnsupported
	}
	return nil
}

func (c *Coordinator) fanout(ctx context.Context, clusterID, op string, call func(panel.Client) error) (*Result, error) {
	cl, err := c.Cluster(clusterID)
	if err != nil {
		return nil, err
	}

	out := &Result{}
	for _, ep := range cl.Endpoints {
		res := callEndpoint(ep, call)
		if !res.OK {
			metrics.PanelFanoutFailures.WithLabelValues(clusterID, op).Inc()
			c.logger.Warn("panel operation failed",
				zap.String("cluster", clusterID),
				zap.String("op", op),
				zap.String("endpoint", res.Endpoint),
				zap.String("error", res.Error),
			)
		}
		out.Endpoints = append(out.Endpoints, res)
	}
	out.Status = rollup(out.Endpoints)
	return out, nil
}

const msPerDay = int64(86_400_000)

// UnfreezeTrafficGrant is the proportional grant re-applied when a key
// thaws: ceil(remaining_days / 30 * base_bytes). The intermediate
// product exceeds int64 for month-scale remainders on multi-gigabyte
// limits, so the ceiling division runs on the 128-bit product.
func UnfreezeTrafficGrant(remainingMs, baseBytes int64) int64 {
	if remainingMs <= 0 || baseBytes <= 0 {
		return 0
	}
	period := uint64(30 * msPerDay)
	hi, lo := bits.Mul64(uint64(remainingMs), uint64(baseBytes))
	if hi >= period {
		return math.MaxInt64
	}
	grant, rem := bits.Div64(hi, lo, period)
	if rem > 0 {
		grant++
	}
	if grant > math.MaxInt64 {
		return math.MaxInt64
	}
	return int64(grant)
}
