package cluster

import (
	"context"
	"errors"
	"testing"

	"github.com/google/uuid"

	"vpnhub/internal/panel"
)

type fakePanel struct {
	endpoint  string
	panelType string

	failUpsert   error
	failRenew    error
	failDelete   error
	failToggle   error
	failOnce     bool
	link         string
	trafficBytes int64

	upserts int
	renews  int
	deletes int
	toggles int
}

func (f *fakePanel) Type() string                { return f.panelType }
func (f *fakePanel) Endpoint() string            { return f.endpoint }
func (f *fakePanel) Login(context.Context) error { return nil }

func (f *fakePanel) consume(err *error) error {
	e := *err
	if e != nil && f.failOnce {
		*err = nil
	}
	return e
}

func (f *fakePanel) UpsertClient(_ context.Context, _ panel.ClientConfig) (string, error) {
	f.upserts++
	if err := f.consume(&f.failUpsert); err != nil {
		return "", err
	}
	return f.link, nil
}

func (f *fakePanel) SetEnabled(_ context.Context, _ uuid.UUID, _ string, _ bool) error {
	f.toggles++
	return f.consume(&f.failToggle)
}

func (f *fakePanel) Renew(_ context.Context, _ panel.ClientConfig) error {
	f.renews++
	return f.consume(&f.failRenew)
}

func (f *fakePanel) Delete(_ context.Context, _ uuid.UUID, _ string) error {
	f.deletes++
	return f.consume(&f.failDelete)
}

func (f *fakePanel) Traffic(_ context.Context, _ uuid.UUID, _ string) (int64, error) {
	return f.trafficBytes, nil
}

func transientErr(endpoint string) error {
	return &panel.Error{Endpoint: endpoint, Op: "op", Transient: true, Err: errors.New("http 502")}
}

func permanentErr(endpoint string) error {
	return &panel.Error{Endpoint: endpoint, Op: "op", Transient: false, Err: errors.New("http 400")}
}

type staticCounter map[string]int64

func (s staticCounter) CountActiveByCluster(context.Context) (map[string]int64, error) {
	return s, nil
}

func twoEndpointCluster(a, b *fakePanel) *Coordinator {
	return NewCoordinator([]*Cluster{{
		Name:      "ru-1",
		Endpoints: []Endpoint{{Client: a}, {Client: b}},
	}}, nil, nil)
}

func TestCreate_PartialWhenOneEndpointFails(t *testing.T) {
	good := &fakePanel{endpoint: "https://a", panelType: panel.TypeModern, link: "https://sub/a"}
	bad := &fakePanel{endpoint: "https://b", panelType: panel.TypeLegacy, failUpsert: permanentErr("https://b")}
	coord := twoEndpointCluster(good, bad)

	res, err := coord.Create(context.Background(), "ru-1", panel.ClientConfig{Email: "k1"})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if res.Status != StatusPartial {
		t.Fatalf("status = %s, want partial", res.Status)
	}
	if res.ModernLink != "https://sub/a" {
		t.Fatalf("ModernLink = %q", res.ModernLink)
	}
	if len(res.Endpoints) != 2 {
		t.Fatalf("endpoints = %d", len(res.Endpoints))
	}
}

func TestCreate_FailureWhenAllEndpointsFail(t *testing.T) {
	a := &fakePanel{endpoint: "https://a", panelType: panel.TypeModern, failUpsert: permanentErr("https://a")}
	b := &fakePanel{endpoint: "https://b", panelType: panel.TypeLegacy, failUpsert: permanentErr("https://b")}
	coord := twoEndpointCluster(a, b)

	res, err := coord.Create(context.Background(), "ru-1", panel.ClientConfig{Email: "k1"})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if !res.Failed() {
		t.Fatalf("status = %s, want failure", res.Status)
	}
}

func TestCreate_RetriesTransientOnce(t *testing.T) {
	flaky := &fakePanel{
		endpoint:   "https://a",
		panelType:  panel.TypeModern,
		failUpsert: transientErr("https://a"),
		failOnce:   true,
		link:       "https://sub/a",
	}
	coord := NewCoordinator([]*Cluster{{
		Name:      "ru-1",
		Endpoints: []Endpoint{{Client: flaky}},
	}}, nil, nil)

	res, err := coord.Create(context.Background(), "ru-1", panel.ClientConfig{Email: "k1"})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if res.Status != StatusSuccess {
		t.Fatalf("status = %s, want success", res.Status)
	}
	if flaky.upserts != 2 {
		t.Fatalf("upserts = %d, want 2 (one retry)", flaky.upserts)
	}
}

func TestCreate_NoRetryForPermanent(t *testing.T) {
	bad := &fakePanel{endpoint: "https://a", panelType: panel.TypeModern, failUpsert: permanentErr("https://a")}
	coord := NewCoordinator([]*Cluster{{
		Name:      "ru-1",
		Endpoints: []Endpoint{{Client: bad}},
	}}, nil, nil)

	res, _ := coord.Create(context.Background(), "ru-1", panel.ClientConfig{Email: "k1"})
	if !res.Failed() {
		t.Fatalf("status = %s, want failure", res.Status)
	}
	if bad.upserts != 1 {
		t.Fatalf("upserts = %d, want 1", bad.upserts)
	}
}

func TestRenew_SubgroupMigrationOrdering(t *testing.T) {
	oldEP := &fakePanel{endpoint: "https://old", panelType: panel.TypeModern}
	newEP := &fakePanel{endpoint: "https://new", panelType: panel.TypeModern}
	coord := NewCoordinator([]*Cluster{{
		Name: "ru-1",
		Endpoints: []Endpoint{
			{Client: oldEP, Subgroups: []string{"base"}},
			{Client: newEP, Subgroups: []string{"premium"}},
		},
	}}, nil, nil)

	res, err := coord.Renew(context.Background(), "ru-1", RenewParams{
		ClientID:       uuid.New(),
		Email:          "k1",
		NewExpiryMs:    1,
		TargetSubgroup: "premium",
		OldSubgroup:    "base",
	})
	if err != nil {
		t.Fatalf("Renew: %v", err)
	}
	if res.Status != StatusSuccess {
		t.Fatalf("status = %s", res.Status)
	}
	if newEP.upserts != 1 {
		t.Fatalf("new endpoint upserts = %d, want 1", newEP.upserts)
	}
	if oldEP.deletes != 1 {
		t.Fatalf("old endpoint deletes = %d, want 1", oldEP.deletes)
	}
	if newEP.renews != 1 {
		t.Fatalf("new endpoint renews = %d, want 1", newEP.renews)
	}
	if oldEP.renews != 0 {
		t.Fatalf("old endpoint renews = %d, want 0", oldEP.renews)
	}
}

func TestDelete_TreatsNotFoundAsSuccess(t *testing.T) {
	gone := &fakePanel{
		endpoint:   "https://a",
		panelType:  panel.TypeModern,
		failDelete: &panel.Error{Endpoint: "https://a", Op: "delete", Err: panel.ErrNotFound},
	}
	coord := NewCoordinator([]*Cluster{{
		Name:      "ru-1",
		Endpoints: []Endpoint{{Client: gone}},
	}}, nil, nil)

	res, err := coord.Delete(context.Background(), "ru-1", uuid.New(), "k1")
	if err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if res.Status != StatusSuccess {
		t.Fatalf("status = %s, want success", res.Status)
	}
}

func TestPickLeastLoaded(t *testing.T) {
	mk := func(n int) []Endpoint {
		eps := make([]Endpoint, n)
		for i := range eps {
			eps[i] = Endpoint{Client: &fakePanel{endpoint: "e", panelType: panel.TypeModern}}
		}
		return eps
	}
	coord := NewCoordinator([]*Cluster{
		{Name: "ru-1", Endpoints: mk(2)},
		{Name: "eu-1", Endpoints: mk(2)},
		{Name: "us-1", Endpoints: mk(1)},
	}, staticCounter{"ru-1": 10, "eu-1": 4, "us-1": 3}, nil)

	// ru-1: 5.0, eu-1: 2.0, us-1: 3.0
	name, err := coord.PickLeastLoaded(context.Background())
	if err != nil {
		t.Fatalf("PickLeastLoaded: %v", err)
	}
	if name != "eu-1" {
		t.Fatalf("picked %q, want eu-1", name)
	}
}

func TestPickLeastLoaded_TieBreaksByName(t *testing.T) {
	mk := func() []Endpoint {
		return []Endpoint{{Client: &fakePanel{endpoint: "e", panelType: panel.TypeModern}}}
	}
	coord := NewCoordinator([]*Cluster{
		{Name: "zz", Endpoints: mk()},
		{Name: "aa", Endpoints: mk()},
	}, staticCounter{"zz": 1, "aa": 1}, nil)

	name, err := coord.PickLeastLoaded(context.Background())
	if err != nil {
		t.Fatalf("PickLeastLoaded: %v", err)
	}
	if name != "aa" {
		t.Fatalf("picked %q, want aa", name)
	}
}

func TestTraffic_SumsAcrossEndpoints(t *testing.T) {
	a := &fakePanel{endpoint: "https://a", panelType: panel.TypeModern, trafficBytes: 100}
	b := &fakePanel{endpoint: "https://b", panelType: panel.TypeLegacy, trafficBytes: 250}
	coord := twoEndpointCluster(a, b)

	total, err := coord.Traffic(context.Background(), "ru-1", uuid.New(), "k1")
	if err != nil {
		t.Fatalf("Traffic: %v", err)
	}
	if total != 350 {
		t.Fatalf("total = %d, want 350", total)
	}
}

func TestUnfreezeTrafficGrant(t *testing.T) {
	base := int64(100 << 30)

	// Exactly 30 days remaining: full base grant.
	if got := UnfreezeTrafficGrant(30*msPerDay, base); got != base {
		t.Fatalf("30d grant = %d, want %d", got, base)
	}
	// 15 days: half, rounded up.
	if got := UnfreezeTrafficGrant(15*msPerDay, base); got != base/2 {
		t.Fatalf("15d grant = %d, want %d", got, base/2)
	}
	// 1 ms remaining still grants something.
	if got := UnfreezeTrafficGrant(1, base); got < 1 {
		t.Fatalf("1ms grant = %d, want >= 1", got)
	}
	// Expired or unlimited base grants nothing.
	if got := UnfreezeTrafficGrant(0, base); got != 0 {
		t.Fatalf("expired grant = %d, want 0", got)
	}
	if got := UnfreezeTrafficGrant(30*msPerDay, 0); got != 0 {
		t.Fatalf("unlimited grant = %d, want 0", got)
	}
	// A year on a terabyte limit stays exact despite the oversized
	// intermediate product.
	if got := UnfreezeTrafficGrant(360*msPerDay, 1<<40); got != 12<<40 {
		t.Fatalf("360d terabyte grant = %d, want %d", got, int64(12)<<40)
	}
	// 12 of 30 days on 100 GiB: exactly 40 GiB.
	if got := UnfreezeTrafficGrant(12*msPerDay, base); got != 40<<30 {
		t.Fatalf("12d grant = %d, want %d", got, int64(40)<<30)
	}
}
