package session

import (
	"context"
	"testing"
	"time"

	"github.com/go-playground/assert/v2"

	"scribe/backend/backendtest"
	"scribe/domain"
	"scribe/remote"
)

func newTestRegistry(t *testing.T, ttl time.Duration) *Registry {
	t.Helper()
	_, srv := backendtest.Start(t)
	service, err := remote.New(remote.Config{URL: srv.URL, Key: backendtest.PublicKey, Timeout: 5 * time.Second})
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(service.Close)
	r := NewRegistry(service, ttl)
	go r.Start()
	t.Cleanup(r.Stop)
	return r
}

func TestRegistryKeepsOneClientPerBrowser(t *testing.T) {
	ctx := context.Background()
	r := newTestRegistry(t, time.Minute)

	a := r.Open(ctx)
	b := r.Open(ctx)
	assert.NotEqual(t, a.ID, b.ID)

	route := a.Holder.Signup(ctx, domain.Credentials{Email: "ana@example.com", Password: "secret123"})
	assert.Equal(t, route, RouteDashboard)

	got, ok := r.Get(a.ID)
	assert.Equal(t, ok, true)
	assert.Equal(t, got.Holder.Identity().Email, "ana@example.com")

	got, ok = r.Get(b.ID)
	assert.Equal(t, ok, true)
	assert.Equal(t, got.Holder.Identity() == nil, true)

	_, ok = r.Get("unknown")
	assert.Equal(t, ok, false)
}

func TestRegistryDropsIdleClients(t *testing.T) {
	ctx := context.Background()
	r := newTestRegistry(t, 50*time.Millisecond)
	client := r.Open(ctx)

	deadline := time.Now().Add(5 * time.Second)
	for r.Len() > 0 && time.Now().Before(deadline) {
		time.Sleep(20 * time.Millisecond)
	}
	_, ok := r.Get(client.ID)
	assert.Equal(t, ok, false)
}
