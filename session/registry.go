package session

import (
	"context"
	"time"

	"github.com/golang/glog"
	"github.com/jellydator/ttlcache/v3"
	"github.com/oklog/ulid/v2"

	"scribe/remote"
)

const DefaultTTL = 2 * time.Hour

// Client is everything the web app keeps for one browser.
type Client struct {
	ID     string
	Remote *remote.Session
	Holder *Holder
}

func (c *Client) Close() {
	c.Holder.Close()
}

// Registry keeps one Client per browser session. Clients unused for the
// registry TTL are closed and dropped.
type Registry struct {
	service *remote.Client
	clients *ttlcache.Cache[string, *Client]
}

func NewRegistry(service *remote.Client, ttl time.Duration) *Registry {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	clients := ttlcache.New[string, *Client](
		ttlcache.WithTTL[string, *Client](ttl),
	)
	clients.OnEviction(func(ctx context.Context, reason ttlcache.EvictionReason, item *ttlcache.Item[string, *Client]) {
		glog.V(2).Infof("[session]evict %s reason %d\n", item.Key(), reason)
		item.Value().Close()
	})
	return &Registry{service: service, clients: clients}
}

// Start evicts idle clients until Stop is called.
func (r *Registry) Start() {
	r.clients.Start()
}

// Stop closes every client.
func (r *Registry) Stop() {
	r.clients.Stop()
	r.clients.DeleteAll()
}

// Get returns the client of a browser session and keeps it alive.
func (r *Registry) Get(id string) (*Client, bool) {
	if id == "" {
		return nil, false
	}
	item := r.clients.Get(id)
	if item == nil {
		return nil, false
	}
	return item.Value(), true
}

// Open starts a new browser session.
func (r *Registry) Open(ctx context.Context) *Client {
	s := r.service.NewSession()
	client := &Client{
		ID:     ulid.Make().String(),
		Remote: s,
		Holder: New(ctx, s),
	}
	r.clients.Set(client.ID, client, ttlcache.DefaultTTL)
	return client
}

// Drop closes the client of a browser session.
func (r *Registry) Drop(id string) {
	r.clients.Delete(id)
}

func (r *Registry) Len() int {
	return r.clients.Len()
}
