package backend

import (
	"encoding/json"
	"sync"

	"github.com/golang/glog"

	"scribe/domain"
)

// Change is one committed mutation as published on the feed.
type Change struct {
	Table string
	Kind  domain.EventKind
	New   domain.Fielder
	Old   domain.Fielder
}

func (c Change) matches(table string, filter domain.Filter) bool {
	if c.Table != table {
		return false
	}
	if filter.IsZero() {
		return true
	}
	return (c.New != nil && filter.Match(c.New)) || (c.Old != nil && filter.Match(c.Old))
}

// Message encodes the change for subscription ref.
func (c Change) Message(ref string) (domain.FeedMessage, error) {
	m := domain.FeedMessage{
		Type:  domain.FeedEvent,
		Ref:   ref,
		Table: c.Table,
		Kind:  c.Kind,
	}
	var err error
	if c.New != nil {
		if m.New, err = json.Marshal(feedRecord(c.New)); err != nil {
			return m, err
		}
	}
	if c.Old != nil {
		if m.Old, err = json.Marshal(feedRecord(c.Old)); err != nil {
			return m, err
		}
	}
	return m, nil
}

// feedRecord strips fields the feed does not carry: only the table's own columns
// are published, never joined ones.
func feedRecord(r domain.Fielder) any {
	if p, ok := r.(domain.Post); ok {
		p.CategoryName = ""
		return p
	}
	return r
}

type subscription struct {
	table  string
	filter domain.Filter
	send   func(Change)
}

// Broker fans committed changes out to feed subscribers.
type Broker struct {
	mu     sync.RWMutex
	nextID uint64
	subs   map[uint64]*subscription
}

func NewBroker() *Broker {
	return &Broker{
		subs: make(map[uint64]*subscription),
	}
}

// Subscribe registers send for changes of table matching filter. send is called
// from the publishing goroutine and must not block.
func (b *Broker) Subscribe(table string, filter domain.Filter, send func(Change)) (unsubscribe func()) {
	b.mu.Lock()
	b.nextID++
	id := b.nextID
	b.subs[id] = &subscription{table: table, filter: filter, send: send}
	b.mu.Unlock()

	glog.V(2).Infof("[feed]+%d %s %s\n", id, table, filter)
	return func() {
		b.mu.Lock()
		delete(b.subs, id)
		b.mu.Unlock()
		glog.V(2).Infof("[feed]-%d\n", id)
	}
}

func (b *Broker) Publish(c Change) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	n := 0
	for _, sub := range b.subs {
		if c.matches(sub.table, sub.filter) {
			sub.send(c)
			n++
		}
	}
	glog.V(2).Infof("[feed]%s %s -> %d\n", c.Table, c.Kind, n)
}

func (b *Broker) Len() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}
