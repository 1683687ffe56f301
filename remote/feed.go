package remote

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/golang/glog"
	"github.com/gorilla/websocket"
	"github.com/oklog/ulid/v2"

	"scribe/domain"
)

type feedEvent = domain.FeedMessage

const (
	feedReadTimeout  = 60 * time.Second
	feedWriteTimeout = 10 * time.Second
	feedMinBackoff   = 500 * time.Millisecond
	feedMaxBackoff   = 15 * time.Second
)

var ErrFeedClosed = errors.New("feed closed")

type feedSub struct {
	ref    string
	table  string
	filter domain.Filter
	fn     func(feedEvent)
	// established is set once the first ack arrived. Later acks follow a
	// reconnect and are turned into reset events.
	established bool
	ack         chan error
}

func (s *feedSub) message() feedEvent {
	m := feedEvent{Type: domain.FeedSubscribe, Ref: s.ref, Table: s.table}
	if !s.filter.IsZero() {
		filter := s.filter
		m.Filter = &filter
	}
	return m
}

// Feed multiplexes every change-feed subscription of the process over one
// websocket, reconnecting with backoff when it drops.
type Feed struct {
	client *Client
	dialer *websocket.Dialer

	ctx    context.Context
	cancel context.CancelFunc

	mu      sync.Mutex
	started bool
	conn    *websocket.Conn
	subs    map[string]*feedSub

	writeMu sync.Mutex
}

func newFeed(client *Client) *Feed {
	ctx, cancel := context.WithCancel(context.Background())
	return &Feed{
		client: client,
		dialer: &websocket.Dialer{HandshakeTimeout: client.http.Timeout},
		ctx:    ctx,
		cancel: cancel,
		subs:   make(map[string]*feedSub),
	}
}

func (f *Feed) url() string {
	u := *f.client.base
	if u.Scheme == "https" {
		u.Scheme = "wss"
	} else {
		u.Scheme = "ws"
	}
	u.Path = f.client.base.Path + "/realtime/v1"
	return u.String()
}

// Subscribe registers fn for events of table matching filter and waits until
// the service acknowledged the subscription. fn runs on the feed's read loop and
// must not block.
func (f *Feed) Subscribe(ctx context.Context, table string, filter domain.Filter, fn func(feedEvent)) (unsubscribe func(), err error) {
	sub := &feedSub{
		ref:    ulid.Make().String(),
		table:  table,
		filter: filter,
		fn:     fn,
		ack:    make(chan error, 1),
	}

	f.mu.Lock()
	if f.ctx.Err() != nil {
		f.mu.Unlock()
		return nil, ErrFeedClosed
	}
	f.subs[sub.ref] = sub
	conn := f.conn
	if !f.started {
		f.started = true
		go f.run()
	}
	f.mu.Unlock()

	if conn != nil {
		// on failure the read loop reconnects and resends every subscription
		f.write(conn, sub.message())
	}

	select {
	case err := <-sub.ack:
		if err != nil {
			f.unsubscribe(sub.ref)
			return nil, err
		}
	case <-ctx.Done():
		f.unsubscribe(sub.ref)
		return nil, ctx.Err()
	case <-f.ctx.Done():
		return nil, ErrFeedClosed
	}
	return func() { f.unsubscribe(sub.ref) }, nil
}

func (f *Feed) unsubscribe(ref string) {
	f.mu.Lock()
	_, ok := f.subs[ref]
	delete(f.subs, ref)
	conn := f.conn
	f.mu.Unlock()
	if ok && conn != nil {
		f.write(conn, feedEvent{Type: domain.FeedUnsubscribe, Ref: ref})
	}
}

func (f *Feed) write(conn *websocket.Conn, m feedEvent) error {
	f.writeMu.Lock()
	defer f.writeMu.Unlock()
	conn.SetWriteDeadline(time.Now().Add(feedWriteTimeout))
	if err := conn.WriteJSON(m); err != nil {
		glog.V(2).Infof("[feed]write %s error = %s\n", m.Type, err)
		return err
	}
	return nil
}

func (f *Feed) Close() {
	f.cancel()
	f.mu.Lock()
	conn := f.conn
	f.conn = nil
	f.mu.Unlock()
	if conn != nil {
		conn.Close()
	}
}

func (f *Feed) run() {
	backoff := feedMinBackoff
	for {
		if f.ctx.Err() != nil {
			return
		}
		header := http.Header{}
		header.Set("apikey", f.client.key)
		conn, _, err := f.dialer.DialContext(f.ctx, f.url(), header)
		if err != nil {
			glog.Infof("[feed]dial error = %s\n", err)
			select {
			case <-f.ctx.Done():
				return
			case <-time.After(backoff):
			}
			backoff = min(2*backoff, feedMaxBackoff)
			continue
		}
		backoff = feedMinBackoff
		f.serve(conn)
	}
}

// serve resends every subscription on the new connection and dispatches messages
// until the connection fails.
func (f *Feed) serve(conn *websocket.Conn) {
	defer conn.Close()

	f.mu.Lock()
	if f.ctx.Err() != nil {
		f.mu.Unlock()
		return
	}
	f.conn = conn
	subs := make([]feedEvent, 0, len(f.subs))
	for _, sub := range f.subs {
		subs = append(subs, sub.message())
	}
	f.mu.Unlock()

	defer func() {
		f.mu.Lock()
		if f.conn == conn {
			f.conn = nil
		}
		f.mu.Unlock()
	}()

	conn.SetReadDeadline(time.Now().Add(feedReadTimeout))
	conn.SetPingHandler(func(data string) error {
		conn.SetReadDeadline(time.Now().Add(feedReadTimeout))
		return conn.WriteControl(websocket.PongMessage, []byte(data), time.Now().Add(feedWriteTimeout))
	})

	for _, m := range subs {
		if err := f.write(conn, m); err != nil {
			return
		}
	}
	glog.V(2).Infof("[feed]connected, %d subscriptions\n", len(subs))

	for {
		var m feedEvent
		if err := conn.ReadJSON(&m); err != nil {
			if f.ctx.Err() == nil {
				glog.Infof("[feed]read error = %s\n", err)
			}
			return
		}
		conn.SetReadDeadline(time.Now().Add(feedReadTimeout))
		f.dispatch(m)
	}
}

func (f *Feed) dispatch(m feedEvent) {
	f.mu.Lock()
	sub, ok := f.subs[m.Ref]
	var reset bool
	if ok && m.Type == domain.FeedAck {
		reset = sub.established
		sub.established = true
	}
	f.mu.Unlock()
	if !ok {
		return
	}

	switch m.Type {
	case domain.FeedAck:
		if reset {
			sub.fn(feedEvent{Type: domain.FeedEvent, Ref: m.Ref, Table: sub.table, Kind: domain.EventReset})
			return
		}
		select {
		case sub.ack <- nil:
		default:
		}
	case domain.FeedError:
		select {
		case sub.ack <- errors.New(m.Error):
		default:
		}
	case domain.FeedEvent:
		sub.fn(m)
	}
}
