package backend

import (
	"net/http"
	"sync"
	"time"

	"github.com/golang/glog"
	"github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"

	"scribe/domain"
)

const (
	feedWriteTimeout = 10 * time.Second
	feedPongTimeout  = 60 * time.Second
	feedPingInterval = 25 * time.Second
	feedSendBuffer   = 256
)

var upgrader = websocket.Upgrader{CheckOrigin: func(r *http.Request) bool { return true }}

var feedTables = map[string]bool{
	domain.TablePosts:      true,
	domain.TableCategories: true,
	domain.TableAuth:       true,
}

// Realtime serves the change feed. Each subscription is identified by the
// client-chosen ref; events are tagged with it.
func (s *Server) Realtime(c echo.Context) error {
	conn, err := upgrader.Upgrade(c.Response(), c.Request(), nil)
	if err != nil {
		return err
	}

	send := make(chan domain.FeedMessage, feedSendBuffer)
	done := make(chan struct{})
	var closeOnce sync.Once
	shutdown := func() {
		closeOnce.Do(func() {
			close(done)
			conn.Close()
		})
	}

	// a subscriber that cannot keep up is dropped; its client resubscribes
	// and reloads after reconnecting
	enqueue := func(m domain.FeedMessage) {
		select {
		case send <- m:
		case <-done:
		default:
			glog.Infof("[rt]drop slow subscriber %s\n", c.RealIP())
			shutdown()
		}
	}

	go func() {
		defer shutdown()
		ping := time.NewTicker(feedPingInterval)
		defer ping.Stop()
		for {
			select {
			case <-done:
				return
			case m := <-send:
				conn.SetWriteDeadline(time.Now().Add(feedWriteTimeout))
				if err := conn.WriteJSON(m); err != nil {
					glog.V(2).Infof("[rt]write error = %s\n", err)
					return
				}
			case <-ping.C:
				if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(feedWriteTimeout)); err != nil {
					return
				}
			}
		}
	}()

	subs := map[string]func(){}
	defer func() {
		for _, unsubscribe := range subs {
			unsubscribe()
		}
		shutdown()
	}()

	conn.SetReadDeadline(time.Now().Add(feedPongTimeout))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(feedPongTimeout))
		return nil
	})

	for {
		var m domain.FeedMessage
		if err := conn.ReadJSON(&m); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				glog.V(2).Infof("[rt]read error = %s\n", err)
			}
			return nil
		}
		conn.SetReadDeadline(time.Now().Add(feedPongTimeout))

		switch m.Type {
		case domain.FeedSubscribe:
			if m.Ref == "" || !feedTables[m.Table] {
				enqueue(domain.FeedMessage{Type: domain.FeedError, Ref: m.Ref, Error: "unknown table " + m.Table})
				continue
			}
			if _, ok := subs[m.Ref]; ok {
				enqueue(domain.FeedMessage{Type: domain.FeedAck, Ref: m.Ref})
				continue
			}
			filter := domain.Filter{}
			if m.Filter != nil {
				filter = *m.Filter
			}
			ref := m.Ref
			subs[ref] = s.Broker.Subscribe(m.Table, filter, func(change Change) {
				msg, err := change.Message(ref)
				if err != nil {
					glog.Errorf("[rt]encode %s event: %s\n", change.Table, err)
					return
				}
				enqueue(msg)
			})
			enqueue(domain.FeedMessage{Type: domain.FeedAck, Ref: ref})
		case domain.FeedUnsubscribe:
			if unsubscribe, ok := subs[m.Ref]; ok {
				unsubscribe()
				delete(subs, m.Ref)
			}
		default:
			enqueue(domain.FeedMessage{Type: domain.FeedError, Ref: m.Ref, Error: "unknown message type " + m.Type})
		}
	}
}
