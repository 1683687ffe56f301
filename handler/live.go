package handler

import (
	"context"
	"errors"
	"time"

	"github.com/golang/glog"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"

	"scribe/domain"
	"scribe/page"
)

const (
	liveWriteTimeout  = 10 * time.Second
	livePongTimeout   = 60 * time.Second
	livePingPeriod    = 25 * time.Second
	liveActionTimeout = 15 * time.Second
	liveOpenTimeout   = 15 * time.Second
)

// liveMessage is sent to the browser.
type liveMessage struct {
	Type  string     `json:"type"`
	HTML  string     `json:"html,omitempty"`
	Level page.Level `json:"level,omitempty"`
	Text  string     `json:"text,omitempty"`
	Busy  *bool      `json:"busy,omitempty"`
}

// liveAction is sent by the browser to the dashboard.
type liveAction struct {
	Action string        `json:"action"`
	ID     string        `json:"id"`
	Form   page.PostForm `json:"form"`
}

// liveConn pushes messages to one browser. Page changes are coalesced so only
// the latest list is rendered. Actions run on the read loop, one at a time.
type liveConn struct {
	ws      *websocket.Conn
	changed chan struct{}
	out     chan liveMessage
	done    chan struct{}
}

func newLiveConn(ws *websocket.Conn) *liveConn {
	return &liveConn{
		ws:      ws,
		changed: make(chan struct{}, 1),
		out:     make(chan liveMessage, 16),
		done:    make(chan struct{}),
	}
}

func (l *liveConn) markChanged() {
	select {
	case l.changed <- struct{}{}:
	default:
	}
}

func (l *liveConn) send(m liveMessage) {
	select {
	case l.out <- m:
	case <-l.done:
	}
}

// writeLoop writes until the connection fails or done is closed. render builds
// the list message after changes.
func (l *liveConn) writeLoop(render func() (liveMessage, error)) {
	ticker := time.NewTicker(livePingPeriod)
	defer ticker.Stop()
	defer l.ws.Close()
	for {
		var m liveMessage
		select {
		case <-l.done:
			return
		case <-ticker.C:
			if err := l.ws.WriteControl(websocket.PingMessage, nil, time.Now().Add(liveWriteTimeout)); err != nil {
				return
			}
			continue
		case m = <-l.out:
		case <-l.changed:
			var err error
			if m, err = render(); err != nil {
				glog.Errorf("[live]render error = %s\n", err)
				continue
			}
		}
		l.ws.SetWriteDeadline(time.Now().Add(liveWriteTimeout))
		if err := l.ws.WriteJSON(m); err != nil {
			glog.V(2).Infof("[live]write error = %s\n", err)
			return
		}
	}
}

// fail closes the connection after the page could not be opened.
func (l *liveConn) fail(err error) {
	glog.Errorf("[live]open error = %s\n", err)
	l.ws.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseTryAgainLater, "service unavailable"),
		time.Now().Add(liveWriteTimeout))
	l.ws.Close()
}

// openContext bounds opening a live page, so an unreachable service does not
// park the connection.
func (h *Handler) openContext() (context.Context, context.CancelFunc) {
	timeout := h.LiveOpenTimeout
	if timeout <= 0 {
		timeout = liveOpenTimeout
	}
	return context.WithTimeout(context.Background(), timeout)
}

// readLoop hands every action to fn until the browser goes away.
func (l *liveConn) readLoop(fn func(liveAction)) {
	l.ws.SetReadLimit(64 << 10)
	l.ws.SetReadDeadline(time.Now().Add(livePongTimeout))
	l.ws.SetPongHandler(func(string) error {
		l.ws.SetReadDeadline(time.Now().Add(livePongTimeout))
		return nil
	})
	for {
		var a liveAction
		if err := l.ws.ReadJSON(&a); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				glog.V(2).Infof("[live]read error = %s\n", err)
			}
			return
		}
		if fn != nil {
			fn(a)
		}
	}
}

func (h *Handler) LiveHome(c echo.Context) error {
	client := h.client(c)
	category := c.QueryParam("category")
	if _, err := uuid.Parse(category); err != nil {
		category = ""
	}

	ws, err := h.upgrader.Upgrade(c.Response(), c.Request(), nil)
	if err != nil {
		return nil
	}
	conn := newLiveConn(ws)
	defer close(conn.done)

	ctx, cancel := h.openContext()
	home, err := page.OpenHome(ctx, page.TablesOf(client.Remote), category, true, conn.markChanged)
	cancel()
	if err != nil {
		conn.fail(err)
		return nil
	}
	defer home.Close()

	go conn.writeLoop(func() (liveMessage, error) {
		html, err := h.templates.Fragment("index.html", "post-list", postDTOs(home.View().Posts, client.Holder.Identity()))
		return liveMessage{Type: "list", HTML: html}, err
	})
	conn.readLoop(nil)
	return nil
}

func (h *Handler) LiveDashboard(c echo.Context) error {
	client := h.client(c)
	if client.Holder.Identity() == nil {
		return domain.ErrUnauthorized
	}

	ws, err := h.upgrader.Upgrade(c.Response(), c.Request(), nil)
	if err != nil {
		return nil
	}
	conn := newLiveConn(ws)
	defer close(conn.done)

	ctx, cancel := h.openContext()
	d, err := page.OpenDashboard(ctx, client.Holder, page.TablesOf(client.Remote), page.DashboardOptions{
		Live:     true,
		OnChange: conn.markChanged,
		OnNotice: func(n page.Notice) {
			conn.send(liveMessage{Type: "notice", Level: n.Level, Text: n.Text})
		},
		OnBusy: func(busy bool) {
			conn.send(liveMessage{Type: "busy", Busy: &busy})
		},
	})
	cancel()
	if err != nil {
		conn.fail(err)
		return nil
	}
	defer d.Close()

	go conn.writeLoop(func() (liveMessage, error) {
		html, err := h.templates.Fragment("dashboard.html", "dashboard-list", postDTOs(d.View().Posts, client.Holder.Identity()))
		return liveMessage{Type: "list", HTML: html}, err
	})
	conn.readLoop(func(a liveAction) {
		ctx, cancel := context.WithTimeout(context.Background(), liveActionTimeout)
		defer cancel()
		var err error
		switch a.Action {
		case "create":
			_, err = d.Create(ctx, a.Form)
		case "update":
			_, err = d.Update(ctx, a.ID, a.Form)
		case "delete":
			err = d.Delete(ctx, a.ID)
		default:
			glog.V(2).Infof("[live]unknown action %q\n", a.Action)
			return
		}
		if errors.Is(err, domain.ErrUnauthorized) {
			conn.ws.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.ClosePolicyViolation, "signed out"),
				time.Now().Add(liveWriteTimeout))
		}
	})
	return nil
}
