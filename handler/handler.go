package handler

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"

	"scribe/domain"
	"scribe/page"
	"scribe/session"
)

const DEV_ENV = "dev"
const PRO_ENV = "pro"

const (
	sessionCookie = "scribe_session"
	flashCookie   = "scribe_flash"
)

type Handler struct {
	Sessions    *session.Registry
	Environment string
	// LiveOpenTimeout bounds loading a live page and joining the change feed.
	LiveOpenTimeout time.Duration

	templates *TemplateRegistry
	upgrader  websocket.Upgrader
}

// Echo builds the web app with every route.
func (h *Handler) Echo() *echo.Echo {
	h.templates = NewTemplateRegistry()

	e := echo.New()
	e.HideBanner = true
	e.Use(middleware.Recover())
	e.Use(middleware.Logger())
	e.Renderer = h.templates
	e.HTTPErrorHandler = h.customHTTPErrorHandler

	e.GET("/", h.GetPosts)
	e.GET("/posts/:id", h.GetByID)
	e.GET("/signup", h.GetNewUserForm)
	e.GET("/login", h.GetLoginForm)
	e.GET("/error", h.GetError)
	e.StaticFS("/static", echo.MustSubFS(assetFS, "assets"))

	e.POST("/signup", h.NewUser)
	e.POST("/login", h.Login)
	e.POST("/logout", h.Logout)
	e.GET("/logout", h.Logout)

	e.GET("/dashboard", h.GetDashboard)
	e.POST("/dashboard/posts", h.NewPost)
	e.GET("/dashboard/posts/:id/edit", h.GetEditPostForm)
	e.POST("/dashboard/posts/:id", h.EditPost)
	e.POST("/dashboard/posts/:id/delete", h.DeletePost)

	e.GET("/live/home", h.LiveHome)
	e.GET("/live/dashboard", h.LiveDashboard)
	return e
}

// client returns the browser's session, starting one when the cookie is
// missing or the session was evicted.
func (h *Handler) client(c echo.Context) *session.Client {
	if cookie, err := c.Cookie(sessionCookie); err == nil {
		if client, ok := h.Sessions.Get(cookie.Value); ok {
			return client
		}
	}
	client := h.Sessions.Open(c.Request().Context())
	c.SetCookie(&http.Cookie{
		Name:     sessionCookie,
		Value:    client.ID,
		Path:     "/",
		HttpOnly: true,
		Secure:   h.Environment == PRO_ENV,
		SameSite: http.SameSiteLaxMode,
	})
	return client
}

func (h *Handler) layout(c echo.Context, client *session.Client) Layout {
	l := Layout{Notice: popFlash(c)}
	if client != nil {
		l.Identity = client.Holder.Identity()
	}
	return l
}

func setFlash(c echo.Context, n page.Notice) {
	raw, err := json.Marshal(n)
	if err != nil {
		return
	}
	c.SetCookie(&http.Cookie{
		Name:     flashCookie,
		Value:    base64.RawURLEncoding.EncodeToString(raw),
		Path:     "/",
		HttpOnly: true,
		SameSite: http.SameSiteLaxMode,
	})
}

// popFlash returns the pending notice once and clears it.
func popFlash(c echo.Context) *page.Notice {
	cookie, err := c.Cookie(flashCookie)
	if err != nil || cookie.Value == "" {
		return nil
	}
	c.SetCookie(&http.Cookie{Name: flashCookie, Path: "/", MaxAge: -1})
	raw, err := base64.RawURLEncoding.DecodeString(cookie.Value)
	if err != nil {
		return nil
	}
	var n page.Notice
	if err := json.Unmarshal(raw, &n); err != nil {
		return nil
	}
	return &n
}

func (h *Handler) GetError(c echo.Context) error {
	return c.Render(http.StatusOK, "error.html", h.layout(c, nil))
}

func (h *Handler) customHTTPErrorHandler(err error, c echo.Context) {
	if c.Response().Committed {
		return
	}
	code := http.StatusInternalServerError
	var he *echo.HTTPError
	switch {
	case errors.As(err, &he):
		code = he.Code
	case errors.Is(err, domain.ErrNotFound):
		code = http.StatusNotFound
	case errors.Is(err, domain.ErrUnauthorized):
		if err := c.Redirect(http.StatusFound, session.RouteLogin); err != nil {
			c.Logger().Error(err)
		}
		return
	}
	if code != http.StatusNotFound {
		c.Logger().Error(err)
	}
	errorPage := "error.html"
	if code == http.StatusNotFound {
		errorPage = "not-found.html"
	}
	if err := c.Render(code, errorPage, Layout{}); err != nil {
		c.Logger().Error(err)
	}
}
