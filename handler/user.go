package handler

import (
	"net/http"
	"strings"

	"github.com/labstack/echo/v4"

	"scribe/domain"
)

func credentials(c echo.Context) domain.Credentials {
	return domain.Credentials{
		Email:    strings.TrimSpace(c.FormValue("email")),
		Password: c.FormValue("password"),
	}
}

func (h *Handler) Login(c echo.Context) error {
	client := h.client(c)
	return c.Redirect(http.StatusFound, client.Holder.Login(c.Request().Context(), credentials(c)))
}

func (h *Handler) NewUser(c echo.Context) error {
	client := h.client(c)
	return c.Redirect(http.StatusFound, client.Holder.Signup(c.Request().Context(), credentials(c)))
}

func (h *Handler) Logout(c echo.Context) error {
	client := h.client(c)
	return c.Redirect(http.StatusFound, client.Holder.Logout(c.Request().Context()))
}

func (h *Handler) GetNewUserForm(c echo.Context) error {
	return c.Render(http.StatusOK, "user-signup.html", h.layout(c, h.client(c)))
}

func (h *Handler) GetLoginForm(c echo.Context) error {
	return c.Render(http.StatusOK, "user-login.html", h.layout(c, h.client(c)))
}
