package handler

import (
	"errors"
	"net/http"

	"github.com/golang/glog"
	"github.com/google/uuid"
	"github.com/labstack/echo/v4"

	"scribe/domain"
	"scribe/page"
	"scribe/session"
)

// recordID reads a record id path parameter. Anything that is not a uuid
// cannot exist.
func recordID(c echo.Context) (string, error) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return "", domain.ErrNotFound
	}
	return id.String(), nil
}

type homeData struct {
	Layout
	Posts      []PostDTO
	Categories []domain.Category
	Category   string
}

func (h *Handler) GetPosts(c echo.Context) error {
	client := h.client(c)
	category := c.QueryParam("category")
	if _, err := uuid.Parse(category); err != nil {
		category = ""
	}

	home, err := page.OpenHome(c.Request().Context(), page.TablesOf(client.Remote), category, false, nil)
	if err != nil {
		return err
	}
	defer home.Close()
	view := home.View()

	layout := h.layout(c, client)
	layout.Live = "/live/home"
	return c.Render(http.StatusOK, "index.html", homeData{
		Layout:     layout,
		Posts:      postDTOs(view.Posts, layout.Identity),
		Categories: view.Categories,
		Category:   view.Category,
	})
}

type postData struct {
	Layout
	Post PostDTO
}

func (h *Handler) GetByID(c echo.Context) error {
	id, err := recordID(c)
	if err != nil {
		return err
	}
	client := h.client(c)
	p, err := page.LoadPost(c.Request().Context(), page.TablesOf(client.Remote), id)
	if err != nil {
		return err
	}
	layout := h.layout(c, client)
	return c.Render(http.StatusOK, "post-view.html", postData{
		Layout: layout,
		Post:   postDTO(p, layout.Identity),
	})
}

// dashboard opens the signed-in user's dashboard for one request.
func (h *Handler) dashboard(c echo.Context) (*session.Client, *page.Dashboard, error) {
	client := h.client(c)
	ctx := c.Request().Context()
	if _, err := client.Holder.CurrentIdentity(ctx); err != nil {
		glog.Infof("[dashboard]session lookup error = %s\n", err)
	}
	d, err := page.OpenDashboard(ctx, client.Holder, page.TablesOf(client.Remote), page.DashboardOptions{})
	if err != nil {
		return nil, nil, err
	}
	return client, d, nil
}

type dashboardData struct {
	Layout
	Posts   []PostDTO
	Options CategoryOptions
}

func (h *Handler) GetDashboard(c echo.Context) error {
	client, d, err := h.dashboard(c)
	if err != nil {
		return err
	}
	defer d.Close()
	view := d.View()

	layout := h.layout(c, client)
	layout.Live = "/live/dashboard"
	return c.Render(http.StatusOK, "dashboard.html", dashboardData{
		Layout:  layout,
		Posts:   postDTOs(view.Posts, layout.Identity),
		Options: CategoryOptions{Categories: view.Categories},
	})
}

func (h *Handler) NewPost(c echo.Context) error {
	var form page.PostForm
	if err := c.Bind(&form); err != nil {
		return err
	}
	_, d, err := h.dashboard(c)
	if err != nil {
		return err
	}
	defer d.Close()

	_, err = d.Create(c.Request().Context(), form)
	setFlash(c, page.NoticeFor("created", err))
	if errors.Is(err, domain.ErrUnauthorized) {
		return err
	}
	return c.Redirect(http.StatusFound, session.RouteDashboard)
}

type editData struct {
	Layout
	ID      string
	Form    page.PostForm
	Options CategoryOptions
}

func (h *Handler) GetEditPostForm(c echo.Context) error {
	id, err := recordID(c)
	if err != nil {
		return err
	}
	client, d, err := h.dashboard(c)
	if err != nil {
		return err
	}
	defer d.Close()

	p, ok := d.Post(id)
	if !ok {
		return domain.ErrNotFound
	}
	form := page.FormOf(p)
	return c.Render(http.StatusOK, "post-edit.html", editData{
		Layout:  h.layout(c, client),
		ID:      p.ID,
		Form:    form,
		Options: CategoryOptions{Categories: d.View().Categories, Selected: form.CategoryID},
	})
}

func (h *Handler) EditPost(c echo.Context) error {
	id, err := recordID(c)
	if err != nil {
		return err
	}
	var form page.PostForm
	if err := c.Bind(&form); err != nil {
		return err
	}
	_, d, err := h.dashboard(c)
	if err != nil {
		return err
	}
	defer d.Close()

	_, err = d.Update(c.Request().Context(), id, form)
	setFlash(c, page.NoticeFor("updated", err))
	switch {
	case err == nil:
		return c.Redirect(http.StatusFound, session.RouteDashboard)
	case errors.Is(err, domain.ErrInvalid):
		return c.Redirect(http.StatusFound, "/dashboard/posts/"+id+"/edit")
	case errors.Is(err, domain.ErrUnauthorized):
		return err
	}
	return c.Redirect(http.StatusFound, session.RouteDashboard)
}

func (h *Handler) DeletePost(c echo.Context) error {
	id, err := recordID(c)
	if err != nil {
		return err
	}
	_, d, err := h.dashboard(c)
	if err != nil {
		return err
	}
	defer d.Close()

	err = d.Delete(c.Request().Context(), id)
	setFlash(c, page.NoticeFor("deleted", err))
	if errors.Is(err, domain.ErrUnauthorized) {
		return err
	}
	return c.Redirect(http.StatusFound, session.RouteDashboard)
}
