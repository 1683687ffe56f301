package page

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/golang/glog"

	"scribe/domain"
	"scribe/reconcile"
	"scribe/session"
)

// PostForm is what the post form submits.
type PostForm struct {
	Title       string `json:"title" form:"title"`
	Description string `json:"description" form:"description"`
	CategoryID  string `json:"category_id" form:"category_id"`
}

func FormOf(p domain.Post) PostForm {
	form := PostForm{Title: p.Title, Description: p.Description}
	if p.CategoryID != nil {
		form.CategoryID = *p.CategoryID
	}
	return form
}

func (f PostForm) Validate() error {
	switch {
	case strings.TrimSpace(f.Title) == "":
		return fmt.Errorf("%w: title is required", domain.ErrInvalid)
	case strings.TrimSpace(f.Description) == "":
		return fmt.Errorf("%w: description is required", domain.ErrInvalid)
	case f.CategoryID == "":
		return fmt.Errorf("%w: category is required", domain.ErrInvalid)
	}
	return nil
}

func (f PostForm) record() map[string]any {
	return map[string]any{
		"title":       strings.TrimSpace(f.Title),
		"description": strings.TrimSpace(f.Description),
		"category_id": f.CategoryID,
	}
}

func (f PostForm) patch() domain.PostPatch {
	title := strings.TrimSpace(f.Title)
	description := strings.TrimSpace(f.Description)
	category := f.CategoryID
	return domain.PostPatch{Title: &title, Description: &description, CategoryID: &category}
}

type DashboardOptions struct {
	// Live dashboards follow the change feed until closed.
	Live     bool
	OnChange func()
	OnNotice func(Notice)
	OnBusy   func(bool)
}

// Dashboard lists the signed-in user's posts and runs their create, update and
// delete actions.
type Dashboard struct {
	holder   *session.Holder
	identity domain.Identity
	options  DashboardOptions
	lists

	mu     sync.Mutex
	busy   int
	closed bool
}

type DashboardView struct {
	Identity   domain.Identity
	Posts      []domain.Post
	Categories []domain.Category
	Busy       bool
}

// OpenDashboard loads the dashboard of the held identity. It fails with
// domain.ErrUnauthorized when nobody is signed in.
func OpenDashboard(ctx context.Context, holder *session.Holder, tables Tables, options DashboardOptions) (*Dashboard, error) {
	identity := holder.Identity()
	if identity == nil {
		return nil, domain.ErrUnauthorized
	}
	categories := reconcile.New(tables.Categories, categoryOptions(options.OnChange))
	filter := domain.Eq("user_id", identity.ID)
	d := &Dashboard{
		holder:   holder,
		identity: *identity,
		options:  options,
		lists: lists{
			categories: categories,
			posts:      reconcile.New(tables.Posts, postOptions("dashboard", filter, categories, tables.Categories, options.OnChange)),
		},
	}
	if err := d.open(ctx, options.Live); err != nil {
		return nil, err
	}
	return d, nil
}

func (d *Dashboard) View() DashboardView {
	posts, categories := d.view()
	return DashboardView{Identity: d.identity, Posts: posts, Categories: categories, Busy: d.Busy()}
}

// Post returns one of the user's posts.
func (d *Dashboard) Post(id string) (domain.Post, bool) {
	return d.posts.Get(id)
}

func (d *Dashboard) Busy() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.busy > 0
}

func (d *Dashboard) Create(ctx context.Context, form PostForm) (domain.Post, error) {
	var saved domain.Post
	err := d.run(ctx, "created", form.Validate, func() (err error) {
		saved, err = d.posts.Create(ctx, form.record())
		return err
	})
	return saved, err
}

func (d *Dashboard) Update(ctx context.Context, id string, form PostForm) (domain.Post, error) {
	var saved domain.Post
	err := d.run(ctx, "updated", form.Validate, func() (err error) {
		saved, err = d.posts.Update(ctx, id, form.patch())
		return err
	})
	return saved, err
}

func (d *Dashboard) Delete(ctx context.Context, id string) error {
	return d.run(ctx, "deleted", nil, func() error {
		return d.posts.Remove(ctx, id)
	})
}

// run checks the user is still signed in, validates, and calls the service
// while the dashboard shows busy. Every outcome ends in a notice.
func (d *Dashboard) run(ctx context.Context, action string, validate func() error, call func() error) error {
	err := d.checkIdentity()
	if err == nil && validate != nil {
		err = validate()
	}
	if err == nil {
		d.setBusy(1)
		err = call()
		d.setBusy(-1)
		if err != nil {
			glog.Errorf("[dashboard]%s post of %s error = %s\n", action, d.identity.ID, err)
		}
	}
	d.notify(NoticeFor(action, err))
	return err
}

func (d *Dashboard) checkIdentity() error {
	identity := d.holder.Identity()
	if identity == nil || identity.ID != d.identity.ID {
		return domain.ErrUnauthorized
	}
	return nil
}

func (d *Dashboard) setBusy(delta int) {
	d.mu.Lock()
	before := d.busy > 0
	d.busy += delta
	after := d.busy > 0
	closed := d.closed
	d.mu.Unlock()
	if before != after && !closed && d.options.OnBusy != nil {
		d.options.OnBusy(after)
	}
}

func (d *Dashboard) notify(n Notice) {
	d.mu.Lock()
	closed := d.closed
	d.mu.Unlock()
	if !closed && d.options.OnNotice != nil {
		d.options.OnNotice(n)
	}
}

func (d *Dashboard) Close() {
	d.mu.Lock()
	d.closed = true
	d.mu.Unlock()
	d.close()
}
