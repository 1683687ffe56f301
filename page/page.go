// Package page holds the blog pages independent of HTTP: what each page
// loads, how it stays current and what its actions do.
package page

import (
	"context"
	"errors"
	"strings"

	"github.com/golang/glog"

	"scribe/domain"
	"scribe/reconcile"
	"scribe/remote"
)

// Tables are the remote tables a page reads and writes.
type Tables struct {
	Posts      reconcile.Source[domain.Post]
	Categories reconcile.Source[domain.Category]
}

func TablesOf(s *remote.Session) Tables {
	return Tables{Posts: s.Posts(), Categories: s.Categories()}
}

type Level string

const (
	LevelSuccess Level = "success"
	LevelError   Level = "error"
)

// Notice is a transient message shown after an action.
type Notice struct {
	Level Level  `json:"level"`
	Text  string `json:"text"`
}

var invalidPrefix = domain.ErrInvalid.Error() + ": "

// NoticeFor describes the outcome of action ("created", "updated", "deleted").
func NoticeFor(action string, err error) Notice {
	if err == nil {
		return Notice{Level: LevelSuccess, Text: "Post " + action}
	}
	var text string
	switch {
	case errors.Is(err, domain.ErrInvalid):
		text = err.Error()
		for strings.HasPrefix(text, invalidPrefix) {
			text = strings.TrimPrefix(text, invalidPrefix)
		}
	case errors.Is(err, domain.ErrUnauthorized):
		text = "Please log in again"
	case errors.Is(err, domain.ErrForbidden):
		text = "You can only change your own posts"
	case errors.Is(err, domain.ErrNotFound):
		text = "The post does not exist anymore"
	default:
		text = "The post could not be " + action + ", try again"
	}
	return Notice{Level: LevelError, Text: text}
}

func postOptions(name string, filter domain.Filter, categories *reconcile.List[domain.Category], source reconcile.Source[domain.Category], onChange func()) reconcile.Options[domain.Post] {
	options := reconcile.Options[domain.Post]{
		Name:    name,
		Filter:  filter,
		Merge:   func(held, incoming domain.Post) domain.Post { return incoming.KeepDisplay(held) },
		Enrich:  enrichPost(categories, source),
		Version: domain.Post.Version,
	}
	if onChange != nil {
		options.OnChange = func([]domain.Post) { onChange() }
	}
	return options
}

func categoryOptions(onChange func()) reconcile.Options[domain.Category] {
	options := reconcile.Options[domain.Category]{Name: "categories"}
	if onChange != nil {
		options.OnChange = func([]domain.Category) { onChange() }
	}
	return options
}

// enrichPost fills the category name of posts that arrive without it: first
// from the loaded categories, then by fetching the category. A post whose
// category cannot be found shows as uncategorized.
func enrichPost(categories *reconcile.List[domain.Category], source reconcile.Source[domain.Category]) func(context.Context, domain.Post) domain.Post {
	return func(ctx context.Context, p domain.Post) domain.Post {
		if p.CategoryName != "" || p.CategoryID == nil {
			return p
		}
		if c, ok := categories.Get(*p.CategoryID); ok {
			p.CategoryName = c.Name
			return p
		}
		c, err := source.SelectOne(ctx, *p.CategoryID)
		if err != nil {
			glog.V(2).Infof("[page]category %s of post %s: %s\n", *p.CategoryID, p.ID, err)
			return p
		}
		p.CategoryName = c.Name
		return p
	}
}

// withCategoryNames renames the posts' categories after the current category
// list, so renamed categories show their new name.
func withCategoryNames(posts []domain.Post, categories []domain.Category) []domain.Post {
	names := make(map[string]string, len(categories))
	for _, c := range categories {
		names[c.ID] = c.Name
	}
	for i, p := range posts {
		if p.CategoryID == nil {
			posts[i].CategoryName = ""
			continue
		}
		if name, ok := names[*p.CategoryID]; ok {
			posts[i].CategoryName = name
		}
	}
	return posts
}

// lists are the two collections every list page shows.
type lists struct {
	posts      *reconcile.List[domain.Post]
	categories *reconcile.List[domain.Category]
}

// open loads both lists, categories first so posts can be enriched. Live lists
// also follow the change feed until closed.
func (l *lists) open(ctx context.Context, live bool) error {
	if !live {
		if err := l.categories.Load(ctx); err != nil {
			return err
		}
		return l.posts.Load(ctx)
	}
	if err := l.categories.Activate(ctx); err != nil {
		return err
	}
	if err := l.posts.Activate(ctx); err != nil {
		l.categories.Close()
		return err
	}
	return nil
}

func (l *lists) close() {
	l.posts.Close()
	l.categories.Close()
}

func (l *lists) view() ([]domain.Post, []domain.Category) {
	categories := l.categories.Snapshot()
	return withCategoryNames(l.posts.Snapshot(), categories), categories
}
