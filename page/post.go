package page

import (
	"context"

	"scribe/domain"
)

// LoadPost fetches a single post for its public page. Missing posts fail with
// domain.ErrNotFound.
func LoadPost(ctx context.Context, tables Tables, id string) (domain.Post, error) {
	if id == "" {
		return domain.Post{}, domain.ErrNotFound
	}
	p, err := tables.Posts.SelectOne(ctx, id)
	if err != nil {
		return domain.Post{}, err
	}
	if p.CategoryName == "" && p.CategoryID != nil {
		if c, err := tables.Categories.SelectOne(ctx, *p.CategoryID); err == nil {
			p.CategoryName = c.Name
		}
	}
	return p, nil
}
