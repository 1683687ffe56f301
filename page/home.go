package page

import (
	"context"

	"scribe/domain"
	"scribe/reconcile"
)

// Home is the public list of every post, optionally narrowed to a category.
type Home struct {
	category string
	lists
}

type HomeView struct {
	Posts      []domain.Post
	Categories []domain.Category
	// Category is the id of the selected category, empty for all posts.
	Category string
}

// OpenHome loads the home page. A live page follows the change feed and calls
// onChange after every change until it is closed.
func OpenHome(ctx context.Context, tables Tables, category string, live bool, onChange func()) (*Home, error) {
	var filter domain.Filter
	if category != "" {
		filter = domain.Eq("category_id", category)
	}
	categories := reconcile.New(tables.Categories, categoryOptions(onChange))
	h := &Home{
		category: category,
		lists: lists{
			categories: categories,
			posts:      reconcile.New(tables.Posts, postOptions("home", filter, categories, tables.Categories, onChange)),
		},
	}
	if err := h.open(ctx, live); err != nil {
		return nil, err
	}
	return h, nil
}

func (h *Home) View() HomeView {
	posts, categories := h.view()
	return HomeView{Posts: posts, Categories: categories, Category: h.category}
}

func (h *Home) Close() {
	h.close()
}
