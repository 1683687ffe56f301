package domain

import (
	"errors"
	"testing"

	"github.com/go-playground/assert/v2"
)

func TestPostValidate(t *testing.T) {
	err := Post{Title: " ", Description: "body"}.Validate()
	assert.Equal(t, errors.Is(err, ErrInvalid), true)

	err = Post{Title: "title", Description: ""}.Validate()
	assert.Equal(t, errors.Is(err, ErrInvalid), true)

	assert.Equal(t, Post{Title: "title", Description: "body"}.Validate(), nil)
}

func TestPostCategoryFallback(t *testing.T) {
	tech := "c1"
	assert.Equal(t, Post{}.Category(), Uncategorized)
	assert.Equal(t, Post{CategoryID: &tech}.Category(), Uncategorized)
	assert.Equal(t, Post{CategoryID: &tech, CategoryName: "Tech"}.Category(), "Tech")
}

func TestPostPatchApply(t *testing.T) {
	tech := "c1"
	post := Post{ID: "p1", Title: "A", Description: "a", CategoryID: &tech, CategoryName: "Tech"}

	title := "B"
	patched := PostPatch{Title: &title}.Apply(post)
	assert.Equal(t, patched.Title, "B")
	assert.Equal(t, patched.Description, "a")
	assert.Equal(t, patched.CategoryName, "Tech")

	none := ""
	patched = PostPatch{CategoryID: &none}.Apply(post)
	assert.Equal(t, patched.CategoryID == nil, true)
	assert.Equal(t, patched.Category(), Uncategorized)
}

func TestFilterMatch(t *testing.T) {
	tech := "c1"
	post := Post{ID: "p1", UserID: "u1", CategoryID: &tech}

	assert.Equal(t, Filter{}.Match(post), true)
	assert.Equal(t, Eq("user_id", "u1").Match(post), true)
	assert.Equal(t, Eq("user_id", "u2").Match(post), false)
	assert.Equal(t, Eq("category_id", "c1").Match(post), true)
	assert.Equal(t, Eq("category_id", "c1").Match(Post{ID: "p2"}), false)
}

func TestDecodeEvent(t *testing.T) {
	ev, err := DecodeEvent[Post](FeedMessage{
		Type:  FeedEvent,
		Table: TablePosts,
		Kind:  EventDelete,
		Old:   []byte(`{"id":"p1","title":"A"}`),
	})
	assert.Equal(t, err, nil)
	assert.Equal(t, ev.Kind, EventDelete)
	assert.Equal(t, ev.New == nil, true)
	assert.Equal(t, ev.Old.Title, "A")
	assert.Equal(t, ev.Key(), "p1")
}

func TestPostKeepDisplay(t *testing.T) {
	tech, travel := "c1", "c2"
	held := Post{ID: "p1", Title: "C", CategoryID: &tech, CategoryName: "Tech"}

	merged := Post{ID: "p1", Title: "C2", CategoryID: &tech}.KeepDisplay(held)
	assert.Equal(t, merged.Title, "C2")
	assert.Equal(t, merged.CategoryName, "Tech")

	merged = Post{ID: "p1", Title: "C2", CategoryID: &travel}.KeepDisplay(held)
	assert.Equal(t, merged.CategoryName, "")

	merged = Post{ID: "p1", CategoryID: &tech, CategoryName: "Tech!"}.KeepDisplay(held)
	assert.Equal(t, merged.CategoryName, "Tech!")
}
