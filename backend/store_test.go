package backend

import (
	"context"
	"errors"
	"testing"

	"github.com/go-playground/assert/v2"

	"scribe/domain"
)

func TestStoreSeedCategories(t *testing.T) {
	s := &Store{DB: newTestDB(t)}
	categories, err := s.ListCategories(context.Background(), domain.Filter{})
	assert.Equal(t, err, nil)
	assert.Equal(t, len(categories), 4)

	tech, err := s.GetCategory(context.Background(), techID)
	assert.Equal(t, err, nil)
	assert.Equal(t, tech.Name, "Tech")
}

func TestStoreUsers(t *testing.T) {
	ctx := context.Background()
	s := &Store{DB: newTestDB(t)}

	user, err := s.CreateUser(ctx, "ana@example.com", "hash")
	assert.Equal(t, err, nil)
	assert.NotEqual(t, user.ID, "")

	_, err = s.CreateUser(ctx, "ana@example.com", "hash")
	assert.Equal(t, errors.Is(err, domain.ErrConflict), true)

	found, hash, err := s.UserByEmail(ctx, "ana@example.com")
	assert.Equal(t, err, nil)
	assert.Equal(t, found, user)
	assert.Equal(t, hash, "hash")

	_, _, err = s.UserByEmail(ctx, "nobody@example.com")
	assert.Equal(t, errors.Is(err, domain.ErrNotFound), true)
}

func TestStorePostLifecycle(t *testing.T) {
	ctx := context.Background()
	s := &Store{DB: newTestDB(t)}
	owner, _ := s.CreateUser(ctx, "owner@example.com", "hash")
	other, _ := s.CreateUser(ctx, "other@example.com", "hash")

	tech := techID
	post, err := s.InsertPost(ctx, domain.Post{Title: "Go", Description: "notes", CategoryID: &tech, UserID: owner.ID})
	assert.Equal(t, err, nil)
	assert.Equal(t, post.CategoryName, "Tech")
	assert.Equal(t, post.UserID, owner.ID)

	untitled, err := s.InsertPost(ctx, domain.Post{Title: "Misc", Description: "stuff", UserID: other.ID})
	assert.Equal(t, err, nil)
	assert.Equal(t, untitled.Category(), domain.Uncategorized)

	byOwner, err := s.ListPosts(ctx, domain.Eq("user_id", owner.ID))
	assert.Equal(t, err, nil)
	assert.Equal(t, len(byOwner), 1)
	assert.Equal(t, byOwner[0].ID, post.ID)

	byCategory, err := s.ListPosts(ctx, domain.Eq("category_id", techID))
	assert.Equal(t, err, nil)
	assert.Equal(t, len(byCategory), 1)

	all, err := s.ListPosts(ctx, domain.Filter{})
	assert.Equal(t, err, nil)
	assert.Equal(t, len(all), 2)

	_, err = s.ListPosts(ctx, domain.Eq("title", "Go"))
	assert.Equal(t, errors.Is(err, domain.ErrInvalid), true)

	title := "Go 1.22"
	_, _, err = s.UpdatePost(ctx, post.ID, other.ID, domain.PostPatch{Title: &title})
	assert.Equal(t, errors.Is(err, domain.ErrForbidden), true)

	travel := travelID
	old, updated, err := s.UpdatePost(ctx, post.ID, owner.ID, domain.PostPatch{Title: &title, CategoryID: &travel})
	assert.Equal(t, err, nil)
	assert.Equal(t, old.Title, "Go")
	assert.Equal(t, updated.Title, "Go 1.22")
	assert.Equal(t, updated.CategoryName, "Travel")
	assert.Equal(t, updated.Description, "notes")

	_, err = s.DeletePost(ctx, post.ID, other.ID)
	assert.Equal(t, errors.Is(err, domain.ErrForbidden), true)

	deleted, err := s.DeletePost(ctx, post.ID, owner.ID)
	assert.Equal(t, err, nil)
	assert.Equal(t, deleted.ID, post.ID)

	_, err = s.GetPost(ctx, post.ID)
	assert.Equal(t, errors.Is(err, domain.ErrNotFound), true)
}

func TestStoreInsertPostValidation(t *testing.T) {
	ctx := context.Background()
	s := &Store{DB: newTestDB(t)}
	owner, _ := s.CreateUser(ctx, "owner@example.com", "hash")

	_, err := s.InsertPost(ctx, domain.Post{Title: "", Description: "x", UserID: owner.ID})
	assert.Equal(t, errors.Is(err, domain.ErrInvalid), true)

	missing := "no-such-category"
	_, err = s.InsertPost(ctx, domain.Post{Title: "t", Description: "x", CategoryID: &missing, UserID: owner.ID})
	assert.Equal(t, errors.Is(err, domain.ErrInvalid), true)
}

func TestStoreDeleteCategoryUncategorizesPosts(t *testing.T) {
	ctx := context.Background()
	s := &Store{DB: newTestDB(t)}
	owner, _ := s.CreateUser(ctx, "owner@example.com", "hash")

	category, err := s.InsertCategory(ctx, "Music")
	assert.Equal(t, err, nil)
	post, _ := s.InsertPost(ctx, domain.Post{Title: "t", Description: "d", CategoryID: &category.ID, UserID: owner.ID})
	assert.Equal(t, post.CategoryName, "Music")

	_, err = s.DeleteCategory(ctx, category.ID)
	assert.Equal(t, err, nil)

	post, err = s.GetPost(ctx, post.ID)
	assert.Equal(t, err, nil)
	assert.Equal(t, post.CategoryID == nil, true)
	assert.Equal(t, post.Category(), domain.Uncategorized)
}
