package backend

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"scribe/domain"
)

// Store is the sqlite persistence of the data service.
type Store struct {
	DB *sql.DB
}

var postColumns = map[string]string{
	"id":          "p.id",
	"user_id":     "p.user_id",
	"category_id": "p.category_id",
}

var categoryColumns = map[string]string{
	"id":   "id",
	"name": "name",
}

func whereClause(columns map[string]string, filter domain.Filter) (string, []any, error) {
	if filter.IsZero() {
		return "", nil, nil
	}
	column, ok := columns[filter.Column]
	if !ok {
		return "", nil, fmt.Errorf("%w: cannot filter on %q", domain.ErrInvalid, filter.Column)
	}
	return " WHERE " + column + " = ?", []any{filter.Value}, nil
}

func isUniqueViolation(err error) bool {
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}

func (s *Store) CreateUser(ctx context.Context, email string, passwordHash string) (domain.Identity, error) {
	user := domain.Identity{
		ID:    uuid.NewString(),
		Email: email,
	}
	now := time.Now().UTC()
	_, err := s.DB.ExecContext(ctx, "INSERT INTO users (id, email, password, created_at, updated_at) VALUES (?, ?, ?, ?, ?)",
		user.ID, user.Email, passwordHash, now, now)
	if isUniqueViolation(err) {
		return domain.Identity{}, fmt.Errorf("%w: email already registered", domain.ErrConflict)
	}
	if err != nil {
		return domain.Identity{}, fmt.Errorf("insert user: %w", err)
	}
	return user, nil
}

// UserByEmail returns the user and its password hash.
func (s *Store) UserByEmail(ctx context.Context, email string) (domain.Identity, string, error) {
	var user domain.Identity
	var passwordHash string
	err := s.DB.QueryRowContext(ctx, "SELECT id, email, password FROM users WHERE email = ?", email).
		Scan(&user.ID, &user.Email, &passwordHash)
	if errors.Is(err, sql.ErrNoRows) {
		return user, "", domain.ErrNotFound
	}
	if err != nil {
		return user, "", fmt.Errorf("select user: %w", err)
	}
	return user, passwordHash, nil
}

func (s *Store) UserByID(ctx context.Context, id string) (domain.Identity, error) {
	var user domain.Identity
	err := s.DB.QueryRowContext(ctx, "SELECT id, email FROM users WHERE id = ?", id).Scan(&user.ID, &user.Email)
	if errors.Is(err, sql.ErrNoRows) {
		return user, domain.ErrNotFound
	}
	if err != nil {
		return user, fmt.Errorf("select user: %w", err)
	}
	return user, nil
}

const selectPosts = `SELECT p.id, p.title, p.description, p.category_id, COALESCE(c.name, ''), p.user_id, p.created_at, p.updated_at
FROM posts p LEFT JOIN categories c ON c.id = p.category_id`

type scanner interface {
	Scan(dest ...any) error
}

func scanPost(row scanner) (domain.Post, error) {
	p := domain.Post{}
	var categoryID sql.NullString
	err := row.Scan(&p.ID, &p.Title, &p.Description, &categoryID, &p.CategoryName, &p.UserID, &p.CreatedAt, &p.UpdatedAt)
	if categoryID.Valid {
		p.CategoryID = &categoryID.String
	}
	return p, err
}

func (s *Store) ListPosts(ctx context.Context, filter domain.Filter) ([]domain.Post, error) {
	where, args, err := whereClause(postColumns, filter)
	if err != nil {
		return nil, err
	}
	rows, err := s.DB.QueryContext(ctx, selectPosts+where+" ORDER BY p.created_at, p.rowid", args...)
	if err != nil {
		return nil, fmt.Errorf("select posts: %w", err)
	}
	defer rows.Close()

	posts := []domain.Post{}
	for rows.Next() {
		p, err := scanPost(rows)
		if err != nil {
			return nil, fmt.Errorf("scan post: %w", err)
		}
		posts = append(posts, p)
	}
	return posts, rows.Err()
}

func (s *Store) GetPost(ctx context.Context, id string) (domain.Post, error) {
	p, err := scanPost(s.DB.QueryRowContext(ctx, selectPosts+" WHERE p.id = ?", id))
	if errors.Is(err, sql.ErrNoRows) {
		return p, fmt.Errorf("%w: post %s", domain.ErrNotFound, id)
	}
	if err != nil {
		return p, fmt.Errorf("select post: %w", err)
	}
	return p, nil
}

func (s *Store) checkCategory(ctx context.Context, categoryID *string) error {
	if categoryID == nil {
		return nil
	}
	if _, err := s.GetCategory(ctx, *categoryID); err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			return fmt.Errorf("%w: unknown category %s", domain.ErrInvalid, *categoryID)
		}
		return err
	}
	return nil
}

// InsertPost stores a new post owned by post.UserID and returns it as read back.
func (s *Store) InsertPost(ctx context.Context, post domain.Post) (domain.Post, error) {
	if err := post.Validate(); err != nil {
		return post, err
	}
	if err := s.checkCategory(ctx, post.CategoryID); err != nil {
		return post, err
	}
	post.ID = uuid.NewString()
	now := time.Now().UTC()
	_, err := s.DB.ExecContext(ctx, "INSERT INTO posts (id, title, description, category_id, user_id, created_at, updated_at) VALUES (?, ?, ?, ?, ?, ?, ?)",
		post.ID, post.Title, post.Description, post.CategoryID, post.UserID, now, now)
	if err != nil {
		return post, fmt.Errorf("insert post: %w", err)
	}
	return s.GetPost(ctx, post.ID)
}

// UpdatePost applies patch to the post id when owner owns it. It returns the rows
// before and after the change.
func (s *Store) UpdatePost(ctx context.Context, id string, owner string, patch domain.PostPatch) (domain.Post, domain.Post, error) {
	old, err := s.GetPost(ctx, id)
	if err != nil {
		return old, old, err
	}
	if old.UserID != owner {
		return old, old, domain.ErrForbidden
	}
	updated := patch.Apply(old)
	if err := updated.Validate(); err != nil {
		return old, old, err
	}
	if err := s.checkCategory(ctx, updated.CategoryID); err != nil {
		return old, old, err
	}
	_, err = s.DB.ExecContext(ctx, "UPDATE posts SET title = ?, description = ?, category_id = ?, updated_at = ? WHERE id = ? AND user_id = ?",
		updated.Title, updated.Description, updated.CategoryID, time.Now().UTC(), id, owner)
	if err != nil {
		return old, old, fmt.Errorf("update post: %w", err)
	}
	updated, err = s.GetPost(ctx, id)
	return old, updated, err
}

// DeletePost removes the post id when owner owns it and returns the removed row.
func (s *Store) DeletePost(ctx context.Context, id string, owner string) (domain.Post, error) {
	old, err := s.GetPost(ctx, id)
	if err != nil {
		return old, err
	}
	if old.UserID != owner {
		return old, domain.ErrForbidden
	}
	if _, err := s.DB.ExecContext(ctx, "DELETE FROM posts WHERE id = ? AND user_id = ?", id, owner); err != nil {
		return old, fmt.Errorf("delete post: %w", err)
	}
	return old, nil
}

func (s *Store) ListCategories(ctx context.Context, filter domain.Filter) ([]domain.Category, error) {
	where, args, err := whereClause(categoryColumns, filter)
	if err != nil {
		return nil, err
	}
	rows, err := s.DB.QueryContext(ctx, "SELECT id, name, created_at FROM categories"+where+" ORDER BY name", args...)
	if err != nil {
		return nil, fmt.Errorf("select categories: %w", err)
	}
	defer rows.Close()

	categories := []domain.Category{}
	for rows.Next() {
		c := domain.Category{}
		if err := rows.Scan(&c.ID, &c.Name, &c.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan category: %w", err)
		}
		categories = append(categories, c)
	}
	return categories, rows.Err()
}

func (s *Store) GetCategory(ctx context.Context, id string) (domain.Category, error) {
	c := domain.Category{}
	err := s.DB.QueryRowContext(ctx, "SELECT id, name, created_at FROM categories WHERE id = ?", id).Scan(&c.ID, &c.Name, &c.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return c, fmt.Errorf("%w: category %s", domain.ErrNotFound, id)
	}
	if err != nil {
		return c, fmt.Errorf("select category: %w", err)
	}
	return c, nil
}

func (s *Store) InsertCategory(ctx context.Context, name string) (domain.Category, error) {
	if strings.TrimSpace(name) == "" {
		return domain.Category{}, fmt.Errorf("%w: category name is required", domain.ErrInvalid)
	}
	c := domain.Category{
		ID:        uuid.NewString(),
		Name:      name,
		CreatedAt: time.Now().UTC(),
	}
	_, err := s.DB.ExecContext(ctx, "INSERT INTO categories (id, name, created_at) VALUES (?, ?, ?)", c.ID, c.Name, c.CreatedAt)
	if isUniqueViolation(err) {
		return c, fmt.Errorf("%w: category %q", domain.ErrConflict, name)
	}
	if err != nil {
		return c, fmt.Errorf("insert category: %w", err)
	}
	return c, nil
}

func (s *Store) RenameCategory(ctx context.Context, id string, name string) (domain.Category, domain.Category, error) {
	old, err := s.GetCategory(ctx, id)
	if err != nil {
		return old, old, err
	}
	if strings.TrimSpace(name) == "" {
		return old, old, fmt.Errorf("%w: category name is required", domain.ErrInvalid)
	}
	_, err = s.DB.ExecContext(ctx, "UPDATE categories SET name = ? WHERE id = ?", name, id)
	if isUniqueViolation(err) {
		return old, old, fmt.Errorf("%w: category %q", domain.ErrConflict, name)
	}
	if err != nil {
		return old, old, fmt.Errorf("update category: %w", err)
	}
	updated := old
	updated.Name = name
	return old, updated, nil
}

// DeleteCategory removes the category. Posts filed under it become uncategorized.
func (s *Store) DeleteCategory(ctx context.Context, id string) (domain.Category, error) {
	old, err := s.GetCategory(ctx, id)
	if err != nil {
		return old, err
	}
	if _, err := s.DB.ExecContext(ctx, "DELETE FROM categories WHERE id = ?", id); err != nil {
		return old, fmt.Errorf("delete category: %w", err)
	}
	return old, nil
}
