package domain

import (
	"fmt"
	"strings"
	"time"
)

// Uncategorized is shown for posts whose category is unset or unknown.
const Uncategorized = "Uncategorized"

type Post struct {
	ID          string  `json:"id"`
	Title       string  `json:"title"`
	Description string  `json:"description"`
	CategoryID  *string `json:"category_id"`
	// CategoryName is joined in by list and single-record reads. Change-feed
	// payloads never carry it.
	CategoryName string    `json:"category_name,omitempty"`
	UserID       string    `json:"user_id"`
	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`
}

func (p Post) Key() string {
	return p.ID
}

// Field returns the value of a filterable column.
func (p Post) Field(column string) string {
	switch column {
	case "id":
		return p.ID
	case "user_id":
		return p.UserID
	case "category_id":
		if p.CategoryID == nil {
			return ""
		}
		return *p.CategoryID
	}
	return ""
}

func (p Post) Version() time.Time {
	return p.UpdatedAt
}

// Category is the display name of the post category.
func (p Post) Category() string {
	if p.CategoryName == "" {
		return Uncategorized
	}
	return p.CategoryName
}

func (p Post) SameCategory(other Post) bool {
	return p.Field("category_id") == other.Field("category_id")
}

// PostPatch holds the fields an update may change. Nil fields are left untouched.
type PostPatch struct {
	Title       *string `json:"title,omitempty"`
	Description *string `json:"description,omitempty"`
	CategoryID  *string `json:"category_id,omitempty"`
}

func (p PostPatch) Apply(post Post) Post {
	if p.Title != nil {
		post.Title = *p.Title
	}
	if p.Description != nil {
		post.Description = *p.Description
	}
	if p.CategoryID != nil {
		if *p.CategoryID == "" {
			post.CategoryID = nil
		} else {
			id := *p.CategoryID
			post.CategoryID = &id
		}
		post.CategoryName = ""
	}
	return post
}

func (p Post) Validate() error {
	if strings.TrimSpace(p.Title) == "" {
		return fmt.Errorf("%w: title is required", ErrInvalid)
	}
	if strings.TrimSpace(p.Description) == "" {
		return fmt.Errorf("%w: description is required", ErrInvalid)
	}
	return nil
}

// KeepDisplay returns p with the joined display fields of held when p lacks
// them and still refers to the same category.
func (p Post) KeepDisplay(held Post) Post {
	if p.CategoryName == "" && p.SameCategory(held) {
		p.CategoryName = held.CategoryName
	}
	return p
}
