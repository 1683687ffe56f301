package domain

import (
	"time"
)

// Category is shared by every user. The application only reads categories.
type Category struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	CreatedAt time.Time `json:"created_at"`
}

func (c Category) Key() string {
	return c.ID
}

func (c Category) Field(column string) string {
	switch column {
	case "id":
		return c.ID
	case "name":
		return c.Name
	}
	return ""
}
