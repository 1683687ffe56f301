package domain

import (
	"encoding/json"
	"fmt"
)

const (
	TablePosts      = "posts"
	TableCategories = "categories"
	// TableAuth carries session notifications, filtered by user_id.
	TableAuth = "auth"
)

type EventKind string

const (
	EventInsert    EventKind = "insert"
	EventUpdate    EventKind = "update"
	EventDelete    EventKind = "delete"
	EventSignedOut EventKind = "signed_out"
	// EventReset is raised locally when the feed connection was lost and
	// restored. Anything may have changed in between.
	EventReset EventKind = "reset"
)

// Filter selects rows where Column equals Value. The zero Filter matches everything.
type Filter struct {
	Column string `json:"column"`
	Value  string `json:"value"`
}

func Eq(column, value string) Filter {
	return Filter{Column: column, Value: value}
}

func (f Filter) IsZero() bool {
	return f.Column == ""
}

func (f Filter) String() string {
	if f.IsZero() {
		return "*"
	}
	return fmt.Sprintf("%s=eq.%s", f.Column, f.Value)
}

// Fielder is implemented by records that can be matched against a Filter.
type Fielder interface {
	Field(column string) string
}

func (f Filter) Match(r Fielder) bool {
	return f.IsZero() || r.Field(f.Column) == f.Value
}

// Event is one change-feed notification for a table.
type Event[T any] struct {
	Kind EventKind
	New  *T
	Old  *T
}

// Key is the id of the record the event is about.
func (e Event[T]) Key() string {
	if r, ok := any(e.New).(interface{ Key() string }); ok && e.New != nil {
		return r.Key()
	}
	if r, ok := any(e.Old).(interface{ Key() string }); ok && e.Old != nil {
		return r.Key()
	}
	return ""
}

// AuthChange is the payload of TableAuth events.
type AuthChange struct {
	UserID string `json:"user_id"`
}

func (a AuthChange) Field(column string) string {
	if column == "user_id" {
		return a.UserID
	}
	return ""
}

// Feed message types exchanged on the realtime socket.
const (
	FeedSubscribe   = "subscribe"
	FeedUnsubscribe = "unsubscribe"
	FeedAck         = "ack"
	FeedEvent       = "event"
	FeedError       = "error"
)

type FeedMessage struct {
	Type   string          `json:"type"`
	Ref    string          `json:"ref,omitempty"`
	Table  string          `json:"table,omitempty"`
	Filter *Filter         `json:"filter,omitempty"`
	Kind   EventKind       `json:"kind,omitempty"`
	New    json.RawMessage `json:"new,omitempty"`
	Old    json.RawMessage `json:"old,omitempty"`
	Error  string          `json:"error,omitempty"`
}

// DecodeEvent turns a feed message into a typed event.
func DecodeEvent[T any](m FeedMessage) (Event[T], error) {
	ev := Event[T]{Kind: m.Kind}
	if len(m.New) > 0 && string(m.New) != "null" {
		ev.New = new(T)
		if err := json.Unmarshal(m.New, ev.New); err != nil {
			return ev, fmt.Errorf("decode new %s record: %w", m.Table, err)
		}
	}
	if len(m.Old) > 0 && string(m.Old) != "null" {
		ev.Old = new(T)
		if err := json.Unmarshal(m.Old, ev.Old); err != nil {
			return ev, fmt.Errorf("decode old %s record: %w", m.Table, err)
		}
	}
	return ev, nil
}
