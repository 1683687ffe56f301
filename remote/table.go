package remote

import (
	"context"
	"net/http"
	"net/url"

	"github.com/golang/glog"

	"scribe/domain"
)

// Table is typed access to one table of the service. Reads are public; writes
// use the session's access token.
type Table[T any] struct {
	session *Session
	name    string
}

func (t *Table[T]) path(id string) string {
	if id == "" {
		return "/rest/v1/" + t.name
	}
	return "/rest/v1/" + t.name + "/" + url.PathEscape(id)
}

func (t *Table[T]) Select(ctx context.Context, filter domain.Filter) ([]T, error) {
	query := url.Values{}
	if !filter.IsZero() {
		query.Set(filter.Column, filter.Value)
	}
	var records []T
	if err := t.session.client.do(ctx, http.MethodGet, t.path(""), query, "", nil, &records); err != nil {
		return nil, err
	}
	return records, nil
}

func (t *Table[T]) SelectOne(ctx context.Context, id string) (T, error) {
	var record T
	err := t.session.client.do(ctx, http.MethodGet, t.path(id), nil, "", nil, &record)
	return record, err
}

// Insert stores record and returns it as the service saved it.
func (t *Table[T]) Insert(ctx context.Context, record any) (T, error) {
	var saved T
	err := t.session.client.do(ctx, http.MethodPost, t.path(""), nil, t.session.Token(), record, &saved)
	return saved, err
}

// ownerQuery restricts a write to records of the signed in user.
func (t *Table[T]) ownerQuery() url.Values {
	query := url.Values{}
	if identity := t.session.Identity(); identity != nil {
		query.Set("user_id", identity.ID)
	}
	return query
}

// Update patches record id. The service only lets owners change their records.
func (t *Table[T]) Update(ctx context.Context, id string, patch any) (T, error) {
	var saved T
	err := t.session.client.do(ctx, http.MethodPatch, t.path(id), t.ownerQuery(), t.session.Token(), patch, &saved)
	return saved, err
}

func (t *Table[T]) Delete(ctx context.Context, id string) error {
	return t.session.client.do(ctx, http.MethodDelete, t.path(id), t.ownerQuery(), t.session.Token(), nil, nil)
}

// Subscribe calls fn for every change of the table matching filter. After the
// feed reconnected, fn receives an EventReset.
func (t *Table[T]) Subscribe(ctx context.Context, filter domain.Filter, fn func(domain.Event[T])) (unsubscribe func(), err error) {
	return t.session.client.feed.Subscribe(ctx, t.name, filter, func(m feedEvent) {
		ev, err := domain.DecodeEvent[T](m)
		if err != nil {
			glog.Errorf("[feed]%s: %s\n", t.name, err)
			return
		}
		fn(ev)
	})
}
