// Package remote is the client of the hosted data service: authentication,
// table reads and writes, and the realtime change feed.
package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"scribe/domain"
)

type Config struct {
	URL     string
	Key     string
	Timeout time.Duration
}

// Client is shared by the whole process. Per-user state lives in Session.
type Client struct {
	base *url.URL
	key  string
	http *http.Client
	feed *Feed
}

func New(config Config) (*Client, error) {
	if config.URL == "" {
		return nil, errors.New("no service url defined")
	}
	if config.Key == "" {
		return nil, errors.New("no service key defined")
	}
	base, err := url.Parse(strings.TrimSuffix(config.URL, "/"))
	if err != nil {
		return nil, fmt.Errorf("service url: %w", err)
	}
	if base.Scheme != "http" && base.Scheme != "https" {
		return nil, fmt.Errorf("service url must be http or https, got %q", config.URL)
	}
	if config.Timeout <= 0 {
		config.Timeout = 15 * time.Second
	}
	c := &Client{
		base: base,
		key:  config.Key,
		http: &http.Client{Timeout: config.Timeout},
	}
	c.feed = newFeed(c)
	return c, nil
}

// Close drops the feed connection. Subscriptions are not notified.
func (c *Client) Close() {
	c.feed.Close()
}

func (c *Client) Feed() *Feed {
	return c.feed
}

type errorBody struct {
	Message string `json:"message"`
}

func statusError(method string, path string, res *http.Response) error {
	var body errorBody
	raw, _ := io.ReadAll(io.LimitReader(res.Body, 4096))
	if json.Unmarshal(raw, &body) != nil || body.Message == "" {
		body.Message = strings.TrimSpace(string(raw))
	}
	var kind error
	switch res.StatusCode {
	case http.StatusBadRequest:
		kind = domain.ErrInvalid
	case http.StatusUnauthorized:
		kind = domain.ErrUnauthorized
	case http.StatusForbidden:
		kind = domain.ErrForbidden
	case http.StatusNotFound:
		kind = domain.ErrNotFound
	case http.StatusConflict:
		kind = domain.ErrConflict
	default:
		return fmt.Errorf("%s %s: status %d: %s", method, path, res.StatusCode, body.Message)
	}
	return fmt.Errorf("%w: %s", kind, body.Message)
}

// do sends one API call. in is encoded as the JSON body when not nil, the
// response is decoded into out when not nil.
func (c *Client) do(ctx context.Context, method string, path string, query url.Values, token string, in any, out any) error {
	u := *c.base
	u.Path = c.base.Path + path
	u.RawQuery = query.Encode()

	var body io.Reader
	if in != nil {
		payload, err := json.Marshal(in)
		if err != nil {
			return err
		}
		body = bytes.NewReader(payload)
	}
	req, err := http.NewRequestWithContext(ctx, method, u.String(), body)
	if err != nil {
		return err
	}
	req.Header.Set("apikey", c.key)
	req.Header.Set("Accept", "application/json")
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	res, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer res.Body.Close()
	if res.StatusCode >= 300 {
		return statusError(method, path, res)
	}
	if out == nil || res.StatusCode == http.StatusNoContent {
		return nil
	}
	if err := json.NewDecoder(res.Body).Decode(out); err != nil {
		return fmt.Errorf("%s %s: decode response: %w", method, path, err)
	}
	return nil
}
