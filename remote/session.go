package remote

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/golang/glog"

	"scribe/domain"
)

// Session is one client's view of the data service: its access token, the
// identity behind it, and typed access to the tables.
type Session struct {
	client *Client

	mu        sync.Mutex
	token     string
	expiresAt time.Time
	identity  *domain.Identity
	nextID    uint64
	listeners map[uint64]func(*domain.Identity)
	unwatch   func()
}

func (c *Client) NewSession() *Session {
	return &Session{
		client:    c,
		listeners: make(map[uint64]func(*domain.Identity)),
	}
}

func (s *Session) Token() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.token
}

// Identity is the signed in user, or nil.
func (s *Session) Identity() *domain.Identity {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.identity
}

// OnSessionChange calls fn with the new identity, or nil, whenever the session
// signs in, signs out or is found to be no longer valid.
func (s *Session) OnSessionChange(fn func(*domain.Identity)) (unsubscribe func()) {
	s.mu.Lock()
	s.nextID++
	id := s.nextID
	s.listeners[id] = fn
	s.mu.Unlock()
	return func() {
		s.mu.Lock()
		delete(s.listeners, id)
		s.mu.Unlock()
	}
}

// set replaces the session state and notifies listeners when the identity changed.
func (s *Session) set(session *domain.Session) {
	s.mu.Lock()
	before := s.identity
	unwatch := s.unwatch
	s.unwatch = nil
	if session == nil {
		s.token = ""
		s.expiresAt = time.Time{}
		s.identity = nil
	} else {
		s.token = session.AccessToken
		s.expiresAt = session.ExpiresAt
		user := session.User
		s.identity = &user
	}
	after := s.identity
	listeners := make([]func(*domain.Identity), 0, len(s.listeners))
	for _, fn := range s.listeners {
		listeners = append(listeners, fn)
	}
	s.mu.Unlock()

	if unwatch != nil {
		unwatch()
	}
	if after != nil {
		s.watch(after.ID)
	}
	if sameIdentity(before, after) {
		return
	}
	for _, fn := range listeners {
		fn(after)
	}
}

// end drops the session if it still uses token.
func (s *Session) end(token string) {
	s.mu.Lock()
	current := s.token == token
	s.mu.Unlock()
	if current {
		s.set(nil)
	}
}

func sameIdentity(a *domain.Identity, b *domain.Identity) bool {
	if a == nil || b == nil {
		return a == b
	}
	return *a == *b
}

// watch follows sign-outs of the user made elsewhere and revalidates this
// session when one happens.
func (s *Session) watch(userID string) {
	ctx, cancel := context.WithTimeout(context.Background(), s.client.http.Timeout)
	defer cancel()
	unsubscribe, err := s.client.feed.Subscribe(ctx, domain.TableAuth, domain.Eq("user_id", userID), func(m feedEvent) {
		if m.Kind != domain.EventSignedOut && m.Kind != domain.EventReset {
			return
		}
		go func() {
			ctx, cancel := context.WithTimeout(context.Background(), s.client.http.Timeout)
			defer cancel()
			if _, err := s.GetSession(ctx); err != nil {
				glog.Infof("[session]revalidate %s error = %s\n", userID, err)
			}
		}()
	})
	if err != nil {
		glog.Infof("[session]watch %s error = %s\n", userID, err)
		return
	}
	s.mu.Lock()
	if s.identity == nil || s.identity.ID != userID || s.unwatch != nil {
		s.mu.Unlock()
		unsubscribe()
		return
	}
	s.unwatch = unsubscribe
	s.mu.Unlock()
}

// GetSession returns the identity of the active session, or nil when there is none.
// A token the service no longer accepts ends the session.
func (s *Session) GetSession(ctx context.Context) (*domain.Identity, error) {
	s.mu.Lock()
	token := s.token
	expired := !s.expiresAt.IsZero() && time.Now().After(s.expiresAt)
	s.mu.Unlock()

	if token == "" {
		return nil, nil
	}
	if expired {
		s.end(token)
		return nil, nil
	}
	var user domain.Identity
	err := s.client.do(ctx, http.MethodGet, "/auth/v1/user", nil, token, nil, &user)
	if errors.Is(err, domain.ErrUnauthorized) {
		s.end(token)
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &user, nil
}

func (s *Session) SignIn(ctx context.Context, creds domain.Credentials) (*domain.Identity, error) {
	return s.authenticate(ctx, "/auth/v1/token", creds)
}

func (s *Session) SignUp(ctx context.Context, creds domain.Credentials) (*domain.Identity, error) {
	return s.authenticate(ctx, "/auth/v1/signup", creds)
}

func (s *Session) authenticate(ctx context.Context, path string, creds domain.Credentials) (*domain.Identity, error) {
	var session domain.Session
	if err := s.client.do(ctx, http.MethodPost, path, nil, "", creds, &session); err != nil {
		return nil, err
	}
	if session.AccessToken == "" {
		return nil, fmt.Errorf("%s: no access token in response", path)
	}
	s.set(&session)
	user := session.User
	return &user, nil
}

// SignOut ends the session. The local session is dropped even when the service
// call fails.
func (s *Session) SignOut(ctx context.Context) error {
	token := s.Token()
	if token == "" {
		return nil
	}
	err := s.client.do(ctx, http.MethodPost, "/auth/v1/logout", nil, token, nil, nil)
	s.set(nil)
	if errors.Is(err, domain.ErrUnauthorized) {
		return nil
	}
	return err
}

// Close stops watching the session. The token stays valid on the service.
func (s *Session) Close() {
	s.mu.Lock()
	unwatch := s.unwatch
	s.unwatch = nil
	s.listeners = make(map[uint64]func(*domain.Identity))
	s.mu.Unlock()
	if unwatch != nil {
		unwatch()
	}
}

func (s *Session) Posts() *Table[domain.Post] {
	return &Table[domain.Post]{session: s, name: domain.TablePosts}
}

func (s *Session) Categories() *Table[domain.Category] {
	return &Table[domain.Category]{session: s, name: domain.TableCategories}
}
