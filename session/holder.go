// Package session holds who is signed in for one browser and turns the
// login, signup and logout actions into redirects.
package session

import (
	"context"
	"sync"

	"github.com/golang/glog"

	"scribe/domain"
)

// Redirect targets.
const (
	RouteHome      = "/"
	RouteDashboard = "/dashboard"
	RouteLogin     = "/login"
	RouteError     = "/error"
)

// Auth is the authentication side of the data service. *remote.Session
// satisfies it.
type Auth interface {
	GetSession(ctx context.Context) (*domain.Identity, error)
	SignIn(ctx context.Context, creds domain.Credentials) (*domain.Identity, error)
	SignUp(ctx context.Context, creds domain.Credentials) (*domain.Identity, error)
	SignOut(ctx context.Context) error
	OnSessionChange(fn func(*domain.Identity)) (unsubscribe func())
}

// Holder tracks the identity of one client. It follows session changes for
// its whole lifetime.
type Holder struct {
	auth        Auth
	unsubscribe func()

	mu       sync.RWMutex
	identity *domain.Identity
}

func New(ctx context.Context, auth Auth) *Holder {
	h := &Holder{auth: auth}
	h.unsubscribe = auth.OnSessionChange(h.set)
	if _, err := h.CurrentIdentity(ctx); err != nil {
		glog.Infof("[session]initial lookup error = %s\n", err)
	}
	return h
}

func (h *Holder) set(identity *domain.Identity) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if identity == nil {
		h.identity = nil
		return
	}
	copied := *identity
	h.identity = &copied
}

// Identity returns the held identity, nil when signed out.
func (h *Holder) Identity() *domain.Identity {
	h.mu.RLock()
	defer h.mu.RUnlock()
	if h.identity == nil {
		return nil
	}
	copied := *h.identity
	return &copied
}

// CurrentIdentity asks the service for the active session and holds the answer.
func (h *Holder) CurrentIdentity(ctx context.Context) (*domain.Identity, error) {
	identity, err := h.auth.GetSession(ctx)
	if err != nil {
		return h.Identity(), err
	}
	h.set(identity)
	return h.Identity(), nil
}

// Login signs in and returns where to send the browser: the dashboard on
// success, the error view otherwise.
func (h *Holder) Login(ctx context.Context, creds domain.Credentials) string {
	return h.authenticate(ctx, "login", h.auth.SignIn, creds)
}

func (h *Holder) Signup(ctx context.Context, creds domain.Credentials) string {
	return h.authenticate(ctx, "signup", h.auth.SignUp, creds)
}

func (h *Holder) authenticate(ctx context.Context, action string, fn func(context.Context, domain.Credentials) (*domain.Identity, error), creds domain.Credentials) string {
	if err := creds.Validate(); err != nil {
		glog.Infof("[session]%s rejected: %s\n", action, err)
		return RouteError
	}
	identity, err := fn(ctx, creds)
	if err != nil || identity == nil {
		glog.Infof("[session]%s failed: %v\n", action, err)
		return RouteError
	}
	h.set(identity)
	return RouteDashboard
}

// Logout signs out and returns home, or the error view when the service failed.
func (h *Holder) Logout(ctx context.Context) string {
	if err := h.auth.SignOut(ctx); err != nil {
		glog.Infof("[session]logout failed: %s\n", err)
		return RouteError
	}
	h.set(nil)
	return RouteHome
}

// Close stops following session changes and closes the underlying session if
// it can be closed.
func (h *Holder) Close() {
	h.unsubscribe()
	if closer, ok := h.auth.(interface{ Close() }); ok {
		closer.Close()
	}
}
