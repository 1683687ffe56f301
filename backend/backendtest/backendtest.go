// Package backendtest starts an in-process data service for tests.
package backendtest

import (
	"net/http/httptest"
	"path/filepath"
	"testing"

	"golang.org/x/crypto/bcrypt"

	"scribe/backend"
)

const (
	PublicKey  = "test-public-key"
	ServiceKey = "test-service-key"

	GeneralID = "0b6f2c1e-5d1a-4c53-9a43-6a0f5b1c0001"
	TechID    = "0b6f2c1e-5d1a-4c53-9a43-6a0f5b1c0002"
	TravelID  = "0b6f2c1e-5d1a-4c53-9a43-6a0f5b1c0003"
)

// Start runs a data service on a fresh database. Everything is torn down with the test.
func Start(t testing.TB) (*backend.Server, *httptest.Server) {
	t.Helper()
	dsn := filepath.Join(t.TempDir(), "service.db") + "?_pragma=foreign_keys(1)&_pragma=busy_timeout(5000)"
	db, err := backend.OpenDB(dsn)
	if err != nil {
		t.Fatal(err)
	}
	s, err := backend.New(db, backend.Config{
		PublicKey:    PublicKey,
		ServiceKey:   ServiceKey,
		JWTSecret:    "test-secret",
		EnableSignup: true,
		PasswordCost: bcrypt.MinCost,
	})
	if err != nil {
		t.Fatal(err)
	}
	srv := httptest.NewServer(s.Echo())
	t.Cleanup(func() {
		srv.CloseClientConnections()
		srv.Close()
		db.Close()
	})
	return s, srv
}
