package backend

import (
	"database/sql"
	"path/filepath"
	"testing"

	"golang.org/x/crypto/bcrypt"
)

const (
	testPublicKey  = "public-key"
	testServiceKey = "service-key"
	techID         = "0b6f2c1e-5d1a-4c53-9a43-6a0f5b1c0002"
	travelID       = "0b6f2c1e-5d1a-4c53-9a43-6a0f5b1c0003"
)

func newTestDB(t *testing.T) *sql.DB {
	t.Helper()
	dsn := filepath.Join(t.TempDir(), "test.db") + "?_pragma=foreign_keys(1)&_pragma=busy_timeout(5000)"
	db, err := OpenDB(dsn)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { db.Close() })
	return db
}

func newTestServer(t *testing.T) *Server {
	t.Helper()
	s, err := New(newTestDB(t), Config{
		PublicKey:    testPublicKey,
		ServiceKey:   testServiceKey,
		JWTSecret:    "test-secret",
		EnableSignup: true,
		PasswordCost: bcrypt.MinCost,
	})
	if err != nil {
		t.Fatal(err)
	}
	return s
}
