package backend

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/jellydator/ttlcache/v3"
	"github.com/oklog/ulid/v2"
	"golang.org/x/crypto/bcrypt"

	"scribe/domain"
)

const defaultTokenTTL = 7 * 24 * time.Hour

type Claims struct {
	Email string `json:"email"`
	jwt.RegisteredClaims
}

func (c *Claims) Identity() domain.Identity {
	return domain.Identity{ID: c.Subject, Email: c.Email}
}

// Auth hashes passwords and issues HS256 access tokens. Signed-out tokens stay
// revoked until they would have expired anyway.
type Auth struct {
	secret  []byte
	ttl     time.Duration
	cost    int
	revoked *ttlcache.Cache[string, struct{}]
}

func NewAuth(secret string, ttl time.Duration) (*Auth, error) {
	if secret == "" {
		return nil, errors.New("missing secret")
	}
	if ttl <= 0 {
		ttl = defaultTokenTTL
	}
	return &Auth{
		secret: []byte(secret),
		ttl:    ttl,
		cost:   bcrypt.DefaultCost,
		revoked: ttlcache.New[string, struct{}](
			ttlcache.WithTTL[string, struct{}](ttl),
			ttlcache.WithDisableTouchOnHit[string, struct{}](),
		),
	}, nil
}

// Start evicts expired revocations until Stop is called.
func (a *Auth) Start() {
	a.revoked.Start()
}

func (a *Auth) Stop() {
	a.revoked.Stop()
}

func (a *Auth) HashPassword(password string) (string, error) {
	hashed, err := bcrypt.GenerateFromPassword([]byte(password), a.cost)
	if err != nil {
		return "", err
	}
	return string(hashed), nil
}

func (a *Auth) ComparePassword(hash string, password string) error {
	if err := bcrypt.CompareHashAndPassword([]byte(hash), []byte(password)); err != nil {
		return fmt.Errorf("%w: invalid login credentials", domain.ErrUnauthorized)
	}
	return nil
}

func (a *Auth) Issue(user domain.Identity) (domain.Session, error) {
	now := time.Now()
	exp := now.Add(a.ttl)
	claims := &Claims{
		Email: user.Email,
		RegisteredClaims: jwt.RegisteredClaims{
			ID:        ulid.Make().String(),
			Subject:   user.ID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(exp),
		},
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(a.secret)
	if err != nil {
		return domain.Session{}, err
	}
	return domain.Session{
		AccessToken: signed,
		ExpiresAt:   exp.UTC(),
		User:        user,
	}, nil
}

// Parse verifies signature, expiry and revocation of an access token.
func (a *Auth) Parse(accessToken string) (*jwt.Token, error) {
	token, err := jwt.ParseWithClaims(accessToken, &Claims{}, func(token *jwt.Token) (interface{}, error) {
		return a.secret, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrUnauthorized, err)
	}
	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid || claims.Subject == "" {
		return nil, fmt.Errorf("%w: malformed token", domain.ErrUnauthorized)
	}
	if a.revoked.Get(claims.ID) != nil {
		return nil, fmt.Errorf("%w: token has been revoked", domain.ErrUnauthorized)
	}
	return token, nil
}

func (a *Auth) Revoke(claims *Claims) {
	ttl := ttlcache.DefaultTTL
	if claims.ExpiresAt != nil {
		ttl = time.Until(claims.ExpiresAt.Time)
	}
	if ttl <= 0 {
		return
	}
	a.revoked.Set(claims.ID, struct{}{}, ttl)
}
