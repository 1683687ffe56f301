package domain

import (
	"fmt"
	"strings"
	"time"
)

// Identity is the authenticated user reference issued by the data service.
type Identity struct {
	ID    string `json:"id"`
	Email string `json:"email"`
}

// Session is what the data service hands back after a successful sign-in or sign-up.
type Session struct {
	AccessToken string    `json:"access_token"`
	ExpiresAt   time.Time `json:"expires_at"`
	User        Identity  `json:"user"`
}

type Credentials struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

const MinPasswordLength = 6

func (c Credentials) ValidateEmail() error {
	if len(c.Email) < 3 || !strings.Contains(c.Email, "@") {
		return fmt.Errorf("%w: email %q is not valid", ErrInvalid, c.Email)
	}
	return nil
}

func (c Credentials) Validate() error {
	if err := c.ValidateEmail(); err != nil {
		return err
	}
	if len(c.Password) < MinPasswordLength {
		return fmt.Errorf("%w: password must have at least %d characters", ErrInvalid, MinPasswordLength)
	}
	return nil
}
