package circ

import (
	"errors"
	"fmt"

	"golang.org/x/crypto/bcrypt"
)

// Authenticator verifies staff against locally cached credentials so
// operators can sign in with the backend unreachable.
type Authenticator struct {
	store *Store
}

// NewAuthenticator creates an authenticator over the store's cached
// credentials.
func NewAuthenticator(store *Store) *Authenticator {
	return &Authenticator{store: store}
}

// SetPassword caches (or replaces) a staff user's password as a bcrypt hash.
func (a *Authenticator) SetPassword(username, password string) error {
	if len(password) < 4 {
		return fmt.Errorf("password too short")
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return err
	}
	return a.store.UpsertStaffCredential(username, string(hash))
}

// Verify checks a password against the cached hash. The error does not
// reveal whether the user exists.
func (a *Authenticator) Verify(username, password string) error {
	hash, err := a.store.GetStaffCredential(username)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return fmt.Errorf("unknown staff user or wrong password")
		}
		return err
	}
	if bcrypt.CompareHashAndPassword([]byte(hash), []byte(password)) != nil {
		return fmt.Errorf("unknown staff user or wrong password")
	}
	return nil
}
