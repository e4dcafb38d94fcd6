// Package credentials stores the OAuth tokens used to talk to the remote
// backend, either as a plain JSON file or encrypted with age.
package credentials

import (
	"errors"
	"time"
)

// ErrNotConfigured is returned by Load when no credentials have been stored yet.
var ErrNotConfigured = errors.New("credentials not configured")

// Credentials are the tokens for one remote account.
type Credentials struct {
	AccessToken  string    `json:"access_token"`
	TokenType    string    `json:"token_type"`
	RefreshToken string    `json:"refresh_token"`
	Expiry       time.Time `json:"expiry,omitempty"`
}

// Empty reports whether no token is held at all.
func (c *Credentials) Empty() bool {
	return c == nil || (c.AccessToken == "" && c.RefreshToken == "")
}

// Store loads and saves credentials.
type Store interface {
	Load() (*Credentials, error)
	Save(c *Credentials) error
}
