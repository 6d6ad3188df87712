// Package session carries the identity of the user a request acts for.
// Components receive a Session explicitly instead of looking up a current user.
package session

import (
	"errors"
	"strings"

	"github.com/friendlyfeed/friendlyfeed/internal/message"
)

// AnonymousName is the display name used when a session has none.
const AnonymousName = "anonymous"

// ErrInvalidSession indicates a session without a usable user id.
var ErrInvalidSession = errors.New("invalid session")

// Session is the display identity of the signed-in user.
type Session struct {
	UserID      string `json:"user_id"`
	DisplayName string `json:"display_name,omitempty"`
	PhotoURL    string `json:"photo_url,omitempty"`
}

// Validate checks that the session names a user whose log can be addressed.
func (s Session) Validate() error {
	if s.ID() == "" {
		return ErrInvalidSession
	}
	if err := message.ValidateScope(s.Scope()); err != nil {
		return ErrInvalidSession
	}
	return nil
}

// ID returns the user id without surrounding whitespace. Scopes and
// attachment paths are both derived from it.
func (s Session) ID() string {
	return strings.TrimSpace(s.UserID)
}

// Scope returns the message log scope of the user.
func (s Session) Scope() string {
	return message.Scope(s.ID())
}

// Author returns the display name stamped on the user's messages.
func (s Session) Author() string {
	if name := strings.TrimSpace(s.DisplayName); name != "" {
		return name
	}
	return AnonymousName
}

// AuthorPhoto returns the avatar URL, or nil when the user has none.
func (s Session) AuthorPhoto() *string {
	if url := strings.TrimSpace(s.PhotoURL); url != "" {
		return &url
	}
	return nil
}
