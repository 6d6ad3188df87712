package message

import (
	"context"
	"errors"
	"strings"
)

const (
	// LogRoot is the top-level path under which every user's message log lives.
	LogRoot = "user-messages"
	// LoadingImageURL marks a placeholder whose image upload has not finished.
	LoadingImageURL = "https://www.google.com/images/spin-32.gif"
	// BotAuthor is the reserved author name of completion-service messages.
	BotAuthor = "GPT-3"
	// BotAvatarURL is the avatar attached to bot-authored messages.
	BotAvatarURL = "https://openai.com/content/images/2022/05/openai-avatar.png"
)

var (
	// ErrStoreUnavailable indicates the transport to the message store cannot be reached.
	ErrStoreUnavailable = errors.New("message store unavailable")
	// ErrNotFound indicates no message exists at the requested key.
	ErrNotFound = errors.New("message not found")
	// ErrInvalidScope indicates a malformed log scope.
	ErrInvalidScope = errors.New("invalid message scope")
	// ErrInvalidKey indicates a malformed message key.
	ErrInvalidKey = errors.New("invalid message key")
)

// Message is one entry of a user's message log.
type Message struct {
	Text           *string `json:"text,omitempty"`
	Author         string  `json:"author"`
	AuthorPhotoURL *string `json:"authorPhotoUrl,omitempty"`
	ImageURL       *string `json:"imageUrl,omitempty"`
}

// IsPlaceholder reports whether the message is waiting for its image upload.
func (m Message) IsPlaceholder() bool {
	return m.ImageURL != nil && *m.ImageURL == LoadingImageURL
}

// IsBot reports whether the message was authored by the completion service.
func (m Message) IsBot() bool {
	return m.Author == BotAuthor
}

// Degenerate reports a message that carries neither text nor image.
func (m Message) Degenerate() bool {
	return m.Text == nil && m.ImageURL == nil
}

// Equal compares messages field by field.
func (m Message) Equal(other Message) bool {
	return m.Author == other.Author &&
		equalPtr(m.Text, other.Text) &&
		equalPtr(m.AuthorPhotoURL, other.AuthorPhotoURL) &&
		equalPtr(m.ImageURL, other.ImageURL)
}

// Clone returns a deep copy so callers never share pointer fields.
func (m Message) Clone() Message {
	return Message{
		Text:           clonePtr(m.Text),
		Author:         m.Author,
		AuthorPhotoURL: clonePtr(m.AuthorPhotoURL),
		ImageURL:       clonePtr(m.ImageURL),
	}
}

// Patch carries a partial message. Nil fields are left untouched by Apply.
type Patch struct {
	Text           *string `json:"text,omitempty"`
	Author         *string `json:"author,omitempty"`
	AuthorPhotoURL *string `json:"authorPhotoUrl,omitempty"`
	ImageURL       *string `json:"imageUrl,omitempty"`
}

// Empty reports whether the patch changes nothing.
func (p Patch) Empty() bool {
	return p.Text == nil && p.Author == nil && p.AuthorPhotoURL == nil && p.ImageURL == nil
}

// Apply returns m with every present patch field replaced.
func (p Patch) Apply(m Message) Message {
	out := m.Clone()
	if p.Text != nil {
		out.Text = clonePtr(p.Text)
	}
	if p.Author != nil {
		out.Author = *p.Author
	}
	if p.AuthorPhotoURL != nil {
		out.AuthorPhotoURL = clonePtr(p.AuthorPhotoURL)
	}
	if p.ImageURL != nil {
		out.ImageURL = clonePtr(p.ImageURL)
	}
	return out
}

// Entry is a message together with its key.
type Entry struct {
	Key     string  `json:"key"`
	Message Message `json:"message"`
}

// ChangeType classifies a store change.
type ChangeType string

const (
	ChangeAdded   ChangeType = "added"
	ChangeChanged ChangeType = "changed"
	ChangeRemoved ChangeType = "removed"
	ChangeMoved   ChangeType = "moved"
	// ChangeSynced marks the end of the initial replay of a subscription.
	ChangeSynced ChangeType = "synced"
)

// Change is one record of a scope's change stream. PreviousKey names the
// entry the changed key now follows; empty means the head of the log.
type Change struct {
	Type        ChangeType `json:"type"`
	Key         string     `json:"key,omitempty"`
	Message     Message    `json:"message"`
	PreviousKey string     `json:"previousKey,omitempty"`
}

// Subscription delivers a scope's changes in store order. Events is closed
// when the subscription ends; Err then reports why (nil after Close).
type Subscription interface {
	Events() <-chan Change
	Err() error
	Close()
}

// Writer is the write side of a message log.
type Writer interface {
	// ReserveKey allocates a key greater than any previously reserved for scope.
	ReserveKey(ctx context.Context, scope string) (string, error)
	// Write creates or replaces the message at key.
	Write(ctx context.Context, scope, key string, msg Message) error
	// Update replaces the fields present in patch and keeps the others.
	Update(ctx context.Context, scope, key string, patch Patch) error
}

// Subscriber opens change streams.
type Subscriber interface {
	// Subscribe replays existing entries as added changes (oldest key first),
	// emits ChangeSynced, then streams live changes.
	Subscribe(ctx context.Context, scope string) (Subscription, error)
}

// Reader reads persisted messages.
type Reader interface {
	Get(ctx context.Context, scope, key string) (Message, error)
	List(ctx context.Context, scope string) ([]Entry, error)
}

// Store is the full message store contract implemented by every driver.
type Store interface {
	Writer
	Subscriber
	Reader
	Close() error
}

// Scope returns the log scope for a user id.
func Scope(userID string) string {
	return LogRoot + "/" + strings.TrimSpace(userID)
}

// ValidateScope checks that scope names exactly one user log.
func ValidateScope(scope string) error {
	userID, ok := strings.CutPrefix(scope, LogRoot+"/")
	if !ok || strings.TrimSpace(userID) == "" || strings.ContainsAny(userID, "/\x00") || userID == "." || userID == ".." {
		return ErrInvalidScope
	}
	return nil
}

// ValidateKey checks that key is usable as a log key.
func ValidateKey(key string) error {
	if strings.TrimSpace(key) == "" || strings.ContainsAny(key, "/\x00") {
		return ErrInvalidKey
	}
	return nil
}

// String returns a pointer to s, for building messages and patches.
func String(s string) *string {
	return &s
}

func equalPtr(a, b *string) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return *a == *b
}

func clonePtr(s *string) *string {
	if s == nil {
		return nil
	}
	v := *s
	return &v
}
