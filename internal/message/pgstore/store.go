// Package pgstore implements message.Store on PostgreSQL.
//
// Writes run in a transaction that takes a global advisory lock, stamps the
// row with the next revision and emits a NOTIFY on commit. A single
// listening connection per Store turns those notifications into changes on
// a local event hub, so every process sees the same ordered change stream.
//
// Keys compare in byte order ("C" collation) regardless of the database
// locale, matching the order pushkey generates them in.
package pgstore

import (
	"context"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/golang-migrate/migrate/v4"
	_ "github.com/golang-migrate/migrate/v4/database/pgx/v5"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/friendlyfeed/friendlyfeed/internal/message"
	"github.com/friendlyfeed/friendlyfeed/internal/message/event"
	"github.com/friendlyfeed/friendlyfeed/internal/message/pushkey"
)

//go:embed migrations/*.sql
var migrations embed.FS

const (
	channel = "friendlyfeed_messages"
	// writeLockID serialises writers so revisions commit in order.
	writeLockID = 0x66656564
	// maxInlinePayload keeps notifications under the server's 8000 byte limit.
	maxInlinePayload = 7900
)

type notification struct {
	Scope       string             `json:"scope"`
	Key         string             `json:"key"`
	Type        message.ChangeType `json:"type"`
	PreviousKey string             `json:"previousKey,omitempty"`
	Revision    int64              `json:"revision"`
	Message     *message.Message   `json:"message,omitempty"`
}

// Store is a message store backed by a pgx connection pool.
type Store struct {
	pool   *pgxpool.Pool
	keys   *pushkey.Generator
	hub    *event.Hub
	logger *slog.Logger

	mu      sync.Mutex
	synced  *sync.Cond
	applied int64
	broken  bool
	closed  bool

	cancel     context.CancelFunc
	listenDone chan struct{}
}

// Migrate applies the embedded schema migrations to the database at dsn.
func Migrate(dsn string) error {
	src, err := iofs.New(migrations, "migrations")
	if err != nil {
		return fmt.Errorf("load migrations: %w", err)
	}
	m, err := migrate.NewWithSourceInstance("iofs", src, migrateURL(dsn))
	if err != nil {
		return fmt.Errorf("init migrate: %w", err)
	}
	defer m.Close()
	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("migrate up: %w", err)
	}
	return nil
}

// migrateURL rewrites a postgres URL for the pgx/v5 migrate driver.
func migrateURL(dsn string) string {
	for _, prefix := range []string{"postgres://", "postgresql://"} {
		if rest, ok := strings.CutPrefix(dsn, prefix); ok {
			return "pgx5://" + rest
		}
	}
	return dsn
}

// Open migrates the schema, connects and starts listening for changes.
func Open(ctx context.Context, log *slog.Logger, dsn string) (*Store, error) {
	if log == nil {
		log = slog.Default()
	}
	log = log.With(slog.String("store", "postgres"))

	if err := Migrate(dsn); err != nil {
		return nil, err
	}
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("db connect: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("%w: %v", message.ErrStoreUnavailable, err)
	}

	s := &Store{
		pool:       pool,
		keys:       pushkey.New(),
		hub:        event.NewHub(log),
		logger:     log,
		listenDone: make(chan struct{}),
	}
	s.synced = sync.NewCond(&s.mu)

	conn, err := pool.Acquire(ctx)
	if err != nil {
		pool.Close()
		return nil, fmt.Errorf("%w: %v", message.ErrStoreUnavailable, err)
	}
	if _, err := conn.Exec(ctx, "LISTEN "+channel); err != nil {
		conn.Release()
		pool.Close()
		return nil, fmt.Errorf("listen: %w", err)
	}
	// Read the high-water marks only after LISTEN, so no commit falls between.
	var maxKey *string
	if err := pool.QueryRow(ctx, `SELECT COALESCE(MAX(revision), 0), MAX(key COLLATE "C") FROM messages`).Scan(&s.applied, &maxKey); err != nil {
		conn.Release()
		pool.Close()
		return nil, fmt.Errorf("read revision: %w", err)
	}
	if maxKey != nil && pushkey.Valid(*maxKey) {
		if err := s.keys.Observe(*maxKey); err != nil {
			conn.Release()
			pool.Close()
			return nil, err
		}
	}

	listenCtx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel
	go s.listen(listenCtx, conn)
	log.Info("postgres message store opened", slog.Int64("revision", s.applied))
	return s, nil
}

// ReserveKey allocates the next key.
func (s *Store) ReserveKey(_ context.Context, _ string) (string, error) {
	if s.isClosed() {
		return "", message.ErrStoreUnavailable
	}
	return s.keys.Next()
}

// Write creates or replaces the message at key.
func (s *Store) Write(ctx context.Context, scope, key string, msg message.Message) error {
	return s.mutate(ctx, scope, key, func(*message.Message) (message.Message, error) {
		return msg, nil
	})
}

// Update applies patch to the message at key.
func (s *Store) Update(ctx context.Context, scope, key string, patch message.Patch) error {
	return s.mutate(ctx, scope, key, func(current *message.Message) (message.Message, error) {
		if current == nil {
			return message.Message{}, message.ErrNotFound
		}
		return patch.Apply(*current), nil
	})
}

func (s *Store) mutate(ctx context.Context, scope, key string, fn func(*message.Message) (message.Message, error)) error {
	if s.isClosed() {
		return message.ErrStoreUnavailable
	}
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return unavailable(err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	if _, err := tx.Exec(ctx, `SELECT pg_advisory_xact_lock($1)`, writeLockID); err != nil {
		return unavailable(err)
	}
	var current *message.Message
	var raw []byte
	err = tx.QueryRow(ctx, `SELECT body FROM messages WHERE scope = $1 AND key = $2 FOR UPDATE`, scope, key).Scan(&raw)
	switch {
	case errors.Is(err, pgx.ErrNoRows):
	case err != nil:
		return unavailable(err)
	default:
		current = &message.Message{}
		if err := json.Unmarshal(raw, current); err != nil {
			return fmt.Errorf("decode message %s: %w", key, err)
		}
	}

	next, err := fn(current)
	if err != nil {
		return err
	}
	body, err := json.Marshal(next)
	if err != nil {
		return fmt.Errorf("encode message: %w", err)
	}

	var revision int64
	err = tx.QueryRow(ctx, `
INSERT INTO messages (scope, key, body, revision)
VALUES ($1, $2, $3, nextval('message_revisions'))
ON CONFLICT (scope, key) DO UPDATE
SET body = EXCLUDED.body, revision = EXCLUDED.revision, updated_at = now()
RETURNING revision`, scope, key, body).Scan(&revision)
	if err != nil {
		return unavailable(err)
	}

	n := notification{Scope: scope, Key: key, Type: message.ChangeChanged, Revision: revision, Message: &next}
	if current == nil {
		n.Type = message.ChangeAdded
		err := tx.QueryRow(ctx, `SELECT key FROM messages WHERE scope = $1 AND key COLLATE "C" < $2 ORDER BY key COLLATE "C" DESC LIMIT 1`, scope, key).Scan(&n.PreviousKey)
		if err != nil && !errors.Is(err, pgx.ErrNoRows) {
			return unavailable(err)
		}
	}
	payload, err := json.Marshal(n)
	if err != nil {
		return err
	}
	if len(payload) > maxInlinePayload {
		n.Message = nil
		if payload, err = json.Marshal(n); err != nil {
			return err
		}
	}
	if _, err := tx.Exec(ctx, `SELECT pg_notify($1, $2)`, channel, string(payload)); err != nil {
		return unavailable(err)
	}
	if err := tx.Commit(ctx); err != nil {
		return unavailable(err)
	}
	return nil
}

// Subscribe replays the log of scope and then streams live changes. The
// replay is read in one snapshot and the subscription is registered once the
// listener has published every change that snapshot contains.
func (s *Store) Subscribe(ctx context.Context, scope string) (message.Subscription, error) {
	for {
		if s.isClosed() {
			return nil, message.ErrStoreUnavailable
		}
		entries, revision, err := s.snapshot(ctx, scope)
		if err != nil {
			return nil, err
		}

		s.mu.Lock()
		if err := s.waitApplied(ctx, revision); err != nil {
			s.mu.Unlock()
			return nil, err
		}
		if s.applied == revision {
			sub, err := s.hub.Subscribe(ctx, scope, entries)
			s.mu.Unlock()
			return sub, err
		}
		// The listener moved past the snapshot while we waited. Read again.
		s.mu.Unlock()
	}
}

// waitApplied blocks until the listener has applied revision, the store
// fails or ctx is done. Callers hold mu.
func (s *Store) waitApplied(ctx context.Context, revision int64) error {
	stop := context.AfterFunc(ctx, func() {
		s.mu.Lock()
		s.synced.Broadcast()
		s.mu.Unlock()
	})
	defer stop()
	for s.applied < revision && !s.broken && !s.closed && ctx.Err() == nil {
		s.synced.Wait()
	}
	switch {
	case s.broken || s.closed:
		return message.ErrStoreUnavailable
	case s.applied < revision:
		return ctx.Err()
	}
	return nil
}

func (s *Store) snapshot(ctx context.Context, scope string) ([]message.Entry, int64, error) {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.RepeatableRead, AccessMode: pgx.ReadOnly})
	if err != nil {
		return nil, 0, unavailable(err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	var revision int64
	if err := tx.QueryRow(ctx, `SELECT COALESCE(MAX(revision), 0) FROM messages`).Scan(&revision); err != nil {
		return nil, 0, unavailable(err)
	}
	entries, err := list(ctx, tx, scope)
	if err != nil {
		return nil, 0, err
	}
	return entries, revision, nil
}

type querier interface {
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
}

func list(ctx context.Context, q querier, scope string) ([]message.Entry, error) {
	rows, err := q.Query(ctx, `SELECT key, body FROM messages WHERE scope = $1 ORDER BY key COLLATE "C"`, scope)
	if err != nil {
		return nil, unavailable(err)
	}
	defer rows.Close()
	var out []message.Entry
	for rows.Next() {
		var (
			key string
			raw []byte
		)
		if err := rows.Scan(&key, &raw); err != nil {
			return nil, err
		}
		var msg message.Message
		if err := json.Unmarshal(raw, &msg); err != nil {
			return nil, fmt.Errorf("decode message %s: %w", key, err)
		}
		out = append(out, message.Entry{Key: key, Message: msg})
	}
	if err := rows.Err(); err != nil {
		return nil, unavailable(err)
	}
	return out, nil
}

// Get returns the message at key.
func (s *Store) Get(ctx context.Context, scope, key string) (message.Message, error) {
	if s.isClosed() {
		return message.Message{}, message.ErrStoreUnavailable
	}
	return s.fetch(ctx, scope, key)
}

func (s *Store) fetch(ctx context.Context, scope, key string) (message.Message, error) {
	var raw []byte
	err := s.pool.QueryRow(ctx, `SELECT body FROM messages WHERE scope = $1 AND key = $2`, scope, key).Scan(&raw)
	if errors.Is(err, pgx.ErrNoRows) {
		return message.Message{}, message.ErrNotFound
	}
	if err != nil {
		return message.Message{}, unavailable(err)
	}
	var msg message.Message
	if err := json.Unmarshal(raw, &msg); err != nil {
		return message.Message{}, fmt.Errorf("decode message %s: %w", key, err)
	}
	return msg, nil
}

// List returns the log of scope ordered by key.
func (s *Store) List(ctx context.Context, scope string) ([]message.Entry, error) {
	if s.isClosed() {
		return nil, message.ErrStoreUnavailable
	}
	return list(ctx, s.pool, scope)
}

// Close stops the listener and closes the pool. Open subscriptions end with
// message.ErrStoreUnavailable.
func (s *Store) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.synced.Broadcast()
	s.mu.Unlock()

	s.cancel()
	<-s.listenDone
	s.pool.Close()
	s.hub.Fail(message.ErrStoreUnavailable)
	return nil
}

func (s *Store) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

func (s *Store) listen(ctx context.Context, conn *pgxpool.Conn) {
	defer close(s.listenDone)
	defer conn.Release()
	for {
		n, err := conn.Conn().WaitForNotification(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			s.logger.Error("change listener lost connection", slog.Any("error", err))
			s.mu.Lock()
			s.broken = true
			s.synced.Broadcast()
			s.mu.Unlock()
			s.hub.Fail(message.ErrStoreUnavailable)
			return
		}
		s.apply(ctx, n.Payload)
	}
}

func (s *Store) apply(ctx context.Context, payload string) {
	var n notification
	if err := json.Unmarshal([]byte(payload), &n); err != nil {
		s.logger.Warn("malformed change notification", slog.Any("error", err))
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if n.Revision <= s.applied {
		return
	}
	msg := n.Message
	if msg == nil {
		current, err := s.fetch(ctx, n.Scope, n.Key)
		if err != nil {
			s.logger.Warn("fetch notified message failed", slog.String("key", n.Key), slog.Any("error", err))
		} else {
			msg = &current
		}
	}
	s.applied = n.Revision
	if msg != nil {
		s.hub.Publish(n.Scope, message.Change{Type: n.Type, Key: n.Key, Message: *msg, PreviousKey: n.PreviousKey})
	}
	s.synced.Broadcast()
}

func unavailable(err error) error {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	return fmt.Errorf("%w: %v", message.ErrStoreUnavailable, err)
}
