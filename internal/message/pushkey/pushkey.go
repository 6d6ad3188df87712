// Package pushkey generates message keys that sort lexicographically in
// creation order. A key is 20 characters: 8 encode the millisecond timestamp,
// 12 are random. Keys minted within the same millisecond increment the random
// part, so a single Generator never returns a key <= a previous one.
package pushkey

import (
	"crypto/rand"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"
)

const (
	alphabet   = "-0123456789ABCDEFGHIJKLMNOPQRSTUVWXYZ_abcdefghijklmnopqrstuvwxyz"
	timeChars  = 8
	randChars  = 12
	KeyLength  = timeChars + randChars
	maxCharIdx = len(alphabet) - 1
)

// ErrInvalidKey indicates a string is not a well-formed push key.
var ErrInvalidKey = errors.New("invalid push key")

var charIndex = func() [256]int {
	var idx [256]int
	for i := range idx {
		idx[i] = -1
	}
	for i := 0; i < len(alphabet); i++ {
		idx[alphabet[i]] = i
	}
	return idx
}()

// Generator mints strictly increasing keys. The zero value is not usable; use New.
type Generator struct {
	mu       sync.Mutex
	now      func() time.Time
	entropy  io.Reader
	lastTime int64
	lastRand [randChars]int
	last     string
}

// Option customises a Generator.
type Option func(*Generator)

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(g *Generator) {
		if now != nil {
			g.now = now
		}
	}
}

// WithEntropy overrides the random source.
func WithEntropy(r io.Reader) Option {
	return func(g *Generator) {
		if r != nil {
			g.entropy = r
		}
	}
}

// New creates a Generator backed by the wall clock and crypto/rand.
func New(opts ...Option) *Generator {
	g := &Generator{
		now:     time.Now,
		entropy: rand.Reader,
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// Next returns a key greater than every key previously returned or observed.
func (g *Generator) Next() (string, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	now := g.now().UnixMilli()
	if now < g.lastTime {
		// Clock went backwards; stay on the last timestamp.
		now = g.lastTime
	}
	if now == g.lastTime && g.last != "" {
		if !increment(&g.lastRand) {
			now++
			if err := g.fillRandom(); err != nil {
				return "", err
			}
		}
	} else {
		if err := g.fillRandom(); err != nil {
			return "", err
		}
	}
	g.lastTime = now
	g.last = encode(now, g.lastRand)
	return g.last, nil
}

// Observe raises the generator floor to key so later keys sort after it.
// Stores call this on open with the largest persisted key.
func (g *Generator) Observe(key string) error {
	ts, rnd, err := decode(key)
	if err != nil {
		return err
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	if key <= g.last {
		return nil
	}
	g.lastTime = ts
	g.lastRand = rnd
	g.last = key
	return nil
}

// Valid reports whether key is a well-formed push key.
func Valid(key string) bool {
	_, _, err := decode(key)
	return err == nil
}

// Timestamp returns the creation time encoded in key.
func Timestamp(key string) (time.Time, error) {
	ts, _, err := decode(key)
	if err != nil {
		return time.Time{}, err
	}
	return time.UnixMilli(ts), nil
}

func (g *Generator) fillRandom() error {
	var buf [randChars]byte
	if _, err := io.ReadFull(g.entropy, buf[:]); err != nil {
		return fmt.Errorf("read entropy: %w", err)
	}
	for i, b := range buf {
		g.lastRand[i] = int(b) & maxCharIdx
	}
	return nil
}

// increment adds one to the random suffix; false means it wrapped around.
func increment(rnd *[randChars]int) bool {
	for i := randChars - 1; i >= 0; i-- {
		if rnd[i] < maxCharIdx {
			rnd[i]++
			return true
		}
		rnd[i] = 0
	}
	return false
}

func encode(ts int64, rnd [randChars]int) string {
	var out [KeyLength]byte
	for i := timeChars - 1; i >= 0; i-- {
		out[i] = alphabet[ts%64]
		ts /= 64
	}
	for i, v := range rnd {
		out[timeChars+i] = alphabet[v]
	}
	return string(out[:])
}

func decode(key string) (int64, [randChars]int, error) {
	var rnd [randChars]int
	if len(key) != KeyLength {
		return 0, rnd, fmt.Errorf("%w: %q", ErrInvalidKey, key)
	}
	var ts int64
	for i := 0; i < timeChars; i++ {
		v := charIndex[key[i]]
		if v < 0 {
			return 0, rnd, fmt.Errorf("%w: %q", ErrInvalidKey, key)
		}
		ts = ts*64 + int64(v)
	}
	for i := 0; i < randChars; i++ {
		v := charIndex[key[timeChars+i]]
		if v < 0 {
			return 0, rnd, fmt.Errorf("%w: %q", ErrInvalidKey, key)
		}
		rnd[i] = v
	}
	return ts, rnd, nil
}
