// Package tokenstore provides small in-process TTL maps keyed by random
// tokens. They hold short-lived intermediate state (upload payloads,
// download grants, pending registrations) that is acceptable to lose on
// restart.
package tokenstore

import (
	"crypto/rand"
	"math/big"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"
)

const tokenAlphabet = "ABCDEFGHIJKLMNOPQRSTUVWXYZabcdefghijklmnopqrstuvwxyz0123456789"

const tokenLength = 16

type entry[V any] struct {
	value    V
	expireAt time.Time
}

// Store maps random tokens to values with a fixed TTL. Expiry is enforced
// on access; there is no background sweeper. One mutex guards the map and
// is never held across I/O.
type Store[V any] struct {
	mu      sync.Mutex
	ttl     time.Duration
	entries map[string]entry[V]

	// group serializes per-token generation work (e.g. archive builds) so
	// two concurrent downloads of the same token do the work once.
	group singleflight.Group

	// now is swappable for tests.
	now func() time.Time
}

// New creates a store whose entries live for ttl after insertion.
func New[V any](ttl time.Duration) *Store[V] {
	return &Store[V]{
		ttl:     ttl,
		entries: make(map[string]entry[V]),
		now:     time.Now,
	}
}

func randomToken() string {
	b := make([]byte, tokenLength)
	max := big.NewInt(int64(len(tokenAlphabet)))
	for i := range b {
		n, err := rand.Int(rand.Reader, max)
		if err != nil {
			// crypto/rand only fails when the platform source is broken
			panic(err)
		}
		b[i] = tokenAlphabet[n.Int64()]
	}
	return string(b)
}

// Put stores a value under a fresh token and returns the token.
func (s *Store[V]) Put(value V) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.evictExpiredLocked()

	var token string
	for {
		token = randomToken()
		if _, exists := s.entries[token]; !exists {
			break
		}
	}
	s.entries[token] = entry[V]{value: value, expireAt: s.now().Add(s.ttl)}
	return token
}

// Take removes and returns the value for a token (one-shot consumption).
func (s *Store[V]) Take(token string) (V, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entries[token]
	if !ok || s.now().After(e.expireAt) {
		delete(s.entries, token)
		var zero V
		return zero, false
	}
	delete(s.entries, token)
	return e.value, true
}

// Get returns the value for a token without consuming it.
func (s *Store[V]) Get(token string) (V, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entries[token]
	if !ok || s.now().After(e.expireAt) {
		delete(s.entries, token)
		var zero V
		return zero, false
	}
	return e.value, true
}

// Replace swaps the value for an existing live token, keeping its expiry.
// Returns false if the token is unknown or expired.
func (s *Store[V]) Replace(token string, value V) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entries[token]
	if !ok || s.now().After(e.expireAt) {
		delete(s.entries, token)
		return false
	}
	s.entries[token] = entry[V]{value: value, expireAt: e.expireAt}
	return true
}

// Do runs fn at most once concurrently per token. Used to serialize
// expensive generation work keyed by download token.
func (s *Store[V]) Do(token string, fn func() (any, error)) (any, error) {
	v, err, _ := s.group.Do(token, fn)
	return v, err
}

// Len reports the number of live entries (expired entries may be counted
// until next access).
func (s *Store[V]) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.evictExpiredLocked()
	return len(s.entries)
}

func (s *Store[V]) evictExpiredLocked() {
	now := s.now()
	for token, e := range s.entries {
		if now.After(e.expireAt) {
			delete(s.entries, token)
		}
	}
}
