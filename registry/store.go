package registry

import (
	"bytes"
	"context"
	"crypto/rand"
	"crypto/subtle"
	"encoding/hex"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/cespare/xxhash/v2"
)

const (
	shardCount      = 32
	ownerTokenBytes = 16
)

// Entry is a snapshot of a registration returned to the caller of Insert.
type Entry struct {
	Code       string
	CreatedAt  time.Time
	ExpiresAt  time.Time
	OwnerToken string
}

type entry struct {
	ticket     []byte
	createdAt  time.Time
	expiresAt  time.Time
	ownerToken string

	consumed bool
	resolved bool

	answer []byte
	// answered is closed when the answer is set or the entry is removed.
	answered chan struct{}
	woken    bool
}

func (e *entry) expired(now time.Time) bool {
	return !now.Before(e.expiresAt)
}

func (e *entry) wake() {
	if !e.woken {
		e.woken = true
		close(e.answered)
	}
}

type shard struct {
	mu      sync.Mutex
	entries map[string]*entry
}

// Store maps codes to tickets. It is split into shards with one mutex each,
// so operations on codes in different shards never contend.
type Store struct {
	shards    [shardCount]shard
	gen       Generator
	clock     clock.Clock
	ttl       time.Duration
	singleUse bool

	collisions atomic.Uint64
}

func NewStore(gen Generator, clk clock.Clock, ttl time.Duration, singleUse bool) *Store {
	s := &Store{
		gen:       gen,
		clock:     clk,
		ttl:       ttl,
		singleUse: singleUse,
	}
	for i := range s.shards {
		s.shards[i].entries = make(map[string]*entry)
	}
	return s
}

func (s *Store) shardFor(code string) *shard {
	return &s.shards[xxhash.Sum64String(code)%shardCount]
}

// Insert stores a copy of ticket under a freshly generated code. A live entry
// under the generated code counts as a collision and a new code is drawn; after
// MaxInsertAttempts collisions ErrCodeSpaceExhausted is returned.
func (s *Store) Insert(ticket []byte) (Entry, error) {
	token, err := newOwnerToken()
	if err != nil {
		return Entry{}, err
	}
	stored := bytes.Clone(ticket)

	for attempt := 0; attempt < MaxInsertAttempts; attempt++ {
		code, err := s.gen.Generate()
		if err != nil {
			return Entry{}, fmt.Errorf("generate code: %w", err)
		}

		sh := s.shardFor(code)
		sh.mu.Lock()
		now := s.clock.Now()
		if old, ok := sh.entries[code]; ok && !old.expired(now) {
			sh.mu.Unlock()
			s.collisions.Add(1)
			continue
		} else if ok {
			old.wake()
		}

		e := &entry{
			ticket:     stored,
			createdAt:  now,
			expiresAt:  now.Add(s.ttl),
			ownerToken: token,
			answered:   make(chan struct{}),
		}
		sh.entries[code] = e
		sh.mu.Unlock()

		return Entry{
			Code:       code,
			CreatedAt:  e.createdAt,
			ExpiresAt:  e.expiresAt,
			OwnerToken: token,
		}, nil
	}

	return Entry{}, ErrCodeSpaceExhausted
}

// lookup returns the live entry for code, removing it if it has expired.
// The shard lock must be held.
func (s *Store) lookup(sh *shard, code string) (*entry, bool) {
	e, ok := sh.entries[code]
	if !ok {
		return nil, false
	}
	if e.expired(s.clock.Now()) {
		delete(sh.entries, code)
		e.wake()
		return nil, false
	}
	return e, true
}

// Resolve returns a copy of the ticket stored under code. Under single-use
// policy the first successful call consumes the entry and every later or
// concurrent call gets ErrNotFound.
func (s *Store) Resolve(code string) ([]byte, error) {
	sh := s.shardFor(code)
	sh.mu.Lock()
	defer sh.mu.Unlock()

	e, ok := s.lookup(sh, code)
	if !ok || e.consumed {
		return nil, ErrNotFound
	}

	if s.singleUse {
		e.consumed = true
	}
	e.resolved = true

	return bytes.Clone(e.ticket), nil
}

// SetAnswer attaches the receiver's answer to a resolved entry. Only the first
// answer is kept.
func (s *Store) SetAnswer(code string, answer []byte) error {
	sh := s.shardFor(code)
	sh.mu.Lock()
	defer sh.mu.Unlock()

	e, ok := s.lookup(sh, code)
	if !ok || !e.resolved {
		return ErrNotFound
	}
	if e.answer != nil {
		return ErrAnswerExists
	}

	e.answer = bytes.Clone(answer)
	e.wake()
	return nil
}

// Answer waits until an answer is posted for code and returns it. The owner
// token must match the one handed out by Insert; a mismatch looks like an
// unknown code.
func (s *Store) Answer(ctx context.Context, code, token string) ([]byte, error) {
	sh := s.shardFor(code)

	sh.mu.Lock()
	e, ok := s.lookup(sh, code)
	if !ok || subtle.ConstantTimeCompare([]byte(e.ownerToken), []byte(token)) != 1 {
		sh.mu.Unlock()
		return nil, ErrNotFound
	}
	if e.answer != nil {
		answer := bytes.Clone(e.answer)
		sh.mu.Unlock()
		return answer, nil
	}
	wait := e.answered
	sh.mu.Unlock()

	select {
	case <-wait:
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	sh.mu.Lock()
	defer sh.mu.Unlock()
	if cur, ok := s.lookup(sh, code); !ok || cur != e || e.answer == nil {
		return nil, ErrNotFound
	}
	return bytes.Clone(e.answer), nil
}

// Sweep removes every entry that has expired at now and returns how many were
// removed. Shards are locked one at a time.
func (s *Store) Sweep(now time.Time) int {
	removed := 0
	for i := range s.shards {
		sh := &s.shards[i]
		sh.mu.Lock()
		for code, e := range sh.entries {
			if e.expired(now) {
				delete(sh.entries, code)
				e.wake()
				removed++
			}
		}
		sh.mu.Unlock()
	}
	return removed
}

// Len returns the number of entries that have not expired yet, consumed ones
// included.
func (s *Store) Len() int {
	now := s.clock.Now()
	n := 0
	for i := range s.shards {
		sh := &s.shards[i]
		sh.mu.Lock()
		for _, e := range sh.entries {
			if !e.expired(now) {
				n++
			}
		}
		sh.mu.Unlock()
	}
	return n
}

// Collisions returns how many generated codes were rejected because they were
// already taken.
func (s *Store) Collisions() uint64 {
	return s.collisions.Load()
}

func newOwnerToken() (string, error) {
	var b [ownerTokenBytes]byte
	if _, err := rand.Read(b[:]); err != nil {
		return "", fmt.Errorf("rand.Read: %w", err)
	}
	return hex.EncodeToString(b[:]), nil
}
