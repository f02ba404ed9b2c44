// Package idempotency records the outcome of each submission under its
// idempotency token so a replayed or double-clicked form never creates a
// second upstream entity.
package idempotency

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"time"

	"github.com/google/uuid"

	"github.com/mohammad-safakhou/shelfgate/internal/cache"
)

// State of a recorded submission.
type State string

const (
	StatePending   State = "pending"
	StateSucceeded State = "succeeded"
	StatePartial   State = "partial" // entity created, attachment missing
)

// Record is what the store keeps per token.
type Record struct {
	State   State  `json:"state"`
	Ref     int64  `json:"ref,omitempty"`
	Message string `json:"message,omitempty"`
	// Compensation is the policy that was applied to a partial record.
	Compensation string    `json:"compensation,omitempty"`
	UpdatedAt    time.Time `json:"updated_at"`
}

var (
	ErrInvalidKey = errors.New("invalid idempotency key")

	keyPattern = regexp.MustCompile(`^[A-Za-z0-9._:-]{8,128}$`)
)

// NewKey generates a fresh token for submissions that did not bring one.
func NewKey() string { return uuid.NewString() }

// ValidKey reports whether a client-supplied token is acceptable.
func ValidKey(key string) bool { return keyPattern.MatchString(key) }

type Store struct {
	cache cache.Cache
	ttl   time.Duration
	now   func() time.Time
}

func NewStore(c cache.Cache, ttl time.Duration) *Store {
	return &Store{cache: c, ttl: ttl, now: time.Now}
}

func storeKey(scope, key string) string { return "idem:" + scope + ":" + key }

// Begin claims key for scope. When the claim succeeds it returns (nil, nil);
// when the key was already claimed it returns the prior record unchanged.
func (s *Store) Begin(ctx context.Context, scope, key string) (*Record, error) {
	if !ValidKey(key) {
		return nil, ErrInvalidKey
	}
	pending, err := s.encode(Record{State: StatePending})
	if err != nil {
		return nil, err
	}
	// two attempts cover a prior record expiring between SetNX and Get
	for attempt := 0; attempt < 2; attempt++ {
		ok, err := s.cache.SetNX(ctx, storeKey(scope, key), pending, s.ttl)
		if err != nil {
			return nil, fmt.Errorf("claim idempotency key: %w", err)
		}
		if ok {
			return nil, nil
		}
		raw, err := s.cache.Get(ctx, storeKey(scope, key))
		if errors.Is(err, cache.ErrMiss) {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("load idempotency record: %w", err)
		}
		var rec Record
		if err := json.Unmarshal([]byte(raw), &rec); err != nil {
			return nil, fmt.Errorf("decode idempotency record: %w", err)
		}
		return &rec, nil
	}
	return nil, fmt.Errorf("claim idempotency key %q: lost race twice", key)
}

// Finish stores the final record for key.
func (s *Store) Finish(ctx context.Context, scope, key string, rec Record) error {
	raw, err := s.encode(rec)
	if err != nil {
		return err
	}
	return s.cache.Set(ctx, storeKey(scope, key), raw, s.ttl)
}

// Abandon releases the claim so the same token may be retried after a
// failure that left nothing behind upstream.
func (s *Store) Abandon(ctx context.Context, scope, key string) error {
	return s.cache.Delete(ctx, storeKey(scope, key))
}

func (s *Store) encode(rec Record) (string, error) {
	rec.UpdatedAt = s.now().UTC()
	raw, err := json.Marshal(rec)
	if err != nil {
		return "", fmt.Errorf("encode idempotency record: %w", err)
	}
	return string(raw), nil
}
