// Package idempotency dedups repeated client requests sharing a key. Records
// live in Redis so every process instance sees the same view; the TTL bounds
// how long a key can replay.
package idempotency

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	phaseInProgress = "in_progress"
	phasePending    = "pending"
	phaseCompleted  = "completed"
)

var (
	// ErrMalformedKey is returned before any side effect when the key does
	// not look like an opaque client token.
	ErrMalformedKey = errors.New("malformed idempotency key")

	// ErrInProgress means another caller holds the key and has not produced
	// a result yet.
	ErrInProgress = errors.New("request with this key is in progress")

	// ErrPayloadMismatch means the key was reused with a different request
	// body. Replay is only valid for a byte-identical request.
	ErrPayloadMismatch = errors.New("idempotency key reused with different payload")
)

// Keys are opaque tokens: 16-128 URL-safe characters.
var keyPattern = regexp.MustCompile(`^[A-Za-z0-9_-]{16,128}$`)

// ValidateKey rejects keys that do not match the opaque-token format.
func ValidateKey(key string) error {
	if !keyPattern.MatchString(key) {
		return ErrMalformedKey
	}
	return nil
}

// Result is the stored outcome replayed to every caller of the same key.
type Result struct {
	HTTPStatus int             `json:"http_status"`
	Body       json.RawMessage `json:"body"`
}

type envelope struct {
	Phase       string          `json:"phase"`
	RequestHash string          `json:"request_hash,omitempty"`
	HTTPStatus  int             `json:"http_status,omitempty"`
	Body        json.RawMessage `json:"body,omitempty"`
}

// Begun is the outcome of claiming a key.
type Begun struct {
	// IsNew is true when this caller won the key and must execute the
	// mutation.
	IsNew bool
	// Cached is the stored result when the key was already resolved, nil
	// otherwise.
	Cached *Result
}

type Store struct {
	rdb          *redis.Client
	ttl          time.Duration
	pollInterval time.Duration
	pollAttempts int
}

func NewStore(rdb *redis.Client, ttl time.Duration) *Store {
	return &Store{
		rdb:          rdb,
		ttl:          ttl,
		pollInterval: 100 * time.Millisecond,
		pollAttempts: 5,
	}
}

func (s *Store) redisKey(requester, key string) string {
	return fmt.Sprintf("idem:%s:%s", requester, key)
}

// Begin claims the key for this caller. Two requests racing on the same new
// key resolve to exactly one executor via SET NX; the loser polls briefly
// for the winner's result and otherwise reports in-progress. The request
// hash is stored at claim time: reuse of the key with a different hash is
// refused, never replayed.
func (s *Store) Begin(ctx context.Context, requester, key, requestHash string) (*Begun, error) {
	if err := ValidateKey(key); err != nil {
		return nil, err
	}

	placeholder, _ := json.Marshal(envelope{Phase: phaseInProgress, RequestHash: requestHash})
	ok, err := s.rdb.SetNX(ctx, s.redisKey(requester, key), placeholder, s.ttl).Result()
	if err != nil {
		return nil, fmt.Errorf("idempotency claim failed: %w", err)
	}
	if ok {
		return &Begun{IsNew: true}, nil
	}

	for attempt := 0; attempt < s.pollAttempts; attempt++ {
		env, err := s.read(ctx, requester, key)
		if err != nil {
			if errors.Is(err, redis.Nil) {
				// Winner aborted (rejection or internal error); this
				// caller may execute.
				return s.Begin(ctx, requester, key, requestHash)
			}
			return nil, err
		}
		if env.RequestHash != "" && requestHash != "" && env.RequestHash != requestHash {
			return nil, ErrPayloadMismatch
		}
		switch env.Phase {
		case phaseCompleted, phasePending:
			return &Begun{Cached: &Result{HTTPStatus: env.HTTPStatus, Body: env.Body}}, nil
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(s.pollInterval):
		}
	}
	return nil, ErrInProgress
}

// Complete persists a definitively terminal result for replay. Rejections
// must not be completed; abort them instead so a legitimate retry can
// re-execute.
func (s *Store) Complete(ctx context.Context, requester, key string, httpStatus int, body []byte) error {
	env := envelope{Phase: phaseCompleted, HTTPStatus: httpStatus, Body: body}
	if cur, err := s.read(ctx, requester, key); err == nil {
		// Carry the claim-time hash forward so later reuse still compares.
		env.RequestHash = cur.RequestHash
	}
	val, err := json.Marshal(env)
	if err != nil {
		return err
	}
	if err := s.rdb.Set(ctx, s.redisKey(requester, key), val, s.ttl).Err(); err != nil {
		return fmt.Errorf("idempotency complete failed: %w", err)
	}
	return nil
}

// MarkPending records a non-terminal snapshot (operation submitted, outcome
// unknown) so retries replay the snapshot instead of re-executing while the
// reconciler resolves it.
func (s *Store) MarkPending(ctx context.Context, requester, key string, httpStatus int, body []byte) error {
	env := envelope{Phase: phasePending, HTTPStatus: httpStatus, Body: body}
	if cur, err := s.read(ctx, requester, key); err == nil {
		env.RequestHash = cur.RequestHash
	}
	val, err := json.Marshal(env)
	if err != nil {
		return err
	}
	if err := s.rdb.Set(ctx, s.redisKey(requester, key), val, s.ttl).Err(); err != nil {
		return fmt.Errorf("idempotency pending mark failed: %w", err)
	}
	return nil
}

// Abort drops the claim so the next request with the same key executes
// fresh. Used for rejections and internal errors, which are never cached.
func (s *Store) Abort(ctx context.Context, requester, key string) error {
	if err := s.rdb.Del(ctx, s.redisKey(requester, key)).Err(); err != nil {
		return fmt.Errorf("idempotency abort failed: %w", err)
	}
	return nil
}

func (s *Store) read(ctx context.Context, requester, key string) (*envelope, error) {
	raw, err := s.rdb.Get(ctx, s.redisKey(requester, key)).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, err
		}
		return nil, fmt.Errorf("idempotency read failed: %w", err)
	}
	var env envelope
	if err := json.Unmarshal([]byte(raw), &env); err != nil {
		return nil, fmt.Errorf("idempotency record corrupt: %w", err)
	}
	return &env, nil
}
