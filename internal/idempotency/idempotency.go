// Package idempotency implements the client-key request cache. A key is bound to the
// hash of the first request body reserved under it; later requests with the same body
// get the stored response back, and requests with a different body are rejected before
// anything runs.
package idempotency

import (
	"context"
	"errors"
	"fmt"
	"time"

	"content-orchestrator/internal/failure"
	"content-orchestrator/internal/models"
	"content-orchestrator/internal/telemetry"
)

// ErrConflict is returned when a key is reused with a different request body.
var ErrConflict = failure.Conflict("idempotency", errors.New("key reused with a different request body"))

// ErrInProgress is returned while another request holds the reservation for a key.
var ErrInProgress = failure.Conflict("idempotency", errors.New("a request with this key is still in progress"))

// DefaultReservationTTL bounds how long an unfinished reservation blocks its key.
// A reservation older than this is treated as abandoned by a crashed caller.
const DefaultReservationTTL = 10 * time.Minute

// Store is the durable side of the cache. A record with ResponseStatus 0 is a
// reservation. InsertIdempotency must not overwrite an existing (owner, key) row and
// reports whether it inserted. CompleteIdempotency fills in a reservation and
// ReleaseIdempotency deletes the reservation created at createdAt; neither touches a
// completed record.
type Store interface {
	GetIdempotency(ctx context.Context, ownerID, key string) (models.IdempotencyRecord, bool, error)
	InsertIdempotency(ctx context.Context, rec models.IdempotencyRecord) (bool, error)
	CompleteIdempotency(ctx context.Context, ownerID, key string, response []byte, status int) error
	ReleaseIdempotency(ctx context.Context, ownerID, key string, createdAt time.Time) error
}

// Result is the outcome of Check. When Replay is false the caller is fresh and must run
// the request, then call Finalize with Hash.
type Result struct {
	Replay   bool
	Hash     string
	Response []byte
	Status   int
}

// Cache checks and finalizes idempotent requests.
type Cache struct {
	store Store
	ttl   time.Duration
	now   func() time.Time
}

// New builds a Cache over store.
func New(store Store) *Cache {
	return &Cache{
		store: store,
		ttl:   DefaultReservationTTL,
		now:   func() time.Time { return time.Now().UTC().Truncate(time.Microsecond) },
	}
}

// Check looks up (ownerID, key). It returns a replay when the stored hash matches body,
// ErrConflict when it does not and ErrInProgress while the key is reserved.
func (c *Cache) Check(ctx context.Context, ownerID, key string, body any) (Result, error) {
	hash, err := HashRequest(body)
	if err != nil {
		return Result{}, failure.Data("idempotency", err)
	}
	rec, found, err := c.store.GetIdempotency(ctx, ownerID, key)
	if err != nil {
		return Result{}, fmt.Errorf("load idempotency key: %w", err)
	}
	if !found {
		return Result{Hash: hash}, nil
	}
	return c.resolve(rec, hash)
}

func (c *Cache) resolve(rec models.IdempotencyRecord, hash string) (Result, error) {
	if rec.RequestHash != hash {
		return Result{}, ErrConflict
	}
	if rec.ResponseStatus == 0 {
		return Result{}, ErrInProgress
	}
	telemetry.IdempotentReplays.Inc()
	return Result{Replay: true, Hash: hash, Response: rec.ResponseBody, Status: rec.ResponseStatus}, nil
}

// Finalize records the response of a fresh request. A reservation with the same body is
// completed; a completed record with the same body is kept and a different body is
// ErrConflict.
func (c *Cache) Finalize(ctx context.Context, ownerID, key, requestType string, body any, response []byte, status int) error {
	hash, err := HashRequest(body)
	if err != nil {
		return failure.Data("idempotency", err)
	}
	inserted, err := c.store.InsertIdempotency(ctx, models.IdempotencyRecord{
		OwnerID:        ownerID,
		Key:            key,
		RequestType:    requestType,
		RequestHash:    hash,
		ResponseBody:   response,
		ResponseStatus: status,
		CreatedAt:      c.now(),
	})
	if err != nil {
		return fmt.Errorf("store idempotency key: %w", err)
	}
	if inserted {
		return nil
	}
	existing, found, err := c.store.GetIdempotency(ctx, ownerID, key)
	if err != nil {
		return fmt.Errorf("load idempotency key: %w", err)
	}
	if !found {
		return nil
	}
	if existing.RequestHash != hash {
		return ErrConflict
	}
	if existing.ResponseStatus == 0 {
		return c.store.CompleteIdempotency(ctx, ownerID, key, response, status)
	}
	return nil
}

// reserve claims (ownerID, key) for hash. It returns the reservation time when this
// caller won, or the existing record when it did not.
func (c *Cache) reserve(ctx context.Context, ownerID, key, requestType, hash string) (time.Time, *models.IdempotencyRecord, error) {
	for range 2 {
		at := c.now()
		inserted, err := c.store.InsertIdempotency(ctx, models.IdempotencyRecord{
			OwnerID:      ownerID,
			Key:          key,
			RequestType:  requestType,
			RequestHash:  hash,
			ResponseBody: []byte{},
			CreatedAt:    at,
		})
		if err != nil {
			return time.Time{}, nil, fmt.Errorf("reserve idempotency key: %w", err)
		}
		if inserted {
			return at, nil, nil
		}
		rec, found, err := c.store.GetIdempotency(ctx, ownerID, key)
		if err != nil {
			return time.Time{}, nil, fmt.Errorf("load idempotency key: %w", err)
		}
		if !found {
			continue
		}
		if rec.ResponseStatus == 0 && c.now().Sub(rec.CreatedAt) > c.ttl {
			if err := c.store.ReleaseIdempotency(ctx, ownerID, key, rec.CreatedAt); err != nil {
				return time.Time{}, nil, fmt.Errorf("release abandoned idempotency key: %w", err)
			}
			continue
		}
		return time.Time{}, &rec, nil
	}
	return time.Time{}, nil, ErrInProgress
}

// Do runs fn at most once per (ownerID, key, body). The key is reserved before fn runs,
// so a concurrent request with the same key gets ErrInProgress and a later one gets the
// stored response without calling fn. Errors and responses with a status of 500 or above
// release the reservation so the caller may retry them under the same key.
func (c *Cache) Do(ctx context.Context, ownerID, key, requestType string, body any, fn func(ctx context.Context) ([]byte, int, error)) ([]byte, int, bool, error) {
	hash, err := HashRequest(body)
	if err != nil {
		return nil, 0, false, failure.Data("idempotency", err)
	}
	reservedAt, existing, err := c.reserve(ctx, ownerID, key, requestType, hash)
	if err != nil {
		return nil, 0, false, err
	}
	if existing != nil {
		res, err := c.resolve(*existing, hash)
		if err != nil {
			return nil, 0, false, err
		}
		return res.Response, res.Status, true, nil
	}

	resp, status, err := fn(ctx)
	if err != nil || status >= 500 || status <= 0 {
		if rerr := c.store.ReleaseIdempotency(context.WithoutCancel(ctx), ownerID, key, reservedAt); rerr != nil && err == nil {
			err = fmt.Errorf("release idempotency key: %w", rerr)
		}
		if err != nil {
			return nil, 0, false, err
		}
		return resp, status, false, nil
	}
	if err := c.store.CompleteIdempotency(context.WithoutCancel(ctx), ownerID, key, resp, status); err != nil {
		return nil, 0, false, fmt.Errorf("store idempotency response: %w", err)
	}
	return resp, status, false, nil
}
