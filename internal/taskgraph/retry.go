package taskgraph

import (
	"context"

	"github.com/Iron-Ham/crew/internal/errors"
)

// DefaultRetryAttempts is the number of read-modify-write rounds
// UpdateWithRetry makes when attempts is not positive.
const DefaultRetryAttempts = 3

// UpdateResult describes a successful UpdateWithRetry.
type UpdateResult struct {
	// Before is the task as read on the winning attempt.
	Before Task
	// After is the task as stored once the update was accepted.
	After Task
	// Attempts is the number of rounds used, starting at 1.
	Attempts int
}

// MutateFunc builds an update from the latest stored task. Returning an
// error aborts the retry loop with that error.
type MutateFunc func(current Task) (Update, error)

// UpdateWithRetry reads the task, builds an update with fn and applies it
// with AtomicUpdate, re-reading and retrying when another writer got there
// first. When every attempt loses it returns a *errors.ConflictError.
func UpdateWithRetry(ctx context.Context, store Store, id string, attempts int, fn MutateFunc) (UpdateResult, error) {
	if attempts <= 0 {
		attempts = DefaultRetryAttempts
	}

	var expected int64
	for attempt := 1; attempt <= attempts; attempt++ {
		current, err := store.Get(ctx, id)
		if err != nil {
			return UpdateResult{}, err
		}
		u, err := fn(current.Clone())
		if err != nil {
			return UpdateResult{}, err
		}
		ok, err := store.AtomicUpdate(ctx, id, current.Version, u)
		if err != nil {
			return UpdateResult{}, err
		}
		if ok {
			after := current.Clone()
			u.apply(&after)
			after.Version = current.Version + 1
			if stored, err := store.Get(ctx, id); err == nil && stored.Version == after.Version {
				after = stored
			}
			return UpdateResult{Before: current, After: after, Attempts: attempt}, nil
		}
		expected = current.Version
	}

	var actual int64
	if latest, err := store.Get(ctx, id); err == nil {
		actual = latest.Version
	}
	return UpdateResult{}, errors.NewConflictError(id, expected, actual).WithAttempts(attempts)
}
