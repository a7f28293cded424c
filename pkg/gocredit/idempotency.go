package gocredit

import (
	"context"
	"time"
)

// Guard makes check-and-act one-time actions race-free. ShouldProceed
// returns true at most once per key across concurrent callers within the
// eligibility window, backed by a storage one-shot flag.
//
// The eligibility rule itself (e.g. "user created within the last 24h with
// zero prior usage") is the caller's business decision; the guard only
// guarantees at-most-once execution of whatever the caller gates on it.
type Guard struct {
	storage Storage
	window  time.Duration
	logger  Logger
}

// NewGuard creates a guard whose flags expire after the eligibility window
// (0 = flags never expire)
func NewGuard(storage Storage, window time.Duration, logger Logger) (*Guard, error) {
	if storage == nil {
		return nil, ErrStorageUnavailable
	}
	if logger == nil {
		logger = &NoopLogger{}
	}
	return &Guard{
		storage: storage,
		window:  window,
		logger:  logger,
	}, nil
}

// ShouldProceed reports whether the caller holds the one-shot flag for key.
// Exactly one of any number of concurrent calls for the same key gets true.
func (g *Guard) ShouldProceed(ctx context.Context, key string) (bool, error) {
	acquired, err := g.storage.PutFlag(ctx, "guard:"+key, g.window)
	if err != nil {
		return false, err
	}
	if !acquired {
		g.logger.Debug("duplicate one-time action suppressed", Field{Key: "key", Value: key})
	}
	return acquired, nil
}

// Do runs fn only if the caller wins the flag for key. Returns whether fn
// ran. A failed fn does not release the flag: the action counts as attempted,
// matching the at-most-once guarantee.
func (g *Guard) Do(ctx context.Context, key string, fn func(context.Context) error) (bool, error) {
	proceed, err := g.ShouldProceed(ctx, key)
	if err != nil || !proceed {
		return false, err
	}
	return true, fn(ctx)
}
