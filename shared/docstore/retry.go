package docstore

import (
	"context"
	"errors"
	"time"

	"github.com/aaronwang/carbon-exchange/shared/errs"
)

// RetryPolicy bounds the read-modify-write loop in Update.
type RetryPolicy struct {
	MaxRetries     int           // retries after the first attempt
	InitialBackoff time.Duration // doubled after every conflict

	// Sleep waits between attempts. Defaults to a context-aware timer.
	Sleep func(ctx context.Context, d time.Duration) error
	// OnConflict is called after every rejected write.
	OnConflict func(collection string, attempt int)
}

// DefaultRetryPolicy retries five times with 10, 20, 40, 80 and 160ms backoff.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{MaxRetries: 5, InitialBackoff: 10 * time.Millisecond}
}

// Update applies mutate to the current value of a record and writes it back
// if nobody else wrote in between, retrying on conflict with exponential
// backoff. An error from mutate aborts without writing and is returned as is.
// Exhausted retries return an errs.ConcurrentUpdateConflict error.
func Update[T Entity](ctx context.Context, c *Collection[T], id string, p RetryPolicy, mutate func(*T) error) (Record[T], error) {
	sleep := p.Sleep
	if sleep == nil {
		sleep = sleepContext
	}
	backoff := p.InitialBackoff

	for attempt := 0; ; attempt++ {
		rec, err := c.Get(ctx, id)
		if err != nil {
			return Record[T]{}, err
		}

		value := rec.Value
		if err := mutate(&value); err != nil {
			return Record[T]{}, err
		}

		v, err := c.WriteIfUnchanged(ctx, id, value, rec.Version)
		if err == nil {
			return Record[T]{ID: id, Value: value, Version: v, CreatedAt: rec.CreatedAt}, nil
		}
		if !errors.Is(err, ErrVersionConflict) {
			return Record[T]{}, err
		}
		if p.OnConflict != nil {
			p.OnConflict(c.Name(), attempt)
		}
		if attempt >= p.MaxRetries {
			return Record[T]{}, errs.Wrap(errs.ConcurrentUpdateConflict,
				"too many concurrent updates to "+c.Name()+"/"+id+", retry", err)
		}
		if err := sleep(ctx, backoff); err != nil {
			return Record[T]{}, err
		}
		backoff *= 2
	}
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
