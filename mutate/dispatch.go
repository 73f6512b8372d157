package mutate

import (
	"context"
	"time"
)

// Dispatcher hands requests to the worker that is authoritative for an
// account. Implemented by workerpool.Pool.
type Dispatcher interface {
	// Authoritative returns whether this process executes mutations for account.
	Authoritative(account string) bool

	// PingInterval is the interval between progress notices while waiting.
	PingInterval() time.Duration

	Copy(ctx context.Context, req CopyRequest) (CopyResult, error)
	Move(ctx context.Context, req CopyRequest) (CopyResult, error)
	Append(ctx context.Context, req AppendRequest) (AppendResult, error)
}

// dispatch calls fn, and while it hasn't returned, calls progress every
// interval with a localized notice. Progress stops as soon as fn returns.
func dispatch[T any](ctx context.Context, interval time.Duration, s Session, progress func(string), fn func(ctx context.Context) (T, error)) (T, error) {
	type result struct {
		v   T
		err error
	}
	rc := make(chan result, 1)
	go func() {
		v, err := fn(ctx)
		rc <- result{v, err}
	}()

	var tickc <-chan time.Time
	if progress != nil && interval > 0 {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		tickc = ticker.C
	}
	locale := sessionLocale(s)
	for {
		select {
		case r := <-rc:
			return r.v, r.err
		case <-tickc:
			progress(printer(locale).Sprintf(textProgress))
		}
	}
}
