package call

import (
	"context"
	"errors"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// Options tunes negotiation timing. Zero durations fall back to
// DefaultOptions; a zero RetryMax disables retries.
type Options struct {
	RingTimeout    time.Duration // caller waits this long for an answer
	InviteTTL      time.Duration // older invites are treated as missed calls
	RetryMax       int           // relay retries after the first attempt
	RetryBase      time.Duration
	PublishTimeout time.Duration // per relay attempt
}

func DefaultOptions() Options {
	return Options{
		RingTimeout:    30 * time.Second,
		InviteTTL:      60 * time.Second,
		RetryMax:       4,
		RetryBase:      250 * time.Millisecond,
		PublishTimeout: 5 * time.Second,
	}
}

func (o Options) withDefaults() Options {
	d := DefaultOptions()
	if o.RingTimeout <= 0 {
		o.RingTimeout = d.RingTimeout
	}
	if o.InviteTTL <= 0 {
		o.InviteTTL = d.InviteTTL
	}
	if o.RetryMax < 0 {
		o.RetryMax = d.RetryMax
	}
	if o.RetryBase <= 0 {
		o.RetryBase = d.RetryBase
	}
	if o.PublishTimeout <= 0 {
		o.PublishTimeout = d.PublishTimeout
	}
	return o
}

func (o Options) backoff(ctx context.Context) backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = o.RetryBase
	b.MaxInterval = 16 * o.RetryBase
	b.MaxElapsedTime = 0
	return backoff.WithContext(backoff.WithMaxRetries(b, uint64(o.RetryMax)), ctx)
}

// retry runs fn until it succeeds, fails permanently or the budget runs out.
// Each attempt gets its own PublishTimeout.
func retry(ctx context.Context, o Options, fn func(ctx context.Context) error) error {
	return backoff.Retry(func() error {
		actx, cancel := context.WithTimeout(ctx, o.PublishTimeout)
		defer cancel()
		err := fn(actx)
		if err == nil {
			return nil
		}
		if isPermanent(err) || errors.Is(err, ErrMediaUnavailable) || ctx.Err() != nil {
			return backoff.Permanent(err)
		}
		return err
	}, o.backoff(ctx))
}
