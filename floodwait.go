package tgrelay

import (
	"log/slog"
	"math/rand"
	"time"

	"context"
)

const (
	defaultFloodWaitRetries = 5
	// floodWaitFloor is added on top of the server-mandated wait so the
	// retry never lands exactly on the window edge.
	floodWaitFloor = 500 * time.Millisecond
	// floodWaitProgressMin is the wait length from which per-second
	// progress events are emitted; shorter waits are silent.
	floodWaitProgressMin = 10
)

// floodWaitConfig holds options accumulated by FloodWaitOption calls.
type floodWaitConfig struct {
	maxRetries int
	hook       Hook
	logger     *slog.Logger
}

// FloodWaitOption configures a CallFloodWait invocation or a Facade.
type FloodWaitOption func(*floodWaitConfig)

// FloodWaitRetries sets the maximum number of waited retries (default: 5).
func FloodWaitRetries(n int) FloodWaitOption {
	return func(c *floodWaitConfig) { c.maxRetries = n }
}

// FloodWaitHook registers an event hook for flood_wait_detected and
// per-second wait progress events.
func FloodWaitHook(h Hook) FloodWaitOption {
	return func(c *floodWaitConfig) { c.hook = h }
}

// FloodWaitLogger sets the structured logger for wait/retry logs.
func FloodWaitLogger(l *slog.Logger) FloodWaitOption {
	return func(c *floodWaitConfig) { c.logger = l }
}

// CallFloodWait invokes fn, transparently absorbing flood-wait signals: on
// ErrFloodWait it sleeps the mandated seconds plus a half-second floor,
// then retries, up to the configured retry cap. Any other error is returned
// immediately. The sleep observes ctx and aborts promptly on cancellation.
//
// The Facade routes every outbound SDK call through this function; call
// sites that want explicit retry semantics can invoke it directly:
//
//	msgs, err := tgrelay.CallFloodWait(ctx, "get_messages", func(ctx context.Context) ([]tgrelay.Message, error) {
//	    return client.Messages(ctx, chat, ids)
//	})
func CallFloodWait[T any](ctx context.Context, op string, fn func(context.Context) (T, error), opts ...FloodWaitOption) (T, error) {
	cfg := floodWaitConfig{maxRetries: defaultFloodWaitRetries, logger: nopLogger}
	for _, opt := range opts {
		opt(&cfg)
	}

	var zero T
	var last error
	for attempt := 0; ; attempt++ {
		result, err := fn(ctx)
		seconds, ok := FloodWaitSeconds(err)
		if !ok {
			return result, err
		}
		last = err
		if attempt >= cfg.maxRetries {
			cfg.logger.Error("flood wait retries exhausted", "op", op, "attempts", attempt)
			return zero, last
		}

		cfg.hook.emit(Event{Kind: EventFloodWait, Op: op, Seconds: seconds})
		cfg.logger.Warn("flood wait", "op", op, "seconds", seconds, "attempt", attempt+1, "max_retries", cfg.maxRetries)

		wait := time.Duration(seconds)*time.Second + floodWaitFloor
		// Up to half a second of extra jitter spreads concurrent retriers.
		wait += time.Duration(rand.Int63n(int64(floodWaitFloor)))
		if err := sleepFloodWait(ctx, op, wait, seconds, cfg.hook); err != nil {
			return zero, err
		}
	}
}

// sleepFloodWait sleeps for wait, emitting a progress event every second
// when the mandated wait is long enough to be worth reporting. Returns
// ctx.Err() if cancelled mid-sleep.
func sleepFloodWait(ctx context.Context, op string, wait time.Duration, seconds int, hook Hook) error {
	deadline := time.Now().Add(wait)
	report := seconds >= floodWaitProgressMin

	if !report {
		timer := time.NewTimer(wait)
		defer timer.Stop()
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-timer.C:
			return nil
		}
	}

	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case now := <-ticker.C:
			remaining := deadline.Sub(now)
			if remaining <= 0 {
				return nil
			}
			hook.emit(Event{
				Kind:        EventProgress,
				Op:          op,
				Current:     seconds - int(remaining/time.Second),
				Total:       seconds,
				Description: "waiting out rate limit",
			})
		}
	}
}
