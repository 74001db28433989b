package tgrelay

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/time/rate"
)

const (
	defaultForwardDelay = 100 * time.Millisecond
	// fetchChunk is how many ids one get_messages call covers during the
	// single range fetch.
	fetchChunk = 200
)

// BatchForwarderOption configures a BatchForwarder.
type BatchForwarderOption func(*BatchForwarder)

// BatchHook registers the event hook for progress and forward events.
func BatchHook(h Hook) BatchForwarderOption {
	return func(b *BatchForwarder) { b.hook = h }
}

// BatchLogger sets the structured logger.
func BatchLogger(l *slog.Logger) BatchForwarderOption {
	return func(b *BatchForwarder) { b.logger = l }
}

// BatchForwardDelay sets the pause between replicated groups
// (default: 100ms).
func BatchForwardDelay(d time.Duration) BatchForwarderOption {
	return func(b *BatchForwarder) { b.delay = d }
}

// BatchForwarder walks a bounded message-id range for each configured pair
// and republishes the surviving messages. Pairs run in declaration order
// and are isolated from each other: one bad pair never stops the run.
type BatchForwarder struct {
	dispatcher
	client Client
	hook   Hook
	logger *slog.Logger
	delay  time.Duration
	pacer  *rate.Limiter
}

// NewBatchForwarder wires the batch path. client is normally the Facade so
// every call inherits flood-wait handling.
func NewBatchForwarder(client Client, resolver *Resolver, history HistoryStore, direct *DirectForwarder, pipeline *MediaPipeline, opts ...BatchForwarderOption) *BatchForwarder {
	b := &BatchForwarder{
		client: client,
		logger: nopLogger,
		delay:  defaultForwardDelay,
	}
	for _, opt := range opts {
		opt(b)
	}
	b.dispatcher = dispatcher{
		history:  history,
		resolver: resolver,
		direct:   direct,
		pipeline: pipeline,
		hook:     b.hook,
		logger:   b.logger,
	}
	if b.delay > 0 {
		b.pacer = rate.NewLimiter(rate.Every(b.delay), 1)
	}
	return b
}

// Run processes every enabled pair in declaration order. Terminal errors
// (auth, clock skew) and cancellation stop the run; anything else skips to
// the next pair after an error event.
func (b *BatchForwarder) Run(ctx context.Context, pairs []ChannelPair) error {
	for _, pair := range pairs {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if !pair.Enabled {
			b.logger.Debug("pair disabled, skipping", "pair", pair.Key())
			continue
		}
		if err := b.runPair(ctx, pair); err != nil {
			if IsTerminal(err) || ctx.Err() != nil {
				return err
			}
			b.logger.Warn("pair failed", "pair", pair.Key(), "error", err)
			b.hook.emit(Event{Kind: EventError, Op: "pair", Pair: pair.Key(), Err: err})
		}
	}
	return nil
}

// runPair replicates one pair's range end to end.
func (b *BatchForwarder) runPair(ctx context.Context, pair ChannelPair) error {
	rp, err := resolvePair(ctx, b.resolver, pair)
	if err != nil {
		return err
	}
	b.resolver.Prime(ctx, append([]ChannelID{rp.source}, rp.targets...))

	// Range bounds: end_id=0 resolves to the newest id once, at the start
	// of this pair; start_id=0 starts at 1.
	start, end := pair.StartID, pair.EndID
	if start == 0 {
		start = 1
	}
	if end == 0 {
		end, err = b.client.NewestID(ctx, rp.source)
		if err != nil {
			return fmt.Errorf("newest id: %w", err)
		}
	}
	if start > end {
		b.hook.emit(Event{Kind: EventCollectionCompleted, Pair: pair.Key(), Total: 0})
		return nil
	}
	total := end - start + 1

	// Range prefilter: ids not yet on every target.
	unforwarded, err := b.history.UnforwardedInRange(ctx, rp.source, start, end, rp.targets)
	if err != nil {
		return fmt.Errorf("history prefilter: %w", err)
	}

	// Single fetch of the complete range. Group texts are pre-extracted
	// from the full set so prefilter trimming cannot drop the only member
	// that carried an album's caption.
	msgs, err := b.fetchRange(ctx, rp.source, start, end, total, pair)
	if err != nil {
		return err
	}
	groupTexts := ExtractGroupTexts(msgs)

	pending := make(map[int]bool, len(unforwarded))
	for _, id := range unforwarded {
		pending[id] = true
	}
	input := make([]Message, 0, len(unforwarded))
	for _, m := range msgs {
		if pending[m.ID] {
			input = append(input, m)
		}
	}

	res := FilterMessages(input, pair, groupTexts)
	b.emitFilterEvents(res)

	canFwd, err := b.resolver.CanForward(ctx, rp.source)
	if err != nil {
		return fmt.Errorf("forward permission: %w", err)
	}

	forwarded := 0
	if !canFwd {
		// Restricted source: the whole pair goes through the pipeline so
		// downloads and uploads overlap.
		if err := b.pipeline.Replicate(ctx, rp.source, pair.Key(), rp.targets, res.Groups, false); err != nil {
			return err
		}
		forwarded = len(res.Groups)
	} else {
		for _, g := range res.Groups {
			if err := b.pace(ctx); err != nil {
				return err
			}
			sent, err := b.forwardGroup(ctx, rp, g, true, false)
			if err != nil {
				return err
			}
			if sent {
				forwarded++
			}
		}
	}

	if pair.SendFinalMessage && forwarded > 0 && pair.FinalMessagePath != "" {
		if err := b.sendFinalMessage(ctx, rp); err != nil {
			b.logger.Warn("final message failed", "pair", pair.Key(), "error", err)
			b.hook.emit(Event{Kind: EventError, Op: "final_message", Pair: pair.Key(), Err: err})
		}
	}
	return nil
}

// fetchRange retrieves the complete message objects for [start, end] in
// one pass, emitting collection events as it goes.
func (b *BatchForwarder) fetchRange(ctx context.Context, source ChannelID, start, end, total int, pair ChannelPair) ([]Message, error) {
	b.hook.emit(Event{Kind: EventCollectionStarted, Pair: pair.Key(), Total: total})
	msgs := make([]Message, 0, total)
	for lo := start; lo <= end; lo += fetchChunk {
		hi := min(lo+fetchChunk-1, end)
		ids := make([]int, 0, hi-lo+1)
		for id := lo; id <= hi; id++ {
			ids = append(ids, id)
		}
		chunk, err := b.client.Messages(ctx, source, ids)
		if err != nil {
			return nil, fmt.Errorf("fetch %d..%d: %w", lo, hi, err)
		}
		msgs = append(msgs, chunk...)
		b.hook.emit(Event{Kind: EventCollectionProgress, Pair: pair.Key(), Current: hi - start + 1, Total: total})
	}
	b.hook.emit(Event{Kind: EventCollectionCompleted, Pair: pair.Key(), Current: len(msgs), Total: total})
	return msgs, nil
}

func (b *BatchForwarder) pace(ctx context.Context) error {
	if b.pacer == nil {
		return nil
	}
	return b.pacer.Wait(ctx)
}

// sendFinalMessage posts the pair's rendered final-message body to every
// target.
func (b *BatchForwarder) sendFinalMessage(ctx context.Context, rp resolvedPair) error {
	body, err := LoadFinalMessage(rp.FinalMessagePath)
	if err != nil {
		return err
	}
	for _, target := range rp.targets {
		if _, err := b.client.SendMessage(ctx, target, body, "HTML", !rp.WebPreview); err != nil {
			return fmt.Errorf("send to %d: %w", target, err)
		}
	}
	return nil
}
