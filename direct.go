package tgrelay

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
)

// DirectForwarderOption configures a DirectForwarder.
type DirectForwarderOption func(*DirectForwarder)

// DirectForwarderLogger sets the structured logger.
func DirectForwarderLogger(l *slog.Logger) DirectForwarderOption {
	return func(d *DirectForwarder) { d.logger = l }
}

// DirectForwarder replicates filtered groups over the server-side paths:
// native forward when full fidelity is preserved, reference copy when
// attribution must be hidden or text changed, and reassembly from media
// handles when the filter removed group members. Restricted sources never
// reach it; the batch forwarder and monitor route those to the media
// pipeline instead.
type DirectForwarder struct {
	mu     sync.Mutex
	client Client
	logger *slog.Logger
}

// NewDirectForwarder creates a DirectForwarder over client.
func NewDirectForwarder(client Client, opts ...DirectForwarderOption) *DirectForwarder {
	d := &DirectForwarder{client: client, logger: nopLogger}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// SetClient swaps the underlying client handle after a session rebuild.
func (d *DirectForwarder) SetClient(c Client) {
	d.mu.Lock()
	d.client = c
	d.mu.Unlock()
}

func (d *DirectForwarder) clientHandle() Client {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.client
}

// ForwardGroup replicates g from source to a single target and reports
// which wire behavior was used:
//
//   - intact group, no author hiding, no text change: native forward;
//   - intact group, hidden author or changed text: copy by reference,
//     attaching the computed caption;
//   - partial group: reassemble a fresh media batch from the surviving
//     messages' media handles, caption on the first item.
func (d *DirectForwarder) ForwardGroup(ctx context.Context, source, target ChannelID, g FilteredGroup, silent, hideAuthor bool) (ForwardOutcome, []SentMessage, error) {
	client := d.clientHandle()
	ids := g.IDs()

	switch {
	case !g.HasFiltering() && !hideAuthor && !g.Modified:
		sent, err := client.ForwardMessages(ctx, target, source, ids, silent)
		if err != nil {
			return ForwardFailed, nil, err
		}
		d.logger.Debug("native forward", "source", int64(source), "target", int64(target), "count", len(ids))
		return ForwardedNative, sent, nil

	case !g.HasFiltering():
		// Copy preserves the group server-side; the computed caption
		// replaces the original (empty clears it).
		var sent []SentMessage
		var err error
		if len(g.Messages) > 1 {
			sent, err = client.CopyMediaGroup(ctx, target, source, ids[0], g.Caption, silent)
		} else {
			var one SentMessage
			one, err = client.CopyMessage(ctx, target, source, ids[0], g.Caption, silent)
			sent = []SentMessage{one}
		}
		if err != nil {
			return ForwardFailed, nil, err
		}
		d.logger.Debug("copied", "source", int64(source), "target", int64(target), "count", len(ids))
		return ForwardedCopied, sent, nil

	default:
		// Partial group: a fresh batch built from the survivors' media
		// handles, computed caption on the first item.
		items, err := client.MediaRefs(ctx, source, ids)
		if err != nil {
			return ForwardFailed, nil, fmt.Errorf("media refs: %w", err)
		}
		for i := range items {
			items[i].Caption = ""
		}
		if len(items) > 0 {
			items[0].Caption = g.Caption
		}
		sent, err := client.SendMediaGroup(ctx, target, items, silent)
		if err != nil {
			return ForwardFailed, nil, err
		}
		d.logger.Debug("reassembled", "source", int64(source), "target", int64(target), "count", len(items))
		return ForwardedCopied, sent, nil
	}
}
