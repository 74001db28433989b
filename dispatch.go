package tgrelay

import (
	"context"
	"log/slog"
)

// dispatcher is the replication core shared by the batch forwarder and the
// live monitor: given a filtered group and a resolved pair, it routes each
// target through the direct path or the media pipeline, writes history and
// emits forward events.
type dispatcher struct {
	history  HistoryStore
	resolver *Resolver
	direct   *DirectForwarder
	pipeline *MediaPipeline
	hook     Hook
	logger   *slog.Logger
}

// emitFilterEvents publishes message_filtered and text_replacement_applied
// events for one filter result.
func (d *dispatcher) emitFilterEvents(res FilterResult) {
	for _, drop := range res.Dropped {
		d.hook.emit(Event{
			Kind:       EventMessageFiltered,
			MessageID:  drop.Message.ID,
			GroupID:    drop.GroupID,
			FilterType: string(drop.Reason),
			Reason:     string(drop.Reason),
		})
	}
	for _, rep := range res.Replaced {
		d.hook.emit(Event{
			Kind:     EventTextReplaced,
			Scope:    rep.Scope,
			Original: rep.Original,
			Replaced: rep.Replaced,
		})
	}
}

// forwardGroup replicates one group to every target of the pair. canFwd
// chooses between the direct path and the restricted-source pipeline; a
// per-target forwards restriction on the direct path falls back to the
// pipeline for that target only. Returns whether at least one target
// received the group.
func (d *dispatcher) forwardGroup(ctx context.Context, rp resolvedPair, g FilteredGroup, canFwd, silent bool) (bool, error) {
	if !canFwd {
		err := d.pipeline.Replicate(ctx, rp.source, rp.Key(), rp.targets, []FilteredGroup{g}, silent)
		return err == nil, err
	}

	sentAny := false
	for _, target := range rp.targets {
		if ctx.Err() != nil {
			return sentAny, ctx.Err()
		}
		done, err := d.history.IsForwarded(ctx, rp.source, g.Messages[0].ID, target)
		if err == nil && done {
			continue
		}

		_, _, ferr := d.direct.ForwardGroup(ctx, rp.source, target, g, silent, rp.HideAuthor)
		if IsForwardsRestricted(ferr) {
			// Target-local restriction: this target gets the reupload
			// path, the others stay on the direct path.
			ferr = d.pipeline.Replicate(ctx, rp.source, rp.Key(), []ChannelID{target}, []FilteredGroup{g}, silent)
			if ferr == nil {
				sentAny = true
				continue
			}
		}
		if ferr != nil {
			if IsTerminal(ferr) || ctx.Err() != nil {
				return sentAny, ferr
			}
			d.logger.Warn("forward failed", "target", int64(target), "error", ferr)
			d.hook.emit(Event{Kind: EventError, Op: "forward", GroupID: g.ID, TargetLabel: d.resolver.Label(target), Err: ferr})
			continue
		}

		for _, id := range g.IDs() {
			if err := d.history.MarkForwarded(ctx, rp.source, id, target); err != nil {
				return sentAny, err
			}
		}
		d.hook.emit(forwardedEvent(g, target, d.resolver.Label(target)))
		sentAny = true
	}
	return sentAny, nil
}
