package observer

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/lbj9527/tgrelay"
)

// Hook returns a tgrelay.Hook that records engine events on the
// instruments, then forwards the event to next (which may be nil). Wire it
// wherever the engine accepts a hook to get metrics without touching the
// engine itself.
func (inst *Instruments) Hook(next tgrelay.Hook) tgrelay.Hook {
	return func(e tgrelay.Event) {
		inst.record(e)
		if next != nil {
			next(e)
		}
	}
}

func (inst *Instruments) record(e tgrelay.Event) {
	ctx := context.Background()
	switch e.Kind {
	case tgrelay.EventMessageForwarded:
		inst.MessagesForwarded.Add(ctx, 1, targetAttr(e))
	case tgrelay.EventGroupForwarded:
		inst.MessagesForwarded.Add(ctx, int64(e.Count), targetAttr(e))
		inst.GroupsForwarded.Add(ctx, 1, targetAttr(e))
		inst.GroupSize.Record(ctx, int64(e.Count))
	case tgrelay.EventMessageFiltered:
		inst.MessagesFiltered.Add(ctx, 1,
			metric.WithAttributes(attribute.String("filter", e.FilterType)))
	case tgrelay.EventFloodWait:
		inst.FloodWaits.Add(ctx, 1,
			metric.WithAttributes(attribute.String("op", e.Op)))
		inst.FloodWaitSeconds.Record(ctx, float64(e.Seconds))
	case tgrelay.EventConnectionRestored:
		inst.Reconnects.Add(ctx, 1)
	case tgrelay.EventError:
		inst.Errors.Add(ctx, 1,
			metric.WithAttributes(attribute.String("op", e.Op)))
	}
}

func targetAttr(e tgrelay.Event) metric.AddOption {
	return metric.WithAttributes(attribute.String("target", e.TargetLabel))
}
