package tgrelay

import "strconv"

// EventKind names a structured event emitted by the engine for the host UI.
type EventKind string

const (
	EventProgress            EventKind = "progress"
	EventMessageForwarded    EventKind = "message_forwarded"
	EventGroupForwarded      EventKind = "media_group_forwarded"
	EventMessageFiltered     EventKind = "message_filtered"
	EventTextReplaced        EventKind = "text_replacement_applied"
	EventFloodWait           EventKind = "flood_wait_detected"
	EventCollectionStarted   EventKind = "collection_started"
	EventCollectionProgress  EventKind = "collection_progress"
	EventCollectionCompleted EventKind = "collection_completed"
	EventConnectionLost      EventKind = "connection_lost"
	EventConnectionRestored  EventKind = "connection_restored"
	EventTimeSyncError       EventKind = "time_sync_error"
	EventPairAdded           EventKind = "pair_added"
	EventPairRemoved         EventKind = "pair_removed"
	EventPairModified        EventKind = "pair_modified"
	EventError               EventKind = "error"
)

// Event is one structured notification. Only the fields relevant to its
// Kind are populated.
type Event struct {
	Kind EventKind

	// Progress / collection.
	Op          string
	Current     int
	Total       int
	Description string

	// Forward outcomes.
	MessageID   int
	MessageIDs  []int
	Count       int
	TargetLabel string
	// TargetID is the target ChannelID rendered as a string so it survives
	// transports that truncate 64-bit integers.
	TargetID string

	// Filtering.
	FilterType string
	Reason     string
	GroupID    string

	// Text replacement.
	Scope    string
	Original string
	Replaced string

	// Flood wait.
	Seconds int

	// Pair lifecycle and errors.
	Pair string
	Err  error
}

// Hook receives engine events. A nil Hook drops them. Hooks are called
// synchronously from engine goroutines and must return quickly.
type Hook func(Event)

func (h Hook) emit(e Event) {
	if h != nil {
		h(e)
	}
}

// forwardedEvent builds the message_forwarded / media_group_forwarded
// event for a replicated group. The target id travels as a string so hosts
// on 32-bit integer transports keep the full value.
func forwardedEvent(g FilteredGroup, target ChannelID, label string) Event {
	targetID := strconv.FormatInt(int64(target), 10)
	if len(g.Messages) > 1 {
		return Event{
			Kind:        EventGroupForwarded,
			MessageIDs:  g.IDs(),
			Count:       len(g.Messages),
			GroupID:     g.ID,
			TargetLabel: label,
			TargetID:    targetID,
		}
	}
	return Event{
		Kind:        EventMessageForwarded,
		MessageID:   g.Messages[0].ID,
		TargetLabel: label,
		TargetID:    targetID,
	}
}
