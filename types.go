package tgrelay

import "time"

// --- Domain types ---

// ChannelID is the canonical numeric id of a chat on the messaging network.
// Ids compare by value; human-readable labels come from the Resolver.
type ChannelID int64

// MediaKind classifies the media content of a message. MediaText stands for
// a message with no attachment at all.
type MediaKind string

const (
	MediaText      MediaKind = "text"
	MediaPhoto     MediaKind = "photo"
	MediaVideo     MediaKind = "video"
	MediaDocument  MediaKind = "document"
	MediaAudio     MediaKind = "audio"
	MediaAnimation MediaKind = "animation"
	MediaSticker   MediaKind = "sticker"
	MediaVoice     MediaKind = "voice"
	MediaVideoNote MediaKind = "video_note"
)

// AllMediaKinds returns every recognized media kind, in declaration order.
func AllMediaKinds() []MediaKind {
	return []MediaKind{
		MediaText, MediaPhoto, MediaVideo, MediaDocument, MediaAudio,
		MediaAnimation, MediaSticker, MediaVoice, MediaVideoNote,
	}
}

// EntityKind identifies a formatting entity attached to message text.
type EntityKind string

const (
	EntityURL      EntityKind = "url"
	EntityTextLink EntityKind = "text_link"
	EntityEmail    EntityKind = "email"
	EntityPhone    EntityKind = "phone_number"
	EntityBold     EntityKind = "bold"
	EntityItalic   EntityKind = "italic"
	EntityMention  EntityKind = "mention"
)

// Entity is a span of message text carrying formatting or link metadata.
type Entity struct {
	Kind   EntityKind
	Offset int
	Length int
	// URL is set for text_link entities (the hidden hyperlink target).
	URL string
}

// Message is the engine's view of a single message, independent of any SDK.
type Message struct {
	ID     int
	ChatID ChannelID

	Text    string
	Caption string

	// Media is MediaText for plain-text messages.
	Media MediaKind

	// GroupID groups album members. Empty for singletons.
	GroupID string
	// GroupTotal is the album size when the SDK exposes it, 0 otherwise.
	GroupTotal int

	IsForward bool
	ReplyTo   int
	Entities  []Entity
	Time      time.Time
}

// Body returns the user-visible text of the message: the caption for media
// messages, the text otherwise.
func (m Message) Body() string {
	if m.Caption != "" {
		return m.Caption
	}
	return m.Text
}

// --- Forward outcomes ---

// ForwardOutcome records how (or why not) a message reached a target.
type ForwardOutcome string

const (
	SkippedAlreadyForwarded ForwardOutcome = "skipped_already_forwarded"
	SkippedFiltered         ForwardOutcome = "skipped_filtered"
	ForwardedNative         ForwardOutcome = "forwarded_native"
	ForwardedCopied         ForwardOutcome = "forwarded_copied"
	ForwardedReuploaded     ForwardOutcome = "forwarded_reuploaded"
	ForwardFailed           ForwardOutcome = "failed"
)

// ForwardResult is the per (source message, target) outcome of a replication
// attempt.
type ForwardResult struct {
	Source    ChannelID
	MessageID int
	Target    ChannelID
	Outcome   ForwardOutcome
	// Reason is set for SkippedFiltered and ForwardFailed.
	Reason string
	Err    error
}

// SentMessage is a reference to a message the engine just produced on a
// target chat, as returned by the SDK.
type SentMessage struct {
	ID     int
	ChatID ChannelID
}

// ChatInfo is the cached metadata for a resolved chat.
type ChatInfo struct {
	ID         ChannelID
	Label      string
	CanForward bool
}

// MediaItem is one element of an outbound media batch. Exactly one of Path
// (a local file to upload) or Ref (a server-side media handle obtained from
// an existing message) is set.
type MediaItem struct {
	Path    string
	Ref     string
	Kind    MediaKind
	Caption string
}
