package tgrelay

import "context"

// MessageIter is a lazy ascending stream of messages, restartable from any
// id by creating a new iterator.
type MessageIter interface {
	// Next advances the iterator. It returns false when the stream is
	// exhausted or failed; Err distinguishes the two.
	Next(ctx context.Context) bool
	Value() Message
	Err() error
}

// DownloadProgress reports byte-level download progress.
type DownloadProgress func(got, total int64)

// Client is the capability set the engine needs from a messaging-client
// SDK. Concrete SDK bindings implement it; the engine only ever talks to it
// through the Facade, which layers flood-wait handling and reconnection on
// every call.
type Client interface {
	// Start opens the session persisted at the configured path.
	Start(ctx context.Context) error
	Stop(ctx context.Context) error

	// Resolve translates a user-entered chat identifier (t.me link,
	// @username, +invite token, numeric id) to its canonical numeric id.
	Resolve(ctx context.Context, identifier string) (ChannelID, error)

	// ChatInfo returns the label and forward permission of a chat.
	ChatInfo(ctx context.Context, id ChannelID) (ChatInfo, error)

	// Messages fetches complete message objects by id. Missing ids are
	// omitted from the result, not errors.
	Messages(ctx context.Context, chat ChannelID, ids []int) ([]Message, error)

	// NewestID returns the id of the newest message in chat at call time.
	NewestID(ctx context.Context, chat ChannelID) (int, error)

	// IterMessages streams messages of chat with ids in [startID, endID],
	// ascending.
	IterMessages(chat ChannelID, startID, endID int) MessageIter

	// ForwardMessages performs a native server-side forward preserving the
	// "forwarded from" attribution.
	ForwardMessages(ctx context.Context, dst, src ChannelID, ids []int, silent bool) ([]SentMessage, error)

	// CopyMessage re-emits one message into dst without attribution.
	// A non-empty caption overrides the original.
	CopyMessage(ctx context.Context, dst, src ChannelID, id int, caption string, silent bool) (SentMessage, error)

	// CopyMediaGroup re-emits the whole album containing id into dst.
	// A non-empty caption overrides the album caption.
	CopyMediaGroup(ctx context.Context, dst, src ChannelID, id int, caption string, silent bool) ([]SentMessage, error)

	// MediaRefs returns server-side media handles for the given messages,
	// usable as MediaItem.Ref in SendMediaGroup.
	MediaRefs(ctx context.Context, chat ChannelID, ids []int) ([]MediaItem, error)

	// SendMediaGroup sends up to 10 items as one album. The caption of the
	// first item is the album caption.
	SendMediaGroup(ctx context.Context, dst ChannelID, items []MediaItem, silent bool) ([]SentMessage, error)

	// SendMessage sends a text message. parseMode is "HTML", "Markdown" or
	// empty for plain text.
	SendMessage(ctx context.Context, dst ChannelID, text, parseMode string, disablePreview bool) (SentMessage, error)

	// DownloadMedia streams the media of msg to destPath and returns the
	// final path. progress may be nil.
	DownloadMedia(ctx context.Context, msg Message, destPath string, progress DownloadProgress) (string, error)

	// OnNewMessage registers handler for new messages in the given chats.
	// The returned function unsubscribes.
	OnNewMessage(chats []ChannelID, handler func(Message)) (func(), error)
}
