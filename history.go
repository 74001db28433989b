package tgrelay

import "context"

// HistoryStore is the persistent dedup record shared by the batch and live
// paths. Implementations must be safe for concurrent use; writes are
// durable before the engine reports a message as forwarded. Records are
// never deleted by the engine.
//
// Backends live under store/: sqlite (default, single file) and postgres.
type HistoryStore interface {
	// Init creates the forwards, uploads and downloads tables.
	Init(ctx context.Context) error
	Close() error

	// --- Forwards ---

	IsForwarded(ctx context.Context, source ChannelID, messageID int, target ChannelID) (bool, error)
	MarkForwarded(ctx context.Context, source ChannelID, messageID int, target ChannelID) error

	// UnforwardedInRange returns, ascending, the ids in [startID, endID]
	// not yet forwarded to every chat in targets. This is the range
	// prefilter used by the batch forwarder.
	UnforwardedInRange(ctx context.Context, source ChannelID, startID, endID int, targets []ChannelID) ([]int, error)

	// CountForwardedInRange counts ids in [startID, endID] already
	// forwarded from source to target.
	CountForwardedInRange(ctx context.Context, source ChannelID, startID, endID int, target ChannelID) (int, error)

	// --- Upload fingerprints ---

	// IsUploaded reports whether a local file with this sha256 has already
	// been uploaded to target. Fingerprint scope is (hash, target).
	IsUploaded(ctx context.Context, sha256 string, target ChannelID) (bool, error)
	MarkUploaded(ctx context.Context, sha256 string, target ChannelID) error

	// --- Downloads ---

	IsDownloaded(ctx context.Context, source ChannelID, messageID int) (bool, error)
	MarkDownloaded(ctx context.Context, source ChannelID, messageID int, path string) error
}
