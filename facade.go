package tgrelay

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"
)

const (
	defaultReconnectBase = time.Second
	defaultReconnectCap  = 30 * time.Second
)

// FacadeOption configures a Facade.
type FacadeOption func(*Facade)

// FacadeHook registers the event hook for flood-wait and connection events.
func FacadeHook(h Hook) FacadeOption {
	return func(f *Facade) { f.hook = h }
}

// FacadeLogger sets the structured logger.
func FacadeLogger(l *slog.Logger) FacadeOption {
	return func(f *Facade) { f.logger = l }
}

// FacadeFloodWaitRetries sets the flood-wait retry cap applied to every
// outbound call (default: 5).
func FacadeFloodWaitRetries(n int) FacadeOption {
	return func(f *Facade) { f.fwRetries = n }
}

// FacadeReconnectBackoff sets the reconnect backoff base and cap
// (defaults: 1s, 30s).
func FacadeReconnectBackoff(base, cap time.Duration) FacadeOption {
	return func(f *Facade) { f.reconnectBase, f.reconnectCap = base, cap }
}

// Facade is the engine's stable adapter over a concrete SDK client. It
// owns the session artifact, applies flood-wait handling to every outbound
// call, reconnects with capped exponential backoff on network failures,
// and surfaces connection and clock-skew events. Consumers hold the Facade
// and never cache the raw SDK handle, so a rebuilt session is invisible to
// them.
type Facade struct {
	inner       Client
	sessionPath string
	hook        Hook
	logger      *slog.Logger
	fwRetries   int

	reconnectBase time.Duration
	reconnectCap  time.Duration

	mu        sync.Mutex
	connected bool
}

var _ Client = (*Facade)(nil)

// NewFacade wraps inner. sessionPath is the per-account session artifact,
// created on Start if missing; the host must ensure no concurrent process
// opens the same session.
func NewFacade(inner Client, sessionPath string, opts ...FacadeOption) *Facade {
	f := &Facade{
		inner:         inner,
		sessionPath:   sessionPath,
		logger:        nopLogger,
		fwRetries:     defaultFloodWaitRetries,
		reconnectBase: defaultReconnectBase,
		reconnectCap:  defaultReconnectCap,
	}
	for _, opt := range opts {
		opt(f)
	}
	return f
}

// SessionPath returns the session artifact path this facade owns.
func (f *Facade) SessionPath() string { return f.sessionPath }

// Connected reports the last known connection state.
func (f *Facade) Connected() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.connected
}

// Start opens the session. A clock-skew rejection is terminal: it is
// surfaced as a time_sync_error event and returned without retry so the
// host can shut down and instruct the user.
func (f *Facade) Start(ctx context.Context) error {
	if dir := filepath.Dir(f.sessionPath); dir != "." {
		if err := os.MkdirAll(dir, 0o700); err != nil {
			return fmt.Errorf("session dir: %w", err)
		}
	}
	err := f.inner.Start(ctx)
	if err != nil {
		var ts *ErrTimeSync
		if errors.As(err, &ts) {
			f.hook.emit(Event{Kind: EventTimeSyncError})
			f.logger.Error("clock out of sync, not retrying")
		}
		return err
	}
	f.setConnected(true)
	return nil
}

func (f *Facade) Stop(ctx context.Context) error {
	f.setConnected(false)
	return f.inner.Stop(ctx)
}

func (f *Facade) setConnected(v bool) {
	f.mu.Lock()
	f.connected = v
	f.mu.Unlock()
}

// call routes one outbound SDK operation through flood-wait handling and,
// on a network failure, through one reconnect-and-retry cycle.
func call[T any](f *Facade, ctx context.Context, op string, fn func(context.Context) (T, error)) (T, error) {
	opts := []FloodWaitOption{
		FloodWaitRetries(f.fwRetries),
		FloodWaitHook(f.hook),
		FloodWaitLogger(f.logger),
	}
	result, err := CallFloodWait(ctx, op, fn, opts...)
	var netErr *ErrNetwork
	if err == nil || !errors.As(err, &netErr) {
		return result, err
	}
	if rerr := f.reconnect(ctx); rerr != nil {
		return result, err
	}
	return CallFloodWait(ctx, op, fn, opts...)
}

// reconnect re-establishes the session with capped exponential backoff,
// emitting connection_lost/restored. It gives up only on cancellation or a
// terminal error.
func (f *Facade) reconnect(ctx context.Context) error {
	f.setConnected(false)
	f.hook.emit(Event{Kind: EventConnectionLost})
	f.logger.Warn("connection lost, reconnecting")

	delay := f.reconnectBase
	for {
		_ = f.inner.Stop(ctx)
		err := f.inner.Start(ctx)
		if err == nil {
			f.setConnected(true)
			f.hook.emit(Event{Kind: EventConnectionRestored})
			f.logger.Info("connection restored")
			return nil
		}
		if IsTerminal(err) {
			var ts *ErrTimeSync
			if errors.As(err, &ts) {
				f.hook.emit(Event{Kind: EventTimeSyncError})
			}
			return err
		}
		f.logger.Warn("reconnect failed", "error", err, "retry_in", delay)
		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
		delay *= 2
		if delay > f.reconnectCap {
			delay = f.reconnectCap
		}
	}
}

// --- Client implementation ---

func (f *Facade) Resolve(ctx context.Context, identifier string) (ChannelID, error) {
	return call(f, ctx, "resolve", func(ctx context.Context) (ChannelID, error) {
		return f.inner.Resolve(ctx, identifier)
	})
}

func (f *Facade) ChatInfo(ctx context.Context, id ChannelID) (ChatInfo, error) {
	return call(f, ctx, "get_chat_info", func(ctx context.Context) (ChatInfo, error) {
		return f.inner.ChatInfo(ctx, id)
	})
}

func (f *Facade) Messages(ctx context.Context, chat ChannelID, ids []int) ([]Message, error) {
	return call(f, ctx, "get_messages", func(ctx context.Context) ([]Message, error) {
		return f.inner.Messages(ctx, chat, ids)
	})
}

func (f *Facade) NewestID(ctx context.Context, chat ChannelID) (int, error) {
	return call(f, ctx, "get_newest_id", func(ctx context.Context) (int, error) {
		return f.inner.NewestID(ctx, chat)
	})
}

// IterMessages wraps the SDK stream so a flood wait mid-iteration pauses
// and restarts the stream from the next unseen id instead of failing.
func (f *Facade) IterMessages(chat ChannelID, startID, endID int) MessageIter {
	return &facadeIter{f: f, chat: chat, next: startID, endID: endID}
}

func (f *Facade) ForwardMessages(ctx context.Context, dst, src ChannelID, ids []int, silent bool) ([]SentMessage, error) {
	return call(f, ctx, "forward_messages", func(ctx context.Context) ([]SentMessage, error) {
		return f.inner.ForwardMessages(ctx, dst, src, ids, silent)
	})
}

func (f *Facade) CopyMessage(ctx context.Context, dst, src ChannelID, id int, caption string, silent bool) (SentMessage, error) {
	return call(f, ctx, "copy_message", func(ctx context.Context) (SentMessage, error) {
		return f.inner.CopyMessage(ctx, dst, src, id, caption, silent)
	})
}

func (f *Facade) CopyMediaGroup(ctx context.Context, dst, src ChannelID, id int, caption string, silent bool) ([]SentMessage, error) {
	return call(f, ctx, "copy_media_group", func(ctx context.Context) ([]SentMessage, error) {
		return f.inner.CopyMediaGroup(ctx, dst, src, id, caption, silent)
	})
}

func (f *Facade) MediaRefs(ctx context.Context, chat ChannelID, ids []int) ([]MediaItem, error) {
	return call(f, ctx, "get_media_refs", func(ctx context.Context) ([]MediaItem, error) {
		return f.inner.MediaRefs(ctx, chat, ids)
	})
}

func (f *Facade) SendMediaGroup(ctx context.Context, dst ChannelID, items []MediaItem, silent bool) ([]SentMessage, error) {
	return call(f, ctx, "send_media_group", func(ctx context.Context) ([]SentMessage, error) {
		return f.inner.SendMediaGroup(ctx, dst, items, silent)
	})
}

func (f *Facade) SendMessage(ctx context.Context, dst ChannelID, text, parseMode string, disablePreview bool) (SentMessage, error) {
	return call(f, ctx, "send_message", func(ctx context.Context) (SentMessage, error) {
		return f.inner.SendMessage(ctx, dst, text, parseMode, disablePreview)
	})
}

func (f *Facade) DownloadMedia(ctx context.Context, msg Message, destPath string, progress DownloadProgress) (string, error) {
	return call(f, ctx, "download_media", func(ctx context.Context) (string, error) {
		return f.inner.DownloadMedia(ctx, msg, destPath, progress)
	})
}

func (f *Facade) OnNewMessage(chats []ChannelID, handler func(Message)) (func(), error) {
	return f.inner.OnNewMessage(chats, handler)
}

// facadeIter restarts the underlying stream after absorbed flood waits.
type facadeIter struct {
	f     *Facade
	chat  ChannelID
	next  int
	endID int

	inner MessageIter
	cur   Message
	err   error
}

func (it *facadeIter) Next(ctx context.Context) bool {
	for {
		if it.inner == nil {
			it.inner = it.f.inner.IterMessages(it.chat, it.next, it.endID)
		}
		if it.inner.Next(ctx) {
			it.cur = it.inner.Value()
			it.next = it.cur.ID + 1
			return true
		}
		err := it.inner.Err()
		seconds, ok := FloodWaitSeconds(err)
		if !ok {
			it.err = err
			return false
		}
		it.f.hook.emit(Event{Kind: EventFloodWait, Op: "iterate_messages", Seconds: seconds})
		wait := time.Duration(seconds)*time.Second + floodWaitFloor
		if serr := sleepFloodWait(ctx, "iterate_messages", wait, seconds, it.f.hook); serr != nil {
			it.err = serr
			return false
		}
		it.inner = nil // restart from it.next
	}
}

func (it *facadeIter) Value() Message { return it.cur }
func (it *facadeIter) Err() error     { return it.err }
