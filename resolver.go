package tgrelay

import (
	"container/list"
	"context"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"time"
)

const (
	defaultResolverTTL = 30 * time.Minute
	defaultResolverCap = 500
)

// resolverEntry is one cached chat, tracked for TTL and LRU eviction.
type resolverEntry struct {
	info    ChatInfo
	fetched time.Time
	elem    *list.Element // position in the LRU list; value is ChannelID
}

// lookup coalesces concurrent fetches of the same chat.
type lookup struct {
	done chan struct{}
	info ChatInfo
	err  error
}

// ResolverOption configures a Resolver.
type ResolverOption func(*Resolver)

// ResolverTTL sets the cache entry lifetime (default: 30 minutes).
func ResolverTTL(d time.Duration) ResolverOption {
	return func(r *Resolver) { r.ttl = d }
}

// ResolverCap sets the LRU capacity (default: 500 chats).
func ResolverCap(n int) ResolverOption {
	return func(r *Resolver) { r.cap = n }
}

// ResolverLogger sets the structured logger for cache activity.
func ResolverLogger(l *slog.Logger) ResolverOption {
	return func(r *Resolver) { r.logger = l }
}

// Resolver translates user-entered chat identifiers to canonical numeric
// ids and caches chat metadata (label, forward permission) with a TTL and
// an LRU cap. It is shared process-wide; all methods are safe for
// concurrent use, and concurrent lookups of the same chat are coalesced
// into a single SDK call.
type Resolver struct {
	client Client
	ttl    time.Duration
	cap    int
	logger *slog.Logger

	mu       sync.Mutex
	entries  map[ChannelID]*resolverEntry
	lru      *list.List // front = most recently used
	names    map[string]ChannelID
	inflight map[string]*lookup
}

// NewResolver creates a Resolver over client.
func NewResolver(client Client, opts ...ResolverOption) *Resolver {
	r := &Resolver{
		client:   client,
		ttl:      defaultResolverTTL,
		cap:      defaultResolverCap,
		logger:   nopLogger,
		entries:  make(map[ChannelID]*resolverEntry),
		lru:      list.New(),
		names:    make(map[string]ChannelID),
		inflight: make(map[string]*lookup),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// SetClient swaps the underlying client handle. Used after the facade
// rebuilds the session; cached entries survive the swap.
func (r *Resolver) SetClient(client Client) {
	r.mu.Lock()
	r.client = client
	r.mu.Unlock()
}

// Resolve translates identifier to its canonical numeric id. Accepted
// forms: t.me/<name>, https://t.me/<name>, telegram.me/<name>, @<name>,
// +<invite token>, and raw numeric ids.
func (r *Resolver) Resolve(ctx context.Context, identifier string) (ChannelID, error) {
	token, numeric, err := NormalizeIdentifier(identifier)
	if err != nil {
		return 0, err
	}
	if numeric != 0 {
		return numeric, nil
	}

	r.mu.Lock()
	if id, ok := r.names[token]; ok {
		r.mu.Unlock()
		return id, nil
	}
	r.mu.Unlock()

	info, err := r.fetch(ctx, "resolve:"+token, func(ctx context.Context) (ChatInfo, error) {
		id, err := r.clientHandle().Resolve(ctx, token)
		if err != nil {
			return ChatInfo{}, err
		}
		return r.clientHandle().ChatInfo(ctx, id)
	})
	if err != nil {
		return 0, err
	}

	r.mu.Lock()
	r.names[token] = info.ID
	r.storeLocked(info)
	r.mu.Unlock()
	return info.ID, nil
}

// Info returns cached chat metadata, fetching on miss or expiry.
func (r *Resolver) Info(ctx context.Context, id ChannelID) (ChatInfo, error) {
	r.mu.Lock()
	if e, ok := r.entries[id]; ok && time.Since(e.fetched) < r.ttl {
		r.lru.MoveToFront(e.elem)
		info := e.info
		r.mu.Unlock()
		return info, nil
	}
	r.mu.Unlock()

	info, err := r.fetch(ctx, "info:"+strconv.FormatInt(int64(id), 10), func(ctx context.Context) (ChatInfo, error) {
		return r.clientHandle().ChatInfo(ctx, id)
	})
	if err != nil {
		if IsNotAccessible(err) {
			r.Invalidate(id)
		}
		return ChatInfo{}, err
	}

	r.mu.Lock()
	r.storeLocked(info)
	r.mu.Unlock()
	return info, nil
}

// CanForward reports whether the chat allows server-side forwarding.
func (r *Resolver) CanForward(ctx context.Context, id ChannelID) (bool, error) {
	info, err := r.Info(ctx, id)
	if err != nil {
		return false, err
	}
	return info.CanForward, nil
}

// Label returns the cached human label for id, or its decimal form when the
// chat has never been resolved.
func (r *Resolver) Label(id ChannelID) string {
	r.mu.Lock()
	defer r.mu.Unlock()
	if e, ok := r.entries[id]; ok && e.info.Label != "" {
		return e.info.Label
	}
	return strconv.FormatInt(int64(id), 10)
}

// Prime warms the cache for a batch of chats. Errors are logged, not
// returned: an unreachable chat fails later, at its own pair.
func (r *Resolver) Prime(ctx context.Context, ids []ChannelID) {
	for _, id := range ids {
		if _, err := r.Info(ctx, id); err != nil {
			r.logger.Warn("prime failed", "chat", int64(id), "error", err)
		}
		if ctx.Err() != nil {
			return
		}
	}
}

// Invalidate drops the cache entry for id.
func (r *Resolver) Invalidate(id ChannelID) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if e, ok := r.entries[id]; ok {
		r.lru.Remove(e.elem)
		delete(r.entries, id)
	}
}

// fetch runs fn once per key even under concurrent callers; latecomers wait
// for the first caller's result.
func (r *Resolver) fetch(ctx context.Context, key string, fn func(context.Context) (ChatInfo, error)) (ChatInfo, error) {
	r.mu.Lock()
	if l, ok := r.inflight[key]; ok {
		r.mu.Unlock()
		select {
		case <-l.done:
			return l.info, l.err
		case <-ctx.Done():
			return ChatInfo{}, ctx.Err()
		}
	}
	l := &lookup{done: make(chan struct{})}
	r.inflight[key] = l
	r.mu.Unlock()

	l.info, l.err = fn(ctx)
	close(l.done)

	r.mu.Lock()
	delete(r.inflight, key)
	r.mu.Unlock()
	return l.info, l.err
}

func (r *Resolver) clientHandle() Client {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.client
}

// storeLocked inserts or refreshes an entry and evicts the LRU tail past
// capacity. Caller holds r.mu.
func (r *Resolver) storeLocked(info ChatInfo) {
	if e, ok := r.entries[info.ID]; ok {
		e.info = info
		e.fetched = time.Now()
		r.lru.MoveToFront(e.elem)
		return
	}
	e := &resolverEntry{info: info, fetched: time.Now()}
	e.elem = r.lru.PushFront(info.ID)
	r.entries[info.ID] = e
	for r.lru.Len() > r.cap {
		tail := r.lru.Back()
		r.lru.Remove(tail)
		delete(r.entries, tail.Value.(ChannelID))
	}
}

// NormalizeIdentifier parses a user-entered chat identifier. It returns
// either a token to hand to the SDK resolver (username without the @, or a
// +invite token) or, for raw numeric input, the id itself.
func NormalizeIdentifier(identifier string) (token string, id ChannelID, err error) {
	s := strings.TrimSpace(identifier)
	if s == "" {
		return "", 0, &ErrInvalidIdentifier{Input: identifier}
	}

	if n, perr := strconv.ParseInt(s, 10, 64); perr == nil {
		return "", ChannelID(n), nil
	}

	s = strings.TrimPrefix(s, "https://")
	s = strings.TrimPrefix(s, "http://")
	for _, host := range []string{"t.me/", "telegram.me/"} {
		if rest, ok := strings.CutPrefix(s, host); ok {
			s = rest
			break
		}
	}
	s = strings.TrimPrefix(s, "@")
	s = strings.TrimSuffix(s, "/")
	if rest, ok := strings.CutPrefix(s, "joinchat/"); ok {
		s = "+" + rest
	}

	if s == "" || strings.ContainsAny(s, "/ \t") {
		return "", 0, &ErrInvalidIdentifier{Input: identifier}
	}
	if strings.HasPrefix(s, "+") {
		if len(s) == 1 {
			return "", 0, &ErrInvalidIdentifier{Input: identifier}
		}
		return s, 0, nil
	}
	for _, r := range s {
		if r != '_' && (r < '0' || r > '9') && (r < 'a' || r > 'z') && (r < 'A' || r > 'Z') {
			return "", 0, &ErrInvalidIdentifier{Input: identifier}
		}
	}
	return s, 0, nil
}
