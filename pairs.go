package tgrelay

import (
	"context"
	"fmt"
	"log/slog"
	"reflect"
	"strings"
	"sync"
)

// Replacement is one ordered literal text substitution.
type Replacement struct {
	Find    string
	Replace string
}

// ChannelPair is one replication rule: one source chat, N target chats,
// and the filters and transforms applied in between. Pairs are immutable
// for the duration of a run; the PairController is the only mutator of the
// live pair set.
type ChannelPair struct {
	// Source and Targets hold user-entered identifiers (link, @username,
	// invite token or numeric id); they are resolved to ChannelIDs at the
	// start of a run.
	Source  string
	Targets []string

	// StartID/EndID bound the batch range. 0 means open: StartID=0 starts
	// from the oldest available message, EndID=0 ends at the newest at
	// scan time.
	StartID int
	EndID   int

	// MediaTypes is the per-message media gate. nil means all kinds;
	// a message whose kind is absent from a non-nil set is dropped.
	MediaTypes []MediaKind

	// Keywords gate whole media groups: a group passes if the
	// concatenation of its texts contains any keyword, case-insensitive.
	// Empty means no keyword filtering.
	Keywords []string

	// Replacements are applied in order to the attached text.
	Replacements []Replacement

	ExcludeLinks   bool
	RemoveCaptions bool
	HideAuthor     bool
	Enabled        bool

	// SendFinalMessage posts FinalMessagePath's rendered body to every
	// target once the pair's range completes with at least one forward.
	SendFinalMessage bool
	FinalMessagePath string
	WebPreview       bool
}

// Allows reports whether the pair's media gate admits kind.
func (p ChannelPair) Allows(kind MediaKind) bool {
	if len(p.MediaTypes) == 0 {
		return true
	}
	for _, k := range p.MediaTypes {
		if k == kind {
			return true
		}
	}
	return false
}

// Key is a stable human-readable identifier for the pair, used in events
// and scratch directory names.
func (p ChannelPair) Key() string {
	return p.Source + "->" + strings.Join(p.Targets, ",")
}

// Normalize deduplicates targets (preserving order) and returns the
// normalized pair. Two identifiers are duplicates when they normalize to
// the same token or numeric id.
func (p ChannelPair) Normalize() ChannelPair {
	seen := make(map[string]bool, len(p.Targets))
	targets := make([]string, 0, len(p.Targets))
	for _, t := range p.Targets {
		key := identityKey(t)
		if seen[key] {
			continue
		}
		seen[key] = true
		targets = append(targets, t)
	}
	p.Targets = targets
	return p
}

// Validate checks the pair invariants: at least one target after
// deduplication, source not among the targets, and a coherent id range.
func (p ChannelPair) Validate() error {
	if p.Source == "" {
		return fmt.Errorf("pair %s: empty source", p.Key())
	}
	norm := p.Normalize()
	if len(norm.Targets) == 0 {
		return fmt.Errorf("pair %s: no targets", p.Key())
	}
	src := identityKey(p.Source)
	for _, t := range norm.Targets {
		if identityKey(t) == src {
			return fmt.Errorf("pair %s: source is also a target", p.Key())
		}
	}
	if p.StartID < 0 || p.EndID < 0 {
		return fmt.Errorf("pair %s: negative message id bound", p.Key())
	}
	if p.StartID > 0 && p.EndID > 0 && p.StartID > p.EndID {
		return fmt.Errorf("pair %s: start_id %d > end_id %d", p.Key(), p.StartID, p.EndID)
	}
	for _, k := range p.MediaTypes {
		if !knownMediaKind(k) {
			return fmt.Errorf("pair %s: unknown media type %q", p.Key(), k)
		}
	}
	return nil
}

func knownMediaKind(k MediaKind) bool {
	for _, known := range AllMediaKinds() {
		if k == known {
			return true
		}
	}
	return false
}

// identityKey normalizes an identifier for duplicate detection. Invalid
// identifiers compare by their raw text; Validate on the resolved pair
// catches them later.
func identityKey(identifier string) string {
	token, id, err := NormalizeIdentifier(identifier)
	if err != nil {
		return strings.ToLower(strings.TrimSpace(identifier))
	}
	if id != 0 {
		return fmt.Sprintf("#%d", id)
	}
	return strings.ToLower(token)
}

// resolvedPair is a ChannelPair with its identifiers resolved to canonical
// ids for the duration of one run.
type resolvedPair struct {
	ChannelPair
	source  ChannelID
	targets []ChannelID
}

// resolvePair resolves the pair's identifiers and re-checks the
// source-not-in-targets invariant against canonical ids.
func resolvePair(ctx context.Context, r *Resolver, p ChannelPair) (resolvedPair, error) {
	source, err := r.Resolve(ctx, p.Source)
	if err != nil {
		return resolvedPair{}, fmt.Errorf("resolve source %s: %w", p.Source, err)
	}
	targets := make([]ChannelID, 0, len(p.Targets))
	seen := make(map[ChannelID]bool, len(p.Targets))
	for _, t := range p.Targets {
		id, err := r.Resolve(ctx, t)
		if err != nil {
			return resolvedPair{}, fmt.Errorf("resolve target %s: %w", t, err)
		}
		if id == source {
			return resolvedPair{}, fmt.Errorf("pair %s: source resolves to target %s", p.Key(), t)
		}
		if seen[id] {
			continue
		}
		seen[id] = true
		targets = append(targets, id)
	}
	if len(targets) == 0 {
		return resolvedPair{}, fmt.Errorf("pair %s: no targets after resolution", p.Key())
	}
	return resolvedPair{ChannelPair: p, source: source, targets: targets}, nil
}

// --- PairController ---

// PairListener is notified with the new pair set after every change.
type PairListener func(pairs []ChannelPair)

// PairControllerOption configures a PairController.
type PairControllerOption func(*PairController)

// PairControllerHook registers the event hook for pair lifecycle events.
func PairControllerHook(h Hook) PairControllerOption {
	return func(c *PairController) { c.hook = h }
}

// PairControllerLogger sets the structured logger.
func PairControllerLogger(l *slog.Logger) PairControllerOption {
	return func(c *PairController) { c.logger = l }
}

// PairController owns the live pair set. It validates incoming
// configuration, emits pair_added/removed/modified events, and notifies
// listeners (the live monitor) so they can hot-reconfigure. Downstream
// code only ever sees immutable snapshots.
type PairController struct {
	hook   Hook
	logger *slog.Logger

	mu        sync.Mutex
	pairs     []ChannelPair
	listeners []PairListener
}

// NewPairController creates an empty controller.
func NewPairController(opts ...PairControllerOption) *PairController {
	c := &PairController{logger: nopLogger}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Set replaces the pair set. Every pair is normalized and validated; any
// invalid pair rejects the whole update so a bad reload never tears down a
// working configuration.
func (c *PairController) Set(pairs []ChannelPair) error {
	normalized := make([]ChannelPair, 0, len(pairs))
	for _, p := range pairs {
		if err := p.Validate(); err != nil {
			return err
		}
		normalized = append(normalized, p.Normalize())
	}

	c.mu.Lock()
	old := c.pairs
	c.pairs = normalized
	listeners := append([]PairListener(nil), c.listeners...)
	c.mu.Unlock()

	c.diff(old, normalized)
	snapshot := clonePairs(normalized)
	for _, fn := range listeners {
		fn(snapshot)
	}
	return nil
}

// Pairs returns an immutable snapshot of the current pair set, in
// declaration order.
func (c *PairController) Pairs() []ChannelPair {
	c.mu.Lock()
	defer c.mu.Unlock()
	return clonePairs(c.pairs)
}

// OnChange registers a listener called after every successful Set.
func (c *PairController) OnChange(fn PairListener) {
	c.mu.Lock()
	c.listeners = append(c.listeners, fn)
	c.mu.Unlock()
}

// diff emits pair lifecycle events comparing the old and new sets by
// source identity.
func (c *PairController) diff(old, cur []ChannelPair) {
	prev := make(map[string]ChannelPair, len(old))
	for _, p := range old {
		prev[identityKey(p.Source)] = p
	}
	seen := make(map[string]bool, len(cur))
	for _, p := range cur {
		key := identityKey(p.Source)
		seen[key] = true
		before, existed := prev[key]
		switch {
		case !existed:
			c.hook.emit(Event{Kind: EventPairAdded, Pair: p.Key()})
			c.logger.Info("pair added", "pair", p.Key())
		case !reflect.DeepEqual(before, p):
			c.hook.emit(Event{Kind: EventPairModified, Pair: p.Key()})
			c.logger.Info("pair modified", "pair", p.Key())
		}
	}
	for key, p := range prev {
		if !seen[key] {
			c.hook.emit(Event{Kind: EventPairRemoved, Pair: p.Key()})
			c.logger.Info("pair removed", "pair", p.Key())
		}
	}
}

func clonePairs(pairs []ChannelPair) []ChannelPair {
	out := make([]ChannelPair, len(pairs))
	for i, p := range pairs {
		p.Targets = append([]string(nil), p.Targets...)
		p.MediaTypes = append([]MediaKind(nil), p.MediaTypes...)
		p.Keywords = append([]string(nil), p.Keywords...)
		p.Replacements = append([]Replacement(nil), p.Replacements...)
		out[i] = p
	}
	return out
}
