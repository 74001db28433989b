package tgrelay

import (
	"log/slog"
	"sort"
	"sync"
	"time"
)

const (
	defaultQuiescence     = 8 * time.Second
	defaultHardTimeout    = 20 * time.Second
	defaultSoftQuiescence = 5 * time.Second
	defaultSoftMinSize    = 8
	// dispatchedRetention is how long a dispatched group id stays in the
	// side cache so late arrivals are recognized.
	dispatchedRetention = 5 * time.Minute
)

// AssemblerOption configures an Assembler.
type AssemblerOption func(*Assembler)

// AssemblerQuiescence sets the no-new-message timeout after which a group
// is declared complete (default: 8s).
func AssemblerQuiescence(d time.Duration) AssemblerOption {
	return func(a *Assembler) { a.quiescence = d }
}

// AssemblerHardTimeout sets the maximum age of a group before it is
// dispatched regardless of activity (default: 20s).
func AssemblerHardTimeout(d time.Duration) AssemblerOption {
	return func(a *Assembler) { a.hardTimeout = d }
}

// AssemblerSoftQuiescence sets the shortened quiescence used once a group
// has reached the soft minimum size (default: 5s).
func AssemblerSoftQuiescence(d time.Duration) AssemblerOption {
	return func(a *Assembler) { a.softQuiescence = d }
}

// AssemblerSoftMinSize sets the group size from which the soft quiescence
// applies (default: 8).
func AssemblerSoftMinSize(n int) AssemblerOption {
	return func(a *Assembler) { a.softMinSize = n }
}

// AssemblerLogger sets the structured logger.
func AssemblerLogger(l *slog.Logger) AssemblerOption {
	return func(a *Assembler) { a.logger = l }
}

type pendingGroup struct {
	msgs  []Message
	first time.Time
	last  time.Time
	total int
}

// Assembler reassembles live media groups: messages sharing a group id are
// buffered until the group is complete, then handed downstream as one
// batch. Completeness is decided by the SDK's total-count attribute when
// present, otherwise by quiescence and age timeouts. A group is dispatched
// at most once; members arriving after dispatch are flagged late so the
// caller can evaluate them individually.
type Assembler struct {
	quiescence     time.Duration
	hardTimeout    time.Duration
	softQuiescence time.Duration
	softMinSize    int
	logger         *slog.Logger

	mu         sync.Mutex
	pending    map[string]*pendingGroup
	dispatched map[string]time.Time
}

// NewAssembler creates an Assembler with the default timeouts.
func NewAssembler(opts ...AssemblerOption) *Assembler {
	a := &Assembler{
		quiescence:     defaultQuiescence,
		hardTimeout:    defaultHardTimeout,
		softQuiescence: defaultSoftQuiescence,
		softMinSize:    defaultSoftMinSize,
		logger:         nopLogger,
		pending:        make(map[string]*pendingGroup),
		dispatched:     make(map[string]time.Time),
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// Add deposits a group member. When the SDK's total-count attribute is
// reached the completed group is returned, sorted ascending by id. late is
// true when the group was already dispatched; the message then belongs to
// the side cache and must be handled as a singleton.
func (a *Assembler) Add(m Message, now time.Time) (complete []Message, late bool) {
	if m.GroupID == "" {
		return nil, false
	}
	a.mu.Lock()
	defer a.mu.Unlock()

	if _, ok := a.dispatched[m.GroupID]; ok {
		a.logger.Debug("late group member", "group", m.GroupID, "id", m.ID)
		return nil, true
	}

	g, ok := a.pending[m.GroupID]
	if !ok {
		g = &pendingGroup{first: now}
		a.pending[m.GroupID] = g
	}
	g.msgs = append(g.msgs, m)
	g.last = now
	if m.GroupTotal > g.total {
		g.total = m.GroupTotal
	}

	if g.total > 0 && len(g.msgs) >= g.total {
		return a.completeLocked(m.GroupID, g, now), false
	}
	return nil, false
}

// Sweep returns every pending group whose timeouts declare it complete:
// quiescent for the configured window, older than the hard timeout, or at
// the soft minimum size with the soft quiescence elapsed. It also prunes
// the dispatched side cache.
func (a *Assembler) Sweep(now time.Time) [][]Message {
	a.mu.Lock()
	defer a.mu.Unlock()

	var out [][]Message
	for gid, g := range a.pending {
		idle := now.Sub(g.last)
		age := now.Sub(g.first)
		done := idle >= a.quiescence ||
			age >= a.hardTimeout ||
			(len(g.msgs) >= a.softMinSize && idle >= a.softQuiescence)
		if done {
			out = append(out, a.completeLocked(gid, g, now))
		}
	}
	for gid, at := range a.dispatched {
		if now.Sub(at) > dispatchedRetention {
			delete(a.dispatched, gid)
		}
	}
	return out
}

// Flush dispatches every pending group immediately. Called on monitor stop
// so buffered groups are not lost.
func (a *Assembler) Flush(now time.Time) [][]Message {
	a.mu.Lock()
	defer a.mu.Unlock()
	var out [][]Message
	for gid, g := range a.pending {
		out = append(out, a.completeLocked(gid, g, now))
	}
	return out
}

// Pending returns the number of buffered groups.
func (a *Assembler) Pending() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.pending)
}

func (a *Assembler) completeLocked(gid string, g *pendingGroup, now time.Time) []Message {
	delete(a.pending, gid)
	a.dispatched[gid] = now
	sort.Slice(g.msgs, func(i, j int) bool { return g.msgs[i].ID < g.msgs[j].ID })
	a.logger.Debug("group complete", "group", gid, "size", len(g.msgs))
	return g.msgs
}
