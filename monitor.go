package tgrelay

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime"
	"sync"
	"time"
)

const (
	monitorQueueCap  = 256
	sweepInterval    = time.Second
	processedGCEvery = 5 * time.Minute
	memoryProbeEvery = time.Minute
)

// MonitorOption configures a Monitor.
type MonitorOption func(*Monitor)

// MonitorHook registers the event hook.
func MonitorHook(h Hook) MonitorOption {
	return func(m *Monitor) { m.hook = h }
}

// MonitorLogger sets the structured logger.
func MonitorLogger(l *slog.Logger) MonitorOption {
	return func(m *Monitor) { m.logger = l }
}

// MonitorProcessedCap sets the processed-id ring capacity (default: 50000).
func MonitorProcessedCap(n int) MonitorOption {
	return func(m *Monitor) { m.processedCap = n }
}

// MonitorStopAt schedules an automatic stop, typically midnight of the
// configured end date. Zero disables it.
func MonitorStopAt(t time.Time) MonitorOption {
	return func(m *Monitor) { m.stopAt = t }
}

// MonitorAssemblerOptions tunes the media-group assembler.
func MonitorAssemblerOptions(opts ...AssemblerOption) MonitorOption {
	return func(m *Monitor) { m.assemblerOpts = opts }
}

// Monitor subscribes to new messages on every enabled pair's source and
// replicates them in real time with the same filter and dispatch logic the
// batch path uses. Incoming messages funnel into a single goroutine, so
// per-target ordering holds and the processed-id ring needs no locks.
type Monitor struct {
	dispatcher
	hook          Hook
	logger        *slog.Logger
	processedCap  int
	stopAt        time.Time
	assemblerOpts []AssemblerOption
	assembler     *Assembler

	mu       sync.Mutex
	client   Client
	running  bool
	pairs    []ChannelPair
	bySource map[ChannelID]resolvedPair
	unsub    func()
	cancel   context.CancelFunc
	done     chan struct{}

	msgCh chan Message
	buf   *processedBuffer
}

// NewMonitor wires the live path. client is normally the Facade.
func NewMonitor(client Client, resolver *Resolver, history HistoryStore, direct *DirectForwarder, pipeline *MediaPipeline, opts ...MonitorOption) *Monitor {
	m := &Monitor{
		client:       client,
		logger:       nopLogger,
		processedCap: defaultProcessedCap,
	}
	for _, opt := range opts {
		opt(m)
	}
	m.dispatcher = dispatcher{
		history:  history,
		resolver: resolver,
		direct:   direct,
		pipeline: pipeline,
		hook:     m.hook,
		logger:   m.logger,
	}
	m.assembler = NewAssembler(append([]AssemblerOption{AssemblerLogger(m.logger)}, m.assemblerOpts...)...)
	return m
}

// SetPairs stores the monitored pair set. If the monitor is running and
// the set is non-empty it hot-reconfigures: the subscription stops, caches
// re-prime, and the subscription restarts over the new source union.
func (m *Monitor) SetPairs(ctx context.Context, pairs []ChannelPair) error {
	m.mu.Lock()
	m.pairs = clonePairs(pairs)
	running := m.running
	m.mu.Unlock()

	if !running || len(pairs) == 0 {
		return nil
	}
	return m.resubscribe(ctx)
}

// SetClient swaps the client handle after a session rebuild. Every
// sub-component holding the handle is updated before the subscription is
// re-established.
func (m *Monitor) SetClient(ctx context.Context, c Client) error {
	m.mu.Lock()
	m.client = c
	running := m.running
	m.mu.Unlock()

	m.resolver.SetClient(c)
	m.direct.SetClient(c)
	m.pipeline.SetClient(c)

	if !running {
		return nil
	}
	return m.resubscribe(ctx)
}

// Start resolves the pair set, primes caches, registers the new-message
// subscription and launches the background loops. It returns immediately;
// processing continues until Stop or ctx cancellation.
func (m *Monitor) Start(ctx context.Context) error {
	m.mu.Lock()
	if m.running {
		m.mu.Unlock()
		return errors.New("monitor already running")
	}
	pairs := clonePairs(m.pairs)
	m.mu.Unlock()

	runCtx, cancel := context.WithCancel(ctx)
	msgCh := make(chan Message, monitorQueueCap)
	unsub, bySource, err := m.subscribe(runCtx, pairs, msgCh)
	if err != nil {
		cancel()
		return err
	}

	done := make(chan struct{})
	m.mu.Lock()
	m.running = true
	m.bySource = bySource
	m.unsub = unsub
	m.cancel = cancel
	m.done = done
	m.msgCh = msgCh
	m.buf = newProcessedBuffer(m.processedCap)
	m.mu.Unlock()

	go m.run(runCtx, done)
	m.logger.Info("monitor started", "pairs", len(pairs))
	return nil
}

// Stop cancels processing, tears down the subscription and dispatches any
// groups still buffered in the assembler on a short grace context.
func (m *Monitor) Stop() {
	m.mu.Lock()
	if !m.running {
		m.mu.Unlock()
		return
	}
	m.running = false
	unsub, cancel, done := m.unsub, m.cancel, m.done
	m.mu.Unlock()

	if unsub != nil {
		unsub()
	}
	cancel()
	<-done

	// Best-effort flush of buffered groups.
	flushCtx, flushCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer flushCancel()
	for _, msgs := range m.assembler.Flush(time.Now()) {
		if rp, ok := m.pairFor(msgs[0].ChatID); ok {
			m.processBatch(flushCtx, rp, msgs)
		}
	}
	m.logger.Info("monitor stopped")
}

// Running reports whether the monitor is processing.
func (m *Monitor) Running() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.running
}

// subscribe resolves pairs, primes the cache and registers one
// subscription over the union of enabled source ids. Pairs that fail to
// resolve are skipped with an error event (pair-local isolation).
func (m *Monitor) subscribe(ctx context.Context, pairs []ChannelPair, msgCh chan<- Message) (func(), map[ChannelID]resolvedPair, error) {
	bySource := make(map[ChannelID]resolvedPair, len(pairs))
	var sources []ChannelID
	for _, p := range pairs {
		rp, err := resolvePair(ctx, m.resolver, p)
		if err != nil {
			if ctx.Err() != nil {
				return nil, nil, ctx.Err()
			}
			m.logger.Warn("pair resolution failed", "pair", p.Key(), "error", err)
			m.hook.emit(Event{Kind: EventError, Op: "resolve", Pair: p.Key(), Err: err})
			continue
		}
		bySource[rp.source] = rp
		if p.Enabled {
			sources = append(sources, rp.source)
			m.resolver.Prime(ctx, append([]ChannelID{rp.source}, rp.targets...))
		}
	}
	if len(sources) == 0 {
		return func() {}, bySource, nil
	}

	client := m.clientHandle()
	unsub, err := client.OnNewMessage(sources, func(msg Message) {
		select {
		case msgCh <- msg:
		case <-ctx.Done():
		}
	})
	if err != nil {
		return nil, nil, fmt.Errorf("subscribe: %w", err)
	}
	return unsub, bySource, nil
}

// resubscribe tears down the current subscription and rebuilds it from the
// stored pair set. Used by hot reconfiguration and client swaps.
func (m *Monitor) resubscribe(ctx context.Context) error {
	m.mu.Lock()
	unsub := m.unsub
	pairs := clonePairs(m.pairs)
	msgCh := m.msgCh
	m.mu.Unlock()

	if unsub != nil {
		unsub()
	}
	newUnsub, bySource, err := m.subscribe(ctx, pairs, msgCh)
	if err != nil {
		return err
	}
	m.mu.Lock()
	m.unsub = newUnsub
	m.bySource = bySource
	m.mu.Unlock()
	m.logger.Info("monitor reconfigured", "pairs", len(pairs))
	return nil
}

func (m *Monitor) clientHandle() Client {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.client
}

func (m *Monitor) pairFor(source ChannelID) (resolvedPair, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rp, ok := m.bySource[source]
	return rp, ok
}

// run is the monitor's single processing goroutine: incoming messages,
// the assembler sweep, the processed-id GC report, the memory probe and
// the optional duration stop all multiplex here.
func (m *Monitor) run(ctx context.Context, done chan<- struct{}) {
	defer close(done)

	sweep := time.NewTicker(sweepInterval)
	defer sweep.Stop()
	gc := time.NewTicker(processedGCEvery)
	defer gc.Stop()
	mem := time.NewTicker(memoryProbeEvery)
	defer mem.Stop()

	var stopC <-chan time.Time
	if !m.stopAt.IsZero() {
		t := time.NewTimer(time.Until(m.stopAt))
		defer t.Stop()
		stopC = t.C
	}

	for {
		select {
		case <-ctx.Done():
			return
		case msg := <-m.msgCh:
			m.handle(ctx, msg)
		case now := <-sweep.C:
			for _, msgs := range m.assembler.Sweep(now) {
				if rp, ok := m.pairFor(msgs[0].ChatID); ok {
					m.processBatch(ctx, rp, msgs)
				}
			}
		case <-gc.C:
			m.logger.Debug("processed ids", "len", m.buf.Len())
		case <-mem.C:
			var ms runtime.MemStats
			runtime.ReadMemStats(&ms)
			m.logger.Debug("memory", "heap_mb", ms.HeapAlloc/1024/1024, "goroutines", runtime.NumGoroutine())
		case <-stopC:
			m.logger.Info("configured duration reached, stopping")
			go m.Stop()
			return
		}
	}
}

// handle processes one incoming message.
func (m *Monitor) handle(ctx context.Context, msg Message) {
	if m.buf.Contains(msg.ChatID, msg.ID) {
		return
	}
	rp, ok := m.pairFor(msg.ChatID)
	if !ok {
		return
	}
	if !rp.Enabled {
		m.buf.Add(msg.ChatID, msg.ID)
		m.hook.emit(Event{
			Kind:       EventMessageFiltered,
			MessageID:  msg.ID,
			FilterType: string(FilterReasonDisabled),
			Reason:     string(FilterReasonDisabled),
		})
		return
	}

	if msg.GroupID != "" {
		m.buf.Add(msg.ChatID, msg.ID)
		complete, late := m.assembler.Add(msg, time.Now())
		switch {
		case late:
			// The group already went out; the straggler is evaluated on
			// its own.
			m.processBatch(ctx, rp, []Message{msg})
		case complete != nil:
			m.processBatch(ctx, rp, complete)
		}
		return
	}
	m.processBatch(ctx, rp, []Message{msg})
}

// processBatch filters and dispatches one singleton or complete group.
func (m *Monitor) processBatch(ctx context.Context, rp resolvedPair, msgs []Message) {
	res := FilterMessages(msgs, rp.ChannelPair, nil)
	m.emitFilterEvents(res)

	canFwd, err := m.resolver.CanForward(ctx, rp.source)
	if err != nil {
		m.logger.Warn("forward permission", "source", int64(rp.source), "error", err)
		m.hook.emit(Event{Kind: EventError, Op: "permission", Pair: rp.Key(), Err: err})
		return
	}
	for _, g := range res.Groups {
		// Live sends are silent: replicated messages never notify target
		// subscribers.
		if _, err := m.forwardGroup(ctx, rp, g, canFwd, true); err != nil {
			if IsTerminal(err) {
				m.hook.emit(Event{Kind: EventError, Op: "monitor", Pair: rp.Key(), Err: err})
				go m.Stop()
				return
			}
			m.logger.Warn("live forward failed", "pair", rp.Key(), "error", err)
		}
	}
	for _, msg := range msgs {
		m.buf.Add(msg.ChatID, msg.ID)
	}
}
