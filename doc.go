// Package tgrelay is a Telegram channel replication engine in Go.
//
// It mirrors messages from source channels to target channels in two modes:
// a batch forwarder that walks a bounded message-id range, and a live
// monitor that subscribes to new messages and republishes them in real
// time. Both modes share one filter pipeline, one dispatch core and one
// persistent history store, so a message forwarded by either mode is never
// sent twice.
//
// # Quick Start
//
//	client := tgrelay.NewFacade(sdk, "sessions/main.session", tgrelay.FacadeHook(hook))
//	history := sqlite.New("history.db")
//	resolver := tgrelay.NewResolver(client)
//	direct := tgrelay.NewDirectForwarder(client)
//	pipeline := tgrelay.NewMediaPipeline(client, history)
//
//	batch := tgrelay.NewBatchForwarder(client, resolver, history, direct, pipeline)
//	err := batch.Run(ctx, pairs)
//
//	monitor := tgrelay.NewMonitor(client, resolver, history, direct, pipeline)
//	monitor.SetPairs(ctx, pairs)
//	err = monitor.Start(ctx)
//
// # Core Pieces
//
// The root package defines the engine:
//
//   - [Client]: the Telegram SDK surface the engine consumes
//   - [Facade]: a Client wrapper that absorbs flood waits and reconnects
//   - [ChannelPair]: one source-to-targets replication rule with filters
//   - [HistoryStore]: forward, upload and download dedup persistence
//   - [Resolver]: identifier resolution with a TTL and LRU cache
//   - [BatchForwarder]: historical range replication
//   - [Monitor]: real-time replication with media-group assembly
//   - [MediaPipeline]: download/reupload path for restricted channels
//   - [Hook]: structured engine events for a host UI
//
// # Included Implementations
//
// Storage: store/sqlite (local), store/postgres (shared deployments).
// Configuration: internal/config (TOML with environment overrides).
// Metrics: observer (OpenTelemetry counters fed from engine events).
//
// See cmd/tgrelay for a complete reference binary.
package tgrelay
