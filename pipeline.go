package tgrelay

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"

	"github.com/google/uuid"
	"github.com/h2non/filetype"
)

const (
	defaultQueueCap      = 6
	defaultProbeWorkers  = 3
	maxMediaBatch        = 10
	defaultScratchRoot   = "tmp"
)

// MediaPipelineOption configures a MediaPipeline.
type MediaPipelineOption func(*MediaPipeline)

// PipelineQueueCap sets the bounded queue capacity in groups (default: 6).
func PipelineQueueCap(n int) MediaPipelineOption {
	return func(p *MediaPipeline) { p.queueCap = n }
}

// PipelineScratchRoot sets the scratch directory root (default: "tmp").
func PipelineScratchRoot(dir string) MediaPipelineOption {
	return func(p *MediaPipeline) { p.tmpRoot = dir }
}

// PipelineProbeWorkers caps the hashing/probing worker pool (default: 3).
func PipelineProbeWorkers(n int) MediaPipelineOption {
	return func(p *MediaPipeline) { p.workers = n }
}

// PipelineHook registers the event hook for progress and forward events.
func PipelineHook(h Hook) MediaPipelineOption {
	return func(p *MediaPipeline) { p.hook = h }
}

// PipelineLogger sets the structured logger.
func PipelineLogger(l *slog.Logger) MediaPipelineOption {
	return func(p *MediaPipeline) { p.logger = l }
}

// PipelineLabeler supplies human labels for target ids in events, usually
// Resolver.Label. Defaults to the decimal id.
func PipelineLabeler(fn func(ChannelID) string) MediaPipelineOption {
	return func(p *MediaPipeline) { p.labeler = fn }
}

// localFile is one downloaded media file awaiting upload.
type localFile struct {
	msgID int
	path  string
	kind  MediaKind
	sha   string
}

// readyGroup is a fully downloaded group handed from producer to consumer.
type readyGroup struct {
	group FilteredGroup
	dir   string
	files []localFile
}

// MediaPipeline is the download/re-upload path for restricted sources: a
// producer streams each group's media into a per-group scratch directory
// and enqueues it on a bounded queue (back-pressure blocks the producer);
// a consumer uploads the group to the first target and copies it from
// there to the remaining targets. One bad group never stops the pair.
type MediaPipeline struct {
	history  HistoryStore
	hook     Hook
	logger   *slog.Logger
	queueCap int
	tmpRoot  string
	workers  int
	runID    string
	labeler  func(ChannelID) string

	mu     sync.Mutex
	client Client
}

// NewMediaPipeline creates a pipeline writing scratch files under
// <root>/<run id>/. The run id is fresh per pipeline so concurrent runs
// never collide.
func NewMediaPipeline(client Client, history HistoryStore, opts ...MediaPipelineOption) *MediaPipeline {
	p := &MediaPipeline{
		client:   client,
		history:  history,
		logger:   nopLogger,
		queueCap: defaultQueueCap,
		tmpRoot:  defaultScratchRoot,
		workers:  defaultProbeWorkers,
		runID:    uuid.NewString(),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// SetClient swaps the underlying client handle after a session rebuild.
func (p *MediaPipeline) SetClient(c Client) {
	p.mu.Lock()
	p.client = c
	p.mu.Unlock()
}

func (p *MediaPipeline) clientHandle() Client {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.client
}

// SweepScratch removes every leftover run directory under root. Called at
// engine start so crashed runs do not accumulate disk.
func SweepScratch(root string) error {
	entries, err := os.ReadDir(root)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	for _, e := range entries {
		if err := os.RemoveAll(filepath.Join(root, e.Name())); err != nil {
			return err
		}
	}
	return nil
}

// Replicate downloads each group's media and republishes it: upload to
// targets[0] with the computed caption on the first item, then copy from
// the first target to the rest, falling back to upload for a target that
// rejects the copy. Producer and consumer run concurrently; cancellation
// drains the queue and removes scratch directories.
func (p *MediaPipeline) Replicate(ctx context.Context, source ChannelID, pairKey string, targets []ChannelID, groups []FilteredGroup, silent bool) error {
	if len(targets) == 0 || len(groups) == 0 {
		return nil
	}

	queue := make(chan readyGroup, p.queueCap)
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		defer close(queue)
		p.produce(ctx, source, pairKey, groups, queue)
	}()

	consumeErr := p.consume(ctx, source, targets, queue, silent)
	wg.Wait()
	return consumeErr
}

// produce downloads group media into scratch and enqueues ready groups.
// Download failures are isolated per group.
func (p *MediaPipeline) produce(ctx context.Context, source ChannelID, pairKey string, groups []FilteredGroup, queue chan<- readyGroup) {
	for _, g := range groups {
		if ctx.Err() != nil {
			return
		}
		rg, err := p.download(ctx, source, pairKey, g)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			p.logger.Warn("group download failed", "group", g.key(), "error", err)
			p.hook.emit(Event{Kind: EventError, Op: "download", GroupID: g.ID, Err: err})
			continue
		}
		select {
		case queue <- rg:
		case <-ctx.Done():
			os.RemoveAll(rg.dir)
			return
		}
	}
}

// download streams every media file of g into a fresh per-group scratch
// directory. The directory is owned by the producer until enqueued.
func (p *MediaPipeline) download(ctx context.Context, source ChannelID, pairKey string, g FilteredGroup) (readyGroup, error) {
	dir := filepath.Join(p.tmpRoot, p.runID, sanitizePath(pairKey), g.key())
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return readyGroup{}, fmt.Errorf("scratch dir: %w", err)
	}

	client := p.clientHandle()
	rg := readyGroup{group: g, dir: dir}
	for _, m := range g.Messages {
		if messageKind(m) == MediaText {
			continue
		}
		dest := filepath.Join(dir, strconv.Itoa(m.ID))
		msgID := m.ID
		path, err := client.DownloadMedia(ctx, m, dest, func(got, total int64) {
			p.hook.emit(Event{
				Kind:        EventProgress,
				Op:          "download",
				Current:     int(got),
				Total:       int(total),
				Description: fmt.Sprintf("message %d", msgID),
			})
		})
		if err != nil {
			os.RemoveAll(dir)
			return readyGroup{}, fmt.Errorf("download message %d: %w", m.ID, err)
		}
		if err := p.history.MarkDownloaded(ctx, source, m.ID, path); err != nil {
			p.logger.Warn("mark downloaded failed", "id", m.ID, "error", err)
		}
		rg.files = append(rg.files, localFile{msgID: m.ID, path: path, kind: messageKind(m)})
	}
	return rg, nil
}

// consume pops ready groups and uploads them. Returns the first terminal
// error; group-level failures are reported and skipped.
func (p *MediaPipeline) consume(ctx context.Context, source ChannelID, targets []ChannelID, queue <-chan readyGroup, silent bool) error {
	for {
		select {
		case <-ctx.Done():
			// Drain and clean whatever the producer already staged.
			for rg := range queue {
				os.RemoveAll(rg.dir)
			}
			return ctx.Err()
		case rg, ok := <-queue:
			if !ok {
				return nil
			}
			err := p.publish(ctx, source, targets, rg, silent)
			os.RemoveAll(rg.dir)
			if err != nil {
				if ctx.Err() != nil || IsTerminal(err) {
					return err
				}
				p.logger.Warn("group publish failed", "group", rg.group.key(), "error", err)
				p.hook.emit(Event{Kind: EventError, Op: "upload", GroupID: rg.group.ID, Err: err})
			}
		}
	}
}

// publish uploads one group to the first target and copies it to the rest.
// Targets that already hold the group (per history) are skipped.
func (p *MediaPipeline) publish(ctx context.Context, source ChannelID, targets []ChannelID, rg readyGroup, silent bool) error {
	client := p.clientHandle()

	needed := make([]ChannelID, 0, len(targets))
	for _, t := range targets {
		done, err := p.history.IsForwarded(ctx, source, rg.group.Messages[0].ID, t)
		if err == nil && done {
			continue
		}
		needed = append(needed, t)
	}
	if len(needed) == 0 {
		return nil
	}
	first := needed[0]

	p.fingerprint(ctx, rg.files)

	// Fingerprint dedup: files already uploaded to the first target are
	// not sent again. Fingerprints are recorded against the first target
	// only; the remaining targets receive copies, not uploads.
	items := make([]MediaItem, 0, len(rg.files))
	uploaded := make([]localFile, 0, len(rg.files))
	for _, f := range rg.files {
		if f.sha != "" {
			done, err := p.history.IsUploaded(ctx, f.sha, first)
			if err == nil && done {
				p.logger.Debug("upload deduped", "sha", f.sha, "target", int64(first))
				continue
			}
		}
		items = append(items, MediaItem{Path: f.path, Kind: f.kind})
		uploaded = append(uploaded, f)
	}

	var sent []SentMessage
	switch {
	case len(items) == 0 && rg.group.Caption == "":
		return nil
	case len(items) == 0:
		// Pure-text group member on a restricted source: re-send as text.
		one, err := client.SendMessage(ctx, first, rg.group.Caption, "", true)
		if err != nil {
			return fmt.Errorf("send text to %d: %w", first, err)
		}
		sent = []SentMessage{one}
	default:
		items[0].Caption = rg.group.Caption
		for len(items) > 0 {
			n := min(len(items), maxMediaBatch)
			batch, err := client.SendMediaGroup(ctx, first, items[:n], silent)
			if err != nil {
				return fmt.Errorf("upload to %d: %w", first, err)
			}
			sent = append(sent, batch...)
			items = items[n:]
		}
		for _, f := range uploaded {
			if f.sha == "" {
				continue
			}
			if err := p.history.MarkUploaded(ctx, f.sha, first); err != nil {
				p.logger.Warn("mark uploaded failed", "sha", f.sha, "error", err)
			}
		}
	}

	if err := p.record(ctx, source, first, rg.group); err != nil {
		return err
	}

	for _, target := range needed[1:] {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if err := p.copyToTarget(ctx, source, first, target, rg, sent, silent); err != nil {
			p.logger.Warn("copy to target failed", "target", int64(target), "error", err)
			p.hook.emit(Event{Kind: EventError, Op: "copy", GroupID: rg.group.ID, Err: err})
		}
	}
	return nil
}

// copyToTarget replicates the already-uploaded group from the first target
// to another, re-uploading only when the copy is rejected.
func (p *MediaPipeline) copyToTarget(ctx context.Context, source, first, target ChannelID, rg readyGroup, sent []SentMessage, silent bool) error {
	client := p.clientHandle()
	var err error
	if len(sent) > 1 {
		_, err = client.CopyMediaGroup(ctx, target, first, sent[0].ID, rg.group.Caption, silent)
	} else if len(sent) == 1 {
		_, err = client.CopyMessage(ctx, target, first, sent[0].ID, rg.group.Caption, silent)
	}
	if IsForwardsRestricted(err) {
		// The first target itself is protected; this one needs its own
		// upload.
		items := make([]MediaItem, 0, len(rg.files))
		for _, f := range rg.files {
			items = append(items, MediaItem{Path: f.path, Kind: f.kind})
		}
		if len(items) > 0 {
			items[0].Caption = rg.group.Caption
			_, err = client.SendMediaGroup(ctx, target, items, silent)
		} else {
			_, err = client.SendMessage(ctx, target, rg.group.Caption, "", true)
		}
	}
	if err != nil {
		return err
	}
	return p.record(ctx, source, target, rg.group)
}

// record writes history for every group member and emits the forwarded
// event, id rendered as a string to survive 32-bit transports.
func (p *MediaPipeline) record(ctx context.Context, source, target ChannelID, g FilteredGroup) error {
	for _, id := range g.IDs() {
		if err := p.history.MarkForwarded(ctx, source, id, target); err != nil {
			return fmt.Errorf("mark forwarded %d: %w", id, err)
		}
	}
	p.hook.emit(forwardedEvent(g, target, p.label(target)))
	return nil
}

func (p *MediaPipeline) label(target ChannelID) string {
	if p.labeler != nil {
		return p.labeler(target)
	}
	return strconv.FormatInt(int64(target), 10)
}

// fingerprint hashes and probes every file on a small worker pool. Hash
// failures leave the fingerprint empty; the file is then uploaded without
// dedup rather than dropped.
func (p *MediaPipeline) fingerprint(ctx context.Context, files []localFile) {
	workers := min(p.workers, len(files))
	if workers == 0 {
		return
	}
	jobs := make(chan int)
	var wg sync.WaitGroup
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := range jobs {
				f := &files[i]
				sha, err := hashFile(f.path)
				if err != nil {
					p.logger.Warn("hash failed", "path", f.path, "error", err)
				} else {
					f.sha = sha
				}
				if kind, ok := probeKind(f.path); ok {
					f.kind = kind
				}
			}
		}()
	}
	for i := range files {
		select {
		case jobs <- i:
		case <-ctx.Done():
			close(jobs)
			wg.Wait()
			return
		}
	}
	close(jobs)
	wg.Wait()
}

func hashFile(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()
	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", err
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

// probeKind sniffs the file's magic bytes and maps the detected type onto
// the engine's media kinds. Unknown types keep the kind the message
// claimed.
func probeKind(path string) (MediaKind, bool) {
	f, err := os.Open(path)
	if err != nil {
		return "", false
	}
	defer f.Close()
	head := make([]byte, 262)
	n, _ := io.ReadFull(f, head)
	t, err := filetype.Match(head[:n])
	if err != nil || t == filetype.Unknown {
		return "", false
	}
	switch {
	case t.Extension == "gif":
		return MediaAnimation, true
	case t.MIME.Type == "image":
		return MediaPhoto, true
	case t.MIME.Type == "video":
		return MediaVideo, true
	case t.MIME.Type == "audio":
		return MediaAudio, true
	default:
		return MediaDocument, true
	}
}

func sanitizePath(s string) string {
	return strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
			return r
		case r == '-' || r == '_' || r == '.':
			return r
		default:
			return '_'
		}
	}, s)
}
