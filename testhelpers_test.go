package tgrelay

import (
	"context"
	"fmt"
	"os"
	"sort"
	"strconv"
	"sync"
	"testing"
	"time"
)

// nopClient satisfies Client with no-ops. Embed it in test-specific client
// structs to avoid implementing every method.
type nopClient struct{}

func (nopClient) Start(context.Context) error { return nil }
func (nopClient) Stop(context.Context) error  { return nil }
func (nopClient) Resolve(context.Context, string) (ChannelID, error) {
	return 0, &ErrNotAccessible{}
}
func (nopClient) ChatInfo(_ context.Context, id ChannelID) (ChatInfo, error) {
	return ChatInfo{ID: id, CanForward: true}, nil
}
func (nopClient) Messages(context.Context, ChannelID, []int) ([]Message, error) { return nil, nil }
func (nopClient) NewestID(context.Context, ChannelID) (int, error)              { return 0, nil }
func (nopClient) IterMessages(ChannelID, int, int) MessageIter                  { return &sliceIter{} }
func (nopClient) ForwardMessages(context.Context, ChannelID, ChannelID, []int, bool) ([]SentMessage, error) {
	return nil, nil
}
func (nopClient) CopyMessage(context.Context, ChannelID, ChannelID, int, string, bool) (SentMessage, error) {
	return SentMessage{}, nil
}
func (nopClient) CopyMediaGroup(context.Context, ChannelID, ChannelID, int, string, bool) ([]SentMessage, error) {
	return nil, nil
}
func (nopClient) MediaRefs(context.Context, ChannelID, []int) ([]MediaItem, error) {
	return nil, nil
}
func (nopClient) SendMediaGroup(context.Context, ChannelID, []MediaItem, bool) ([]SentMessage, error) {
	return nil, nil
}
func (nopClient) SendMessage(context.Context, ChannelID, string, string, bool) (SentMessage, error) {
	return SentMessage{}, nil
}
func (nopClient) DownloadMedia(_ context.Context, _ Message, destPath string, _ DownloadProgress) (string, error) {
	return destPath, nil
}
func (nopClient) OnNewMessage([]ChannelID, func(Message)) (func(), error) {
	return func() {}, nil
}

// --- stubClient ---

type forwardCall struct {
	dst    ChannelID
	src    ChannelID
	ids    []int
	silent bool
}

type copyCall struct {
	dst     ChannelID
	src     ChannelID
	id      int
	caption string
	silent  bool
}

type sendGroupCall struct {
	dst    ChannelID
	items  []MediaItem
	silent bool
}

type sendMsgCall struct {
	dst            ChannelID
	text           string
	parseMode      string
	disablePreview bool
}

// stubClient is a configurable in-memory Client. Behaviors not overridden by
// a function field fall back to a recording default: chats resolves names,
// infos answers metadata, history answers range reads, and every outbound
// send succeeds with synthetic message ids.
type stubClient struct {
	mu sync.Mutex

	chats   map[string]ChannelID
	infos   map[ChannelID]ChatInfo
	history map[ChannelID][]Message

	resolveFn   func(string) (ChannelID, error)
	chatInfoFn  func(ChannelID) (ChatInfo, error)
	messagesFn  func(ChannelID, []int) ([]Message, error)
	newestFn    func(ChannelID) (int, error)
	forwardFn   func(forwardCall) ([]SentMessage, error)
	copyFn      func(copyCall) (SentMessage, error)
	copyGroupFn func(copyCall) ([]SentMessage, error)
	sendGroupFn func(sendGroupCall) ([]SentMessage, error)
	sendMsgFn   func(sendMsgCall) (SentMessage, error)
	downloadFn  func(Message, string) (string, error)
	startFn     func() error

	// downloadBody is the payload the default DownloadMedia writes; empty
	// means "media-<id>".
	downloadBody string

	ops        []string
	forwards   []forwardCall
	copies     []copyCall
	copyGroups []copyCall
	sendGroups []sendGroupCall
	sendMsgs   []sendMsgCall

	handler func(Message)
	watched []ChannelID
	unsubs  int
}

var _ Client = (*stubClient)(nil)

func newStubClient() *stubClient {
	return &stubClient{
		chats:   make(map[string]ChannelID),
		infos:   make(map[ChannelID]ChatInfo),
		history: make(map[ChannelID][]Message),
	}
}

func (c *stubClient) record(op string) {
	c.mu.Lock()
	c.ops = append(c.ops, op)
	c.mu.Unlock()
}

func (c *stubClient) calls(op string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for _, o := range c.ops {
		if o == op {
			n++
		}
	}
	return n
}

func (c *stubClient) Start(context.Context) error {
	c.record("start")
	if c.startFn != nil {
		return c.startFn()
	}
	return nil
}

func (c *stubClient) Stop(context.Context) error {
	c.record("stop")
	return nil
}

func (c *stubClient) Resolve(_ context.Context, identifier string) (ChannelID, error) {
	c.record("resolve")
	if c.resolveFn != nil {
		return c.resolveFn(identifier)
	}
	if id, ok := c.chats[identifier]; ok {
		return id, nil
	}
	return 0, &ErrNotAccessible{Chat: identifier}
}

func (c *stubClient) ChatInfo(_ context.Context, id ChannelID) (ChatInfo, error) {
	c.record("chat_info")
	if c.chatInfoFn != nil {
		return c.chatInfoFn(id)
	}
	if info, ok := c.infos[id]; ok {
		return info, nil
	}
	return ChatInfo{ID: id, Label: "chat" + strconv.FormatInt(int64(id), 10), CanForward: true}, nil
}

func (c *stubClient) Messages(_ context.Context, chat ChannelID, ids []int) ([]Message, error) {
	c.record("messages")
	if c.messagesFn != nil {
		return c.messagesFn(chat, ids)
	}
	want := make(map[int]bool, len(ids))
	for _, id := range ids {
		want[id] = true
	}
	var out []Message
	for _, m := range c.history[chat] {
		if want[m.ID] {
			out = append(out, m)
		}
	}
	return out, nil
}

func (c *stubClient) NewestID(_ context.Context, chat ChannelID) (int, error) {
	c.record("newest_id")
	if c.newestFn != nil {
		return c.newestFn(chat)
	}
	newest := 0
	for _, m := range c.history[chat] {
		if m.ID > newest {
			newest = m.ID
		}
	}
	return newest, nil
}

func (c *stubClient) IterMessages(chat ChannelID, startID, endID int) MessageIter {
	c.record("iter_messages")
	var out []Message
	for _, m := range c.history[chat] {
		if m.ID >= startID && m.ID <= endID {
			out = append(out, m)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return &sliceIter{msgs: out}
}

func (c *stubClient) ForwardMessages(_ context.Context, dst, src ChannelID, ids []int, silent bool) ([]SentMessage, error) {
	call := forwardCall{dst: dst, src: src, ids: append([]int(nil), ids...), silent: silent}
	c.mu.Lock()
	c.ops = append(c.ops, "forward_messages")
	c.forwards = append(c.forwards, call)
	c.mu.Unlock()
	if c.forwardFn != nil {
		return c.forwardFn(call)
	}
	sent := make([]SentMessage, len(ids))
	for i, id := range ids {
		sent[i] = SentMessage{ID: 1000 + id, ChatID: dst}
	}
	return sent, nil
}

func (c *stubClient) CopyMessage(_ context.Context, dst, src ChannelID, id int, caption string, silent bool) (SentMessage, error) {
	call := copyCall{dst: dst, src: src, id: id, caption: caption, silent: silent}
	c.mu.Lock()
	c.ops = append(c.ops, "copy_message")
	c.copies = append(c.copies, call)
	c.mu.Unlock()
	if c.copyFn != nil {
		return c.copyFn(call)
	}
	return SentMessage{ID: 2000 + id, ChatID: dst}, nil
}

func (c *stubClient) CopyMediaGroup(_ context.Context, dst, src ChannelID, id int, caption string, silent bool) ([]SentMessage, error) {
	call := copyCall{dst: dst, src: src, id: id, caption: caption, silent: silent}
	c.mu.Lock()
	c.ops = append(c.ops, "copy_media_group")
	c.copyGroups = append(c.copyGroups, call)
	c.mu.Unlock()
	if c.copyGroupFn != nil {
		return c.copyGroupFn(call)
	}
	return []SentMessage{{ID: 3000 + id, ChatID: dst}}, nil
}

func (c *stubClient) MediaRefs(_ context.Context, _ ChannelID, ids []int) ([]MediaItem, error) {
	c.record("media_refs")
	items := make([]MediaItem, len(ids))
	for i, id := range ids {
		items[i] = MediaItem{Ref: "ref-" + strconv.Itoa(id), Kind: MediaPhoto}
	}
	return items, nil
}

func (c *stubClient) SendMediaGroup(_ context.Context, dst ChannelID, items []MediaItem, silent bool) ([]SentMessage, error) {
	call := sendGroupCall{dst: dst, items: append([]MediaItem(nil), items...), silent: silent}
	c.mu.Lock()
	c.ops = append(c.ops, "send_media_group")
	c.sendGroups = append(c.sendGroups, call)
	c.mu.Unlock()
	if c.sendGroupFn != nil {
		return c.sendGroupFn(call)
	}
	sent := make([]SentMessage, len(items))
	for i := range items {
		sent[i] = SentMessage{ID: 4000 + i, ChatID: dst}
	}
	return sent, nil
}

func (c *stubClient) SendMessage(_ context.Context, dst ChannelID, text, parseMode string, disablePreview bool) (SentMessage, error) {
	call := sendMsgCall{dst: dst, text: text, parseMode: parseMode, disablePreview: disablePreview}
	c.mu.Lock()
	c.ops = append(c.ops, "send_message")
	c.sendMsgs = append(c.sendMsgs, call)
	c.mu.Unlock()
	if c.sendMsgFn != nil {
		return c.sendMsgFn(call)
	}
	return SentMessage{ID: 5000, ChatID: dst}, nil
}

func (c *stubClient) DownloadMedia(_ context.Context, msg Message, destPath string, progress DownloadProgress) (string, error) {
	c.record("download_media")
	if c.downloadFn != nil {
		return c.downloadFn(msg, destPath)
	}
	body := c.downloadBody
	if body == "" {
		body = "media-" + strconv.Itoa(msg.ID)
	}
	if err := os.WriteFile(destPath, []byte(body), 0o644); err != nil {
		return "", err
	}
	if progress != nil {
		progress(int64(len(body)), int64(len(body)))
	}
	return destPath, nil
}

func (c *stubClient) OnNewMessage(chats []ChannelID, handler func(Message)) (func(), error) {
	c.mu.Lock()
	c.ops = append(c.ops, "on_new_message")
	c.watched = append([]ChannelID(nil), chats...)
	c.handler = handler
	c.mu.Unlock()
	return func() {
		c.mu.Lock()
		c.unsubs++
		c.handler = nil
		c.mu.Unlock()
	}, nil
}

// deliver pushes a message through the registered subscription handler.
func (c *stubClient) deliver(m Message) {
	c.mu.Lock()
	h := c.handler
	c.mu.Unlock()
	if h != nil {
		h(m)
	}
}

// Locked snapshots for tests that assert while engine goroutines run.

func (c *stubClient) forwardsLen() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.forwards)
}

func (c *stubClient) forwardAt(i int) forwardCall {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.forwards[i]
}

func (c *stubClient) watchedSnapshot() []ChannelID {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]ChannelID(nil), c.watched...)
}

func (c *stubClient) unsubCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.unsubs
}

// sliceIter walks a fixed message slice.
type sliceIter struct {
	msgs []Message
	i    int
	err  error
}

func (it *sliceIter) Next(context.Context) bool {
	if it.err != nil || it.i >= len(it.msgs) {
		return false
	}
	it.i++
	return true
}

func (it *sliceIter) Value() Message { return it.msgs[it.i-1] }
func (it *sliceIter) Err() error     { return it.err }

// --- memHistory ---

// memHistory is an in-memory HistoryStore for tests.
type memHistory struct {
	mu        sync.Mutex
	forwards  map[string]bool
	uploads   map[string]bool
	downloads map[string]string
}

var _ HistoryStore = (*memHistory)(nil)

func newMemHistory() *memHistory {
	return &memHistory{
		forwards:  make(map[string]bool),
		uploads:   make(map[string]bool),
		downloads: make(map[string]string),
	}
}

func fwdKey(source ChannelID, id int, target ChannelID) string {
	return fmt.Sprintf("%d:%d:%d", source, id, target)
}

func (h *memHistory) Init(context.Context) error { return nil }
func (h *memHistory) Close() error               { return nil }

func (h *memHistory) IsForwarded(_ context.Context, source ChannelID, id int, target ChannelID) (bool, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.forwards[fwdKey(source, id, target)], nil
}

func (h *memHistory) MarkForwarded(_ context.Context, source ChannelID, id int, target ChannelID) error {
	h.mu.Lock()
	h.forwards[fwdKey(source, id, target)] = true
	h.mu.Unlock()
	return nil
}

func (h *memHistory) UnforwardedInRange(_ context.Context, source ChannelID, startID, endID int, targets []ChannelID) ([]int, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	var out []int
	for id := startID; id <= endID; id++ {
		for _, t := range targets {
			if !h.forwards[fwdKey(source, id, t)] {
				out = append(out, id)
				break
			}
		}
	}
	return out, nil
}

func (h *memHistory) CountForwardedInRange(_ context.Context, source ChannelID, startID, endID int, target ChannelID) (int, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	n := 0
	for id := startID; id <= endID; id++ {
		if h.forwards[fwdKey(source, id, target)] {
			n++
		}
	}
	return n, nil
}

func (h *memHistory) IsUploaded(_ context.Context, sha string, target ChannelID) (bool, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.uploads[sha+":"+strconv.FormatInt(int64(target), 10)], nil
}

func (h *memHistory) MarkUploaded(_ context.Context, sha string, target ChannelID) error {
	h.mu.Lock()
	h.uploads[sha+":"+strconv.FormatInt(int64(target), 10)] = true
	h.mu.Unlock()
	return nil
}

func (h *memHistory) IsDownloaded(_ context.Context, source ChannelID, id int) (bool, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	_, ok := h.downloads[fmt.Sprintf("%d:%d", source, id)]
	return ok, nil
}

func (h *memHistory) MarkDownloaded(_ context.Context, source ChannelID, id int, path string) error {
	h.mu.Lock()
	h.downloads[fmt.Sprintf("%d:%d", source, id)] = path
	h.mu.Unlock()
	return nil
}

// --- eventLog ---

// eventLog collects emitted events for assertions.
type eventLog struct {
	mu     sync.Mutex
	events []Event
}

func (l *eventLog) hook() Hook {
	return func(e Event) {
		l.mu.Lock()
		l.events = append(l.events, e)
		l.mu.Unlock()
	}
}

func (l *eventLog) count(kind EventKind) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	n := 0
	for _, e := range l.events {
		if e.Kind == kind {
			n++
		}
	}
	return n
}

func (l *eventLog) first(kind EventKind) (Event, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, e := range l.events {
		if e.Kind == kind {
			return e, true
		}
	}
	return Event{}, false
}

// --- message builders ---

func textMsg(chat ChannelID, id int, text string) Message {
	return Message{ID: id, ChatID: chat, Text: text, Media: MediaText}
}

func mediaMsg(chat ChannelID, id int, kind MediaKind, groupID, caption string) Message {
	return Message{ID: id, ChatID: chat, Media: kind, GroupID: groupID, Caption: caption}
}

// waitFor polls cond until it holds or the deadline passes.
func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met within deadline")
}
