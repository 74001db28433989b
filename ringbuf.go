package tgrelay

// processedKey identifies a handled message for monitor dedup.
type processedKey struct {
	chat ChannelID
	id   int
}

// processedBuffer is a fixed-capacity ring of (chat, message id) pairs with
// O(1) membership. When full, the oldest entry is evicted. It is used only
// from the monitor's own goroutine, so it carries no locks.
type processedBuffer struct {
	ring []processedKey
	set  map[processedKey]struct{}
	next int
	full bool
}

const defaultProcessedCap = 50_000

func newProcessedBuffer(capacity int) *processedBuffer {
	if capacity <= 0 {
		capacity = defaultProcessedCap
	}
	return &processedBuffer{
		ring: make([]processedKey, capacity),
		set:  make(map[processedKey]struct{}, capacity),
	}
}

// Contains reports whether the pair has been recorded and not yet evicted.
func (b *processedBuffer) Contains(chat ChannelID, id int) bool {
	_, ok := b.set[processedKey{chat: chat, id: id}]
	return ok
}

// Add records the pair, evicting the oldest entry when the ring is full.
func (b *processedBuffer) Add(chat ChannelID, id int) {
	key := processedKey{chat: chat, id: id}
	if _, ok := b.set[key]; ok {
		return
	}
	if b.full {
		delete(b.set, b.ring[b.next])
	}
	b.ring[b.next] = key
	b.set[key] = struct{}{}
	b.next++
	if b.next == len(b.ring) {
		b.next = 0
		b.full = true
	}
}

// Len returns the number of live entries.
func (b *processedBuffer) Len() int {
	return len(b.set)
}
