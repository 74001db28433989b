package botapi

import (
	"context"
	"errors"
	"time"

	"github.com/lbj9527/tgrelay"
)

// OnNewMessage starts a getUpdates long-poll filtered to the given chats.
// Only one subscription can be active; the Bot API allows a single
// getUpdates consumer per token.
func (c *Client) OnNewMessage(chats []tgrelay.ChannelID, handler func(tgrelay.Message)) (func(), error) {
	c.mu.Lock()
	if c.polling {
		c.mu.Unlock()
		return nil, errors.New("botapi: already polling")
	}
	c.polling = true
	c.mu.Unlock()

	watched := make(map[tgrelay.ChannelID]bool, len(chats))
	for _, id := range chats {
		watched[id] = true
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go c.pollLoop(ctx, done, watched, handler)

	unsub := func() {
		cancel()
		<-done
		c.mu.Lock()
		c.polling = false
		c.mu.Unlock()
	}
	return unsub, nil
}

func (c *Client) pollLoop(ctx context.Context, done chan<- struct{}, watched map[tgrelay.ChannelID]bool, handler func(tgrelay.Message)) {
	defer close(done)
	var offset int64

	for {
		if ctx.Err() != nil {
			return
		}
		updates, err := c.getUpdates(ctx, offset)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			// Transient failures back off briefly; the next getUpdates
			// resumes from the same offset.
			select {
			case <-ctx.Done():
				return
			case <-time.After(time.Second):
			}
			continue
		}

		for _, u := range updates {
			if u.UpdateID >= offset {
				offset = u.UpdateID + 1
			}
			tgMsg := u.ChannelPost
			if tgMsg == nil {
				tgMsg = u.Message
			}
			if tgMsg == nil {
				continue
			}
			msg := mapMessage(tgMsg)
			if !watched[msg.ChatID] {
				continue
			}
			c.rememberFile(msg.ChatID, msg.ID, primaryFileID(tgMsg))
			handler(msg)
		}
	}
}

func (c *Client) getUpdates(ctx context.Context, offset int64) ([]Update, error) {
	body := map[string]any{
		"offset":          offset,
		"timeout":         30,
		"allowed_updates": []string{"message", "channel_post"},
	}
	var result []Update
	if err := c.callAPI(ctx, "getUpdates", body, &result); err != nil {
		return nil, err
	}
	return result, nil
}

// mapMessage converts a wire message to the engine's shape.
func mapMessage(m *TGMessage) tgrelay.Message {
	msg := tgrelay.Message{
		ID:        int(m.MessageID),
		ChatID:    tgrelay.ChannelID(m.Chat.ID),
		Text:      m.Text,
		Caption:   m.Caption,
		Media:     mediaKind(m),
		GroupID:   m.MediaGroupID,
		IsForward: m.ForwardOrigin != nil,
		Time:      time.Unix(m.Date, 0),
	}
	if m.ReplyTo != nil {
		msg.ReplyTo = int(m.ReplyTo.MessageID)
	}
	ents := m.Entities
	if len(ents) == 0 {
		ents = m.CaptionEnt
	}
	for _, e := range ents {
		msg.Entities = append(msg.Entities, tgrelay.Entity{
			Kind:   tgrelay.EntityKind(e.Type),
			Offset: e.Offset,
			Length: e.Length,
			URL:    e.URL,
		})
	}
	return msg
}

func mediaKind(m *TGMessage) tgrelay.MediaKind {
	switch {
	case len(m.Photo) > 0:
		return tgrelay.MediaPhoto
	case m.Video != nil:
		return tgrelay.MediaVideo
	case m.Animation != nil:
		return tgrelay.MediaAnimation
	case m.Audio != nil:
		return tgrelay.MediaAudio
	case m.Voice != nil:
		return tgrelay.MediaVoice
	case m.VideoNote != nil:
		return tgrelay.MediaVideoNote
	case m.Sticker != nil:
		return tgrelay.MediaSticker
	case m.Document != nil:
		return tgrelay.MediaDocument
	default:
		return tgrelay.MediaText
	}
}

// primaryFileID picks the downloadable handle of a message, preferring the
// largest photo size.
func primaryFileID(m *TGMessage) string {
	if len(m.Photo) > 0 {
		return m.Photo[len(m.Photo)-1].FileID
	}
	for _, ref := range []*TGFileRef{m.Video, m.Animation, m.Audio, m.Voice, m.VideoNote, m.Sticker, m.Document} {
		if ref != nil {
			return ref.FileID
		}
	}
	return ""
}
