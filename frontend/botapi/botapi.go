// Package botapi implements the live subset of tgrelay.Client over the
// Telegram Bot API with plain HTTP, no SDK dependency.
//
// The Bot API cannot read channel history, so Messages, NewestID,
// IterMessages, MediaRefs and CopyMediaGroup return ErrUnsupported: the
// batch forwarder needs a user-session client. The live monitor works in
// full, with the reupload pipeline handling filtered albums.
package botapi

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"sync"

	"github.com/lbj9527/tgrelay"
)

const apiBaseURL = "https://api.telegram.org/bot"

// ErrUnsupported marks Client operations the Bot API cannot perform.
var ErrUnsupported = errors.New("botapi: operation requires a user-session client")

// Client implements the live subset of tgrelay.Client.
type Client struct {
	token      string
	httpClient *http.Client

	mu sync.Mutex
	// fileIDs caches the file handle of every media message seen through
	// the update stream, keyed by (chat, message id). DownloadMedia can
	// only fetch what the poll loop has seen.
	fileIDs map[fileKey]string
	polling bool
}

type fileKey struct {
	chat tgrelay.ChannelID
	id   int
}

var _ tgrelay.Client = (*Client)(nil)

// New creates a Client with the given bot token.
func New(token string) *Client {
	return &Client{
		token:      token,
		httpClient: &http.Client{},
		fileIDs:    make(map[fileKey]string),
	}
}

// Start verifies the token with getMe.
func (c *Client) Start(ctx context.Context) error {
	return c.callAPI(ctx, "getMe", map[string]any{}, nil)
}

// Stop is a no-op; the unsubscribe function returned by OnNewMessage owns
// the poll loop.
func (c *Client) Stop(context.Context) error { return nil }

// Resolve translates an identifier via getChat. The Bot API accepts
// @usernames and numeric ids; invite tokens need a user session.
func (c *Client) Resolve(ctx context.Context, identifier string) (tgrelay.ChannelID, error) {
	if strings.HasPrefix(identifier, "+") {
		return 0, fmt.Errorf("resolve %s: %w", identifier, ErrUnsupported)
	}
	chat, err := c.getChat(ctx, "@"+identifier)
	if err != nil {
		return 0, err
	}
	return tgrelay.ChannelID(chat.ID), nil
}

// ChatInfo returns the label and forward permission of a chat.
func (c *Client) ChatInfo(ctx context.Context, id tgrelay.ChannelID) (tgrelay.ChatInfo, error) {
	chat, err := c.getChat(ctx, strconv.FormatInt(int64(id), 10))
	if err != nil {
		return tgrelay.ChatInfo{}, err
	}
	label := chat.Title
	if label == "" {
		label = chat.Username
	}
	return tgrelay.ChatInfo{
		ID:         tgrelay.ChannelID(chat.ID),
		Label:      label,
		CanForward: !chat.HasProtectedContent,
	}, nil
}

func (c *Client) getChat(ctx context.Context, chatID string) (TGChat, error) {
	var chat TGChat
	err := c.callAPI(ctx, "getChat", map[string]any{"chat_id": chatID}, &chat)
	return chat, err
}

func (c *Client) Messages(context.Context, tgrelay.ChannelID, []int) ([]tgrelay.Message, error) {
	return nil, ErrUnsupported
}

func (c *Client) NewestID(context.Context, tgrelay.ChannelID) (int, error) {
	return 0, ErrUnsupported
}

func (c *Client) IterMessages(tgrelay.ChannelID, int, int) tgrelay.MessageIter {
	return &errIter{err: ErrUnsupported}
}

type errIter struct{ err error }

func (it *errIter) Next(context.Context) bool { return false }
func (it *errIter) Value() tgrelay.Message    { return tgrelay.Message{} }
func (it *errIter) Err() error                { return it.err }

// ForwardMessages performs a native forward via forwardMessages.
func (c *Client) ForwardMessages(ctx context.Context, dst, src tgrelay.ChannelID, ids []int, silent bool) ([]tgrelay.SentMessage, error) {
	var result []struct {
		MessageID int64 `json:"message_id"`
	}
	err := c.callAPI(ctx, "forwardMessages", map[string]any{
		"chat_id":              int64(dst),
		"from_chat_id":         int64(src),
		"message_ids":          ids,
		"disable_notification": silent,
	}, &result)
	if err != nil {
		return nil, err
	}
	sent := make([]tgrelay.SentMessage, len(result))
	for i, r := range result {
		sent[i] = tgrelay.SentMessage{ID: int(r.MessageID), ChatID: dst}
	}
	return sent, nil
}

// CopyMessage re-emits one message without attribution via copyMessage.
func (c *Client) CopyMessage(ctx context.Context, dst, src tgrelay.ChannelID, id int, caption string, silent bool) (tgrelay.SentMessage, error) {
	body := map[string]any{
		"chat_id":              int64(dst),
		"from_chat_id":         int64(src),
		"message_id":           id,
		"disable_notification": silent,
	}
	if caption != "" {
		body["caption"] = caption
	}
	var result struct {
		MessageID int64 `json:"message_id"`
	}
	if err := c.callAPI(ctx, "copyMessage", body, &result); err != nil {
		return tgrelay.SentMessage{}, err
	}
	return tgrelay.SentMessage{ID: int(result.MessageID), ChatID: dst}, nil
}

// CopyMediaGroup needs group-aware copying the Bot API does not offer.
func (c *Client) CopyMediaGroup(context.Context, tgrelay.ChannelID, tgrelay.ChannelID, int, string, bool) ([]tgrelay.SentMessage, error) {
	return nil, ErrUnsupported
}

func (c *Client) MediaRefs(context.Context, tgrelay.ChannelID, []int) ([]tgrelay.MediaItem, error) {
	return nil, ErrUnsupported
}

// SendMessage sends a text message.
func (c *Client) SendMessage(ctx context.Context, dst tgrelay.ChannelID, text, parseMode string, disablePreview bool) (tgrelay.SentMessage, error) {
	body := map[string]any{
		"chat_id": int64(dst),
		"text":    text,
	}
	if parseMode != "" {
		body["parse_mode"] = parseMode
	}
	if disablePreview {
		body["link_preview_options"] = map[string]any{"is_disabled": true}
	}
	var result struct {
		MessageID int64 `json:"message_id"`
	}
	if err := c.callAPI(ctx, "sendMessage", body, &result); err != nil {
		return tgrelay.SentMessage{}, err
	}
	return tgrelay.SentMessage{ID: int(result.MessageID), ChatID: dst}, nil
}

// callAPI posts JSON to a Bot API method, decodes the result envelope and
// maps API failures onto the engine's error types.
func (c *Client) callAPI(ctx context.Context, method string, reqBody any, result any) error {
	url := apiBaseURL + c.token + "/" + method

	jsonBody, err := json.Marshal(reqBody)
	if err != nil {
		return fmt.Errorf("botapi: marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(jsonBody))
	if err != nil {
		return fmt.Errorf("botapi: create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return &tgrelay.ErrNetwork{Err: err}
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return &tgrelay.ErrNetwork{Err: err}
	}

	var envelope struct {
		OK          bool            `json:"ok"`
		Description string          `json:"description,omitempty"`
		ErrorCode   int             `json:"error_code,omitempty"`
		Result      json.RawMessage `json:"result,omitempty"`
		Parameters  *struct {
			RetryAfter int `json:"retry_after,omitempty"`
		} `json:"parameters,omitempty"`
	}
	if err := json.Unmarshal(respBody, &envelope); err != nil {
		return fmt.Errorf("botapi: decode response: %w (body: %s)", err, string(respBody))
	}

	if !envelope.OK {
		return mapAPIError(envelope.ErrorCode, envelope.Description, retryAfter(envelope.Parameters))
	}

	if result != nil && len(envelope.Result) > 0 {
		if err := json.Unmarshal(envelope.Result, result); err != nil {
			return fmt.Errorf("botapi: decode result: %w", err)
		}
	}
	return nil
}

func retryAfter(p *struct {
	RetryAfter int `json:"retry_after,omitempty"`
}) int {
	if p == nil {
		return 0
	}
	return p.RetryAfter
}

// mapAPIError translates a Bot API failure into the engine's typed errors
// so flood waits, restrictions and auth failures route correctly.
func mapAPIError(code int, description string, retryAfter int) error {
	desc := strings.ToLower(description)
	switch {
	case code == 429 || retryAfter > 0:
		return &tgrelay.ErrFloodWait{Seconds: retryAfter}
	case code == 401:
		return &tgrelay.ErrAuth{Reason: description}
	case strings.Contains(desc, "can't be forwarded") || strings.Contains(desc, "forwards_restricted"):
		return &tgrelay.ErrForwardsRestricted{}
	case strings.Contains(desc, "chat not found") || code == 403:
		return &tgrelay.ErrNotAccessible{}
	default:
		return &tgrelay.ErrAPI{Code: code, Message: description}
	}
}

func (c *Client) rememberFile(chat tgrelay.ChannelID, id int, fileID string) {
	if fileID == "" {
		return
	}
	c.mu.Lock()
	// Crude cap so a long-running monitor cannot grow without bound.
	if len(c.fileIDs) > 20_000 {
		c.fileIDs = make(map[fileKey]string)
	}
	c.fileIDs[fileKey{chat: chat, id: id}] = fileID
	c.mu.Unlock()
}

func (c *Client) fileFor(chat tgrelay.ChannelID, id int) (string, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	fid, ok := c.fileIDs[fileKey{chat: chat, id: id}]
	return fid, ok
}
