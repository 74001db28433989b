package botapi

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"os"
	"path/filepath"
	"strconv"

	"github.com/lbj9527/tgrelay"
)

// DownloadMedia fetches the media of msg to destPath. It only works for
// messages the poll loop has seen, since the Bot API addresses files by
// file_id rather than message id.
func (c *Client) DownloadMedia(ctx context.Context, msg tgrelay.Message, destPath string, progress tgrelay.DownloadProgress) (string, error) {
	fileID, ok := c.fileFor(msg.ChatID, msg.ID)
	if !ok {
		return "", fmt.Errorf("download %d: file handle unknown: %w", msg.ID, ErrUnsupported)
	}

	var file TGFile
	if err := c.callAPI(ctx, "getFile", map[string]any{"file_id": fileID}, &file); err != nil {
		return "", err
	}
	if file.FilePath == "" {
		return "", fmt.Errorf("botapi: empty file_path for file_id %s", fileID)
	}

	url := fmt.Sprintf("https://api.telegram.org/file/bot%s/%s", c.token, file.FilePath)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return "", fmt.Errorf("botapi: create download request: %w", err)
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", &tgrelay.ErrNetwork{Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return "", fmt.Errorf("botapi: download HTTP %d: %s", resp.StatusCode, string(body))
	}

	if ext := filepath.Ext(file.FilePath); ext != "" && filepath.Ext(destPath) == "" {
		destPath += ext
	}
	out, err := os.Create(destPath)
	if err != nil {
		return "", fmt.Errorf("botapi: create %s: %w", destPath, err)
	}
	defer out.Close()

	total := file.FileSize
	var got int64
	buf := make([]byte, 64*1024)
	for {
		n, rerr := resp.Body.Read(buf)
		if n > 0 {
			if _, werr := out.Write(buf[:n]); werr != nil {
				return "", fmt.Errorf("botapi: write %s: %w", destPath, werr)
			}
			got += int64(n)
			if progress != nil {
				progress(got, total)
			}
		}
		if rerr == io.EOF {
			break
		}
		if rerr != nil {
			return "", &tgrelay.ErrNetwork{Err: rerr}
		}
	}
	return destPath, nil
}

// SendMediaGroup uploads up to 10 items as one album via multipart
// sendMediaGroup. Items with a local Path are attached; items with a Ref
// pass the server-side handle through.
func (c *Client) SendMediaGroup(ctx context.Context, dst tgrelay.ChannelID, items []tgrelay.MediaItem, silent bool) ([]tgrelay.SentMessage, error) {
	if len(items) == 0 {
		return nil, nil
	}

	var body bytes.Buffer
	w := multipart.NewWriter(&body)

	media := make([]map[string]any, 0, len(items))
	var attached []string
	for i, item := range items {
		entry := map[string]any{"type": inputMediaType(item.Kind)}
		if item.Path != "" {
			name := fmt.Sprintf("file%d", i)
			entry["media"] = "attach://" + name
			attached = append(attached, name)
		} else {
			entry["media"] = item.Ref
		}
		if item.Caption != "" {
			entry["caption"] = item.Caption
		}
		media = append(media, entry)
	}
	mediaJSON, err := json.Marshal(media)
	if err != nil {
		return nil, fmt.Errorf("botapi: marshal media: %w", err)
	}

	_ = w.WriteField("chat_id", strconv.FormatInt(int64(dst), 10))
	_ = w.WriteField("media", string(mediaJSON))
	_ = w.WriteField("disable_notification", strconv.FormatBool(silent))

	ai := 0
	for _, item := range items {
		if item.Path == "" {
			continue
		}
		part, err := w.CreateFormFile(attached[ai], filepath.Base(item.Path))
		ai++
		if err != nil {
			return nil, fmt.Errorf("botapi: multipart: %w", err)
		}
		f, err := os.Open(item.Path)
		if err != nil {
			return nil, fmt.Errorf("botapi: open %s: %w", item.Path, err)
		}
		_, err = io.Copy(part, f)
		f.Close()
		if err != nil {
			return nil, fmt.Errorf("botapi: attach %s: %w", item.Path, err)
		}
	}
	if err := w.Close(); err != nil {
		return nil, fmt.Errorf("botapi: multipart: %w", err)
	}

	url := apiBaseURL + c.token + "/sendMediaGroup"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, &body)
	if err != nil {
		return nil, fmt.Errorf("botapi: create request: %w", err)
	}
	req.Header.Set("Content-Type", w.FormDataContentType())

	resp, err := c.httpClient.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, &tgrelay.ErrNetwork{Err: err}
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, &tgrelay.ErrNetwork{Err: err}
	}

	var envelope struct {
		OK          bool   `json:"ok"`
		Description string `json:"description,omitempty"`
		ErrorCode   int    `json:"error_code,omitempty"`
		Result      []struct {
			MessageID int64 `json:"message_id"`
		} `json:"result,omitempty"`
		Parameters *struct {
			RetryAfter int `json:"retry_after,omitempty"`
		} `json:"parameters,omitempty"`
	}
	if err := json.Unmarshal(respBody, &envelope); err != nil {
		return nil, fmt.Errorf("botapi: decode response: %w", err)
	}
	if !envelope.OK {
		return nil, mapAPIError(envelope.ErrorCode, envelope.Description, retryAfter(envelope.Parameters))
	}

	sent := make([]tgrelay.SentMessage, len(envelope.Result))
	for i, r := range envelope.Result {
		sent[i] = tgrelay.SentMessage{ID: int(r.MessageID), ChatID: dst}
	}
	return sent, nil
}

// inputMediaType maps the engine's media kinds onto the four InputMedia
// types sendMediaGroup accepts.
func inputMediaType(kind tgrelay.MediaKind) string {
	switch kind {
	case tgrelay.MediaPhoto:
		return "photo"
	case tgrelay.MediaVideo:
		return "video"
	case tgrelay.MediaAudio, tgrelay.MediaVoice:
		return "audio"
	default:
		return "document"
	}
}
