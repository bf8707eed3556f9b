package gateway

import (
	"context"
	"encoding/base64"
	"fmt"
	"io"
	"log/slog"
	"mime"
	"net/http"

	"github.com/onnwee/chat-bridge/telemetry"
)

const maxEmojiBytes = 1 << 20

// image returns the data URI of shortcode, fetching it on the first request.
// Images live as long as the entry.
func (h *Hub) image(ctx context.Context, e *entry, shortcode string) (string, bool) {
	e.mu.Lock()
	if uri, ok := e.images[shortcode]; ok {
		e.mu.Unlock()
		telemetry.EmojiLookup("hit")
		return uri, true
	}
	if e.closed || !e.ready {
		e.mu.Unlock()
		return "", false
	}
	src, ok := e.emojis.Lookup(shortcode)
	e.mu.Unlock()
	if !ok {
		telemetry.EmojiLookup("unknown")
		return "", false
	}

	v, err, _ := e.fetches.Do(shortcode, func() (any, error) {
		return fetchDataURI(ctx, h.hc, src)
	})
	if err != nil {
		telemetry.EmojiLookup("error")
		h.log.Warn("emoji fetch failed", slog.String("room", e.key), slog.String("shortcode", shortcode), slog.Any("err", err))
		return "", false
	}
	uri := v.(string)
	e.mu.Lock()
	if !e.closed {
		e.images[shortcode] = uri
	}
	e.mu.Unlock()
	telemetry.EmojiLookup("miss")
	return uri, true
}

func fetchDataURI(ctx context.Context, hc *http.Client, src string) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, src, nil)
	if err != nil {
		return "", err
	}
	resp, err := hc.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("fetch %s: status %d", src, resp.StatusCode)
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, maxEmojiBytes+1))
	if err != nil {
		return "", fmt.Errorf("read %s: %w", src, err)
	}
	if len(body) > maxEmojiBytes {
		return "", fmt.Errorf("fetch %s: image larger than %d bytes", src, maxEmojiBytes)
	}
	ct, _, err := mime.ParseMediaType(resp.Header.Get("Content-Type"))
	if err != nil || ct == "" {
		ct, _, _ = mime.ParseMediaType(http.DetectContentType(body))
	}
	return "data:" + ct + ";base64," + base64.StdEncoding.EncodeToString(body), nil
}
