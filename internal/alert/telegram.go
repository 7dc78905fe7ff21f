package alert

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"
)

// telegramMessageLimit is the Bot API cap on one sendMessage text.
const telegramMessageLimit = 4096

type TelegramOptions struct {
	Enabled  bool
	BotToken string
	ChatID   string
	BaseURL  string
	Timeout  time.Duration
}

// TelegramNotifier delivers alerts via the Bot API sendMessage endpoint.
// A disabled notifier swallows messages so call sites need no branching.
type TelegramNotifier struct {
	opts   TelegramOptions
	client *http.Client
	log    *zap.Logger
}

func NewTelegramNotifier(opts TelegramOptions, log *zap.Logger) *TelegramNotifier {
	if opts.Timeout <= 0 {
		opts.Timeout = 10 * time.Second
	}
	opts.BaseURL = strings.TrimRight(opts.BaseURL, "/")
	if log == nil {
		log = zap.NewNop()
	}
	return &TelegramNotifier{
		opts:   opts,
		client: &http.Client{Timeout: opts.Timeout},
		log:    log,
	}
}

// Notify sends msg, split on the API's message length cap. A rate-limit
// response is honored once per chunk before the error surfaces.
func (t *TelegramNotifier) Notify(ctx context.Context, msg string) error {
	if t == nil || !t.opts.Enabled {
		return nil
	}
	for _, chunk := range splitMessage(msg, telegramMessageLimit) {
		if err := t.sendChunk(ctx, chunk); err != nil {
			return err
		}
	}
	return nil
}

func (t *TelegramNotifier) sendChunk(ctx context.Context, chunk string) error {
	retryAfter, err := t.send(ctx, chunk)
	if err == nil || retryAfter <= 0 {
		return err
	}
	t.log.Warn("telegram rate limited",
		zap.Duration("retry_after", retryAfter))
	select {
	case <-time.After(retryAfter):
	case <-ctx.Done():
		return ctx.Err()
	}
	_, err = t.send(ctx, chunk)
	return err
}

// send posts one message. A positive retryAfter marks a rate-limit response
// worth one retry; every other failure is final for this attempt.
func (t *TelegramNotifier) send(ctx context.Context, text string) (time.Duration, error) {
	payload, err := json.Marshal(telegramSendMessageRequest{
		ChatID: t.opts.ChatID,
		Text:   text,
	})
	if err != nil {
		return 0, err
	}
	endpoint := t.opts.BaseURL + "/bot" + t.opts.BotToken + "/sendMessage"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(payload))
	if err != nil {
		return 0, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := t.client.Do(req)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	var parsed telegramSendMessageResponse
	_ = json.Unmarshal(body, &parsed)

	if resp.StatusCode == http.StatusTooManyRequests {
		retry := time.Duration(parsed.Parameters.RetryAfter) * time.Second
		if retry <= 0 {
			retry = time.Second
		}
		return retry, fmt.Errorf("telegram status=%d body=%s", resp.StatusCode, strings.TrimSpace(string(body)))
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return 0, fmt.Errorf("telegram status=%d body=%s", resp.StatusCode, strings.TrimSpace(string(body)))
	}
	if len(body) > 0 && !parsed.OK && parsed.Description != "" {
		return 0, fmt.Errorf("telegram api error: %s", strings.TrimSpace(parsed.Description))
	}
	return 0, nil
}

// splitMessage cuts msg into chunks of at most limit bytes, preferring to
// break at a newline so field lines stay intact.
func splitMessage(msg string, limit int) []string {
	if len(msg) <= limit {
		return []string{msg}
	}
	var chunks []string
	for len(msg) > limit {
		cut := strings.LastIndexByte(msg[:limit], '\n')
		if cut <= 0 {
			cut = limit
		}
		chunks = append(chunks, strings.TrimRight(msg[:cut], "\n"))
		msg = strings.TrimLeft(msg[cut:], "\n")
	}
	if msg != "" {
		chunks = append(chunks, msg)
	}
	return chunks
}

type telegramSendMessageRequest struct {
	ChatID string `json:"chat_id"`
	Text   string `json:"text"`
}

type telegramSendMessageResponse struct {
	OK          bool   `json:"ok"`
	Description string `json:"description"`
	Parameters  struct {
		RetryAfter int64 `json:"retry_after"`
	} `json:"parameters"`
}
