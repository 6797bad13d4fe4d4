// Package telegram implements the Telegram half of C11 as an HTTP Bot API
// client, grounded on the teacher's botapionotifier.BotSender: a shared
// rate.Limiter, a bounded HTTP client, and retryable-vs-permanent Bot API
// error classification. This bridge only ever posts via the Bot API — it
// never opens an MTProto session, since CCCC's bridges are simple
// notification relays, not a userbot client.
package telegram

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/zixuniaowu/cccc/internal/bridges/common"
	"github.com/zixuniaowu/cccc/internal/commandqueue"
	"github.com/zixuniaowu/cccc/internal/events"
	"github.com/zixuniaowu/cccc/internal/infra/logger"
	"github.com/zixuniaowu/cccc/internal/infra/settings"
	"github.com/zixuniaowu/cccc/internal/infra/throttle"
	"github.com/zixuniaowu/cccc/internal/ledger"
	"github.com/zixuniaowu/cccc/internal/outbox"
)

const httpClientTimeout = 30 * time.Second

// Bridge posts outbox events to Telegram chats and forwards inbound
// messages into the command queue as a/b/both commands.
type Bridge struct {
	home      string
	token     string
	client    *http.Client
	throttler *throttle.Throttler

	consumer *outbox.Consumer
	subs     *common.Subscriptions
	led      *ledger.Ledger
	cfg      settings.BridgeConfig
}

// New builds a Telegram Bridge. token is read from EnvConfig.TelegramBotToken.
func New(home, token string, cfg settings.BridgeConfig, led *ledger.Ledger) *Bridge {
	rps := cfg.RateLimitPerSec
	if rps <= 0 {
		rps = 1
	}
	return &Bridge{
		home:      home,
		token:     token,
		client:    &http.Client{Timeout: httpClientTimeout},
		throttler: throttle.New(rps, throttle.WithMaxRetries(3), throttle.WithWaitExtractors(common.ExtractRetryAfter)),
		consumer:  outbox.NewConsumer(home+"/state/outbox.jsonl", outbox.DefaultCursorPath(home, "telegram"), time.Duration(cfg.PollSeconds*float64(time.Second))),
		subs:      common.LoadSubscriptions(home, "telegram"),
		led:       led,
		cfg:       cfg,
	}
}

// Name implements common.Poster.
func (b *Bridge) Name() string { return "telegram" }

// Tick polls the outbox once and fans out any new to_user/to_peer_summary
// events to every subscribed channel (spec §4.11 "outbound").
func (b *Bridge) Tick() {
	if !b.cfg.Enabled {
		return
	}
	b.consumer.Poll(func(ev events.OutboxEvent) bool {
		text := b.render(ev)
		if text == "" {
			return true
		}
		ok := true
		for _, ch := range b.subs.Union(b.cfg.Channels) {
			if err := b.Post(ch, text); err != nil {
				logger.Warnf("telegram: post to %s failed: %v", ch, err)
				ok = false
			}
		}
		b.led.Append(events.New(events.KindBridgeOutbound, events.SourceBridge, map[string]any{
			"bridge": "telegram", "type": ev.Type,
		}))
		return ok
	})
}

func (b *Bridge) render(ev events.OutboxEvent) string {
	var text string
	switch ev.Type {
	case events.OutboxToUser:
		text = fmt.Sprintf("[%s] %s", ev.Peer, ev.Text)
	case events.OutboxToPeerSummary:
		if !common.ShowPeersEnabled(b.home, "telegram") {
			return ""
		}
		text = fmt.Sprintf("[%s→peer] %s", ev.From, ev.Text)
	default:
		return ""
	}
	return common.Redact(text, b.cfg.RedactRegexes, b.cfg.MaxMessageLength)
}

// HandleInbound first tries the slash-command table (subscribe/status/
// queue/whoami/showpeers/rfd/files/file — spec-supplemented, grounded on
// telegram_bridge.py's is_cmd dispatch), then falls back to parsing a
// routing prefix (a:/b:/both:, or an @-mention) and enqueuing a handoff to
// the indicated peer(s) (spec §4.11 "inbound"). Messages without a
// recognized prefix are dropped with a hint when the bridge requires one.
func (b *Bridge) HandleInbound(chatID, text string) {
	ctx := &common.CommandContext{
		Home: b.home, Bridge: "telegram", Channel: chatID,
		Subs: b.subs, Ledger: b.led, OpenSubscribe: b.cfg.OpenSubscribe,
	}
	if reply, handled := common.Dispatch(ctx, text); handled {
		if reply != "" {
			if err := b.Post(chatID, reply); err != nil {
				logger.Warnf("telegram: command reply to %s failed: %v", chatID, err)
			}
		}
		return
	}

	b.subs.Add(chatID)
	route, body, hasPrefix := common.ParseRoute(text, "@cccc_bot")
	if body == "" {
		return
	}
	if b.cfg.RequirePrefix && !hasPrefix {
		if err := b.Post(chatID, "send a:, b:, or both: before your message"); err != nil {
			logger.Warnf("telegram: inbound hint to %s failed: %v", chatID, err)
		}
		return
	}
	b.led.Append(events.New(events.KindBridgeInbound, events.SourceBridge, map[string]any{
		"bridge": "telegram", "chat": chatID, "route": route,
	}))
	_ = commandqueue.Enqueue(b.home, commandqueue.Command{
		ID: fmt.Sprintf("tg-%d", time.Now().UnixNano()), Type: route, Text: body, Source: "telegram",
	})
}

// maxInboundFileBytes bounds a downloaded attachment, mirroring
// telegram_bridge.py's max_bytes guard in _save_file_from_telegram.
const maxInboundFileBytes = 20 << 20

// HandleInboundFile downloads a Telegram file attachment via the Bot API's
// getFile + file-download endpoints, saves it under
// work/upload/inbound/, and relays it to the peer(s) chosen by caption's
// routing prefix (default both), grounded on telegram_bridge.py's
// _save_file_from_telegram plus its inbound-document/photo handling.
func (b *Bridge) HandleInboundFile(chatID, fileID, name, mime, caption string) {
	data, err := b.downloadFile(context.Background(), fileID)
	if err != nil {
		if perr := b.Post(chatID, "Failed to receive file: "+err.Error()); perr != nil {
			logger.Warnf("telegram: file-failure reply to %s failed: %v", chatID, perr)
		}
		return
	}

	mid := fmt.Sprintf("tgf-%d", time.Now().UnixNano())
	meta, err := common.SaveInboundFile(b.home, "telegram", chatID, mid, name, mime, data, time.Now())
	if err != nil {
		logger.Warnf("telegram: save inbound file from %s: %v", chatID, err)
		return
	}

	route, _, _ := common.ParseRoute(caption, "@cccc_bot")
	lines := []string{"<FROM_USER>", "[MID: " + mid + "]"}
	if caption != "" {
		lines = append(lines, "Caption: "+common.Redact(caption, b.cfg.RedactRegexes, 0))
	}
	lines = append(lines,
		fmt.Sprintf("File: %s", meta.Path),
		fmt.Sprintf("SHA256: %s  Size: %d  MIME: %s", meta.SHA256, meta.Bytes, meta.Mime),
		"</FROM_USER>",
	)

	b.led.Append(events.New(events.KindBridgeInbound, events.SourceBridge, map[string]any{
		"bridge": "telegram", "chat": chatID, "route": route, "file": true, "path": meta.Path,
	}))
	_ = commandqueue.Enqueue(b.home, commandqueue.Command{
		ID: mid, Type: route, Text: strings.Join(lines, "\n"), Source: "telegram",
	})
}

func (b *Bridge) downloadFile(ctx context.Context, fileID string) ([]byte, error) {
	getFileURL := fmt.Sprintf("https://api.telegram.org/bot%s/getFile?file_id=%s", b.token, url.QueryEscape(fileID))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, getFileURL, nil)
	if err != nil {
		return nil, fmt.Errorf("build getFile request: %w", err)
	}
	resp, err := b.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("getFile: %w", err)
	}
	defer resp.Body.Close()

	var payload struct {
		OK     bool `json:"ok"`
		Result struct {
			FilePath string `json:"file_path"`
		} `json:"result"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return nil, fmt.Errorf("decode getFile response: %w", err)
	}
	if !payload.OK || payload.Result.FilePath == "" {
		return nil, fmt.Errorf("getFile returned no file_path")
	}

	downloadURL := fmt.Sprintf("https://api.telegram.org/file/bot%s/%s", b.token, payload.Result.FilePath)
	dreq, err := http.NewRequestWithContext(ctx, http.MethodGet, downloadURL, nil)
	if err != nil {
		return nil, fmt.Errorf("build download request: %w", err)
	}
	dresp, err := b.client.Do(dreq)
	if err != nil {
		return nil, fmt.Errorf("download file: %w", err)
	}
	defer dresp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(dresp.Body, maxInboundFileBytes+1))
	if err != nil {
		return nil, fmt.Errorf("read file body: %w", err)
	}
	if len(data) > maxInboundFileBytes {
		return nil, fmt.Errorf("file too large: exceeds %d bytes", maxInboundFileBytes)
	}
	return data, nil
}

// Post sends text to chatID via the Bot API sendMessage endpoint. Rate
// limiting, retries, and the retry_after backoff (spec §7 category 8,
// "platform quota errors") are all handled by the shared throttler.
func (b *Bridge) Post(chatID, text string) error {
	return b.throttler.Do(context.Background(), func() error {
		return b.sendMessage(context.Background(), chatID, text)
	})
}

func (b *Bridge) sendMessage(ctx context.Context, chatID, text string) error {
	endpoint := fmt.Sprintf("https://api.telegram.org/bot%s/sendMessage", b.token)
	form := url.Values{"chat_id": {chatID}, "text": {text}}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, strings.NewReader(form.Encode()))
	if err != nil {
		return fmt.Errorf("telegram: build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := b.client.Do(req)
	if err != nil {
		return fmt.Errorf("telegram: send: %w", err)
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)

	if resp.StatusCode == http.StatusOK {
		return nil
	}
	baseErr := fmt.Errorf("telegram: bot api status %d: %s", resp.StatusCode, string(body))
	if resp.StatusCode == http.StatusTooManyRequests {
		if retryAfter := parseRetryAfter(body); retryAfter > 0 {
			return &common.RetryAfterError{Err: baseErr, RetryAfter: retryAfter}
		}
	}
	return baseErr
}

func parseRetryAfter(body []byte) time.Duration {
	var payload struct {
		Parameters struct {
			RetryAfter int `json:"retry_after"`
		} `json:"parameters"`
	}
	if err := json.Unmarshal(body, &payload); err != nil {
		return 0
	}
	return time.Duration(payload.Parameters.RetryAfter) * time.Second
}
