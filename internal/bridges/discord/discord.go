// Package discord implements the Discord half of C11 via the bot REST API's
// channel message endpoint, sharing the outbox consumer contract with every
// other bridge.
package discord

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
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

// Bridge posts outbox events to Discord channels via the bot token.
type Bridge struct {
	home      string
	botToken  string
	client    *http.Client
	throttler *throttle.Throttler
	consumer  *outbox.Consumer
	subs      *common.Subscriptions
	led       *ledger.Ledger
	cfg       settings.BridgeConfig
}

// New builds a Discord Bridge.
func New(home, botToken string, cfg settings.BridgeConfig, led *ledger.Ledger) *Bridge {
	rps := cfg.RateLimitPerSec
	if rps <= 0 {
		rps = 1
	}
	return &Bridge{
		home:      home,
		botToken:  botToken,
		client:    &http.Client{Timeout: httpClientTimeout},
		throttler: throttle.New(rps, throttle.WithMaxRetries(3), throttle.WithWaitExtractors(common.ExtractRetryAfter)),
		consumer:  outbox.NewConsumer(home+"/state/outbox.jsonl", outbox.DefaultCursorPath(home, "discord"), time.Duration(cfg.PollSeconds*float64(time.Second))),
		subs:      common.LoadSubscriptions(home, "discord"),
		led:       led,
		cfg:       cfg,
	}
}

// Name implements common.Poster.
func (b *Bridge) Name() string { return "discord" }

// Tick polls the outbox once and fans out new events to every subscribed
// channel.
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
				logger.Warnf("discord: post to %s failed: %v", ch, err)
				ok = false
			}
		}
		b.led.Append(events.New(events.KindBridgeOutbound, events.SourceBridge, map[string]any{
			"bridge": "discord", "type": ev.Type,
		}))
		return ok
	})
}

func (b *Bridge) render(ev events.OutboxEvent) string {
	var text string
	switch ev.Type {
	case events.OutboxToUser:
		text = fmt.Sprintf("**%s**: %s", ev.Peer, ev.Text)
	case events.OutboxToPeerSummary:
		if !common.ShowPeersEnabled(b.home, "discord") {
			return ""
		}
		text = fmt.Sprintf("*%s -> peer*: %s", ev.From, ev.Text)
	default:
		return ""
	}
	return common.Redact(text, b.cfg.RedactRegexes, b.cfg.MaxMessageLength)
}

// HandleInbound first tries the slash-command table (subscribe/status/
// queue/whoami/showpeers/rfd/files/file), then falls back to parsing a
// routing prefix and enqueuing the body as an a/b/both command for the
// indicated peer(s).
func (b *Bridge) HandleInbound(channel, text string) {
	ctx := &common.CommandContext{
		Home: b.home, Bridge: "discord", Channel: channel,
		Subs: b.subs, Ledger: b.led, OpenSubscribe: b.cfg.OpenSubscribe,
	}
	if reply, handled := common.Dispatch(ctx, text); handled {
		if reply != "" {
			if err := b.Post(channel, reply); err != nil {
				logger.Warnf("discord: command reply to %s failed: %v", channel, err)
			}
		}
		return
	}

	b.subs.Add(channel)
	route, body, hasPrefix := common.ParseRoute(text, "<@cccc>")
	if body == "" {
		return
	}
	if b.cfg.RequirePrefix && !hasPrefix {
		if err := b.Post(channel, "send a:, b:, or both: before your message"); err != nil {
			logger.Warnf("discord: inbound hint to %s failed: %v", channel, err)
		}
		return
	}
	b.led.Append(events.New(events.KindBridgeInbound, events.SourceBridge, map[string]any{
		"bridge": "discord", "channel": channel, "route": route,
	}))
	_ = commandqueue.Enqueue(b.home, commandqueue.Command{
		ID: fmt.Sprintf("dc-%d", time.Now().UnixNano()), Type: route, Text: body, Source: "discord",
	})
}

// maxInboundFileBytes bounds a downloaded attachment.
const maxInboundFileBytes = 20 << 20

// HandleInboundFile downloads a Discord message attachment from its CDN URL
// (no auth header required, unlike Slack's url_private) and relays it to
// the peer(s) chosen by caption's routing prefix, mirroring telegram.go's
// HandleInboundFile for the platform the review comment asked every bridge
// to support.
func (b *Bridge) HandleInboundFile(channel, attachmentURL, name, mime, caption string) {
	data, err := b.downloadFile(context.Background(), attachmentURL)
	if err != nil {
		if perr := b.Post(channel, "Failed to receive file: "+err.Error()); perr != nil {
			logger.Warnf("discord: file-failure reply to %s failed: %v", channel, perr)
		}
		return
	}

	mid := fmt.Sprintf("dcf-%d", time.Now().UnixNano())
	meta, err := common.SaveInboundFile(b.home, "discord", channel, mid, name, mime, data, time.Now())
	if err != nil {
		logger.Warnf("discord: save inbound file from %s: %v", channel, err)
		return
	}

	route, _, _ := common.ParseRoute(caption, "<@cccc>")
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
		"bridge": "discord", "channel": channel, "route": route, "file": true, "path": meta.Path,
	}))
	_ = commandqueue.Enqueue(b.home, commandqueue.Command{
		ID: mid, Type: route, Text: strings.Join(lines, "\n"), Source: "discord",
	})
}

func (b *Bridge) downloadFile(ctx context.Context, attachmentURL string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, attachmentURL, nil)
	if err != nil {
		return nil, fmt.Errorf("build download request: %w", err)
	}
	resp, err := b.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("download file: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxInboundFileBytes+1))
	if err != nil {
		return nil, fmt.Errorf("read file body: %w", err)
	}
	if len(data) > maxInboundFileBytes {
		return nil, fmt.Errorf("file too large: exceeds %d bytes", maxInboundFileBytes)
	}
	return data, nil
}

// Post sends text to channelID via POST /channels/{id}/messages. Rate
// limiting, retries, and Discord's retry_after backoff are handled by the
// shared throttler.
func (b *Bridge) Post(channelID, text string) error {
	return b.throttler.Do(context.Background(), func() error {
		return b.post(channelID, text)
	})
}

func (b *Bridge) post(channelID, text string) error {
	payload, err := json.Marshal(map[string]string{"content": text})
	if err != nil {
		return fmt.Errorf("discord: marshal payload: %w", err)
	}
	endpoint := fmt.Sprintf("https://discord.com/api/v10/channels/%s/messages", channelID)
	req, err := http.NewRequestWithContext(context.Background(), http.MethodPost, endpoint, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("discord: build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bot "+b.botToken)

	resp, err := b.client.Do(req)
	if err != nil {
		return fmt.Errorf("discord: send: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return nil
	}

	baseErr := fmt.Errorf("discord: api status %d", resp.StatusCode)
	if resp.StatusCode == http.StatusTooManyRequests {
		var body struct {
			RetryAfter float64 `json:"retry_after"`
		}
		if err := json.NewDecoder(resp.Body).Decode(&body); err == nil && body.RetryAfter > 0 {
			return &common.RetryAfterError{Err: baseErr, RetryAfter: time.Duration(body.RetryAfter * float64(time.Second))}
		}
	}
	return baseErr
}
