// Package slack implements the Slack half of C11 via Slack's
// chat.postMessage Web API, sharing the outbox consumer contract and
// redaction/subscription helpers with every other bridge.
package slack

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
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

// Bridge posts outbox events to Slack channels via the bot token and reads
// inbound slash-command style text via the Socket Mode app token (consumed
// externally; HandleInbound is the injection point).
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

// New builds a Slack Bridge.
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
		consumer:  outbox.NewConsumer(home+"/state/outbox.jsonl", outbox.DefaultCursorPath(home, "slack"), time.Duration(cfg.PollSeconds*float64(time.Second))),
		subs:      common.LoadSubscriptions(home, "slack"),
		led:       led,
		cfg:       cfg,
	}
}

// Name implements common.Poster.
func (b *Bridge) Name() string { return "slack" }

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
				logger.Warnf("slack: post to %s failed: %v", ch, err)
				ok = false
			}
		}
		b.led.Append(events.New(events.KindBridgeOutbound, events.SourceBridge, map[string]any{
			"bridge": "slack", "type": ev.Type,
		}))
		return ok
	})
}

func (b *Bridge) render(ev events.OutboxEvent) string {
	var text string
	switch ev.Type {
	case events.OutboxToUser:
		text = fmt.Sprintf("*%s*: %s", ev.Peer, ev.Text)
	case events.OutboxToPeerSummary:
		if !common.ShowPeersEnabled(b.home, "slack") {
			return ""
		}
		text = fmt.Sprintf("_%s -> peer_: %s", ev.From, ev.Text)
	default:
		return ""
	}
	return common.Redact(text, b.cfg.RedactRegexes, b.cfg.MaxMessageLength)
}

// HandleInbound first tries the slash-command table (subscribe/status/
// queue/whoami/showpeers/rfd/files/file), then falls back to parsing a
// routing prefix from a subscribed channel's message and enqueuing it as a
// handoff to the indicated peer(s) (spec §4.11).
func (b *Bridge) HandleInbound(channel, text string) {
	ctx := &common.CommandContext{
		Home: b.home, Bridge: "slack", Channel: channel,
		Subs: b.subs, Ledger: b.led, OpenSubscribe: b.cfg.OpenSubscribe,
	}
	if reply, handled := common.Dispatch(ctx, text); handled {
		if reply != "" {
			if err := b.Post(channel, reply); err != nil {
				logger.Warnf("slack: command reply to %s failed: %v", channel, err)
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
			logger.Warnf("slack: inbound hint to %s failed: %v", channel, err)
		}
		return
	}
	b.led.Append(events.New(events.KindBridgeInbound, events.SourceBridge, map[string]any{
		"bridge": "slack", "channel": channel, "route": route,
	}))
	_ = commandqueue.Enqueue(b.home, commandqueue.Command{
		ID: fmt.Sprintf("sl-%d", time.Now().UnixNano()), Type: route, Text: body, Source: "slack",
	})
}

// maxInboundFileBytes bounds a downloaded attachment, matching the other
// bridges' guard against an unbounded file-download body.
const maxInboundFileBytes = 20 << 20

// HandleInboundFile downloads a Slack file from its authenticated
// url_private (Slack requires the bot token as a bearer header on file
// downloads, unlike Discord's public CDN URLs) and relays it to the peer(s)
// chosen by caption's routing prefix, mirroring telegram.go's
// HandleInboundFile for the platform the review comment asked every bridge
// to support.
func (b *Bridge) HandleInboundFile(channel, urlPrivate, name, mime, caption string) {
	data, err := b.downloadFile(context.Background(), urlPrivate)
	if err != nil {
		if perr := b.Post(channel, "Failed to receive file: "+err.Error()); perr != nil {
			logger.Warnf("slack: file-failure reply to %s failed: %v", channel, perr)
		}
		return
	}

	mid := fmt.Sprintf("slf-%d", time.Now().UnixNano())
	meta, err := common.SaveInboundFile(b.home, "slack", channel, mid, name, mime, data, time.Now())
	if err != nil {
		logger.Warnf("slack: save inbound file from %s: %v", channel, err)
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
		"bridge": "slack", "channel": channel, "route": route, "file": true, "path": meta.Path,
	}))
	_ = commandqueue.Enqueue(b.home, commandqueue.Command{
		ID: mid, Type: route, Text: strings.Join(lines, "\n"), Source: "slack",
	})
}

func (b *Bridge) downloadFile(ctx context.Context, urlPrivate string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, urlPrivate, nil)
	if err != nil {
		return nil, fmt.Errorf("build download request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+b.botToken)

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

// Post sends text to channel via chat.postMessage. Rate limiting, retries,
// and Slack's "rate_limited" Retry-After backoff are handled by the shared
// throttler.
func (b *Bridge) Post(channel, text string) error {
	return b.throttler.Do(context.Background(), func() error {
		return b.post(channel, text)
	})
}

func (b *Bridge) post(channel, text string) error {
	form := url.Values{"channel": {channel}, "text": {text}}
	req, err := http.NewRequestWithContext(context.Background(), http.MethodPost, "https://slack.com/api/chat.postMessage", strings.NewReader(form.Encode()))
	if err != nil {
		return fmt.Errorf("slack: build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("Authorization", "Bearer "+b.botToken)

	resp, err := b.client.Do(req)
	if err != nil {
		return fmt.Errorf("slack: send: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusTooManyRequests {
		baseErr := fmt.Errorf("slack: api error: rate_limited")
		if secs, perr := strconv.Atoi(resp.Header.Get("Retry-After")); perr == nil && secs > 0 {
			return &common.RetryAfterError{Err: baseErr, RetryAfter: time.Duration(secs) * time.Second}
		}
		return baseErr
	}

	var payload struct {
		OK    bool   `json:"ok"`
		Error string `json:"error"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return fmt.Errorf("slack: decode response: %w", err)
	}
	if !payload.OK {
		return fmt.Errorf("slack: api error: %s", payload.Error)
	}
	return nil
}
