// Package wecom implements the WeCom (Enterprise WeChat) half of C11 via
// the group robot webhook API, sharing the outbox consumer contract with
// every other bridge. WeCom's webhook model has no inbound channel, so this
// bridge is outbound-only.
package wecom

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/zixuniaowu/cccc/internal/bridges/common"
	"github.com/zixuniaowu/cccc/internal/events"
	"github.com/zixuniaowu/cccc/internal/infra/logger"
	"github.com/zixuniaowu/cccc/internal/infra/settings"
	"github.com/zixuniaowu/cccc/internal/infra/throttle"
	"github.com/zixuniaowu/cccc/internal/ledger"
	"github.com/zixuniaowu/cccc/internal/outbox"
)

const httpClientTimeout = 30 * time.Second

// Bridge posts outbox events to one or more WeCom group robot webhook URLs
// (the "channels" in cfg.Channels are full webhook URLs for this bridge).
type Bridge struct {
	home      string
	client    *http.Client
	throttler *throttle.Throttler
	consumer  *outbox.Consumer
	led       *ledger.Ledger
	cfg       settings.BridgeConfig
}

// New builds a WeCom Bridge.
func New(home string, cfg settings.BridgeConfig, led *ledger.Ledger) *Bridge {
	rps := cfg.RateLimitPerSec
	if rps <= 0 {
		rps = 1
	}
	return &Bridge{
		home:      home,
		client:    &http.Client{Timeout: httpClientTimeout},
		throttler: throttle.New(rps, throttle.WithMaxRetries(3), throttle.WithWaitExtractors(common.ExtractRetryAfter)),
		consumer:  outbox.NewConsumer(home+"/state/outbox.jsonl", outbox.DefaultCursorPath(home, "wecom"), time.Duration(cfg.PollSeconds*float64(time.Second))),
		led:       led,
		cfg:       cfg,
	}
}

// Name implements common.Poster.
func (b *Bridge) Name() string { return "wecom" }

// Tick polls the outbox once and posts new events to every configured
// webhook.
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
		for _, webhook := range b.cfg.Channels {
			if err := b.Post(webhook, text); err != nil {
				logger.Warnf("wecom: post failed: %v", err)
				ok = false
			}
		}
		b.led.Append(events.New(events.KindBridgeOutbound, events.SourceBridge, map[string]any{
			"bridge": "wecom", "type": ev.Type,
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
		text = fmt.Sprintf("[%s->peer] %s", ev.From, ev.Text)
	default:
		return ""
	}
	return common.Redact(text, b.cfg.RedactRegexes, b.cfg.MaxMessageLength)
}

// wecomRateLimitErrCode is the WeCom "exceed frequency limit" error code; the
// API gives no retry hint, so a fixed backoff is used.
const wecomRateLimitErrCode = 45009

// Post sends a text-type message to a WeCom group robot webhook URL. Rate
// limiting and retries are handled by the shared throttler.
func (b *Bridge) Post(webhookURL, text string) error {
	return b.throttler.Do(context.Background(), func() error {
		return b.post(webhookURL, text)
	})
}

func (b *Bridge) post(webhookURL, text string) error {
	payload, err := json.Marshal(map[string]any{
		"msgtype": "text",
		"text":    map[string]string{"content": text},
	})
	if err != nil {
		return fmt.Errorf("wecom: marshal payload: %w", err)
	}
	req, err := http.NewRequestWithContext(context.Background(), http.MethodPost, webhookURL, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("wecom: build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := b.client.Do(req)
	if err != nil {
		return fmt.Errorf("wecom: send: %w", err)
	}
	defer resp.Body.Close()

	var result struct {
		ErrCode int    `json:"errcode"`
		ErrMsg  string `json:"errmsg"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return fmt.Errorf("wecom: decode response: %w", err)
	}
	if result.ErrCode != 0 {
		baseErr := fmt.Errorf("wecom: api error %d: %s", result.ErrCode, result.ErrMsg)
		if result.ErrCode == wecomRateLimitErrCode {
			return &common.RetryAfterError{Err: baseErr, RetryAfter: time.Second}
		}
		return baseErr
	}
	return nil
}
