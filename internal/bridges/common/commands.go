package common

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"github.com/zixuniaowu/cccc/internal/events"
	"github.com/zixuniaowu/cccc/internal/ledger"
)

// CommandContext supplies Dispatch with everything it needs to answer a
// slash command for one bridge/channel pair, without giving the bridge
// direct access to live orchestrator state (bridges and the orchestrator
// are decoupled the same way the original telegram_bridge.py ran as a
// separate process from orchestrator_tmux.py, polling state/*.json).
type CommandContext struct {
	Home    string
	Bridge  string // "telegram", "slack", "discord" — used for per-bridge state files
	Channel string

	Subs          *Subscriptions
	Ledger        *ledger.Ledger
	OpenSubscribe bool
}

// slashCommandRe recognizes a leading slash command, optionally followed by
// "@botname" (Telegram's group-chat convention) and arguments.
var slashCommandRe = regexp.MustCompile(`(?i)^/([a-z]+)(?:@\S+)?(?:\s+(.*))?$`)

// Dispatch answers text as one of the bridge-management slash commands
// (spec-supplemented, grounded on telegram_bridge.py's is_cmd dispatch
// table), returning handled=false for anything that isn't one — in
// particular for the a:/b:/both:/@mention routing prefixes, which Dispatch
// deliberately leaves to ParseRoute.
func Dispatch(ctx *CommandContext, text string) (reply string, handled bool) {
	m := slashCommandRe.FindStringSubmatch(strings.TrimSpace(text))
	if m == nil {
		return "", false
	}
	cmd := strings.ToLower(m[1])
	args := strings.Fields(m[2])

	switch cmd {
	case "a", "b", "both":
		return "", false // routing prefixes, not management commands
	case "subscribe":
		return ctx.cmdSubscribe(), true
	case "unsubscribe":
		return ctx.cmdUnsubscribe(), true
	case "whoami":
		return fmt.Sprintf("channel=%s bridge=%s", ctx.Channel, ctx.Bridge), true
	case "status":
		return ctx.cmdStatus(), true
	case "queue":
		return ctx.cmdQueue(), true
	case "showpeers":
		return ctx.cmdShowPeers(args), true
	case "rfd":
		return ctx.cmdRFD(args), true
	case "files":
		return ctx.cmdFiles(args), true
	case "file":
		return ctx.cmdFile(args), true
	case "help":
		return helpText, true
	default:
		return "", false
	}
}

const helpText = "Usage: a:/b:/both: or /a /b /both to route to PeerA/PeerB/both; " +
	"/whoami shows the channel id; /status shows orchestrator status; /queue shows queue depth; " +
	"/subscribe opt-in; /unsubscribe opt-out; /showpeers on|off toggles Peer\u2194Peer summaries; " +
	"/files [in|out] [N] lists recent files; /file N views one; /rfd list|show <id> inspects approval gates."

func (ctx *CommandContext) cmdSubscribe() string {
	if !ctx.OpenSubscribe {
		return "Self-subscribe disabled; contact admin."
	}
	if ctx.Subs.Contains(ctx.Channel) {
		return "Already subscribed"
	}
	ctx.Subs.Add(ctx.Channel)
	return "Subscribed. This channel will receive summaries. Send /unsubscribe to leave."
}

func (ctx *CommandContext) cmdUnsubscribe() string {
	if !ctx.OpenSubscribe {
		return "Self-unsubscribe disabled; contact admin."
	}
	if !ctx.Subs.Contains(ctx.Channel) {
		return "Not subscribed"
	}
	ctx.Subs.Remove(ctx.Channel)
	return "Unsubscribed"
}

func (ctx *CommandContext) cmdStatus() string {
	snap, err := ReadStatusSnapshot(ctx.Home)
	if err != nil {
		return "No status available yet"
	}
	a := snap.Peers["PeerA"]
	b := snap.Peers["PeerB"]
	return fmt.Sprintf(
		"Paused: %v\nPeerA inbox:%d queued:%d inflight:%v\nPeerB inbox:%d queued:%d inflight:%v",
		snap.Paused, a.Inbox, a.Queued, a.Inflight, b.Inbox, b.Queued, b.Inflight,
	)
}

func (ctx *CommandContext) cmdQueue() string {
	snap, err := ReadStatusSnapshot(ctx.Home)
	if err != nil {
		return "No queue info available yet"
	}
	a := snap.Peers["PeerA"]
	b := snap.Peers["PeerB"]
	return fmt.Sprintf("Queue: PeerA=%d inflight=%v | PeerB=%d inflight=%v", a.Queued, a.Inflight, b.Queued, b.Inflight)
}

func (ctx *CommandContext) cmdShowPeers(args []string) string {
	if len(args) == 0 || (args[0] != "on" && args[0] != "off") {
		return "Usage: /showpeers on|off"
	}
	enabled := args[0] == "on"
	rememberShowPeers(ctx.Home, ctx.Bridge, enabled)
	state := "OFF"
	if enabled {
		state = "ON"
	}
	return "Peer\u2194Peer summary set to: " + state
}

// rfdTailSize mirrors telegram_bridge.py's "read the last 500 lines of the
// ledger" scan window for /rfd.
const rfdTailSize = 500

func (ctx *CommandContext) cmdRFD(args []string) string {
	if ctx.Ledger == nil {
		return "No ledger available"
	}
	tail, err := ctx.Ledger.Tail(rfdTailSize)
	if err != nil {
		return "No ledger available"
	}

	sub := "list"
	if len(args) > 0 {
		sub = strings.ToLower(args[0])
	}

	switch sub {
	case "show":
		if len(args) < 2 || args[1] == "" {
			return "Usage: /rfd show <id>"
		}
		return rfdShow(tail, args[1])
	default:
		return rfdList(tail)
	}
}

func rfdList(tail []events.Event) string {
	var lines []string
	for _, e := range tail {
		if e.Kind != events.KindRFD {
			continue
		}
		id, _ := e.Payload["id"].(string)
		title, _ := e.Payload["title"].(string)
		lines = append(lines, fmt.Sprintf("%s | %s", id, title))
	}
	if len(lines) == 0 {
		return "No RFD entries"
	}
	if len(lines) > 10 {
		lines = lines[len(lines)-10:]
	}
	return strings.Join(lines, "\n")
}

func rfdShow(tail []events.Event, rid string) string {
	out := []string{"RFD " + rid}
	found := false
	for _, e := range tail {
		switch e.Kind {
		case events.KindRFD:
			if id, _ := e.Payload["id"].(string); id == rid {
				found = true
				title, _ := e.Payload["title"].(string)
				out = append(out, "title="+title, "ts="+e.Ts.Format("2006-01-02 15:04:05"))
			}
		case events.KindDecision:
			if id, _ := e.Payload["rfd_id"].(string); id == rid {
				decision, _ := e.Payload["decision"].(string)
				out = append(out, fmt.Sprintf("decision=%s ts=%s", decision, e.Ts.Format("2006-01-02 15:04:05")))
			}
		}
	}
	if !found {
		out = append(out, "not found in tail")
	}
	return strings.Join(out, "\n")
}

func (ctx *CommandContext) cmdFiles(args []string) string {
	mode := "in"
	limit := 10
	for _, a := range args {
		switch a {
		case "in", "out":
			mode = a
		default:
			if n, err := strconv.Atoi(a); err == nil {
				limit = n
			}
		}
	}
	if limit < 1 {
		limit = 1
	}
	if limit > 50 {
		limit = 50
	}

	dir := "inbound"
	if mode == "out" {
		dir = "outbound"
	}
	items := ListRecentUploads(ctx.Home, dir, limit)
	rememberFileListing(ctx.Home, ctx.Bridge, ctx.Channel, items)

	lines := []string{fmt.Sprintf("Recent files (%s, top %d):", dir, len(items))}
	for i, path := range items {
		size := 0
		if meta, err := readFileMeta(path); err == nil {
			size = meta.Bytes
		}
		lines = append(lines, fmt.Sprintf("%d. %s  (%d bytes)", i+1, path, size))
	}
	return strings.Join(lines, "\n")
}

func (ctx *CommandContext) cmdFile(args []string) string {
	if len(args) == 0 {
		return "Usage: /file N"
	}
	n, err := strconv.Atoi(args[0])
	if err != nil || n <= 0 {
		return "Invalid index. Run /files, then /file N."
	}
	items := recallFileListing(ctx.Home, ctx.Bridge, ctx.Channel)
	if n > len(items) {
		return "Invalid index. Run /files, then /file N."
	}
	path := items[n-1]
	lines := []string{"Path: " + path}
	meta, err := readFileMeta(path)
	if err != nil {
		return strings.Join(lines, "\n")
	}
	lines = append(lines, fmt.Sprintf("Size: %d bytes", meta.Bytes))
	if meta.SHA256 != "" {
		lines = append(lines, "SHA256: "+meta.SHA256)
	}
	if meta.Mime != "" {
		lines = append(lines, "MIME: "+meta.Mime)
	}
	return strings.Join(lines, "\n")
}
