// Package envelope implements the message envelope wire format and the
// sentinel marker shared by the mailbox store, handoff engine, and scanner
// (spec §3, §6).
package envelope

import (
	"crypto/sha1"
	"fmt"
	"regexp"
	"strings"
	"time"
)

// Role is one of the four envelope wrapper tags accepted on inbound mail.
type Role string

const (
	RoleUser   Role = "FROM_USER"
	RoleSystem Role = "FROM_SYSTEM"
	RolePeerA  Role = "FROM_PeerA"
	RolePeerB  Role = "FROM_PeerB"
)

var wrapperTagRe = regexp.MustCompile(`</?FROM_(USER|SYSTEM|PeerA|PeerB)>`)
var midLineRe = regexp.MustCompile(`(?m)^\[MID:\s*[^\]]*\]\s*\n?`)

// Wrap builds the envelope text: <ROLE>\n[MID: mid]\nbody\nsuffix\n</ROLE>\n.
// suffix, if non-empty, is appended inside the wrapper on its own line.
func Wrap(role Role, mid, body, suffix string) string {
	var sb strings.Builder
	sb.WriteString("<")
	sb.WriteString(string(role))
	sb.WriteString(">\n")
	sb.WriteString(fmt.Sprintf("[MID: %s]\n", mid))
	sb.WriteString(strings.TrimRight(body, "\n"))
	sb.WriteString("\n")
	if suffix != "" {
		sb.WriteString(strings.TrimRight(suffix, "\n"))
		sb.WriteString("\n")
	}
	sb.WriteString("</")
	sb.WriteString(string(role))
	sb.WriteString(">\n")
	return sb.String()
}

// StripForEmptyCheck removes the wrapper tags and the [MID: ...] marker,
// returning whatever text remains so callers can detect an effectively
// empty body (spec §4.4 step 2).
func StripForEmptyCheck(text string) string {
	stripped := wrapperTagRe.ReplaceAllString(text, "")
	stripped = midLineRe.ReplaceAllString(stripped, "")
	return strings.TrimSpace(stripped)
}

// Hash computes the SHA-1 hex digest of text, used by the duplicate
// de-bounce and short-dedup logic (spec §4.4, §4.4 "Filtering policy").
func Hash(text string) string {
	sum := sha1.Sum([]byte(text))
	return fmt.Sprintf("%x", sum)
}

// Sentinel formats the one-line marker that replaces a consumed peer-output
// file (spec §6): "MAILBOX:SENT v1 ts=<iso> eid=<8-hex> sha8=<8-hex> route=<text>".
func Sentinel(ts time.Time, eventID uint64, body string, route string) string {
	sha := Hash(body)
	return fmt.Sprintf("MAILBOX:SENT v1 ts=%s eid=%08x sha8=%s route=%s\n",
		ts.UTC().Format(time.RFC3339), eventID&0xFFFFFFFF, sha[:8], route)
}

// IsSentinel reports whether content is already a sentinel line (so the
// scanner treats it as "already consumed" rather than fresh output).
func IsSentinel(content string) bool {
	return strings.HasPrefix(strings.TrimSpace(content), "MAILBOX:SENT ")
}

var toUserRe = regexp.MustCompile(`(?s)<TO_USER>(.*?)</TO_USER>`)
var toPeerRe = regexp.MustCompile(`(?s)<TO_PEER>(.*?)</TO_PEER>`)
var insightBlockRe = regexp.MustCompile("(?s)```insight\\s*\\n(.*?)\\n?```\\s*$")

// ExtractToUser returns the body of a <TO_USER> wrapper, if present.
func ExtractToUser(content string) (string, bool) {
	m := toUserRe.FindStringSubmatch(content)
	if m == nil {
		return "", false
	}
	return strings.TrimSpace(m[1]), true
}

// ExtractToPeer returns the body of a <TO_PEER> wrapper, if present, along
// with whether the body ends in the required trailing ```insight``` block
// (spec §4.6, §4.7).
func ExtractToPeer(content string) (body string, hasInsight bool, ok bool) {
	m := toPeerRe.FindStringSubmatch(content)
	if m == nil {
		return "", false, false
	}
	body = strings.TrimSpace(m[1])
	hasInsight = insightBlockRe.MatchString(body)
	return body, hasInsight, true
}
