// Package patch normalizes and gates peer-submitted diffs before they reach
// an external patch applier, grounded on spec §4.6's "patch" handling and
// §6's ```patch``` / ```diff``` fence convention.
package patch

import (
	"crypto/sha1"
	"encoding/hex"
	"regexp"
	"strconv"
	"strings"

	"github.com/zixuniaowu/cccc/internal/events"
	"github.com/zixuniaowu/cccc/internal/ledger"
)

var fenceRe = regexp.MustCompile("(?s)```(?:patch|diff)\\s*\\n(.*?)\\n?```")
var hunkHeaderRe = regexp.MustCompile(`(?m)^@@ -\d+(?:,\d+)? \+\d+(?:,\d+)? @@`)
var fileHeaderRe = regexp.MustCompile(`(?m)^diff --git a/(.+) b/(.+)$|^\+\+\+ b?/?(.+)$`)

var approvedDecisions = map[string]bool{
	"approve": true, "approved": true, "yes": true, "ok": true, "allow": true, "accept": true,
}

// Result is the outcome of gating one patch submission.
type Result struct {
	Accepted bool
	Reason   string
	Files    []string
	Lines    int
	Diff     string
}

// Applier normalizes raw peer patch text into a clean unified diff and
// applies protected-path and line-budget gates before handing off to the
// external patch-application subsystem. It never applies a diff itself: the
// actual application is delegated out-of-process (spec §1 "collaborator
// subsystem consumes normalized diffs").
type Applier struct {
	// ApplyFunc delegates the final application of an accepted diff to an
	// external command/process; nil means gating-only (tests, dry runs).
	ApplyFunc func(diff string) error

	// Ledger backs the RFD approval gate (orchestrator_tmux.py's
	// _rfd_gate_check): when set, a protected-path touch or an oversized
	// diff configured to require approval is held pending a "decision"
	// event rather than rejected outright. Nil disables the gate, falling
	// back to an unconditional protected-path reject (gating-only tests).
	Ledger *ledger.Ledger
}

// New returns an Applier; applyFunc may be nil. Set the Ledger field
// directly to enable the RFD approval gate.
func New(applyFunc func(diff string) error) *Applier {
	return &Applier{ApplyFunc: applyFunc}
}

// Apply normalizes raw, validates it is a well-formed unified diff, applies
// the protectedPaths and maxLines gates (holding for RFD approval where
// configured), and — if accepted — invokes ApplyFunc. Rejections never
// mutate anything and are never retried (spec §7 category 7).
func (a *Applier) Apply(raw string, protectedPaths []string, maxLines int, largeDiffRequiresRFD bool) Result {
	diff := Normalize(raw)
	if strings.TrimSpace(diff) == "" {
		return Result{Accepted: false, Reason: "empty-diff"}
	}
	if !hunkHeaderRe.MatchString(diff) {
		return Result{Accepted: false, Reason: "no-unified-diff-hunks"}
	}

	files := touchedFiles(diff)
	if len(files) == 0 {
		return Result{Accepted: false, Reason: "no-file-headers"}
	}

	if reason, ok := a.gateProtectedPaths(files, protectedPaths); !ok {
		return Result{Accepted: false, Reason: reason, Files: files}
	}

	lines := countChangedLines(diff)
	if maxLines > 0 && lines > maxLines {
		reason, ok := a.gateLargeDiff(files, lines, largeDiffRequiresRFD)
		if !ok {
			return Result{Accepted: false, Reason: reason, Files: files, Lines: lines}
		}
	}

	if a.ApplyFunc != nil {
		if err := a.ApplyFunc(diff); err != nil {
			return Result{Accepted: false, Reason: "apply-failed:" + err.Error(), Files: files, Lines: lines}
		}
	}

	return Result{Accepted: true, Files: files, Lines: lines, Diff: diff}
}

// gateProtectedPaths returns (reason, false) when the patch must be
// rejected or held for approval. Without a Ledger this is an unconditional
// reject, matching the original behavior before the RFD gate existed.
func (a *Applier) gateProtectedPaths(files, protectedPaths []string) (string, bool) {
	touched := matchesAny(files, protectedPaths)
	if !touched {
		return "", true
	}
	if a.Ledger == nil {
		return "protected-path:" + touched, false
	}
	rid := rfdID("rfd-prot-", strings.Join(files, ","))
	if a.decisionApproved(rid) {
		return "", true
	}
	a.ensureRFDLogged(rid, "Protected path change approval", files)
	return "rfd-required-protected-path:" + rid, false
}

// gateLargeDiff mirrors _rfd_gate_check's large-diff branch: a diff over
// budget is rejected outright unless the policy requires an RFD instead, in
// which case it's held pending an approved decision event.
func (a *Applier) gateLargeDiff(files []string, lines int, largeDiffRequiresRFD bool) (string, bool) {
	if !largeDiffRequiresRFD || a.Ledger == nil {
		return "exceeds-max-patch-lines", false
	}
	rid := rfdID("rfd-large-", strings.Join(files, ",")+"|"+strconv.Itoa(lines))
	if a.decisionApproved(rid) {
		return "", true
	}
	a.ensureRFDLogged(rid, "Large diff line-count approval", files)
	return "rfd-required-large-diff:" + rid, false
}

// decisionApproved scans recent ledger history for a "decision" event that
// approves rid, the same tail-scan _ledger_has_decision_approved performs.
func (a *Applier) decisionApproved(rid string) bool {
	tail, err := a.Ledger.Tail(400)
	if err != nil {
		return false
	}
	for _, ev := range tail {
		if ev.Kind != events.KindDecision {
			continue
		}
		if s, _ := ev.Payload["rfd_id"].(string); s != rid {
			continue
		}
		decision, _ := ev.Payload["decision"].(string)
		if approvedDecisions[strings.ToLower(decision)] {
			return true
		}
	}
	return false
}

// ensureRFDLogged appends an "rfd" ledger event for rid unless one is
// already present, so a repeated rejection of the same patch doesn't spam
// the ledger with duplicate approval requests.
func (a *Applier) ensureRFDLogged(rid, title string, files []string) {
	tail, err := a.Ledger.Tail(400)
	if err == nil {
		for _, ev := range tail {
			if ev.Kind == events.KindRFD {
				if id, _ := ev.Payload["id"].(string); id == rid {
					return
				}
			}
		}
	}
	a.Ledger.Append(events.New(events.KindRFD, events.SourceSystem, map[string]any{
		"id":      rid,
		"title":   title,
		"summary": files,
	}))
}

func matchesAny(files, patterns []string) string {
	for _, f := range files {
		for _, pattern := range patterns {
			if pattern != "" && strings.Contains(f, pattern) {
				return f
			}
		}
	}
	return ""
}

func rfdID(prefix, basis string) string {
	sum := sha1.Sum([]byte(basis))
	return prefix + hex.EncodeToString(sum[:])[:8]
}

// Normalize strips banners/chrome around a fenced ```patch```/```diff```
// block, returning just the unified diff body. If no fence is present, the
// input is assumed to already be a bare diff and is trimmed as-is.
func Normalize(raw string) string {
	if m := fenceRe.FindStringSubmatch(raw); m != nil {
		return strings.TrimRight(m[1], "\n") + "\n"
	}
	return strings.TrimSpace(raw) + "\n"
}

func touchedFiles(diff string) []string {
	var files []string
	seen := make(map[string]bool)
	for _, m := range fileHeaderRe.FindAllStringSubmatch(diff, -1) {
		var f string
		switch {
		case m[2] != "":
			f = m[2]
		case m[3] != "":
			f = m[3]
		}
		if f != "" && f != "dev/null" && !seen[f] {
			seen[f] = true
			files = append(files, f)
		}
	}
	return files
}

func countChangedLines(diff string) int {
	n := 0
	for _, line := range strings.Split(diff, "\n") {
		if (strings.HasPrefix(line, "+") && !strings.HasPrefix(line, "+++")) ||
			(strings.HasPrefix(line, "-") && !strings.HasPrefix(line, "---")) {
			n++
		}
	}
	return n
}
