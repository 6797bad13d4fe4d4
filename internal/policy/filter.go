// Package policy implements the anti-loop filtering policy used by the
// handoff engine (spec §4.4 "Filtering policy"), grounded on the original
// policy_filter.py: high-signal bypass, low-signal drop, per-pair cooldown,
// short-message dedup, and long-message Jaccard-similarity redundancy
// detection, all persisted so cooldowns survive restarts.
package policy

import (
	"encoding/json"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/zixuniaowu/cccc/internal/envelope"
	"github.com/zixuniaowu/cccc/internal/infra/settings"
	"github.com/zixuniaowu/cccc/internal/infra/storage"
)

var controlCharsRe = regexp.MustCompile(`[\x00-\x08\x0b\x0c\x0e-\x1f]`)
var whitespaceRe = regexp.MustCompile(`\s+`)
var tokenRe = regexp.MustCompile(`[a-z0-9]{2,}`)

func normalizeSignalText(text string) string {
	stripped := controlCharsRe.ReplaceAllString(text, "")
	collapsed := whitespaceRe.ReplaceAllString(stripped, " ")
	return strings.ToLower(strings.TrimSpace(collapsed))
}

const maxSimilarityTokens = 8000

func tokenizeForSimilarity(text string) map[string]struct{} {
	tokens := tokenRe.FindAllString(strings.ToLower(text), -1)
	if len(tokens) > maxSimilarityTokens {
		tokens = tokens[:maxSimilarityTokens]
	}
	set := make(map[string]struct{}, len(tokens))
	for _, t := range tokens {
		set[t] = struct{}{}
	}
	return set
}

func jaccard(a, b map[string]struct{}) float64 {
	if len(a) == 0 && len(b) == 0 {
		return 0
	}
	inter := 0
	for t := range a {
		if _, ok := b[t]; ok {
			inter++
		}
	}
	union := len(a) + len(b) - inter
	if union == 0 {
		return 0
	}
	return float64(inter) / float64(union)
}

// IsHighSignal reports whether text bypasses low-signal filtering
// regardless of length/cooldown state (spec §4.4).
func IsHighSignal(text string, p settings.HandoffFilterPolicy) bool {
	lower := strings.ToLower(text)
	for _, kw := range p.BoostKeywords {
		if kw != "" && strings.Contains(lower, strings.ToLower(kw)) {
			return true
		}
	}
	for _, pattern := range p.BoostRegexes {
		if re, err := regexp.Compile("(?i)" + pattern); err == nil && re.MatchString(text) {
			return true
		}
	}
	if strings.Contains(text, "?") {
		return true
	}
	minChars := p.MinChars
	if minChars <= 0 {
		minChars = 40
	}
	minWords := p.MinWords
	if minWords <= 0 {
		minWords = 8
	}
	if len(text) >= max(120, minChars*3) {
		return true
	}
	if len(strings.Fields(text)) >= max(25, minWords*3) {
		return true
	}
	return false
}

// IsLowSignal reports whether text is short, matches a drop pattern, and
// doesn't match any required keyword — the composite low-signal test
// (spec §4.4).
func IsLowSignal(text string, p settings.HandoffFilterPolicy) bool {
	if !p.IsEnabled() {
		return false
	}
	trimmed := strings.TrimSpace(text)
	if trimmed == "" {
		return true
	}
	if IsHighSignal(text, p) {
		return false
	}

	minChars := p.MinChars
	if minChars <= 0 {
		minChars = 40
	}
	minWords := p.MinWords
	if minWords <= 0 {
		minWords = 8
	}
	isShort := len(trimmed) < minChars && len(strings.Fields(trimmed)) < minWords
	if !isShort {
		return false
	}

	matchesDrop := false
	for _, pattern := range p.DropRegexes {
		if re, err := regexp.Compile("(?i)" + pattern); err == nil && re.MatchString(text) {
			matchesDrop = true
			break
		}
	}
	if !matchesDrop {
		return false
	}

	for _, kw := range p.RequireKeywordsAny {
		if kw != "" && strings.Contains(strings.ToLower(text), strings.ToLower(kw)) {
			return false
		}
	}
	return true
}

func max(a, b int) int {
	if a > b {
		return a
	}
	return b
}

// guardEntry is one (sender,receiver) cooldown record.
type guardEntry struct {
	LastTs float64 `json:"last_ts"`
}

type hashEntry struct {
	Hash string  `json:"hash"`
	Ts   float64 `json:"ts"`
}

type simEntry struct {
	Tokens []string `json:"tokens"`
	Ts     float64  `json:"ts"`
}

// State persists cooldown, short-dedup, and redundancy state to
// state/handoff_{guard,dups,sim}.json so they survive restarts, per
// spec §4.4.
type State struct {
	dir string
	mu  sync.Mutex

	guard map[string]guardEntry
	dups  map[string][]hashEntry
	sim   map[string][]simEntry
}

// NewState loads (or initializes) persisted filter state from stateDir.
func NewState(stateDir string) *State {
	s := &State{
		dir:   stateDir,
		guard: make(map[string]guardEntry),
		dups:  make(map[string][]hashEntry),
		sim:   make(map[string][]simEntry),
	}
	readJSON(filepath.Join(stateDir, "handoff_guard.json"), &s.guard)
	readJSON(filepath.Join(stateDir, "handoff_dups.json"), &s.dups)
	readJSON(filepath.Join(stateDir, "handoff_sim.json"), &s.sim)
	return s
}

func readJSON(path string, out any) {
	data, err := os.ReadFile(path)
	if err != nil {
		return
	}
	_ = json.Unmarshal(data, out)
}

func (s *State) persist() {
	if data, err := json.Marshal(s.guard); err == nil {
		_ = storage.AtomicWriteFile(filepath.Join(s.dir, "handoff_guard.json"), data)
	}
	if data, err := json.Marshal(s.dups); err == nil {
		_ = storage.AtomicWriteFile(filepath.Join(s.dir, "handoff_dups.json"), data)
	}
	if data, err := json.Marshal(s.sim); err == nil {
		_ = storage.AtomicWriteFile(filepath.Join(s.dir, "handoff_sim.json"), data)
	}
}

// ShouldForward implements the full should_forward gate (spec §4.4):
// disabled-policy passthrough, low-signal drop, per-pair cooldown (with
// high-signal bypass), short-message dedup, and long-message redundancy
// detection. overrideEnabled, when non-nil, wins over the policy's own
// Enabled flag (spec §9 open question, resolved in DESIGN.md).
func (s *State) ShouldForward(payload, sender, receiver string, p settings.HandoffFilterPolicy, overrideEnabled *bool) bool {
	enabled := p.IsEnabled()
	if overrideEnabled != nil {
		enabled = *overrideEnabled
	}
	if !enabled {
		return true
	}
	if IsLowSignal(payload, p) {
		return false
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	key := sender + "->" + receiver
	now := float64(time.Now().UnixNano()) / 1e9
	highSignal := IsHighSignal(payload, p)

	cooldown := p.CooldownSeconds
	if cooldown <= 0 {
		cooldown = 15
	}
	if entry, ok := s.guard[key]; ok {
		elapsed := now - entry.LastTs
		bypass := p.BypassCooldownWhenHighSignal && highSignal
		if elapsed < cooldown && !bypass {
			return false
		}
	}

	normalized := normalizeSignalText(payload)
	trimmed := strings.TrimSpace(payload)
	minChars := p.MinChars
	if minChars <= 0 {
		minChars = 40
	}
	minWords := p.MinWords
	if minWords <= 0 {
		minWords = 8
	}
	isShort := len(trimmed) < minChars && len(strings.Fields(trimmed)) < minWords

	dedupWindow := p.DedupShortSeconds
	if dedupWindow <= 0 {
		dedupWindow = 30
	}
	dedupMaxKeep := p.DedupMaxKeep
	if dedupMaxKeep <= 0 {
		dedupMaxKeep = 10
	}
	if isShort {
		h := envelope.Hash(normalized)
		for _, e := range s.dups[key] {
			if e.Hash == h && now-e.Ts < dedupWindow {
				return false
			}
		}
		s.dups[key] = appendBounded(s.dups[key], hashEntry{Hash: h, Ts: now}, dedupMaxKeep)
	}

	if !highSignal {
		redundantWindow := p.RedundantWindowSeconds
		if redundantWindow <= 0 {
			redundantWindow = 120
		}
		threshold := p.RedundantSimilarityThreshold
		if threshold <= 0 {
			threshold = 0.9
		}
		tokens := tokenizeForSimilarity(payload)
		tokenSlice := make([]string, 0, len(tokens))
		for t := range tokens {
			tokenSlice = append(tokenSlice, t)
		}
		for _, e := range s.sim[key] {
			if now-e.Ts >= redundantWindow {
				continue
			}
			existing := make(map[string]struct{}, len(e.Tokens))
			for _, t := range e.Tokens {
				existing[t] = struct{}{}
			}
			if jaccard(tokens, existing) >= threshold {
				return false
			}
		}
		s.sim[key] = appendBounded(s.sim[key], simEntry{Tokens: tokenSlice, Ts: now}, 5)
	}

	s.guard[key] = guardEntry{LastTs: now}
	s.persist()
	return true
}

func appendBounded[T any](slice []T, item T, max int) []T {
	slice = append(slice, item)
	if len(slice) > max {
		slice = slice[len(slice)-max:]
	}
	return slice
}
