// Package mailbox implements C2: the per-peer mailbox store — ordered
// inboxes, an archive, and the three well-known scanner-facing files
// (spec §3, §4.2).
package mailbox

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/zixuniaowu/cccc/internal/envelope"
	"github.com/zixuniaowu/cccc/internal/infra/filelock"
	"github.com/zixuniaowu/cccc/internal/infra/logger"
	"github.com/zixuniaowu/cccc/internal/infra/storage"
)

// InboxPolicy controls how residual inbox files are treated at startup
// (spec §4.2 "Startup policy for residual inboxes").
type InboxPolicy string

const (
	PolicyResume  InboxPolicy = "resume"
	PolicyDiscard InboxPolicy = "discard"
	PolicyArchive InboxPolicy = "archive"
)

// Scan is the result of scanning one peer's well-known output files.
type Scan struct {
	ToUser string
	HasToUser bool
	ToPeer string
	HasToPeer bool
	Patch string
	HasPatch bool
}

// Store owns one peer's mailbox directory tree.
type Store struct {
	peer      string
	dir       string // mailbox/<peer>
	allocator *filelock.SequenceAllocator
	retention int
}

// New creates a Store rooted at <home>/mailbox/<peer>, wiring the sequence
// allocator at <home>/state/inbox-seq-<peer>.{lock,txt}.
func New(home, peer string, processedRetention int) *Store {
	dir := filepath.Join(home, "mailbox", peer)
	lockPath := filepath.Join(home, "state", fmt.Sprintf("inbox-seq-%s.lock", peer))
	counterPath := filepath.Join(home, "state", fmt.Sprintf("inbox-seq-%s.txt", peer))
	if processedRetention <= 0 {
		processedRetention = 200
	}
	return &Store{
		peer:      peer,
		dir:       dir,
		allocator: filelock.New(lockPath, counterPath),
		retention: processedRetention,
	}
}

func (s *Store) inboxDir() string     { return filepath.Join(s.dir, "inbox") }
func (s *Store) processedDir() string { return filepath.Join(s.dir, "processed") }
func (s *Store) toUserPath() string   { return filepath.Join(s.dir, "to_user.md") }
func (s *Store) toPeerPath() string   { return filepath.Join(s.dir, "to_peer.md") }
func (s *Store) patchPath() string    { return filepath.Join(s.dir, "patch.diff") }
func (s *Store) inboxMdPath() string  { return filepath.Join(s.dir, "inbox.md") }

// EnsureLayout creates the mailbox directory tree if missing.
func (s *Store) EnsureLayout() error {
	for _, d := range []string{s.inboxDir(), s.processedDir()} {
		if err := os.MkdirAll(d, 0o700); err != nil {
			return fmt.Errorf("mailbox: create %s: %w", d, err)
		}
	}
	return nil
}

// NextSeq allocates the next sequence number for this peer, atomic across
// concurrent callers (including bridge processes), per spec §4.2.
func (s *Store) NextSeq() (string, error) {
	floor := filelock.ReadCurrentFloor(s.inboxDir(), s.processedDir())
	seq, _, err := s.allocator.Next(floor)
	if err != nil {
		return "", fmt.Errorf("mailbox: allocate sequence for %s: %w", s.peer, err)
	}
	return seq, nil
}

// WriteInbox writes payload to inbox/<seq>.<mid>.txt using a freshly
// allocated sequence, returning the seq and full path.
func (s *Store) WriteInbox(payload, mid string) (seq, path string, err error) {
	seq, err = s.NextSeq()
	if err != nil {
		return "", "", err
	}
	path = filepath.Join(s.inboxDir(), fmt.Sprintf("%s.%s.txt", seq, mid))
	if err := storage.AtomicWriteFile(path, []byte(payload)); err != nil {
		return "", "", fmt.Errorf("mailbox: write inbox file %s: %w", path, err)
	}
	return seq, path, nil
}

// Archive moves the inbox file matching token (a 6-digit seq prefix, or a
// substring ".<mid>." match) into processed/, then enforces retention.
// Returns false without side effects if no matching file exists — at most
// once per token, per spec §8.
func (s *Store) Archive(token string) bool {
	entries, err := os.ReadDir(s.inboxDir())
	if err != nil {
		return false
	}
	var match string
	for _, e := range entries {
		name := e.Name()
		if strings.HasPrefix(name, token) || strings.Contains(name, "."+token+".") {
			match = name
			break
		}
	}
	if match == "" {
		return false
	}

	src := filepath.Join(s.inboxDir(), match)
	dst := filepath.Join(s.processedDir(), match)
	if err := os.Rename(src, dst); err != nil {
		logger.Warnf("mailbox: archive %s: %v", src, err)
		return false
	}
	s.enforceRetention()
	return true
}

// enforceRetention deletes the lexicographically smallest (= oldest, since
// names are zero-padded sequence prefixed) files above the retention cap.
func (s *Store) enforceRetention() {
	entries, err := os.ReadDir(s.processedDir())
	if err != nil {
		return
	}
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		if !e.IsDir() {
			names = append(names, e.Name())
		}
	}
	if len(names) <= s.retention {
		return
	}
	sort.Strings(names)
	excess := len(names) - s.retention
	for _, name := range names[:excess] {
		if err := os.Remove(filepath.Join(s.processedDir(), name)); err != nil {
			logger.Warnf("mailbox: retention cleanup %s: %v", name, err)
		}
	}
}

// CleanupProcessed forces retention enforcement outside of an archive call,
// used by the self-check/system-refresh scheduler (spec §4.7 supplemented
// feature: system refreshes run processed-directory cleanup for both peers).
func (s *Store) CleanupProcessed() {
	s.enforceRetention()
}

// Scan reads the three well-known files; for each non-empty, non-sentinel
// file it returns the content and replaces the file with a sentinel, so a
// second scan in immediate succession observes nothing new (spec §4.2,
// §4.6 idempotence, §8 "Sentinel idempotence").
func (s *Store) Scan(now time.Time, nextEventID func() uint64) Scan {
	var out Scan

	if body, ok := s.consumeIfFresh(s.toUserPath(), now, nextEventID, "to_user"); ok {
		out.ToUser = body
		out.HasToUser = true
	}
	if body, ok := s.consumeIfFresh(s.toPeerPath(), now, nextEventID, "to_peer"); ok {
		out.ToPeer = body
		out.HasToPeer = true
	}
	if body, ok := s.consumeIfFresh(s.patchPath(), now, nextEventID, "patch"); ok {
		out.Patch = body
		out.HasPatch = true
	}
	return out
}

func (s *Store) consumeIfFresh(path string, now time.Time, nextEventID func() uint64, route string) (string, bool) {
	data, err := os.ReadFile(path)
	if err != nil {
		return "", false
	}
	content := string(data)
	if strings.TrimSpace(content) == "" || envelope.IsSentinel(content) {
		return "", false
	}

	var eid uint64
	if nextEventID != nil {
		eid = nextEventID()
	}
	sentinel := envelope.Sentinel(now, eid, content, route)
	if err := storage.AtomicWriteFile(path, []byte(sentinel)); err != nil {
		logger.Warnf("mailbox: write sentinel for %s: %v", path, err)
	}
	return content, true
}

// ResidualInbox lists files currently sitting in inbox/ — used at startup
// to apply the configured InboxPolicy.
func (s *Store) ResidualInbox() []string {
	entries, err := os.ReadDir(s.inboxDir())
	if err != nil {
		return nil
	}
	var names []string
	for _, e := range entries {
		if !e.IsDir() {
			names = append(names, e.Name())
		}
	}
	sort.Strings(names)
	return names
}

// ApplyStartupPolicy handles residual inbox files per spec §4.2: resume
// leaves them in place; discard/archive move them into processed/.
func (s *Store) ApplyStartupPolicy(policy InboxPolicy) (affected int) {
	if policy == PolicyResume {
		return 0
	}
	for _, name := range s.ResidualInbox() {
		src := filepath.Join(s.inboxDir(), name)
		dst := filepath.Join(s.processedDir(), name)
		if err := os.Rename(src, dst); err != nil {
			logger.Warnf("mailbox: startup policy move %s: %v", name, err)
			continue
		}
		affected++
	}
	if affected > 0 {
		s.enforceRetention()
	}
	return affected
}

// InboxCount returns the number of files currently pending in inbox/, used
// by the nudge subsystem's "progress by external path" escape hatch.
func (s *Store) InboxCount() int {
	return len(s.ResidualInbox())
}

// WriteInboxMirror updates inbox.md, the bridge-mode mirror of the latest
// inbound message (spec §3 mailbox layout).
func (s *Store) WriteInboxMirror(content string) error {
	return storage.AtomicWriteFile(s.inboxMdPath(), []byte(content))
}

// OldestInboxHeadline returns the first non-empty, non-wrapper line of the
// oldest pending inbox file, truncated, for the nudge subsystem's detailed
// composition (spec §4.5 "detailed variant").
func (s *Store) OldestInboxHeadline(maxLen int) string {
	names := s.ResidualInbox()
	if len(names) == 0 {
		return ""
	}
	data, err := os.ReadFile(filepath.Join(s.inboxDir(), names[0]))
	if err != nil {
		return ""
	}
	for _, line := range strings.Split(string(data), "\n") {
		trimmed := strings.TrimSpace(line)
		if trimmed == "" || strings.HasPrefix(trimmed, "<") || strings.HasPrefix(trimmed, "[MID:") {
			continue
		}
		if len(trimmed) > maxLen {
			return trimmed[:maxLen] + "…"
		}
		return trimmed
	}
	return ""
}

// Dir returns the mailbox root directory for this peer.
func (s *Store) Dir() string { return s.dir }
