// Package common provides the shared scaffolding for the chat bridges in
// C11: a PID-file singleton lock helper (not acquired by any bridge
// constructor), redaction, length-capping, and runtime-persisted channel
// subscriptions.
package common

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
	"sync"
	"syscall"
	"time"

	"go.etcd.io/bbolt"

	"github.com/zixuniaowu/cccc/internal/infra/logger"
	"github.com/zixuniaowu/cccc/internal/infra/storage"
)

// Poster is the minimal capability every bridge must implement to receive
// outbox fan-out (spec §4.11).
type Poster interface {
	// Name identifies the bridge for logs and the lock/subscription files.
	Name() string
	// Post delivers text to channel, returning an error for the caller to
	// log and move on from (spec §7 category 5, "network errors").
	Post(channel, text string) error
}

// SingletonLock prevents two instances of the same bridge from running
// against the same home directory concurrently, via a PID file (spec's
// supplemented "bridge singleton lock" feature).
type SingletonLock struct {
	path string
}

// AcquireSingletonLock writes <home>/state/bridge-<name>.pid if no live
// process already holds it. Returns an error if another PID in the file is
// still alive.
func AcquireSingletonLock(home, name string) (*SingletonLock, error) {
	path := filepath.Join(home, "state", fmt.Sprintf("bridge-%s.pid", name))
	if data, err := os.ReadFile(path); err == nil {
		if pid, perr := strconv.Atoi(strings.TrimSpace(string(data))); perr == nil && pid > 0 && processAlive(pid) {
			return nil, fmt.Errorf("bridge %s already running (pid %d)", name, pid)
		}
	}
	if err := storage.AtomicWriteFile(path, []byte(strconv.Itoa(os.Getpid()))); err != nil {
		return nil, fmt.Errorf("acquire singleton lock for %s: %w", name, err)
	}
	return &SingletonLock{path: path}, nil
}

func processAlive(pid int) bool {
	proc, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	// On Unix, FindProcess always succeeds; signal 0 probes liveness
	// without actually sending a signal.
	return proc.Signal(syscall.Signal(0)) == nil
}

// Release removes the PID file.
func (l *SingletonLock) Release() {
	if l == nil {
		return
	}
	_ = os.Remove(l.path)
}

// subscriptionsBucket is the sole bbolt bucket each bridge's subscription
// database holds; keys are channel ids, values are unused placeholders.
var subscriptionsBucket = []byte("subscriptions")

// dbOpenTimeout bounds how long bbolt.Open waits on another process's flock
// before giving up, grounded on the teacher's peersmgr store.
const dbOpenTimeout = 2 * time.Second

const dbFileMode = 0o600

// Subscriptions persists the runtime-discovered set of channels a bridge
// should post to, unioned with the statically configured channel list
// (spec §4.11 "union of configured channels and a runtime-persisted
// subscription list"). Backed by an embedded bbolt database so concurrent
// bridge restarts never race a half-written text file.
type Subscriptions struct {
	db  *bbolt.DB
	mu  sync.Mutex
	set map[string]bool
}

// LoadSubscriptions opens (creating if needed) the subscription database for
// a named bridge at <home>/state/bridge-<name>-subs.db and loads its keys
// into memory. Falls back to an empty in-memory set (logging a warning) if
// the database can't be opened, so a locked/corrupt file never blocks the
// bridge from starting.
func LoadSubscriptions(home, name string) *Subscriptions {
	path := filepath.Join(home, "state", fmt.Sprintf("bridge-%s-subs.db", name))
	s := &Subscriptions{set: make(map[string]bool)}

	db, err := bbolt.Open(path, dbFileMode, &bbolt.Options{Timeout: dbOpenTimeout})
	if err != nil {
		logger.Warnf("bridges: open subscriptions db %s: %v", path, err)
		return s
	}
	s.db = db

	err = db.Update(func(tx *bbolt.Tx) error {
		b, err := tx.CreateBucketIfNotExists(subscriptionsBucket)
		if err != nil {
			return err
		}
		return b.ForEach(func(k, _ []byte) error {
			s.set[string(k)] = true
			return nil
		})
	})
	if err != nil {
		logger.Warnf("bridges: load subscriptions db %s: %v", path, err)
	}
	return s
}

// Add registers channel as subscribed, persisting immediately.
func (s *Subscriptions) Add(channel string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.set[channel] {
		return
	}
	s.set[channel] = true
	s.persist(channel)
}

// Contains reports whether channel is already subscribed.
func (s *Subscriptions) Contains(channel string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.set[channel]
}

// Remove un-subscribes channel, persisting immediately. The opposite of
// Add, used by the /unsubscribe slash command.
func (s *Subscriptions) Remove(channel string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.set[channel] {
		return
	}
	delete(s.set, channel)
	if s.db == nil {
		return
	}
	err := s.db.Update(func(tx *bbolt.Tx) error {
		b, err := tx.CreateBucketIfNotExists(subscriptionsBucket)
		if err != nil {
			return err
		}
		return b.Delete([]byte(channel))
	})
	if err != nil {
		logger.Warnf("bridges: remove subscription %s: %v", channel, err)
	}
}

func (s *Subscriptions) persist(channel string) {
	if s.db == nil {
		return
	}
	err := s.db.Update(func(tx *bbolt.Tx) error {
		b, err := tx.CreateBucketIfNotExists(subscriptionsBucket)
		if err != nil {
			return err
		}
		return b.Put([]byte(channel), []byte{1})
	})
	if err != nil {
		logger.Warnf("bridges: persist subscription %s: %v", channel, err)
	}
}

// Close releases the underlying database handle; safe to call on a nil
// receiver or one that failed to open.
func (s *Subscriptions) Close() {
	if s == nil || s.db == nil {
		return
	}
	_ = s.db.Close()
}

// Union returns the static configured channels plus every runtime
// subscription, deduplicated.
func (s *Subscriptions) Union(configured []string) []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	seen := make(map[string]bool, len(configured)+len(s.set))
	var out []string
	for _, c := range configured {
		if c != "" && !seen[c] {
			seen[c] = true
			out = append(out, c)
		}
	}
	for c := range s.set {
		if !seen[c] {
			seen[c] = true
			out = append(out, c)
		}
	}
	return out
}

// routePrefixes maps every recognized inbound routing prefix (spec §4.11:
// "a:", "b:", "both:", "/a", "/b", "/both", or a bot-mention form) to the
// commandqueue.Command.Type it produces.
var routePrefixes = []struct {
	prefix string
	route  string
}{
	{"both:", "both"}, {"/both", "both"},
	{"a:", "a"}, {"/a", "a"},
	{"b:", "b"}, {"/b", "b"},
}

// ParseRoute extracts a leading routing prefix from text (case-insensitive),
// returning the commandqueue route ("a"|"b"|"both"), the remaining body, and
// whether a prefix was actually found. A bot-mention ("@cccc ...") counts as
// the "both" route.
func ParseRoute(text string, botMention string) (route, body string, hasPrefix bool) {
	trimmed := strings.TrimSpace(text)
	lower := strings.ToLower(trimmed)
	for _, rp := range routePrefixes {
		if strings.HasPrefix(lower, rp.prefix) {
			return rp.route, strings.TrimSpace(trimmed[len(rp.prefix):]), true
		}
	}
	if botMention != "" && strings.HasPrefix(lower, strings.ToLower(botMention)) {
		return "both", strings.TrimSpace(trimmed[len(botMention):]), true
	}
	return "both", trimmed, false
}

var wsRe = regexp.MustCompile(`\s+`)

// Redact applies each configured regex, replacing matches with "[redacted]",
// then, when the result is longer than maxLen bytes, keeps its first maxLen
// bytes and appends "…" (spec §4.11 "PII-redacted by configurable
// regexes").
func Redact(text string, patterns []string, maxLen int) string {
	out := text
	for _, p := range patterns {
		if p == "" {
			continue
		}
		if re, err := regexp.Compile(p); err == nil {
			out = re.ReplaceAllString(out, "[redacted]")
		}
	}
	if maxLen > 0 && len(out) > maxLen {
		out = out[:maxLen] + "…"
	}
	return out
}

// CollapseWhitespace is a small formatting helper bridges use before
// posting single-line summaries.
func CollapseWhitespace(text string) string {
	return strings.TrimSpace(wsRe.ReplaceAllString(text, " "))
}

// RetryAfterError wraps a platform quota error with the server-specified
// wait duration, so a throttle.Throttler's WaitExtractor can recover it
// without any bridge-specific knowledge leaking into the throttle package
// (spec §7 category 8, "platform quota errors back off").
type RetryAfterError struct {
	Err        error
	RetryAfter time.Duration
}

func (e *RetryAfterError) Error() string { return e.Err.Error() }
func (e *RetryAfterError) Unwrap() error { return e.Err }

// ExtractRetryAfter is the shared throttle.WaitExtractor every bridge
// registers: it recognizes *RetryAfterError and nothing else.
func ExtractRetryAfter(err error) (time.Duration, bool) {
	var rl *RetryAfterError
	if errors.As(err, &rl) {
		return rl.RetryAfter, true
	}
	return 0, false
}
