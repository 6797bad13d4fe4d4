// Package filelock implements the "SequenceAllocator" capability described
// in spec §9: a monotonically increasing counter shared by multiple
// processes (the orchestrator and bridge processes), guarded by an advisory
// POSIX flock with a mutex-directory fallback when locking is unavailable
// (network filesystems, some container runtimes).
package filelock

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/zixuniaowu/cccc/internal/infra/storage"
	"golang.org/x/sys/unix"
)

// SequenceAllocator hands out unique, monotonically increasing sequence
// numbers for one peer's mailbox, persisted to a counter file and
// serialized by an advisory lock.
type SequenceAllocator struct {
	lockPath    string
	counterPath string
}

// New returns an allocator for the counter/lock pair at the given paths.
func New(lockPath, counterPath string) *SequenceAllocator {
	return &SequenceAllocator{lockPath: lockPath, counterPath: counterPath}
}

// Next returns the next sequence number, formatted as a zero-padded
// 6-digit string, and the raw uint64 value. floorAtLeast lets callers supply
// max(inbox ∪ processed) so a missing or corrupted counter file never
// regresses below what's already on disk.
func (a *SequenceAllocator) Next(floorAtLeast uint64) (string, uint64, error) {
	unlock, err := a.acquire()
	if err != nil {
		return "", 0, err
	}
	defer unlock()

	current, _ := a.read()
	if current < floorAtLeast {
		current = floorAtLeast
	}
	next := current + 1
	if err := a.write(next); err != nil {
		return "", 0, err
	}
	return fmt.Sprintf("%06d", next), next, nil
}

func (a *SequenceAllocator) read() (uint64, error) {
	data, err := os.ReadFile(a.counterPath)
	if err != nil {
		return 0, err
	}
	v, err := strconv.ParseUint(strings.TrimSpace(string(data)), 10, 64)
	if err != nil {
		return 0, err
	}
	return v, nil
}

func (a *SequenceAllocator) write(v uint64) error {
	return storage.AtomicWriteFile(a.counterPath, []byte(strconv.FormatUint(v, 10)))
}

// acquire takes the advisory flock, falling back to a mutex-directory
// (mkdir/rmdir with bounded retries) if flock setup fails outright (e.g. the
// lock file cannot be opened because the filesystem doesn't support
// O_CREATE semantics the caller expects).
func (a *SequenceAllocator) acquire() (func(), error) {
	if err := storage.EnsureDir(a.lockPath); err != nil {
		return nil, err
	}
	f, err := os.OpenFile(a.lockPath, os.O_CREATE|os.O_RDWR, 0600)
	if err != nil {
		return a.acquireMutexDir()
	}
	if err := unix.Flock(int(f.Fd()), unix.LOCK_EX); err != nil {
		f.Close()
		return a.acquireMutexDir()
	}
	return func() {
		unix.Flock(int(f.Fd()), unix.LOCK_UN)
		f.Close()
	}, nil
}

// acquireMutexDir implements the fallback named in spec §4.2: a directory
// whose atomic creation (mkdir) stands in for an exclusive lock, with
// bounded retries against a contending holder.
func (a *SequenceAllocator) acquireMutexDir() (func(), error) {
	mutexDir := a.lockPath + ".mutex"
	const (
		maxAttempts = 50
		retryDelay  = 20 * time.Millisecond
	)
	for i := 0; i < maxAttempts; i++ {
		if err := os.Mkdir(mutexDir, 0700); err == nil {
			return func() { os.Remove(mutexDir) }, nil
		}
		time.Sleep(retryDelay)
	}
	return nil, fmt.Errorf("filelock: could not acquire mutex dir %s after %d attempts", mutexDir, maxAttempts)
}

// ReadCurrentFloor scans dirs for files matching the "NNNNNN.*" naming
// convention and returns the highest NNNNNN observed. Used at startup to
// recover the counter from disk when the counter file is missing or stale
// (external actors may have created inbox files without going through this
// allocator, per spec §4.2: "the counter file monotonically advances" even
// if files are deleted).
func ReadCurrentFloor(dirs ...string) uint64 {
	var max uint64
	for _, dir := range dirs {
		entries, err := os.ReadDir(dir)
		if err != nil {
			continue
		}
		for _, e := range entries {
			name := e.Name()
			idx := strings.IndexByte(name, '.')
			if idx < 6 {
				continue
			}
			v, err := strconv.ParseUint(name[:idx], 10, 64)
			if err != nil {
				continue
			}
			if v > max {
				max = v
			}
		}
	}
	return max
}
