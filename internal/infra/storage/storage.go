// Package storage provides the filesystem primitives every stateful CCCC
// component builds on: directory creation and atomic, fsync'd file writes.
// Every state/*.json snapshot and policy-guard file in the
// orchestrator goes through AtomicWriteFile so readers never observe a torn
// write, even if the process is killed mid-write.
package storage

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/zixuniaowu/cccc/internal/infra/logger"
)

const defaultFilePerm = 0600

// EnsureDir makes sure the directory containing path exists.
func EnsureDir(path string) error {
	dir := filepath.Dir(path)
	if dir == "." || dir == "" {
		return nil
	}
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return fmt.Errorf("create dir %s: %w", dir, err)
	}
	return nil
}

// AtomicWriteFile writes data to path by creating a temp file in the same
// directory, fsyncing it, renaming it into place, and best-effort fsyncing
// the containing directory so the rename itself is durable on crash.
func AtomicWriteFile(path string, data []byte) error {
	clean := filepath.Clean(path)
	if err := EnsureDir(clean); err != nil {
		return err
	}
	dir := filepath.Dir(clean)

	tmp, err := os.CreateTemp(dir, "atomic-*.tmp")
	if err != nil {
		return fmt.Errorf("create temp file in %s: %w", dir, err)
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("write temp file %s: %w", tmpName, err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("sync temp file %s: %w", tmpName, err)
	}
	if err := tmp.Chmod(defaultFilePerm); err != nil {
		tmp.Close()
		return fmt.Errorf("chmod temp file %s: %w", tmpName, err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close temp file %s: %w", tmpName, err)
	}
	if err := os.Rename(tmpName, clean); err != nil {
		return fmt.Errorf("rename %s to %s: %w", tmpName, clean, err)
	}

	if dirFile, err := os.Open(dir); err == nil {
		if syncErr := dirFile.Sync(); syncErr != nil {
			logger.Warnf("storage: fsync dir %s failed: %v", dir, syncErr)
		}
		dirFile.Close()
	}
	return nil
}

// AppendFile opens path for append (creating it if necessary) and writes
// data in a single call. Used by append-only files (ledger, outbox,
// commands) where O_APPEND guarantees line-atomic interleaving between
// concurrent writers, not atomic-rename semantics.
func AppendFile(path string, data []byte) error {
	if err := EnsureDir(path); err != nil {
		return err
	}
	f, err := os.OpenFile(filepath.Clean(path), os.O_APPEND|os.O_CREATE|os.O_WRONLY, defaultFilePerm)
	if err != nil {
		return fmt.Errorf("open append file %s: %w", path, err)
	}
	defer f.Close()
	if _, err := f.Write(data); err != nil {
		return fmt.Errorf("append write %s: %w", path, err)
	}
	return nil
}

// FileExists reports whether path exists and is a regular file.
func FileExists(path string) bool {
	info, err := os.Stat(path)
	return err == nil && !info.IsDir()
}
