package common

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
	"time"

	"github.com/zixuniaowu/cccc/internal/infra/storage"
)

var unsafeNameRe = regexp.MustCompile(`[^A-Za-z0-9._-]+`)

// SanitizeFileName strips characters that could escape the upload directory
// or collide with shell-sensitive names, grounded on telegram_bridge.py's
// _sanitize_name.
func SanitizeFileName(name string) string {
	name = filepath.Base(strings.TrimSpace(name))
	if name == "" || name == "." || name == ".." {
		name = "file"
	}
	return unsafeNameRe.ReplaceAllString(name, "_")
}

// FileMeta records the outcome of saving one inbound attachment, persisted
// as a "<path>.meta.json" sidecar the way _save_file_from_telegram does so
// /file N can report on it without re-reading the payload.
type FileMeta struct {
	Path   string `json:"path"`
	Bytes  int    `json:"bytes"`
	SHA256 string `json:"sha256"`
	Mime   string `json:"mime"`
}

// SaveInboundFile writes data under
// <home>/work/upload/inbound/<YYYYMMDD>/<bridge>-<chatID>-<mid>-<name>,
// grounded on telegram_bridge.py's _save_file_from_telegram.
func SaveInboundFile(home, bridge, chatID, mid, name, mime string, data []byte, now time.Time) (FileMeta, error) {
	day := now.UTC().Format("20060102")
	dir := filepath.Join(home, "work", "upload", "inbound", day)
	if err := storage.EnsureDir(dir); err != nil {
		return FileMeta{}, fmt.Errorf("ensure upload dir: %w", err)
	}
	fileName := fmt.Sprintf("%s-%s-%s-%s", bridge, chatID, mid, SanitizeFileName(name))
	path := filepath.Join(dir, fileName)
	if err := storage.AtomicWriteFile(path, data); err != nil {
		return FileMeta{}, fmt.Errorf("write inbound file: %w", err)
	}
	sum := sha256.Sum256(data)
	meta := FileMeta{Path: path, Bytes: len(data), SHA256: hex.EncodeToString(sum[:]), Mime: mime}
	if metaJSON, err := json.Marshal(meta); err == nil {
		_ = storage.AtomicWriteFile(path+".meta.json", metaJSON)
	}
	return meta, nil
}

func readFileMeta(path string) (FileMeta, error) {
	data, err := os.ReadFile(path + ".meta.json")
	if err != nil {
		return FileMeta{}, err
	}
	var meta FileMeta
	if err := json.Unmarshal(data, &meta); err != nil {
		return FileMeta{}, err
	}
	return meta, nil
}

// ListRecentUploads returns up to limit most-recently-modified files under
// <home>/work/upload/<dir> ("inbound" or "outbound"), newest first, skipping
// ".meta.json" sidecars — grounded on telegram_bridge.py's /files handler.
func ListRecentUploads(home, dir string, limit int) []string {
	base := filepath.Join(home, "work", "upload", dir)
	type entry struct {
		path string
		mod  time.Time
	}
	var items []entry
	_ = filepath.Walk(base, func(path string, info os.FileInfo, err error) error {
		if err != nil || info == nil || info.IsDir() || strings.HasSuffix(path, ".meta.json") {
			return nil
		}
		items = append(items, entry{path, info.ModTime()})
		return nil
	})
	sort.Slice(items, func(i, j int) bool { return items[i].mod.After(items[j].mod) })
	if limit <= 0 || limit > len(items) {
		limit = len(items)
	}
	out := make([]string, 0, limit)
	for _, it := range items[:limit] {
		out = append(out, it.path)
	}
	return out
}

// fileListingStore persists the last /files result per channel so a
// follow-up /file N can resolve an index without re-listing, grounded on
// telegram_bridge.py's runtime.json "last_files" map.
type fileListingStore struct {
	Items map[string][]string `json:"items"`
}

func lastFilesPath(home, bridge string) string {
	return filepath.Join(home, "state", fmt.Sprintf("bridge-%s-last-files.json", bridge))
}

func loadFileListingStore(path string) fileListingStore {
	store := fileListingStore{Items: map[string][]string{}}
	data, err := os.ReadFile(path)
	if err != nil {
		return store
	}
	_ = json.Unmarshal(data, &store)
	if store.Items == nil {
		store.Items = map[string][]string{}
	}
	return store
}

func rememberFileListing(home, bridge, channel string, items []string) {
	path := lastFilesPath(home, bridge)
	store := loadFileListingStore(path)
	store.Items[channel] = items
	if data, err := json.Marshal(store); err == nil {
		_ = storage.AtomicWriteFile(path, data)
	}
}

func recallFileListing(home, bridge, channel string) []string {
	return loadFileListingStore(lastFilesPath(home, bridge)).Items[channel]
}
