// Package state remembers which messages were already handled and how far
// the receiver has read each folder, so that a restarted run picks up where
// the previous one stopped.
package state

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"
)

const (
	BackendMemory = "memory"
	BackendFile   = "file"
	BackendSQLite = "sqlite"
)

type Tracker interface {
	AlreadyProcessed(hash string) bool
	MarkProcessed(hash, messageID string) error
	// Watermark returns the stored watermark of folder and whether one was
	// stored at all.
	Watermark(folder string) (time.Time, bool)
	// SetWatermark records at for folder unless an equal or later watermark
	// is already stored.
	SetWatermark(folder string, at time.Time) error
	Snapshot() Snapshot
	Close() error
}

type Snapshot struct {
	Processed  int
	Watermarks map[string]time.Time
}

// Open returns the tracker selected by backend. persist=false keeps file
// state read-only, for dry runs.
func Open(backend, stateDir string, persist bool) (Tracker, error) {
	switch strings.ToLower(strings.TrimSpace(backend)) {
	case "", BackendFile:
		return NewFileTracker(stateDir, persist)
	case BackendSQLite:
		if strings.TrimSpace(stateDir) == "" {
			return nil, fmt.Errorf("state directory is empty")
		}
		if err := os.MkdirAll(stateDir, 0o755); err != nil {
			return nil, fmt.Errorf("create state directory: %w", err)
		}
		return NewSQLiteTracker(filepath.Join(stateDir, "state.db"))
	case BackendMemory:
		return NewMemoryTracker(), nil
	default:
		return nil, fmt.Errorf("unknown state backend %q", backend)
	}
}

type MemoryTracker struct {
	mu         sync.RWMutex
	processed  map[string]string
	watermarks map[string]time.Time
}

func NewMemoryTracker() *MemoryTracker {
	return &MemoryTracker{
		processed:  make(map[string]string),
		watermarks: make(map[string]time.Time),
	}
}

func (m *MemoryTracker) AlreadyProcessed(hash string) bool {
	if hash == "" {
		return false
	}

	m.mu.RLock()
	_, ok := m.processed[hash]
	m.mu.RUnlock()
	return ok
}

func (m *MemoryTracker) MarkProcessed(hash, messageID string) error {
	if hash == "" {
		return nil
	}

	m.mu.Lock()
	m.processed[hash] = messageID
	m.mu.Unlock()
	return nil
}

func (m *MemoryTracker) Watermark(folder string) (time.Time, bool) {
	m.mu.RLock()
	at, ok := m.watermarks[folder]
	m.mu.RUnlock()
	return at, ok
}

func (m *MemoryTracker) SetWatermark(folder string, at time.Time) error {
	m.advance(folder, at)
	return nil
}

// advance stores at when it is later than the current watermark and reports
// whether it did.
func (m *MemoryTracker) advance(folder string, at time.Time) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if cur, ok := m.watermarks[folder]; ok && !at.After(cur) {
		return false
	}
	m.watermarks[folder] = at
	return true
}

func (m *MemoryTracker) Snapshot() Snapshot {
	m.mu.RLock()
	defer m.mu.RUnlock()
	marks := make(map[string]time.Time, len(m.watermarks))
	for k, v := range m.watermarks {
		marks[k] = v
	}
	return Snapshot{Processed: len(m.processed), Watermarks: marks}
}

func (m *MemoryTracker) Close() error {
	return nil
}

// FileTracker persists processed message hashes and folder watermarks as
// JSON lines so future runs can skip them.
type FileTracker struct {
	*MemoryTracker
	path    string
	persist bool
	writer  *bufio.Writer
	file    *os.File
	writeMu sync.Mutex
}

type fileRecord struct {
	Hash      string     `json:"hash,omitempty"`
	MessageID string     `json:"message_id,omitempty"`
	Folder    string     `json:"folder,omitempty"`
	Watermark *time.Time `json:"watermark,omitempty"`
}

func NewFileTracker(stateDir string, persist bool) (*FileTracker, error) {
	if strings.TrimSpace(stateDir) == "" {
		return nil, fmt.Errorf("state directory is empty")
	}

	if err := os.MkdirAll(stateDir, 0o755); err != nil {
		return nil, fmt.Errorf("create state directory: %w", err)
	}

	tracker := &FileTracker{
		MemoryTracker: NewMemoryTracker(),
		path:          filepath.Join(stateDir, "state.jsonl"),
		persist:       persist,
	}

	if err := tracker.load(); err != nil {
		return nil, err
	}

	if persist {
		file, err := os.OpenFile(tracker.path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o600)
		if err != nil {
			return nil, fmt.Errorf("open state file for append: %w", err)
		}
		tracker.file = file
		tracker.writer = bufio.NewWriterSize(file, 64*1024)
	}

	return tracker, nil
}

func (f *FileTracker) load() error {
	file, err := os.Open(f.path)
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("open state file: %w", err)
	}
	defer file.Close()

	scanner := bufio.NewScanner(file)
	for line := 1; scanner.Scan(); line++ {
		text := scanner.Bytes()
		if len(text) == 0 {
			continue
		}

		var record fileRecord
		if err := json.Unmarshal(text, &record); err != nil {
			return fmt.Errorf("parse state line %d: %w", line, err)
		}
		switch {
		case record.Hash != "":
			f.mu.Lock()
			f.processed[record.Hash] = record.MessageID
			f.mu.Unlock()
		case record.Folder != "" && record.Watermark != nil:
			f.advance(record.Folder, *record.Watermark)
		}
	}

	if err := scanner.Err(); err != nil {
		return fmt.Errorf("read state file: %w", err)
	}

	return nil
}

func (f *FileTracker) MarkProcessed(hash, messageID string) error {
	if hash == "" {
		return nil
	}

	f.mu.Lock()
	if _, exists := f.processed[hash]; exists {
		f.mu.Unlock()
		return nil
	}
	f.processed[hash] = messageID
	f.mu.Unlock()

	return f.append(fileRecord{Hash: hash, MessageID: messageID})
}

func (f *FileTracker) SetWatermark(folder string, at time.Time) error {
	if !f.advance(folder, at) {
		return nil
	}
	at = at.UTC()
	if err := f.append(fileRecord{Folder: folder, Watermark: &at}); err != nil {
		return err
	}
	// Watermarks are rare and must survive a crash.
	return f.Flush()
}

func (f *FileTracker) append(record fileRecord) error {
	if !f.persist {
		return nil
	}

	data, err := json.Marshal(record)
	if err != nil {
		return fmt.Errorf("encode state record: %w", err)
	}

	f.writeMu.Lock()
	defer f.writeMu.Unlock()

	if _, err := f.writer.Write(data); err != nil {
		return fmt.Errorf("write state record: %w", err)
	}
	if err := f.writer.WriteByte('\n'); err != nil {
		return fmt.Errorf("write newline: %w", err)
	}

	return nil
}

// Flush writes any buffered data to the underlying file.
func (f *FileTracker) Flush() error {
	if !f.persist || f.writer == nil {
		return nil
	}

	f.writeMu.Lock()
	defer f.writeMu.Unlock()

	if err := f.writer.Flush(); err != nil {
		return fmt.Errorf("flush state file: %w", err)
	}
	if err := f.file.Sync(); err != nil {
		return fmt.Errorf("sync state file: %w", err)
	}
	return nil
}

// Close flushes and closes the state file.
func (f *FileTracker) Close() error {
	if !f.persist || f.file == nil {
		return nil
	}

	f.writeMu.Lock()
	defer f.writeMu.Unlock()

	var firstErr error
	if f.writer != nil {
		if err := f.writer.Flush(); err != nil && firstErr == nil {
			firstErr = fmt.Errorf("flush state file: %w", err)
		}
	}
	if err := f.file.Sync(); err != nil && firstErr == nil {
		firstErr = fmt.Errorf("sync state file: %w", err)
	}
	if err := f.file.Close(); err != nil && firstErr == nil {
		firstErr = fmt.Errorf("close state file: %w", err)
	}

	return firstErr
}
