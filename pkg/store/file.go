package store

import (
	"bufio"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/locuskit/locus/pkg"
	"github.com/locuskit/locus/pkg/logx"
)

const (
	// DefaultRotateInterval rotates the history file hourly
	DefaultRotateInterval = time.Hour

	// DefaultRotateSize rotates when the file reaches 10 MB
	DefaultRotateSize = 10 * 1024 * 1024
)

// FileStoreConfig tunes the append-only text store
type FileStoreConfig struct {
	Path           string        `json:"path"`
	RotateInterval time.Duration `json:"rotate_interval"`
	RotateSize     int64         `json:"rotate_size"`
	MaxRotated     int           `json:"max_rotated"` // 0 keeps all
}

// FileStore appends one record line per fix and rotates the file on age
// or size. Rotated files carry a timestamp suffix next to the base path.
type FileStore struct {
	mu     sync.Mutex
	config FileStoreConfig
	logger *logx.Logger

	file      *os.File
	writer    *bufio.Writer
	size      int64
	openedAt  time.Time
	latest    *pkg.Fix
	hasLatest bool
	closed    bool
	inited    bool
}

// NewFileStore creates the store; zero config fields select defaults
func NewFileStore(config FileStoreConfig, logger *logx.Logger) *FileStore {
	if config.Path == "" {
		config.Path = "location_history.log"
	}
	if config.RotateInterval <= 0 {
		config.RotateInterval = DefaultRotateInterval
	}
	if config.RotateSize <= 0 {
		config.RotateSize = DefaultRotateSize
	}
	return &FileStore{config: config, logger: logger}
}

func (s *FileStore) Name() string { return "file" }

func (s *FileStore) Init() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return pkg.ErrStoreClosed
	}
	if s.inited {
		return nil
	}
	if dir := filepath.Dir(s.config.Path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create history dir: %w", err)
		}
	}
	if err := s.openLocked(); err != nil {
		return err
	}
	s.inited = true
	return nil
}

func (s *FileStore) openLocked() error {
	f, err := os.OpenFile(s.config.Path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("open history file: %w", err)
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return fmt.Errorf("stat history file: %w", err)
	}
	s.file = f
	s.writer = bufio.NewWriter(f)
	s.size = info.Size()
	s.openedAt = time.Now()
	return nil
}

func (s *FileStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil
	}
	s.closed = true
	if s.writer != nil {
		s.writer.Flush()
	}
	if s.file != nil {
		return s.file.Close()
	}
	return nil
}

func (s *FileStore) Save(fix pkg.Fix) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.saveLocked(fix)
}

func (s *FileStore) SaveBatch(fixes []pkg.Fix) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed || !s.inited {
		return pkg.ErrStoreClosed
	}
	for _, f := range fixes {
		if err := s.saveLocked(f); err != nil {
			return err
		}
	}
	return s.writer.Flush()
}

func (s *FileStore) saveLocked(fix pkg.Fix) error {
	if s.closed || !s.inited {
		return pkg.ErrStoreClosed
	}
	if err := s.rotateIfNeededLocked(); err != nil {
		return err
	}

	line := EncodeFix(fix)
	n, err := s.writer.WriteString(line + "\n")
	if err != nil {
		return fmt.Errorf("append record: %w", err)
	}
	if err := s.writer.Flush(); err != nil {
		return fmt.Errorf("flush record: %w", err)
	}
	s.size += int64(n)
	s.latest = &fix
	s.hasLatest = true
	return nil
}

// rotateIfNeededLocked renames the active file with a timestamp suffix
// once it is old or large enough, then reopens a fresh one
func (s *FileStore) rotateIfNeededLocked() error {
	if s.size < s.config.RotateSize && time.Since(s.openedAt) < s.config.RotateInterval {
		return nil
	}
	if s.size == 0 {
		s.openedAt = time.Now()
		return nil
	}

	s.writer.Flush()
	s.file.Close()

	// Nanosecond suffix keeps rotated names unique under bursts
	rotated := fmt.Sprintf("%s.%s.%09d", s.config.Path,
		time.Now().UTC().Format("20060102T150405"), time.Now().UnixNano()%1e9)
	if err := os.Rename(s.config.Path, rotated); err != nil {
		return fmt.Errorf("rotate history file: %w", err)
	}
	if s.logger != nil {
		s.logger.Info("history file rotated", "rotated", rotated, "size", s.size)
	}
	s.pruneRotatedLocked()
	return s.openLocked()
}

func (s *FileStore) pruneRotatedLocked() {
	if s.config.MaxRotated <= 0 {
		return
	}
	rotated, err := s.rotatedFilesLocked()
	if err != nil || len(rotated) <= s.config.MaxRotated {
		return
	}
	for _, old := range rotated[:len(rotated)-s.config.MaxRotated] {
		os.Remove(old)
	}
}

// rotatedFilesLocked lists rotated files, oldest first
func (s *FileStore) rotatedFilesLocked() ([]string, error) {
	matches, err := filepath.Glob(s.config.Path + ".*")
	if err != nil {
		return nil, err
	}
	sort.Strings(matches)
	return matches, nil
}

func (s *FileStore) Latest() (pkg.Fix, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed || !s.inited {
		return pkg.Fix{}, false
	}
	if s.hasLatest {
		return *s.latest, true
	}
	// Cold start: recover the last parseable line from disk
	fixes, err := s.readAllLocked()
	if err != nil || len(fixes) == 0 {
		return pkg.Fix{}, false
	}
	last := fixes[len(fixes)-1]
	s.latest = &last
	s.hasLatest = true
	return last, true
}

func (s *FileStore) QueryByTime(from, to int64) ([]pkg.Fix, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed || !s.inited {
		return nil, pkg.ErrStoreClosed
	}
	all, err := s.readAllLocked()
	if err != nil {
		return nil, err
	}
	var out []pkg.Fix
	for _, f := range all {
		if f.Timestamp >= from && f.Timestamp <= to {
			out = append(out, f)
		}
	}
	return out, nil
}

func (s *FileStore) Recent(n int) ([]pkg.Fix, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed || !s.inited {
		return nil, pkg.ErrStoreClosed
	}
	all, err := s.readAllLocked()
	if err != nil {
		return nil, err
	}
	if n <= 0 || len(all) == 0 {
		return nil, nil
	}
	if n > len(all) {
		n = len(all)
	}
	return all[len(all)-n:], nil
}

// readAllLocked parses rotated files oldest-first, then the active file.
// Malformed lines are skipped.
func (s *FileStore) readAllLocked() ([]pkg.Fix, error) {
	s.writer.Flush()

	files, err := s.rotatedFilesLocked()
	if err != nil {
		return nil, err
	}
	files = append(files, s.config.Path)

	var out []pkg.Fix
	for _, path := range files {
		f, err := os.Open(path)
		if err != nil {
			if os.IsNotExist(err) {
				continue
			}
			return nil, fmt.Errorf("open %s: %w", path, err)
		}
		scanner := bufio.NewScanner(f)
		for scanner.Scan() {
			line := strings.TrimSpace(scanner.Text())
			if line == "" {
				continue
			}
			fix, err := DecodeFix(line)
			if err != nil {
				if s.logger != nil {
					s.logger.Warn("skipping malformed history record", "file", path, "error", err)
				}
				continue
			}
			out = append(out, fix)
		}
		f.Close()
	}
	return out, nil
}

func (s *FileStore) Clear() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed || !s.inited {
		return pkg.ErrStoreClosed
	}
	s.writer.Flush()
	s.file.Close()

	rotated, _ := s.rotatedFilesLocked()
	for _, path := range rotated {
		os.Remove(path)
	}
	if err := os.Remove(s.config.Path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("remove history file: %w", err)
	}
	s.latest = nil
	s.hasLatest = false
	return s.openLocked()
}
