package storage

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	logx "bulksend/pkg/logx"
)

// fileSet persists one membership set on disk.
//
// Files:
//   - <prefix>.<name>.snapshot.json (periodic snapshot)
//   - <prefix>.<name>.journal.jsonl (append-only journal)
//
// The journal is compacted into the snapshot every CompactEvery writes and on Close.
type fileSet struct {
	log logx.Logger

	mu sync.Mutex

	snapshotPath string
	journal      *os.File
	members      map[string]int64 // unix milli

	writes       int
	compactEvery int
}

type journalRecord struct {
	Key string `json:"key"`
	At  int64  `json:"at"`
}

func openFile(cfg Config, name string, log logx.Logger) (Set, error) {
	path := strings.TrimSpace(cfg.Path)
	if path == "" {
		return nil, errors.New("storage.membership.path is required for file driver")
	}

	dir := filepath.Dir(path)
	base := filepath.Base(path)
	base = strings.TrimSuffix(base, filepath.Ext(base))
	prefix := filepath.Join(dir, base+"."+name)

	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}

	snapPath := prefix + ".snapshot.json"
	journalPath := prefix + ".journal.jsonl"

	members := map[string]int64{}
	if err := loadSnapshot(snapPath, members); err != nil && !errors.Is(err, os.ErrNotExist) {
		log.Warn("membership snapshot unreadable, starting from journal", logx.Err(err))
	}
	if err := replayJournal(journalPath, members); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, err
	}

	jf, err := os.OpenFile(journalPath, os.O_CREATE|os.O_APPEND|os.O_RDWR, 0o600)
	if err != nil {
		return nil, err
	}

	every := cfg.CompactEvery
	if every <= 0 {
		every = 1000
	}
	log.Debug("membership set opened", logx.String("path", prefix), logx.Int("members", len(members)))
	return &fileSet{
		log:          log,
		snapshotPath: snapPath,
		journal:      jf,
		members:      members,
		compactEvery: every,
	}, nil
}

func (s *fileSet) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.journal == nil {
		return nil
	}
	if err := s.compactLocked(); err != nil {
		s.log.Warn("membership compact on close failed", logx.Err(err))
	}
	err := s.journal.Close()
	s.journal = nil
	return err
}

func (s *fileSet) Has(_ context.Context, key string) (bool, error) {
	key = strings.TrimSpace(key)
	if key == "" {
		return false, nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.journal == nil {
		return false, ErrClosed
	}
	_, ok := s.members[key]
	return ok, nil
}

func (s *fileSet) Add(_ context.Context, key string) error {
	key = strings.TrimSpace(key)
	if key == "" {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.journal == nil {
		return ErrClosed
	}
	if _, ok := s.members[key]; ok {
		return nil
	}
	ms := time.Now().UnixMilli()
	if err := json.NewEncoder(s.journal).Encode(journalRecord{Key: key, At: ms}); err != nil {
		return err
	}
	s.members[key] = ms
	s.writes++
	if s.writes%s.compactEvery == 0 {
		if err := s.compactLocked(); err != nil {
			s.log.Debug("membership compact failed", logx.Err(err))
		}
	}
	return nil
}

func (s *fileSet) Len(context.Context) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.members), nil
}

func (s *fileSet) PurgeBefore(_ context.Context, t time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.journal == nil {
		return 0, ErrClosed
	}
	n := pruneBefore(s.members, t.UnixMilli())
	if n == 0 {
		return 0, nil
	}
	return n, s.compactLocked()
}

func (s *fileSet) compactLocked() error {
	tmp := s.snapshotPath + ".tmp"
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o600)
	if err != nil {
		return err
	}
	if err := json.NewEncoder(f).Encode(s.members); err != nil {
		_ = f.Close()
		return err
	}
	if err := f.Close(); err != nil {
		return err
	}
	if err := os.Rename(tmp, s.snapshotPath); err != nil {
		return err
	}
	if err := s.journal.Truncate(0); err != nil {
		return err
	}
	_, err = s.journal.Seek(0, io.SeekEnd)
	return err
}

func loadSnapshot(path string, out map[string]int64) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()
	var m map[string]int64
	if err := json.NewDecoder(f).Decode(&m); err != nil {
		return err
	}
	for k, v := range m {
		out[k] = v
	}
	return nil
}

func replayJournal(path string, out map[string]int64) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		var r journalRecord
		if err := json.Unmarshal(sc.Bytes(), &r); err != nil || r.Key == "" {
			// Torn tail write after a crash.
			continue
		}
		out[r.Key] = r.At
	}
	return sc.Err()
}
