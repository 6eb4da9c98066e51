package storage

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	logx "weatherpush/pkg/logx"
)

// fileStore appends JSON Lines to <prefix>.deliveries.jsonl.
//
// PruneBefore rewrites the file through a temp file and an atomic rename.
type fileStore struct {
	log logx.Logger

	mu   sync.Mutex
	path string
	f    *os.File
}

func openFile(cfg Config, log logx.Logger) (Store, error) {
	path := strings.TrimSpace(cfg.Path)
	if path == "" {
		return nil, errors.New("storage.path is required for file driver")
	}
	dir := filepath.Dir(path)
	base := strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}

	s := &fileStore{log: log, path: filepath.Join(dir, base) + ".deliveries.jsonl"}
	if err := s.reopenLocked(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *fileStore) reopenLocked() error {
	f, err := os.OpenFile(s.path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o600)
	if err != nil {
		return err
	}
	s.f = f
	return nil
}

func (s *fileStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.f == nil {
		return nil
	}
	err := s.f.Close()
	s.f = nil
	return err
}

func (s *fileStore) AppendDelivery(ctx context.Context, r DeliveryRecord) error {
	_ = ctx
	if r.At.IsZero() {
		r.At = time.Now()
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.f == nil {
		return errors.New("delivery log closed")
	}
	return json.NewEncoder(s.f).Encode(r)
}

func (s *fileStore) PruneBefore(ctx context.Context, t time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.f == nil {
		return 0, errors.New("delivery log closed")
	}

	in, err := os.Open(s.path)
	if err != nil {
		return 0, err
	}
	tmp := s.path + ".tmp"
	out, err := os.OpenFile(tmp, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o600)
	if err != nil {
		_ = in.Close()
		return 0, err
	}

	var pruned int64
	sc := bufio.NewScanner(in)
	sc.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	w := bufio.NewWriter(out)
	for sc.Scan() {
		if err := ctx.Err(); err != nil {
			_ = in.Close()
			_ = out.Close()
			_ = os.Remove(tmp)
			return 0, err
		}
		var r DeliveryRecord
		if err := json.Unmarshal(sc.Bytes(), &r); err != nil || r.At.Before(t) {
			pruned++
			continue
		}
		_, _ = w.Write(sc.Bytes())
		_ = w.WriteByte('\n')
	}
	scanErr := sc.Err()
	_ = in.Close()
	if err := w.Flush(); err != nil {
		_ = out.Close()
		return 0, err
	}
	if err := out.Close(); err != nil {
		return 0, err
	}
	if scanErr != nil {
		_ = os.Remove(tmp)
		return 0, scanErr
	}

	_ = s.f.Close()
	s.f = nil
	if err := os.Rename(tmp, s.path); err != nil {
		_ = s.reopenLocked()
		return 0, err
	}
	if err := s.reopenLocked(); err != nil {
		return pruned, err
	}
	if pruned > 0 {
		s.log.Debug("delivery log compacted", logx.Int64("pruned", pruned))
	}
	return pruned, nil
}
