package audit

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/technosupport/plugin-entitlements/internal/platform/paths"
)

const spoolFile = "audit_spool.log"

var ErrSpoolFull = errors.New("audit: spool full")

// Spool is a local JSONL file holding events the database could not accept.
type Spool struct {
	dir     string
	file    string
	maxSize int64

	mu sync.Mutex
}

func NewSpool(dir string, maxMB int64) (*Spool, error) {
	if maxMB <= 0 {
		maxMB = 64
	}
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return nil, fmt.Errorf("create spool dir: %w", err)
	}
	file, err := paths.SafeJoin(dir, spoolFile)
	if err != nil {
		return nil, err
	}
	return &Spool{dir: filepath.Dir(file), file: file, maxSize: maxMB << 20}, nil
}

func (s *Spool) path() string {
	return s.file
}

func (s *Spool) Append(evt Event) error {
	line, err := json.Marshal(spooled{EventID: evt.EventID.String(), Payload: evt, Timestamp: time.Now().UTC()})
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if info, err := os.Stat(s.path()); err == nil && info.Size()+int64(len(line)) >= s.maxSize {
		return ErrSpoolFull
	}

	f, err := os.OpenFile(s.path(), os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o600)
	if err != nil {
		return err
	}
	defer f.Close()

	_, err = f.Write(append(line, '\n'))
	return err
}

// take moves the current spool aside and returns the replay file path, or "" when
// there is nothing to replay.
func (s *Spool) take() (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	info, err := os.Stat(s.path())
	if os.IsNotExist(err) || (err == nil && info.Size() == 0) {
		return "", nil
	}
	if err != nil {
		return "", err
	}
	replay, err := paths.SafeJoin(s.dir, fmt.Sprintf("replay_%d.log", time.Now().UnixNano()))
	if err != nil {
		return "", err
	}
	if err := os.Rename(s.path(), replay); err != nil {
		return "", err
	}
	return replay, nil
}

// StartReplayer flushes the spool every interval until ctx ends.
func (s *Service) StartReplayer(ctx context.Context, interval time.Duration) {
	if s.Spool == nil {
		return
	}
	ticker := time.NewTicker(interval)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				s.ReplaySpool(ctx)
			}
		}
	}()
}

// ReplaySpool writes spooled events back to the database and returns how many were
// flushed. Events that fail again go back to the spool; inserts are idempotent on
// event_id.
func (s *Service) ReplaySpool(ctx context.Context) int {
	if s.Spool == nil {
		return 0
	}
	replay, err := s.Spool.take()
	if err != nil {
		s.logger.Warn("failed to rotate audit spool for replay", zap.Error(err))
		return 0
	}
	if replay == "" {
		return 0
	}

	f, err := os.Open(replay)
	if err != nil {
		s.logger.Warn("failed to open audit replay file", zap.Error(err))
		return 0
	}

	var flushed, skipped int
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		var se spooled
		if err := json.Unmarshal(scanner.Bytes(), &se); err != nil {
			skipped++
			s.logger.Error("unreadable audit spool line dropped", zap.String("file", replay), zap.Error(err))
			continue
		}
		if err := s.insert(ctx, se.Payload); err != nil {
			if err := s.Spool.Append(se.Payload); err != nil {
				s.logger.Error("audit event dropped during replay", zap.String("event_id", se.EventID), zap.Error(err))
			}
			continue
		}
		flushed++
	}
	if err := scanner.Err(); err != nil {
		s.logger.Error("audit replay read failed", zap.String("file", replay), zap.Error(err))
	}
	f.Close()
	if err := os.Remove(replay); err != nil {
		s.logger.Warn("failed to remove audit replay file", zap.String("file", replay), zap.Error(err))
	}

	if flushed > 0 || skipped > 0 {
		s.logger.Info("audit replay finished", zap.Int("events", flushed), zap.Int("skipped", skipped))
	}
	return flushed
}
