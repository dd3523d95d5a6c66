// Package dlq implements the durable dead-letter sink: an append-only,
// size-rotated store of JSON-lines records for messages that could not
// complete the ingestion pipeline.
//
// Writes are serialized by a single mutex so concurrent failures never
// interleave within a line. A DLQ write failure is logged and reported via
// the boolean return, never raised: losing an audit record is preferable to
// crashing ingestion.
package dlq

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/go-co-op/gocron/v2"

	"gridstream/internal/logging"
	"gridstream/internal/telemetry"
)

const filePrefix = "dlq_"

// Config configures the file-based sink.
type Config struct {
	// Dir is the directory holding the rotated dlq_*.jsonl files.
	Dir string

	// MaxFileSize triggers rotation once the active file reaches it.
	MaxFileSize int64

	// MaxFiles bounds how many rotated files are retained; older files
	// (by modification time) are deleted.
	MaxFiles int

	// SweepSchedule is an optional cron expression for a periodic retention
	// sweep in addition to the rotate-time cleanup. Empty disables it.
	SweepSchedule string

	// Now overrides the clock for tests. Nil means time.Now.
	Now func() time.Time

	// Logger for structured logging. Nil disables logging.
	Logger *slog.Logger
}

// Sink is the file-based dead-letter sink.
type Sink struct {
	mu     sync.Mutex
	cfg    Config
	file   *os.File
	path   string
	size   int64
	seq    int
	closed bool

	scheduler gocron.Scheduler
	logger    *slog.Logger
}

// New creates the directory if needed, opens the first active file, and
// starts the retention sweeper when a schedule is configured.
func New(cfg Config) (*Sink, error) {
	if cfg.Dir == "" {
		return nil, fmt.Errorf("dlq dir is required")
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}

	if err := os.MkdirAll(cfg.Dir, 0o755); err != nil {
		return nil, fmt.Errorf("create dlq dir: %w", err)
	}

	s := &Sink{
		cfg:    cfg,
		logger: logging.Default(cfg.Logger).With("component", "dlq"),
	}

	if err := s.openNewFile(); err != nil {
		return nil, err
	}

	if cfg.SweepSchedule != "" {
		sched, err := gocron.NewScheduler()
		if err != nil {
			return nil, fmt.Errorf("create dlq sweep scheduler: %w", err)
		}
		if _, err := sched.NewJob(
			gocron.CronJob(cfg.SweepSchedule, false),
			gocron.NewTask(s.Sweep),
			gocron.WithName("dlq-retention"),
		); err != nil {
			return nil, fmt.Errorf("schedule dlq sweep: %w", err)
		}
		sched.Start()
		s.scheduler = sched
	}

	s.logger.Info("dead-letter sink opened",
		"dir", cfg.Dir,
		"max_file_size", cfg.MaxFileSize,
		"max_files", cfg.MaxFiles)

	return s, nil
}

// Send appends one entry for a terminally failed message. The original
// payload is preserved byte for byte. Send never panics or returns an error;
// false means the record was lost (already logged).
func (s *Sink) Send(payload json.RawMessage, errType, errMsg string, retryCount int) bool {
	entry := telemetry.DLQEntry{
		Timestamp:       s.cfg.Now().UTC(),
		OriginalPayload: payload,
		ErrorType:       errType,
		ErrorMessage:    errMsg,
		RetryCount:      retryCount,
	}

	line, err := json.Marshal(entry)
	if err != nil {
		s.logger.Error("failed to encode dlq entry", "error_type", errType, "error", err)
		return false
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		s.logger.Error("dlq write after close", "error_type", errType)
		return false
	}

	if s.size >= s.cfg.MaxFileSize {
		if err := s.rotate(); err != nil {
			s.logger.Error("dlq rotation failed", "error", err)
			// Keep appending to the oversized file rather than dropping.
		}
	}

	n, err := s.file.Write(append(line, '\n'))
	if err != nil {
		s.logger.Error("failed to write dlq entry", "error_type", errType, "error", err)
		return false
	}
	if err := s.file.Sync(); err != nil {
		s.logger.Warn("dlq fsync failed", "error", err)
	}
	s.size += int64(n)

	s.logger.Debug("dlq entry written", "error_type", errType, "file", s.path)
	return true
}

// Sweep applies the retention bound outside the rotation path. Safe to call
// concurrently with Send.
func (s *Sink) Sweep() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.applyRetention()
}

// Close stops the sweeper and closes the active file. Further Sends fail.
func (s *Sink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil
	}
	s.closed = true

	if s.scheduler != nil {
		if err := s.scheduler.Shutdown(); err != nil {
			s.logger.Warn("dlq sweep scheduler shutdown", "error", err)
		}
	}

	if err := s.file.Close(); err != nil {
		return fmt.Errorf("close dlq file: %w", err)
	}
	s.logger.Info("dead-letter sink closed")
	return nil
}

// ActiveFile returns the path of the file currently being appended to.
func (s *Sink) ActiveFile() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.path
}

// rotate closes the active file, opens a fresh one, and prunes old files.
// Caller holds s.mu.
func (s *Sink) rotate() error {
	if err := s.file.Close(); err != nil {
		s.logger.Warn("closing rotated dlq file", "file", s.path, "error", err)
	}
	if err := s.openNewFile(); err != nil {
		return err
	}
	s.applyRetention()
	return nil
}

// openNewFile opens a fresh timestamped file. A sequence suffix breaks
// same-second collisions. Caller holds s.mu (or is in New).
func (s *Sink) openNewFile() error {
	stamp := s.cfg.Now().UTC().Format("20060102_150405")
	path := filepath.Join(s.cfg.Dir, filePrefix+stamp+".jsonl")
	for {
		if _, err := os.Stat(path); os.IsNotExist(err) {
			break
		}
		s.seq++
		path = filepath.Join(s.cfg.Dir, fmt.Sprintf("%s%s_%d.jsonl", filePrefix, stamp, s.seq))
	}

	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("open dlq file %s: %w", path, err)
	}

	s.file = f
	s.path = path
	s.size = 0
	s.logger.Debug("opened new dlq file", "file", path)
	return nil
}

// applyRetention deletes the oldest files beyond the MaxFiles bound.
// Caller holds s.mu.
func (s *Sink) applyRetention() {
	doomed, err := excessFiles(s.cfg.Dir, s.cfg.MaxFiles)
	if err != nil {
		s.logger.Error("dlq retention scan failed", "error", err)
		return
	}
	for _, path := range doomed {
		if path == s.path {
			// Never delete the active file.
			continue
		}
		if err := os.Remove(path); err != nil {
			s.logger.Error("failed to remove old dlq file", "file", path, "error", err)
			continue
		}
		s.logger.Info("removed old dlq file", "file", path)
	}
}
