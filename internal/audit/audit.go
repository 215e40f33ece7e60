// Package audit implements AuditLogger (spec §4/9): an append-only JSONL
// event log guarded by an advisory directory lock, flushed on a batch
// timer, bounded to a rolling window of entries.
package audit

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/reviewbot/reviewbot/internal/config"
	apperrors "github.com/reviewbot/reviewbot/pkg/errors"
	"github.com/reviewbot/reviewbot/pkg/idgen"
	"github.com/reviewbot/reviewbot/pkg/logger"
)

// lockStaleness is how long a lock directory may exist before it is
// considered abandoned by a crashed process and removed.
const lockStaleness = 60 * time.Second

const defaultFlushInterval = 5 * time.Second

// Event is one append-only audit record emitted at a PR lifecycle
// transition (spec §3's "audit events are emitted at every lifecycle
// transition").
type Event struct {
	ID     string            `json:"id"`
	Time   time.Time         `json:"time"`
	Type   string            `json:"type"`
	Key    string            `json:"key,omitempty"`
	Fields map[string]string `json:"fields,omitempty"`
}

// Sink is the narrow interface ReviewCoordinator and the other
// lifecycle-emitting components depend on.
type Sink interface {
	Emit(eventType, key string, fields map[string]string)
}

// Logger is the AuditLogger. Emit buffers events in memory; Run flushes
// them to disk on a timer under an advisory directory lock so a second
// process sharing the same log file never interleaves partial writes.
type Logger struct {
	path       string
	maxEntries int
	interval   time.Duration
	log        *zap.Logger
	sinks      []Sink

	mu      sync.Mutex
	pending []Event

	stopOnce sync.Once
	stopCh   chan struct{}
	doneCh   chan struct{}
	running  bool
}

// New constructs a Logger. Additional sinks (e.g. the dashstore mirror)
// receive every Emit call synchronously in addition to the buffered
// on-disk log; a sink failure is the sink's own concern and never affects
// the file-backed log's durability.
func New(cfg config.AuditConfig, log *zap.Logger, sinks ...Sink) *Logger {
	if log == nil {
		log = logger.Get()
	}
	return &Logger{
		path:       cfg.Path,
		maxEntries: cfg.MaxEntries,
		interval:   defaultFlushInterval,
		log:        log,
		sinks:      sinks,
		stopCh:     make(chan struct{}),
		doneCh:     make(chan struct{}),
	}
}

// Emit appends an event to the pending buffer. It never blocks on disk
// I/O; durability happens on the next flush tick or Close.
func (l *Logger) Emit(eventType, key string, fields map[string]string) {
	l.mu.Lock()
	l.pending = append(l.pending, Event{
		ID:     idgen.NewEventID(),
		Time:   time.Now(),
		Type:   eventType,
		Key:    key,
		Fields: fields,
	})
	l.mu.Unlock()

	for _, sink := range l.sinks {
		sink.Emit(eventType, key, fields)
	}
}

// Run drives the batched flush timer until ctx is cancelled or Close is
// called, flushing once more before returning.
func (l *Logger) Run(ctx context.Context) {
	l.mu.Lock()
	l.running = true
	l.mu.Unlock()
	defer close(l.doneCh)
	ticker := time.NewTicker(l.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if err := l.Flush(); err != nil {
				l.log.Warn("audit flush failed", zap.Error(err))
			}
		case <-ctx.Done():
			if err := l.Flush(); err != nil {
				l.log.Warn("final audit flush failed", zap.Error(err))
			}
			return
		case <-l.stopCh:
			if err := l.Flush(); err != nil {
				l.log.Warn("final audit flush failed", zap.Error(err))
			}
			return
		}
	}
}

// Close stops Run and waits for its final flush. Safe to call more than
// once, and safe even if Run was never started.
func (l *Logger) Close() error {
	l.mu.Lock()
	running := l.running
	l.mu.Unlock()

	if !running {
		if err := l.Flush(); err != nil {
			l.log.Warn("final audit flush failed", zap.Error(err))
		}
		return nil
	}

	l.stopOnce.Do(func() { close(l.stopCh) })
	<-l.doneCh
	return nil
}

// Flush drains the pending buffer, merges it with the on-disk log under
// the advisory lock, trims to maxEntries, and atomically rewrites the
// file. A lock-acquisition failure puts the batch back for the next tick
// rather than dropping events.
func (l *Logger) Flush() error {
	l.mu.Lock()
	batch := l.pending
	l.pending = nil
	l.mu.Unlock()

	if len(batch) == 0 {
		return nil
	}

	unlock, err := l.acquireLock()
	if err != nil {
		l.mu.Lock()
		l.pending = append(batch, l.pending...)
		l.mu.Unlock()
		return apperrors.Wrap(apperrors.ErrCodeAuditWrite, "acquiring audit log lock", err, apperrors.KindTransient)
	}
	defer unlock()

	existing, err := l.readAll()
	if err != nil {
		return apperrors.Wrap(apperrors.ErrCodeAuditWrite, "reading audit log", err, apperrors.KindTransient)
	}

	all := append(existing, batch...)
	if l.maxEntries > 0 && len(all) > l.maxEntries {
		all = all[len(all)-l.maxEntries:]
	}

	if err := l.writeAll(all); err != nil {
		return apperrors.Wrap(apperrors.ErrCodeAuditWrite, "writing audit log", err, apperrors.KindTransient)
	}
	return nil
}

func (l *Logger) lockPath() string {
	return l.path + ".lock"
}

// acquireLock takes the advisory directory lock, reclaiming it if it's
// older than lockStaleness (the prior holder presumably crashed), the
// same staleness-reclaim pattern the teacher uses for a stale
// .git/index.lock left behind by a crashed git process.
func (l *Logger) acquireLock() (func(), error) {
	lockDir := l.lockPath()

	for attempt := 0; attempt < 2; attempt++ {
		err := os.Mkdir(lockDir, 0o755)
		if err == nil {
			return func() { os.Remove(lockDir) }, nil
		}
		if !os.IsExist(err) {
			return nil, err
		}

		info, statErr := os.Stat(lockDir)
		if statErr == nil && time.Since(info.ModTime()) > lockStaleness {
			l.log.Warn("removing stale audit log lock", zap.String("path", lockDir))
			os.Remove(lockDir)
			continue
		}
		return nil, fmt.Errorf("audit log is locked: %s", lockDir)
	}
	return nil, fmt.Errorf("audit log is locked: %s", lockDir)
}

func (l *Logger) readAll() ([]Event, error) {
	f, err := os.Open(l.path)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var events []Event
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var ev Event
		if err := json.Unmarshal(line, &ev); err != nil {
			l.log.Warn("skipping malformed audit log line", zap.Error(err))
			continue
		}
		events = append(events, ev)
	}
	return events, scanner.Err()
}

// writeAll rewrites the whole log via a temp-file-plus-atomic-rename, the
// same protocol StateStore uses for state.json, so a crash mid-write never
// leaves a half-written audit log behind.
func (l *Logger) writeAll(events []Event) error {
	dir := filepath.Dir(l.path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}

	tmp, err := os.CreateTemp(dir, ".audit-*.tmp")
	if err != nil {
		return err
	}
	tmpPath := tmp.Name()

	w := bufio.NewWriter(tmp)
	enc := json.NewEncoder(w)
	for _, ev := range events {
		if err := enc.Encode(ev); err != nil {
			tmp.Close()
			os.Remove(tmpPath)
			return err
		}
	}
	if err := w.Flush(); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return err
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath)
		return err
	}
	return os.Rename(tmpPath, l.path)
}
