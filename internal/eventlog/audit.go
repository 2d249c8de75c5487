// Package eventlog is an optional, best-effort mirror of the applied
// committed log to local disk for operator postmortem. It is never read
// back into authoritative state — raft's own log remains the single
// source of truth (spec.md §6 "Persisted state: None" refers to
// cross-restart resume; this mirror exists purely for human inspection
// after the fact) — so a write failure here is logged and otherwise
// ignored.
//
// Grounded on internal/persistence/log.JSONLZstdWriter's hourly-rotating
// zstd-compressed JSONL writer, adapted from tick/audit world entries to
// consensus.Applied entries.
package eventlog

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/klauspost/compress/zstd"
)

// AuditMirror appends one JSONL line per applied event, rotating to a new
// compressed file every hour.
type AuditMirror struct {
	baseDir string

	mu      sync.Mutex
	curHour string
	f       *os.File
	enc     *zstd.Encoder
	w       *bufio.Writer
}

// NewAuditMirror returns a mirror rooted at baseDir; files are written
// lazily on first Write.
func NewAuditMirror(baseDir string) *AuditMirror {
	return &AuditMirror{baseDir: baseDir}
}

// Entry is one mirrored line. It carries the raw envelope rather than a
// decoded event so the mirror never needs to track the event taxonomy.
type Entry struct {
	Index      uint64    `json:"index"`
	Kind       string    `json:"kind"`
	Body       []byte    `json:"body"`
	MirroredAt time.Time `json:"mirrored_at"`
}

// Write appends one entry, rotating the underlying file if the hour has
// changed since the last write.
func (m *AuditMirror) Write(e Entry) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	hour := time.Now().UTC().Format("2006-01-02-15")
	if hour != m.curHour {
		if err := m.rotateLocked(hour); err != nil {
			return err
		}
	}

	b, err := json.Marshal(e)
	if err != nil {
		return err
	}
	if _, err := m.w.Write(b); err != nil {
		return err
	}
	if err := m.w.WriteByte('\n'); err != nil {
		return err
	}
	return m.w.Flush()
}

// Close flushes and releases the current file, if any.
func (m *AuditMirror) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.closeLocked()
}

func (m *AuditMirror) rotateLocked(hour string) error {
	if err := m.closeLocked(); err != nil {
		return err
	}
	path := m.pathForHour(hour)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return err
	}
	enc, err := zstd.NewWriter(f, zstd.WithEncoderLevel(zstd.SpeedFastest))
	if err != nil {
		_ = f.Close()
		return err
	}
	m.f = f
	m.enc = enc
	m.w = bufio.NewWriterSize(enc, 64*1024)
	m.curHour = hour
	return nil
}

func (m *AuditMirror) closeLocked() error {
	var err error
	if m.w != nil {
		_ = m.w.Flush()
	}
	if m.enc != nil {
		err = m.enc.Close()
		m.enc = nil
	}
	if m.f != nil {
		_ = m.f.Close()
		m.f = nil
	}
	m.w = nil
	return err
}

func (m *AuditMirror) pathForHour(hour string) string {
	return filepath.Join(m.baseDir, fmt.Sprintf("applied-%s.jsonl.zst", hour))
}
