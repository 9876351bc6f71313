// Package recorder captures per-land activity as JSON documents on disk:
// one file per land holding metadata and an ordered list of frames. It is
// a development aid for replaying and inspecting sessions.
package recorder

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"
)

const flushEvery = 32

// Frame is one recorded moment in a land's life.
type Frame struct {
	Seq    uint64         `json:"seq"`
	At     time.Time      `json:"at"`
	Kind   string         `json:"kind"`
	Player string         `json:"player,omitempty"`
	Detail map[string]any `json:"detail,omitempty"`
}

// Metadata describes one recording.
type Metadata struct {
	LandID    string    `json:"landId"`
	Encoding  string    `json:"encoding"`
	StartedAt time.Time `json:"startedAt"`
	EndedAt   time.Time `json:"endedAt"`
}

// Recording is the on-disk document shape.
type Recording struct {
	Metadata Metadata `json:"metadata"`
	Frames   []Frame  `json:"frames"`
}

// Recorder creates land recordings under one directory.
type Recorder struct {
	dir string
	log *slog.Logger
}

// New builds a recorder rooted at dir.
func New(dir string, log *slog.Logger) *Recorder {
	if log == nil {
		log = slog.Default()
	}
	return &Recorder{dir: dir, log: log}
}

// Open starts a recording for one land. The file is named after the land
// and the start time so repeated instances never collide.
func (r *Recorder) Open(landID, encoding string) (*LandRecording, error) {
	if err := os.MkdirAll(r.dir, 0o755); err != nil {
		return nil, fmt.Errorf("creating recording dir: %w", err)
	}
	now := time.Now()
	name := fmt.Sprintf("%s-%s.json", sanitize(landID), now.UTC().Format("20060102T150405.000"))
	l := &LandRecording{
		path: filepath.Join(r.dir, name),
		log:  r.log.With("recording", name),
		rec: Recording{
			Metadata: Metadata{LandID: landID, Encoding: encoding, StartedAt: now},
		},
	}
	if err := l.flushLocked(); err != nil {
		return nil, err
	}
	return l, nil
}

// LandRecording accumulates frames for one land. A nil recording is a
// valid no-op, so callers never branch on whether recording is enabled.
type LandRecording struct {
	mu     sync.Mutex
	path   string
	log    *slog.Logger
	rec    Recording
	seq    uint64
	closed bool
}

// Record appends one frame. Every flushEvery frames the file is rewritten.
func (l *LandRecording) Record(kind, player string, detail map[string]any) {
	if l == nil {
		return
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return
	}
	l.seq++
	l.rec.Frames = append(l.rec.Frames, Frame{
		Seq:    l.seq,
		At:     time.Now(),
		Kind:   kind,
		Player: player,
		Detail: detail,
	})
	if l.seq%flushEvery == 0 {
		if err := l.flushLocked(); err != nil {
			l.log.Warn("failed to flush recording", "error", err)
		}
	}
}

// Close stamps the end time and writes the final document.
func (l *LandRecording) Close() error {
	if l == nil {
		return nil
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return nil
	}
	l.closed = true
	l.rec.Metadata.EndedAt = time.Now()
	return l.flushLocked()
}

// flushLocked writes the whole document through a temp file and rename so
// a crash never leaves a truncated recording behind.
func (l *LandRecording) flushLocked() error {
	data, err := json.MarshalIndent(l.rec, "", "  ")
	if err != nil {
		return fmt.Errorf("marshaling recording: %w", err)
	}
	tmp := l.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("writing recording: %w", err)
	}
	if err := os.Rename(tmp, l.path); err != nil {
		return fmt.Errorf("replacing recording: %w", err)
	}
	return nil
}

func sanitize(s string) string {
	return strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_':
			return r
		default:
			return '_'
		}
	}, s)
}
