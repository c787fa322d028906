// Package recorder keeps a per-session flight recorder: a JSONL timeline of
// phases, actions and decisions, plus the screenshots actions capture.
package recorder

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"sync"
	"time"

	"cartpilot/internal/config"

	"go.uber.org/zap"
)

const (
	DefaultMaxTraces = 20
	TraceDir         = "data/traces"
)

// Event types written to a timeline.
const (
	EventStarted    = "session_started"
	EventPhase      = "phase"
	EventWorker     = "worker"
	EventAction     = "action"
	EventDecision   = "decision"
	EventPreference = "preference"
	EventApproval   = "approval"
	EventEnded      = "session_ended"
)

// Event represents a single record in the flight recorder.
type Event struct {
	Timestamp time.Time   `json:"ts"`
	Type      string      `json:"type"`
	SessionID string      `json:"session_id"`
	Data      interface{} `json:"data,omitempty"`
}

type trace struct {
	file    *os.File
	encoder *json.Encoder
	path    string
}

// Recorder writes one trace file per live session.
type Recorder struct {
	mu        sync.Mutex
	basePath  string
	shotsDir  string
	maxTraces int
	traces    map[string]*trace
	logger    *zap.Logger
	now       func() time.Time
}

// New creates a recorder. Screenshots are stored only when shots.Enabled.
func New(cfg config.RecorderConfig, shots config.ScreenshotsConfig, logger *zap.Logger) (*Recorder, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	base := cfg.Dir
	if base == "" {
		base = TraceDir
	}
	if err := os.MkdirAll(base, 0o755); err != nil {
		return nil, fmt.Errorf("create trace dir: %w", err)
	}
	r := &Recorder{
		basePath:  base,
		maxTraces: cfg.MaxTraces,
		traces:    make(map[string]*trace),
		logger:    logger,
		now:       time.Now,
	}
	if r.maxTraces <= 0 {
		r.maxTraces = DefaultMaxTraces
	}
	if shots.Enabled && shots.Dir != "" {
		r.shotsDir = shots.Dir
	}
	return r, nil
}

// Start opens the trace for sessionID, rotating the oldest finished traces
// out first, and writes the started event carrying data. Starting an already
// recording session is a no-op.
func (r *Recorder) Start(sessionID string, data interface{}) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.traces[sessionID]; ok {
		return nil
	}
	if err := r.rotate(); err != nil {
		return fmt.Errorf("rotate traces: %w", err)
	}

	filename := fmt.Sprintf("trace_%s_%d.jsonl", safeName(sessionID), r.now().UnixMilli())
	path := filepath.Join(r.basePath, filename)
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	t := &trace{file: f, encoder: json.NewEncoder(f), path: path}
	r.traces[sessionID] = t
	r.write(t, EventStarted, sessionID, data)
	return nil
}

// Log appends an event to the session's trace. Events for sessions that are
// not recording are dropped.
func (r *Recorder) Log(sessionID, eventType string, data interface{}) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if t, ok := r.traces[sessionID]; ok {
		r.write(t, eventType, sessionID, data)
	}
}

func (r *Recorder) write(t *trace, eventType, sessionID string, data interface{}) {
	evt := Event{Timestamp: r.now(), Type: eventType, SessionID: sessionID, Data: data}
	if err := t.encoder.Encode(evt); err != nil {
		r.logger.Debug("trace write failed", zap.String("session", sessionID), zap.Error(err))
	}
}

// TracePath returns the file backing a recording session.
func (r *Recorder) TracePath(sessionID string) (string, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	t, ok := r.traces[sessionID]
	if !ok {
		return "", false
	}
	return t.path, true
}

// End writes the closing event and closes the session's trace.
func (r *Recorder) End(sessionID string, data interface{}) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	t, ok := r.traces[sessionID]
	if !ok {
		return nil
	}
	r.write(t, EventEnded, sessionID, data)
	delete(r.traces, sessionID)
	return t.file.Close()
}

// SaveScreenshot stores png under <dir>/<session>/<label>.png and returns
// the path. It is a no-op returning "" when screenshots are disabled.
func (r *Recorder) SaveScreenshot(ctx context.Context, sessionID, label string, png []byte) (string, error) {
	if r.shotsDir == "" || len(png) == 0 {
		return "", nil
	}
	if err := ctx.Err(); err != nil {
		return "", err
	}
	dir := filepath.Join(r.shotsDir, safeName(sessionID))
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("create screenshot dir: %w", err)
	}
	path := filepath.Join(dir, safeName(label)+".png")
	if err := os.WriteFile(path, png, 0o644); err != nil {
		return "", fmt.Errorf("write screenshot: %w", err)
	}
	return path, nil
}

// rotate keeps the newest maxTraces-1 finished traces so the new one fits.
// Traces of live sessions are never removed.
func (r *Recorder) rotate() error {
	entries, err := os.ReadDir(r.basePath)
	if err != nil {
		return err
	}

	open := make(map[string]bool, len(r.traces))
	for _, t := range r.traces {
		open[filepath.Base(t.path)] = true
	}

	type traceFile struct {
		name string
		mod  time.Time
	}
	var files []traceFile
	for _, e := range entries {
		if e.IsDir() || filepath.Ext(e.Name()) != ".jsonl" || open[e.Name()] {
			continue
		}
		info, err := e.Info()
		if err != nil {
			continue
		}
		files = append(files, traceFile{e.Name(), info.ModTime()})
	}
	sort.Slice(files, func(i, j int) bool {
		if files[i].mod.Equal(files[j].mod) {
			return files[i].name > files[j].name
		}
		return files[i].mod.After(files[j].mod)
	})

	keep := r.maxTraces - 1 - len(open)
	if keep < 0 {
		keep = 0
	}
	for i := keep; i < len(files); i++ {
		_ = os.Remove(filepath.Join(r.basePath, files[i].name))
	}
	return nil
}

// Close ends every open trace.
func (r *Recorder) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	var first error
	for id, t := range r.traces {
		if err := t.file.Close(); err != nil && first == nil {
			first = err
		}
		delete(r.traces, id)
	}
	return first
}

var unsafeChars = regexp.MustCompile(`[^A-Za-z0-9._-]+`)

func safeName(s string) string {
	return unsafeChars.ReplaceAllString(s, "_")
}
