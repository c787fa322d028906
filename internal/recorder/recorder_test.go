package recorder

import (
	"bufio"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"cartpilot/internal/config"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newRecorder(t *testing.T, maxTraces int, shots bool) (*Recorder, string) {
	t.Helper()
	dir := t.TempDir()
	r, err := New(config.RecorderConfig{Dir: filepath.Join(dir, "traces"), MaxTraces: maxTraces},
		config.ScreenshotsConfig{Enabled: shots, Dir: filepath.Join(dir, "shots")}, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = r.Close() })

	// Distinct timestamps keep file names and rotation order deterministic.
	var tick int64
	r.now = func() time.Time {
		tick++
		return time.UnixMilli(1_700_000_000_000 + tick)
	}
	return r, dir
}

func readEvents(t *testing.T, path string) []Event {
	t.Helper()
	f, err := os.Open(path)
	require.NoError(t, err)
	defer f.Close()

	var out []Event
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		var e Event
		require.NoError(t, json.Unmarshal(sc.Bytes(), &e))
		out = append(out, e)
	}
	require.NoError(t, sc.Err())
	return out
}

func TestRecorderTimeline(t *testing.T) {
	r, _ := newRecorder(t, 5, false)

	require.NoError(t, r.Start("s1", map[string]int{"max_orders": 2}))
	require.NoError(t, r.Start("s1", nil), "second start is a no-op")
	r.Log("s1", EventPhase, "loading_orders")
	r.Log("other", EventPhase, "dropped")
	path, ok := r.TracePath("s1")
	require.True(t, ok)
	require.NoError(t, r.End("s1", map[string]string{"status": "approved"}))

	_, ok = r.TracePath("s1")
	assert.False(t, ok)

	events := readEvents(t, path)
	require.Len(t, events, 3)
	assert.Equal(t, EventStarted, events[0].Type)
	assert.Equal(t, map[string]interface{}{"max_orders": 2.0}, events[0].Data)
	assert.Equal(t, EventPhase, events[1].Type)
	assert.Equal(t, "loading_orders", events[1].Data)
	assert.Equal(t, EventEnded, events[2].Type)
	for _, e := range events {
		assert.Equal(t, "s1", e.SessionID)
	}
}

func TestRecorderRotationKeepsLiveTraces(t *testing.T) {
	r, dir := newRecorder(t, 3, false)

	require.NoError(t, r.Start("live", nil))
	for _, id := range []string{"a", "b", "c", "d"} {
		require.NoError(t, r.Start(id, nil))
		require.NoError(t, r.End(id, nil))
	}

	entries, err := os.ReadDir(filepath.Join(dir, "traces"))
	require.NoError(t, err)
	assert.Len(t, entries, 3)

	livePath, ok := r.TracePath("live")
	require.True(t, ok)
	_, err = os.Stat(livePath)
	assert.NoError(t, err, "live trace must survive rotation")
}

func TestSaveScreenshot(t *testing.T) {
	r, dir := newRecorder(t, 5, true)

	path, err := r.SaveScreenshot(context.Background(), "s1", "001-read_cart-ok", []byte("png"))
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(dir, "shots", "s1", "001-read_cart-ok.png"), path)
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "png", string(data))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = r.SaveScreenshot(ctx, "s1", "002", []byte("png"))
	assert.ErrorIs(t, err, context.Canceled)
}

func TestSaveScreenshotDisabled(t *testing.T) {
	r, _ := newRecorder(t, 5, false)
	path, err := r.SaveScreenshot(context.Background(), "s1", "x", []byte("png"))
	require.NoError(t, err)
	assert.Empty(t, path)
}

func TestSafeName(t *testing.T) {
	assert.Equal(t, "a_b_c", safeName("a/b c"))
	assert.Equal(t, "001-open.ok", safeName("001-open.ok"))
}
