package collectors

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kloudping-venkat/DevopsMate/agent/internal/buffer"
	"github.com/kloudping-venkat/DevopsMate/agent/internal/clock"
	"github.com/kloudping-venkat/DevopsMate/pkg/types"
)

func testIdentity() clock.Identity {
	return clock.Identity{Hostname: "test-host", TenantID: "acme", Tags: map[string]string{}}
}

func newLogTestCollector(t *testing.T, dir string, linesPerSec float64) (*LogCollector, *buffer.Buffer) {
	t.Helper()
	buf := buffer.New(buffer.Config{Capacity: 1000})
	c := NewLogCollector(buf, testIdentity(), clock.New(), time.Second,
		[]string{filepath.Join(dir, "*.log")}, linesPerSec, nil)
	return c, buf
}

func lines(items []types.Item) []string {
	out := make([]string, len(items))
	for i, it := range items {
		out[i] = it.Payload["line"].(string)
	}
	return out
}

func TestLogCollector_ShipsNewLines(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "app.log")
	require.NoError(t, os.WriteFile(path, []byte("first\nsecond\n"), 0o644))

	c, buf := newLogTestCollector(t, dir, 1000)
	require.NoError(t, c.Collect(context.Background()))

	got := buf.GetBatch(types.KindLogs, 10)
	assert.Equal(t, []string{"first", "second"}, lines(got))
	assert.Equal(t, path, got[0].Payload["source"])
}

func TestLogCollector_OnlyNewLinesOnSecondCycle(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "app.log")
	require.NoError(t, os.WriteFile(path, []byte("old\n"), 0o644))

	c, buf := newLogTestCollector(t, dir, 1000)
	require.NoError(t, c.Collect(context.Background()))
	buf.GetBatch(types.KindLogs, 10)

	f, err := os.OpenFile(path, os.O_APPEND|os.O_WRONLY, 0o644)
	require.NoError(t, err)
	_, err = f.WriteString("new\n")
	require.NoError(t, err)
	require.NoError(t, f.Close())

	require.NoError(t, c.Collect(context.Background()))
	got := buf.GetBatch(types.KindLogs, 10)
	assert.Equal(t, []string{"new"}, lines(got))
}

func TestLogCollector_RotationResetsOffset(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "app.log")
	require.NoError(t, os.WriteFile(path, []byte("a long line before rotation\n"), 0o644))

	c, buf := newLogTestCollector(t, dir, 1000)
	require.NoError(t, c.Collect(context.Background()))
	buf.GetBatch(types.KindLogs, 10)

	// Rotation: the file is replaced by a shorter one.
	require.NoError(t, os.WriteFile(path, []byte("fresh\n"), 0o644))

	require.NoError(t, c.Collect(context.Background()))
	got := buf.GetBatch(types.KindLogs, 10)
	assert.Equal(t, []string{"fresh"}, lines(got))
}

func TestLogCollector_PartialLineWaits(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "app.log")
	require.NoError(t, os.WriteFile(path, []byte("complete\npartial"), 0o644))

	c, buf := newLogTestCollector(t, dir, 1000)
	require.NoError(t, c.Collect(context.Background()))

	got := buf.GetBatch(types.KindLogs, 10)
	assert.Equal(t, []string{"complete"}, lines(got))

	// Completing the line ships it on the next cycle.
	f, err := os.OpenFile(path, os.O_APPEND|os.O_WRONLY, 0o644)
	require.NoError(t, err)
	_, err = f.WriteString(" now complete\n")
	require.NoError(t, err)
	require.NoError(t, f.Close())

	require.NoError(t, c.Collect(context.Background()))
	got = buf.GetBatch(types.KindLogs, 10)
	assert.Equal(t, []string{"partial now complete"}, lines(got))
}

func TestLogCollector_RateLimitBoundsVolume(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "chatty.log")

	content := ""
	for i := 0; i < 100; i++ {
		content += "line\n"
	}
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))

	// Burst capacity of 5 lines.
	c, buf := newLogTestCollector(t, dir, 5)
	require.NoError(t, c.Collect(context.Background()))

	got := buf.GetBatch(types.KindLogs, 1000)
	assert.LessOrEqual(t, len(got), 6)
	assert.NotEmpty(t, got)
}

func TestLogCollector_MissingDirIsQuiet(t *testing.T) {
	c, buf := newLogTestCollector(t, "/nonexistent-dir-for-test", 100)
	require.NoError(t, c.Collect(context.Background()))
	assert.Empty(t, buf.GetBatch(types.KindLogs, 10))
}

func TestTrimNewline(t *testing.T) {
	assert.Equal(t, "x", trimNewline("x\n"))
	assert.Equal(t, "x", trimNewline("x\r\n"))
	assert.Equal(t, "x", trimNewline("x"))
	assert.Equal(t, "", trimNewline("\n"))
}
