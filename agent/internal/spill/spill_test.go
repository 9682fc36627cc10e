package spill

import (
	"log/slog"
	"testing"
	"time"

	bclock "github.com/benbjohnson/clock"
	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kloudping-venkat/DevopsMate/agent/internal/clock"
	"github.com/kloudping-venkat/DevopsMate/pkg/types"
)

func newTestStore(t *testing.T, maxBytes int64) (*Store, *bclock.Mock) {
	t.Helper()
	mock := clock.NewMock()
	mock.Set(time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC))
	s := New(Config{
		Dir:      "/spill",
		MaxBytes: maxBytes,
		Fs:       afero.NewMemMapFs(),
		Logger:   slog.Default(),
		Clock:    mock,
		DiskUsage: func(string) (uint64, uint64, error) {
			return 1 << 40, 1 << 39, nil // plenty of headroom
		},
	})
	return s, mock
}

func payloads(values ...string) []types.Payload {
	out := make([]types.Payload, len(values))
	for i, v := range values {
		out[i] = types.Payload{"v": v}
	}
	return out
}

func TestStore_WriteAndRecover(t *testing.T) {
	s, _ := newTestStore(t, 1<<20)

	require.NoError(t, s.Write(types.KindMetrics, payloads("a", "b")))
	assert.Equal(t, 1, s.FileCount())

	var got [][]types.Payload
	var kinds []types.Kind
	n, err := s.Recover(10, func(kind types.Kind, p []types.Payload) bool {
		kinds = append(kinds, kind)
		got = append(got, p)
		return true
	})
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	require.Len(t, got, 1)
	assert.Equal(t, types.KindMetrics, kinds[0])
	require.Len(t, got[0], 2)
	assert.Equal(t, "a", got[0][0]["v"])
	assert.Equal(t, "b", got[0][1]["v"])

	// Recovered files are deleted.
	assert.Equal(t, 0, s.FileCount())
}

func TestStore_RecoverNewestFirst(t *testing.T) {
	s, mock := newTestStore(t, 1<<20)

	require.NoError(t, s.Write(types.KindMetrics, payloads("a")))
	mock.Add(1 * time.Second)
	require.NoError(t, s.Write(types.KindMetrics, payloads("b")))
	mock.Add(1 * time.Second)
	require.NoError(t, s.Write(types.KindMetrics, payloads("c")))

	var order []string
	_, err := s.Recover(10, func(_ types.Kind, p []types.Payload) bool {
		order = append(order, p[0]["v"].(string))
		return true
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"c", "b", "a"}, order)
}

func TestStore_RecoverHonorsMaxFiles(t *testing.T) {
	s, mock := newTestStore(t, 1<<20)

	for _, v := range []string{"a", "b", "c"} {
		require.NoError(t, s.Write(types.KindLogs, payloads(v)))
		mock.Add(time.Second)
	}

	n, err := s.Recover(2, func(types.Kind, []types.Payload) bool { return true })
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	assert.Equal(t, 1, s.FileCount())
}

func TestStore_RecoverKeepsRejectedFile(t *testing.T) {
	s, _ := newTestStore(t, 1<<20)

	require.NoError(t, s.Write(types.KindMetrics, payloads("a")))

	n, err := s.Recover(10, func(types.Kind, []types.Payload) bool { return false })
	require.NoError(t, err)
	assert.Equal(t, 0, n)
	// Unconsumed file stays for a later pass.
	assert.Equal(t, 1, s.FileCount())
}

func TestStore_CorruptFileDeleted(t *testing.T) {
	s, _ := newTestStore(t, 1<<20)

	require.NoError(t, s.fs.MkdirAll("/spill", 0o700))
	require.NoError(t, afero.WriteFile(s.fs,
		"/spill/metrics_2025_06_01__12_00_00_0000000000000000001.json.gz",
		[]byte("not gzip"), 0o600))

	calls := 0
	n, err := s.Recover(10, func(types.Kind, []types.Payload) bool {
		calls++
		return true
	})
	require.NoError(t, err)
	assert.Equal(t, 0, n)
	assert.Equal(t, 0, calls)
	assert.Equal(t, 0, s.FileCount())
	assert.Equal(t, int64(1), s.Stats().CorruptFiles)
}

func TestStore_UnknownKindFileDeleted(t *testing.T) {
	s, _ := newTestStore(t, 1<<20)

	require.NoError(t, s.fs.MkdirAll("/spill", 0o700))
	require.NoError(t, afero.WriteFile(s.fs,
		"/spill/bogus_2025_06_01__12_00_00_0000000000000000001.json.gz",
		[]byte("x"), 0o600))

	_, err := s.Recover(10, func(types.Kind, []types.Payload) bool { return true })
	require.NoError(t, err)
	assert.Equal(t, 0, s.FileCount())
}

func TestStore_EvictsOldestUnderPressure(t *testing.T) {
	s, mock := newTestStore(t, 250)

	require.NoError(t, s.Write(types.KindMetrics, payloads("old-1")))
	mock.Add(time.Second)
	require.NoError(t, s.Write(types.KindMetrics, payloads("old-2")))
	mock.Add(time.Second)
	require.Equal(t, 2, s.FileCount())

	// This write's estimate overflows the 250-byte budget, so the
	// oldest files must go first.
	require.NoError(t, s.Write(types.KindMetrics, payloads("new-1", "new-2")))
	assert.Positive(t, s.Stats().EvictedFiles)

	var seen []string
	_, err := s.Recover(10, func(_ types.Kind, p []types.Payload) bool {
		seen = append(seen, p[0]["v"].(string))
		return true
	})
	require.NoError(t, err)
	assert.Contains(t, seen, "new-1")
	assert.NotContains(t, seen, "old-1")
}

func TestStore_WriteFailsWhenBudgetExhausted(t *testing.T) {
	s, _ := newTestStore(t, 50) // smaller than a single estimated write

	err := s.Write(types.KindMetrics, payloads("a", "b", "c"))
	require.Error(t, err)
	assert.Equal(t, 0, s.FileCount())
}

func TestStore_FileNamesSortChronologically(t *testing.T) {
	s, mock := newTestStore(t, 1<<20)
	mock.Set(time.Date(2025, 12, 31, 23, 59, 59, 0, time.UTC))

	require.NoError(t, s.Write(types.KindTraces, payloads("a")))
	mock.Add(2 * time.Second) // crosses the year boundary
	require.NoError(t, s.Write(types.KindTraces, payloads("b")))

	files, _, err := s.listFiles()
	require.NoError(t, err)
	require.Len(t, files, 2)

	t1, ok := timestampFromName(files[0].name)
	require.True(t, ok)
	t2, ok := timestampFromName(files[1].name)
	require.True(t, ok)
	if files[0].name < files[1].name {
		assert.True(t, t1.Before(t2))
	} else {
		assert.True(t, t2.Before(t1))
	}
}

func TestStore_KindFromName(t *testing.T) {
	assert.Equal(t, types.KindMetrics, kindFromName("metrics_2025_06_01__12_00_00_0000000000000000001.json.gz"))
	assert.Equal(t, types.KindTopology, kindFromName("topology_2025_06_01__12_00_00_0000000000000000001.json.gz"))
	assert.False(t, kindFromName("noseparator").Valid())
}
