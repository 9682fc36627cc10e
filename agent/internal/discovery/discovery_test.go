package discovery

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net"
	"net/http"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kloudping-venkat/DevopsMate/agent/internal/clock"
	"github.com/kloudping-venkat/DevopsMate/pkg/types"
)

type fakeSender struct {
	snapshots []types.Payload
	reply     bool
}

func (f *fakeSender) SendTopology(_ context.Context, snapshot types.Payload) bool {
	f.snapshots = append(f.snapshots, snapshot)
	return f.reply
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestController(sender Sender) *Controller {
	return New(Config{
		DockerSocket: "/nonexistent/docker.sock",
		Interval:     time.Hour,
		Sender:       sender,
		Identity:     clock.Identity{Hostname: "test-host", TenantID: "acme"},
	})
}

func TestController_SnapshotShape(t *testing.T) {
	c := newTestController(nil)

	snapshot := c.Snapshot(context.Background())

	assert.Equal(t, "test-host", snapshot["host"])
	assert.Equal(t, "acme", snapshot["tenant_id"])
	assert.Contains(t, snapshot, "collected_at")
	assert.Contains(t, snapshot, "processes")
	assert.Contains(t, snapshot, "containers")
	assert.Contains(t, snapshot, "connections")
}

func TestController_CyclePushesOneSnapshot(t *testing.T) {
	sender := &fakeSender{reply: true}
	c := newTestController(sender)

	c.cycle(context.Background())

	require.Len(t, sender.snapshots, 1)
	assert.Equal(t, "test-host", sender.snapshots[0]["host"])
}

func TestController_UndeliveredSnapshotIsNotFatal(t *testing.T) {
	sender := &fakeSender{reply: false}
	c := newTestController(sender)

	c.cycle(context.Background())
	require.Len(t, sender.snapshots, 1)
}

func TestController_RunStopsOnCancel(t *testing.T) {
	sender := &fakeSender{reply: true}
	c := newTestController(sender)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		c.Run(ctx)
		close(done)
	}()

	require.Eventually(t, func() bool { return len(sender.snapshots) >= 1 },
		5*time.Second, 10*time.Millisecond)
	cancel()

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("controller did not stop")
	}
}

func TestContainerDiscovery_SocketAbsent(t *testing.T) {
	d := NewContainerDiscovery("/nonexistent/docker.sock", testLogger())
	assert.Empty(t, d.Discover(context.Background()))
}

func TestContainerDiscovery_ListsContainers(t *testing.T) {
	sock := filepath.Join(t.TempDir(), "docker.sock")
	ln, err := net.Listen("unix", sock)
	require.NoError(t, err)
	t.Cleanup(func() { ln.Close() })

	srv := &http.Server{Handler: http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/containers/json", r.URL.Path)
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode([]map[string]any{
			{
				"Id":     "0123456789abcdef0123",
				"Names":  []string{"/web"},
				"Image":  "nginx:1.27",
				"State":  "running",
				"Status": "Up 3 hours",
				"Labels": map[string]string{"app": "web"},
				"Ports":  []map[string]any{{"PrivatePort": 80, "Type": "tcp"}},
			},
		})
	})}
	go srv.Serve(ln)
	t.Cleanup(func() { srv.Close() })

	d := NewContainerDiscovery(sock, testLogger())
	got := d.Discover(context.Background())

	require.Len(t, got, 1)
	assert.Equal(t, "0123456789ab", got[0]["id"])
	assert.Equal(t, "/web", got[0]["name"])
	assert.Equal(t, "nginx:1.27", got[0]["image"])
	assert.Equal(t, "running", got[0]["state"])
	assert.Equal(t, []string{"80/tcp"}, got[0]["ports"])
	assert.Equal(t, "docker", got[0]["runtime"])
}

func TestProcessDiscovery_FindsOwnProcess(t *testing.T) {
	d := NewProcessDiscovery(testLogger())
	procs := d.Discover(context.Background())

	// At minimum the test process itself shows up.
	assert.NotEmpty(t, procs)
	for _, p := range procs {
		assert.Contains(t, p, "pid")
		assert.Contains(t, p, "name")
	}
}

func TestIsKernelThread(t *testing.T) {
	assert.True(t, isKernelThread("[kworker/0:1]", ""))
	assert.False(t, isKernelThread("nginx", "nginx -g daemon off;"))
	assert.False(t, isKernelThread("nginx", ""))
}
