package project

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestDetectStartCommandStaticHTML(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "index.html"), []byte("<html></html>"), 0o644))

	cmd, err := detectStartCommand(dir, 3100)
	require.NoError(t, err)
	require.Contains(t, cmd, "http.server 3100")
}

func TestDetectStartCommandNpmDevScript(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "package.json"), []byte(`{"scripts":{"dev":"vite"}}`), 0o644))

	cmd, err := detectStartCommand(dir, 3100)
	require.NoError(t, err)
	require.Equal(t, "npm run dev", cmd)
}

func TestDetectStartCommandViteByDependency(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "package.json"), []byte(`{"dependencies":{"vite":"^5.0.0"}}`), 0o644))

	cmd, err := detectStartCommand(dir, 3100)
	require.NoError(t, err)
	require.Contains(t, cmd, "npx vite --port 3100")
}

func TestDetectStartCommandNoEntryPoint(t *testing.T) {
	dir := t.TempDir()
	_, err := detectStartCommand(dir, 3100)
	require.ErrorIs(t, err, ErrNoEntryPoint)
}

func TestSupervisorStartStopLifecycle(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "server.js"), []byte("// placeholder"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "index.js"), []byte(`
		const http = require('http');
		const server = http.createServer((req, res) => res.end('ok'));
		server.listen(process.env.PORT, () => console.log('listening on ' + process.env.PORT));
	`), 0o644))

	sup := NewSupervisor(0)
	events := sup.Subscribe(dir)
	defer sup.Unsubscribe(dir, events)

	st, err := sup.Start(dir)
	require.NoError(t, err)
	require.Equal(t, StatusStarting, st.Status)
	require.Equal(t, basePort, st.Port)

	waitFor(t, events, "status", StatusRunning, 2*time.Second)

	require.NoError(t, sup.Stop(dir))
	final := sup.Status(dir)
	require.Equal(t, StatusStopped, final.Status)
}

func TestSupervisorRefusesDoubleStart(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "index.js"), []byte(`
		setInterval(() => {}, 1000);
		console.log('started');
	`), 0o644))

	sup := NewSupervisor(0)
	_, err := sup.Start(dir)
	require.NoError(t, err)

	_, err = sup.Start(dir)
	require.Error(t, err)

	_ = sup.Stop(dir)
}

func TestPortAllocatorRestoresFromMax(t *testing.T) {
	sup := NewSupervisor(3150)
	require.Equal(t, 3151, sup.allocatePort())
}

func waitFor(t *testing.T, events chan Event, evType string, status Status, timeout time.Duration) {
	t.Helper()
	deadline := time.After(timeout)
	for {
		select {
		case ev := <-events:
			if ev.Type == evType && ev.Status == status {
				return
			}
		case <-deadline:
			t.Fatalf("timed out waiting for %s/%s event", evType, status)
		}
	}
}
