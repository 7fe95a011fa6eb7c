package main

import (
	"bytes"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentworkforce/dashsync/internal/config"
	"github.com/agentworkforce/dashsync/internal/relaytest"
	"github.com/agentworkforce/dashsync/internal/storage"
)

func run(t *testing.T, args ...string) (string, error) {
	t.Helper()
	var out, errOut bytes.Buffer
	root := newRootCmd(&out, &errOut)
	root.SetArgs(args)
	err := root.Execute()
	return out.String(), err
}

func TestPrefsShowAndClear(t *testing.T) {
	path := filepath.Join(t.TempDir(), "prefs.json")
	prefs, err := storage.NewFilePreferences(path)
	require.NoError(t, err)
	require.NoError(t, storage.SetJSON(prefs, storage.KeyDashboardType, "founder"))
	require.NoError(t, prefs.Close())
	dsn := "file://" + path

	out, err := run(t, "prefs", "show", "--prefs-dsn", dsn)
	require.NoError(t, err)
	assert.Equal(t, "dashboardType=\"founder\"\n", out)

	_, err = run(t, "prefs", "clear", "--prefs-dsn", dsn)
	require.NoError(t, err)
	out, err = run(t, "prefs", "show", "--prefs-dsn", dsn)
	require.NoError(t, err)
	assert.Empty(t, out)
}

func TestSyncCommand(t *testing.T) {
	relay := relaytest.NewServer()
	defer relay.Close()
	relay.SetSyncData("deal", []map[string]any{{"id": "d1", "stage": "won"}})

	out, err := run(t, "sync", "deals",
		"--api-url", relay.URL,
		"--token", relaytest.Token("u1", "w1", "founder"),
		"--prefs-dsn", "memory://",
	)
	require.NoError(t, err)
	assert.Contains(t, out, `"kind":"deal"`)
	assert.Contains(t, out, `"stage":"won"`)

	calls := relay.SyncCalls()
	require.Len(t, calls, 1)
	assert.Equal(t, "w1", calls[0].WorkspaceID)
}

func TestSyncCommandRejectsUnknownKind(t *testing.T) {
	_, err := run(t, "sync", "invoices", "--workspace", "w1", "--prefs-dsn", "memory://")
	assert.Error(t, err)
}

func TestUpdateCommandWaitsForEcho(t *testing.T) {
	relay := relaytest.NewServer()
	defer relay.Close()

	out, err := run(t, "update", "deal", "d1",
		"--action", "create",
		"--data", `{"id":"d1","stage":"won"}`,
		"--socket-url", relay.SocketURL(),
		"--token", relaytest.Token("u1", "w1", "founder"),
		"--prefs-dsn", "memory://",
		"--timeout", "5s",
	)
	require.NoError(t, err)
	assert.Contains(t, out, `"pending":false`)
	assert.Contains(t, out, `"stage":"won"`)
}

func TestWatchPrintsConnectionEvents(t *testing.T) {
	relay := relaytest.NewServer()
	defer relay.Close()

	out, err := run(t, "watch",
		"--socket-url", relay.SocketURL(),
		"--token", relaytest.Token("u1", "w1", "founder"),
		"--prefs-dsn", "memory://",
		"--duration", "500ms",
	)
	require.NoError(t, err)
	lines := strings.Split(strings.TrimSpace(out), "\n")
	require.NotEmpty(t, lines)
	assert.Contains(t, out, `{"event":"connectionStatus","payload":"connecting"}`)
	assert.Contains(t, out, `{"event":"connectionStatus","payload":"open"}`)
}

func TestApplyFlagsOnlyOverridesSetFlags(t *testing.T) {
	var out bytes.Buffer
	root := newRootCmd(&out, &out)
	require.NoError(t, root.PersistentFlags().Parse([]string{"--codec", "msgpack", "--user", " u9 "}))

	cfg := config.Default()
	applyFlags(root.PersistentFlags(), &cfg)
	assert.Equal(t, "msgpack", cfg.Codec)
	assert.Equal(t, "u9", cfg.UserID)
	assert.Equal(t, config.Default().SocketURL, cfg.SocketURL)
}
