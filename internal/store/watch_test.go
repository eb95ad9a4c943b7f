package store

import (
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWatcherInvalidatesOnWrite(t *testing.T) {
	s := newTestStore(t)
	require.NoError(t, os.MkdirAll(s.BaseDir, 0o755))
	require.NoError(t, os.MkdirAll(s.LocalDir, 0o755))
	path := writeFile(t, s.BaseDir, "templates/tpl", "one")

	w, err := Watch(s)
	require.NoError(t, err)
	t.Cleanup(func() { _ = w.Close() })

	res, err := s.ReadTemplate("", "tpl")
	require.NoError(t, err)
	require.Equal(t, "one", string(res.Data))

	require.NoError(t, os.WriteFile(path, []byte("two"), 0o644))

	assert.Eventually(t, func() bool {
		res, err := s.ReadTemplate("", "tpl")
		return err == nil && string(res.Data) == "two"
	}, 5*time.Second, 10*time.Millisecond)
}

func TestWatcherSeesNewDirectories(t *testing.T) {
	s := newTestStore(t)
	require.NoError(t, os.MkdirAll(s.BaseDir, 0o755))
	require.NoError(t, os.MkdirAll(s.LocalDir, 0o755))

	w, err := Watch(s)
	require.NoError(t, err)
	t.Cleanup(func() { _ = w.Close() })

	// The applications directory does not exist yet; the watcher must
	// pick it up when it appears so later writes inside it invalidate.
	writeFile(t, s.LocalDir, "applications/new.json", `{"name":"one"}`)

	assert.Eventually(t, func() bool {
		_, res, err := s.ReadApplication("new")
		return err == nil && string(res.Data) == `{"name":"one"}`
	}, 5*time.Second, 10*time.Millisecond)

	// Give the watcher a beat to register the new directory, then
	// verify a second write is observed.
	time.Sleep(100 * time.Millisecond)
	writeFile(t, s.LocalDir, "applications/new.json", `{"name":"two"}`)

	assert.Eventually(t, func() bool {
		_, res, err := s.ReadApplication("new")
		return err == nil && string(res.Data) == `{"name":"two"}`
	}, 5*time.Second, 10*time.Millisecond)
}
