package watcher

import (
	"context"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

func runWatcher(t *testing.T) *Watcher {
	t.Helper()
	w, err := New()
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = w.Run(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
		assert.NoError(t, w.Close())
	})
	return w
}

func TestWatch(t *testing.T) {
	w := runWatcher(t)
	dir := t.TempDir()
	name := filepath.Join(dir, "flag")
	other := filepath.Join(dir, "other")

	var calls atomic.Int32
	unwatch, err := w.Watch(name, func(ev Event) { calls.Add(1) }, WithModifyFilter())
	require.NoError(t, err)

	require.NoError(t, os.WriteFile(other, []byte("x"), 0o644))
	require.NoError(t, os.WriteFile(name, []byte("true"), 0o644))
	require.Eventually(t, func() bool { return calls.Load() > 0 }, time.Second, 5*time.Millisecond)

	require.NoError(t, unwatch())
	require.NoError(t, unwatch())
	seen := calls.Load()
	require.NoError(t, os.WriteFile(name, []byte("false"), 0o644))
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, seen, calls.Load())
}

func TestWatchShared(t *testing.T) {
	w := runWatcher(t)
	dir := t.TempDir()
	a := filepath.Join(dir, "a")
	b := filepath.Join(dir, "b")

	var aCalls, bCalls atomic.Int32
	unwatchA, err := w.Watch(a, func(ev Event) { aCalls.Add(1) })
	require.NoError(t, err)
	_, err = w.Watch(b, func(ev Event) { bCalls.Add(1) })
	require.NoError(t, err)

	require.NoError(t, unwatchA())

	require.NoError(t, os.WriteFile(b, []byte("1"), 0o644))
	require.Eventually(t, func() bool { return bCalls.Load() > 0 }, time.Second, 5*time.Millisecond)
	assert.Zero(t, aCalls.Load())
}

func TestDebounce(t *testing.T) {
	var calls atomic.Int32
	cb := WithDebounce(30 * time.Millisecond)(func(ev Event) { calls.Add(1) })

	for range 5 {
		cb(Event{Name: "/tmp/flag"})
	}
	cb(Event{Name: "/tmp/other"})

	require.Eventually(t, func() bool { return calls.Load() == 2 }, time.Second, 5*time.Millisecond)
	time.Sleep(50 * time.Millisecond)
	assert.EqualValues(t, 2, calls.Load())
}

func TestModifyFilter(t *testing.T) {
	f := WithModifyFilter()
	assert.True(t, f(Event{Op: fsnotify.Write}))
	assert.True(t, f(Event{Op: fsnotify.Remove}))
	assert.False(t, f(Event{Op: fsnotify.Chmod}))
}

func TestClosed(t *testing.T) {
	w, err := New()
	require.NoError(t, err)
	require.NoError(t, w.Close())
	require.NoError(t, w.Run(context.Background()))

	_, err = w.Watch(filepath.Join(t.TempDir(), "flag"), func(Event) {})
	assert.ErrorIs(t, err, ErrClosed)
}

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}
