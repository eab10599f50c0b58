package predicate

import (
	"context"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"git.tatikoma.dev/corpix/startif/errors"
	"git.tatikoma.dev/corpix/startif/log"
	"git.tatikoma.dev/corpix/startif/startif"
	"git.tatikoma.dev/corpix/startif/watcher"
)

var DefaultDebounce = 100 * time.Millisecond

type (
	FileConfig struct {
		Path string
		// Debounce for change events, DefaultDebounce if zero.
		Debounce time.Duration
		// OnChange is called after a reload changed the value.
		OnChange func(value bool)
	}

	// File caches a boolean read from a flag file. Without a watcher the
	// file is read on every evaluation.
	File struct {
		cfg     FileConfig
		ctx     context.Context
		value   atomic.Bool
		watched bool
		mu      sync.Mutex
		unwatch func() error
	}
)

func NewFile(ctx context.Context, w *watcher.Watcher, cfg FileConfig) (*File, error) {
	if cfg.Path == "" {
		return nil, errors.New("flag file path is required")
	}
	if cfg.Debounce <= 0 {
		cfg.Debounce = DefaultDebounce
	}

	l := log.Ctx(ctx).With().Str("flag", cfg.Path).Logger()
	f := &File{
		cfg: cfg,
		ctx: l.WithContext(ctx),
	}
	f.value.Store(f.read())

	if w == nil {
		return f, nil
	}
	unwatch, err := w.Watch(
		cfg.Path,
		watcher.WithDebounce(cfg.Debounce)(func(watcher.Event) { f.Reload() }),
		watcher.WithModifyFilter(),
	)
	if err != nil {
		return nil, err
	}
	f.watched = true
	f.unwatch = unwatch
	return f, nil
}

// read treats a missing file as false, other read or parse
// failures keep the current value.
func (f *File) read() bool {
	buf, err := os.ReadFile(f.cfg.Path)
	switch {
	case os.IsNotExist(err):
		return false
	case err != nil:
		log.Ctx(f.ctx).Warn().Err(err).Msg("failed to read flag file")
		return f.value.Load()
	}

	v, err := ParseFlag(string(buf))
	if err != nil {
		log.Ctx(f.ctx).Warn().Err(err).Msg("failed to parse flag file")
		return f.value.Load()
	}
	return v
}

// Reload re-reads the file and reports the new value, OnChange is
// called when it differs from the cached one.
func (f *File) Reload() bool {
	return f.reload(true)
}

func (f *File) reload(notify bool) bool {
	f.mu.Lock()
	prev := f.value.Load()
	next := f.read()
	f.value.Store(next)
	f.mu.Unlock()

	if prev != next {
		log.Ctx(f.ctx).Info().Bool("value", next).Msg("flag changed")
		if notify && f.cfg.OnChange != nil {
			f.cfg.OnChange(next)
		}
	}
	return next
}

func (f *File) Value() bool {
	if !f.watched {
		return f.reload(false)
	}
	return f.value.Load()
}

func (f *File) Predicate() startif.Predicate { return f.Value }

func (f *File) Close() error {
	if f.unwatch == nil {
		return nil
	}
	return f.unwatch()
}
