package watcher

import (
	"context"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"git.tatikoma.dev/corpix/startif/errors"
	"git.tatikoma.dev/corpix/startif/log"
)

type (
	Event    = fsnotify.Event
	Callback func(ev Event)
	Wrapper  func(next Callback) Callback
	Filter   func(ev Event) bool

	watch struct {
		id       uint64
		callback Callback
		filters  []Filter
	}

	// Watcher dispatches filesystem events for individual files. Parent
	// directories are watched so files replaced by rename are still seen.
	Watcher struct {
		mu     sync.Mutex
		notify *fsnotify.Watcher
		seq    uint64
		dirs   map[string]int
		names  map[string][]watch
	}
)

var ErrClosed = errors.New("watcher is closed")

// WithModifyFilter passes events which may change file contents,
// removal included.
func WithModifyFilter() Filter {
	return func(ev Event) bool {
		return ev.Has(fsnotify.Write) ||
			ev.Has(fsnotify.Create) ||
			ev.Has(fsnotify.Remove) ||
			ev.Has(fsnotify.Rename)
	}
}

// WithDebounce delays the callback until no events for the same
// file arrived for dur.
func WithDebounce(dur time.Duration) Wrapper {
	return func(next Callback) Callback {
		var (
			mu     sync.Mutex
			timers = map[string]*time.Timer{}
		)
		return func(ev Event) {
			mu.Lock()
			defer mu.Unlock()
			if t, ok := timers[ev.Name]; ok {
				t.Stop()
			}
			timers[ev.Name] = time.AfterFunc(dur, func() {
				mu.Lock()
				delete(timers, ev.Name)
				mu.Unlock()
				next(ev)
			})
		}
	}
}

// Watch registers cb for events on name, the returned function
// removes the registration.
func (w *Watcher) Watch(name string, cb Callback, filters ...Filter) (func() error, error) {
	absName, err := filepath.Abs(name)
	if err != nil {
		return nil, err
	}
	absDir := filepath.Dir(absName)

	w.mu.Lock()
	defer w.mu.Unlock()

	if w.names == nil {
		return nil, ErrClosed
	}
	if w.dirs[absDir] == 0 {
		err = w.notify.Add(absDir)
		if err != nil {
			return nil, errors.Wrapf(err, "failed to watch directory: %s", absDir)
		}
	}
	w.dirs[absDir]++

	w.seq++
	id := w.seq
	w.names[absName] = append(w.names[absName], watch{
		id:       id,
		callback: cb,
		filters:  filters,
	})

	var once sync.Once
	return func() (err error) {
		once.Do(func() { err = w.unwatch(absDir, absName, id) })
		return err
	}, nil
}

func (w *Watcher) unwatch(dir string, name string, id uint64) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.names == nil {
		return nil
	}

	bucket := w.names[name]
	for n, watch := range bucket {
		if watch.id == id {
			bucket = append(bucket[:n:n], bucket[n+1:]...)
			break
		}
	}
	if len(bucket) == 0 {
		delete(w.names, name)
	} else {
		w.names[name] = bucket
	}

	w.dirs[dir]--
	if w.dirs[dir] > 0 {
		return nil
	}
	delete(w.dirs, dir)
	err := w.notify.Remove(dir)
	if err != nil && !errors.Is(err, fsnotify.ErrNonExistentWatch) {
		return errors.Wrapf(err, "failed to unwatch directory: %s", dir)
	}
	return nil
}

func (w *Watcher) matching(ev Event) []Callback {
	w.mu.Lock()
	defer w.mu.Unlock()

	var callbacks []Callback
loop:
	for _, watch := range w.names[ev.Name] {
		for _, filter := range watch.filters {
			if !filter(ev) {
				continue loop
			}
		}
		callbacks = append(callbacks, watch.callback)
	}
	return callbacks
}

func (w *Watcher) emit(ev Event) {
	for _, cb := range w.matching(ev) {
		cb(ev)
	}
}

// Run dispatches events until ctx is done or the watcher is closed.
func (w *Watcher) Run(ctx context.Context) error {
	l := log.Ctx(ctx)
	for {
		select {
		case <-ctx.Done():
			return nil
		case event, ok := <-w.notify.Events:
			if !ok {
				return nil
			}
			l.Trace().Str("name", event.Name).Str("op", event.Op.String()).Msg("filesystem event")
			w.emit(event)
		case err, ok := <-w.notify.Errors:
			if !ok {
				return nil
			}
			l.Warn().Err(err).Msg("filesystem watcher error")
		}
	}
}

func (w *Watcher) Close() error {
	w.mu.Lock()
	w.names = nil
	w.dirs = nil
	w.mu.Unlock()
	return w.notify.Close()
}

func New() (*Watcher, error) {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}

	return &Watcher{
		notify: w,
		dirs:   map[string]int{},
		names:  map[string][]watch{},
	}, nil
}
