package service

import (
	"context"
	"database/sql"
	"net/http"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"syscall"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"git.tatikoma.dev/corpix/startif/config"
	"git.tatikoma.dev/corpix/startif/errors"
	"git.tatikoma.dev/corpix/startif/metrics"
	"git.tatikoma.dev/corpix/startif/pool"
	"git.tatikoma.dev/corpix/startif/rpc"
	"git.tatikoma.dev/corpix/startif/startif"
	"git.tatikoma.dev/corpix/startif/supervisor"
	"git.tatikoma.dev/corpix/startif/watcher"
	"git.tatikoma.dev/corpix/startif/worker"
)

const waitFor = 5 * time.Second

type runner interface {
	Run(context.Context, *sync.WaitGroup) error
}

// start runs srv until the test ends and waits for it to become ready.
func start(t *testing.T, srv runner) (cancel func(), done <-chan error) {
	t.Helper()
	ctx, cancelCtx := context.WithCancel(context.Background())
	var ready sync.WaitGroup
	ready.Add(1)

	errCh := make(chan error, 1)
	go func() { errCh <- srv.Run(ctx, &ready) }()
	ready.Wait()

	stopped := false
	stop := func() {
		if stopped {
			return
		}
		stopped = true
		cancelCtx()
		select {
		case err := <-errCh:
			errCh <- err
		case <-time.After(waitFor):
			t.Error("service did not stop")
		}
	}
	t.Cleanup(stop)
	return stop, errCh
}

func running(c *Conditional) bool {
	ctrl := c.Controller()
	if ctrl == nil {
		return false
	}
	_, ok := ctrl.Worker()
	return ok
}

func fastBackOff() supervisor.NewBackOff {
	return supervisor.ExponentialBackOff(time.Millisecond, 5*time.Millisecond)
}

func TestConditional(t *testing.T) {
	var (
		want   atomic.Bool
		starts atomic.Int32
		fail   = make(chan error, 1)
	)
	c := NewConditional(ConditionalConfig{
		Controller: startif.Config{
			Predicate: want.Load,
			Spec: worker.FuncSpec{
				Name: "func",
				Run: func(ctx context.Context) error {
					starts.Add(1)
					select {
					case <-ctx.Done():
						return nil
					case err := <-fail:
						return err
					}
				},
			},
			Interval: time.Hour,
		},
		BackOff: fastBackOff(),
	})
	assert.Equal(t, "func", c.Name())
	assert.True(t, c.Enabled())

	stop, done := start(t, c)
	require.Eventually(t, func() bool { return c.Controller() != nil }, waitFor, time.Millisecond)
	assert.False(t, running(c))

	want.Store(true)
	c.Signal(syscall.SIGHUP)
	time.Sleep(10 * time.Millisecond)
	assert.False(t, running(c), "only SIGUSR1 triggers a check")

	c.Signal(syscall.SIGUSR1)
	require.Eventually(t, func() bool { return running(c) }, waitFor, time.Millisecond)

	first := c.Controller()
	fail <- errors.New("worker crashed")
	require.Eventually(t, func() bool {
		ctrl := c.Controller()
		return ctrl != nil && ctrl != first
	}, waitFor, time.Millisecond)
	assert.Equal(t, startif.FailureWorker, first.Termination().Failure)

	// a new controller starts its worker right away
	require.Eventually(t, func() bool { return starts.Load() == 2 }, waitFor, time.Millisecond)

	stop()
	assert.NoError(t, <-done)
	assert.Nil(t, c.Controller())
	assert.NoError(t, c.Close())
}

func TestConditionalStartFailure(t *testing.T) {
	var attempts atomic.Int32
	c := NewConditional(ConditionalConfig{
		Controller: startif.Config{
			Predicate: func() bool { return true },
			Spec: worker.FuncSpec{
				Name: "broken",
				Init: func(ctx context.Context) error {
					attempts.Add(1)
					return errors.New("no resources")
				},
				Run: func(ctx context.Context) error { return nil },
			},
		},
		BackOff: fastBackOff(),
	})

	stop, done := start(t, c)
	require.Eventually(t, func() bool { return attempts.Load() >= 3 }, waitFor, time.Millisecond)
	stop()
	assert.NoError(t, <-done)
}

func TestConditionalClose(t *testing.T) {
	var closed []string
	c := NewConditional(ConditionalConfig{
		Controller: startif.Config{Spec: worker.FuncSpec{Name: "closers"}},
	},
		func() error { closed = append(closed, "a"); return nil },
		func() error { closed = append(closed, "b"); return errors.New("busy") },
	)
	err := c.Close()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "busy")
	assert.Equal(t, []string{"a", "b"}, closed)
}

func TestConditionalRunnerCancel(t *testing.T) {
	sibling := errors.New("sibling failed")

	for _, tc := range []struct {
		name   string
		cancel func(*supervisor.Runner)
		cause  error
	}{
		{
			name:   "cancel",
			cancel: func(r *supervisor.Runner) { r.Cancel(nil) },
			cause:  supervisor.Canceled,
		},
		{
			name: "sibling failure",
			cancel: func(r *supervisor.Runner) {
				r.Run(func(context.Context) error { return sibling })
			},
			cause: sibling,
		},
	} {
		t.Run(tc.name, func(t *testing.T) {
			reasons := make(chan error, 1)
			c := NewConditional(ConditionalConfig{
				Controller: startif.Config{
					Predicate: func() bool { return true },
					Spec: worker.FuncSpec{
						Name: "graceful",
						Run: func(ctx context.Context) error {
							<-ctx.Done()
							reasons <- worker.StopReason(ctx)
							return nil
						},
					},
					Interval: time.Hour,
				},
				BackOff: fastBackOff(),
			})

			r := supervisor.New(context.Background())
			var ready sync.WaitGroup
			ready.Add(1)
			done := make(chan error, 1)
			r.Run(func(ctx context.Context) error {
				err := c.Run(ctx, &ready)
				done <- err
				return err
			})
			ready.Wait()
			require.Eventually(t, func() bool { return running(c) }, waitFor, time.Millisecond)

			tc.cancel(r)

			ctx, cancel := context.WithTimeout(context.Background(), waitFor)
			defer cancel()
			assert.ErrorIs(t, r.Wait(ctx), tc.cause)

			select {
			case reason := <-reasons:
				assert.ErrorIs(t, reason, startif.Shutdown)
			case <-time.After(waitFor):
				t.Fatal("worker did not stop")
			}
			assert.NoError(t, <-done)
			assert.Nil(t, c.Controller())
		})
	}
}

func TestConditionalCheckWhileStopping(t *testing.T) {
	var checks atomic.Int32
	c := NewConditional(ConditionalConfig{
		Controller: startif.Config{
			Predicate: func() bool {
				checks.Add(1)
				return false
			},
			Spec:     worker.FuncSpec{Name: "checked"},
			Interval: time.Hour,
		},
		BackOff: fastBackOff(),
	})

	stop, done := start(t, c)
	require.Eventually(t, func() bool { return c.Controller() != nil }, waitFor, time.Millisecond)

	quit := make(chan struct{})
	var wg sync.WaitGroup
	for range 4 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				select {
				case <-quit:
					return
				default:
					c.Check()
				}
			}
		}()
	}

	stop()
	assert.NoError(t, <-done)
	require.NoError(t, c.Close())
	close(quit)
	wg.Wait()

	// checks are dropped once the service is drained
	c.set(&startif.Controller{})
	n := checks.Load()
	c.Check()
	c.Signal(syscall.SIGUSR1)
	time.Sleep(10 * time.Millisecond)
	assert.Equal(t, n, checks.Load())
	c.set(nil)
}

func runWatcher(t *testing.T) *watcher.Watcher {
	t.Helper()
	w, err := watcher.New()
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
		_ = w.Close()
	})
	return w
}

func TestConditionalFromConfigFile(t *testing.T) {
	flag := filepath.Join(t.TempDir(), "flag")
	require.NoError(t, os.WriteFile(flag, []byte("off"), 0o644))

	reg := prometheus.NewRegistry()
	m := metrics.New(reg)
	var events sync.Map

	c, err := NewConditionalFromConfig(context.Background(), config.Worker{
		Name:            "sleeper",
		Command:         []string{"sh", "-c", "sleep 30"},
		Interval:        config.Duration(time.Hour),
		GracefulTimeout: config.Duration(time.Second),
		Restart:         config.Restart{Initial: config.Duration(time.Millisecond), Max: config.Duration(time.Millisecond)},
		Condition:       config.Condition{File: flag},
	}, Deps{
		Watcher: runWatcher(t),
		Observer: startif.Observers(m.Observe, func(e startif.Event) {
			events.Store(e.Kind, true)
		}),
	})
	require.NoError(t, err)

	stop, done := start(t, c)
	require.Eventually(t, func() bool { return c.Controller() != nil }, waitFor, time.Millisecond)
	assert.False(t, running(c))

	// the flag change triggers a check, the hour long interval never fires
	require.NoError(t, os.WriteFile(flag, []byte("on"), 0o644))
	require.Eventually(t, func() bool { return running(c) }, waitFor, 5*time.Millisecond)

	h, ok := c.Controller().Worker()
	require.True(t, ok)
	assert.Positive(t, h.(*worker.ExecHandle).Pid())

	require.NoError(t, os.WriteFile(flag, []byte("off"), 0o644))
	require.Eventually(t, func() bool { return !running(c) }, waitFor, 5*time.Millisecond)

	stop()
	assert.NoError(t, <-done)
	assert.NoError(t, c.Close())

	_, stopped := events.Load(startif.EventWorkerStopped)
	assert.True(t, stopped)
	count, err := testutil.GatherAndCount(reg, "startif_controller_terminations_total")
	require.NoError(t, err)
	assert.Equal(t, 1, count)
}

func TestConditionalFromConfigSqlite(t *testing.T) {
	dsn := filepath.Join(t.TempDir(), "flags.db")
	db, err := sql.Open("sqlite3", dsn)
	require.NoError(t, err)
	_, err = db.Exec(`CREATE TABLE flags (name TEXT PRIMARY KEY, enabled BOOLEAN NOT NULL)`)
	require.NoError(t, err)
	_, err = db.Exec(`INSERT INTO flags VALUES ('sleeper', 1)`)
	require.NoError(t, err)
	require.NoError(t, db.Close())

	workers := pool.New[bool](pool.Config{Size: 1})
	defer workers.Close()

	c, err := NewConditionalFromConfig(context.Background(), config.Worker{
		Name:            "sleeper",
		Command:         []string{"sh", "-c", "sleep 30"},
		Interval:        config.Duration(10 * time.Millisecond),
		GracefulTimeout: config.Duration(time.Second),
		Restart:         config.Restart{Initial: config.Duration(time.Millisecond), Max: config.Duration(time.Millisecond)},
		Condition: config.Condition{
			Sqlite: &config.Query{
				DSN:   dsn,
				Query: `SELECT enabled FROM flags WHERE name = ?`,
				Args:  []any{"sleeper"},
			},
			Negate:  true,
			Timeout: config.Duration(time.Second),
		},
	}, Deps{Pool: workers})
	require.NoError(t, err)

	stop, done := start(t, c)
	require.Eventually(t, func() bool { return c.Controller() != nil }, waitFor, time.Millisecond)
	time.Sleep(30 * time.Millisecond)
	assert.False(t, running(c), "negated enabled flag keeps the worker stopped")

	stop()
	assert.NoError(t, <-done)
	assert.NoError(t, c.Close())
}

func TestConditionalFromConfigErrors(t *testing.T) {
	_, err := NewConditionalFromConfig(context.Background(), config.Worker{
		Name:      "broken",
		Command:   []string{"true"},
		Condition: config.Condition{Postgres: &config.Query{DSN: "postgres://user@localhost:notaport/db", Query: "SELECT true"}},
	}, Deps{})
	assert.Error(t, err)

	_, err = NewConditionalFromConfig(context.Background(), config.Worker{
		Name:    "empty",
		Command: []string{"true"},
	}, Deps{})
	assert.Error(t, err)
}

func TestEvents(t *testing.T) {
	e := NewEvents()
	var (
		all        = make(chan startif.Event, 16)
		terminated = make(chan startif.Event, 16)
	)
	e.Subscribe("all", func(evt startif.Event) { all <- evt })
	e.Subscribe("terminated", func(evt startif.Event) { terminated <- evt }, startif.EventTerminated)

	stop, done := start(t, e)
	observe := e.Observer()
	observe(startif.Event{ID: "a", Kind: startif.EventStarted})
	observe(startif.Event{ID: "a", Kind: startif.EventTerminated})

	for _, kind := range []startif.EventKind{startif.EventStarted, startif.EventTerminated} {
		select {
		case evt := <-all:
			assert.Equal(t, kind, evt.Kind)
		case <-time.After(waitFor):
			t.Fatal("event not delivered")
		}
	}
	select {
	case evt := <-terminated:
		assert.Equal(t, startif.EventTerminated, evt.Kind)
	case <-time.After(waitFor):
		t.Fatal("event not delivered")
	}
	assert.Empty(t, terminated)

	stop()
	assert.NoError(t, <-done)
	observe(startif.Event{ID: "a", Kind: startif.EventStarted})
}

func TestHealth(t *testing.T) {
	h := rpc.NewHealth("a")
	reg := prometheus.NewRegistry()
	metrics.New(reg)

	srv := NewHealth(config.Health{
		Enabled: true,
		Listen:  "127.0.0.1:0",
		Gateway: "127.0.0.1:0",
	}, h, reg, nil)
	assert.True(t, srv.Enabled())

	stop, done := start(t, srv)
	addr, gatewayAddr := srv.Addrs()
	require.NotNil(t, addr)
	require.NotNil(t, gatewayAddr)

	conn, err := rpc.NewClientConn(nil, zerolog.Nop(), addr.String())
	require.NoError(t, err)
	client := healthpb.NewHealthClient(conn)

	ctx, cancel := context.WithTimeout(context.Background(), waitFor)
	defer cancel()
	resp, err := client.Check(ctx, &healthpb.HealthCheckRequest{Service: "a"})
	require.NoError(t, err)
	assert.Equal(t, healthpb.HealthCheckResponse_NOT_SERVING, resp.GetStatus())

	h.Observe(startif.Event{ID: "a", Kind: startif.EventStarted})
	resp, err = client.Check(ctx, &healthpb.HealthCheckRequest{})
	require.NoError(t, err)
	assert.Equal(t, healthpb.HealthCheckResponse_SERVING, resp.GetStatus())

	res, err := http.Get("http://" + gatewayAddr.String() + "/healthz")
	require.NoError(t, err)
	_ = res.Body.Close()
	assert.Equal(t, http.StatusOK, res.StatusCode)

	res, err = http.Get("http://" + gatewayAddr.String() + "/metrics")
	require.NoError(t, err)
	_ = res.Body.Close()
	assert.Equal(t, http.StatusOK, res.StatusCode)

	require.NoError(t, conn.Close())
	http.DefaultClient.CloseIdleConnections()
	stop()
	assert.NoError(t, <-done)
}

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m,
		goleak.IgnoreTopFunction("net/http.(*persistConn).readLoop"),
		goleak.IgnoreTopFunction("net/http.(*persistConn).writeLoop"),
		goleak.IgnoreTopFunction("database/sql.(*DB).connectionOpener"),
	)
}
