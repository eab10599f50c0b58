package app

import (
	"context"
	"os"
	"path/filepath"
	"syscall"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/urfave/cli/v2"
)

type testConfig struct {
	Path string
}

func (c *testConfig) FromFile(path string) error {
	_, err := os.Stat(path)
	if err != nil {
		return err
	}
	c.Path = path
	return nil
}

type testApp struct {
	*App[*testConfig]
}

func TestMeta(t *testing.T) {
	m := NewMeta()
	require.NoError(t, m.Register("key", 1))
	assert.ErrorIs(t, m.Register("key", 2), ErrMetaAlreadyRegistered{Key: "key"})

	require.NoError(t, m.Set("key", 3))
	v, err := m.Lookup("key")
	require.NoError(t, err)
	assert.Equal(t, 3, v)

	assert.ErrorIs(t, m.Set("missing", 1), ErrMetaNotRegistered{Key: "missing"})
	_, err = m.Lookup("missing")
	assert.Error(t, err)
	assert.Panics(t, func() { m.MustLookup("missing") })

	require.NoError(t, m.Register("another", true))
	keys := []string{}
	for k := range m.All() {
		keys = append(keys, k)
	}
	assert.Equal(t, []string{"another", "key"}, keys)
}

func TestGroupSignals(t *testing.T) {
	a := &App[*testConfig]{}
	idx := GroupSignals(a)
	assert.Equal(t, SignalGroupStop, idx[syscall.SIGINT])
	assert.Equal(t, SignalGroupStop, idx[syscall.SIGTERM])
	assert.Equal(t, SignalGroupNotify, idx[syscall.SIGUSR1])
	assert.Equal(t, "notify", idx[syscall.SIGUSR1].String())

	assert.Equal(t, Signals{syscall.SIGUSR1}, a.Signals(SignalGroupNotify))
	assert.Len(t, a.Signals(), 3)
}

func TestFlagSet(t *testing.T) {
	a := &App[*testConfig]{}
	flags := FlagSet(a.Flags(), FlagConfig, "other.yaml")
	assert.Equal(t, "other.yaml", flags[0].(*PathFlag).Value)
}

func TestConfigure(t *testing.T) {
	r, err := NewRuntime(context.Background())
	require.NoError(t, err)
	defer r.Close()

	s := &testApp{}
	s.App = New[*testConfig](r, s)
	s.Init(r)

	path := filepath.Join(t.TempDir(), "config.json")
	require.NoError(t, os.WriteFile(path, []byte("{}"), 0o644))

	c, err := s.Configure(path)
	require.NoError(t, err)
	assert.Equal(t, path, c.Path)
	assert.Same(t, c, s.Config)

	_, err = s.Configure(filepath.Join(t.TempDir(), "missing.json"))
	assert.ErrorContains(t, err, "failed to load config")

	assert.Equal(t, FlagConfig, r.Cli.Flags[0].Names()[0])
}

func TestPreRun(t *testing.T) {
	defer zerolog.SetGlobalLevel(zerolog.InfoLevel)

	r, err := NewRuntime(context.Background())
	require.NoError(t, err)
	defer r.Close()

	s := &testApp{}
	s.App = New[*testConfig](r, s)
	s.Init(r)

	var ran bool
	r.Cli.Action = func(*cli.Context) error {
		ran = true
		return nil
	}

	path := filepath.Join(t.TempDir(), "config.json")
	require.NoError(t, os.WriteFile(path, []byte("{}"), 0o644))
	require.NoError(t, r.Cli.Run([]string{"test", "-c", path, "--log-level", "warn"}))
	assert.True(t, ran)

	assert.Equal(t, zerolog.WarnLevel, zerolog.GlobalLevel())
	assert.Equal(t, path, s.Config.Path)
	assert.Equal(t, "warn", MetaRegistry.MustLookup(FlagLogLevel))
	assert.Equal(t, false, MetaRegistry.MustLookup(FlagDebug))
}
