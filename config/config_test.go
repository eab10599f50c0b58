package config

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"
)

func writeConfig(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestFromFileJSON(t *testing.T) {
	path := writeConfig(t, "config.json", `{
		"log": {"level": "debug"},
		"health": {"enabled": true, "gateway": "127.0.0.1:9091"},
		"workers": [
			{
				"name": "sync",
				"command": ["/bin/sync-worker", "--once"],
				"interval": "250ms",
				"condition": {"file": "/run/sync.flag", "timeout": "1s", "fallback": true}
			},
			{
				"name": "rollout",
				"command": ["/bin/canary"],
				"restart": {"initial": "2s", "max": "1m"},
				"condition": {
					"rollout": {"dsn": "postgres://db", "query": "SELECT pct FROM rollouts", "key": "node-1"}
				}
			}
		]
	}`)

	var c Config
	require.NoError(t, c.FromFile(path))

	assert.Equal(t, "debug", c.Log.Level)
	assert.True(t, c.Health.Enabled)
	assert.Equal(t, DefaultHealthListen, c.Health.Listen)
	require.Len(t, c.Workers, 2)

	sync := c.Workers[0]
	assert.Equal(t, 250*time.Millisecond, sync.Interval.Duration())
	assert.Equal(t, DefaultGracefulTimeout, sync.GracefulTimeout.Duration())
	assert.Equal(t, DefaultRestartInitial, sync.Restart.Initial.Duration())
	assert.Equal(t, DefaultRestartMax, sync.Restart.Max.Duration())
	assert.Equal(t, "/run/sync.flag", sync.Condition.File)
	assert.Equal(t, time.Second, sync.Condition.Timeout.Duration())
	assert.True(t, sync.Condition.Fallback)

	rollout := c.Workers[1]
	assert.Equal(t, DefaultInterval, rollout.Interval.Duration())
	assert.Equal(t, time.Minute, rollout.Restart.Max.Duration())
	require.NotNil(t, rollout.Condition.Rollout)
	assert.Equal(t, "postgres://db", rollout.Condition.Rollout.DSN)
	assert.Equal(t, "node-1", rollout.Condition.Rollout.Key)
	assert.Equal(t, DefaultQueryTimeout, rollout.Condition.Rollout.Timeout.Duration())
}

func TestFromFileYAML(t *testing.T) {
	path := writeConfig(t, "config.yaml", `
log:
  level: warn
workers:
  - name: exporter
    command: [/bin/exporter]
    graceful_timeout: 3s
    condition:
      sqlite:
        dsn: /var/lib/flags.db
        query: SELECT enabled FROM flags WHERE name = ?
        args: [exporter]
      negate: true
  - name: always
    command: [/bin/always]
    condition:
      static: true
`)

	var c Config
	require.NoError(t, c.FromFile(path))

	assert.Equal(t, "warn", c.Log.Level)
	require.Len(t, c.Workers, 2)
	exporter := c.Workers[0]
	assert.Equal(t, 3*time.Second, exporter.GracefulTimeout.Duration())
	require.NotNil(t, exporter.Condition.Sqlite)
	assert.Equal(t, []any{"exporter"}, exporter.Condition.Sqlite.Args)
	assert.True(t, exporter.Condition.Negate)

	always := c.Workers[1]
	require.NotNil(t, always.Condition.Static)
	assert.True(t, *always.Condition.Static)
}

func TestFromFileEnv(t *testing.T) {
	t.Setenv("STARTIF_LOG_LEVEL", "trace")
	t.Setenv("STARTIF_HEALTH_LISTEN", ":7000")
	path := writeConfig(t, "config.json", `{"workers": []}`)

	var c Config
	require.NoError(t, c.FromFile(path))
	assert.Equal(t, "trace", c.Log.Level)
	assert.Equal(t, ":7000", c.Health.Listen)
}

func TestFromFileErrors(t *testing.T) {
	var c Config
	assert.Error(t, c.FromFile(filepath.Join(t.TempDir(), "missing.json")))
	assert.Error(t, c.FromFile(writeConfig(t, "bad.json", `{"workers": [`)))
	assert.Error(t, c.FromFile(writeConfig(t, "bad.yml", "workers: [")))
	assert.Error(t, c.FromFile(writeConfig(t, "bad-duration.json",
		`{"workers": [{"name": "a", "command": ["a"], "interval": "soon", "condition": {"env": "A"}}]}`)))
}

func TestValidate(t *testing.T) {
	yes := true
	valid := Worker{
		Name:      "a",
		Command:   []string{"/bin/a"},
		Condition: Condition{Env: "A"},
	}

	for name, tc := range map[string]struct {
		workers []Worker
		tls     *TLS
		err     string
	}{
		"valid": {workers: []Worker{valid}},
		"missing name": {
			workers: []Worker{{Command: []string{"a"}, Condition: Condition{Env: "A"}}},
			err:     "workers[0].name is required",
		},
		"duplicate name": {
			workers: []Worker{valid, valid},
			err:     "workers[a].name is duplicated",
		},
		"missing command": {
			workers: []Worker{{Name: "a", Condition: Condition{Env: "A"}}},
			err:     "workers[a].command is required",
		},
		"no condition": {
			workers: []Worker{{Name: "a", Command: []string{"a"}}},
			err:     "workers[a].condition requires a source",
		},
		"two conditions": {
			workers: []Worker{{Name: "a", Command: []string{"a"}, Condition: Condition{Env: "A", Static: &yes}}},
			err:     "workers[a].condition must have exactly one source",
		},
		"query without dsn": {
			workers: []Worker{{Name: "a", Command: []string{"a"}, Condition: Condition{Postgres: &Query{Query: "SELECT true"}}}},
			err:     "workers[a].condition.postgres requires dsn and query",
		},
		"rollout without key": {
			workers: []Worker{{
				Name:      "a",
				Command:   []string{"a"},
				Condition: Condition{Rollout: &Rollout{Query: Query{DSN: "postgres://", Query: "SELECT 1"}}},
			}},
			err: "workers[a].condition.rollout.key is required",
		},
		"restart bounds": {
			workers: []Worker{{
				Name:      "a",
				Command:   []string{"a"},
				Restart:   Restart{Initial: Duration(time.Minute), Max: Duration(time.Second)},
				Condition: Condition{Env: "A"},
			}},
			err: "workers[a].restart.initial must not exceed restart.max",
		},
		"tls without key": {
			tls: &TLS{Cert: "cert.pem"},
			err: "health.tls requires cert and key",
		},
	} {
		t.Run(name, func(t *testing.T) {
			c := Config{Workers: tc.workers, Health: Health{TLS: tc.tls}}
			c.Defaults()
			err := c.Validate()
			if tc.err == "" {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Contains(t, err.Error(), tc.err)
		})
	}
}

func TestDuration(t *testing.T) {
	var d Duration
	require.NoError(t, json.Unmarshal([]byte(`"1m30s"`), &d))
	assert.Equal(t, 90*time.Second, d.Duration())
	require.NoError(t, json.Unmarshal([]byte(`1000`), &d))
	assert.Equal(t, time.Microsecond, d.Duration())
	assert.Error(t, json.Unmarshal([]byte(`true`), &d))

	buf, err := json.Marshal(Duration(2 * time.Second))
	require.NoError(t, err)
	assert.Equal(t, `"2s"`, string(buf))

	require.NoError(t, yaml.Unmarshal([]byte(`5s`), &d))
	assert.Equal(t, 5*time.Second, d.Duration())
	require.NoError(t, yaml.Unmarshal([]byte(`1000`), &d))
	assert.Equal(t, time.Microsecond, d.Duration())

	out, err := yaml.Marshal(struct {
		D Duration `yaml:"d"`
	}{Duration(time.Minute)})
	require.NoError(t, err)
	assert.Equal(t, "d: 1m0s\n", string(out))
}
