// Package config loads the startif configuration from JSON or YAML.
package config

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"git.tatikoma.dev/corpix/startif/errors"
)

const (
	DefaultInterval        = time.Second
	DefaultGracefulTimeout = 10 * time.Second
	DefaultRestartInitial  = time.Second
	DefaultRestartMax      = 30 * time.Second
	DefaultQueryTimeout    = 5 * time.Second
	DefaultHealthListen    = "127.0.0.1:9090"
	DefaultLogLevel        = "info"
)

type (
	Config struct {
		Log     Log      `json:"log"     yaml:"log"`
		Health  Health   `json:"health"  yaml:"health"`
		Pool    Pool     `json:"pool"    yaml:"pool"`
		Workers []Worker `json:"workers" yaml:"workers"`
	}

	Log struct {
		Level string `json:"level" yaml:"level"`
	}

	Health struct {
		Enabled bool   `json:"enabled" yaml:"enabled"`
		Listen  string `json:"listen"  yaml:"listen"`
		// Gateway is the HTTP listen address for /healthz and /metrics,
		// disabled when empty.
		Gateway string `json:"gateway" yaml:"gateway"`
		TLS     *TLS   `json:"tls"     yaml:"tls"`
	}

	TLS struct {
		CA   string `json:"ca"   yaml:"ca"`
		Cert string `json:"cert" yaml:"cert"`
		Key  string `json:"key"  yaml:"key"`
	}

	// Pool bounds concurrent predicate evaluations of workers with a
	// condition timeout.
	Pool struct {
		Size    int `json:"size"    yaml:"size"`
		Backlog int `json:"backlog" yaml:"backlog"`
	}

	Worker struct {
		Name            string    `json:"name"             yaml:"name"`
		Command         []string  `json:"command"          yaml:"command"`
		Env             []string  `json:"env"              yaml:"env"`
		Dir             string    `json:"dir"              yaml:"dir"`
		Interval        Duration  `json:"interval"         yaml:"interval"`
		GracefulTimeout Duration  `json:"graceful_timeout" yaml:"graceful_timeout"`
		Restart         Restart   `json:"restart"          yaml:"restart"`
		Condition       Condition `json:"condition"        yaml:"condition"`
	}

	Restart struct {
		Initial Duration `json:"initial" yaml:"initial"`
		Max     Duration `json:"max"     yaml:"max"`
	}

	// Condition has exactly one source.
	Condition struct {
		Static   *bool    `json:"static"   yaml:"static"`
		Env      string   `json:"env"      yaml:"env"`
		File     string   `json:"file"     yaml:"file"`
		Sqlite   *Query   `json:"sqlite"   yaml:"sqlite"`
		Postgres *Query   `json:"postgres" yaml:"postgres"`
		Rollout  *Rollout `json:"rollout"  yaml:"rollout"`
		// Negate inverts the source.
		Negate bool `json:"negate" yaml:"negate"`
		// Timeout bounds a single evaluation, unbounded when zero.
		Timeout  Duration `json:"timeout"  yaml:"timeout"`
		Fallback bool     `json:"fallback" yaml:"fallback"`
	}

	Query struct {
		DSN     string   `json:"dsn"     yaml:"dsn"`
		Query   string   `json:"query"   yaml:"query"`
		Args    []any    `json:"args"    yaml:"args"`
		Timeout Duration `json:"timeout" yaml:"timeout"`
	}

	Rollout struct {
		Query `json:",inline" yaml:",inline"`
		Key   string `json:"key" yaml:"key"`
	}
)

// FromFile decodes YAML for .yaml and .yml files and JSON otherwise,
// on top of the current values.
func (c *Config) FromFile(path string) error {
	buf, err := os.ReadFile(path)
	if err != nil {
		return errors.Wrap(err, "failed to read config")
	}

	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		err = yaml.Unmarshal(buf, c)
	default:
		err = json.Unmarshal(buf, c)
	}
	if err != nil {
		return errors.Wrap(err, "failed to parse config")
	}

	c.applyEnv()
	c.Defaults()
	return c.Validate()
}

func (c *Config) LogLevel() string { return c.Log.Level }

func (c *Config) applyEnv() {
	if v := os.Getenv("STARTIF_LOG_LEVEL"); v != "" {
		c.Log.Level = v
	}
	if v := os.Getenv("STARTIF_HEALTH_LISTEN"); v != "" {
		c.Health.Listen = v
	}
}

func (c *Config) Defaults() {
	if c.Log.Level == "" {
		c.Log.Level = DefaultLogLevel
	}
	if c.Health.Listen == "" {
		c.Health.Listen = DefaultHealthListen
	}
	for n := range c.Workers {
		w := &c.Workers[n]
		if w.Interval == 0 {
			w.Interval = Duration(DefaultInterval)
		}
		if w.GracefulTimeout == 0 {
			w.GracefulTimeout = Duration(DefaultGracefulTimeout)
		}
		if w.Restart.Initial == 0 {
			w.Restart.Initial = Duration(DefaultRestartInitial)
		}
		if w.Restart.Max == 0 {
			w.Restart.Max = Duration(DefaultRestartMax)
		}
		for _, q := range []*Query{w.Condition.Sqlite, w.Condition.Postgres, w.Condition.rolloutQuery()} {
			if q != nil && q.Timeout == 0 {
				q.Timeout = Duration(DefaultQueryTimeout)
			}
		}
	}
}

func (c Condition) rolloutQuery() *Query {
	if c.Rollout == nil {
		return nil
	}
	return &c.Rollout.Query
}

// Sources is the number of configured condition sources.
func (c Condition) Sources() int {
	n := 0
	for _, set := range []bool{
		c.Static != nil,
		c.Env != "",
		c.File != "",
		c.Sqlite != nil,
		c.Postgres != nil,
		c.Rollout != nil,
	} {
		if set {
			n++
		}
	}
	return n
}

func (c *Config) Validate() error {
	var errs []string

	names := map[string]bool{}
	for n, w := range c.Workers {
		prefix := "workers[" + w.Name + "]"
		switch {
		case w.Name == "":
			prefix = "workers[" + strconv.Itoa(n) + "]"
			errs = append(errs, prefix+".name is required")
		case names[w.Name]:
			errs = append(errs, prefix+".name is duplicated")
		}
		names[w.Name] = true

		if len(w.Command) == 0 || w.Command[0] == "" {
			errs = append(errs, prefix+".command is required")
		}
		if w.Interval < 0 {
			errs = append(errs, prefix+".interval must be positive")
		}
		if w.Restart.Initial > w.Restart.Max {
			errs = append(errs, prefix+".restart.initial must not exceed restart.max")
		}

		cond := w.Condition
		switch cond.Sources() {
		case 0:
			errs = append(errs, prefix+".condition requires a source")
		case 1:
		default:
			errs = append(errs, prefix+".condition must have exactly one source")
		}
		for _, q := range []struct {
			name  string
			query *Query
		}{
			{"sqlite", cond.Sqlite},
			{"postgres", cond.Postgres},
			{"rollout", cond.rolloutQuery()},
		} {
			if q.query != nil && (q.query.DSN == "" || q.query.Query == "") {
				errs = append(errs, prefix+".condition."+q.name+" requires dsn and query")
			}
		}
		if cond.Rollout != nil && cond.Rollout.Key == "" {
			errs = append(errs, prefix+".condition.rollout.key is required")
		}
	}

	if c.Health.TLS != nil && (c.Health.TLS.Cert == "" || c.Health.TLS.Key == "") {
		errs = append(errs, "health.tls requires cert and key")
	}

	if len(errs) > 0 {
		return errors.Errorf("configuration errors: %s", strings.Join(errs, "; "))
	}
	return nil
}
