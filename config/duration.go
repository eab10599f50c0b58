package config

import (
	"encoding/json"
	"time"

	"gopkg.in/yaml.v3"

	"git.tatikoma.dev/corpix/startif/errors"
)

// Duration decodes from "1m30s" strings or from integer nanoseconds.
type Duration time.Duration

func (d Duration) Duration() time.Duration { return time.Duration(d) }
func (d Duration) String() string          { return time.Duration(d).String() }

func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(d.String())
}

func (d *Duration) UnmarshalJSON(buf []byte) error {
	var v any
	err := json.Unmarshal(buf, &v)
	if err != nil {
		return err
	}
	return d.set(v)
}

func (d Duration) MarshalYAML() (any, error) {
	return d.String(), nil
}

func (d *Duration) UnmarshalYAML(node *yaml.Node) error {
	var v any
	err := node.Decode(&v)
	if err != nil {
		return err
	}
	return d.set(v)
}

func (d *Duration) set(v any) error {
	switch value := v.(type) {
	case string:
		parsed, err := time.ParseDuration(value)
		if err != nil {
			return errors.Wrapf(err, "invalid duration %q", value)
		}
		*d = Duration(parsed)
	case float64:
		*d = Duration(value)
	case int:
		*d = Duration(value)
	default:
		return errors.Errorf("invalid duration %v of type %T", v, v)
	}
	return nil
}
