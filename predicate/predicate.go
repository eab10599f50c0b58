// Package predicate provides conditions for startif controllers.
package predicate

import (
	"os"
	"strconv"
	"strings"

	"git.tatikoma.dev/corpix/startif/errors"
	"git.tatikoma.dev/corpix/startif/startif"
)

var ErrInvalidFlag = errors.New("invalid flag value")

func Static(v bool) startif.Predicate {
	return func() bool { return v }
}

func Not(p startif.Predicate) startif.Predicate {
	return func() bool { return !p() }
}

// All holds when every predicate holds, evaluation stops at the first false.
func All(ps ...startif.Predicate) startif.Predicate {
	return func() bool {
		for _, p := range ps {
			if !p() {
				return false
			}
		}
		return true
	}
}

// Any holds when at least one predicate holds.
func Any(ps ...startif.Predicate) startif.Predicate {
	return func() bool {
		for _, p := range ps {
			if p() {
				return true
			}
		}
		return false
	}
}

// Env holds while the environment variable name parses as true.
// Unset or unparsable values are false.
func Env(name string) startif.Predicate {
	return func() bool {
		v, ok := os.LookupEnv(name)
		if !ok {
			return false
		}
		b, err := strconv.ParseBool(strings.TrimSpace(v))
		return err == nil && b
	}
}

// ParseFlag parses the contents of a flag file.
func ParseFlag(s string) (bool, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "true", "1", "on", "yes", "enabled":
		return true, nil
	case "false", "0", "off", "no", "disabled", "":
		return false, nil
	default:
		return false, errors.Wrapf(ErrInvalidFlag, "%q", s)
	}
}
