package app

import (
	"github.com/urfave/cli/v2"
)

type (
	Flag         = cli.Flag
	StringFlag   = cli.StringFlag
	PathFlag     = cli.PathFlag
	DurationFlag = cli.DurationFlag
	BoolFlag     = cli.BoolFlag
	Flags        = []Flag
)

const (
	FlagConfig   = "config"
	FlagLogLevel = "log-level"
	FlagVerbose  = "verbose"
	FlagDebug    = "debug"
)

// FlagSet replaces the default value of the path or string flag name.
func FlagSet(flags Flags, name string, value string) Flags {
	for _, flag := range flags {
		switch f := flag.(type) {
		case *PathFlag:
			if f.Name == name {
				f.Value = value
			}
		case *StringFlag:
			if f.Name == name {
				f.Value = value
			}
		}
	}
	return flags
}
