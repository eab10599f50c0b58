package app

import (
	"os"
	"syscall"
)

type (
	Signal           = os.Signal
	Signals          = []Signal
	SignalGroup      uint8
	SignalGroupIndex = map[Signal]SignalGroup
)

const (
	// SignalGroupStop cancels the supervisor.
	SignalGroupStop SignalGroup = iota
	// SignalGroupNotify is forwarded to every service.
	SignalGroupNotify
)

var (
	SignalGroups = []SignalGroup{
		SignalGroupStop,
		SignalGroupNotify,
	}

	DefaultSignals = map[SignalGroup]Signals{
		SignalGroupStop:   {syscall.SIGINT, syscall.SIGTERM},
		SignalGroupNotify: {syscall.SIGUSR1},
	}
)

func (g SignalGroup) String() string {
	switch g {
	case SignalGroupStop:
		return "stop"
	case SignalGroupNotify:
		return "notify"
	default:
		return "unknown"
	}
}

func GroupSignals(s interface{ Signals(...SignalGroup) Signals }) SignalGroupIndex {
	sgids := SignalGroupIndex{}
	for _, sgid := range SignalGroups {
		for _, sig := range s.Signals(sgid) {
			sgids[sig] = sgid
		}
	}
	return sgids
}
