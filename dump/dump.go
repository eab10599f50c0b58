package dump

import (
	"github.com/davecgh/go-spew/spew"
)

var dumper = spew.ConfigState{
	Indent:                  "  ",
	SortKeys:                true,
	DisablePointerAddresses: true,
	DisableCapacities:       true,
}

func Print(xs ...any) {
	dumper.Dump(xs...)
}

func Printf(format string, xs ...any) {
	dumper.Printf(format, xs)
}

func Sprintf(format string, xs ...any) string {
	return dumper.Sprintf(format, xs)
}

func Sdump(xs ...any) string {
	return dumper.Sdump(xs...)
}
