package supervisor

import (
	"fmt"
	"reflect"
	"runtime"
	"runtime/debug"
	"strings"

	"git.tatikoma.dev/corpix/startif/errors"
)

type (
	Task struct {
		ctx  Context
		fn   Job
		name string
		done chan void
	}
	Tasks      map[*Task]void
	TaskOption func(*Task)

	Job func(ctx Context) error
	Loc struct {
		Package  string
		FuncName string
		File     string
		Line     int
	}
	Error struct {
		Err  error
		task *Task
	}
	PanicError struct {
		Value any
		Stack []byte
	}
)

func TaskName(name string) TaskOption {
	return func(t *Task) { t.name = name }
}

func (t *Task) call() (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = &PanicError{Value: r, Stack: debug.Stack()}
		}
	}()
	return t.fn(t.ctx)
}

func (t *Task) Name() string { return t.name }

func (t *Task) Loc() (Loc, error) {
	v := reflect.ValueOf(t.fn)
	if v.Kind() != reflect.Func {
		return Loc{}, fmt.Errorf("expected a function, got %v", v.Kind())
	}
	pc := v.Pointer()
	if pc == 0 {
		return Loc{}, fmt.Errorf("invalid function pointer")
	}
	runtimeFunc := runtime.FuncForPC(pc)
	if runtimeFunc == nil {
		return Loc{}, fmt.Errorf("could not find function for PC")
	}

	var (
		file, line            = runtimeFunc.FileLine(pc)
		fullName              = runtimeFunc.Name()
		packageName, funcName string
	)
	if idx := strings.LastIndex(fullName, "."); idx != -1 {
		packageName, funcName = fullName[:idx], fullName[idx+1:]
	}

	return Loc{
		Package:  packageName,
		FuncName: funcName,
		File:     file,
		Line:     line,
	}, nil
}

func (l Loc) String() string {
	return fmt.Sprintf("%s.%s.%s:%d", l.File, l.Package, l.FuncName, l.Line)
}

func (e *Error) Is(target error) bool {
	return errors.Is(e.Err, target)
}

func (e *Error) Unwrap() error { return e.Err }

// Task is the name of the failed task, or its location if it has none.
func (e *Error) Task() string {
	if e.task.name != "" {
		return e.task.name
	}
	loc, err := e.task.Loc()
	if err != nil {
		return err.Error()
	}
	return loc.String()
}

func (e *Error) Error() string {
	return fmt.Sprintf("task %s failed: %s", e.Task(), e.Err)
}

func (e *PanicError) Error() string {
	return fmt.Sprintf("panic: %v", e.Value)
}
