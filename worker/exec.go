package worker

import (
	"bufio"
	"context"
	"io"
	"os"
	"os/exec"
	"syscall"
	"time"

	"git.tatikoma.dev/corpix/startif/errors"
	"git.tatikoma.dev/corpix/startif/log"
	"git.tatikoma.dev/corpix/startif/startif"
)

const (
	DefaultGracefulTimeout = 10 * time.Second

	maxOutputLine = 1 << 20
)

type (
	// ExecSpec runs a subprocess in its own process group.
	//
	// Exit status 0 is a benign exit, any other exit is a fault. Stopping
	// with startif.Kill sends SIGKILL right away, other reasons send SIGTERM
	// and escalate to SIGKILL after GracefulTimeout.
	ExecSpec struct {
		Name string
		Path string
		Args []string
		// Env is appended to the environment of the current process.
		Env []string
		Dir string
		// GracefulTimeout is DefaultGracefulTimeout if zero.
		GracefulTimeout time.Duration
	}

	ExecHandle struct {
		handle
		cmd     *exec.Cmd
		timeout time.Duration
		log     *log.Logger
		result  error
		output  chan void
	}
)

func (s ExecSpec) ID() string { return s.Name }

func (s ExecSpec) Create(ctx context.Context) (startif.Handle, error) {
	h := &ExecHandle{
		timeout: s.GracefulTimeout,
		output:  make(chan void, 2),
	}
	h.init()
	if h.timeout <= 0 {
		h.timeout = DefaultGracefulTimeout
	}
	logger := log.Ctx(ctx).With().
		Str("worker", s.Name).
		Str("instance", h.instance).
		Logger()
	h.log = &logger

	cmd := exec.Command(s.Path, s.Args...)
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	if s.Env != nil {
		cmd.Env = append(os.Environ(), s.Env...)
	}
	cmd.Dir = s.Dir

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, errors.Wrap(err, "failed to create stdout pipe")
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, errors.Wrap(err, "failed to create stderr pipe")
	}
	err = cmd.Start()
	if err != nil {
		return nil, errors.Wrapf(err, "failed to start %s", s.Name)
	}
	h.cmd = cmd

	go h.capture("stdout", stdout)
	go h.capture("stderr", stderr)
	go h.wait(s.Name)

	logger.Info().
		Str("path", s.Path).
		Strs("args", s.Args).
		Int("pid", cmd.Process.Pid).
		Msg("process started")
	return h, nil
}

func (h *ExecHandle) Pid() int {
	return h.cmd.Process.Pid
}

func (h *ExecHandle) capture(stream string, r io.Reader) {
	defer func() { h.output <- void{} }()

	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 4096), maxOutputLine)
	for scanner.Scan() {
		h.log.Debug().Str("stream", stream).Msg(scanner.Text())
	}
	err := scanner.Err()
	if err != nil {
		h.log.Debug().Err(err).Str("stream", stream).Msg("output capture stopped")
		_, _ = io.Copy(io.Discard, r)
	}
}

func (h *ExecHandle) wait(name string) {
	// pipes must be drained before Wait closes them
	<-h.output
	<-h.output
	err := h.cmd.Wait()

	h.mu.Lock()
	h.result = err
	h.mu.Unlock()

	reason := h.stopReason()
	switch {
	case reason != nil:
	case err == nil:
		reason = startif.Completed
	default:
		reason = errors.Wrapf(err, "process %s exited", name)
	}
	h.log.Info().AnErr("reason", reason).Msg("process exited")
	h.exited(reason)
}

// Stop signals the process group and waits for the process to exit.
// An exit caused by a signal or with status 0 is a clean stop.
func (h *ExecHandle) Stop(reason error) error {
	if !h.requestStop(reason) {
		<-h.done
		return nil
	}

	if errors.Is(reason, startif.Kill) {
		h.signal(syscall.SIGKILL)
	} else {
		h.signal(syscall.SIGTERM)
		select {
		case <-h.done:
		case <-time.After(h.timeout):
			h.log.Warn().
				Dur("timeout", h.timeout).
				Msg("graceful shutdown timeout, sending SIGKILL")
			h.signal(syscall.SIGKILL)
		}
	}
	<-h.done

	h.mu.Lock()
	err := h.result
	h.mu.Unlock()
	if err == nil {
		return nil
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		status, ok := exitErr.Sys().(syscall.WaitStatus)
		if ok && status.Signaled() {
			return nil
		}
	}
	return errors.Wrap(err, "process failed to stop")
}

func (h *ExecHandle) signal(sig syscall.Signal) {
	pid := h.cmd.Process.Pid
	h.log.Info().Int("pid", pid).Str("signal", sig.String()).Msg("signaling process group")

	// negative pid addresses the process group created by Setpgid
	err := syscall.Kill(-pid, sig)
	if err != nil && !errors.Is(err, syscall.ESRCH) {
		h.log.Warn().Err(err).Int("pid", pid).Msg("failed to signal process group")
	}
}
