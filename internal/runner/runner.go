// Package runner implements the command runner of spec §4.2: the single
// choke point for every subprocess pmbootstrap spawns, on the host or
// inside a chroot, with uniform logging, timeout, and privilege-escalation
// policy. Its exec.Command/cmd.Env/cmd.Dir shape is grounded on
// internal/pipe/alpine/alpine.go's abuild invocations in the teacher.
package runner

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/apex/log"
	"github.com/kamilsk/retry/v4"
	"github.com/kamilsk/retry/v4/strategy"

	pmberrors "github.com/pmbootstrap/pmbootstrap/internal/errors"
	"github.com/pmbootstrap/pmbootstrap/internal/privilege"
	"github.com/pmbootstrap/pmbootstrap/internal/semerrgroup"
)

// ExecContext selects where argv runs.
type ExecContext int

const (
	Host ExecContext = iota
	Chroot
	UserInChroot
)

// OutputDisposition controls what happens to a command's stdout/stderr.
type OutputDisposition int

const (
	Return OutputDisposition = iota
	StreamToLog
	TeeToTerminal
)

// StdinSource selects what, if anything, is piped to the child's stdin.
type StdinSource int

const (
	NoStdin StdinSource = iota
	StdinBytes
	StdinFile
)

// MountChecker is satisfied by the mount registry; the runner consults it
// before starting a command in Chroot/UserInChroot context so no command
// can proceed without its chroot's mounts being live.
type MountChecker interface {
	Mounted(chrootID string) bool
}

// Invocation describes one command to run.
type Invocation struct {
	Argv        []string
	ExecCtx     ExecContext
	ChrootID    string
	ChrootPath  string
	ChrootUser  string
	Env         map[string]string
	Stdin       StdinSource
	StdinBytes  []byte
	StdinFile   string
	Output      OutputDisposition
	Timeout     time.Duration
	Check       bool
	AsRoot      bool
	GraceWindow time.Duration
}

// Result is what a successful (or check=false non-zero) invocation returns.
type Result struct {
	Seq      uint64
	ExitCode int
	Stdout   []byte
	Stderr   []byte
	Combined []byte
	Elapsed  time.Duration
}

// Runner is the single subprocess choke point.
type Runner struct {
	mounts  MountChecker
	logger  log.Interface
	seq     uint64
	mu      sync.Mutex
	retries int
}

// New builds a Runner. mounts may be nil for contexts that never enter a
// chroot (e.g. the CLI's own unit tests).
func New(logger log.Interface, mounts MountChecker) *Runner {
	if logger == nil {
		logger = log.Log
	}
	return &Runner{logger: logger, mounts: mounts, retries: 2}
}

func (r *Runner) nextSeq() uint64 {
	return atomic.AddUint64(&r.seq, 1)
}

// Run executes inv, honoring its timeout, check flag, and privilege
// escalation, and logs start/end with a monotonic sequence number.
func (r *Runner) Run(ctx context.Context, inv Invocation) (*Result, error) {
	if inv.ExecCtx != Host && r.mounts != nil && !r.mounts.Mounted(inv.ChrootID) {
		return nil, pmberrors.Errorf(pmberrors.KindMountLeak, "chroot %q is not mounted; refusing to run %v inside it", inv.ChrootID, inv.Argv)
	}

	seq := r.nextSeq()
	argv := r.resolveArgv(inv)

	r.logger.WithFields(log.Fields{
		"seq":   seq,
		"argv":  argv,
		"ctx":   execCtxString(inv.ExecCtx),
		"chroot": inv.ChrootID,
	}).Info("exec start")

	start := time.Now()
	res, err := r.runOnce(ctx, inv, argv, seq)
	elapsed := time.Since(start)

	fields := log.Fields{"seq": seq, "elapsed": elapsed}
	if res != nil {
		fields["exit_code"] = res.ExitCode
	}
	if err != nil {
		r.logger.WithFields(fields).WithError(err).Warn("exec end")
	} else {
		r.logger.WithFields(fields).Info("exec end")
	}

	return res, err
}

func (r *Runner) runOnce(ctx context.Context, inv Invocation, argv []string, seq uint64) (*Result, error) {
	var lastErr error
	var result *Result

	attempt := func(ctx context.Context) error {
		res, err := r.exec(ctx, inv, argv, seq)
		result = res
		lastErr = err
		if err == nil {
			return nil
		}
		// Only SpawnFailed (process never started) is worth retrying;
		// a non-zero exit or timeout is the program's own answer.
		if pmberrors.GetKind(err) == pmberrors.KindSpawnFailed {
			return err
		}
		return nil // stop retrying, surface lastErr below
	}

	if inv.Check {
		_ = retry.Do(ctx, attempt, strategy.Limit(uint(r.retries)), strategy.Backoff(func(uint) time.Duration { return 200 * time.Millisecond }))
	} else {
		_ = attempt(ctx)
	}

	return result, lastErr
}

func (r *Runner) exec(ctx context.Context, inv Invocation, argv []string, seq uint64) (*Result, error) {
	runCtx := ctx
	var cancel context.CancelFunc
	if inv.Timeout > 0 {
		runCtx, cancel = context.WithTimeout(ctx, inv.Timeout)
		defer cancel()
	}

	cmd := exec.CommandContext(runCtx, argv[0], argv[1:]...)
	cmd.Env = envOverlay(inv.Env)
	// On cancellation or timeout the child gets SIGTERM, then SIGKILL once
	// GraceWindow (5s when unset) has passed.
	grace := inv.GraceWindow
	if grace <= 0 {
		grace = 5 * time.Second
	}
	cmd.Cancel = func() error { return cmd.Process.Signal(syscall.SIGTERM) }
	cmd.WaitDelay = grace

	switch inv.Stdin {
	case StdinBytes:
		cmd.Stdin = bytes.NewReader(inv.StdinBytes)
	case StdinFile:
		f, err := os.Open(inv.StdinFile)
		if err != nil {
			return nil, pmberrors.Wrap(err, pmberrors.KindSpawnFailed, "opening stdin file")
		}
		defer f.Close()
		cmd.Stdin = f
	}

	var stdout, stderr, combined bytes.Buffer
	drain := semerrgroup.New(2)

	switch inv.Output {
	case StreamToLog, Return, TeeToTerminal:
		stdoutPipe, err := cmd.StdoutPipe()
		if err != nil {
			return nil, pmberrors.Wrap(err, pmberrors.KindSpawnFailed, "stdout pipe")
		}
		stderrPipe, err := cmd.StderrPipe()
		if err != nil {
			return nil, pmberrors.Wrap(err, pmberrors.KindSpawnFailed, "stderr pipe")
		}
		if err := cmd.Start(); err != nil {
			return nil, pmberrors.Wrap(err, pmberrors.KindSpawnFailed, fmt.Sprintf("spawning %v", argv))
		}

		drain.Go(func() error { return r.drain(stdoutPipe, &stdout, &combined, inv.Output) })
		drain.Go(func() error { return r.drain(stderrPipe, &stderr, &combined, inv.Output) })

		waitErr := drain.Wait()
		runErr := cmd.Wait()
		if runErr != nil && errors.Is(runCtx.Err(), context.DeadlineExceeded) {
			runErr = context.DeadlineExceeded
		}
		if waitErr != nil && runErr == nil {
			runErr = waitErr
		}

		return r.finish(cmd, runErr, seq, argv, inv, stdout.Bytes(), stderr.Bytes(), combined.Bytes())
	}

	return nil, pmberrors.New(pmberrors.KindSpawnFailed, "unknown output disposition")
}

func (r *Runner) drain(pipe interface{ Read([]byte) (int, error) }, dst *bytes.Buffer, combined *bytes.Buffer, disp OutputDisposition) error {
	buf := make([]byte, 4096)
	for {
		n, err := pipe.Read(buf)
		if n > 0 {
			dst.Write(buf[:n])
			combined.Write(buf[:n])
			if disp == StreamToLog {
				r.logger.Debug(string(buf[:n]))
			}
			if disp == TeeToTerminal {
				os.Stdout.Write(buf[:n])
			}
		}
		if err != nil {
			return nil
		}
	}
}

func (r *Runner) finish(cmd *exec.Cmd, runErr error, seq uint64, argv []string, inv Invocation, stdout, stderr, combined []byte) (*Result, error) {
	exitCode := 0
	if cmd.ProcessState != nil {
		exitCode = cmd.ProcessState.ExitCode()
	}

	result := &Result{Seq: seq, ExitCode: exitCode, Stdout: stdout, Stderr: stderr, Combined: combined}

	if runErr != nil {
		if errors.Is(runErr, context.DeadlineExceeded) {
			return result, pmberrors.Errorf(pmberrors.KindTimeout, "%v timed out", argv)
		}
		if exitErr, ok := runErr.(*exec.ExitError); ok {
			if !inv.Check {
				return result, nil
			}
			return result, pmberrors.Errorf(pmberrors.KindNonZeroExit, "%v exited %d", argv, exitErr.ExitCode())
		}
		return result, pmberrors.Wrapf(runErr, pmberrors.KindSpawnFailed, "running %v", argv)
	}

	return result, nil
}

func (r *Runner) resolveArgv(inv Invocation) []string {
	argv := inv.Argv
	if inv.ExecCtx != Host {
		chrootArgv := []string{"chroot"}
		if inv.ChrootUser != "" {
			chrootArgv = append(chrootArgv, "--userspec="+inv.ChrootUser)
		}
		chrootArgv = append(chrootArgv, inv.ChrootPath)
		argv = append(chrootArgv, argv...)
	}
	if inv.AsRoot {
		return privilege.Argv(argv, inv.Env)
	}
	return argv
}

func envOverlay(overlay map[string]string) []string {
	env := os.Environ()
	for k, v := range overlay {
		env = append(env, k+"="+v)
	}
	return env
}

func execCtxString(c ExecContext) string {
	switch c {
	case Chroot:
		return "chroot"
	case UserInChroot:
		return "user-in-chroot"
	default:
		return "host"
	}
}
