// Package task implements Task: one shell subprocess plus the goroutine
// that reads its merged output stream, the state machine, the captured
// log, the follower list, and the per-task log file.
//
// Field/lock grouping follows the Nomad task-runner lineage (state,
// subprocess handle, ctx/cancel, waitCh all guarded together) — see
// DESIGN.md — generalized from an allocation-scoped driver handle to a
// single *exec.Cmd per task, since there is no driver plugin layer here.
package task

import (
	"bufio"
	"fmt"
	"io"
	"os/exec"
	"strings"
	"sync"
	"time"

	"github.com/hashicorp/go-hclog"

	"github.com/sailfishos/sdkrund/internal/logstore"
	"github.com/sailfishos/sdkrund/internal/printer"
)

// TransitionFunc is invoked after a state transition actually occurs
// (never a no-op re-entry into a terminal state). It is always called
// without t's own lock held.
type TransitionFunc func(t *Task, from, to State)

// Snapshot is the read-only view returned by Task/Tasks lookups.
type Snapshot struct {
	ID         int64
	State      State
	Pwd        string
	Cmdline    string
	ReturnCode int
	// Time is wall-clock seconds elapsed since start for a non-terminal
	// task, or the finalized duration for a terminal one.
	Time float64
}

// Task is a single unit of scheduled subprocess work.
type Task struct {
	id         int64
	pwd        string
	argv       []string
	background bool
	createdAt  time.Time

	logDir       string
	printer      *printer.LinePrinter
	log          hclog.Logger
	onTransition TransitionFunc

	mu              sync.Mutex
	state           State
	returncode      int
	startTime       time.Time
	duration        time.Duration
	cmd             *exec.Cmd
	cancelRequested bool // only meaningful while state == Starting, before cmd is assigned
	followers       map[string]Follower
	logFile         *logstore.File

	waitCh   chan struct{}
	waitOnce sync.Once

	outMu  sync.Mutex
	output []string
}

// New constructs a Task in state CREATED. logDir == "" disables log
// persistence; p may be nil to disable console fan-out (used by tests).
func New(id int64, pwd string, argv []string, background bool, logDir string, p *printer.LinePrinter, log hclog.Logger, onTransition TransitionFunc) *Task {
	if log == nil {
		log = hclog.NewNullLogger()
	}
	return &Task{
		id:           id,
		pwd:          pwd,
		argv:         append([]string(nil), argv...),
		background:   background,
		createdAt:    time.Now(),
		logDir:       logDir,
		printer:      p,
		log:          log.Named("task").With("task_id", id),
		onTransition: onTransition,
		state:        Created,
		returncode:   -1,
		followers:    make(map[string]Follower),
		waitCh:       make(chan struct{}),
	}
}

// Accessors over the task's immutable attributes.

func (t *Task) ID() int64            { return t.id }
func (t *Task) Pwd() string          { return t.pwd }
func (t *Task) Argv() []string       { return append([]string(nil), t.argv...) }
func (t *Task) Cmdline() string      { return strings.Join(t.argv, " ") }
func (t *Task) Background() bool     { return t.background }
func (t *Task) CreatedAt() time.Time { return t.createdAt }

// State returns the task's current state.
func (t *Task) State() State {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state
}

// ReturnCode returns the task's return code (-1 until the process exits).
func (t *Task) ReturnCode() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.returncode
}

// Snapshot returns a consistent point-in-time view of the task.
func (t *Task) Snapshot() Snapshot {
	t.mu.Lock()
	state := t.state
	rc := t.returncode
	start := t.startTime
	dur := t.duration
	t.mu.Unlock()

	var elapsed float64
	switch {
	case state.Terminal():
		elapsed = dur.Seconds()
	case !start.IsZero():
		elapsed = time.Since(start).Seconds()
	}
	return Snapshot{ID: t.id, State: state, Pwd: t.pwd, Cmdline: t.Cmdline(), ReturnCode: rc, Time: elapsed}
}

// Log returns the concatenation of captured output lines.
func (t *Task) Log() string {
	t.outMu.Lock()
	defer t.outMu.Unlock()
	return strings.Join(t.output, "")
}

// Wait blocks until the task has reached a terminal state and its run has
// finished (see Done).
func (t *Task) Wait() {
	<-t.waitCh
}

// Done returns a channel closed once the task has reached a terminal state
// and its run has finished: the process has exited, its output is drained,
// and every follower has been sent Quit.
func (t *Task) Done() <-chan struct{} {
	return t.waitCh
}

// setState performs from->to if the task is not already terminal: once
// terminal, state never changes again. This is also how a CANCEL set by
// Cancel() survives the execution goroutine's own later Done/Fail
// transition attempt. The transition callback, if any, fires without
// t.mu held.
func (t *Task) setState(to State) {
	t.mu.Lock()
	from := t.state
	if from.Terminal() {
		t.mu.Unlock()
		return
	}
	t.state = to
	t.mu.Unlock()

	if t.onTransition != nil {
		t.onTransition(t, from, to)
	}
}

// Run executes the task exactly once. It is a no-op if the task is not
// in state CREATED.
func (t *Task) Run() {
	t.mu.Lock()
	if t.state != Created {
		t.mu.Unlock()
		return
	}
	t.state = Starting
	t.startTime = time.Now()
	start := t.startTime
	t.mu.Unlock()
	if t.onTransition != nil {
		t.onTransition(t, Created, Starting)
	}

	if t.printer != nil {
		t.printer.Reset()
	}

	var lf *logstore.File
	if t.logDir != "" {
		var err error
		lf, err = logstore.Open(t.logDir, start, t.pwd, t.argv)
		if err != nil {
			t.log.Warn("could not open task log", "error", err)
		}
	}

	if len(t.argv) == 0 {
		t.finishSpawnFailure(lf, fmt.Errorf("empty argument vector"))
		return
	}

	cmd := exec.Command(t.argv[0], t.argv[1:]...)
	cmd.Dir = t.pwd
	pr, pw := io.Pipe()
	cmd.Stdout = pw
	cmd.Stderr = pw

	t.mu.Lock()
	err := cmd.Start()
	if err != nil {
		t.mu.Unlock()
		_ = pw.Close()
		_ = pr.Close()
		t.finishSpawnFailure(lf, err)
		return
	}
	t.cmd = cmd
	t.logFile = lf
	cancelledBeforeStart := t.cancelRequested
	t.mu.Unlock()

	if cancelledBeforeStart {
		// A cancel() arrived while the process did not exist yet: kill it
		// the instant it does. A kill delivered before the process ever
		// started resolves to FAIL, not CANCEL.
		_ = cmd.Process.Kill()
	} else {
		t.setState(Running)
	}

	waitDone := make(chan error, 1)
	go func() {
		err := cmd.Wait()
		_ = pw.Close()
		waitDone <- err
	}()

	scanner := bufio.NewScanner(pr)
	scanner.Buffer(make([]byte, 64*1024), 4*1024*1024)
	for scanner.Scan() {
		t.fanOut(scanner.Text())
	}
	_ = pr.Close()
	waitErr := <-waitDone

	rc := exitCode(waitErr)
	duration := time.Since(start)

	t.mu.Lock()
	t.returncode = rc
	t.duration = duration
	t.mu.Unlock()

	if cancelledBeforeStart {
		t.setState(Fail)
	} else if rc == 0 {
		t.setState(Done)
	} else {
		t.setState(Fail)
	}
	t.finish()
}

func (t *Task) finishSpawnFailure(lf *logstore.File, err error) {
	t.log.Warn("spawn failed", "error", err)
	t.mu.Lock()
	t.returncode = -1
	t.duration = time.Since(t.startTime)
	t.mu.Unlock()
	if lf != nil {
		lf.Close()
	}
	t.setState(Fail)
	t.finish()
}

func exitCode(waitErr error) int {
	if waitErr == nil {
		return 0
	}
	if ee, ok := waitErr.(*exec.ExitError); ok {
		return ee.ExitCode() // -1 if terminated by signal, matching a killed task
	}
	return -1
}

// fanOut delivers one output line to every sink, in a fixed order:
// in-memory buffer, log file, followers, printer.
func (t *Task) fanOut(line string) {
	t.outMu.Lock()
	t.output = append(t.output, line+"\n")
	t.outMu.Unlock()

	t.mu.Lock()
	lf := t.logFile
	followers := make(map[string]Follower, len(t.followers))
	for name, f := range t.followers {
		followers[name] = f
	}
	t.mu.Unlock()

	if lf != nil {
		_ = lf.WriteLine(line)
	}
	for _, f := range followers {
		_ = f.Write(line) // swallowed; follower stays registered
	}
	if t.printer != nil {
		t.printer.Process(line)
	}
}

// finish releases the task's run-scoped resources, notifies every
// follower with the terminal Quit, then closes the Done channel.
func (t *Task) finish() {
	t.mu.Lock()
	rc := t.returncode
	lf := t.logFile
	t.logFile = nil
	t.cmd = nil
	followers := t.followers
	t.followers = make(map[string]Follower)
	t.mu.Unlock()

	if lf != nil {
		_ = lf.Close()
	}
	if t.printer != nil {
		t.printer.End()
	}
	for name, f := range followers {
		if err := f.Quit(rc); err != nil {
			t.log.Debug("follower Quit failed", "follower", name, "error", err)
		}
	}
	t.waitOnce.Do(func() { close(t.waitCh) })
}

// Cancel is idempotent. It kills the subprocess if any. A RUNNING task
// is moved to CANCEL here, before the killed process has exited; the
// execution goroutine does not make that transition itself, and its
// later DONE/FAIL attempt is a no-op. A task that never started at all
// (CREATED) is transitioned and finalized directly so TaskManager can
// evict it from history like any other terminal task. A STARTING task
// with no process yet is left for Run to kill, and ends in FAIL.
func (t *Task) Cancel() {
	t.mu.Lock()
	state := t.state
	var proc *exec.Cmd
	if t.cmd != nil && t.cmd.Process != nil {
		proc = t.cmd
	} else if state == Starting {
		t.cancelRequested = true
	}
	t.mu.Unlock()

	if proc != nil {
		_ = proc.Process.Kill()
	}

	switch state {
	case Created:
		t.setState(Cancel)
		t.finish()
	case Running:
		t.setState(Cancel)
	default:
		// Starting-without-a-process-yet resolves inside Run() (see
		// finishSpawnFailure's caller); every terminal state is an
		// idempotent no-op.
	}
}

// RegisterFollower adds f to the live follower set if the task is not yet
// terminal; otherwise it schedules a one-shot, asynchronous, line-less
// Quit(returncode).
func (t *Task) RegisterFollower(name string, f Follower) {
	t.mu.Lock()
	if !t.state.Terminal() {
		t.followers[name] = f
		t.mu.Unlock()
		return
	}
	rc := t.returncode
	t.mu.Unlock()

	go func() { _ = f.Quit(rc) }()
}

// UnregisterFollower removes name from the live follower set.
func (t *Task) UnregisterFollower(name string) {
	t.mu.Lock()
	delete(t.followers, name)
	t.mu.Unlock()
}
