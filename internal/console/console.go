// Package console implements the operator admin REPL: a line-editing
// shell, run in-process alongside the daemon, for inspecting and driving
// the TaskManager directly. It is deliberately separate from any
// external client that might one day talk to the IPC socket instead.
package console

import (
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/chzyer/readline"
	"github.com/google/uuid"
	"github.com/hashicorp/go-hclog"
	"github.com/mattn/go-runewidth"

	"github.com/sailfishos/sdkrund/internal/manager"
	"github.com/sailfishos/sdkrund/internal/task"
)

// Console is the operator-facing REPL.
type Console struct {
	log hclog.Logger
	mgr *manager.TaskManager
	rl  *readline.Instance
}

// New constructs a Console bound to mgr. prompt is typically "sdkrun> ".
// out overrides where command output is written (nil means the terminal
// readline otherwise attaches to); tests pass a buffer here.
func New(log hclog.Logger, mgr *manager.TaskManager, prompt string, out io.Writer) (*Console, error) {
	if log == nil {
		log = hclog.NewNullLogger()
	}
	rl, err := readline.NewEx(&readline.Config{
		Prompt:          prompt,
		HistoryFile:     "",
		InterruptPrompt: "^C",
		EOFPrompt:       "quit",
		Stdout:          out,
	})
	if err != nil {
		return nil, fmt.Errorf("console: readline init: %w", err)
	}
	return &Console{log: log.Named("console"), mgr: mgr, rl: rl}, nil
}

// Close releases the underlying terminal.
func (c *Console) Close() error {
	return c.rl.Close()
}

// Run blocks reading and dispatching commands until the operator quits or
// the input stream closes.
func (c *Console) Run() {
	for {
		line, err := c.rl.Readline()
		if err == readline.ErrInterrupt {
			continue
		}
		if err == io.EOF {
			return
		}
		if err != nil {
			c.log.Warn("readline error", "error", err)
			return
		}
		if strings.TrimSpace(line) == "" {
			continue
		}
		if c.dispatch(strings.TrimSpace(line)) {
			return
		}
	}
}

// dispatch executes one command line and reports whether the REPL should exit.
func (c *Console) dispatch(line string) bool {
	fields := strings.Fields(line)
	cmd := fields[0]
	args := fields[1:]

	switch cmd {
	case "quit", "exit":
		return true
	case "tasks":
		c.printTasks()
	case "cancel":
		c.cancel(args)
	case "log":
		c.printLog(args)
	case "follow":
		c.follow(args)
	case "debug":
		c.setDebug(args)
	case "reset":
		if err := c.mgr.Reset(); err != nil {
			fmt.Fprintf(c.rl.Stdout(), "reset: %v\n", err)
			break
		}
		fmt.Fprintln(c.rl.Stdout(), "registry reset")
	default:
		fmt.Fprintf(c.rl.Stdout(), "unknown command %q\n", cmd)
	}
	return false
}

func (c *Console) printTasks() {
	snaps := c.mgr.Tasks()
	out := c.rl.Stdout()
	for _, s := range snaps {
		cmdline := truncateForDisplay(s.Cmdline, 60)
		fmt.Fprintf(out, "%4d  %-9s %7.1fs  %s\n", s.ID, s.State, s.Time, cmdline)
	}
}

func (c *Console) cancel(args []string) {
	out := c.rl.Stdout()
	if len(args) == 1 && args[0] == "all" {
		if err := c.mgr.CancelAll(false); err != nil {
			fmt.Fprintf(out, "cancel all: %v\n", err)
			return
		}
		fmt.Fprintln(out, "cancelled all")
		return
	}
	if len(args) != 1 {
		fmt.Fprintln(out, "usage: cancel <id>|all")
		return
	}
	id, err := strconv.ParseInt(args[0], 10, 64)
	if err != nil {
		fmt.Fprintf(out, "bad task id %q\n", args[0])
		return
	}
	if !c.mgr.CancelTask(id) {
		fmt.Fprintf(out, "no such task %d\n", id)
	}
}

func (c *Console) printLog(args []string) {
	out := c.rl.Stdout()
	if len(args) != 1 {
		fmt.Fprintln(out, "usage: log <id>")
		return
	}
	id, err := strconv.ParseInt(args[0], 10, 64)
	if err != nil {
		fmt.Fprintf(out, "bad task id %q\n", args[0])
		return
	}
	ok, logtext := c.mgr.TaskLog(id)
	if !ok {
		fmt.Fprintf(out, "no such task %d\n", id)
		return
	}
	fmt.Fprint(out, logtext)
}

// follow attaches to a task's live output and blocks the REPL until the
// task finishes. The follower name is minted per invocation so repeated
// "follow <id>" calls, even on the same task, never collide (the
// follower set is keyed by name).
func (c *Console) follow(args []string) {
	out := c.rl.Stdout()
	if len(args) != 1 {
		fmt.Fprintln(out, "usage: follow <id>")
		return
	}
	id, err := strconv.ParseInt(args[0], 10, 64)
	if err != nil {
		fmt.Fprintf(out, "bad task id %q\n", args[0])
		return
	}

	done := make(chan int, 1)
	f := &consoleFollower{out: out, done: done}
	name := uuid.NewString()
	if !c.mgr.FollowTask(id, name, f) {
		fmt.Fprintf(out, "no such task %d\n", id)
		return
	}
	defer c.mgr.UnfollowTask(id, name)

	rc := <-done
	fmt.Fprintf(out, "task %d exited %d\n", id, rc)
}

// consoleFollower writes followed output straight to the console's
// terminal and signals done on the terminal Quit.
type consoleFollower struct {
	out  io.Writer
	done chan int
}

func (f *consoleFollower) Write(line string) error {
	_, err := fmt.Fprintln(f.out, line)
	return err
}

func (f *consoleFollower) Quit(returncode int) error {
	f.done <- returncode
	return nil
}

var _ task.Follower = (*consoleFollower)(nil)

func (c *Console) setDebug(args []string) {
	out := c.rl.Stdout()
	if len(args) != 1 {
		fmt.Fprintln(out, "usage: debug <0|1>")
		return
	}
	enabled := args[0] == "1"
	c.mgr.SetDebug(enabled)
	fmt.Fprintf(out, "debug=%v\n", enabled)
}

// truncateForDisplay trims s to at most width display columns, accounting
// for wide runes, appending an ellipsis when truncated.
func truncateForDisplay(s string, width int) string {
	if runewidth.StringWidth(s) <= width {
		return s
	}
	return runewidth.Truncate(s, width-1, "") + "…"
}
