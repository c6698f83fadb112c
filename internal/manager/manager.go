// Package manager implements TaskManager: the global task registry, the
// single-foreground-task rule, the bounded history ring, and the
// dispatch of task state transitions to the printer and the event bus.
package manager

import (
	"fmt"
	"sync"
	"time"

	"github.com/hashicorp/go-hclog"
	"github.com/hashicorp/go-multierror"

	"github.com/sailfishos/sdkrund/internal/bus"
	"github.com/sailfishos/sdkrund/internal/printer"
	"github.com/sailfishos/sdkrund/internal/task"
)

// cancelJoinTimeout bounds how long CancelAll waits for the foreground
// task to actually exit after being killed.
const cancelJoinTimeout = 5 * time.Second

// TaskManager is the sole owner of the task registry.
type TaskManager struct {
	log     hclog.Logger
	bus     *bus.Bus
	printer *printer.LinePrinter
	logDir  string

	historyLength int

	mu     sync.Mutex
	nextID int64
	tasks  []*task.Task

	// foreground is the foreground task currently holding the execution
	// slot, or nil if none does. Set and cleared only while m.mu is held,
	// so the occupied/free decision never depends on a task's own,
	// asynchronously updated State().
	foreground *task.Task

	hasLast        bool
	lastPwd        string
	lastArgv       []string
	lastBackground bool
}

// New constructs a TaskManager. logDir == "" disables per-task log
// persistence. historyLength <= 0 falls back to config.DefaultHistoryLength.
func New(log hclog.Logger, b *bus.Bus, p *printer.LinePrinter, logDir string, historyLength int) *TaskManager {
	if log == nil {
		log = hclog.NewNullLogger()
	}
	if historyLength <= 0 {
		historyLength = 50
	}
	return &TaskManager{
		log:           log.Named("manager"),
		bus:           b,
		printer:       p,
		logDir:        logDir,
		historyLength: historyLength,
	}
}

// AddTask constructs a Task, starts it immediately if it is a background
// task or no foreground task currently holds the execution slot, appends
// it to the registry (evicting the oldest terminal task if the history
// bound is exceeded), records it as the last-arguments triple, and emits
// a TaskStateChanged event.
func (m *TaskManager) AddTask(pwd string, argv []string, background bool) int64 {
	m.mu.Lock()
	id := m.nextID
	m.nextID++

	t := task.New(id, pwd, argv, background, m.logDir, m.printer, m.log, m.onTransition)

	// The foreground slot is claimed here, inside the same critical
	// section that decides startNow, so two foreground AddTask calls
	// racing each other can never both see the slot free: whichever
	// acquires m.mu first claims it, and the second sees m.foreground
	// already set.
	startNow := background || m.foreground == nil
	if !background && startNow {
		m.foreground = t
	}

	m.tasks = append(m.tasks, t)
	m.evictLocked()

	m.lastPwd, m.lastArgv, m.lastBackground, m.hasLast = pwd, append([]string(nil), argv...), background, true
	m.mu.Unlock()

	if m.printer != nil {
		m.printer.Println(fmt.Sprintf("$ %s %s", pwd, t.Cmdline()))
	}
	m.publish(t.Snapshot())

	if startNow {
		go t.Run()
	}
	return id
}

// evictLocked drops the oldest terminal task while the registry exceeds
// historyLength. A non-terminal task is never evicted, so the registry
// may transiently exceed the bound. Must be called with m.mu held.
func (m *TaskManager) evictLocked() {
	for len(m.tasks) > m.historyLength {
		idx := -1
		for i, t := range m.tasks {
			if t.State().Terminal() {
				idx = i
				break
			}
		}
		if idx == -1 {
			return
		}
		m.tasks = append(m.tasks[:idx:idx], m.tasks[idx+1:]...)
	}
}

// onTransition is the manager-side handler for every Task state
// transition. It never runs with the task's own lock held; it acquires
// TaskManager's lock only for the brief critical sections below, honoring
// the lock order TaskManager -> Task.
func (m *TaskManager) onTransition(t *task.Task, from, to task.State) {
	snap := t.Snapshot()
	if m.printer != nil {
		m.printer.Println(fmt.Sprintf("[task %d] %s -> %s", snap.ID, from, to))
	}
	m.publish(snap)

	if to.Terminal() && !t.Background() {
		m.releaseForegroundIfHeldBy(t)
	}
}

// releaseForegroundIfHeldBy frees the foreground slot and starts the next
// queued foreground task, but only if t is the task actually holding the
// slot. A foreground task cancelled before it ever claimed the slot (it
// was still CREATED, queued behind another foreground task) also reaches
// a terminal state, but its termination must not free or re-grant a slot
// it never held.
func (m *TaskManager) releaseForegroundIfHeldBy(t *task.Task) {
	m.mu.Lock()
	if m.foreground != t {
		m.mu.Unlock()
		return
	}
	var next *task.Task
	for _, c := range m.tasks {
		if c.Background() {
			continue
		}
		if c.State() == task.Created {
			next = c
			break
		}
	}
	m.foreground = next
	m.mu.Unlock()

	if next != nil {
		go next.Run()
	}
}

func (m *TaskManager) publish(snap task.Snapshot) {
	if m.bus == nil {
		return
	}
	m.bus.Publish(bus.Event{Kind: bus.KindTaskStateChanged, Payload: snap})
}

// Repeat re-invokes AddTask with the last-arguments triple. Returns -1 if
// no task has ever been added.
func (m *TaskManager) Repeat() int64 {
	m.mu.Lock()
	if !m.hasLast {
		m.mu.Unlock()
		return -1
	}
	pwd, argv, bg := m.lastPwd, append([]string(nil), m.lastArgv...), m.lastBackground
	m.mu.Unlock()
	return m.AddTask(pwd, argv, bg)
}

// find returns the task with the given id, or nil. It holds m.mu itself
// for the scan only, so it must not be called with m.mu held (the
// returned *task.Task is safe to use after the lock is released).
func (m *TaskManager) find(id int64) *task.Task {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, t := range m.tasks {
		if t.ID() == id {
			return t
		}
	}
	return nil
}

// CancelTask locates the task by id and cancels it. Returns false if no
// such task exists.
func (m *TaskManager) CancelTask(id int64) bool {
	t := m.find(id)
	if t == nil {
		return false
	}
	t.Cancel()
	return true
}

// CancelAll cancels every non-terminal task. If a foreground task is
// currently running it is joined before this call returns, bounded by
// cancelJoinTimeout — a task that does not exit within that window after
// being killed contributes an error to the aggregate instead of hanging
// the caller indefinitely. If clearHistory, the registry is emptied
// afterward.
func (m *TaskManager) CancelAll(clearHistory bool) error {
	m.mu.Lock()
	tasks := append([]*task.Task(nil), m.tasks...)
	m.mu.Unlock()

	var foreground *task.Task
	for _, t := range tasks {
		if t.State().Terminal() {
			continue
		}
		if !t.Background() && foreground == nil {
			foreground = t
		}
		t.Cancel()
	}

	var merr *multierror.Error
	if foreground != nil {
		select {
		case <-foreground.Done():
		case <-time.After(cancelJoinTimeout):
			merr = multierror.Append(merr, fmt.Errorf("task %d did not terminate within %s of cancellation", foreground.ID(), cancelJoinTimeout))
		}
	}

	if clearHistory {
		m.mu.Lock()
		m.tasks = nil
		m.mu.Unlock()
	}
	return merr.ErrorOrNil()
}

// Reset cancels every task, clears the history, and resets the ID
// counter — the composite behind the IPC Reset method. clearHistory
// empties the registry regardless of whether the foreground task's join
// timed out, so ResetTaskIDs always succeeds here; a non-nil return
// still reports that the join itself did not complete cleanly.
func (m *TaskManager) Reset() error {
	err := m.CancelAll(true)
	m.ResetTaskIDs()
	return err
}

// Task returns a snapshot of the task with the given id.
func (m *TaskManager) Task(id int64) (task.Snapshot, bool) {
	t := m.find(id)
	if t == nil {
		return task.Snapshot{ID: -1, ReturnCode: -1}, false
	}
	return t.Snapshot(), true
}

// Tasks returns a snapshot of every task in insertion order.
func (m *TaskManager) Tasks() []task.Snapshot {
	m.mu.Lock()
	tasks := append([]*task.Task(nil), m.tasks...)
	m.mu.Unlock()

	out := make([]task.Snapshot, 0, len(tasks))
	for _, t := range tasks {
		out = append(out, t.Snapshot())
	}
	return out
}

// FollowTask registers f as a live follower of task id. Returns false if
// no such task exists.
func (m *TaskManager) FollowTask(id int64, name string, f task.Follower) bool {
	t := m.find(id)
	if t == nil {
		return false
	}
	t.RegisterFollower(name, f)
	return true
}

// UnfollowTask removes name from task id's follower set. No-op if either
// is unknown.
func (m *TaskManager) UnfollowTask(id int64, name string) {
	t := m.find(id)
	if t == nil {
		return
	}
	t.UnregisterFollower(name)
}

// TaskLog returns the captured output of task id.
func (m *TaskManager) TaskLog(id int64) (bool, string) {
	t := m.find(id)
	if t == nil {
		return false, ""
	}
	return true, t.Log()
}

// ResetTaskIDs resets the global ID counter to 0. It only succeeds (and
// only then emits the synthetic refresh signal) when the registry
// contains no non-terminal task.
func (m *TaskManager) ResetTaskIDs() bool {
	m.mu.Lock()
	for _, t := range m.tasks {
		if !t.State().Terminal() {
			m.mu.Unlock()
			return false
		}
	}
	m.nextID = 0
	m.mu.Unlock()

	m.publish(task.Snapshot{ID: 0, State: task.Done, ReturnCode: 0})
	return true
}

// SetDebug toggles the printer's verbose output.
func (m *TaskManager) SetDebug(enabled bool) {
	if m.printer != nil {
		m.printer.SetDebug(enabled)
	}
}

// Close cancels every outstanding task and stops the printer's consumer
// goroutine, returning any error from the cancel join (see CancelAll).
func (m *TaskManager) Close() error {
	err := m.CancelAll(false)
	if m.printer != nil {
		m.printer.Done()
	}
	return err
}
