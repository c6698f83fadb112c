package manager

import (
	"testing"
	"time"

	"github.com/sailfishos/sdkrund/internal/bus"
	"github.com/sailfishos/sdkrund/internal/task"
)

func newTestManager(t *testing.T, historyLength int) *TaskManager {
	t.Helper()
	b := bus.New(nil)
	return New(nil, b, nil, "", historyLength)
}

func waitForState(t *testing.T, m *TaskManager, id int64, want task.State) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		snap, ok := m.Task(id)
		if ok && snap.State == want {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	snap, _ := m.Task(id)
	t.Fatalf("task %d never reached %v, last state %v", id, want, snap.State)
}

func TestAddTaskAssignsMonotoneIDs(t *testing.T) {
	m := newTestManager(t, 50)
	id1 := m.AddTask("/tmp", []string{"/bin/sh", "-c", "true"}, true)
	id2 := m.AddTask("/tmp", []string{"/bin/sh", "-c", "true"}, true)
	if id2 != id1+1 {
		t.Fatalf("expected monotone ids, got %d then %d", id1, id2)
	}
}

func TestOnlyOneForegroundTaskRunsAtATime(t *testing.T) {
	m := newTestManager(t, 50)
	id1 := m.AddTask("/tmp", []string{"/bin/sh", "-c", "sleep 0.3"}, false)
	id2 := m.AddTask("/tmp", []string{"/bin/sh", "-c", "true"}, false)

	snap2, _ := m.Task(id2)
	if snap2.State != task.Created {
		t.Fatalf("second foreground task should stay CREATED while the first runs, got %v", snap2.State)
	}

	waitForState(t, m, id1, task.Done)
	waitForState(t, m, id2, task.Done)
}

func TestBackgroundTasksRunConcurrently(t *testing.T) {
	m := newTestManager(t, 50)
	id1 := m.AddTask("/tmp", []string{"/bin/sh", "-c", "sleep 0.3"}, true)
	id2 := m.AddTask("/tmp", []string{"/bin/sh", "-c", "true"}, true)

	waitForState(t, m, id2, task.Done)
	snap1, _ := m.Task(id1)
	if snap1.State == task.Created {
		t.Fatalf("background task should have started immediately, still CREATED")
	}
	waitForState(t, m, id1, task.Done)
}

func TestHistoryEvictsOldestTerminalTask(t *testing.T) {
	m := newTestManager(t, 2)
	var ids []int64
	for i := 0; i < 3; i++ {
		id := m.AddTask("/tmp", []string{"/bin/sh", "-c", "true"}, true)
		waitForState(t, m, id, task.Done)
		ids = append(ids, id)
	}

	snaps := m.Tasks()
	if len(snaps) != 2 {
		t.Fatalf("expected history bounded to 2, got %d", len(snaps))
	}
	if snaps[0].ID != ids[1] || snaps[1].ID != ids[2] {
		t.Fatalf("expected the oldest task evicted, got ids %v", []int64{snaps[0].ID, snaps[1].ID})
	}
}

func TestHistoryNeverEvictsNonTerminalTask(t *testing.T) {
	m := newTestManager(t, 1)
	id1 := m.AddTask("/tmp", []string{"/bin/sh", "-c", "sleep 0.3"}, false)
	id2 := m.AddTask("/tmp", []string{"/bin/sh", "-c", "true"}, false)

	// id1 is still non-terminal (CREATED, STARTING or RUNNING); even though the
	// bound is 1 and id2 was just appended, id1 must not be evicted.
	snaps := m.Tasks()
	found := false
	for _, s := range snaps {
		if s.ID == id1 {
			found = true
		}
	}
	if !found {
		t.Fatalf("non-terminal task evicted despite bound, tasks = %v", snaps)
	}

	waitForState(t, m, id1, task.Done)
	waitForState(t, m, id2, task.Done)
}

func TestRepeatReusesLastArguments(t *testing.T) {
	m := newTestManager(t, 50)
	if id := m.Repeat(); id != -1 {
		t.Fatalf("Repeat with no prior task should return -1, got %d", id)
	}

	id1 := m.AddTask("/tmp", []string{"/bin/sh", "-c", "true"}, true)
	waitForState(t, m, id1, task.Done)

	id2 := m.Repeat()
	if id2 == -1 {
		t.Fatal("Repeat should succeed after a prior AddTask")
	}
	waitForState(t, m, id2, task.Done)

	snap1, _ := m.Task(id1)
	snap2, _ := m.Task(id2)
	if snap1.Cmdline != snap2.Cmdline || snap1.Pwd != snap2.Pwd {
		t.Fatalf("repeated task args mismatch: %+v vs %+v", snap1, snap2)
	}
}

func TestCancelAllJoinsForegroundTask(t *testing.T) {
	m := newTestManager(t, 50)
	id := m.AddTask("/tmp", []string{"/bin/sh", "-c", "sleep 5"}, false)
	for {
		snap, _ := m.Task(id)
		if snap.State == task.Running {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}

	m.CancelAll(false)

	snap, _ := m.Task(id)
	if snap.State != task.Cancel {
		t.Fatalf("state = %v, want Cancel", snap.State)
	}
}

func TestResetTaskIDsFailsWithNonTerminalTask(t *testing.T) {
	m := newTestManager(t, 50)
	id := m.AddTask("/tmp", []string{"/bin/sh", "-c", "sleep 5"}, false)
	if m.ResetTaskIDs() {
		t.Fatal("ResetTaskIDs should fail while a task is non-terminal")
	}
	m.CancelTask(id)
	waitForState(t, m, id, task.Cancel)

	if !m.ResetTaskIDs() {
		t.Fatal("ResetTaskIDs should succeed once every task is terminal")
	}
	nextID := m.AddTask("/tmp", []string{"/bin/sh", "-c", "true"}, true)
	if nextID != 0 {
		t.Fatalf("expected id counter reset to 0, got %d", nextID)
	}
}

func TestTaskLogReturnsCapturedOutput(t *testing.T) {
	m := newTestManager(t, 50)
	id := m.AddTask("/tmp", []string{"/bin/sh", "-c", "echo captured"}, true)
	waitForState(t, m, id, task.Done)

	ok, log := m.TaskLog(id)
	if !ok {
		t.Fatal("TaskLog should find the task")
	}
	if log != "captured\n" {
		t.Fatalf("log = %q, want %q", log, "captured\n")
	}

	if ok, _ := m.TaskLog(999); ok {
		t.Fatal("TaskLog should report false for an unknown id")
	}
}
