package task

import (
	"strings"
	"sync"
	"testing"
	"time"
)

type recorder struct {
	mu          sync.Mutex
	transitions []string
}

func (r *recorder) onTransition(t *Task, from, to State) {
	r.mu.Lock()
	r.transitions = append(r.transitions, from.String()+"->"+to.String())
	r.mu.Unlock()
}

func (r *recorder) snapshot() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.transitions...)
}

type fakeFollower struct {
	mu    sync.Mutex
	lines []string
	quitc chan int
}

func newFakeFollower() *fakeFollower {
	return &fakeFollower{quitc: make(chan int, 1)}
}

func (f *fakeFollower) Write(line string) error {
	f.mu.Lock()
	f.lines = append(f.lines, line)
	f.mu.Unlock()
	return nil
}

func (f *fakeFollower) Quit(rc int) error {
	f.quitc <- rc
	return nil
}

func waitTerminal(t *testing.T, task *Task) {
	t.Helper()
	select {
	case <-task.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("task did not reach a terminal state in time")
	}
}

func TestRunSucceedsAndLogsOutput(t *testing.T) {
	rec := &recorder{}
	tk := New(1, "/tmp", []string{"/bin/sh", "-c", "echo hello; echo world"}, false, "", nil, nil, rec.onTransition)

	tk.Run()
	waitTerminal(t, tk)

	if tk.State() != Done {
		t.Fatalf("state = %v, want Done", tk.State())
	}
	if tk.ReturnCode() != 0 {
		t.Fatalf("returncode = %d, want 0", tk.ReturnCode())
	}
	if log := tk.Log(); !strings.Contains(log, "hello\n") || !strings.Contains(log, "world\n") {
		t.Fatalf("log = %q, missing expected lines", log)
	}

	want := []string{"CREATED->STARTING", "STARTING->RUNNING", "RUNNING->DONE"}
	if got := rec.snapshot(); !equalSlices(got, want) {
		t.Fatalf("transitions = %v, want %v", got, want)
	}
}

func TestRunFailsOnNonZeroExit(t *testing.T) {
	tk := New(2, "/tmp", []string{"/bin/sh", "-c", "exit 3"}, false, "", nil, nil, nil)
	tk.Run()
	waitTerminal(t, tk)

	if tk.State() != Fail {
		t.Fatalf("state = %v, want Fail", tk.State())
	}
	if tk.ReturnCode() != 3 {
		t.Fatalf("returncode = %d, want 3", tk.ReturnCode())
	}
}

func TestRunFailsOnSpawnError(t *testing.T) {
	tk := New(3, "/tmp", []string{"/no/such/binary-xyz"}, false, "", nil, nil, nil)
	tk.Run()
	waitTerminal(t, tk)

	if tk.State() != Fail {
		t.Fatalf("state = %v, want Fail", tk.State())
	}
}

func TestCancelCreatedTaskFinalizesSynchronously(t *testing.T) {
	rec := &recorder{}
	tk := New(4, "/tmp", []string{"/bin/sh", "-c", "echo never runs"}, false, "", nil, nil, rec.onTransition)

	tk.Cancel()

	if tk.State() != Cancel {
		t.Fatalf("state = %v, want Cancel", tk.State())
	}
	select {
	case <-tk.Done():
	default:
		t.Fatal("Done() channel should already be closed for a cancelled CREATED task")
	}
	want := []string{"CREATED->CANCEL"}
	if got := rec.snapshot(); !equalSlices(got, want) {
		t.Fatalf("transitions = %v, want %v", got, want)
	}
}

func TestCancelRunningTaskStaysCancel(t *testing.T) {
	tk := New(5, "/tmp", []string{"/bin/sh", "-c", "sleep 5"}, false, "", nil, nil, nil)
	go tk.Run()

	for i := 0; i < 100 && tk.State() != Running; i++ {
		time.Sleep(10 * time.Millisecond)
	}
	if tk.State() != Running {
		t.Fatalf("task never reached Running")
	}

	tk.Cancel()
	waitTerminal(t, tk)

	// Terminal absorbs: the execution goroutine's own later Fail/Done
	// transition (triggered by the killed process's non-zero exit) must
	// never overwrite the CANCEL set by Cancel().
	if tk.State() != Cancel {
		t.Fatalf("state = %v, want Cancel (sticky against the run goroutine's own finalization)", tk.State())
	}
}

func TestCancelIsIdempotentOnTerminalTask(t *testing.T) {
	tk := New(6, "/tmp", []string{"/bin/sh", "-c", "true"}, false, "", nil, nil, nil)
	tk.Run()
	waitTerminal(t, tk)

	tk.Cancel() // must be a no-op
	if tk.State() != Done {
		t.Fatalf("state = %v, want Done unchanged after Cancel on a terminal task", tk.State())
	}
}

func TestRegisterFollowerReceivesLinesAndQuit(t *testing.T) {
	tk := New(7, "/tmp", []string{"/bin/sh", "-c", "echo one; echo two"}, false, "", nil, nil, nil)
	f := newFakeFollower()
	tk.RegisterFollower("f1", f)

	tk.Run()
	waitTerminal(t, tk)

	select {
	case rc := <-f.quitc:
		if rc != 0 {
			t.Fatalf("quit code = %d, want 0", rc)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("follower never received Quit")
	}

	f.mu.Lock()
	lines := append([]string(nil), f.lines...)
	f.mu.Unlock()
	if !equalSlices(lines, []string{"one", "two"}) {
		t.Fatalf("follower lines = %v, want [one two]", lines)
	}
}

func TestRegisterFollowerOnTerminalTaskGetsQuitOnly(t *testing.T) {
	tk := New(8, "/tmp", []string{"/bin/sh", "-c", "echo x"}, false, "", nil, nil, nil)
	tk.Run()
	waitTerminal(t, tk)

	f := newFakeFollower()
	tk.RegisterFollower("late", f)

	select {
	case rc := <-f.quitc:
		if rc != 0 {
			t.Fatalf("quit code = %d, want 0", rc)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("late follower never received Quit")
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.lines) != 0 {
		t.Fatalf("late follower should not replay historical lines, got %v", f.lines)
	}
}

func TestSnapshotReflectsElapsedTimeWhileRunning(t *testing.T) {
	tk := New(9, "/tmp", []string{"/bin/sh", "-c", "sleep 1"}, false, "", nil, nil, nil)
	go tk.Run()

	for i := 0; i < 100 && tk.State() != Running; i++ {
		time.Sleep(10 * time.Millisecond)
	}
	time.Sleep(50 * time.Millisecond)

	snap := tk.Snapshot()
	if snap.Time <= 0 {
		t.Fatalf("expected positive elapsed time while running, got %v", snap.Time)
	}
	tk.Cancel()
	waitTerminal(t, tk)
}

func equalSlices(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
