// Package printer implements LinePrinter: a single console-writer
// goroutine shared by every concurrently running task, with
// regex-driven classification, ANSI colorization, and an error-tail
// replay at the end of a long, failing task.
package printer

import (
	"bufio"
	"fmt"
	"os"
	"sync"
	"sync/atomic"

	"github.com/armon/circbuf"
	"github.com/fatih/color"
	"github.com/hashicorp/go-hclog"
)

// errorTailCap bounds the byte size of the per-task-window error buffer.
// This is a defensive cap only — the lines/errors counters that gate the
// tail are exact and independent of this cap.
const errorTailCap = 4 << 20 // 4 MiB

// LinePrinter serializes all console writes from multiple task goroutines.
type LinePrinter struct {
	log hclog.Logger

	queue *strQueue
	wg    sync.WaitGroup

	redFn    func(a ...interface{}) string
	yellowFn func(a ...interface{}) string

	minLinesForError int
	debugEnabled     atomic.Bool

	mu     sync.Mutex
	lines  int
	errors *circbuf.Buffer
	nerr   int // exact count of classified error lines, independent of the errors buffer's byte cap
}

// New creates a LinePrinter. minLinesForError is the line-count threshold
// past which a failing task's error tail gets replayed (default
// config.DefaultMinLinesForError). noColor forces plain output
// regardless of TTY detection — there is no terminal capability
// detection here, only an explicit override.
func New(log hclog.Logger, minLinesForError int, noColor bool) *LinePrinter {
	if log == nil {
		log = hclog.NewNullLogger()
	}
	if noColor {
		color.NoColor = true
	}
	errBuf, _ := circbuf.NewBuffer(errorTailCap)
	p := &LinePrinter{
		log:              log.Named("printer"),
		queue:            newStrQueue(),
		redFn:            color.New(color.FgRed).SprintFunc(),
		yellowFn:         color.New(color.FgYellow).SprintFunc(),
		minLinesForError: minLinesForError,
		errors:           errBuf,
	}
	p.wg.Add(1)
	go p.drain()
	return p
}

// drain is the single consumer goroutine; it exits once the queue is
// closed and empty.
func (p *LinePrinter) drain() {
	defer p.wg.Done()
	w := bufio.NewWriter(os.Stdout)
	for {
		line, ok := p.queue.pop()
		if !ok {
			return
		}
		if _, err := w.WriteString(line); err != nil {
			return // broken stdout is never propagated
		}
		_ = w.Flush() // flush per line so output stays live
	}
}

// process classifies line, enqueues its colorized form, and updates the
// per-task-window counters used by end()'s error-tail gate.
func (p *LinePrinter) process(line string) {
	color, isError, matched := classify(line)

	p.mu.Lock()
	p.lines++
	if isError {
		p.nerr++
		if p.errors != nil {
			_, _ = p.errors.Write([]byte(line + "\n"))
		}
	}
	p.mu.Unlock()

	p.queue.push(p.colorize(line, color, matched) + "\n")
}

// Process is the exported entry point task execution calls per output line.
func (p *LinePrinter) Process(line string) { p.process(line) }

func (p *LinePrinter) colorize(line string, c colorKind, matched bool) string {
	if !matched {
		return line
	}
	switch c {
	case colorRed:
		return p.redFn(line)
	case colorYellow:
		return p.yellowFn(line)
	default:
		return line
	}
}

// Reset zeroes the per-task-window counters. Called by Task.Run right
// after the STARTING transition.
func (p *LinePrinter) Reset() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.lines = 0
	p.nerr = 0
	if p.errors != nil {
		p.errors.Reset()
	}
}

// End replays the collected error lines as a red tail if the task's
// output exceeded minLinesForError and at least one line was classified
// as an error, then resets the window.
func (p *LinePrinter) End() {
	p.mu.Lock()
	shouldReplay := p.nerr > 0 && p.lines > p.minLinesForError
	var tail string
	if shouldReplay && p.errors != nil {
		tail = string(p.errors.Bytes())
	}
	p.mu.Unlock()

	if shouldReplay && tail != "" {
		p.queue.push(p.redFn(tail))
	}
	p.Reset()
}

// Println enqueues line with an appended newline, unconditionally.
func (p *LinePrinter) Println(line string) {
	p.queue.push(line + "\n")
}

// Debug enqueues line only when debug output is enabled (see SetDebug).
func (p *LinePrinter) Debug(line string) {
	if p.debugEnabled.Load() {
		p.queue.push(fmt.Sprintf("[debug] %s\n", line))
	}
}

// SetDebug toggles whether Debug() output reaches the console. This backs
// the IPC SetDebug method.
func (p *LinePrinter) SetDebug(enabled bool) {
	p.debugEnabled.Store(enabled)
}

// Done marks the consumer quiescent; the drain goroutine exits once it has
// drained everything already enqueued. Done blocks until that happens.
func (p *LinePrinter) Done() {
	p.queue.close()
	p.wg.Wait()
}
