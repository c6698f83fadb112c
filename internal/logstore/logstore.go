// Package logstore is the filesystem sink for per-task logs: one plain
// file per task under a fixed directory, named
// "{startEpochSeconds}-{slug}.log", containing a header line, a
// separator, then the task's raw merged stdout/stderr.
//
// Only the task that owns a file ever writes to it; every other caller
// reads captured output through Task.Log instead of touching the
// filesystem directly.
package logstore

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
	"time"
)

const separator = "----------------------------------------"

// maxSlugLen is the truncation bound applied to a generated slug.
const maxSlugLen = 160

var (
	nonWordRe  = regexp.MustCompile(`[^a-z0-9_]+`)
	collapseRe = regexp.MustCompile(`_+`)
)

// Slug returns the ASCII-normalized, lower-cased, punctuation-stripped
// representation of pwd+cmdline used as a log-file name component.
func Slug(pwd, cmdline string) string {
	raw := pwd + "-" + cmdline
	raw = toASCII(raw)
	raw = strings.ToLower(raw)
	raw = nonWordRe.ReplaceAllString(raw, "_")
	raw = collapseRe.ReplaceAllString(raw, "_")
	raw = strings.Trim(raw, "_")
	runes := []rune(raw)
	if len(runes) > maxSlugLen {
		runes = runes[:maxSlugLen]
	}
	return string(runes)
}

// toASCII keeps only runes in the range 1-127, dropping NUL and every
// non-ASCII rune, folding the slug's input to plain ASCII without a
// specific transliteration scheme. Control characters are left for
// Slug's non-word replacement.
func toASCII(s string) string {
	var b strings.Builder
	b.Grow(len(s))
	for _, r := range s {
		if r > 0 && r < 128 {
			b.WriteRune(r)
		}
	}
	return b.String()
}

// File is an open per-task log file.
type File struct {
	f    *os.File
	path string
}

// Open creates dir if absent, opens a new file for the task starting at
// start with working directory pwd and argument vector argv, and writes
// the header line + separator. If the exact
// filename is already in use (two tasks with identical pwd+cmdline
// starting in the same second) a numeric suffix is appended so no task's
// log is ever silently overwritten.
func Open(dir string, start time.Time, pwd string, argv []string) (*File, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("logstore: create dir %s: %w", dir, err)
	}
	cmdline := strings.Join(argv, " ")
	slug := Slug(pwd, cmdline)
	epoch := start.Unix()

	base := fmt.Sprintf("%d-%s.log", epoch, slug)
	path := filepath.Join(dir, base)
	f, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
	for n := 1; os.IsExist(err); n++ {
		base = fmt.Sprintf("%d-%s-%d.log", epoch, slug, n)
		path = filepath.Join(dir, base)
		f, err = os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
		if n > 1000 {
			break
		}
	}
	if err != nil {
		return nil, fmt.Errorf("logstore: open %s: %w", path, err)
	}

	lf := &File{f: f, path: path}
	header := pwd + " $ " + cmdline + "\n" + separator + "\n"
	if _, werr := f.WriteString(header); werr != nil {
		_ = f.Close()
		return nil, fmt.Errorf("logstore: write header: %w", werr)
	}
	return lf, nil
}

// WriteLine appends line, followed by a newline, to the log file.
func (l *File) WriteLine(line string) error {
	if l == nil || l.f == nil {
		return nil
	}
	_, err := l.f.WriteString(line + "\n")
	return err
}

// Close closes the underlying file handle. Safe to call multiple times.
func (l *File) Close() error {
	if l == nil || l.f == nil {
		return nil
	}
	err := l.f.Close()
	l.f = nil
	return err
}

// Path returns the file's path: the log directory joined with the file name.
func (l *File) Path() string {
	if l == nil {
		return ""
	}
	return l.path
}

// FormatEpochSlug is a small helper exposed for tests that need to
// predict a log file's name without opening it.
func FormatEpochSlug(start time.Time, pwd string, argv []string) string {
	return strconv.FormatInt(start.Unix(), 10) + "-" + Slug(pwd, strings.Join(argv, " ")) + ".log"
}
