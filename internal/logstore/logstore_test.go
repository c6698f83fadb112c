package logstore

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestSlug(t *testing.T) {
	cases := []struct {
		pwd, cmdline, want string
	}{
		{"/home/user/proj", "make -j4", "home_user_proj_make_j4"},
		{"/tmp", "echo Hello, World!", "tmp_echo_hello_world"},
	}
	for _, c := range cases {
		if got := Slug(c.pwd, c.cmdline); got != c.want {
			t.Errorf("Slug(%q, %q) = %q, want %q", c.pwd, c.cmdline, got, c.want)
		}
	}
}

func TestSlugTruncatesToMaxLen(t *testing.T) {
	long := strings.Repeat("a", 500)
	got := Slug("/", long)
	if len([]rune(got)) > maxSlugLen {
		t.Fatalf("slug exceeds maxSlugLen: %d runes", len([]rune(got)))
	}
}

func TestOpenWritesHeaderAndLines(t *testing.T) {
	dir := t.TempDir()
	start := time.Unix(1700000000, 0)
	f, err := Open(dir, start, "/work", []string{"make", "all"})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if err := f.WriteLine("building foo.o"); err != nil {
		t.Fatalf("WriteLine: %v", err)
	}
	if err := f.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	data, err := os.ReadFile(f.Path())
	if err != nil {
		t.Fatalf("ReadFile: %v", err)
	}
	content := string(data)
	if !strings.HasPrefix(content, "/work $ make all\n"+separator+"\n") {
		t.Fatalf("unexpected header:\n%s", content)
	}
	if !strings.Contains(content, "building foo.o\n") {
		t.Fatalf("missing written line:\n%s", content)
	}

	wantName := FormatEpochSlug(start, "/work", []string{"make", "all"})
	if filepath.Base(f.Path()) != wantName {
		t.Fatalf("path = %s, want basename %s", f.Path(), wantName)
	}
}

func TestOpenAvoidsCollision(t *testing.T) {
	dir := t.TempDir()
	start := time.Unix(1700000000, 0)

	f1, err := Open(dir, start, "/work", []string{"make"})
	if err != nil {
		t.Fatalf("Open 1: %v", err)
	}
	defer f1.Close()

	f2, err := Open(dir, start, "/work", []string{"make"})
	if err != nil {
		t.Fatalf("Open 2: %v", err)
	}
	defer f2.Close()

	if f1.Path() == f2.Path() {
		t.Fatalf("expected distinct paths for colliding names, got %s twice", f1.Path())
	}
}

func TestCloseIsIdempotentAndNilSafe(t *testing.T) {
	var f *File
	if err := f.Close(); err != nil {
		t.Fatalf("nil receiver Close should be a no-op: %v", err)
	}

	dir := t.TempDir()
	real, err := Open(dir, time.Unix(1700000000, 0), "/work", []string{"true"})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if err := real.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if err := real.Close(); err != nil {
		t.Fatalf("second Close should be a no-op: %v", err)
	}
}
