package sandbox

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func newTestBackend(t *testing.T, cfg Config) *LocalBackend {
	t.Helper()
	if cfg.Root == "" {
		cfg.Root = filepath.Join(t.TempDir(), "ws")
	}
	b := NewLocalBackend(cfg)
	if err := b.Initialize(context.Background()); err != nil {
		t.Fatalf("Initialize: %v", err)
	}
	return b
}

func TestLocalInitializeCreatesRoot(t *testing.T) {
	root := filepath.Join(t.TempDir(), "ws")
	b := NewLocalBackend(Config{Root: root})
	if err := b.Initialize(context.Background()); err != nil {
		t.Fatalf("Initialize: %v", err)
	}
	if _, err := os.Stat(root); err != nil {
		t.Errorf("root not created: %v", err)
	}
	// Idempotent.
	if err := b.Initialize(context.Background()); err != nil {
		t.Errorf("second Initialize: %v", err)
	}
}

func TestLocalNotInitialized(t *testing.T) {
	b := NewLocalBackend(Config{Root: t.TempDir()})
	res := b.Read(context.Background(), "f.txt")
	if res.OK || res.Err == nil || res.Err.Kind != ErrNotInitialized {
		t.Errorf("Read before Initialize = %+v, want not_initialized", res)
	}
	sh := b.Exec(context.Background(), "echo hi")
	if sh.OK || sh.Err == nil || sh.Err.Kind != ErrNotInitialized {
		t.Errorf("Exec before Initialize = %+v, want not_initialized", sh)
	}
}

func TestLocalWriteReadRoundTrip(t *testing.T) {
	b := newTestBackend(t, Config{})
	ctx := context.Background()

	wr := b.Write(ctx, "notes/plan.txt", "step one")
	if !wr.OK {
		t.Fatalf("Write: %+v", wr.Err)
	}
	if wr.Change != ChangeCreated {
		t.Errorf("Change = %q, want %q", wr.Change, ChangeCreated)
	}
	if wr.Path != filepath.Join("notes", "plan.txt") {
		t.Errorf("Path = %q", wr.Path)
	}
	if wr.SizeBytes != int64(len("step one")) {
		t.Errorf("SizeBytes = %d", wr.SizeBytes)
	}

	rd := b.Read(ctx, "notes/plan.txt")
	if !rd.OK {
		t.Fatalf("Read: %+v", rd.Err)
	}
	if rd.Content != "step one" {
		t.Errorf("Content = %q", rd.Content)
	}

	// Second write to the same path is a modification.
	wr = b.Write(ctx, "notes/plan.txt", "step two")
	if !wr.OK || wr.Change != ChangeModified {
		t.Errorf("rewrite = %+v, want modified", wr)
	}
}

func TestLocalReadMissing(t *testing.T) {
	b := newTestBackend(t, Config{})
	res := b.Read(context.Background(), "missing.txt")
	if res.OK || res.Err == nil || res.Err.Kind != ErrNotFound {
		t.Errorf("Read missing = %+v, want not_found", res)
	}
}

func TestLocalPathRejection(t *testing.T) {
	b := newTestBackend(t, Config{})
	ctx := context.Background()

	for _, p := range []string{"../escape.txt", "/etc/passwd", "a/../../x"} {
		res := b.Read(ctx, p)
		if res.OK || res.Err == nil || res.Err.Kind != ErrPathRejected {
			t.Errorf("Read(%q) = %+v, want path_rejected", p, res)
		}
		wr := b.Write(ctx, p, "x")
		if wr.OK || wr.Err == nil || wr.Err.Kind != ErrPathRejected {
			t.Errorf("Write(%q) = %+v, want path_rejected", p, wr)
		}
		if wr.Err != nil && wr.Err.Message != "Path outside allowed directory" {
			t.Errorf("Write(%q) message = %q", p, wr.Err.Message)
		}
	}
}

func TestLocalEditFirstOccurrence(t *testing.T) {
	b := newTestBackend(t, Config{})
	ctx := context.Background()

	b.Write(ctx, "f.txt", "foo foo foo")
	res := b.Edit(ctx, "f.txt", "foo", "bar")
	if !res.OK {
		t.Fatalf("Edit: %+v", res.Err)
	}
	if res.Change != ChangeModified {
		t.Errorf("Change = %q, want %q", res.Change, ChangeModified)
	}

	rd := b.Read(ctx, "f.txt")
	if rd.Content != "bar foo foo" {
		t.Errorf("content after edit = %q, want %q", rd.Content, "bar foo foo")
	}
}

func TestLocalEditPatternNotFound(t *testing.T) {
	b := newTestBackend(t, Config{})
	ctx := context.Background()

	b.Write(ctx, "f.txt", "original content")
	res := b.Edit(ctx, "f.txt", "nonexistent", "replacement")
	if res.OK || res.Err == nil || res.Err.Kind != ErrPatternNotFound {
		t.Fatalf("Edit = %+v, want pattern_not_found", res)
	}

	// The file must be untouched after a failed edit.
	rd := b.Read(ctx, "f.txt")
	if rd.Content != "original content" {
		t.Errorf("file modified by failed edit: %q", rd.Content)
	}
}

func TestLocalEditMissingFile(t *testing.T) {
	b := newTestBackend(t, Config{})
	res := b.Edit(context.Background(), "missing.txt", "a", "b")
	if res.OK || res.Err == nil || res.Err.Kind != ErrNotFound {
		t.Errorf("Edit missing = %+v, want not_found", res)
	}
}

func TestLocalListOrderingAndDotfiles(t *testing.T) {
	b := newTestBackend(t, Config{})
	ctx := context.Background()

	b.Write(ctx, "zebra.txt", "z")
	b.Write(ctx, "alpha.txt", "a")
	b.Write(ctx, ".hidden", "h")
	b.Write(ctx, "sub/child.txt", "c")
	b.Write(ctx, "another/child.txt", "c")

	res := b.List(ctx, ".")
	if !res.OK {
		t.Fatalf("List: %+v", res.Err)
	}

	var names []string
	for _, e := range res.Entries {
		names = append(names, e.Name)
	}
	want := []string{"another", "sub", "alpha.txt", "zebra.txt"}
	if strings.Join(names, ",") != strings.Join(want, ",") {
		t.Errorf("entries = %v, want %v", names, want)
	}

	if !res.Entries[0].IsDir || res.Entries[2].IsDir {
		t.Errorf("directory flags wrong: %+v", res.Entries)
	}
	if res.Entries[2].Size != 1 {
		t.Errorf("alpha.txt size = %d, want 1", res.Entries[2].Size)
	}
}

func TestLocalListMissingDir(t *testing.T) {
	b := newTestBackend(t, Config{})
	res := b.List(context.Background(), "nope")
	if res.OK || res.Err == nil || res.Err.Kind != ErrNotFound {
		t.Errorf("List missing = %+v, want not_found", res)
	}
}

func TestLocalSearch(t *testing.T) {
	b := newTestBackend(t, Config{})
	ctx := context.Background()

	b.Write(ctx, "a.txt", "nothing here\nthe NEEDLE is on line two\n")
	b.Write(ctx, "sub/b.txt", "needle again\n")
	b.Write(ctx, ".hidden.txt", "needle hidden\n")
	b.Write(ctx, "node_modules/dep.js", "needle in deps\n")

	res := b.Search(ctx, "needle", ".", 0)
	if !res.OK {
		t.Fatalf("Search: %+v", res.Err)
	}
	if len(res.Matches) != 2 {
		t.Fatalf("matches = %d (%+v), want 2", len(res.Matches), res.Matches)
	}
	for _, m := range res.Matches {
		if m.File != "a.txt" && m.File != filepath.Join("sub", "b.txt") {
			t.Errorf("unexpected match file %q", m.File)
		}
		if m.Line < 1 {
			t.Errorf("line %d is not 1-based", m.Line)
		}
	}
}

func TestLocalSearchMaxMatches(t *testing.T) {
	b := newTestBackend(t, Config{})
	ctx := context.Background()

	b.Write(ctx, "many.txt", strings.Repeat("hit\n", 10))
	res := b.Search(ctx, "hit", ".", 3)
	if !res.OK {
		t.Fatalf("Search: %+v", res.Err)
	}
	if len(res.Matches) != 3 {
		t.Errorf("matches = %d, want 3", len(res.Matches))
	}
}

func TestLocalSearchEmptyPattern(t *testing.T) {
	b := newTestBackend(t, Config{})
	res := b.Search(context.Background(), "", ".", 10)
	if res.OK || res.Err == nil {
		t.Errorf("Search empty pattern = %+v, want error", res)
	}
}

func TestLocalExec(t *testing.T) {
	b := newTestBackend(t, Config{})
	res := b.Exec(context.Background(), "echo hello")
	if !res.OK {
		t.Fatalf("Exec: %+v", res.Err)
	}
	if strings.TrimSpace(res.Stdout) != "hello" {
		t.Errorf("stdout = %q", res.Stdout)
	}
	if res.ExitCode != 0 {
		t.Errorf("exit code = %d", res.ExitCode)
	}
}

func TestLocalExecNonZeroExit(t *testing.T) {
	b := newTestBackend(t, Config{})
	res := b.Exec(context.Background(), "exit 3")
	if res.OK {
		t.Error("OK = true for failing command")
	}
	if res.ExitCode != 3 {
		t.Errorf("exit code = %d, want 3", res.ExitCode)
	}
	if res.Err != nil {
		t.Errorf("unexpected error: %+v", res.Err)
	}
}

func TestLocalExecForbidden(t *testing.T) {
	b := newTestBackend(t, Config{})
	res := b.Exec(context.Background(), "rm -rf /")
	if res.OK {
		t.Error("OK = true for forbidden command")
	}
	if res.Err == nil || res.Err.Kind != ErrCommandForbidden {
		t.Fatalf("err = %+v, want command_forbidden", res.Err)
	}
	if res.Stderr != "Command forbidden by security policy" {
		t.Errorf("stderr = %q", res.Stderr)
	}
	if res.ExitCode != 1 {
		t.Errorf("exit code = %d, want 1", res.ExitCode)
	}
}

func TestLocalExecTimeout(t *testing.T) {
	b := newTestBackend(t, Config{CommandTimeout: 200 * time.Millisecond})
	start := time.Now()
	res := b.Exec(context.Background(), "echo partial && sleep 10")
	if time.Since(start) > 5*time.Second {
		t.Fatal("timeout did not fire")
	}
	if res.OK {
		t.Error("OK = true for timed-out command")
	}
	if res.Err == nil || res.Err.Kind != ErrTimeout {
		t.Fatalf("err = %+v, want timeout", res.Err)
	}
	// Output captured before the deadline is still reported.
	if strings.TrimSpace(res.Stdout) != "partial" {
		t.Errorf("stdout = %q, want partial output", res.Stdout)
	}
}

func TestLocalExecOutputCap(t *testing.T) {
	b := newTestBackend(t, Config{MaxOutputBytes: 64})
	res := b.Exec(context.Background(), "yes x | head -c 4096")
	if len(res.Stdout) > 64 {
		t.Errorf("stdout length = %d, want <= 64", len(res.Stdout))
	}
}

func TestLocalExecEnvIsSanitized(t *testing.T) {
	t.Setenv("TOWN_SECRET_TOKEN", "hunter2")
	b := newTestBackend(t, Config{})
	res := b.Exec(context.Background(), "echo \"got:$TOWN_SECRET_TOKEN\"")
	if !res.OK {
		t.Fatalf("Exec: %+v", res.Err)
	}
	if strings.TrimSpace(res.Stdout) != "got:" {
		t.Errorf("host environment leaked into command: %q", res.Stdout)
	}
}

func TestLocalChdir(t *testing.T) {
	b := newTestBackend(t, Config{})
	ctx := context.Background()

	b.Write(ctx, "sub/f.txt", "content")

	res := b.Chdir("sub")
	if !res.OK {
		t.Fatalf("Chdir: %+v", res.Err)
	}
	if res.RanIn != "sub" {
		t.Errorf("RanIn = %q, want sub", res.RanIn)
	}

	// Relative reads now resolve against the new cwd.
	rd := b.Read(ctx, "f.txt")
	if !rd.OK || rd.Content != "content" {
		t.Errorf("Read after Chdir = %+v", rd)
	}

	sh := b.Exec(ctx, "pwd")
	if !strings.HasSuffix(strings.TrimSpace(sh.Stdout), "sub") {
		t.Errorf("pwd after Chdir = %q", sh.Stdout)
	}
}

func TestLocalChdirEscape(t *testing.T) {
	b := newTestBackend(t, Config{})
	res := b.Chdir("..")
	if res.OK || res.Err == nil || res.Err.Kind != ErrPathRejected {
		t.Errorf("Chdir(..) = %+v, want path_rejected", res)
	}
}

func TestLocalChdirNotADirectory(t *testing.T) {
	b := newTestBackend(t, Config{})
	b.Write(context.Background(), "f.txt", "x")
	res := b.Chdir("f.txt")
	if res.OK || res.Err == nil {
		t.Errorf("Chdir(file) = %+v, want error", res)
	}
}

func TestLocalFileSizeLimit(t *testing.T) {
	b := newTestBackend(t, Config{MaxFileSizeBytes: 16})
	ctx := context.Background()

	res := b.Write(ctx, "big.txt", strings.Repeat("x", 32))
	if res.OK || res.Err == nil || res.Err.Kind != ErrBackendFailure {
		t.Errorf("oversized Write = %+v, want backend_failure", res)
	}

	if wr := b.Write(ctx, "small.txt", "ok"); !wr.OK {
		t.Fatalf("Write: %+v", wr.Err)
	}
}
