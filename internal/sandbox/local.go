package sandbox

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"syscall"
)

// snippetMaxLen caps the line excerpt reported for a search match.
const snippetMaxLen = 200

// skipDirs are directory names the search walk never descends into.
// Dotfiles are skipped separately.
var skipDirs = map[string]bool{
	"node_modules": true,
	"vendor":       true,
	"dist":         true,
	"build":        true,
	"target":       true,
	"__pycache__":  true,
}

// LocalBackend confines file and shell operations to a directory on the
// real filesystem. Shell commands run in their own process group with a
// sanitized environment, a wall-clock timeout, and capped output.
type LocalBackend struct {
	cfg Config

	mu          sync.Mutex
	root        string // Absolute, symlink-free confinement root.
	cwd         string // Current directory, always under root.
	initialized bool
}

// NewLocalBackend creates a local backend. The confinement root is
// established on Initialize.
func NewLocalBackend(cfg Config) *LocalBackend {
	return &LocalBackend{cfg: cfg}
}

// Initialize creates the confinement root if needed and resolves it to its
// absolute, symlink-free form. Idempotent.
func (b *LocalBackend) Initialize(_ context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.initialized {
		return nil
	}

	abs, err := filepath.Abs(b.cfg.Root)
	if err != nil {
		return fmt.Errorf("resolving confinement root %q: %w", b.cfg.Root, err)
	}
	if err := os.MkdirAll(abs, 0750); err != nil {
		return fmt.Errorf("creating confinement root: %w", err)
	}
	resolved, err := filepath.EvalSymlinks(abs)
	if err != nil {
		return fmt.Errorf("resolving confinement root %q: %w", abs, err)
	}

	b.root = resolved
	b.cwd = resolved
	b.initialized = true
	return nil
}

func (b *LocalBackend) Mode() Mode { return ModeLocal }

func (b *LocalBackend) Root() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.root != "" {
		return b.root
	}
	return b.cfg.Root
}

// Close is a no-op for the local backend; the workspace directory outlives
// the process on purpose.
func (b *LocalBackend) Close(_ context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.initialized = false
	return nil
}

// resolve validates a path against the confinement root. Returns the
// absolute path to operate on.
func (b *LocalBackend) resolve(raw string) (string, *OpError) {
	b.mu.Lock()
	root, cwd, ok := b.root, b.cwd, b.initialized
	b.mu.Unlock()
	if !ok {
		return "", opErr(ErrNotInitialized, "backend not initialized")
	}
	return containPath(root, cwd, raw)
}

// rel reports a path relative to the confinement root for results and
// change records.
func (b *LocalBackend) rel(abs string) string {
	b.mu.Lock()
	root := b.root
	b.mu.Unlock()
	r, err := filepath.Rel(root, abs)
	if err != nil {
		return abs
	}
	return r
}

func (b *LocalBackend) Read(_ context.Context, path string) ReadResult {
	abs, perr := b.resolve(path)
	if perr != nil {
		return ReadResult{Err: perr}
	}

	info, err := os.Stat(abs)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return ReadResult{Err: opErr(ErrNotFound, fmt.Sprintf("file not found: %s", b.rel(abs)))}
		}
		return ReadResult{Err: opErr(ErrBackendFailure, err.Error())}
	}
	if info.IsDir() {
		return ReadResult{Err: opErr(ErrBackendFailure, fmt.Sprintf("%s is a directory", b.rel(abs)))}
	}
	if info.Size() > b.cfg.maxFileSize() {
		return ReadResult{Err: opErr(ErrBackendFailure, fmt.Sprintf("file size %d exceeds limit %d bytes", info.Size(), b.cfg.maxFileSize()))}
	}

	data, err := os.ReadFile(abs)
	if err != nil {
		return ReadResult{Err: opErr(ErrBackendFailure, err.Error())}
	}
	return ReadResult{OK: true, Content: string(data)}
}

func (b *LocalBackend) Write(_ context.Context, path, content string) WriteResult {
	abs, perr := b.resolve(path)
	if perr != nil {
		return WriteResult{Err: perr}
	}
	if int64(len(content)) > b.cfg.maxFileSize() {
		return WriteResult{Err: opErr(ErrBackendFailure, fmt.Sprintf("content size %d exceeds limit %d bytes", len(content), b.cfg.maxFileSize()))}
	}

	change := ChangeCreated
	if _, err := os.Stat(abs); err == nil {
		change = ChangeModified
	}

	if err := os.MkdirAll(filepath.Dir(abs), 0750); err != nil {
		return WriteResult{Err: opErr(ErrBackendFailure, fmt.Sprintf("creating parent directory: %v", err))}
	}
	if err := os.WriteFile(abs, []byte(content), 0640); err != nil {
		return WriteResult{Err: opErr(ErrBackendFailure, err.Error())}
	}

	return WriteResult{
		OK:        true,
		Path:      b.rel(abs),
		SizeBytes: int64(len(content)),
		Change:    change,
	}
}

// Edit replaces the first occurrence of oldStr only. Callers get no
// indication when further occurrences exist; this matches the documented
// contract and agents rely on it.
func (b *LocalBackend) Edit(ctx context.Context, path, oldStr, newStr string) WriteResult {
	abs, perr := b.resolve(path)
	if perr != nil {
		return WriteResult{Err: perr}
	}

	current := b.Read(ctx, path)
	if !current.OK {
		return WriteResult{Err: current.Err}
	}
	if !strings.Contains(current.Content, oldStr) {
		return WriteResult{Err: opErr(ErrPatternNotFound, fmt.Sprintf("string not found in %s", b.rel(abs)))}
	}

	updated := strings.Replace(current.Content, oldStr, newStr, 1)
	if err := os.WriteFile(abs, []byte(updated), 0640); err != nil {
		return WriteResult{Err: opErr(ErrBackendFailure, err.Error())}
	}

	return WriteResult{
		OK:        true,
		Path:      b.rel(abs),
		SizeBytes: int64(len(updated)),
		Change:    ChangeModified,
	}
}

func (b *LocalBackend) List(_ context.Context, path string) ListResult {
	abs, perr := b.resolve(path)
	if perr != nil {
		return ListResult{Err: perr}
	}

	dirents, err := os.ReadDir(abs)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return ListResult{Err: opErr(ErrNotFound, fmt.Sprintf("directory not found: %s", b.rel(abs)))}
		}
		return ListResult{Err: opErr(ErrBackendFailure, err.Error())}
	}

	entries := make([]ListEntry, 0, len(dirents))
	for _, de := range dirents {
		if strings.HasPrefix(de.Name(), ".") {
			continue
		}
		e := ListEntry{Name: de.Name(), IsDir: de.IsDir()}
		if info, ierr := de.Info(); ierr == nil && !de.IsDir() {
			e.Size = info.Size()
		}
		entries = append(entries, e)
	}
	// Directories sort before files, both lexicographic.
	sort.Slice(entries, func(i, j int) bool {
		if entries[i].IsDir != entries[j].IsDir {
			return entries[i].IsDir
		}
		return entries[i].Name < entries[j].Name
	})

	return ListResult{OK: true, Entries: entries}
}

func (b *LocalBackend) Search(_ context.Context, pattern, path string, maxMatches int) SearchResult {
	abs, perr := b.resolve(path)
	if perr != nil {
		return SearchResult{Err: perr}
	}
	if pattern == "" {
		return SearchResult{Err: opErr(ErrBackendFailure, "search pattern must not be empty")}
	}
	if maxMatches <= 0 {
		maxMatches = 50
	}

	needle := strings.ToLower(pattern)
	var matches []SearchMatch

	walkErr := filepath.WalkDir(abs, func(p string, d os.DirEntry, err error) error {
		if err != nil {
			return nil // Unreadable entries are skipped, not fatal.
		}
		name := d.Name()
		if d.IsDir() {
			if p != abs && (strings.HasPrefix(name, ".") || skipDirs[name]) {
				return filepath.SkipDir
			}
			return nil
		}
		if strings.HasPrefix(name, ".") {
			return nil
		}
		info, ierr := d.Info()
		if ierr != nil || info.Size() > b.cfg.maxFileSize() {
			return nil
		}

		data, rerr := os.ReadFile(p)
		if rerr != nil {
			return nil
		}
		for i, line := range strings.Split(string(data), "\n") {
			if !strings.Contains(strings.ToLower(line), needle) {
				continue
			}
			snippet := strings.TrimSpace(line)
			if len(snippet) > snippetMaxLen {
				snippet = snippet[:snippetMaxLen]
			}
			matches = append(matches, SearchMatch{
				File:    b.rel(p),
				Line:    i + 1,
				Snippet: snippet,
			})
			if len(matches) >= maxMatches {
				return filepath.SkipAll
			}
		}
		return nil
	})
	if walkErr != nil {
		return SearchResult{Err: opErr(ErrBackendFailure, walkErr.Error())}
	}

	return SearchResult{OK: true, Matches: matches}
}

// Exec runs the command through sh -c in the backend's current directory.
// The denylist is checked first; a forbidden command never spawns a process.
func (b *LocalBackend) Exec(ctx context.Context, command string) ShellResult {
	b.mu.Lock()
	cwd, ok := b.cwd, b.initialized
	b.mu.Unlock()
	if !ok {
		return ShellResult{ExitCode: 1, Err: opErr(ErrNotInitialized, "backend not initialized")}
	}

	if perr := CheckCommand(command); perr != nil {
		return ShellResult{
			Stderr:   perr.Message,
			ExitCode: 1,
			Err:      perr,
		}
	}

	timeout := b.cfg.commandTimeout()
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	cmd := exec.CommandContext(ctx, "/bin/sh", "-c", command)
	cmd.Dir = cwd

	// The child runs in its own process group so a timeout kills the whole
	// tree, not just the shell.
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	cmd.Cancel = func() error {
		if cmd.Process == nil {
			return nil
		}
		return syscall.Kill(-cmd.Process.Pid, syscall.SIGKILL)
	}

	// Minimal environment — no inheritance, so host credentials never leak
	// into agent commands.
	cmd.Env = []string{
		"PATH=/usr/local/bin:/usr/bin:/bin",
		"HOME=" + cwd,
		"TMPDIR=" + cwd,
		"LANG=en_US.UTF-8",
		"TERM=dumb",
	}

	var stdoutBuf, stderrBuf bytes.Buffer
	limit := b.cfg.maxOutputBytes()
	cmd.Stdout = &limitedWriter{w: &stdoutBuf, remaining: limit}
	cmd.Stderr = &limitedWriter{w: &stderrBuf, remaining: limit}

	runErr := cmd.Run()

	ranIn := b.rel(cwd)
	if ranIn == "." {
		ranIn = ""
	}

	result := ShellResult{
		Stdout: stdoutBuf.String(),
		Stderr: stderrBuf.String(),
		RanIn:  ranIn,
	}

	if runErr != nil {
		if ctx.Err() != nil {
			result.ExitCode = -1
			result.Err = opErr(ErrTimeout, fmt.Sprintf("command timed out after %s", timeout))
			return result
		}
		var exitErr *exec.ExitError
		if errors.As(runErr, &exitErr) {
			result.ExitCode = exitErr.ExitCode()
			return result
		}
		result.ExitCode = 1
		result.Err = opErr(ErrBackendFailure, runErr.Error())
		return result
	}

	result.OK = true
	return result
}

// Chdir moves the current directory for subsequent relative operations.
func (b *LocalBackend) Chdir(path string) ShellResult {
	abs, perr := b.resolve(path)
	if perr != nil {
		return ShellResult{ExitCode: 1, Stderr: perr.Message, Err: perr}
	}

	info, err := os.Stat(abs)
	if err != nil {
		return ShellResult{ExitCode: 1, Err: opErr(ErrNotFound, fmt.Sprintf("directory not found: %s", b.rel(abs)))}
	}
	if !info.IsDir() {
		return ShellResult{ExitCode: 1, Err: opErr(ErrBackendFailure, fmt.Sprintf("%s is not a directory", b.rel(abs)))}
	}

	b.mu.Lock()
	b.cwd = abs
	b.mu.Unlock()

	ranIn := b.rel(abs)
	return ShellResult{OK: true, Stdout: ranIn, RanIn: ranIn}
}

// limitedWriter stops writing once the byte cap is reached. Excess output is
// silently discarded, not an error.
type limitedWriter struct {
	w         io.Writer
	remaining int
}

func (lw *limitedWriter) Write(p []byte) (int, error) {
	if lw.remaining <= 0 {
		return len(p), nil
	}
	if len(p) > lw.remaining {
		p = p[:lw.remaining]
	}
	n, err := lw.w.Write(p)
	lw.remaining -= n
	if n < len(p) {
		return len(p), err
	}
	return len(p), err
}
