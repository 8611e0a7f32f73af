package sandbox

import (
	"fmt"
	"path/filepath"
	"regexp"
	"strings"
)

// pathRejectedMsg is the message agents see when a path escapes the root.
const pathRejectedMsg = "Path outside allowed directory"

// commandForbiddenMsg is the message agents see when the denylist matches.
const commandForbiddenMsg = "Command forbidden by security policy"

// containPath resolves a user-supplied path against the current working
// directory and verifies it stays under the confinement root.
//
// The check runs on the resolved absolute path — after .. segments and
// symlinked intermediate components are eliminated — never on the raw
// string. A path that does not exist yet (write case) is resolved through
// its nearest existing ancestor.
//
// Adapted from the file tool's allowlist check; here there is exactly one
// allowed prefix, the root.
func containPath(root, cwd, raw string) (string, *OpError) {
	if raw == "" || raw == "." {
		raw = cwd
	}

	abs := raw
	if !filepath.IsAbs(abs) {
		abs = filepath.Join(cwd, raw)
	}
	abs = filepath.Clean(abs)

	resolved, err := resolveExisting(abs)
	if err != nil {
		return "", opErr(ErrPathRejected, pathRejectedMsg)
	}

	if resolved == root || strings.HasPrefix(resolved, root+string(filepath.Separator)) {
		return abs, nil
	}
	return "", opErr(ErrPathRejected, pathRejectedMsg)
}

// resolveExisting evaluates symlinks along the longest existing prefix of
// abs and rejoins the non-existent remainder. This keeps the containment
// check meaningful for paths about to be created.
func resolveExisting(abs string) (string, error) {
	resolved, err := filepath.EvalSymlinks(abs)
	if err == nil {
		return resolved, nil
	}

	dir := abs
	var tail []string
	for {
		parent := filepath.Dir(dir)
		if parent == dir {
			return "", fmt.Errorf("resolving %s: %w", abs, err)
		}
		tail = append([]string{filepath.Base(dir)}, tail...)
		dir = parent

		resolved, rErr := filepath.EvalSymlinks(dir)
		if rErr == nil {
			return filepath.Join(append([]string{resolved}, tail...)...), nil
		}
	}
}

// forbiddenPattern is one denylist entry. Patterns match the raw command
// string, lowercased with runs of whitespace collapsed, so superficial
// variation (extra spaces, casing) does not slip past.
type forbiddenPattern struct {
	name string
	re   *regexp.Regexp
}

// The denylist screens for catastrophic commands before anything reaches a
// shell. This is defense in depth on top of directory confinement, not a
// substitute for a real sandbox.
var forbiddenPatterns = []forbiddenPattern{
	{"recursive delete of root or home", regexp.MustCompile(`\brm\s+(-[a-z-]+\s+)*-[a-z]*r[a-z]*\s+(-[a-z-]+\s+)*(/|~|\$home)(\s|$|/\s|/$)`)},
	{"wildcard recursive delete", regexp.MustCompile(`\brm\s+(-[a-z-]+\s+)*-[a-z]*r[a-z]*\s+(-[a-z-]+\s+)*\S*\*`)},
	{"write to raw block device", regexp.MustCompile(`>\s*/dev/(sd[a-z]|hd[a-z]|nvme\d|disk\d)`)},
	{"filesystem format", regexp.MustCompile(`\bmkfs(\.[a-z0-9]+)?\b`)},
	{"disk clone to device", regexp.MustCompile(`\bdd\b[^|;&]*\bof=/dev/(sd[a-z]|hd[a-z]|nvme\d|disk\d)`)},
	{"fork bomb", regexp.MustCompile(`:\s*\(\s*\)\s*\{\s*:\s*\|\s*:\s*&\s*\}\s*;\s*:`)},
	{"recursive chmod 777 on root", regexp.MustCompile(`\bchmod\s+(-[a-z]+\s+)*-r[a-z]*\s+(-[a-z]+\s+)*777\s+/(\s|$)`)},
	{"download piped into shell", regexp.MustCompile(`\b(curl|wget)\b[^|;&]*\|\s*(sudo\s+)?(ba|z|da|k)?sh\b`)},
}

var whitespaceRun = regexp.MustCompile(`\s+`)

// CheckCommand matches the raw command string against the denylist.
// Returns nil when the command is allowed. A non-nil result means the
// command must never be handed to a backend.
func CheckCommand(command string) *OpError {
	normalized := whitespaceRun.ReplaceAllString(strings.ToLower(strings.TrimSpace(command)), " ")
	for _, p := range forbiddenPatterns {
		if p.re.MatchString(normalized) {
			return opErr(ErrCommandForbidden, commandForbiddenMsg)
		}
	}
	return nil
}
