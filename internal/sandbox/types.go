package sandbox

// ErrKind classifies an operation failure. Callers branch on the kind, not
// on error strings.
type ErrKind string

const (
	ErrNotInitialized   ErrKind = "not_initialized"
	ErrPathRejected     ErrKind = "path_rejected"
	ErrNotFound         ErrKind = "not_found"
	ErrPatternNotFound  ErrKind = "pattern_not_found"
	ErrCommandForbidden ErrKind = "command_forbidden"
	ErrBackendFailure   ErrKind = "backend_failure"
	ErrTimeout          ErrKind = "timeout"
	ErrInvalidSessionID ErrKind = "invalid_session_id"
)

// OpError carries a classified failure inside an operation result.
type OpError struct {
	Kind    ErrKind `json:"kind"`
	Message string  `json:"message"`
}

// Error implements the error interface so an OpError can be wrapped or
// logged like any other error.
func (e *OpError) Error() string { return e.Message }

func opErr(kind ErrKind, message string) *OpError {
	return &OpError{Kind: kind, Message: message}
}

// ChangeType classifies a committed file mutation.
type ChangeType string

const (
	ChangeCreated  ChangeType = "created"
	ChangeModified ChangeType = "modified"
	ChangeDeleted  ChangeType = "deleted"
)

// ReadResult is the outcome of a Read operation.
type ReadResult struct {
	OK      bool     `json:"ok"`
	Content string   `json:"content,omitempty"`
	Err     *OpError `json:"error,omitempty"`
}

// WriteResult is the outcome of a Write or Edit operation.
type WriteResult struct {
	OK        bool     `json:"ok"`
	Path      string   `json:"path,omitempty"` // Relative to the confinement root.
	SizeBytes int64    `json:"size_bytes,omitempty"`
	Err       *OpError `json:"error,omitempty"`

	// Change classifies the mutation: created when the path did not
	// previously exist, else modified. Edits are always modified.
	Change ChangeType `json:"change_type,omitempty"`
}

// ListEntry is one immediate child in a directory listing.
type ListEntry struct {
	Name  string `json:"name"`
	IsDir bool   `json:"is_directory"`
	Size  int64  `json:"size,omitempty"`
}

// ListResult is the outcome of a List operation. Entries are ordered
// directories first, then files, both lexicographic. Dotfiles are hidden.
type ListResult struct {
	OK      bool        `json:"ok"`
	Entries []ListEntry `json:"entries,omitempty"`
	Err     *OpError    `json:"error,omitempty"`
}

// SearchMatch is one matching line from a Search operation.
type SearchMatch struct {
	File    string `json:"file"` // Relative to the confinement root.
	Line    int    `json:"line"` // 1-based.
	Snippet string `json:"snippet"`
}

// SearchResult is the outcome of a Search operation.
type SearchResult struct {
	OK      bool          `json:"ok"`
	Matches []SearchMatch `json:"matches,omitempty"`
	Err     *OpError      `json:"error,omitempty"`
}

// ShellResult is the outcome of an Exec or Chdir operation. Exit code 0
// maps to OK=true. A timed-out command reports the partial output captured
// so far.
type ShellResult struct {
	OK       bool     `json:"ok"`
	Stdout   string   `json:"stdout"`
	Stderr   string   `json:"stderr"`
	ExitCode int      `json:"exit_code"`
	RanIn    string   `json:"ran_in,omitempty"` // Working directory, relative to root.
	Err      *OpError `json:"error,omitempty"`
}
