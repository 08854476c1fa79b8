// Package issue defines the failure categories a pipeline stage can report
// and the remediation hint shown to the operator for each of them.
package issue

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

// Kind categorizes a failure
type Kind int

const (
	Unknown Kind = iota
	NotFound
	Authentication
	RemoteNotFound
	HistoryConflict
	Timeout
	Invalid
)

func (k Kind) String() string {
	switch k {
	case NotFound:
		return "not-found"
	case Authentication:
		return "authentication"
	case RemoteNotFound:
		return "remote-not-found"
	case HistoryConflict:
		return "history-conflict"
	case Timeout:
		return "timeout"
	case Invalid:
		return "invalid"
	default:
		return "unknown"
	}
}

// Sentinel errors usable with errors.Is against any *Error of that kind.
var (
	ErrNotFound        = &Error{Kind: NotFound}
	ErrAuthentication  = &Error{Kind: Authentication}
	ErrRemoteNotFound  = &Error{Kind: RemoteNotFound}
	ErrHistoryConflict = &Error{Kind: HistoryConflict}
	ErrTimeout         = &Error{Kind: Timeout}
)

// Error is a categorized stage failure. Output carries the underlying tool's
// diagnostics verbatim.
type Error struct {
	Stage  string
	Kind   Kind
	Err    error
	Output string
}

// New creates a categorized error for a stage
func New(stage string, kind Kind, err error) *Error {
	return &Error{Stage: stage, Kind: kind, Err: err}
}

// NotFoundf creates a NotFound error with a formatted message
func NotFoundf(stage, format string, args ...any) *Error {
	return New(stage, NotFound, fmt.Errorf(format, args...))
}

func (e *Error) Error() string {
	var b strings.Builder
	if e.Stage != "" {
		b.WriteString(e.Stage)
		b.WriteString(": ")
	}
	if e.Err != nil {
		b.WriteString(e.Err.Error())
	} else {
		b.WriteString(e.Kind.String())
	}
	if out := strings.TrimSpace(e.Output); out != "" {
		b.WriteString("\n")
		b.WriteString(out)
	}
	return b.String()
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Is matches sentinel errors by kind
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Stage == "" && t.Err == nil && t.Kind == e.Kind
}

// Hint returns a one-line remediation for the error's kind
func (e *Error) Hint() string {
	return Hint(e.Kind)
}

// Hint returns a one-line remediation for a kind
func Hint(k Kind) string {
	switch k {
	case NotFound:
		return "check that the source tree, release archive and descriptor paths in the config exist"
	case Authentication:
		return "the remote rejected the credentials; put a token with repo write access in the configured token file"
	case RemoteNotFound:
		return "the remote repository was not found; check publish.remote_url and that the token can see the repository"
	case HistoryConflict:
		return "local and remote history diverged; resolve the rebase manually (git status, git rebase --continue or --abort) and rerun"
	case Timeout:
		return "the network operation timed out; check connectivity or raise publish.push_timeout, then rerun the whole publish"
	case Invalid:
		return "fix the reported input and rerun"
	default:
		return "inspect the tool output above and rerun"
	}
}

var classifiers = []struct {
	kind    Kind
	markers []string
}{
	{Authentication, []string{
		"authentication failed",
		"permission denied",
		"403",
		"forbidden",
		"invalid username or password",
		"could not read username",
	}},
	{RemoteNotFound, []string{
		"repository not found",
		"404",
	}},
	{HistoryConflict, []string{
		"refusing to merge",
		"unrelated histories",
		"non-fast-forward",
		"fetch first",
		"[rejected]",
		"conflict",
		"could not apply",
	}},
}

// Classify maps a failed tool invocation to a Kind using its diagnostics
func Classify(output string, err error) Kind {
	if errors.Is(err, context.DeadlineExceeded) {
		return Timeout
	}

	lower := strings.ToLower(output)
	for _, c := range classifiers {
		for _, m := range c.markers {
			if strings.Contains(lower, m) {
				return c.kind
			}
		}
	}
	return Unknown
}

// KindOf returns the kind of err, or Unknown
func KindOf(err error) Kind {
	var ie *Error
	if errors.As(err, &ie) {
		return ie.Kind
	}
	return Unknown
}
