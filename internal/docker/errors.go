package docker

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"strings"

	"github.com/docker/docker/errdefs"
)

// ErrKind classifies Docker client failures. Transient errors are not
// retried at this layer; callers decide.
type ErrKind string

const (
	// KindSocketUnavailable means the daemon socket is absent or refused.
	KindSocketUnavailable ErrKind = "socket_unavailable"
	// KindPermissionDenied means the socket exists but access was denied.
	KindPermissionDenied ErrKind = "permission_denied"
	// KindNotFound means the daemon reported a missing object.
	KindNotFound ErrKind = "not_found"
	// KindConflict means the daemon reported a name or state conflict.
	KindConflict ErrKind = "conflict"
	// KindTimeout means an operation exceeded its budget.
	KindTimeout ErrKind = "timeout"
	// KindMalformed means a daemon response could not be parsed.
	KindMalformed ErrKind = "malformed"
	// KindDaemon covers everything else the daemon returned.
	KindDaemon ErrKind = "daemon_error"
)

// Error wraps a Docker failure with its classification.
type Error struct {
	Kind ErrKind
	Op   string
	Err  error
}

func (e *Error) Error() string {
	return fmt.Sprintf("docker %s: %s: %v", e.Op, e.Kind, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// IsKind reports whether err is a classified Docker error of the given kind.
func IsKind(err error, kind ErrKind) bool {
	var de *Error
	return errors.As(err, &de) && de.Kind == kind
}

// classify wraps err with the op name and a classified kind.
func classify(op string, err error) error {
	if err == nil {
		return nil
	}
	return &Error{Kind: kindOf(err), Op: op, Err: err}
}

func kindOf(err error) ErrKind {
	switch {
	case errdefs.IsNotFound(err):
		return KindNotFound
	case errdefs.IsConflict(err):
		return KindConflict
	case errors.Is(err, context.DeadlineExceeded):
		return KindTimeout
	case errors.Is(err, os.ErrPermission):
		return KindPermissionDenied
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return KindTimeout
	}

	var opErr *net.OpError
	if errors.As(err, &opErr) {
		return KindSocketUnavailable
	}

	msg := err.Error()
	switch {
	case strings.Contains(msg, "permission denied"):
		return KindPermissionDenied
	case strings.Contains(msg, "no such file or directory"),
		strings.Contains(msg, "connection refused"),
		strings.Contains(msg, "Cannot connect to the Docker daemon"):
		return KindSocketUnavailable
	case strings.Contains(msg, "unexpected EOF"),
		strings.Contains(msg, "invalid character"):
		return KindMalformed
	}

	return KindDaemon
}
