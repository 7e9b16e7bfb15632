package federation

import (
	"errors"
	"fmt"
)

var (
	ErrMalformedActivity = errors.New("malformed activity")
	ErrUnsupportedKind   = errors.New("unsupported activity type")
	ErrUnresolvedTarget  = errors.New("target object not found")
	ErrUnknownFollow     = errors.New("no matching follow request")
	ErrNoRecipient       = errors.New("recipient is not a local author")
	ErrNotOwner          = errors.New("actor does not own the object")
	ErrUnknownNode       = errors.New("no active node for host")
	ErrUnknownAuthor     = errors.New("author could not be resolved")
	ErrNotLocal          = errors.New("author is not local")
)

// RemoteNodeError is returned for every failed call to a peer: transport
// errors and non-2xx answers alike.
type RemoteNodeError struct {
	Node       string
	Method     string
	Path       string
	StatusCode int // 0 when no response was received
	Err        error
}

func (e *RemoteNodeError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("%s %s on node %s: status %d", e.Method, e.Path, e.Node, e.StatusCode)
	}
	return fmt.Sprintf("%s %s on node %s: %v", e.Method, e.Path, e.Node, e.Err)
}

func (e *RemoteNodeError) Unwrap() error {
	return e.Err
}

func malformed(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrMalformedActivity, fmt.Sprintf(format, args...))
}
