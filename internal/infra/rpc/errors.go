package rpc

import (
	"errors"
	"fmt"
)

// RemoteError is returned when the remote service answered with an error.
type RemoteError struct {
	Action  string
	Code    string
	Status  int
	Message string
	// Rejected marks a client-side rejection (bad token, unknown entity) as
	// opposed to a failure of the remote service itself.
	Rejected bool
}

func (e *RemoteError) Error() string {
	if e.Status != 0 {
		return fmt.Sprintf("%s: %s: status %d (%s): %s", ErrCallFailed, e.Action, e.Status, e.Code, e.Message)
	}
	return fmt.Sprintf("%s: %s: %s: %s", ErrCallFailed, e.Action, e.Code, e.Message)
}

func (e *RemoteError) Unwrap() error {
	return ErrCallFailed
}

// IsRejection reports whether err is a RemoteError the service raised on purpose.
func IsRejection(err error) bool {
	var remote *RemoteError
	return errors.As(err, &remote) && remote.Rejected
}
