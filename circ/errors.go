package circ

import (
	"errors"
	"fmt"
)

// ErrNotFound is returned when a record lookup or update targets an id that
// does not exist in the local store.
var ErrNotFound = errors.New("not found")

// ErrOffline is returned when an upload is attempted while the attached
// connectivity monitor reports the workstation disconnected.
var ErrOffline = errors.New("workstation is offline")

// ServerRejection is a negative acknowledgement from the backend: the
// request reached the server but the action was declined.
type ServerRejection struct {
	Status  int
	Message string
}

func (e *ServerRejection) Error() string {
	if e.Message != "" {
		return e.Message
	}
	return fmt.Sprintf("server rejected request (status %d)", e.Status)
}
