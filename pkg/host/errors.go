package host

import (
	"errors"
	"fmt"
)

// Host errors.
var (
	// ErrAuthFailed is returned when the device rejects the login
	// credentials during the handshake.
	ErrAuthFailed = errors.New("authentication failed")

	// ErrNotSupported is returned when the device rejects a command it
	// does not implement.
	ErrNotSupported = errors.New("command not supported by device")

	// ErrClosed is returned for operations on a logged-out host.
	ErrClosed = errors.New("host is closed")
)

// Device response codes carried in an Error body element.
const (
	rspCodeOK           = 200
	rspCodeNotSupported = 26
)

// CommandError is a device-side rejection of a command, carrying the
// raw response code from the Error element.
type CommandError struct {
	Code   int
	Detail string
}

func (e *CommandError) Error() string {
	if e.Detail != "" {
		return fmt.Sprintf("device rejected command (rspCode %d): %s", e.Code, e.Detail)
	}
	return fmt.Sprintf("device rejected command (rspCode %d)", e.Code)
}
