package admin

import "errors"

// Error taxonomy surfaced to route handlers. Handlers translate these to
// status codes and relay the message unchanged; anything unwrapped maps to a
// generic 500 so internal detail never crosses the boundary.
var (
	ErrInvalidInput   = errors.New("invalid input")
	ErrAuthentication = errors.New("authentication failed")
	ErrLocked         = errors.New("account temporarily locked")
	ErrForbidden      = errors.New("forbidden")
	ErrNotFound       = errors.New("not found")
	ErrConflict       = errors.New("resource conflict")
)
