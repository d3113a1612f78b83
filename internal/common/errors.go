package common

import "github.com/pkg/errors"

// Error taxonomy. Callers wrap these with context and classify with
// errors.Is; Code turns them into the reason code sent on the wire.
var (
	ErrProtocol    = errors.New("protocol error")
	ErrConflict    = errors.New("conflict unresolvable")
	ErrNotFound    = errors.New("document not found")
	ErrPersistence = errors.New("persistence error")
	ErrTimeout     = errors.New("timed out")
	ErrClosed      = errors.New("closed")
)

const (
	CodeProtocol    = "protocol"
	CodeConflict    = "conflict"
	CodeNotFound    = "not_found"
	CodeUnavailable = "unavailable"
	CodeInternal    = "internal"
)

func Code(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrProtocol):
		return CodeProtocol
	case errors.Is(err, ErrConflict):
		return CodeConflict
	case errors.Is(err, ErrNotFound):
		return CodeNotFound
	case errors.Is(err, ErrPersistence), errors.Is(err, ErrTimeout), errors.Is(err, ErrClosed):
		return CodeUnavailable
	}
	return CodeInternal
}

// Protocolf reports a malformed request.
func Protocolf(format string, args ...interface{}) error {
	return errors.Wrapf(ErrProtocol, format, args...)
}

// Conflictf reports an operation that cannot be reconciled with history.
func Conflictf(format string, args ...interface{}) error {
	return errors.Wrapf(ErrConflict, format, args...)
}
