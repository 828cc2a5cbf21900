package errdefs

// ErrNotFound signals that the requested object doesn't exist.
type ErrNotFound interface {
	NotFound()
}

// ErrInvalidParameter signals that the user input is invalid.
type ErrInvalidParameter interface {
	InvalidParameter()
}

// ErrConflict signals that some internal state conflicts with the requested
// action and can't be performed. A change in state should be able to clear
// this error.
type ErrConflict interface {
	Conflict()
}

// ErrForbidden signals that the requested action cannot be performed under
// any circumstances.
type ErrForbidden interface {
	Forbidden()
}

// ErrUnavailable signals that the requested action/subsystem is not
// available right now, but it may become available at a later point.
type ErrUnavailable interface {
	Unavailable()
}

// ErrSystem signals that some internal error occurred.
// An example of this would be a failed image decode.
type ErrSystem interface {
	System()
}

// ErrDeadline signals that the deadline was reached before the action
// completed.
type ErrDeadline interface {
	DeadlineExceeded()
}

// ErrCancelled signals that the action was cancelled.
type ErrCancelled interface {
	Cancelled()
}
