package executor

import "errors"

// ErrTimeout marks an attempt abandoned after the action timeout
var ErrTimeout = errors.New("action timed out")

// ErrCancelled is reported when the run was cancelled before an attempt
var ErrCancelled = errors.New("execution cancelled")

type permanentError struct{ err error }

func (e *permanentError) Error() string { return e.err.Error() }
func (e *permanentError) Unwrap() error { return e.err }

// Permanent marks err as not worth retrying (bad input, 4xx responses)
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err: err}
}

// IsPermanent reports whether err or anything it wraps was marked Permanent
func IsPermanent(err error) bool {
	var p *permanentError
	return errors.As(err, &p)
}
