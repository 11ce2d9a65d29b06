package simulator

import "errors"

var (
	// ErrInvalidInput is returned before any send is attempted when a dispatch request
	// cannot be run (no targets, no iterations, malformed template).
	ErrInvalidInput = errors.New("invalid input")

	// ErrConcurrentRun is returned when a dispatch is requested while another one is
	// running or still cancelling.
	ErrConcurrentRun = errors.New("previous operation in progress")

	// ErrConnectionFailed marks sends that were never attempted because the target's
	// connection could not be opened.
	ErrConnectionFailed = errors.New("target connection failed")

	// ErrStatusOverflow is returned when an outcome would push succeeded+failed past total.
	ErrStatusOverflow = errors.New("send status already complete")
)
