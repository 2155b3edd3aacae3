package vdisk

import "github.com/pkg/errors"

var (
	// ErrIO is the only error a guest ever sees for a failed request.
	ErrIO = errors.New("i/o error")

	// ErrDiskFailed is recorded on requests failed because the disk is FAILED.
	ErrDiskFailed = errors.New("virtual disk failed")
	// ErrQueueFull is returned when QueueDepth requests are already live.
	ErrQueueFull = errors.New("request queue full")
	// ErrClosed is returned once Close has started.
	ErrClosed = errors.New("virtual disk closed")
	// ErrInvalidRequest is returned for malformed submissions.
	ErrInvalidRequest = errors.New("invalid request")
)

// guestError coarsens an internal result to what the guest sees.
func guestError(err error) error {
	if err == nil {
		return nil
	}
	return ErrIO
}
