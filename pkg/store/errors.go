package store

import "errors"

var (
	// ErrNotFound is returned when a row does not exist.
	ErrNotFound = errors.New("not found")

	// ErrNoJobsAvailable is returned by ClaimNext when the queue is empty.
	ErrNoJobsAvailable = errors.New("no queued jobs available")

	// ErrAlreadyExists is returned on exactly-once writes that would duplicate.
	ErrAlreadyExists = errors.New("already exists")
)
