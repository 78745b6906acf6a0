package storage

import "errors"

var (
	// ErrAggregateNotFound is returned when a response aggregate is not found
	ErrAggregateNotFound = errors.New("response aggregate not found")

	// ErrProjectNotFound is returned when a project is not found for the owner
	ErrProjectNotFound = errors.New("project not found")
)
