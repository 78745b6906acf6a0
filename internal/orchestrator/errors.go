package orchestrator

import "errors"

var (
	// ErrValidation is returned when a request fails input validation
	ErrValidation = errors.New("validation failed")

	// ErrNoProvidersAvailable is returned when no enabled provider matches the request
	ErrNoProvidersAvailable = errors.New("no providers available")

	// ErrNothingToRetry is returned when an aggregate has no failed results
	ErrNothingToRetry = errors.New("no failed results to retry")

	// ErrRateLimited is returned when the owner exceeded the submission limit
	ErrRateLimited = errors.New("submission rate limit exceeded")
)
