package types

import "errors"

var (
	// ErrInvalidIdentifier indicates the input is not a recognizable paper identifier or URL.
	ErrInvalidIdentifier = errors.New("invalid paper identifier")

	// ErrInvalidOptions indicates malformed build options (e.g. an unknown mode).
	ErrInvalidOptions = errors.New("invalid build options")

	// ErrSeedResolutionFailed indicates the seed paper itself could not be fetched.
	// It always wraps the underlying cause (ErrNotFound, ErrFetchTimeout or ErrUpstream).
	ErrSeedResolutionFailed = errors.New("seed resolution failed")

	// ErrFetchTimeout indicates a fetch gave up after exhausting retries or its deadline.
	ErrFetchTimeout = errors.New("fetch timed out")

	// ErrNotFound indicates the metadata source has no paper for the identifier.
	ErrNotFound = errors.New("paper not found")

	// ErrUpstream indicates an unrecoverable response from the metadata source.
	ErrUpstream = errors.New("upstream error")

	// ErrBuildTimeout marks a build cut short by a deadline. The builder never
	// returns it (the graph is flagged Incomplete instead); the graph cache
	// returns it to a waiter whose own deadline passes before the shared
	// build finishes.
	ErrBuildTimeout = errors.New("graph build timed out")

	// ErrCacheUnavailable indicates the graph cache cannot serve requests.
	// Callers degrade to a direct build.
	ErrCacheUnavailable = errors.New("graph cache unavailable")
)
