package domain

import "errors"

// Error categories surfaced to clients. Wrap with fmt.Errorf("...: %w", Err...)
// and match with errors.Is.
var (
	// ErrValidation marks malformed client input (empty message, missing ids).
	ErrValidation = errors.New("validation failed")

	// ErrNotFound marks lookups of unknown sessions or message ids.
	ErrNotFound = errors.New("not found")

	// ErrUpstream marks completion or retrieval collaborator failures.
	ErrUpstream = errors.New("upstream failure")
)
