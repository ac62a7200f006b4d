package domain

import "errors"

var (
	// ErrRuleInvalid marks a structurally invalid recurrence rule or timezone.
	// Records carrying one are dropped and never retried.
	ErrRuleInvalid = errors.New("recurrence rule invalid")

	// ErrUnschedulable is returned when no future trigger instant exists
	// within the resolver's search bounds.
	ErrUnschedulable = errors.New("recurrence rule unschedulable")

	// ErrNotFound is returned by stores when a key does not exist.
	ErrNotFound = errors.New("not found")

	// ErrExists is returned when creating a record under a key already in use.
	ErrExists = errors.New("already exists")

	// ErrMalformed is returned by stores when a persisted value cannot be decoded.
	ErrMalformed = errors.New("malformed record")
)
