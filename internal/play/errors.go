package play

import "errors"

// Error taxonomy. NotFound errors surface to the caller and abort the
// operation. Malformed-definition errors are authoring mistakes and are
// never retried. Commands issued in a status that forbids them are benign
// no-ops, not errors.
var (
	// ErrSessionNotFound is returned when a session id cannot be resolved.
	ErrSessionNotFound = errors.New("session not found")

	// ErrMoveNotFound is returned when a move id cannot be resolved.
	ErrMoveNotFound = errors.New("move not found")

	// ErrNoReachableStep is returned when a play definition yields no
	// activatable leaf from the requested position.
	ErrNoReachableStep = errors.New("no reachable step")

	// ErrUnsupportedStepKind is returned when traversal reaches a step
	// type the engine does not implement (the reserved game step).
	ErrUnsupportedStepKind = errors.New("unsupported step kind")

	// ErrInvalidDefinition is returned when an authored play definition
	// fails structural validation.
	ErrInvalidDefinition = errors.New("invalid play definition")

	// ErrStepNotInTree is returned when the session's current leaf id is
	// absent from its own play definition, which can only happen through
	// out-of-band state edits.
	ErrStepNotInTree = errors.New("current step not found in play definition")
)
