package contracts

import (
	"errors"
	"fmt"
)

// Sentinel errors forming the worker error taxonomy.
//
// Expected errors are surfaced to the caller as-is: the caller supplied a
// bad identifier, mismatching arguments, or tried to create something
// that already exists. Everything else is an internal configuration or
// deployment defect and should alert rather than display.
var (
	// ErrNoElement means a caller-supplied identifier resolved to nothing.
	ErrNoElement = errors.New("no such element")
	// ErrAlreadyExists means a slug+version collision on insert.
	ErrAlreadyExists = errors.New("element already exists")
	// ErrSchemaMismatch means caller input failed schema validation.
	ErrSchemaMismatch = errors.New("schema mismatch")
	// ErrAuthentication means the acting session could not be validated.
	ErrAuthentication = errors.New("authentication error")

	// ErrInvalidAction means a declared action has no registered handler.
	ErrInvalidAction = errors.New("invalid action")
	// ErrInvalidTrigger means a triggered-action rule is malformed.
	ErrInvalidTrigger = errors.New("invalid trigger")
	// ErrNoTypeSchema means the target type's schema is missing or malformed.
	ErrNoTypeSchema = errors.New("type has no schema")
	// ErrInvalidInput means an action was invoked against the wrong kind
	// of contract. The caller should have prevented this, so it is an
	// internal defect, not user input.
	ErrInvalidInput = errors.New("invalid action input")

	// ErrRetriesExhausted is returned by the store retry wrapper once a
	// transient read condition has outlived the attempt budget.
	ErrRetriesExhausted = errors.New("retries exhausted")
)

// Expected reports whether err is a user-facing error that callers may
// display, as opposed to an internal defect that should alert.
func Expected(err error) bool {
	return errors.Is(err, ErrNoElement) ||
		errors.Is(err, ErrAlreadyExists) ||
		errors.Is(err, ErrSchemaMismatch) ||
		errors.Is(err, ErrAuthentication)
}

// ErrorName maps an error to the stable name used in serialized action
// results, so pollers can classify failures without string matching.
func ErrorName(err error) string {
	switch {
	case errors.Is(err, ErrNoElement):
		return "WorkerNoElement"
	case errors.Is(err, ErrAlreadyExists):
		return "WorkerElementAlreadyExists"
	case errors.Is(err, ErrSchemaMismatch):
		return "WorkerSchemaMismatch"
	case errors.Is(err, ErrAuthentication):
		return "WorkerAuthenticationError"
	case errors.Is(err, ErrInvalidAction):
		return "WorkerInvalidAction"
	case errors.Is(err, ErrInvalidTrigger):
		return "WorkerInvalidTrigger"
	case errors.Is(err, ErrNoTypeSchema):
		return "WorkerInvalidType"
	case errors.Is(err, ErrInvalidInput):
		return "WorkerInvalidInput"
	case errors.Is(err, ErrRetriesExhausted):
		return "QueryTimeout"
	default:
		return "Error"
	}
}

// SerializeError converts a failed request into the structured result
// record callers poll for, rather than letting errors cross process or
// queue boundaries.
func SerializeError(err error) *ActionResult {
	return &ActionResult{
		Error: true,
		Data: map[string]interface{}{
			"name":     ErrorName(err),
			"message":  err.Error(),
			"expected": Expected(err),
		},
	}
}

// WrapNoElement annotates ErrNoElement with the identifier that failed
// to resolve.
func WrapNoElement(kind, identifier string) error {
	return fmt.Errorf("%w: %s %q", ErrNoElement, kind, identifier)
}
