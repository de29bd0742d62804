package llm

import (
	"errors"
	"fmt"
)

// The provider error taxonomy. Transient errors are retried inside the client
// with exponential backoff; schema errors get one in-place repair retry and
// then surface as fatal; fatal errors surface immediately.

// TransientError wraps timeouts, rate limits, and 5xx provider responses.
type TransientError struct {
	Err error
}

func (e *TransientError) Error() string { return fmt.Sprintf("transient llm error: %v", e.Err) }
func (e *TransientError) Unwrap() error { return e.Err }

// SchemaError wraps malformed or contract-violating structured output.
type SchemaError struct {
	Err error
	Raw string // raw model output, for the repair prompt and diagnostics
}

func (e *SchemaError) Error() string { return fmt.Sprintf("llm schema error: %v", e.Err) }
func (e *SchemaError) Unwrap() error { return e.Err }

// FatalError wraps unrecoverable provider failures (auth, bad request).
type FatalError struct {
	Err error
}

func (e *FatalError) Error() string { return fmt.Sprintf("fatal llm error: %v", e.Err) }
func (e *FatalError) Unwrap() error { return e.Err }

// IsTransient reports whether err is (or wraps) a TransientError.
func IsTransient(err error) bool {
	var te *TransientError
	return errors.As(err, &te)
}

// IsSchema reports whether err is (or wraps) a SchemaError.
func IsSchema(err error) bool {
	var se *SchemaError
	return errors.As(err, &se)
}
