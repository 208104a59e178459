// ABOUTME: Error taxonomy shared by the schema, index and model packages
// ABOUTME: Sentinel kinds plus a structured error carrying operation context

// Package modelerr defines the error kinds returned by the model layer.
package modelerr

import (
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrConfiguration indicates an invalid model declaration detected at registration
	ErrConfiguration = errors.New("model: configuration error")

	// ErrIndexSync indicates that declared indexes could not be created
	ErrIndexSync = errors.New("model: index sync failed")

	// ErrUsage indicates an unsafe or invalid builder call; no I/O was performed
	ErrUsage = errors.New("model: usage error")

	// ErrQueryExecution indicates that the database driver reported a failure
	ErrQueryExecution = errors.New("model: query execution failed")
)

// Error is the structured error returned by the model layer.
// errors.Is matches both the Kind sentinel and the wrapped cause.
type Error struct {
	Kind       error  // One of the Err* sentinels above
	Op         string // Operation that failed (e.g. "update", "sync_indexes")
	Collection string // Collection name, if known
	Field      string // Field name, if the error concerns one field
	Err        error  // Underlying cause, may be nil
}

func (e *Error) Error() string {
	var b strings.Builder
	b.WriteString(e.Kind.Error())
	if e.Collection != "" {
		b.WriteString(": collection ")
		b.WriteString(e.Collection)
	}
	if e.Op != "" {
		b.WriteString(": ")
		b.WriteString(e.Op)
	}
	if e.Field != "" {
		b.WriteString(": field ")
		b.WriteString(e.Field)
	}
	if e.Err != nil {
		b.WriteString(": ")
		b.WriteString(e.Err.Error())
	}
	return b.String()
}

// Unwrap exposes both the kind and the cause to errors.Is / errors.As.
func (e *Error) Unwrap() []error {
	if e.Err == nil {
		return []error{e.Kind}
	}
	return []error{e.Kind, e.Err}
}

// Configuration builds a ConfigurationError for a model declaration.
func Configuration(collection, field, format string, args ...any) error {
	return &Error{
		Kind:       ErrConfiguration,
		Op:         "register",
		Collection: collection,
		Field:      field,
		Err:        fmt.Errorf(format, args...),
	}
}

// IndexSync builds an IndexSyncError wrapping the per-index failures.
func IndexSync(collection string, err error) error {
	return &Error{
		Kind:       ErrIndexSync,
		Op:         "sync_indexes",
		Collection: collection,
		Err:        err,
	}
}

// Usage builds a UsageError for an operation that was refused before any I/O.
func Usage(collection, op, reason string) error {
	return &Error{
		Kind:       ErrUsage,
		Op:         op,
		Collection: collection,
		Err:        errors.New(reason),
	}
}

// Execution wraps a driver error. A nil err returns nil.
func Execution(collection, op string, err error) error {
	if err == nil {
		return nil
	}
	return &Error{
		Kind:       ErrQueryExecution,
		Op:         op,
		Collection: collection,
		Err:        err,
	}
}

// IsConfiguration reports whether err is a ConfigurationError.
func IsConfiguration(err error) bool { return errors.Is(err, ErrConfiguration) }

// IsIndexSync reports whether err is an IndexSyncError.
func IsIndexSync(err error) bool { return errors.Is(err, ErrIndexSync) }

// IsUsage reports whether err is a UsageError.
func IsUsage(err error) bool { return errors.Is(err, ErrUsage) }

// IsExecution reports whether err is a QueryExecutionError.
func IsExecution(err error) bool { return errors.Is(err, ErrQueryExecution) }
