// Package docerr defines the error taxonomy shared by every docmigrate
// package. Each error is a *Error carrying a machine readable code, a
// category type, a message and optional details.
package docerr

import (
	"encoding/json"
	"errors"
	"fmt"
)

// Error categories.
const (
	TypeSchema        = "SCHEMA_ERROR"
	TypeInconsistency = "INCONSISTENCY_ERROR"
	TypeAction        = "ACTION_ERROR"
	TypeUnsupported   = "UNSUPPORTED_ERROR"
	TypeMigration     = "MIGRATION_ERROR"
	TypeGraph         = "GRAPH_ERROR"
)

// Error is the structured error returned by docmigrate operations.
type Error struct {
	Code    string                 `json:"code"`
	Type    string                 `json:"type"`
	Message string                 `json:"message"`
	Details map[string]interface{} `json:"details"`
	Cause   error                  `json:"cause,omitempty"`
}

// Error implements the error interface.
func (e *Error) Error() string {
	payload := map[string]interface{}{
		"code":    e.Code,
		"type":    e.Type,
		"message": e.Message,
		"details": e.Details,
	}
	if e.Cause != nil {
		payload["cause"] = map[string]interface{}{"message": e.Cause.Error()}
	}

	b, err := json.Marshal(payload)
	if err != nil {
		// Details may hold values json cannot encode (bson types, NaN)
		return fmt.Sprintf("%s: %s", e.Code, e.Message)
	}
	return string(b)
}

// Unwrap returns the underlying cause error.
func (e *Error) Unwrap() error {
	return e.Cause
}

// Is reports whether the error has the given type.
func Is(err error, errType string) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Type == errType
	}
	return false
}

// IsSchema reports whether err is a schema error.
func IsSchema(err error) bool { return Is(err, TypeSchema) }

// IsInconsistency reports whether err is an inconsistency error.
func IsInconsistency(err error) bool { return Is(err, TypeInconsistency) }

// IsAction reports whether err is an action error.
func IsAction(err error) bool { return Is(err, TypeAction) }

// IsUnsupported reports whether err is an unsupported-operation error.
func IsUnsupported(err error) bool { return Is(err, TypeUnsupported) }

// IsGraph reports whether err is a migration graph error.
func IsGraph(err error) bool { return Is(err, TypeGraph) }

// Schema builds a schema error: something referenced is missing from
// the schema or the schema has an unexpected shape.
func Schema(format string, args ...interface{}) error {
	return &Error{
		Code:    "SCHEMA_MISMATCH",
		Type:    TypeSchema,
		Message: fmt.Sprintf(format, args...),
		Details: map[string]interface{}{},
	}
}

// Inconsistency builds an error for live data that violates a constraint
// a migration is about to apply.
func Inconsistency(collection, field string, examples []interface{}, format string, args ...interface{}) error {
	return &Error{
		Code:    "DATA_INCONSISTENT",
		Type:    TypeInconsistency,
		Message: fmt.Sprintf(format, args...),
		Details: map[string]interface{}{
			"collection": collection,
			"field":      field,
			"examples":   examples,
		},
	}
}

// Action builds an action error.
func Action(cause error, format string, args ...interface{}) error {
	return &Error{
		Code:    "ACTION_FAILED",
		Type:    TypeAction,
		Message: fmt.Sprintf(format, args...),
		Details: map[string]interface{}{},
		Cause:   cause,
	}
}

// Unreachable builds the compilation error returned when no chain of
// actions transforms one schema into the other.
func Unreachable(diff string) error {
	return &Error{
		Code:    "SCHEMA_UNREACHABLE",
		Type:    TypeAction,
		Message: "could not reach target schema state, maybe it's a bug in some action or no action type claims the change",
		Details: map[string]interface{}{
			"diff": diff,
		},
	}
}

// Unsupported builds an error for operations the connected server
// version cannot perform.
func Unsupported(operation, version string) error {
	return &Error{
		Code:    "UNSUPPORTED_OPERATION",
		Type:    TypeUnsupported,
		Message: fmt.Sprintf("%s is not supported by server version %s", operation, version),
		Details: map[string]interface{}{
			"operation": operation,
			"version":   version,
		},
	}
}

// Migration builds a generic migration error.
func Migration(format string, args ...interface{}) error {
	return &Error{
		Code:    "MIGRATION_FAILED",
		Type:    TypeMigration,
		Message: fmt.Sprintf(format, args...),
		Details: map[string]interface{}{},
	}
}

// MigrationFailed wraps a failure of a named migration.
func MigrationFailed(name string, cause error) error {
	return &Error{
		Code:    "MIGRATION_FAILED",
		Type:    TypeMigration,
		Message: fmt.Sprintf("migration '%s' failed to execute", name),
		Details: map[string]interface{}{
			"migration": name,
		},
		Cause: cause,
	}
}

// MigrationNotFound is returned when a named migration is not in the graph.
func MigrationNotFound(name string) error {
	return &Error{
		Code:    "MIGRATION_NOT_FOUND",
		Type:    TypeGraph,
		Message: fmt.Sprintf("migration '%s' not found", name),
		Details: map[string]interface{}{
			"migration": name,
		},
	}
}

// Graph builds a migration graph error.
func Graph(format string, args ...interface{}) error {
	return &Error{
		Code:    "GRAPH_INVALID",
		Type:    TypeGraph,
		Message: fmt.Sprintf(format, args...),
		Details: map[string]interface{}{},
	}
}

// InvalidFile is returned for malformed migration or schema files.
func InvalidFile(filename string, cause error) error {
	return &Error{
		Code:    "INVALID_FILE",
		Type:    TypeMigration,
		Message: fmt.Sprintf("file '%s' is invalid", filename),
		Details: map[string]interface{}{
			"filename": filename,
		},
		Cause: cause,
	}
}

// WithDetail returns err with an extra detail attached when err is a
// *Error. Other errors are returned unchanged.
func WithDetail(err error, key string, value interface{}) error {
	var e *Error
	if !errors.As(err, &e) {
		return err
	}
	if e.Details == nil {
		e.Details = map[string]interface{}{}
	}
	e.Details[key] = value
	return err
}
