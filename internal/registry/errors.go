package registry

import (
	"fmt"
	"strings"
)

// Error taxonomy for registry operations. Validation, conflict, safety,
// not-found, and auth errors are expected outcomes with stable messages
// surfaced directly to callers. Storage errors carry internal detail
// for logging; handlers surface them generically.

// ValidationError reports user-correctable field problems, in field
// order.
type ValidationError struct {
	Reasons []string
}

func (e *ValidationError) Error() string {
	return "validation failed: " + strings.Join(e.Reasons, "; ")
}

// ConflictError means the (name, version) key is already published.
type ConflictError struct {
	Name    string
	Version string
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("package %s version %s already exists", e.Name, e.Version)
}

// SafetyError means the archive exceeded resource limits or contains
// path-escaping entries.
type SafetyError struct {
	Reason string
}

func (e *SafetyError) Error() string {
	return "archive rejected: " + e.Reason
}

// NotFoundError means no such package or version. Version is empty for
// package-level lookups.
type NotFoundError struct {
	Name    string
	Version string
}

func (e *NotFoundError) Error() string {
	if e.Version == "" {
		return fmt.Sprintf("package %s not found", e.Name)
	}
	return fmt.Sprintf("package %s version %s not found", e.Name, e.Version)
}

// AuthError means missing or invalid credentials, or insufficient
// permission.
type AuthError struct {
	Reason string
}

func (e *AuthError) Error() string { return "unauthorized: " + e.Reason }

// StorageError means the blob or metadata store failed or is
// inconsistent. The wrapped error is for logs, never for responses.
type StorageError struct {
	Op  string
	Err error
}

func (e *StorageError) Error() string { return "storage failure during " + e.Op }
func (e *StorageError) Unwrap() error { return e.Err }

// IntegrityError means a stored blob's recomputed digest does not match
// the catalog checksum. Surfaced only by reconciliation, never on the
// hot path.
type IntegrityError struct {
	Name     string
	Version  string
	Expected string
	Actual   string
}

func (e *IntegrityError) Error() string {
	return fmt.Sprintf("checksum mismatch for %s@%s: record has %s, blob digests to %s",
		e.Name, e.Version, e.Expected, e.Actual)
}
