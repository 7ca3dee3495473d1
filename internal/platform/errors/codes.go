// Package errors provides structured, coded errors shared by the ledger
// packages and their transports.
package errors

import "google.golang.org/grpc/codes"

// Code is a machine-readable error code.
type Code string

const (
	// CodeUnknown represents an unknown error.
	CodeUnknown Code = "UNKNOWN"

	// Input errors
	CodeInvalidArgument Code = "INVALID_ARGUMENT"

	// Storage errors
	CodeNotFound            Code = "NOT_FOUND"
	CodeConcurrencyConflict Code = "CONCURRENCY_CONFLICT"
	CodeTransientStorage    Code = "TRANSIENT_STORAGE"

	// Data errors
	CodeDataIntegrity Code = "DATA_INTEGRITY"
	CodeCorruptEvent  Code = "CORRUPT_EVENT"

	// Migration errors
	CodeMigrationInProgress Code = "MIGRATION_IN_PROGRESS"
	CodeUnknownMigration    Code = "UNKNOWN_MIGRATION"

	// CodeInternal marks programmer errors and unclassified failures.
	CodeInternal Code = "INTERNAL"
)

// GRPCCode maps domain codes to gRPC status codes.
func (c Code) GRPCCode() codes.Code {
	switch c {
	case CodeInvalidArgument, CodeUnknownMigration:
		return codes.InvalidArgument
	case CodeNotFound:
		return codes.NotFound
	case CodeConcurrencyConflict:
		return codes.Aborted
	case CodeTransientStorage:
		return codes.Unavailable
	case CodeDataIntegrity, CodeMigrationInProgress:
		return codes.FailedPrecondition
	case CodeCorruptEvent:
		return codes.DataLoss
	default:
		return codes.Internal
	}
}

// Retryable reports whether a caller may retry the failed operation as-is.
func (c Code) Retryable() bool {
	return c == CodeTransientStorage
}
