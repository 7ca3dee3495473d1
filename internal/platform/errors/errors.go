package errors

import (
	stderrors "errors"
	"time"

	"google.golang.org/genproto/googleapis/rpc/errdetails"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/durationpb"
)

// Domain is the error domain for ledger errors.
const Domain = "github.com/louisbranch/underwrite"

// DefaultRetryDelay is advertised to gRPC clients for transient failures.
const DefaultRetryDelay = 500 * time.Millisecond

// Error is the domain error type with structured metadata.
type Error struct {
	Code     Code              // Machine-readable error code
	Message  string            // Internal message (for logs/telemetry)
	Metadata map[string]string // Additional context
	Cause    error             // Wrapped underlying error
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.Cause != nil && e.Message != e.Cause.Error() {
		return e.Message + ": " + e.Cause.Error()
	}
	return e.Message
}

// Unwrap returns the underlying cause for error chain traversal.
func (e *Error) Unwrap() error {
	return e.Cause
}

// Is reports whether target matches this error by code.
func (e *Error) Is(target error) bool {
	if t, ok := target.(*Error); ok {
		return e.Code == t.Code
	}
	return false
}

// New creates a simple domain error with a code and message.
func New(code Code, message string) *Error {
	return &Error{
		Code:    code,
		Message: message,
	}
}

// WithMetadata creates a domain error carrying metadata.
func WithMetadata(code Code, message string, metadata map[string]string) *Error {
	return &Error{
		Code:     code,
		Message:  message,
		Metadata: metadata,
	}
}

// Wrap creates a domain error that wraps an underlying cause.
func Wrap(code Code, message string, cause error) *Error {
	return &Error{
		Code:    code,
		Message: message,
		Cause:   cause,
	}
}

// WrapWithMetadata creates a domain error with both metadata and a cause.
func WrapWithMetadata(code Code, message string, metadata map[string]string, cause error) *Error {
	return &Error{
		Code:     code,
		Message:  message,
		Metadata: metadata,
		Cause:    cause,
	}
}

// CodeOf returns the code of the outermost coded error in err's chain, or
// CodeUnknown when none is present.
func CodeOf(err error) Code {
	var coded *Error
	if stderrors.As(err, &coded) {
		return coded.Code
	}
	return CodeUnknown
}

// IsCode reports whether err carries code anywhere in its chain.
func IsCode(err error, code Code) bool {
	if err == nil {
		return false
	}
	return stderrors.Is(err, &Error{Code: code})
}

// IsTransient reports whether err is a retryable storage failure.
func IsTransient(err error) bool {
	return IsCode(err, CodeTransientStorage)
}

// ToGRPCStatus converts the error to a gRPC status with errdetails.
func (e *Error) ToGRPCStatus() error {
	grpcCode := e.Code.GRPCCode()
	st := status.New(grpcCode, e.Error())

	info := &errdetails.ErrorInfo{
		Reason:   string(e.Code),
		Domain:   Domain,
		Metadata: e.Metadata,
	}
	var err error
	if e.Code.Retryable() {
		st, err = st.WithDetails(info, &errdetails.RetryInfo{
			RetryDelay: durationpb.New(DefaultRetryDelay),
		})
	} else {
		st, err = st.WithDetails(info)
	}
	if err != nil {
		// If we can't attach details, return the basic status
		return status.New(grpcCode, e.Error()).Err()
	}
	return st.Err()
}

// ToGRPCStatus converts any error into a gRPC status error. Errors without a
// code map to codes.Internal.
func ToGRPCStatus(err error) error {
	if err == nil {
		return nil
	}
	var coded *Error
	if stderrors.As(err, &coded) {
		return coded.ToGRPCStatus()
	}
	return Wrap(CodeInternal, "internal error", err).ToGRPCStatus()
}
