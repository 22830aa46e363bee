package errors

import (
	stderrors "errors"
	"fmt"

	"github.com/devrev/pairdb/distcache/internal/model"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// ErrorCode represents internal error codes for partition operations
type ErrorCode int

const (
	// Success
	ErrCodeOK ErrorCode = 0

	// Caller errors, never retried
	ErrCodeInvalidArgument  ErrorCode = 1000
	ErrCodeUnknownPartition ErrorCode = 1001
	ErrCodeKeyNotFound      ErrorCode = 1002

	// Topology errors, retried once the topology stabilizes
	ErrCodePartitionUnavailable ErrorCode = 2000
	ErrCodeNotOwner             ErrorCode = 2001

	// Replication errors
	ErrCodeBackupLogOverflow          ErrorCode = 3000
	ErrCodeReplicationTimeout         ErrorCode = 3001
	ErrCodeReadStalenessNotAcceptable ErrorCode = 3002
	ErrCodeSequenceGap                ErrorCode = 3003
	ErrCodeWriteOutcomeUnknown        ErrorCode = 3004

	// Server errors
	ErrCodeInternal    ErrorCode = 4000
	ErrCodeUnreachable ErrorCode = 4001
)

// Durability states what is known about a write when an error is returned
type Durability int

const (
	// DurabilityNone means the write is not durable anywhere
	DurabilityNone Durability = iota
	// DurabilityUnknown means the write may or may not have been committed at the primary
	DurabilityUnknown
	// DurabilityPrimary means the write is committed at the primary but backup durability is unconfirmed
	DurabilityPrimary
	// DurabilityFull means the primary and its backups hold the write
	DurabilityFull
)

func (d Durability) String() string {
	switch d {
	case DurabilityUnknown:
		return "unknown"
	case DurabilityPrimary:
		return "primary"
	case DurabilityFull:
		return "full"
	default:
		return "none"
	}
}

// Error represents a structured error with code and context
type Error struct {
	Code       ErrorCode
	Message    string
	Durability Durability
	Details    map[string]interface{}
	Cause      error
}

// Error implements the error interface
func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Cause)
	}
	return e.Message
}

// Unwrap returns the underlying error
func (e *Error) Unwrap() error {
	return e.Cause
}

// Is matches errors by code so callers can use errors.Is against the sentinels below
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Code == e.Code
}

// DurableAtPrimary reports whether the failed write is nevertheless committed at the primary
func (e *Error) DurableAtPrimary() bool {
	return e.Durability >= DurabilityPrimary
}

// Retryable reports whether the caller should retry after the topology stabilizes
func (e *Error) Retryable() bool {
	switch e.Code {
	case ErrCodePartitionUnavailable, ErrCodeNotOwner, ErrCodeUnreachable:
		return true
	default:
		return false
	}
}

// ToGRPCStatus converts Error to gRPC status
func (e *Error) ToGRPCStatus() *status.Status {
	return status.New(e.toGRPCCode(), e.Error())
}

// toGRPCCode maps internal error codes to gRPC codes
func (e *Error) toGRPCCode() codes.Code {
	switch e.Code {
	case ErrCodeOK:
		return codes.OK
	case ErrCodeInvalidArgument:
		return codes.InvalidArgument
	case ErrCodeUnknownPartition:
		return codes.OutOfRange
	case ErrCodeKeyNotFound:
		return codes.NotFound
	case ErrCodePartitionUnavailable, ErrCodeUnreachable:
		return codes.Unavailable
	case ErrCodeNotOwner:
		return codes.FailedPrecondition
	case ErrCodeBackupLogOverflow:
		return codes.ResourceExhausted
	case ErrCodeReplicationTimeout:
		return codes.DeadlineExceeded
	case ErrCodeSequenceGap:
		return codes.Aborted
	case ErrCodeWriteOutcomeUnknown:
		return codes.Unknown
	default:
		return codes.Internal
	}
}

// New creates a new Error
func New(code ErrorCode, message string, cause error) *Error {
	return &Error{
		Code:    code,
		Message: message,
		Details: make(map[string]interface{}),
		Cause:   cause,
	}
}

// WithDetail adds a detail to the error
func (e *Error) WithDetail(key string, value interface{}) *Error {
	e.Details[key] = value
	return e
}

// WithDurability records what is known about the write
func (e *Error) WithDurability(d Durability) *Error {
	e.Durability = d
	return e
}

// Sentinels for errors.Is comparisons
var (
	ErrUnknownPartition           = &Error{Code: ErrCodeUnknownPartition}
	ErrPartitionUnavailable       = &Error{Code: ErrCodePartitionUnavailable}
	ErrNotOwner                   = &Error{Code: ErrCodeNotOwner}
	ErrBackupLogOverflow          = &Error{Code: ErrCodeBackupLogOverflow}
	ErrReplicationTimeout         = &Error{Code: ErrCodeReplicationTimeout}
	ErrReadStalenessNotAcceptable = &Error{Code: ErrCodeReadStalenessNotAcceptable}
	ErrKeyNotFound                = &Error{Code: ErrCodeKeyNotFound}
	ErrSequenceGap                = &Error{Code: ErrCodeSequenceGap}
	ErrWriteOutcomeUnknown        = &Error{Code: ErrCodeWriteOutcomeUnknown}
)

// Convenience constructors for common errors

func InvalidArgument(message string, cause error) *Error {
	return New(ErrCodeInvalidArgument, message, cause)
}

func UnknownPartition(id model.PartitionID, count int) *Error {
	return New(ErrCodeUnknownPartition, fmt.Sprintf("unknown partition %d: valid range is [0, %d)", id, count), nil).
		WithDetail("partition", id).
		WithDetail("partition_count", count)
}

func PartitionUnavailable(id model.PartitionID, reason string) *Error {
	return New(ErrCodePartitionUnavailable, fmt.Sprintf("partition %d unavailable: %s", id, reason), nil).
		WithDetail("partition", id).
		WithDetail("reason", reason)
}

func NotOwner(id model.PartitionID, member, owner model.MemberID) *Error {
	return New(ErrCodeNotOwner, fmt.Sprintf("member %s is not primary for partition %d (owner %q)", member, id, owner), nil).
		WithDetail("partition", id).
		WithDetail("member", string(member)).
		WithDetail("owner", string(owner))
}

func KeyNotFound(key string) *Error {
	return New(ErrCodeKeyNotFound, fmt.Sprintf("key not found: %s", key), nil).
		WithDetail("key", key)
}

func BackupLogOverflow(id model.PartitionID, entries int, maxEntries int) *Error {
	return New(ErrCodeBackupLogOverflow, fmt.Sprintf("backup log for partition %d overflowed: %d/%d entries", id, entries, maxEntries), nil).
		WithDetail("partition", id).
		WithDetail("entries", entries).
		WithDetail("max_entries", maxEntries)
}

func ReplicationTimeout(id model.PartitionID, sequence uint64, cause error) *Error {
	return New(ErrCodeReplicationTimeout, fmt.Sprintf("backup acknowledgement for partition %d sequence %d not received", id, sequence), cause).
		WithDetail("partition", id).
		WithDetail("sequence", sequence).
		WithDurability(DurabilityPrimary)
}

func ReadStalenessNotAcceptable(id model.PartitionID, target model.MemberID) *Error {
	return New(ErrCodeReadStalenessNotAcceptable, fmt.Sprintf("read of partition %d from backup %s may be stale", id, target), nil).
		WithDetail("partition", id).
		WithDetail("target", string(target))
}

func SequenceGap(id model.PartitionID, applied, received uint64) *Error {
	return New(ErrCodeSequenceGap, fmt.Sprintf("partition %d sequence gap: applied %d, received %d", id, applied, received), nil).
		WithDetail("partition", id).
		WithDetail("applied", applied).
		WithDetail("received", received)
}

// WriteOutcomeUnknown reports a forwarded write abandoned after it was sent.
// The primary may have committed it, so it must not be retried blindly.
func WriteOutcomeUnknown(id model.PartitionID, primary model.MemberID, cause error) *Error {
	return New(ErrCodeWriteOutcomeUnknown, fmt.Sprintf("outcome of write to partition %d at primary %s unknown", id, primary), cause).
		WithDetail("partition", id).
		WithDetail("primary", string(primary)).
		WithDurability(DurabilityUnknown)
}

func Unreachable(member model.MemberID, cause error) *Error {
	return New(ErrCodeUnreachable, fmt.Sprintf("member %s unreachable", member), cause).
		WithDetail("member", string(member))
}

func InternalError(message string, cause error) *Error {
	return New(ErrCodeInternal, message, cause)
}

// IsError checks if an error is, or wraps, an *Error
func IsError(err error) bool {
	var e *Error
	return stderrors.As(err, &e)
}

// As extracts the *Error from an error chain
func As(err error) (*Error, bool) {
	var e *Error
	if stderrors.As(err, &e) {
		return e, true
	}
	return nil, false
}

// Is reports whether err matches target; re-exported so callers need one errors import
func Is(err, target error) bool {
	return stderrors.Is(err, target)
}

// GetCode extracts the error code from an error
func GetCode(err error) ErrorCode {
	if e, ok := As(err); ok {
		return e.Code
	}
	return ErrCodeInternal
}

// IsRetryable reports whether err is a transient topology or transport error
func IsRetryable(err error) bool {
	if e, ok := As(err); ok {
		return e.Retryable()
	}
	return false
}

// FromGRPCError rebuilds an *Error from a gRPC status returned by a remote member
func FromGRPCError(err error) error {
	if err == nil {
		return nil
	}
	st, ok := status.FromError(err)
	if !ok {
		return err
	}

	var code ErrorCode
	switch st.Code() {
	case codes.InvalidArgument:
		code = ErrCodeInvalidArgument
	case codes.OutOfRange:
		code = ErrCodeUnknownPartition
	case codes.NotFound:
		code = ErrCodeKeyNotFound
	case codes.Unavailable:
		code = ErrCodePartitionUnavailable
	case codes.FailedPrecondition:
		code = ErrCodeNotOwner
	case codes.ResourceExhausted:
		code = ErrCodeBackupLogOverflow
	case codes.DeadlineExceeded:
		code = ErrCodeReplicationTimeout
	case codes.Aborted:
		code = ErrCodeSequenceGap
	default:
		code = ErrCodeInternal
	}

	e := New(code, st.Message(), nil)
	if code == ErrCodeReplicationTimeout || code == ErrCodeBackupLogOverflow {
		e.Durability = DurabilityPrimary
	}
	return e
}
