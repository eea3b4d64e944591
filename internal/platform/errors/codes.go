// Package errors provides structured error handling for the event log runtime.
package errors

// Code is a machine-readable error code.
type Code string

const (
	// CodeUnknown represents an unknown error.
	CodeUnknown Code = "UNKNOWN"

	// Record decoding errors
	CodeSchemaMismatch Code = "SCHEMA_MISMATCH"

	// Projection errors
	CodeOutOfOrderVersion      Code = "OUT_OF_ORDER_VERSION"
	CodeUnmatchedEvent         Code = "UNMATCHED_EVENT"
	CodeMissingParentAggregate Code = "MISSING_PARENT_AGGREGATE"
	CodeNotFound               Code = "NOT_FOUND"

	// Business transaction errors
	CodeTransactionAbandoned Code = "TRANSACTION_ABANDONED"
	CodeUnitRequired         Code = "UNIT_REQUIRED"
)

// Disposition tells a consumer what to do with a record that failed with a code.
type Disposition int

const (
	// DispositionFail stops processing; the caller decides.
	DispositionFail Disposition = iota
	// DispositionIgnore acknowledges the record and moves on.
	DispositionIgnore
	// DispositionRetry leaves the record unacknowledged for redelivery.
	DispositionRetry
	// DispositionDeadLetter isolates the record and acknowledges it.
	DispositionDeadLetter
	// DispositionReport surfaces the condition to operators without touching the log.
	DispositionReport
)

// String returns the lowercase disposition name used in logs.
func (d Disposition) String() string {
	switch d {
	case DispositionIgnore:
		return "ignore"
	case DispositionRetry:
		return "retry"
	case DispositionDeadLetter:
		return "dead_letter"
	case DispositionReport:
		return "report"
	default:
		return "fail"
	}
}

// Disposition maps the code to its record handling.
func (c Code) Disposition() Disposition {
	switch c {
	case CodeSchemaMismatch:
		return DispositionDeadLetter
	case CodeOutOfOrderVersion, CodeUnmatchedEvent:
		return DispositionIgnore
	case CodeMissingParentAggregate:
		return DispositionRetry
	case CodeTransactionAbandoned:
		return DispositionReport
	default:
		return DispositionFail
	}
}
