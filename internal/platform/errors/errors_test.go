package errors

import (
	stderrors "errors"
	"fmt"
	"testing"
)

func TestErrorIsMatchesByCode(t *testing.T) {
	err := New(CodeOutOfOrderVersion, "stale")
	wrapped := fmt.Errorf("apply: %w", err)

	if !stderrors.Is(wrapped, &Error{Code: CodeOutOfOrderVersion}) {
		t.Fatal("expected wrapped error to match code")
	}
	if stderrors.Is(wrapped, &Error{Code: CodeSchemaMismatch}) {
		t.Fatal("did not expect match for other code")
	}
}

func TestErrorMessageIncludesCause(t *testing.T) {
	cause := stderrors.New("bad json")
	err := Wrap(CodeSchemaMismatch, "decode key", cause)
	if got := err.Error(); got != "decode key: bad json" {
		t.Fatalf("Error() = %q, want %q", got, "decode key: bad json")
	}
	if !stderrors.Is(err, cause) {
		t.Fatal("expected cause in chain")
	}
}

func TestGetCode(t *testing.T) {
	if got := GetCode(stderrors.New("plain")); got != CodeUnknown {
		t.Fatalf("GetCode(plain) = %q, want %q", got, CodeUnknown)
	}
	err := fmt.Errorf("outer: %w", WithMetadata(CodeMissingParentAggregate, "parent", map[string]string{"parent": "x"}))
	if got := GetCode(err); got != CodeMissingParentAggregate {
		t.Fatalf("GetCode = %q, want %q", got, CodeMissingParentAggregate)
	}
	if !IsCode(err, CodeMissingParentAggregate) {
		t.Fatal("expected IsCode to match")
	}
}

func TestDispositionOf(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want Disposition
	}{
		{name: "nil", err: nil, want: DispositionIgnore},
		{name: "plain", err: stderrors.New("disk"), want: DispositionFail},
		{name: "schema", err: New(CodeSchemaMismatch, "x"), want: DispositionDeadLetter},
		{name: "stale", err: New(CodeOutOfOrderVersion, "x"), want: DispositionIgnore},
		{name: "unmatched", err: New(CodeUnmatchedEvent, "x"), want: DispositionIgnore},
		{name: "parent", err: New(CodeMissingParentAggregate, "x"), want: DispositionRetry},
		{name: "abandoned", err: New(CodeTransactionAbandoned, "x"), want: DispositionReport},
		{name: "unit", err: New(CodeUnitRequired, "x"), want: DispositionFail},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := DispositionOf(tt.err); got != tt.want {
				t.Fatalf("DispositionOf = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestDispositionString(t *testing.T) {
	if got := DispositionDeadLetter.String(); got != "dead_letter" {
		t.Fatalf("String() = %q, want dead_letter", got)
	}
	if got := Disposition(99).String(); got != "fail" {
		t.Fatalf("String() = %q, want fail", got)
	}
}
