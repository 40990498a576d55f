package codec

import (
	"errors"
	"fmt"
)

var (
	ErrSchemaMismatch = errors.New("schema mismatch")
	ErrTruncatedInput = errors.New("truncated input")
	ErrMalformedInput = errors.New("malformed input")
)

// MismatchError reports a value that does not fit its schema. Path is a JSON-path style
// location such as "$.in_left.c" or "$[2]".
type MismatchError struct {
	Path   string
	Reason string
}

func (e *MismatchError) Error() string {
	return fmt.Sprintf("schema mismatch at %s: %s", e.Path, e.Reason)
}

func (e *MismatchError) Unwrap() error { return ErrSchemaMismatch }

func mismatch(path, format string, args ...any) error {
	return &MismatchError{Path: path, Reason: fmt.Sprintf(format, args...)}
}

// DecodeError wraps ErrTruncatedInput or ErrMalformedInput with the byte offset.
type DecodeError struct {
	Path   string
	Offset int
	Err    error
	Detail string
}

func (e *DecodeError) Error() string {
	if e.Detail != "" {
		return fmt.Sprintf("decode %s at byte %d: %v: %s", e.Path, e.Offset, e.Err, e.Detail)
	}
	return fmt.Sprintf("decode %s at byte %d: %v", e.Path, e.Offset, e.Err)
}

func (e *DecodeError) Unwrap() error { return e.Err }
