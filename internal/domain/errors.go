package domain

import (
	"context"
	"errors"
	"fmt"
)

// TransientFetchError is a fetch failure expected to resolve on retry:
// transport errors, timeouts, HTTP 429 and 5xx.
type TransientFetchError struct {
	Date       string // provider date, MM/DD/YYYY
	StatusCode int    // 0 for transport errors
	Err        error
}

func (e *TransientFetchError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("transient fetch error for %s: http %d: %v", e.Date, e.StatusCode, e.Err)
	}
	return fmt.Sprintf("transient fetch error for %s: %v", e.Date, e.Err)
}

func (e *TransientFetchError) Unwrap() error { return e.Err }

// PermanentFetchError is a fetch failure that retrying cannot fix: 4xx other
// than 429, or a response body that is not the expected JSON envelope.
type PermanentFetchError struct {
	Date       string
	StatusCode int
	Err        error
}

func (e *PermanentFetchError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("permanent fetch error for %s: http %d: %v", e.Date, e.StatusCode, e.Err)
	}
	return fmt.Sprintf("permanent fetch error for %s: %v", e.Date, e.Err)
}

func (e *PermanentFetchError) Unwrap() error { return e.Err }

// MalformedRecordError marks one provider record that cannot be expanded.
// Only the offending record is skipped.
type MalformedRecordError struct {
	Plant      string
	ReportDate string
	Field      string
	Err        error
}

func (e *MalformedRecordError) Error() string {
	return fmt.Sprintf("malformed record plant=%q date=%q field %s: %v", e.Plant, e.ReportDate, e.Field, e.Err)
}

func (e *MalformedRecordError) Unwrap() error { return e.Err }

// WriteError records a batch the sink rejected.
type WriteError struct {
	IDs []string
	Err error
}

func (e *WriteError) Error() string {
	return fmt.Sprintf("write batch of %d observations: %v", len(e.IDs), e.Err)
}

func (e *WriteError) Unwrap() error { return e.Err }

// FatalConfigError aborts a run: missing credentials, unreachable sink,
// invalid configuration.
type FatalConfigError struct {
	Component string
	Err       error
}

func (e *FatalConfigError) Error() string {
	return fmt.Sprintf("fatal %s error: %v", e.Component, e.Err)
}

func (e *FatalConfigError) Unwrap() error { return e.Err }

// Fatal wraps err as a FatalConfigError for component. A nil err stays nil.
func Fatal(component string, err error) error {
	if err == nil {
		return nil
	}
	var fe *FatalConfigError
	if errors.As(err, &fe) {
		return err
	}
	return &FatalConfigError{Component: component, Err: err}
}

// IsTransient reports whether err is, or wraps, a TransientFetchError.
func IsTransient(err error) bool {
	var te *TransientFetchError
	return errors.As(err, &te)
}

// IsFatal reports whether err is, or wraps, a FatalConfigError.
func IsFatal(err error) bool {
	var fe *FatalConfigError
	return errors.As(err, &fe)
}

// Reason returns a short classification of err for reports and metrics.
func Reason(err error) string {
	var (
		te *TransientFetchError
		pe *PermanentFetchError
		me *MalformedRecordError
		we *WriteError
		fe *FatalConfigError
	)
	switch {
	case err == nil:
		return ""
	case errors.As(err, &fe):
		return "fatal"
	case errors.As(err, &te):
		return "transient_fetch"
	case errors.As(err, &pe):
		return "permanent_fetch"
	case errors.As(err, &me):
		return "malformed_record"
	case errors.As(err, &we):
		return "write"
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return "canceled"
	default:
		return "other"
	}
}
