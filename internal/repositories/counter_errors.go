package repositories

import (
	"fmt"

	"github.com/werkstatt-flow/api/internal/domain"
)

// CounterErrorCode enumerates failure reasons for counter operations.
type CounterErrorCode string

const (
	CounterErrorUnknown CounterErrorCode = "counter_unknown"
	// CounterErrorInvalidInput indicates an empty counter id or an impossible period.
	CounterErrorInvalidInput CounterErrorCode = "counter_invalid_input"
	// CounterErrorCorrupt indicates a stored counter that cannot be advanced safely,
	// e.g. a period later than the requested one.
	CounterErrorCorrupt CounterErrorCode = "counter_corrupt"
)

// CounterError wraps counter failures with machine readable codes.
type CounterError struct {
	Op      string
	Code    CounterErrorCode
	Message string
	Err     error
}

// Error implements the error interface.
func (e *CounterError) Error() string {
	if e == nil {
		return ""
	}
	if e.Op != "" {
		return fmt.Sprintf("%s: %s", e.Op, e.Message)
	}
	return e.Message
}

// Unwrap exposes the underlying error, if any.
func (e *CounterError) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}

// NewCounterError constructs a typed counter error.
func NewCounterError(code CounterErrorCode, message string, err error) *CounterError {
	if message == "" {
		message = string(code)
	}
	return &CounterError{Code: code, Message: message, Err: err}
}

// AdvanceCounter computes the next counter state for the requested period.
// Shared by every CounterRepository implementation so rollover rules match.
func AdvanceCounter(current domain.Counter, exists bool, year, month int) (domain.Counter, error) {
	if year < 1 || month < 1 || month > 12 {
		return domain.Counter{}, NewCounterError(CounterErrorInvalidInput, fmt.Sprintf("invalid period %04d-%02d", year, month), nil)
	}
	if !exists || current.Year != year || current.Month != month {
		if exists && periodKey(current.Year, current.Month) > periodKey(year, month) {
			return domain.Counter{}, NewCounterError(CounterErrorCorrupt,
				fmt.Sprintf("stored period %04d-%02d is after %04d-%02d", current.Year, current.Month, year, month), nil)
		}
		return domain.Counter{Year: year, Month: month, LastNumber: 1}, nil
	}
	return domain.Counter{Year: year, Month: month, LastNumber: current.LastNumber + 1}, nil
}

func periodKey(year, month int) int {
	return year*12 + month
}
