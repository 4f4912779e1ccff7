package governor

import "errors"

// Reason is a machine-readable rejection code carried to API responses.
type Reason string

const (
	ReasonLimitReached       Reason = "limit_reached"
	ReasonBreakerOpen        Reason = "breaker_open"
	ReasonResourceCeiling    Reason = "resource_ceiling"
	ReasonMonitoringDisabled Reason = "monitoring_disabled"
	ReasonCheckoutInProgress Reason = "checkout_in_progress"
	ReasonTooSoon            Reason = "too_soon"
	ReasonInvalidArgument    Reason = "invalid_argument"
	ReasonNotFound           Reason = "not_found"
	ReasonAdapterFailure     Reason = "adapter_failure"
)

// Error is a sentinel error tagged with a Reason.
type Error struct {
	Reason Reason
	msg    string
}

func (e *Error) Error() string { return e.msg }

// NewError returns a sentinel for use with errors.Is.
func NewError(r Reason, msg string) *Error { return &Error{Reason: r, msg: msg} }

var (
	ErrLimitReached     = NewError(ReasonLimitReached, "purchase limit reached")
	ErrBreakerOpen      = NewError(ReasonBreakerOpen, "circuit breaker open")
	ErrResourceCeiling  = NewError(ReasonResourceCeiling, "session ceiling reached for this period")
	ErrInvalidPurchases = NewError(ReasonInvalidArgument, "purchase limit must be >= 0")
)

// ReasonOf returns the first Reason found in err's chain, or "" when none.
func ReasonOf(err error) Reason {
	var e *Error
	if errors.As(err, &e) {
		return e.Reason
	}
	return ""
}
