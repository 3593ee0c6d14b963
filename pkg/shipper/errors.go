package shipper

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
)

// Category is a coarse classification of an API error message.
type Category string

const (
	CategoryOrderNotBooked        Category = "order_not_booked"
	CategoryOrderAlreadyCancelled Category = "order_already_cancelled"
	CategoryOrderAlreadyShipped   Category = "order_already_shipped"
	CategoryOrderAlreadyDelivered Category = "order_already_delivered"
	CategoryInvalidAddress        Category = "invalid_address"
	CategoryAuthenticationFailed  Category = "authentication_failed"
	CategoryNoOffersAvailable     Category = "no_offers_available"
	CategoryInvalidParcel         Category = "invalid_parcel"
	CategoryServiceUnavailable    Category = "service_unavailable"
	CategoryUnknown               Category = "unknown"
)

// errorPatterns is evaluated in order; the first substring found wins.
var errorPatterns = []struct {
	pattern  string
	category Category
}{
	{"order not booked", CategoryOrderNotBooked},
	{"not booked", CategoryOrderNotBooked},
	{"already cancelled", CategoryOrderAlreadyCancelled},
	{"cancelled", CategoryOrderAlreadyCancelled},
	{"already shipped", CategoryOrderAlreadyShipped},
	{"already delivered", CategoryOrderAlreadyDelivered},

	{"invalid address", CategoryInvalidAddress},
	{"postal code", CategoryInvalidAddress},
	{"city required", CategoryInvalidAddress},

	{"unauthorized", CategoryAuthenticationFailed},
	{"(401)", CategoryAuthenticationFailed},
	{"invalid credentials", CategoryAuthenticationFailed},
	{"authentication", CategoryAuthenticationFailed},

	{"no offer", CategoryNoOffersAvailable},
	{"no service", CategoryNoOffersAvailable},
	{"not available", CategoryNoOffersAvailable},

	{"invalid parcel", CategoryInvalidParcel},
	{"weight", CategoryInvalidParcel},
	{"dimension", CategoryInvalidParcel},

	{"timeout", CategoryServiceUnavailable},
	{"connection", CategoryServiceUnavailable},
	{"(503)", CategoryServiceUnavailable},
	{"(500)", CategoryServiceUnavailable},
	{"(502)", CategoryServiceUnavailable},
}

var categoryMessages = map[Category]string{
	CategoryOrderNotBooked:        "The order has not been booked with the carrier yet.",
	CategoryOrderAlreadyCancelled: "The order is already cancelled.",
	CategoryOrderAlreadyShipped:   "The order has already been shipped and can no longer be changed.",
	CategoryOrderAlreadyDelivered: "The order has already been delivered.",
	CategoryInvalidAddress:        "The address is invalid or incomplete.",
	CategoryAuthenticationFailed:  "Authentication with the shipping API failed. Check the API credentials.",
	CategoryNoOffersAvailable:     "No shipping offer is available for this destination.",
	CategoryInvalidParcel:         "The parcel weight or dimensions are invalid.",
	CategoryServiceUnavailable:    "The shipping API is temporarily unavailable.",
	CategoryUnknown:               "The shipping API returned an unexpected error.",
}

// Classify maps a raw error message to its category.
func Classify(message string) Category {
	lower := strings.ToLower(message)
	for _, p := range errorPatterns {
		if strings.Contains(lower, p.pattern) {
			return p.category
		}
	}
	return CategoryUnknown
}

// Message returns a human readable explanation of the category.
func (c Category) Message() string {
	if msg, ok := categoryMessages[c]; ok {
		return msg
	}
	return categoryMessages[CategoryUnknown]
}

// APIError is a failure reported by the aggregation API or its transport.
type APIError struct {
	StatusCode int
	Message    string
	Category   Category
	Cause      error
}

// Error implements the error interface.
func (e *APIError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("shipping api: %s: %v", e.Message, e.Cause)
	}
	return fmt.Sprintf("shipping api: %s", e.Message)
}

// Unwrap returns the underlying cause.
func (e *APIError) Unwrap() error {
	return e.Cause
}

// Is implements errors.Is for APIError by category.
func (e *APIError) Is(target error) bool {
	t, ok := target.(*APIError)
	if !ok {
		return false
	}
	return e.Category == t.Category
}

// UserMessage returns the translated message for the error category.
func (e *APIError) UserMessage() string {
	return e.Category.Message()
}

// NewAPIError creates an APIError and classifies its message.
// A non-zero status is folded into the message as "API error (<code>)".
func NewAPIError(statusCode int, message string) *APIError {
	if statusCode >= http.StatusBadRequest {
		message = fmt.Sprintf("API error (%d): %s", statusCode, message)
	}
	return &APIError{
		StatusCode: statusCode,
		Message:    message,
		Category:   Classify(message),
	}
}

// WithCause adds a cause to the error.
func (e *APIError) WithCause(err error) *APIError {
	e.Cause = err
	return e
}

// Sentinel errors for common shipping scenarios.
var (
	// ErrNotConfigured indicates the API credentials are missing.
	ErrNotConfigured = errors.New("shipping api not configured")

	// ErrEmptyResponse indicates the API answered without the expected payload.
	ErrEmptyResponse = errors.New("empty response from shipping api")
)

// CategoryOf returns the category of an APIError in err's chain, or CategoryUnknown.
func CategoryOf(err error) Category {
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr.Category
	}
	return CategoryUnknown
}

// IsRetryable returns true if the error is a transient API failure.
func IsRetryable(err error) bool {
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr.Category == CategoryServiceUnavailable || apiErr.StatusCode >= http.StatusInternalServerError
	}
	return false
}
