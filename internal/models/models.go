// Package models defines the core data structures for Pollexy.
//
// It includes scheduled messages, people, locations and their availability windows,
// delivery payloads and outcomes, which are shared across modules.
package models

import (
	"errors"
	"fmt"
)

// Validation constants for input validation
const (
	// MaxMessageBodyLength defines the maximum allowed length for a message body
	MaxMessageBodyLength = 4096
	// MaxBotNamesCount defines the maximum number of bots attached to one message
	MaxBotNamesCount = 10
	// DefaultVoiceID is the voice profile used when a person has none configured
	DefaultVoiceID = "Joanna"
	// DefaultWindowYears is how far the validity window extends when no end is given
	DefaultWindowYears = 10
)

// Error variables for better error handling and testability
var (
	ErrEmptyPersonName        = errors.New("person name cannot be empty")
	ErrEmptyBody              = errors.New("message body is required")
	ErrBodyTooLong            = errors.New("message body exceeds maximum length")
	ErrInvalidTimeZone        = errors.New("invalid time zone")
	ErrInvalidFrequency       = errors.New("invalid recurrence frequency")
	ErrInvalidInterval        = errors.New("recurrence interval must be positive")
	ErrInvalidCount           = errors.New("occurrence count must be positive")
	ErrWindowEndBeforeStart   = errors.New("window end must be after window start")
	ErrTooManyBots            = errors.New("too many bots")
	ErrEmptyBotName           = errors.New("bot name cannot be empty")
	ErrRequiredBotNotListed   = errors.New("required bot is not part of the bot set")
	ErrEmptyLocationName      = errors.New("location name cannot be empty")
	ErrEmptyWindowRule        = errors.New("availability window rule cannot be empty")
	ErrInvalidWindowDuration  = errors.New("availability window duration must be positive")
	ErrInvalidChannel         = errors.New("invalid location channel")
	ErrInvalidOutcome         = errors.New("invalid delivery outcome")
	ErrInvalidStartDateTime   = errors.New("invalid start date/time")
	ErrInvalidEndDateTime     = errors.New("invalid end date/time")
	ErrMissingRecurrenceInput = errors.New("recurrence requires a frequency or rule text")

	// ErrInvalidRule matches every InvalidRuleError through errors.Is.
	ErrInvalidRule = errors.New("invalid recurrence rule")
	// ErrUnknownPerson is returned when a message references a person that does not exist.
	ErrUnknownPerson = errors.New("unknown person")
	// ErrUnknownMessage is returned when a message id does not exist.
	ErrUnknownMessage = errors.New("unknown message")
	// ErrUnknownLocation is returned when a location name does not exist.
	ErrUnknownLocation = errors.New("unknown location")
	// ErrConflict is returned by conditional saves when the stored version moved on.
	ErrConflict = errors.New("persistence conflict")
	// ErrPublish wraps delivery queue failures.
	ErrPublish = errors.New("publish failed")
)

// InvalidRuleError describes a recurrence rule that cannot be parsed or evaluated.
type InvalidRuleError struct {
	Rule string
	Err  error
}

func (e *InvalidRuleError) Error() string {
	if e.Rule == "" {
		return fmt.Sprintf("invalid recurrence rule: %v", e.Err)
	}
	return fmt.Sprintf("invalid recurrence rule %q: %v", e.Rule, e.Err)
}

func (e *InvalidRuleError) Unwrap() error { return e.Err }

// Is reports whether target is ErrInvalidRule.
func (e *InvalidRuleError) Is(target error) bool { return target == ErrInvalidRule }

// APIStatus represents the status of an API response.
type APIStatus string

const (
	// APIStatusOK indicates an API request completed successfully.
	APIStatusOK APIStatus = "ok"
	// APIStatusError indicates an API request failed with an error.
	APIStatusError APIStatus = "error"
	// APIStatusScheduled indicates an API request resulted in a scheduled message.
	APIStatusScheduled APIStatus = "scheduled"
	// APIStatusRecorded indicates data was successfully recorded via API.
	APIStatusRecorded APIStatus = "recorded"
)

// APIResponse represents a standard API response with a status and optional data.
type APIResponse struct {
	Status  string      `json:"status"`            // status of the API response
	Message string      `json:"message,omitempty"` // optional message for error responses or additional info
	Result  interface{} `json:"result,omitempty"`  // optional result data for successful responses
}

// APIResponseBuilder provides a fluent interface for building API responses.
type APIResponseBuilder struct {
	response APIResponse
}

// NewAPIResponseBuilder creates a new APIResponseBuilder instance.
func NewAPIResponseBuilder() *APIResponseBuilder {
	return &APIResponseBuilder{}
}

// WithStatus sets the status of the API response.
func (b *APIResponseBuilder) WithStatus(status APIStatus) *APIResponseBuilder {
	b.response.Status = string(status)
	return b
}

// WithMessage sets the message of the API response.
func (b *APIResponseBuilder) WithMessage(message string) *APIResponseBuilder {
	b.response.Message = message
	return b
}

// WithResult sets the result data of the API response.
func (b *APIResponseBuilder) WithResult(result interface{}) *APIResponseBuilder {
	b.response.Result = result
	return b
}

// Build constructs and returns the final APIResponse.
func (b *APIResponseBuilder) Build() APIResponse {
	return b.response
}

// Success creates a successful API response with optional result data.
func Success(result interface{}) APIResponse {
	return NewAPIResponseBuilder().WithStatus(APIStatusOK).WithResult(result).Build()
}

// SuccessWithMessage creates a successful API response with a message and optional result data.
func SuccessWithMessage(message string, result interface{}) APIResponse {
	return NewAPIResponseBuilder().WithStatus(APIStatusOK).WithMessage(message).WithResult(result).Build()
}

// Error creates an error API response with a message.
func Error(message string) APIResponse {
	return NewAPIResponseBuilder().WithStatus(APIStatusError).WithMessage(message).Build()
}

// Scheduled creates a scheduled API response carrying the schedule result.
func Scheduled(result interface{}) APIResponse {
	return NewAPIResponseBuilder().WithStatus(APIStatusScheduled).WithResult(result).Build()
}

// Recorded creates a recorded API response.
func Recorded() APIResponse {
	return NewAPIResponseBuilder().WithStatus(APIStatusRecorded).Build()
}

// RecordedResult creates a recorded API response carrying result data.
func RecordedResult(result interface{}) APIResponse {
	return NewAPIResponseBuilder().WithStatus(APIStatusRecorded).WithResult(result).Build()
}
