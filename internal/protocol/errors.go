package protocol

import (
	"errors"
	"fmt"
)

var (
	ErrUnsupportedLanguage = errors.New("unsupported language")
	ErrInvalidSpeed        = errors.New("speed must be positive")
	ErrUnknownSpeaker      = errors.New("unknown speaker")
	ErrUnknownVoice        = errors.New("unknown voice profile")
)

// Error codes sent to clients in ServerError frames.
const (
	CodeBadRequest          = "bad_request"
	CodeUnsupportedLanguage = "unsupported_language"
	CodeInvalidSpeed        = "invalid_speed"
	CodeUnknownSpeaker      = "unknown_speaker"
	CodeUnknownVoice        = "unknown_voice"
	CodeSynthesisFailed     = "synthesis_failed"
	CodeIdleTimeout         = "idle_timeout"
	CodeShuttingDown        = "shutting_down"
)

// ProtocolError means an inbound message could not be understood at all.
type ProtocolError struct {
	Reason string
	Err    error
}

func (e *ProtocolError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("protocol error: %s: %v", e.Reason, e.Err)
	}
	return "protocol error: " + e.Reason
}

func (e *ProtocolError) Unwrap() error { return e.Err }

// ValidationError means the message parsed but one of its fields is unusable.
type ValidationError struct {
	Code  string
	Field string
	Err   error
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %v", e.Field, e.Err)
}

func (e *ValidationError) Unwrap() error { return e.Err }

func invalid(field string, err error) *ValidationError {
	code := CodeBadRequest
	switch {
	case errors.Is(err, ErrUnsupportedLanguage):
		code = CodeUnsupportedLanguage
	case errors.Is(err, ErrInvalidSpeed):
		code = CodeInvalidSpeed
	case errors.Is(err, ErrUnknownSpeaker):
		code = CodeUnknownSpeaker
	case errors.Is(err, ErrUnknownVoice):
		code = CodeUnknownVoice
	}
	return &ValidationError{Code: code, Field: field, Err: err}
}

func wrapf(err error, subject string) error {
	return fmt.Errorf("%q: %w", subject, err)
}
