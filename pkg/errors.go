package pkg

import (
	"errors"
	"fmt"
)

// Error codes reported to the user-facing surface.
const (
	CodeConfig     = "CONFIG_ERROR"
	CodeDecode     = "DECODE_ERROR"
	CodeParse      = "PARSE_ERROR"
	CodeGeneration = "GENERATION_ERROR"
	CodeNoRecord   = "NO_PATIENT_RECORD"
	CodeNotFound   = "SESSION_NOT_FOUND"
	CodeInvalid    = "INVALID_INPUT"
	CodeTooLarge   = "UPLOAD_TOO_LARGE"
	CodeNoReport   = "NO_REPORT"
	CodeInternal   = "INTERNAL_ERROR"
)

var (
	// ErrNoPatientRecord is returned when an operation needs uploaded
	// results and the session has none.
	ErrNoPatientRecord = errors.New("no patient record uploaded")
	// ErrEmptyQuestion is returned for a blank follow-up question.
	ErrEmptyQuestion = errors.New("question is empty")
	// ErrSessionNotFound is returned for unknown or expired sessions.
	ErrSessionNotFound = errors.New("session not found")
	// ErrNoReport is returned when a download is requested before any
	// report was generated.
	ErrNoReport = errors.New("no report generated yet")
	// ErrUnsupportedLanguage is returned for a language that is not enabled.
	ErrUnsupportedLanguage = errors.New("unsupported language")
	// ErrInvalidInput wraps malformed request values.
	ErrInvalidInput = errors.New("invalid input")
)

// ConfigError reports a missing or invalid setting.  It is fatal at startup.
type ConfigError struct {
	Key     string
	Message string
}

func (e *ConfigError) Error() string {
	return fmt.Sprintf("config %s: %s", e.Key, e.Message)
}

// DecodeError reports an upload that is not valid UTF-8 text.
type DecodeError struct {
	Offset  int
	Message string
}

func (e *DecodeError) Error() string {
	return fmt.Sprintf("decode error at byte %d: %s", e.Offset, e.Message)
}

// ParseError reports a malformed table upload.
type ParseError struct {
	Line    int
	Message string
	Err     error
}

func (e *ParseError) Error() string {
	if e.Line > 0 {
		return fmt.Sprintf("parse error on line %d: %s", e.Line, e.Message)
	}
	return "parse error: " + e.Message
}

func (e *ParseError) Unwrap() error { return e.Err }

// GenerationError carries the upstream detail of a failed generation call.
type GenerationError struct {
	Detail string
	Err    error
}

func (e *GenerationError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("generation failed: %s: %v", e.Detail, e.Err)
	}
	return "generation failed: " + e.Detail
}

func (e *GenerationError) Unwrap() error { return e.Err }

// UploadTooLargeError reports an upload above the configured byte limit.
type UploadTooLargeError struct {
	Limit int64
}

func (e *UploadTooLargeError) Error() string {
	return fmt.Sprintf("upload exceeds %d bytes", e.Limit)
}
