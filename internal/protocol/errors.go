package protocol

import (
	"fmt"

	"go.uber.org/zap/zapcore"
)

// ErrorCode is the typed failure classification carried back to clients.
type ErrorCode int

const (
	ErrorUnknown ErrorCode = iota
	ErrorAvatarAlreadyExists
	ErrorEmailAlreadyExists
	ErrorAvatarFormatIncorrect
	ErrorEmailFormatIncorrect
	ErrorWorldFormatIncorrect
	ErrorPasswordFormatIncorrect
	ErrorDeserializationFailed
	ErrorNoCertificateFound
	ErrorWrongPassword
	ErrorCertificateNotYetAuthorized
	ErrorCertificateRevoked
	ErrorEmailNotYetVerified
	ErrorAlreadyVerified
	ErrorSmtpServerDown
)

var errorCodeNames = map[ErrorCode]string{
	ErrorUnknown:                     "Unknown",
	ErrorAvatarAlreadyExists:         "AvatarAlreadyExists",
	ErrorEmailAlreadyExists:          "EmailAlreadyExists",
	ErrorAvatarFormatIncorrect:       "AvatarFormatIncorrect",
	ErrorEmailFormatIncorrect:        "EmailFormatIncorrect",
	ErrorWorldFormatIncorrect:        "WorldFormatIncorrect",
	ErrorPasswordFormatIncorrect:     "PasswordFormatIncorrect",
	ErrorDeserializationFailed:       "DeserializationFailed",
	ErrorNoCertificateFound:          "NoCertificateFound",
	ErrorWrongPassword:               "WrongPassword",
	ErrorCertificateNotYetAuthorized: "CertificateNotYetAuthorized",
	ErrorCertificateRevoked:          "CertificateRevoked",
	ErrorEmailNotYetVerified:         "EmailNotYetVerified",
	ErrorAlreadyVerified:             "AlreadyVerified",
	ErrorSmtpServerDown:              "SmtpServerDown",
}

func (c ErrorCode) String() string {
	if name, ok := errorCodeNames[c]; ok {
		return name
	}
	return fmt.Sprintf("ErrorCode(%d)", int(c))
}

// ProcessingError is the failure result of a protocol operation. It carries
// the wire code, an optional human-readable detail (no internal state or
// credentials), and the severity at which the raising component wants it
// logged. It implements error so handlers can return it directly.
type ProcessingError struct {
	Code     ErrorCode
	Detail   string
	Severity zapcore.Level
}

func (e *ProcessingError) Error() string {
	if e.Detail == "" {
		return e.Code.String()
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Detail)
}

// NewError builds a ProcessingError logged at Info level, the default for
// expected client-facing failures.
func NewError(code ErrorCode, detail string) *ProcessingError {
	return &ProcessingError{Code: code, Detail: detail, Severity: zapcore.InfoLevel}
}

// NewErrorAt builds a ProcessingError with an explicit log severity.
func NewErrorAt(code ErrorCode, detail string, severity zapcore.Level) *ProcessingError {
	return &ProcessingError{Code: code, Detail: detail, Severity: severity}
}

// ErrorResponse is the wire payload of a ProcessingError packet.
type ErrorResponse struct {
	Code   string `json:"code"`
	Detail string `json:"detail,omitempty"`
}

// Response converts the error into its wire payload.
func (e *ProcessingError) Response() *ErrorResponse {
	return &ErrorResponse{Code: e.Code.String(), Detail: e.Detail}
}
