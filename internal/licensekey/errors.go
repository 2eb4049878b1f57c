package licensekey

import "fmt"

// Kind is the user-facing category of an activation failure.
type Kind string

const (
	KindFormat         Kind = "format"
	KindValidation     Kind = "validation"
	KindDeviceMismatch Kind = "device_mismatch"
	KindExpired        Kind = "expired"
	KindNetwork        Kind = "network"
)

const (
	MsgFormat         = "Invalid key format"
	MsgValidation     = "Invalid or corrupted key"
	MsgDeviceMismatch = "This key is bound to a different device"
	MsgExpiredServer  = "Key has expired (server verified)"
	MsgExpiredLocal   = "Key has expired (local time check)"
	MsgNetwork        = "Error occurred during activation"
)

// Error is a rejected key. Message is safe to show to the end user; Err carries the
// internal cause and is never shown.
type Error struct {
	Kind    Kind
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("[%s] %s: %v", e.Kind, e.Message, e.Err)
	}
	return fmt.Sprintf("[%s] %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error {
	return e.Err
}

func newError(kind Kind, msg string, err error) *Error {
	return &Error{Kind: kind, Message: msg, Err: err}
}
