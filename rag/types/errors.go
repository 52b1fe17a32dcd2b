package types

import "errors"

var (
	ErrValidation          = errors.New("validation error")
	ErrUnsupportedFileType = errors.New("unsupported file type")
	ErrDecode              = errors.New("decode error")
	ErrMissingCredential   = errors.New("missing credential")
	ErrMissingBaseURL      = errors.New("missing base url")
	ErrProvider            = errors.New("provider error")
	ErrIngest              = errors.New("ingest error")
	ErrStorage             = errors.New("storage error")
	ErrNotFound            = errors.New("not found")
	ErrEmptyMessage        = errors.New("empty message")
)

// Error carries a short caller-facing message together with its kind
// (one of the Err* sentinels) and the underlying cause.
type Error struct {
	Kind    error
	Message string
	Err     error
}

func NewError(kind error, message string, err error) *Error {
	return &Error{Kind: kind, Message: message, Err: err}
}

func (e *Error) Error() string {
	if e.Err != nil {
		return e.Message + ": " + e.Err.Error()
	}
	return e.Message
}

func (e *Error) Unwrap() []error {
	out := []error{e.Kind}
	if e.Err != nil {
		out = append(out, e.Err)
	}
	return out
}

// UserMessage returns the short message meant for callers, without
// internal detail.
func UserMessage(err error) string {
	if err == nil {
		return ""
	}
	var e *Error
	if errors.As(err, &e) {
		return e.Message
	}
	return "internal error"
}

// IsClientError reports whether err was caused by the caller's input or
// configuration rather than by the server.
func IsClientError(err error) bool {
	for _, kind := range []error{ErrValidation, ErrUnsupportedFileType, ErrDecode, ErrMissingCredential, ErrMissingBaseURL, ErrEmptyMessage} {
		if errors.Is(err, kind) {
			return true
		}
	}
	return false
}
