package utils

// WispError is the structured error type shared across packages. Sentinels
// are built with NewWispError and compared with errors.Is; WithDetails
// attaches call-site context without breaking the comparison.
type WispError struct {
	Msg     string
	Details string
}

func NewWispError(msg string) *WispError {
	return &WispError{Msg: msg}
}

func (e *WispError) Error() string {
	if e.Details != "" {
		return e.Msg + ": " + e.Details
	}
	return e.Msg
}

// WithDetails returns a copy carrying extra context, leaving the shared
// sentinel untouched.
func (e *WispError) WithDetails(details string) *WispError {
	return &WispError{Msg: e.Msg, Details: details}
}

func (e *WispError) Is(target error) bool {
	t, ok := target.(*WispError)
	return ok && t.Msg == e.Msg
}
