package wsproto

// RPCError pairs a taxonomy code with the underlying cause so
// handlers can log the real error while only the code crosses the wire.
type RPCError struct {
	Code string
	Err  error
}

func (e *RPCError) Error() string {
	if e.Err == nil {
		return e.Code
	}
	return e.Code + ": " + e.Err.Error()
}

func (e *RPCError) Unwrap() error { return e.Err }

func NewError(code string, err error) *RPCError {
	return &RPCError{Code: code, Err: err}
}

// CodeOf extracts the taxonomy code from err, defaulting to ErrIO for
// anything that isn't already a classified RPCError.
func CodeOf(err error) string {
	if err == nil {
		return ""
	}
	if rerr, ok := err.(*RPCError); ok {
		return rerr.Code
	}
	return ErrIO
}
