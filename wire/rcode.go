package wire

// StatusError surfaces a non-OK result code from a well-formed response.
// It is a protocol-level failure: the connection stays up, only the one
// operation failed.
type StatusError struct {
	Code RCode
}

func (e *StatusError) Error() string {
	if e == nil {
		return "<nil>"
	}
	return e.Code.Reason()
}

// StatusOf maps a result code to an error: nil for CodeOK.
func StatusOf(c RCode) error {
	if c == CodeOK {
		return nil
	}
	return &StatusError{Code: c}
}
