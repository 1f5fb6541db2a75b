package wire

import "errors"

var (
	ErrInvalidAddr      = errors.New("wire: invalid address")
	ErrTooLargeFrame    = errors.New("wire: frame exceeds the maximum size")
	ErrMalformedFrame   = errors.New("wire: malformed frame")
	ErrMalformedPayload = errors.New("wire: malformed message payload")
)
