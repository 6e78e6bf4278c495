package channelsync

import "errors"

var (
	ErrNotFound       = errors.New("not found")
	ErrInvalidInput   = errors.New("invalid input")
	ErrSessionInvalid = errors.New("session invalid")
	ErrNotAuthentic   = errors.New("signature verification failed")
	ErrNotImplemented = errors.New("not implemented")
)
