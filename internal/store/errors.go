package store

import "errors"

var (
	ErrServiceNotFound   = errors.New("service not found")
	ErrServiceInactive   = errors.New("service inactive")
	ErrTicketNotFound    = errors.New("ticket not found")
	ErrInvalidTransition = errors.New("invalid ticket state transition")
	ErrEmptyQueue        = errors.New("no waiting tickets")
	ErrDuplicatePosition = errors.New("duplicate position")
)
