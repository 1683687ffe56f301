package domain

import "errors"

var (
	ErrNotFound     = errors.New("record not found")
	ErrUnauthorized = errors.New("not authenticated")
	ErrForbidden    = errors.New("not allowed to change this record")
	ErrInvalid      = errors.New("invalid input")
	ErrConflict     = errors.New("record already exists")
)
