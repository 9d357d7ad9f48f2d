package store

import "errors"

var (
	ErrNotFound      = errors.New("entity not found")
	ErrUnknownEntity = errors.New("unknown entity kind")
)
