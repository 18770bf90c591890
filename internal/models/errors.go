package models

import "errors"

// Validation errors shared across models.
var (
	ErrNameRequired      = errors.New("name is required")
	ErrURLRequired       = errors.New("url is required")
	ErrChannelIDRequired = errors.New("channel id is required")
	ErrSessionIDRequired = errors.New("session id is required")
	ErrKeyRequired       = errors.New("key is required")
)
