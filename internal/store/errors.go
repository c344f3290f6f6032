package store

import "errors"

var (
	ErrInsufficientFunds = errors.New("insufficient funds")
	ErrNotFound          = errors.New("not found")
	ErrUserNotFound      = errors.New("user not found")
	ErrUserExists        = errors.New("user exists")
	ErrStateConflict     = errors.New("invalid state for operation")
	ErrEventProcessed    = errors.New("webhook event already processed")
)
