package domain

import "errors"

var (
	ErrNotFound            = errors.New("not found")
	ErrAlreadyExists       = errors.New("already exists")
	ErrInvalidSide         = errors.New("invalid side")
	ErrInvalidAmount       = errors.New("invalid amount")
	ErrInvalidLeverage     = errors.New("invalid leverage")
	ErrInsufficientBalance = errors.New("insufficient balance")
	ErrMarketClosed        = errors.New("market closed")
	ErrPositionNotFound    = errors.New("position not found")
	ErrNoCommitment        = errors.New("no commitment found")
	ErrAlreadyRevealed     = errors.New("outcome already revealed")
	ErrOutcomeMismatch     = errors.New("revealed outcome does not match commitment")
	ErrOracleUnavailable   = errors.New("oracle unavailable")
	ErrLockHeld            = errors.New("lock already held")
)
