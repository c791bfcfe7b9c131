package core

import "errors"

var (
	ErrInvalidAddress   = errors.New("invalid account address")
	ErrInvalidThreshold = errors.New("alert threshold is not a percentage")
	ErrDuplicate        = errors.New("duplicate key")
	ErrNotFound         = errors.New("not found")
	ErrUnauthorized     = errors.New("unauthorized")
	ErrForbidden        = errors.New("forbidden")
	ErrRateLimited      = errors.New("rate limited")
	ErrStoreUnavailable = errors.New("store unavailable")
)
