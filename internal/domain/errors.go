package domain

import "errors"

var (
	ErrNotFound          = errors.New("domain: not found")
	ErrAlreadyExists     = errors.New("domain: already exists")
	ErrSequenceNotActive = errors.New("domain: sequence is not active")
	ErrContactOptedOut   = errors.New("domain: contact has opted out")
	ErrNoSteps           = errors.New("domain: sequence has no steps")
	ErrStaleWrite        = errors.New("domain: conditional update matched no rows")
	ErrTokenExpired      = errors.New("domain: gmail access token expired and could not be refreshed")
)
