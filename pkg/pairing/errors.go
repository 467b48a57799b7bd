package pairing

import "errors"

var (
	ErrInvalidCode             = errors.New("pairing code not found")
	ErrExpiredCode             = errors.New("pairing code expired")
	ErrAlreadyClaimed          = errors.New("pairing code already claimed")
	ErrRateLimited             = errors.New("too many pairing attempts, try again in a minute")
	ErrCodeGenerationExhausted = errors.New("could not generate a unique pairing code")
)
