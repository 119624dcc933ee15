package models

import (
	"errors"
	"fmt"
)

var (
	ErrChannelNotFound       = errors.New("channel not found")
	ErrConversationNotFound  = errors.New("conversation not found")
	ErrMessageNotFound       = errors.New("message not found")
	ErrSessionNotReady       = errors.New("session not ready")
	ErrConfiguration         = errors.New("configuration error")
	ErrAuthenticationFailure = errors.New("authentication failure")
	ErrInvalidTransition     = errors.New("invalid status transition")
	ErrUnsupportedPlatform   = errors.New("unsupported platform")
	ErrInvalidInput          = errors.New("invalid input")
)

// ProviderError is an upstream API rejection, carrying the provider's detail.
type ProviderError struct {
	Platform   Platform
	StatusCode int
	Detail     string
	Err        error
}

func (e *ProviderError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("%s provider error (status %d): %s", e.Platform, e.StatusCode, e.Detail)
	}
	if e.Err != nil {
		return fmt.Sprintf("%s provider error: %s: %v", e.Platform, e.Detail, e.Err)
	}
	return fmt.Sprintf("%s provider error: %s", e.Platform, e.Detail)
}

func (e *ProviderError) Unwrap() error { return e.Err }
