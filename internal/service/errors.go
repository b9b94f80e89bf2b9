package service

import "errors"

// Sentinel errors returned to the transport layer, which maps them to HTTP
// status codes.
var (
	ErrActiveSessionExists = errors.New("user already has an active charging session")
	ErrNotFound            = errors.New("charging session not found")
	ErrNotOwner            = errors.New("charging session belongs to another user")
	ErrUpstreamRejected    = errors.New("charge point rejected the command")
	ErrUpstreamUnavailable = errors.New("charge point controller unavailable")
	ErrValidation          = errors.New("invalid request")
)
