package repository

import "errors"

var (
	// ErrNotFound indicates the requested record does not exist.
	ErrNotFound = errors.New("repository: not found")
	// ErrActiveSessionExists indicates the user already holds an active session.
	ErrActiveSessionExists = errors.New("repository: active session exists")
)
