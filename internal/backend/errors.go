package backend

import "errors"

// ErrNotConnected is returned when the shared backend pipe could not be
// opened within the connect timeout, or an I/O error occurs mid-operation.
// Callers (the router) cache this as a connection failure.
var ErrNotConnected = errors.New("backend: not connected")

// ErrSignRefused is returned when the backend was reached but responded
// with anything other than a sign-response (a failure frame, most
// commonly — the user may still be unlocking). Never cached.
var ErrSignRefused = errors.New("backend: sign refused")
