package relay

import "errors"

// Error taxonomy surfaced to transports. NotFound and Expired are distinct so
// the HTTP layer can answer 404 vs. 410 — an expired session is a "start a new
// conversation" condition, not an unknown one.
var (
	ErrSessionNotFound = errors.New("session not found")
	ErrSessionExpired  = errors.New("session expired")
	ErrInvalidInput    = errors.New("invalid input")
)
