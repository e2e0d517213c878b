package repositories

import "errors"

var (
	// ErrOrderCorrupt indicates a stored order failed strict decoding and was quarantined.
	ErrOrderCorrupt = errors.New("order repository: corrupt document")
	// ErrIntentCorrupt indicates a stored stock intent failed strict decoding.
	ErrIntentCorrupt = errors.New("intent repository: corrupt document")
)
