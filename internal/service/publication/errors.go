package publication

import "errors"

// Sentinel errors for the publication service layer.
var (
	ErrNotFound          = errors.New("publish log not found")
	ErrTerminal          = errors.New("publish log is in a terminal state")
	ErrInvalidTransition = errors.New("invalid status transition")
	ErrMissingPostID     = errors.New("webhook payload has no external_post_id")
	ErrNotSuccessful     = errors.New("only successful publications can be pinned as winner")
)
