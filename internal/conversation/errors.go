package conversation

import "errors"

// ErrNoChannel is returned when an operation needs a valid bound channel.
var ErrNoChannel = errors.New("conversation has no valid channel")
