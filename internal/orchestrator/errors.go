package orchestrator

import "errors"

// ErrInvalidPrompt is returned when an intent carries nothing to generate from.
var ErrInvalidPrompt = errors.New("invalid prompt")
