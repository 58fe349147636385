package jobs

import (
	"errors"

	"github.com/rs/zerolog/log"
)

var (
	// ErrNotFound is returned for an unknown job id.
	ErrNotFound = errors.New("job not found")

	// ErrGenerationFailed wraps any failure of the external generation
	// service, including timeouts and mid-stream error events.
	ErrGenerationFailed = errors.New("generation failed")

	// ErrCommitFailed wraps a result that could not be committed to the tree
	// without violating an invariant. It points at an upstream contract
	// violation rather than a transient failure.
	ErrCommitFailed = errors.New("commit failed")

	// ErrInvalidTransition is returned when a status change is not allowed.
	ErrInvalidTransition = errors.New("invalid job status transition")
)

// LogFailure logs a failed job. Commit failures are logged at error level
// under a separate message so they can be told apart from ordinary
// generation failures when searching logs.
func LogFailure(j Job, err error) {
	if errors.Is(err, ErrCommitFailed) {
		log.Error().
			Err(err).
			Str("job", j.ID).
			Str("kind", string(j.Kind)).
			Str("targetParentId", j.TargetParentID).
			Msg("Job result rejected by tree store")
		return
	}
	log.Warn().
		Err(err).
		Str("job", j.ID).
		Str("kind", string(j.Kind)).
		Str("failureKind", string(j.FailureKind)).
		Msg("Job failed")
}
