package pipeline

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/sblumenf/podcastknowledge-sub012/internal/keyring"
	"github.com/sblumenf/podcastknowledge-sub012/pkg/types"
)

// Process exit codes, also used by the CLI.
const (
	ExitOK           = 0
	ExitInvalidInput = 2
	ExitDegraded     = 3
	ExitExhausted    = 4
	ExitCancelled    = 130
)

// InvalidInputError marks unrecoverable problems with the caller's input:
// a malformed VTT file, missing required fields, an unreadable path.
type InvalidInputError struct {
	Err error
}

func (e *InvalidInputError) Error() string {
	return fmt.Sprintf("invalid input: %v", e.Err)
}

func (e *InvalidInputError) Unwrap() error { return e.Err }

// invalidInput wraps err as an InvalidInputError.
func invalidInput(format string, args ...any) error {
	return &InvalidInputError{Err: fmt.Errorf(format, args...)}
}

// Report is the episode-level outcome of one Process run.
type Report struct {
	// EpisodeID is the deterministic episode key.
	EpisodeID string

	// Status is the final episode status written to the graph.
	Status types.EpisodeStatus

	// UnitsTotal is the number of units the segmenter produced.
	UnitsTotal int

	// UnitsCommitted counts units whose graph transaction committed,
	// including units replayed from a previous run's checkpoint.
	UnitsCommitted int

	// UnitsExtractionFailed counts committed units flagged
	// extraction_failed.
	UnitsExtractionFailed int

	// UnitsSkipped counts units dropped after a failed write retry or
	// abandoned on cancellation.
	UnitsSkipped int

	// Resumed is true when a checkpoint from an earlier run was found and
	// its committed units were skipped.
	Resumed bool

	// Elapsed is the wall-clock processing time.
	Elapsed time.Duration
}

// ExitCode maps a Process result to the CLI exit code. The report may be nil
// when processing aborted before segmentation.
func ExitCode(rep *Report, err error) int {
	if err != nil {
		switch {
		case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
			return ExitCancelled
		case errors.As(err, new(*InvalidInputError)):
			return ExitInvalidInput
		case errors.Is(err, keyring.ErrExhausted):
			return ExitExhausted
		default:
			return ExitDegraded
		}
	}
	if rep != nil && rep.Status != types.StatusOK {
		return ExitDegraded
	}
	return ExitOK
}
