package records

import (
	"context"
	"errors"
	"fmt"

	"github.com/ehr/recordvault/internal/platform/contentstore"
	"github.com/ehr/recordvault/internal/platform/hashing"
)

var (
	ErrNotFound                = errors.New("not found")
	ErrVersionConflict         = errors.New("version conflict")
	ErrInvalidChainState       = errors.New("invalid version chain state")
	ErrContentStoreUnavailable = errors.New("content store unavailable")
	ErrIndexUnavailable        = errors.New("relational index unavailable")
	ErrEncoding                = hashing.ErrEncoding
	ErrInvalidTransition       = errors.New("invalid anchor status transition")
	ErrAccessDenied            = errors.New("access denied")
	ErrPayloadUnavailable      = errors.New("payload unavailable")
	ErrInvalidInput            = errors.New("invalid input")
)

// Write steps, in execution order.
const (
	StepInsertRecord   = "insert_record"
	StepInsertVersion  = "insert_version"
	StepInsertFile     = "insert_file"
	StepWriteDocument  = "write_document"
	StepPatchLocator   = "patch_locator"
	StepAdvanceCurrent = "advance_current_version"
)

// StepError tells the caller which write step failed. Every step before it
// has committed durably.
type StepError struct {
	Op   string
	Step string
	Err  error
}

func (e *StepError) Error() string {
	return fmt.Sprintf("%s: step %s: %v", e.Op, e.Step, e.Err)
}

func (e *StepError) Unwrap() error { return e.Err }

// IsRetryable reports whether the caller may re-read state and try again.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrVersionConflict) ||
		errors.Is(err, ErrIndexUnavailable) ||
		errors.Is(err, ErrContentStoreUnavailable)
}

// FailedStep returns the write step recorded on err, if any.
func FailedStep(err error) (string, bool) {
	var se *StepError
	if errors.As(err, &se) {
		return se.Step, true
	}
	return "", false
}

func isContextErr(err error) bool {
	return errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
}

// indexErr classifies an error coming back from the relational index.
func indexErr(err error) error {
	switch {
	case err == nil:
		return nil
	case isContextErr(err),
		errors.Is(err, ErrNotFound),
		errors.Is(err, ErrVersionConflict),
		errors.Is(err, ErrIndexUnavailable),
		errors.Is(err, ErrInvalidTransition),
		errors.Is(err, ErrInvalidInput):
		return err
	default:
		return fmt.Errorf("%w: %v", ErrIndexUnavailable, err)
	}
}

// contentErr classifies an error coming back from the content store.
func contentErr(err error) error {
	switch {
	case err == nil:
		return nil
	case isContextErr(err):
		return err
	case errors.Is(err, contentstore.ErrNotFound):
		return fmt.Errorf("%w: %w", ErrPayloadUnavailable, err)
	default:
		return fmt.Errorf("%w: %v", ErrContentStoreUnavailable, err)
	}
}

func isNotFound(err error) bool { return errors.Is(err, ErrNotFound) }
