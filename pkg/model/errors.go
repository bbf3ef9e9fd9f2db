package model

import (
	"errors"
	"fmt"
)

// ErrEndOfStream is returned by a Transport when the upstream has closed
// cleanly after delivering every requested version. It is not a failure:
// the process boundary treats it as exit code 0.
var ErrEndOfStream = errors.New("model: upstream end of stream")

// GapError reports a protocol violation where two adjacent batches (or a
// batch and the expected cursor) are not version-consecutive. Fatal per the
// error taxonomy: the Dispatcher must never persist a watermark past the
// last good version.
type GapError struct {
	Expected Version
	Got      Version
}

func (e *GapError) Error() string {
	return fmt.Sprintf("model: version gap: expected %d, got %d", e.Expected, e.Got)
}

// ChainMismatchError reports that a batch's chain id disagrees with the
// chain id already persisted for this processor. Fatal: it indicates the
// pipeline has been pointed at the wrong upstream or the upstream has been
// reset.
type ChainMismatchError struct {
	Persisted ChainID
	Observed  ChainID
}

func (e *ChainMismatchError) Error() string {
	return fmt.Sprintf("model: chain id mismatch: persisted %d, observed %d", e.Persisted, e.Observed)
}

// TrackerInvariantError reports a Version Tracker bookkeeping violation —
// an acknowledgement below the watermark, or a partial count exceeding the
// configured sink count. Always a logic bug, never a data condition to
// retry through.
type TrackerInvariantError struct {
	Reason string
}

func (e *TrackerInvariantError) Error() string {
	return fmt.Sprintf("model: tracker invariant violation: %s", e.Reason)
}

// ContiguityError reports that a round's sorted processing results do not
// form a contiguous range, which can only happen if extraction tasks were
// handed overlapping or non-adjacent batches.
type ContiguityError struct {
	PrevEnd   Version
	NextStart Version
}

func (e *ContiguityError) Error() string {
	return fmt.Sprintf("model: non-contiguous commit: prev end %d, next start %d", e.PrevEnd, e.NextStart)
}

// PermanentUpstreamError reports a non-retryable upstream failure (bad
// credentials, malformed request) per the error taxonomy: the Fetcher must
// surface it immediately rather than spending its reconnect budget on it.
type PermanentUpstreamError struct {
	Cause error
}

func (e *PermanentUpstreamError) Error() string {
	return fmt.Sprintf("model: permanent upstream error: %v", e.Cause)
}

func (e *PermanentUpstreamError) Unwrap() error { return e.Cause }

// IsFatal reports whether err represents one of the taxonomy's fatal kinds
// (protocol violation, tracker invariant, or explicit gap/contiguity/chain
// errors) as opposed to a transient condition the caller may retry.
func IsFatal(err error) bool {
	var gap *GapError
	var chainErr *ChainMismatchError
	var trackerErr *TrackerInvariantError
	var contigErr *ContiguityError
	return errors.As(err, &gap) ||
		errors.As(err, &chainErr) ||
		errors.As(err, &trackerErr) ||
		errors.As(err, &contigErr)
}
