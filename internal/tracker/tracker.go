// Package tracker implements the Version Tracker: the component that
// reassembles out-of-order, partial sink acknowledgements into a single
// monotonic watermark. Grounded line-for-line on
// processor/src/latest_version_tracker.rs from the upstream this pipeline
// was distilled from.
package tracker

import (
	"fmt"
	"time"

	"github.com/chainsync-labs/tx-indexer/pkg/model"
)

// EventKind distinguishes a Complete acknowledgement (one event fully
// confirms a range for every sink) from a Partial one (one sink of
// num_sinks has confirmed).
type EventKind int

const (
	Complete EventKind = iota
	Partial
)

// Event is a sink acknowledgement fed into Tracker.Process.
type Event struct {
	Kind          EventKind
	Start         model.Version
	End           model.Version
	LastTimestamp *time.Time
}

// entry is the tracker's internal bookkeeping for one unresolved range,
// keyed by Start in the pending map.
type entry struct {
	start         model.Version
	end           model.Version
	lastTimestamp *time.Time
	partialCount  uint32
}

// Result is emitted after every processed event, matching the external
// contract in the component design.
type Result struct {
	NextVersionToProcess model.Version
	NumGaps              uint64
	LastSuccessVersion   *model.Version
	LastSuccessTimestamp *time.Time
}

// Tracker is the Version Tracker state machine. It is not safe for
// concurrent use by multiple goroutines; callers must serialize calls to
// Process (cmd/indexer's trackerHub does so with a mutex).
type Tracker struct {
	numSinks             uint32
	nextVersionToProcess model.Version
	pending              map[model.Version]*entry
	lastSuccessVersion   *model.Version
	lastSuccessTimestamp *time.Time
}

// New constructs a Tracker starting at startingVersion, expecting numSinks
// independent acknowledgements per version range.
func New(startingVersion model.Version, numSinks uint32) *Tracker {
	return &Tracker{
		numSinks:             numSinks,
		nextVersionToProcess: startingVersion,
		pending:              make(map[model.Version]*entry),
	}
}

// Process applies one acknowledgement event and returns the tracker's
// updated state. It returns a *model.TrackerInvariantError if the event
// is stale (start below the current watermark) or over-confirms a range.
func (t *Tracker) Process(ev Event) (Result, error) {
	if ev.Start < t.nextVersionToProcess {
		return Result{}, &model.TrackerInvariantError{Reason: eventBelowWatermarkMsg(ev, t.nextVersionToProcess)}
	}

	switch ev.Kind {
	case Complete:
		t.pending[ev.Start] = &entry{
			start:         ev.Start,
			end:           ev.End,
			lastTimestamp: ev.LastTimestamp,
			partialCount:  t.numSinks,
		}
	case Partial:
		if existing, ok := t.pending[ev.Start]; ok {
			existing.partialCount++
			existing.end = ev.End
			existing.lastTimestamp = ev.LastTimestamp
			if existing.partialCount > t.numSinks {
				return Result{}, &model.TrackerInvariantError{Reason: overConfirmedMsg(existing, t.numSinks)}
			}
		} else {
			t.pending[ev.Start] = &entry{
				start:         ev.Start,
				end:           ev.End,
				lastTimestamp: ev.LastTimestamp,
				partialCount:  1,
			}
		}
	}

	t.advance()

	return Result{
		NextVersionToProcess: t.nextVersionToProcess,
		NumGaps:              uint64(len(t.pending)),
		LastSuccessVersion:   t.lastSuccessVersion,
		LastSuccessTimestamp: t.lastSuccessTimestamp,
	}, nil
}

// advance pops contiguous, fully-acknowledged entries starting at the
// current watermark, stopping at the first gap or partially-acknowledged
// entry.
func (t *Tracker) advance() {
	cursor := t.nextVersionToProcess
	for {
		current, ok := t.pending[cursor]
		if !ok || current.partialCount != t.numSinks {
			break
		}

		end := current.end
		t.nextVersionToProcess = end + 1
		t.lastSuccessVersion = &end
		t.lastSuccessTimestamp = current.lastTimestamp

		delete(t.pending, cursor)
		cursor = t.nextVersionToProcess
	}
}

func eventBelowWatermarkMsg(ev Event, watermark model.Version) string {
	kind := "CompleteBatch"
	if ev.Kind == Partial {
		kind = "PartialBatch"
	}
	return fmt.Sprintf("%s with start_version %d is less than next_version_to_process %d", kind, ev.Start, watermark)
}

func overConfirmedMsg(e *entry, numSinks uint32) string {
	return fmt.Sprintf("batch with start_version %d has been processed %d times, more than num_sinks %d", e.start, e.partialCount, numSinks)
}
