package tracker

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/chainsync-labs/tx-indexer/pkg/model"
)

// TestCompleteBatchHappyPath reproduces scenario S1: num_sinks=1, next=0,
// Complete(0,99) then Complete(100,199).
func TestCompleteBatchHappyPath(t *testing.T) {
	tr := New(0, 1)

	res, err := tr.Process(Event{Kind: Complete, Start: 0, End: 99})
	require.NoError(t, err)
	require.Equal(t, uint64(100), res.NextVersionToProcess)
	require.NotNil(t, res.LastSuccessVersion)
	require.Equal(t, uint64(99), *res.LastSuccessVersion)
	require.Equal(t, uint64(0), res.NumGaps)

	res, err = tr.Process(Event{Kind: Complete, Start: 100, End: 199})
	require.NoError(t, err)
	require.Equal(t, uint64(200), res.NextVersionToProcess)
	require.Equal(t, uint64(199), *res.LastSuccessVersion)
	require.Equal(t, uint64(0), res.NumGaps)
}

// TestOutOfOrderCompleteBatchesFillGap reproduces scenario S2: ten
// out-of-order complete batches starting at 100, then the batch that fills
// the gap at 0, which must resolve the entire chain at once.
func TestOutOfOrderCompleteBatchesFillGap(t *testing.T) {
	tr := New(0, 1)

	for i := uint64(1); i <= 10; i++ {
		res, err := tr.Process(Event{Kind: Complete, Start: i * 100, End: i*100 + 99})
		require.NoError(t, err)
		require.Equal(t, i, res.NumGaps)
		require.Equal(t, uint64(0), res.NextVersionToProcess)
		require.Nil(t, res.LastSuccessVersion)
	}

	res, err := tr.Process(Event{Kind: Complete, Start: 0, End: 99})
	require.NoError(t, err)
	require.Equal(t, uint64(0), res.NumGaps)
	require.Equal(t, uint64(1100), res.NextVersionToProcess)
	require.NotNil(t, res.LastSuccessVersion)
	require.Equal(t, uint64(1099), *res.LastSuccessVersion)
}

// TestPartialFanIn reproduces scenario S3: num_sinks=5, four partials per
// range held back, then the fifth resolving each range in turn.
func TestPartialFanIn(t *testing.T) {
	tr := New(0, 5)

	for i := uint64(0); i < 10; i++ {
		for n := uint64(0); n < 4; n++ {
			res, err := tr.Process(Event{Kind: Partial, Start: i * 100, End: i*100 + 99})
			require.NoError(t, err)
			require.Equal(t, i+1, res.NumGaps)
			require.Equal(t, uint64(0), res.NextVersionToProcess)
			require.Nil(t, res.LastSuccessVersion)
		}
	}

	for i := uint64(0); i < 10; i++ {
		res, err := tr.Process(Event{Kind: Partial, Start: i * 100, End: i*100 + 99})
		require.NoError(t, err)
		require.Equal(t, 10-i-1, res.NumGaps)
		require.Equal(t, (i+1)*100, res.NextVersionToProcess)
		require.NotNil(t, res.LastSuccessVersion)
		require.Equal(t, i*100+99, *res.LastSuccessVersion)
	}
}

// TestStaleAckIsRejected covers the "Reject any event whose start <
// next_version_to_process" rule and the tracker-invariant error taxonomy.
func TestStaleAckIsRejected(t *testing.T) {
	tr := New(0, 1)

	_, err := tr.Process(Event{Kind: Complete, Start: 0, End: 99})
	require.NoError(t, err)

	_, err = tr.Process(Event{Kind: Complete, Start: 0, End: 99})
	require.Error(t, err)

	var invariantErr *model.TrackerInvariantError
	require.ErrorAs(t, err, &invariantErr)
}

// TestPartialOverConfirmationIsFatal covers "if the count ever exceeds
// num_sinks, fail". The range starts above the watermark so the first
// partial stays pending instead of being popped, and the second one hits
// the over-confirmation check rather than the stale-start check.
func TestPartialOverConfirmationIsFatal(t *testing.T) {
	tr := New(0, 1)

	_, err := tr.Process(Event{Kind: Partial, Start: 100, End: 199})
	require.NoError(t, err)

	_, err = tr.Process(Event{Kind: Partial, Start: 100, End: 199})
	require.Error(t, err)
	require.Contains(t, err.Error(), "more than num_sinks")
}

// TestMonotoneWatermark covers invariant 1: last_success_version never
// decreases across any sequence of events.
func TestMonotoneWatermark(t *testing.T) {
	tr := New(0, 1)
	var prev uint64

	events := []Event{
		{Kind: Complete, Start: 200, End: 299},
		{Kind: Complete, Start: 0, End: 99},
		{Kind: Complete, Start: 100, End: 199},
	}

	for _, ev := range events {
		res, err := tr.Process(ev)
		require.NoError(t, err)
		if res.LastSuccessVersion != nil {
			require.GreaterOrEqual(t, *res.LastSuccessVersion, prev)
			prev = *res.LastSuccessVersion
		}
	}

	require.Equal(t, uint64(299), prev)
}
