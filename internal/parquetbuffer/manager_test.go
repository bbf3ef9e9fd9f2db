package parquetbuffer

import (
	"context"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/chainsync-labs/tx-indexer/pkg/model"
)

// fakeUploader records every Upload call without touching real object
// storage. Row sizes come from rowSize's fixed 256-bytes-per-row estimate,
// so the threshold math in the tests below is exact.
type fakeUploader struct {
	uploads [][]model.Row
}

func (f *fakeUploader) Upload(ctx context.Context, table string, rows []model.Row, meta model.BatchMetadata, counter uint64) (string, error) {
	cp := make([]model.Row, len(rows))
	copy(cp, rows)
	f.uploads = append(f.uploads, cp)
	return "", nil
}

type fakeNotifier struct {
	events []TrackerEvent
}

func (f *fakeNotifier) Process(ev TrackerEvent) error {
	f.events = append(f.events, ev)
	return nil
}

func rowsOfSize(n int) []model.Row {
	rows := make([]model.Row, n)
	for i := range rows {
		rows[i] = model.Row{Table: "t", Record: i}
	}
	return rows
}

// TestFlushBeforeSplit reproduces the shape of scenario S5, scaled to the
// fixed 256-bytes-per-row estimate with MaxBufferBytes=300: b1 of 1 row
// stays under threshold; b2 of 1 more row would cross it, so b1 flushes
// first.
func TestFlushBeforeSplit(t *testing.T) {
	uploader := &fakeUploader{}
	notifier := &fakeNotifier{}
	mgr := New(Config{MaxBufferBytes: 300}, uploader, notifier, nil, zerolog.Nop())

	b1 := rowsOfSize(1) // 256 bytes, under 300
	require.NoError(t, mgr.Append(context.Background(), "events", b1, model.BatchMetadata{FirstVersion: 0, LastVersion: 9}))
	require.Empty(t, uploader.uploads, "no flush expected after b1")

	b2 := rowsOfSize(1) // 256 + 256 = 512 > 300, must flush b1 first
	require.NoError(t, mgr.Append(context.Background(), "events", b2, model.BatchMetadata{FirstVersion: 10, LastVersion: 19}))

	require.Len(t, uploader.uploads, 1, "exactly one flush, containing only b1")
	require.Len(t, uploader.uploads[0], 1)

	buf := mgr.buffers["events"]
	require.Equal(t, model.Version(10), buf.firstVersion, "buffer holds only b2 after the flush")
	require.True(t, buf.hasContent)

	require.Len(t, notifier.events, 1)
	require.Equal(t, model.Version(0), notifier.events[0].Start)
	require.Equal(t, model.Version(9), notifier.events[0].End)
}

func TestCleanupFlushesRemainingBuffers(t *testing.T) {
	uploader := &fakeUploader{}
	notifier := &fakeNotifier{}
	mgr := New(Config{MaxBufferBytes: 10_000}, uploader, notifier, nil, zerolog.Nop())

	require.NoError(t, mgr.Append(context.Background(), "events", rowsOfSize(3), model.BatchMetadata{FirstVersion: 0, LastVersion: 2}))
	require.Empty(t, uploader.uploads)

	require.NoError(t, mgr.Cleanup(context.Background()))
	require.Len(t, uploader.uploads, 1)
	require.Len(t, notifier.events, 1)
}

func TestIndependentTablesDoNotInterfere(t *testing.T) {
	uploader := &fakeUploader{}
	mgr := New(Config{MaxBufferBytes: 300}, uploader, &fakeNotifier{}, nil, zerolog.Nop())

	require.NoError(t, mgr.Append(context.Background(), "events", rowsOfSize(1), model.BatchMetadata{FirstVersion: 0, LastVersion: 0}))
	require.NoError(t, mgr.Append(context.Background(), "resources", rowsOfSize(1), model.BatchMetadata{FirstVersion: 0, LastVersion: 0}))

	require.Empty(t, uploader.uploads, "neither table crossed its own threshold")
	require.Len(t, mgr.buffers, 2)
}
