// Package stream implements the Stream Fetcher: a bounded producer that
// pulls Transaction Batches from an upstream transport and emits them in
// strict version order, reconnecting within a bounded budget on transient
// failure. Grounded on
// sdk/src/stream_subscriber/grpc.rs's create_fetcher_loop/get_stream, with
// the concrete gRPC wire format kept behind the Transport interface since
// transport internals are explicitly out of scope.
package stream

import (
	"context"

	"github.com/chainsync-labs/tx-indexer/pkg/model"
)

// Request describes one subscription attempt to the upstream.
type Request struct {
	StartingVersion model.Version
	EndingVersion   *model.Version // nil means "stream until the upstream closes"
	AuthToken       string
	ClientName      string
}

// BatchStream is a single subscription's stream of transaction batches.
type BatchStream interface {
	// Recv returns the next batch, or model.ErrEndOfStream when the
	// upstream has cleanly closed after delivering every requested
	// version.
	Recv(ctx context.Context) (model.Batch, error)
	Close() error
}

// Transport isolates the concrete upstream protocol (gRPC keepalive,
// headers, TLS) behind one method, matching the Non-goal in the purpose
// section: only the contract matters here, not the transport internals.
type Transport interface {
	Subscribe(ctx context.Context, req Request) (BatchStream, error)
}
