package stream

import (
	"context"
	"fmt"
	"io"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/chainsync-labs/tx-indexer/pkg/model"
)

// RawDataClient is the contract this repo needs from a generated protobuf
// stub. Protobuf codegen itself is out of scope (the transport Non-goal in
// spec §1); only this shape matters, grounded on RawDataClient::connect and
// its GetTransactionsRequest/TransactionsResponse pair in grpc.rs. A real
// deployment supplies its generated client as an implementation of this
// interface; GRPCTransport only depends on the contract.
type RawDataClient interface {
	GetTransactions(ctx context.Context, req *GetTransactionsRequest, opts ...grpc.CallOption) (RawDataStream, error)
}

// GetTransactionsRequest mirrors the upstream's request shape from the
// external interfaces section: starting version, optional count, auth
// token, and client name.
type GetTransactionsRequest struct {
	StartingVersion   model.Version
	TransactionsCount *uint64
	AuthToken         string
	ClientName        string
}

// RawDataStream is the server-streaming response handle.
type RawDataStream interface {
	Recv() (*TransactionsResponse, error)
}

// TransactionsResponse mirrors one item of the upstream's stream: a chain
// id plus the batch of transactions it carries.
type TransactionsResponse struct {
	ChainID      model.ChainID
	Transactions []model.Transaction
}

// GRPCTransport is the one concrete Transport implementation. It wraps a
// caller-supplied RawDataClient rather than dialing one itself, since
// generating and configuring that client (TLS, keepalive, codegen) is
// transport plumbing the spec places out of scope.
type GRPCTransport struct {
	client     RawDataClient
	conn       io.Closer
	authToken  string
	clientName string
}

// NewGRPCTransport builds a Transport around an already-dialed client.
func NewGRPCTransport(client RawDataClient, conn io.Closer, authToken, clientName string) *GRPCTransport {
	return &GRPCTransport{client: client, conn: conn, authToken: authToken, clientName: clientName}
}

func (t *GRPCTransport) Subscribe(ctx context.Context, req Request) (BatchStream, error) {
	grpcReq := &GetTransactionsRequest{
		StartingVersion: req.StartingVersion,
		AuthToken:       t.authToken,
		ClientName:      t.clientName,
	}
	if req.EndingVersion != nil {
		count := uint64(*req.EndingVersion-req.StartingVersion) + 1
		grpcReq.TransactionsCount = &count
	}

	stream, err := t.client.GetTransactions(ctx, grpcReq)
	if err != nil {
		return nil, classifyUpstreamError(err)
	}

	return &grpcBatchStream{stream: stream}, nil
}

// grpcBatchStream adapts the generated stream's Recv to BatchStream's
// model.Batch-returning contract. It owns no connection of its own — the
// Transport's conn is shared across subscriptions and closed once by
// cmd/indexer at shutdown, not per-stream, matching grpc.rs reusing one
// channel across reconnects within a fetcher's lifetime.
type grpcBatchStream struct {
	stream RawDataStream
}

func (s *grpcBatchStream) Recv(ctx context.Context) (model.Batch, error) {
	resp, err := s.stream.Recv()
	if err == io.EOF {
		return model.Batch{}, model.ErrEndOfStream
	}
	if err != nil {
		return model.Batch{}, classifyUpstreamError(err)
	}
	if len(resp.Transactions) == 0 {
		return model.Batch{}, fmt.Errorf("stream: received empty transaction batch")
	}

	first := resp.Transactions[0].Version
	last := resp.Transactions[len(resp.Transactions)-1].Version
	return model.Batch{
		ChainID:      resp.ChainID,
		Transactions: resp.Transactions,
		FirstVersion: first,
		LastVersion:  last,
	}, nil
}

func (s *grpcBatchStream) Close() error { return nil }

// classifyUpstreamError distinguishes a permanent upstream failure (auth,
// invalid argument — fatal per the error taxonomy, never reconnect-eligible)
// from a transient one (timeout, unavailable — reconnect-eligible). The
// permanent case is reported as a *model.PermanentUpstreamError so the
// Fetcher can detect it with errors.As instead of matching message text.
func classifyUpstreamError(err error) error {
	switch status.Code(err) {
	case codes.Unauthenticated, codes.PermissionDenied, codes.InvalidArgument:
		return &model.PermanentUpstreamError{Cause: err}
	default:
		return fmt.Errorf("stream: transient upstream error: %w", err)
	}
}
