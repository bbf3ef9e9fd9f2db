package stream

import (
	"context"
	"encoding/json"
	"fmt"
	"io"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/encoding"
)

const (
	rawDataMethod   = "/aptos.indexer.v1.RawData/GetTransactions"
	jsonContentType = "json"
)

func init() {
	encoding.RegisterCodec(jsonCodec{})
}

// jsonCodec lets dialedClient move GetTransactionsRequest/TransactionsResponse
// over a real grpc.ClientConn without depending on generated protobuf code,
// which the transport Non-goal places out of scope. A deployment that owns
// the upstream's .proto would register the generated codec instead and
// pass its own client straight to NewGRPCTransport.
type jsonCodec struct{}

func (jsonCodec) Marshal(v interface{}) ([]byte, error)      { return json.Marshal(v) }
func (jsonCodec) Unmarshal(data []byte, v interface{}) error { return json.Unmarshal(data, v) }
func (jsonCodec) Name() string                               { return jsonContentType }

// dialedClient implements RawDataClient over a plain grpc.ClientConn using
// the generic streaming API, so GetTransactions opens a real
// server-streaming RPC without a generated stub.
type dialedClient struct {
	conn *grpc.ClientConn
}

// DialRawDataClient dials target and returns a RawDataClient/io.Closer pair
// suitable for NewGRPCTransport.
func DialRawDataClient(ctx context.Context, target string) (RawDataClient, io.Closer, error) {
	conn, err := grpc.DialContext(ctx, target,
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithDefaultCallOptions(grpc.CallContentSubtype(jsonContentType)),
	)
	if err != nil {
		return nil, nil, fmt.Errorf("stream: failed to dial upstream %s: %w", target, err)
	}
	return &dialedClient{conn: conn}, conn, nil
}

func (d *dialedClient) GetTransactions(ctx context.Context, req *GetTransactionsRequest, opts ...grpc.CallOption) (RawDataStream, error) {
	cs, err := d.conn.NewStream(ctx, &grpc.StreamDesc{StreamName: "GetTransactions", ServerStreams: true}, rawDataMethod, opts...)
	if err != nil {
		return nil, err
	}
	if err := cs.SendMsg(req); err != nil {
		return nil, err
	}
	if err := cs.CloseSend(); err != nil {
		return nil, err
	}
	return &dialedStream{stream: cs}, nil
}

type dialedStream struct {
	stream grpc.ClientStream
}

func (s *dialedStream) Recv() (*TransactionsResponse, error) {
	var resp TransactionsResponse
	if err := s.stream.RecvMsg(&resp); err != nil {
		return nil, err
	}
	return &resp, nil
}
