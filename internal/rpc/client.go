package rpc

import (
	"context"
	"io"

	"go.opentelemetry.io/contrib/instrumentation/google.golang.org/grpc/otelgrpc"
	"google.golang.org/grpc"
	"google.golang.org/grpc/metadata"
	"google.golang.org/protobuf/types/known/structpb"
)

// Client is a typed client for the scan service.
type Client struct {
	conn grpc.ClientConnInterface
}

// NewClient wraps an established connection.
func NewClient(conn grpc.ClientConnInterface) *Client {
	return &Client{conn: conn}
}

// Dial opens a traced connection to a scan server. Callers supply
// transport credentials through opts.
func Dial(target string, opts ...grpc.DialOption) (*grpc.ClientConn, error) {
	opts = append([]grpc.DialOption{grpc.WithStatsHandler(otelgrpc.NewClientHandler())}, opts...)
	return grpc.NewClient(target, opts...)
}

// WithRequestID tags outgoing calls with a request ID the server logs.
func WithRequestID(ctx context.Context, id string) context.Context {
	return metadata.AppendToOutgoingContext(ctx, requestIDMetadataKey, id)
}

func (c *Client) call(ctx context.Context, method string, req, resp any) error {
	in, err := Encode(req)
	if err != nil {
		return err
	}
	out := new(structpb.Struct)
	if err := c.conn.Invoke(ctx, "/"+ServiceName+"/"+method, in, out); err != nil {
		return err
	}
	return Decode(out, resp)
}

// SolveAngles solves the instrument angles for p.
func (c *Client) SolveAngles(ctx context.Context, p PointMessage) (SolveResponse, error) {
	var out SolveResponse
	err := c.call(ctx, "SolveAngles", p, &out)
	return out, err
}

// SolveQ inverts raw angles.
func (c *Client) SolveQ(ctx context.Context, p PointMessage) (SolveResponse, error) {
	var out SolveResponse
	err := c.call(ctx, "SolveQ", p, &out)
	return out, err
}

// PlanScan plans without running.
func (c *Client) PlanScan(ctx context.Context, req PlanRequest) (PlanResponse, error) {
	var out PlanResponse
	err := c.call(ctx, "PlanScan", req, &out)
	return out, err
}

// EstimateRuntime asks for a runtime prediction.
func (c *Client) EstimateRuntime(ctx context.Context, req EstimateRequest) (EstimateResponse, error) {
	var out EstimateResponse
	err := c.call(ctx, "EstimateRuntime", req, &out)
	return out, err
}

// Configure applies an update and returns the new state.
func (c *Client) Configure(ctx context.Context, req ConfigureRequest) (StateResponse, error) {
	var out StateResponse
	err := c.call(ctx, "Configure", req, &out)
	return out, err
}

// GetState returns the live state.
func (c *Client) GetState(ctx context.Context) (StateResponse, error) {
	var out StateResponse
	err := c.call(ctx, "GetState", struct{}{}, &out)
	return out, err
}

// CheckAlignment grades the current alignment offsets.
func (c *Client) CheckAlignment(ctx context.Context, req AlignmentRequest) (AlignmentResponse, error) {
	var out AlignmentResponse
	err := c.call(ctx, "CheckAlignment", req, &out)
	return out, err
}

// CancelScan stops the running batch.
func (c *Client) CancelScan(ctx context.Context) (CancelResponse, error) {
	var out CancelResponse
	err := c.call(ctx, "CancelScan", struct{}{}, &out)
	return out, err
}

// ListInstruments lists the server's instrument catalog.
func (c *Client) ListInstruments(ctx context.Context) (InstrumentsResponse, error) {
	var out InstrumentsResponse
	err := c.call(ctx, "ListInstruments", struct{}{}, &out)
	return out, err
}

// RunScan starts a scan and calls fn for every streamed event until the
// done event. Returning an error from fn stops reading and cancels the
// call, which cancels the batch on the server.
func (c *Client) RunScan(ctx context.Context, req PlanRequest, fn func(EventMessage) error) (*SummaryMessage, error) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	in, err := Encode(req)
	if err != nil {
		return nil, err
	}
	desc := &grpc.StreamDesc{StreamName: "RunScan", ServerStreams: true}
	stream, err := c.conn.NewStream(ctx, desc, "/"+ServiceName+"/RunScan")
	if err != nil {
		return nil, err
	}
	if err := stream.SendMsg(in); err != nil {
		return nil, err
	}
	if err := stream.CloseSend(); err != nil {
		return nil, err
	}

	var summary *SummaryMessage
	for {
		out := new(structpb.Struct)
		err := stream.RecvMsg(out)
		if err == io.EOF {
			return summary, nil
		}
		if err != nil {
			return summary, err
		}
		var ev EventMessage
		if err := Decode(out, &ev); err != nil {
			return summary, err
		}
		if ev.Summary != nil {
			summary = ev.Summary
		}
		if fn != nil {
			if err := fn(ev); err != nil {
				return summary, err
			}
		}
	}
}
