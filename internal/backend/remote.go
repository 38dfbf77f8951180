package backend

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/signalsfoundry/tas-simulator/internal/logging"
	"go.opentelemetry.io/contrib/instrumentation/google.golang.org/grpc/otelgrpc"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"
)

const (
	serviceName = "tas.backend.v1.SimulationBackend"
	runMethod   = "/" + serviceName + "/Run"
)

// SimulationBackendServer is the server side of the remote backend service.
type SimulationBackendServer interface {
	Run(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error)
}

var serviceDesc = grpc.ServiceDesc{
	ServiceName: serviceName,
	HandlerType: (*SimulationBackendServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "Run", Handler: runHandler},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "tas/backend/v1/backend.proto",
}

func runHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(structpb.Struct)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(SimulationBackendServer).Run(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: runMethod}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(SimulationBackendServer).Run(ctx, req.(*structpb.Struct))
	}
	return interceptor(ctx, in, info, handler)
}

// RegisterServer exposes b on s as the remote backend service.
func RegisterServer(s grpc.ServiceRegistrar, b Backend, log logging.Logger) {
	if log == nil {
		log = logging.Noop()
	}
	s.RegisterService(&serviceDesc, &server{backend: b, log: log})
}

type server struct {
	backend Backend
	log     logging.Logger
}

func (s *server) Run(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	req, err := requestFromStruct(in)
	if err != nil {
		return nil, status.Error(codes.InvalidArgument, err.Error())
	}
	log := logging.FromContext(ctx, s.log)
	res, err := s.backend.Run(ctx, req)
	if err != nil {
		log.Warn(ctx, "backend run failed", logging.String("output_dir", req.OutputDir), logging.Err(err))
		return nil, status.Error(codes.Internal, err.Error())
	}
	out, err := resultToStruct(res)
	if err != nil {
		return nil, status.Error(codes.Internal, err.Error())
	}
	return out, nil
}

// Remote is a Backend that forwards each point to a remote worker.
type Remote struct {
	conn grpc.ClientConnInterface
}

// NewRemote wraps an established client connection.
func NewRemote(conn grpc.ClientConnInterface) *Remote {
	return &Remote{conn: conn}
}

// Dial opens a traced client connection to a remote worker. Callers
// supply transport credentials through opts.
func Dial(target string, opts ...grpc.DialOption) (*grpc.ClientConn, error) {
	opts = append([]grpc.DialOption{grpc.WithStatsHandler(otelgrpc.NewClientHandler())}, opts...)
	return grpc.NewClient(target, opts...)
}

// Run invokes the remote worker. Transport failures are returned as errors.
func (r *Remote) Run(ctx context.Context, req Request) (Result, error) {
	in, err := requestToStruct(req)
	if err != nil {
		return Result{}, err
	}
	out := new(structpb.Struct)
	if err := r.conn.Invoke(ctx, runMethod, in, out); err != nil {
		return Result{}, fmt.Errorf("remote backend: %w", err)
	}
	return resultFromStruct(out), nil
}

func requestToStruct(req Request) (*structpb.Struct, error) {
	cfg, err := toMap(req.Config)
	if err != nil {
		return nil, err
	}
	return structpb.NewStruct(map[string]any{
		"config":        cfg,
		"neutrons":      float64(req.Neutrons),
		"output_dir":    req.OutputDir,
		"first_compile": req.FirstCompile,
	})
}

func requestFromStruct(s *structpb.Struct) (Request, error) {
	fields := s.GetFields()
	cfgValue, ok := fields["config"]
	if !ok || cfgValue.GetStructValue() == nil {
		return Request{}, fmt.Errorf("config is required")
	}
	var cfg Config
	if err := fromMap(cfgValue.GetStructValue().AsMap(), &cfg); err != nil {
		return Request{}, fmt.Errorf("decode config: %w", err)
	}
	return Request{
		Config:       cfg,
		Neutrons:     int64(fields["neutrons"].GetNumberValue()),
		OutputDir:    fields["output_dir"].GetStringValue(),
		FirstCompile: fields["first_compile"].GetBoolValue(),
	}, nil
}

func resultToStruct(res Result) (*structpb.Struct, error) {
	diag := res.Diagnostics
	if diag == nil {
		diag = map[string]any{}
	}
	return structpb.NewStruct(map[string]any{
		"success":     res.Success,
		"counts":      res.Counts,
		"diagnostics": diag,
		"error":       res.Error,
	})
}

func resultFromStruct(s *structpb.Struct) Result {
	fields := s.GetFields()
	res := Result{
		Success: fields["success"].GetBoolValue(),
		Counts:  fields["counts"].GetNumberValue(),
		Error:   fields["error"].GetStringValue(),
	}
	if d := fields["diagnostics"].GetStructValue(); d != nil && len(d.GetFields()) > 0 {
		res.Diagnostics = d.AsMap()
	}
	return res
}

// toMap converts v to the generic form structpb accepts by way of its JSON
// encoding.
func toMap(v any) (map[string]any, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	var m map[string]any
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, err
	}
	return m, nil
}

func fromMap(m map[string]any, v any) error {
	data, err := json.Marshal(m)
	if err != nil {
		return err
	}
	return json.Unmarshal(data, v)
}
