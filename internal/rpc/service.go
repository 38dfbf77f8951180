package rpc

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/signalsfoundry/tas-simulator/internal/alignment"
	"github.com/signalsfoundry/tas-simulator/internal/estimator"
	"github.com/signalsfoundry/tas-simulator/internal/executor"
	"github.com/signalsfoundry/tas-simulator/internal/instrument"
	"github.com/signalsfoundry/tas-simulator/internal/logging"
	"github.com/signalsfoundry/tas-simulator/internal/observability"
	"github.com/signalsfoundry/tas-simulator/internal/session"
	"github.com/signalsfoundry/tas-simulator/kinematics"
	"github.com/signalsfoundry/tas-simulator/model"
	"github.com/signalsfoundry/tas-simulator/scan"
	"go.opentelemetry.io/otel/attribute"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"
)

// ServiceName is the fully qualified gRPC service name.
const ServiceName = "tas.scan.v1.ScanService"

// RunScanStream is the server side of a RunScan call.
type RunScanStream interface {
	Send(*structpb.Struct) error
	grpc.ServerStream
}

// ScanServiceServer is the server API for the scan service.
type ScanServiceServer interface {
	SolveAngles(context.Context, *structpb.Struct) (*structpb.Struct, error)
	SolveQ(context.Context, *structpb.Struct) (*structpb.Struct, error)
	PlanScan(context.Context, *structpb.Struct) (*structpb.Struct, error)
	EstimateRuntime(context.Context, *structpb.Struct) (*structpb.Struct, error)
	Configure(context.Context, *structpb.Struct) (*structpb.Struct, error)
	GetState(context.Context, *structpb.Struct) (*structpb.Struct, error)
	CheckAlignment(context.Context, *structpb.Struct) (*structpb.Struct, error)
	CancelScan(context.Context, *structpb.Struct) (*structpb.Struct, error)
	ListInstruments(context.Context, *structpb.Struct) (*structpb.Struct, error)
	RunScan(*structpb.Struct, RunScanStream) error
}

var serviceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*ScanServiceServer)(nil),
	Methods: []grpc.MethodDesc{
		unary("SolveAngles", ScanServiceServer.SolveAngles),
		unary("SolveQ", ScanServiceServer.SolveQ),
		unary("PlanScan", ScanServiceServer.PlanScan),
		unary("EstimateRuntime", ScanServiceServer.EstimateRuntime),
		unary("Configure", ScanServiceServer.Configure),
		unary("GetState", ScanServiceServer.GetState),
		unary("CheckAlignment", ScanServiceServer.CheckAlignment),
		unary("CancelScan", ScanServiceServer.CancelScan),
		unary("ListInstruments", ScanServiceServer.ListInstruments),
	},
	Streams: []grpc.StreamDesc{
		{StreamName: "RunScan", Handler: runScanHandler, ServerStreams: true},
	},
	Metadata: "tas/scan/v1/scan.proto",
}

type unaryMethod func(ScanServiceServer, context.Context, *structpb.Struct) (*structpb.Struct, error)

func unary(name string, call unaryMethod) grpc.MethodDesc {
	fullMethod := "/" + ServiceName + "/" + name
	return grpc.MethodDesc{
		MethodName: name,
		Handler: func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
			in := new(structpb.Struct)
			if err := dec(in); err != nil {
				return nil, err
			}
			if interceptor == nil {
				return call(srv.(ScanServiceServer), ctx, in)
			}
			info := &grpc.UnaryServerInfo{Server: srv, FullMethod: fullMethod}
			handler := func(ctx context.Context, req any) (any, error) {
				return call(srv.(ScanServiceServer), ctx, req.(*structpb.Struct))
			}
			return interceptor(ctx, in, info, handler)
		},
	}
}

func runScanHandler(srv any, stream grpc.ServerStream) error {
	in := new(structpb.Struct)
	if err := stream.RecvMsg(in); err != nil {
		return err
	}
	return srv.(ScanServiceServer).RunScan(in, &runScanStream{stream})
}

type runScanStream struct {
	grpc.ServerStream
}

func (s *runScanStream) Send(m *structpb.Struct) error {
	return s.ServerStream.SendMsg(m)
}

// Register exposes srv on s.
func Register(s grpc.ServiceRegistrar, srv ScanServiceServer) {
	s.RegisterService(&serviceDesc, srv)
}

// Config wires a Server. Session is required; the rest are optional.
type Config struct {
	Session    *session.Session
	Controller *executor.Controller
	History    *estimator.History
	Catalog    *instrument.Catalog
	// OutputRoot is where RunScan creates batch directories. Empty means
	// points get no output directory.
	OutputRoot string
	Metrics    *observability.RPCCollector
	Logger     logging.Logger
}

// Server implements ScanServiceServer over one live session.
type Server struct {
	sess       *session.Session
	ctl        *executor.Controller
	history    *estimator.History
	catalog    *instrument.Catalog
	outputRoot string
	metrics    *observability.RPCCollector
	log        logging.Logger
}

// NewServer validates cfg and builds a Server.
func NewServer(cfg Config) (*Server, error) {
	if cfg.Session == nil {
		return nil, errors.New("rpc: session is required")
	}
	log := cfg.Logger
	if log == nil {
		log = logging.Noop()
	}
	s := &Server{
		sess:       cfg.Session,
		ctl:        cfg.Controller,
		history:    cfg.History,
		catalog:    cfg.Catalog,
		outputRoot: cfg.OutputRoot,
		metrics:    cfg.Metrics,
		log:        log,
	}
	s.updateInventory()
	return s, nil
}

// SolveAngles solves the instrument angles for a momentum or
// reciprocal-lattice point.
func (s *Server) SolveAngles(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	var req PointMessage
	if err := Decode(in, &req); err != nil {
		return nil, ToStatusError(err)
	}
	if req.Frame == "angles" {
		return nil, status.Error(codes.InvalidArgument, "SolveAngles takes a momentum or rlu point; use SolveQ for angles")
	}
	return s.solve(ctx, req)
}

// SolveQ inverts raw angles A1..A4 to momentum transfer and energy transfer.
func (s *Server) SolveQ(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	var req PointMessage
	if err := Decode(in, &req); err != nil {
		return nil, ToStatusError(err)
	}
	if req.Frame != "" && req.Frame != "angles" {
		return nil, status.Error(codes.InvalidArgument, "SolveQ takes an angles point")
	}
	req.Frame = "angles"
	return s.solve(ctx, req)
}

func (s *Server) solve(ctx context.Context, req PointMessage) (*structpb.Struct, error) {
	p, err := req.toModel()
	if err != nil {
		return nil, ToStatusError(err)
	}
	_, span := StartChildSpan(ctx, "session.resolve", attribute.String("frame", p.Frame.String()))
	res := s.sess.Resolve(p)
	span.End()

	st := s.sess.State()
	ei, ef, _ := kinematics.Energies(res.DeltaE, st.FixedEnergy, st.Mode)
	return encodeResponse(SolveResponse{
		Q:        vector(res.Q),
		DeltaE:   res.DeltaE,
		Ei:       ei,
		Ef:       ef,
		Angles:   res.Angles,
		Flags:    res.Flags.Strings(),
		Feasible: res.Feasible(),
	})
}

// PlanScan parses, builds and filters a scan without running it.
func (s *Server) PlanScan(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	var req PlanRequest
	if err := Decode(in, &req); err != nil {
		return nil, ToStatusError(err)
	}
	ctx, span := StartChildSpan(ctx, "session.plan", attribute.String("scan1", req.Scan1), attribute.String("scan2", req.Scan2))
	plan, err := s.sess.Plan(ctx, sessionRequest(req))
	span.End()
	if err != nil {
		return nil, ToStatusError(err)
	}
	return encodeResponse(planResponse(plan))
}

// EstimateRuntime predicts a batch duration from the runtime history.
func (s *Server) EstimateRuntime(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	var req EstimateRequest
	if err := Decode(in, &req); err != nil {
		return nil, ToStatusError(err)
	}
	if req.Points < 0 || req.Neutrons < 0 {
		return nil, status.Error(codes.InvalidArgument, "points and neutrons must not be negative")
	}
	inst := req.Instrument
	if inst == "" {
		inst = s.sess.State().Instrument
	}
	if s.history == nil {
		return encodeResponse(estimateResponse(estimator.Estimate{}, false, req.Points, 0))
	}
	est, ok := s.history.Estimate(inst, req.Neutrons)
	return encodeResponse(estimateResponse(est, ok, req.Points, s.history.RecordCount(inst)))
}

// Configure applies a partial instrument update atomically.
func (s *Server) Configure(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	var req ConfigureRequest
	if err := Decode(in, &req); err != nil {
		return nil, ToStatusError(err)
	}
	u := session.Update{
		Mono:        req.Mono,
		Ana:         req.Ana,
		Mode:        req.Mode,
		FixedEnergy: req.FixedEnergy,
		Focus:       req.Focus,
		Collimation: req.Collimation,
		Lattice:     req.Lattice,
		Diagnostics: req.Diagnostics,
	}
	if len(req.Params) > 0 {
		u.Params = make(map[model.Variable]float64, len(req.Params))
		for name, val := range req.Params {
			v, err := scan.Lookup(name)
			if err != nil {
				return nil, ToStatusError(err)
			}
			u.Params[v] = val
		}
	}
	if req.Point != nil {
		p, err := req.Point.toModel()
		if err != nil {
			return nil, ToStatusError(err)
		}
		u.Point = &p
	}
	if err := s.sess.Configure(ctx, u); err != nil {
		return nil, ToStatusError(err)
	}
	return s.stateResponse()
}

// GetState returns the live instrument state and template point.
func (s *Server) GetState(context.Context, *structpb.Struct) (*structpb.Struct, error) {
	return s.stateResponse()
}

func (s *Server) stateResponse() (*structpb.Struct, error) {
	return encodeResponse(StateResponse{State: s.sess.State(), Point: pointMessage(s.sess.Point())})
}

// CheckAlignment grades psi and kappa. A hash loads a new exercise first;
// Clear removes the exercise and returns an empty grade.
func (s *Server) CheckAlignment(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	var req AlignmentRequest
	if err := Decode(in, &req); err != nil {
		return nil, ToStatusError(err)
	}
	if req.Clear {
		s.sess.ClearMisalignment()
		return encodeResponse(AlignmentResponse{})
	}
	if req.Hash != "" {
		if err := s.sess.LoadMisalignment(req.Hash); err != nil {
			return nil, ToStatusError(err)
		}
		logging.FromContext(ctx, s.log).Info(ctx, "alignment exercise loaded")
	}
	res, err := s.sess.CheckAlignment()
	if err != nil {
		return nil, ToStatusError(err)
	}
	axis := func(a alignment.Axis) AlignmentAxis {
		return AlignmentAxis{Error: a.Error, Status: string(a.Status), Hint: a.Hint}
	}
	return encodeResponse(AlignmentResponse{
		InPlane:    axis(res.InPlane),
		OutOfPlane: axis(res.OutOfPlane),
		Overall:    string(res.Overall),
	})
}

// CancelScan stops the running batch after its current point.
func (s *Server) CancelScan(ctx context.Context, _ *structpb.Struct) (*structpb.Struct, error) {
	if s.ctl == nil {
		return nil, ToStatusError(session.ErrNoController)
	}
	run := s.ctl.Current()
	if run == nil {
		return nil, ToStatusError(ErrNoScan)
	}
	run.Cancel()
	logging.FromContext(ctx, s.log).Info(ctx, "scan cancellation requested", logging.String("scan_id", run.ID()))
	return encodeResponse(CancelResponse{ScanID: run.ID()})
}

// ListInstruments lists the loaded instrument definitions.
func (s *Server) ListInstruments(context.Context, *structpb.Struct) (*structpb.Struct, error) {
	active := s.sess.Definition().Name
	out := InstrumentsResponse{Active: active, Instruments: []string{active}}
	if s.catalog != nil {
		out.Instruments = s.catalog.List()
	}
	return encodeResponse(out)
}

// RunScan plans and runs a scan, streaming every controller event. The
// batch is cancelled when the client goes away.
func (s *Server) RunScan(in *structpb.Struct, stream RunScanStream) error {
	ctx := stream.Context()
	var req PlanRequest
	if err := Decode(in, &req); err != nil {
		return ToStatusError(err)
	}
	dir, err := s.batchDir(req.Name)
	if err != nil {
		return ToStatusError(err)
	}
	plan, err := s.sess.Plan(ctx, sessionRequest(req))
	if err != nil {
		return ToStatusError(err)
	}
	run, err := s.sess.Run(ctx, plan, dir)
	if err != nil {
		return ToStatusError(err)
	}

	log := logging.FromContext(ctx, s.log).With(logging.String("scan_id", run.ID()))
	log.Info(ctx, "scan started over rpc",
		logging.Int("points", len(plan.Runnable())),
		logging.String("output_dir", dir),
	)

	var sendErr error
	for ev := range run.Events() {
		if sendErr != nil {
			continue
		}
		msg, err := Encode(eventMessage(ev))
		if err == nil {
			err = stream.Send(msg)
		}
		if err != nil {
			sendErr = err
			run.Cancel()
		}
	}
	s.updateInventory()

	if sendErr != nil {
		log.Warn(ctx, "scan stream broken; batch cancelled", logging.Err(sendErr))
		if ctx.Err() != nil {
			return status.FromContextError(ctx.Err()).Err()
		}
		return ToStatusError(sendErr)
	}
	return nil
}

// batchDir resolves a batch name below the output root. Names are single
// path elements.
func (s *Server) batchDir(name string) (string, error) {
	if s.outputRoot == "" {
		return "", nil
	}
	if name == "" {
		name = "scan_" + time.Now().UTC().Format("20060102T150405")
	}
	if name == "." || name == ".." || strings.ContainsAny(name, `/\`) {
		return "", fmt.Errorf("%w: batch name %q must be a single path element", ErrInvalidRequest, name)
	}
	return filepath.Join(s.outputRoot, name), nil
}

func (s *Server) updateInventory() {
	if s.metrics == nil {
		return
	}
	records := 0
	if s.history != nil {
		for _, inst := range s.history.Instruments() {
			records += s.history.RecordCount(inst)
		}
	}
	instruments := 1
	if s.catalog != nil {
		instruments = len(s.catalog.List())
	}
	s.metrics.SetInventory(records, instruments)
}

func sessionRequest(req PlanRequest) session.Request {
	return session.Request{
		Scan1:          req.Scan1,
		Scan2:          req.Scan2,
		Relative:       scan.Relative{First: req.Relative1, Second: req.Relative2},
		Neutrons:       req.Neutrons,
		AllowConflicts: req.AllowConflicts,
	}
}

func planResponse(plan *session.Plan) PlanResponse {
	out := PlanResponse{
		Cells:         plan.Report.Total,
		Valid:         plan.Report.Valid,
		Invalid:       plan.Report.Invalid,
		Deferred:      plan.Report.Deferred,
		Is2D:          plan.Grid.Is2D(),
		Frame:         plan.Grid.Frame.String(),
		Variables:     []string{},
		EstimateKnown: plan.EstimateKnown,
		EstimateText:  estimator.FormatDuration(plan.Estimate, plan.EstimateKnown),
	}
	for _, v := range plan.Grid.Variables() {
		out.Variables = append(out.Variables, string(v))
	}
	if c := plan.Conflict; c != nil {
		out.Conflict = &ConflictMessage{
			Kind:    string(c.Kind),
			First:   string(c.First),
			Second:  string(c.Second),
			Message: c.Message,
		}
	}
	if plan.EstimateKnown {
		out.Estimate = durationJSON(plan.Estimate)
	}
	return out
}

func encodeResponse(v any) (*structpb.Struct, error) {
	out, err := Encode(v)
	if err != nil {
		return nil, status.Error(codes.Internal, err.Error())
	}
	return out, nil
}
