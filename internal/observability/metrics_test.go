package observability

import (
	"bytes"
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	dto "github.com/prometheus/client_model/go"
	"go.opentelemetry.io/otel"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
)

func TestUnaryInterceptorRecordsMetrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	collector, err := NewRPCCollector(reg)
	if err != nil {
		t.Fatalf("NewRPCCollector: %v", err)
	}

	interceptor := collector.UnaryServerInterceptor()
	info := &grpc.UnaryServerInfo{FullMethod: "/tas.scan.v1.ScanService/PlanScan"}

	_, err = interceptor(context.Background(), struct{}{}, info, func(ctx context.Context, req interface{}) (interface{}, error) {
		time.Sleep(10 * time.Millisecond)
		return "ok", nil
	})
	if err != nil {
		t.Fatalf("interceptor handler returned error: %v", err)
	}

	if got := testutil.ToFloat64(collector.RPCRequests.WithLabelValues("ScanService", "PlanScan", "OK")); got != 1 {
		t.Fatalf("tas_rpc_requests_total = %v, want 1", got)
	}
	if count := histogramSampleCount(t, reg, "tas_rpc_request_duration_seconds", map[string]string{
		"service": "ScanService",
		"method":  "PlanScan",
	}); count != 1 {
		t.Fatalf("tas_rpc_request_duration_seconds sample_count = %d, want 1", count)
	}
}

func TestUnaryInterceptorRecordsErrorCode(t *testing.T) {
	reg := prometheus.NewRegistry()
	collector, err := NewRPCCollector(reg)
	if err != nil {
		t.Fatalf("NewRPCCollector: %v", err)
	}

	interceptor := collector.UnaryServerInterceptor()
	info := &grpc.UnaryServerInfo{FullMethod: "/tas.scan.v1.ScanService/Configure"}

	_, _ = interceptor(context.Background(), struct{}{}, info, func(ctx context.Context, req interface{}) (interface{}, error) {
		return nil, status.Error(codes.InvalidArgument, "boom")
	})

	if got := testutil.ToFloat64(collector.RPCRequests.WithLabelValues("ScanService", "Configure", "InvalidArgument")); got != 1 {
		t.Fatalf("tas_rpc_requests_total error label = %v, want 1", got)
	}
}

type fakeStream struct {
	ctx context.Context
}

func (f fakeStream) SetHeader(metadata.MD) error  { return nil }
func (f fakeStream) SendHeader(metadata.MD) error { return nil }
func (f fakeStream) SetTrailer(metadata.MD)       {}
func (f fakeStream) Context() context.Context     { return f.ctx }
func (f fakeStream) SendMsg(interface{}) error    { return nil }
func (f fakeStream) RecvMsg(interface{}) error    { return nil }

func TestStreamInterceptorTracksOpenStreams(t *testing.T) {
	reg := prometheus.NewRegistry()
	collector, err := NewRPCCollector(reg)
	if err != nil {
		t.Fatalf("NewRPCCollector: %v", err)
	}

	interceptor := collector.StreamServerInterceptor()
	info := &grpc.StreamServerInfo{FullMethod: "/tas.scan.v1.ScanService/RunScan", IsServerStream: true}
	open := collector.RPCStreams.WithLabelValues("ScanService", "RunScan")

	err = interceptor(nil, fakeStream{ctx: context.Background()}, info, func(srv interface{}, ss grpc.ServerStream) error {
		if got := testutil.ToFloat64(open); got != 1 {
			t.Errorf("open streams during handler = %v, want 1", got)
		}
		return status.Error(codes.Canceled, "stopped")
	})
	if status.Code(err) != codes.Canceled {
		t.Fatalf("err = %v, want Canceled", err)
	}
	if got := testutil.ToFloat64(open); got != 0 {
		t.Fatalf("open streams after handler = %v, want 0", got)
	}
	if got := testutil.ToFloat64(collector.RPCRequests.WithLabelValues("ScanService", "RunScan", "Canceled")); got != 1 {
		t.Fatalf("tas_rpc_requests_total = %v, want 1", got)
	}
}

func TestMetricsHandlerExposesInventoryGauges(t *testing.T) {
	reg := prometheus.NewRegistry()
	collector, err := NewRPCCollector(reg)
	if err != nil {
		t.Fatalf("NewRPCCollector: %v", err)
	}
	collector.SetInventory(37, 2)
	collector.RPCRequests.WithLabelValues("svc", "method", "OK").Inc()
	collector.RPCDurations.WithLabelValues("svc", "method").Observe(0.01)

	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	rr := httptest.NewRecorder()
	collector.Handler().ServeHTTP(rr, req)

	if rr.Code != http.StatusOK {
		t.Fatalf("/metrics status = %d, want 200", rr.Code)
	}
	body := rr.Body.String()
	for _, line := range []string{
		"tas_runtime_history_records 37",
		"tas_catalog_instruments 2",
		"tas_rpc_requests_total",
		"tas_rpc_request_duration_seconds",
	} {
		if !strings.Contains(body, line) {
			t.Fatalf("expected %q in /metrics output:\n%s", line, body)
		}
	}
}

func TestRegisteringTwiceReusesCollectors(t *testing.T) {
	reg := prometheus.NewRegistry()
	first, err := NewRPCCollector(reg)
	if err != nil {
		t.Fatalf("NewRPCCollector: %v", err)
	}
	second, err := NewRPCCollector(reg)
	if err != nil {
		t.Fatalf("second NewRPCCollector: %v", err)
	}
	second.RPCRequests.WithLabelValues("svc", "m", "OK").Inc()
	if got := testutil.ToFloat64(first.RPCRequests.WithLabelValues("svc", "m", "OK")); got != 1 {
		t.Fatalf("shared counter = %v, want 1", got)
	}
}

func TestScanCollector(t *testing.T) {
	reg := prometheus.NewRegistry()
	c, err := NewScanCollector(reg)
	if err != nil {
		t.Fatalf("NewScanCollector: %v", err)
	}

	c.BatchStarted()
	if got := testutil.ToFloat64(c.BatchesRunning); got != 1 {
		t.Fatalf("running = %v, want 1", got)
	}
	c.PointFinished("success", 2*time.Second)
	c.PointFinished("failure", time.Second)
	c.PointFinished("skipped", 0)
	c.BatchFinished("completed", 3*time.Second)

	if got := testutil.ToFloat64(c.BatchesRunning); got != 0 {
		t.Fatalf("running = %v, want 0", got)
	}
	if got := testutil.ToFloat64(c.BatchesTotal.WithLabelValues("completed")); got != 1 {
		t.Fatalf("batches completed = %v, want 1", got)
	}
	for outcome, want := range map[string]float64{"success": 1, "failure": 1, "skipped": 1} {
		if got := testutil.ToFloat64(c.PointsTotal.WithLabelValues(outcome)); got != want {
			t.Fatalf("points %s = %v, want %v", outcome, got, want)
		}
	}
	if count := histogramSampleCount(t, c.Gatherer(), "tas_scan_point_duration_seconds", nil); count != 2 {
		t.Fatalf("point duration samples = %d, want 2 (skipped points are not timed)", count)
	}
}

func TestNilScanCollectorIsSafe(t *testing.T) {
	var c *ScanCollector
	c.BatchStarted()
	c.PointFinished("success", time.Second)
	c.BatchFinished("failed", time.Second)
}

func TestTracingConfigFromEnv(t *testing.T) {
	t.Setenv("TAS_TRACING_ENABLED", "TRUE")
	t.Setenv("TAS_TRACING_EXPORTER", "OTLP")
	t.Setenv("TAS_TRACING_SAMPLE_RATIO", "0.25")
	t.Setenv("TAS_TRACING_ENDPOINT", "collector:4317")
	t.Setenv("TAS_TRACING_SERVICE_NAME", "")

	cfg, err := TracingConfigFromEnv("tas-worker")
	if err != nil {
		t.Fatalf("TracingConfigFromEnv: %v", err)
	}
	if !cfg.Enabled || cfg.Exporter != ExporterOTLP || cfg.Endpoint != "collector:4317" {
		t.Fatalf("unexpected config %+v", cfg)
	}
	if cfg.SampleRatio != 0.25 {
		t.Fatalf("sample ratio = %v, want 0.25", cfg.SampleRatio)
	}
	if cfg.ServiceName != "tas-worker" {
		t.Fatalf("service name = %q, want the caller default", cfg.ServiceName)
	}

	t.Setenv("TAS_TRACING_SERVICE_NAME", "puma-worker")
	if cfg, _ := TracingConfigFromEnv("tas-worker"); cfg.ServiceName != "puma-worker" {
		t.Fatalf("service name = %q, want override", cfg.ServiceName)
	}
}

func TestTracingConfigRejectsBadSettings(t *testing.T) {
	t.Setenv("TAS_TRACING_ENABLED", "true")
	t.Setenv("TAS_TRACING_SAMPLE_RATIO", "2")
	if _, err := TracingConfigFromEnv("tas-server"); err == nil {
		t.Fatal("expected out of range ratio to fail")
	}
	t.Setenv("TAS_TRACING_SAMPLE_RATIO", "half")
	if _, err := TracingConfigFromEnv("tas-server"); err == nil {
		t.Fatal("expected unparsable ratio to fail")
	}

	cfg := TracingConfig{Enabled: true, ServiceName: "tas-server", Exporter: "zipkin", SampleRatio: 1}
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected unsupported exporter error")
	}
	if _, err := InitTracing(context.Background(), cfg, nil); err == nil {
		t.Fatal("InitTracing accepted an invalid config")
	}
}

func TestInitTracingDisabled(t *testing.T) {
	shutdown, err := InitTracing(context.Background(), TracingConfig{}, nil)
	if err != nil {
		t.Fatalf("InitTracing: %v", err)
	}
	if err := shutdown(context.Background()); err != nil {
		t.Fatalf("shutdown: %v", err)
	}
}

func TestInitTracingStdoutExportsSpans(t *testing.T) {
	var buf bytes.Buffer
	cfg := TracingConfig{
		Enabled:     true,
		ServiceName: "tas-scan",
		Instrument:  "PUMA",
		Exporter:    ExporterStdout,
		SampleRatio: 1,
		Output:      &buf,
	}
	shutdown, err := InitTracing(context.Background(), cfg, nil)
	if err != nil {
		t.Fatalf("InitTracing: %v", err)
	}
	defer InitTracing(context.Background(), TracingConfig{}, nil)

	_, span := otel.Tracer("test").Start(context.Background(), "scan.point")
	span.End()
	ShutdownWithTimeout(context.Background(), shutdown, nil)

	out := buf.String()
	if !strings.Contains(out, "scan.point") || !strings.Contains(out, "PUMA") {
		t.Fatalf("span not exported with instrument attribute:\n%s", out)
	}
}

func histogramSampleCount(t *testing.T, gatherer prometheus.Gatherer, name string, labels map[string]string) uint64 {
	t.Helper()

	metrics, err := gatherer.Gather()
	if err != nil {
		t.Fatalf("gather metrics: %v", err)
	}
	for _, mf := range metrics {
		if mf.GetName() != name {
			continue
		}
		for _, m := range mf.Metric {
			if matchLabels(m.GetLabel(), labels) && m.GetHistogram() != nil {
				return m.GetHistogram().GetSampleCount()
			}
		}
	}
	return 0
}

func matchLabels(got []*dto.LabelPair, want map[string]string) bool {
	if len(got) < len(want) {
		return false
	}
	matched := 0
	for _, lp := range got {
		if val, ok := want[lp.GetName()]; ok && val == lp.GetValue() {
			matched++
		}
	}
	return matched == len(want)
}
