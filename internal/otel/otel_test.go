package otel

import (
	"bytes"
	"context"
	"testing"
	"time"

	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
)

func TestInit_Disabled(t *testing.T) {
	p, err := Init(context.Background(), Config{Enabled: false})
	if err != nil {
		t.Fatalf("Init disabled: %v", err)
	}
	defer p.Shutdown(context.Background())

	if p.Tracer == nil || p.Meter == nil {
		t.Fatal("expected noop tracer and meter")
	}
	if p.TracerProvider != nil {
		t.Fatal("disabled provider should not build an sdk tracer provider")
	}
}

func TestInit_StdoutExporter(t *testing.T) {
	var buf bytes.Buffer
	p, err := initWithWriter(context.Background(), Config{Enabled: true, Exporter: "stdout"}, &buf)
	if err != nil {
		t.Fatalf("Init stdout: %v", err)
	}
	_, span := StartSpan(context.Background(), p.Tracer, "append", AttrProject.String("proj"))
	span.End()
	if err := p.Shutdown(context.Background()); err != nil {
		t.Fatalf("Shutdown: %v", err)
	}
	if !bytes.Contains(buf.Bytes(), []byte(`"append"`)) {
		t.Fatalf("expected exported span, got %q", buf.String())
	}
}

func TestInit_UnknownExporter(t *testing.T) {
	if _, err := Init(context.Background(), Config{Enabled: true, Exporter: "carrier-pigeon"}); err == nil {
		t.Fatal("expected error for unknown exporter")
	}
}

func TestNilMetricsIsNoop(t *testing.T) {
	var m *Metrics
	ctx := context.Background()
	m.RecordAppend(ctx, "agent_registered", time.Millisecond)
	m.RecordLockWait(ctx, time.Millisecond, true)
	m.RecordConflicts(ctx, 3)
	m.RecordRequest(ctx, "/v1/query", time.Millisecond)
	m.RecordHealth(ctx, false)
	m.AddOpenTx(ctx, 1)
}

func TestMetricsRecordAppend(t *testing.T) {
	reader := sdkmetric.NewManualReader()
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	defer mp.Shutdown(context.Background())

	m, err := NewMetrics(mp.Meter(ScopeName))
	if err != nil {
		t.Fatalf("NewMetrics: %v", err)
	}
	ctx := context.Background()
	m.RecordAppend(ctx, "file_reserved", 2*time.Millisecond)
	m.RecordAppend(ctx, "file_reserved", 3*time.Millisecond)

	var rm metricdata.ResourceMetrics
	if err := reader.Collect(ctx, &rm); err != nil {
		t.Fatalf("collect: %v", err)
	}
	var total int64
	for _, sm := range rm.ScopeMetrics {
		for _, md := range sm.Metrics {
			if md.Name != "interlock.events.appended" {
				continue
			}
			sum, ok := md.Data.(metricdata.Sum[int64])
			if !ok {
				t.Fatalf("unexpected data type %T", md.Data)
			}
			for _, dp := range sum.DataPoints {
				total += dp.Value
			}
		}
	}
	if total != 2 {
		t.Fatalf("expected 2 appended events, got %d", total)
	}
}
