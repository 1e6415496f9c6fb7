package internal

import (
	"context"
	"encoding/base64"
	"fmt"
	"net/url"
	"runtime/trace"

	"go.opentelemetry.io/contrib/propagators/jaeger"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	tracesdk "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.17.0"
	otrace "go.opentelemetry.io/otel/trace"
)

const tracerName = "room-directory"

// Span attribute keys for directory requests.
const (
	attrServer     = attribute.Key("directory.server")
	attrSince      = attribute.Key("directory.since")
	attrSearchTerm = attribute.Key("directory.search_term")
	attrNetwork    = attribute.Key("directory.network")
	attrNumRooms   = attribute.Key("directory.rooms_returned")
	attrNextBatch  = attribute.Key("directory.next_batch")
	attrRoom       = attribute.Key("directory.room")
)

// AttrRoom tags a span with the room ID or alias it acts on.
func AttrRoom(roomIDOrAlias string) attribute.KeyValue {
	return attrRoom.String(roomIDOrAlias)
}

// requestAttributes returns the directory request parameters stored by SetRequestContextParams.
func requestAttributes(ctx context.Context) []attribute.KeyValue {
	d, ok := ctx.Value(ctxData).(*data)
	if !ok {
		return nil
	}
	var attrs []attribute.KeyValue
	if d.server != "" {
		attrs = append(attrs, attrServer.String(d.server))
	}
	if d.since != "" {
		attrs = append(attrs, attrSince.String(d.since))
	}
	if d.searchTerm != "" {
		attrs = append(attrs, attrSearchTerm.String(d.searchTerm))
	}
	if d.network != "" {
		attrs = append(attrs, attrNetwork.String(d.network))
	}
	return attrs
}

// annotateResponse records what a directory page returned on the span in ctx.
func annotateResponse(ctx context.Context, numRooms int, nextBatch string) {
	otrace.SpanFromContext(ctx).SetAttributes(
		attrNumRooms.Int(numRooms),
		attrNextBatch.String(nextBatch),
	)
}

// Task is a runtime/trace task and an OTLP span which start and end together.
type Task struct {
	t *trace.Task
	o otrace.Span
}

func (s *Task) End() {
	s.t.End()
	s.o.End()
}

// Fail marks the span as failed. End must still be called.
func (s *Task) Fail(err error) {
	s.o.RecordError(err)
	s.o.SetStatus(codes.Error, err.Error())
}

// Span is a runtime/trace region and an OTLP span, for work nested inside a Task.
type Span struct {
	region *trace.Region
	span   otrace.Span
}

func (s *Span) End() {
	s.region.End()
	s.span.End()
}

func (s *Span) Fail(err error) {
	s.span.RecordError(err)
	s.span.SetStatus(codes.Error, err.Error())
}

// Logf adds an event to the span in ctx and the runtime trace.
func Logf(ctx context.Context, category, format string, args ...interface{}) {
	trace.Logf(ctx, category, format, args...)
	otrace.SpanFromContext(ctx).AddEvent(fmt.Sprintf(format, args...), otrace.WithAttributes(
		attribute.String("category", category),
	))
}

// StartSpan starts a span in the task of ctx. Directory request parameters in ctx are added as
// attributes, along with attrs.
func StartSpan(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, *Span) {
	region := trace.StartRegion(ctx, name)
	newCtx, ospan := otel.Tracer(tracerName).Start(ctx, name,
		otrace.WithAttributes(append(requestAttributes(ctx), attrs...)...),
	)
	return newCtx, &Span{
		region: region,
		span:   ospan,
	}
}

// StartTask starts a new task. Directory request parameters in ctx are added as attributes,
// along with attrs.
func StartTask(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, *Task) {
	ctx, task := trace.NewTask(ctx, name)
	newCtx, ospan := otel.Tracer(tracerName).Start(ctx, name,
		otrace.WithAttributes(append(requestAttributes(ctx), attrs...)...),
	)
	return newCtx, &Task{
		t: task,
		o: ospan,
	}
}

// OTLPConfig is where spans are exported to. Username and Password are optional.
type OTLPConfig struct {
	URL      string
	Username string
	Password string
	Version  string
}

// ConfigureOTLP exports every span to an OTLP HTTP collector and accepts W3C and Jaeger trace
// headers.
func ConfigureOTLP(cfg OTLPConfig) error {
	parsedURL, err := url.Parse(cfg.URL)
	if err != nil {
		return fmt.Errorf("ConfigureOTLP: invalid URL: %w", err)
	}
	if parsedURL.Path != "" {
		return fmt.Errorf("ConfigureOTLP: URL %s cannot contain any path segments", cfg.URL)
	}
	// http is only used for testing and development
	isInsecure := parsedURL.Scheme == "http"

	opts := []otlptracehttp.Option{
		otlptracehttp.WithEndpoint(parsedURL.Host),
	}
	if isInsecure {
		opts = append(opts, otlptracehttp.WithInsecure())
	}
	if cfg.Username != "" && cfg.Password != "" {
		basic := base64.StdEncoding.EncodeToString([]byte(cfg.Username + ":" + cfg.Password))
		opts = append(opts, otlptracehttp.WithHeaders(map[string]string{
			"Authorization": "Basic " + basic,
		}))
	}
	logger.Info().Str("host", parsedURL.Host).Bool("insecure", isInsecure).Msg("ConfigureOTLP")

	exp, err := otlptrace.New(context.Background(), otlptracehttp.NewClient(opts...))
	if err != nil {
		return fmt.Errorf("ConfigureOTLP: failed to create exporter: %w", err)
	}
	otel.SetTracerProvider(tracesdk.NewTracerProvider(
		tracesdk.WithBatcher(exp),
		// follow the caller's sampling decision for API requests, sample everything else
		tracesdk.WithSampler(tracesdk.ParentBased(tracesdk.AlwaysSample())),
		tracesdk.WithResource(resource.NewWithAttributes(
			semconv.SchemaURL,
			semconv.ServiceName(tracerName),
			semconv.ServiceVersion(cfg.Version),
		)),
	))
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.Baggage{}, propagation.TraceContext{}, jaeger.Jaeger{},
	))
	return nil
}
