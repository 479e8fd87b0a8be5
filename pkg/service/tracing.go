package service

import (
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/trace"
)

// Marketplace-specific span attributes, following the teacher's convention
// of a fixed attribute-key vocabulary per subsystem (see the teacher's
// observability package) rather than ad-hoc string keys scattered at call
// sites.
var (
	attrOperation = attribute.Key("swapforge.operation")
	attrActorType = attribute.Key("swapforge.actor.type")
	attrActorID   = attribute.Key("swapforge.actor.id")
	attrPartnerID = attribute.Key("swapforge.partner_id")
)

// NewTracerProvider builds an in-process span provider with no OTLP
// exporter: spans are created and their attributes/errors recorded, but
// nothing is shipped off-process. A transport-level collector is a
// deployment concern; embedders that want exported spans register their own
// SpanProcessor on the returned provider before calling WithTracer.
func NewTracerProvider() *sdktrace.TracerProvider {
	return sdktrace.NewTracerProvider(sdktrace.WithSampler(sdktrace.AlwaysSample()))
}

// defaultTracer returns the global OTel tracer, used when a Service is built
// without an explicit tracer (tests, and any caller that never calls
// WithTracer).
func defaultTracer() trace.Tracer {
	return otel.Tracer("swapforge.service")
}
