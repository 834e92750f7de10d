// Copyright 2026 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package rpc

import (
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
)

const tracerName = "github.com/juju/amqprpc/rpc"

// Span attribute keys.
const (
	attrSystem        = attribute.Key("rpc.system")
	attrService       = attribute.Key("rpc.service")
	attrMethod        = attribute.Key("rpc.method")
	attrCorrelationID = attribute.Key("messaging.message.conversation_id")
)

func tracerOrNoop(tracer trace.Tracer) trace.Tracer {
	if tracer == nil {
		return noop.NewTracerProvider().Tracer(tracerName)
	}
	return tracer
}

func spanAttributes(service, procedure string) trace.SpanStartOption {
	return trace.WithAttributes(
		attrSystem.String("amqp"),
		attrService.String(service),
		attrMethod.String(procedure),
	)
}

// endSpan ends span, marking it failed if err is not nil.
func endSpan(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}
