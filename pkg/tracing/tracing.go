// Copyright 2020 The Smart Chain Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package tracing provides a thin wrapper around opentracing-go so that
// call sites can start a span from a context without caring whether a
// real tracer was configured.
package tracing

import (
	"context"

	"github.com/opentracing/opentracing-go"

	"github.com/snowycoder/wdht-go/pkg/logging"
)

const tracingTagKey = "traceid"

// Tracer wraps an opentracing.Tracer. A nil *Tracer is valid and behaves
// like a no-op tracer, so components can hold a *Tracer field without
// needing to check for nil before every span.
type Tracer struct {
	tracer opentracing.Tracer
}

// NewTracer returns a Tracer using t, or a no-op tracer if t is nil.
func NewTracer(t opentracing.Tracer) *Tracer {
	if t == nil {
		t = opentracing.NoopTracer{}
	}
	return &Tracer{tracer: t}
}

// StartSpanFromContext starts a new span named opName as a child of any
// span found in ctx, logging the resulting trace id at trace level
// through logger.
func (t *Tracer) StartSpanFromContext(ctx context.Context, opName string, logger logging.Logger, opts ...opentracing.StartSpanOption) (opentracing.Span, context.Context) {
	if t == nil {
		t = NewTracer(nil)
	}

	span, ctx := opentracing.StartSpanFromContextWithTracer(ctx, t.tracer, opName, opts...)

	if sc, ok := span.Context().(interface{ TraceID() string }); ok && logger != nil {
		logger.Tracef("span %s: traceid %s", opName, sc.TraceID())
	}

	return span, ctx
}

// FromContext extracts the span stored in ctx, if any.
func FromContext(ctx context.Context) (opentracing.Span, bool) {
	span := opentracing.SpanFromContext(ctx)
	return span, span != nil
}
