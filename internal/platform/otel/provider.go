// Package otel wires OpenTelemetry tracing for ledger commands.
package otel

import (
	"context"
	"fmt"
	"os"
	"strconv"
	"strings"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
)

const (
	envEnabled     = "UNDERWRITE_OTEL_ENABLED"
	envEndpoint    = "UNDERWRITE_OTEL_ENDPOINT"
	envSampleRatio = "UNDERWRITE_OTEL_SAMPLE_RATIO"
)

// Setup initialises OpenTelemetry tracing for the given service.
//
// Tracing is opt-in: when UNDERWRITE_OTEL_ENDPOINT is empty or
// UNDERWRITE_OTEL_ENABLED is "false", Setup returns a no-op shutdown
// function and no global provider is registered.
//
// UNDERWRITE_OTEL_SAMPLE_RATIO selects a parent-based ratio sampler; unset
// means every trace is sampled. Migrations open one span per batch, so long
// runs usually want a ratio below 1.
//
// The returned shutdown function flushes pending spans and should be deferred
// by the caller.
func Setup(ctx context.Context, serviceName string) (shutdown func(context.Context) error, err error) {
	noop := func(context.Context) error { return nil }

	if strings.EqualFold(os.Getenv(envEnabled), "false") {
		return noop, nil
	}

	endpoint := os.Getenv(envEndpoint)
	if endpoint == "" {
		return noop, nil
	}

	sampler, err := samplerFromEnv(os.Getenv(envSampleRatio))
	if err != nil {
		return noop, err
	}

	exporter, err := otlptracehttp.New(ctx,
		otlptracehttp.WithEndpointURL(endpoint),
	)
	if err != nil {
		return noop, err
	}

	res, err := resource.New(ctx,
		resource.WithAttributes(
			semconv.ServiceName(serviceName),
			semconv.ServiceNamespace("underwrite"),
		),
	)
	if err != nil {
		return noop, err
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sampler),
	)

	otel.SetTracerProvider(tp)
	otel.SetTextMapPropagator(propagation.TraceContext{})

	return tp.Shutdown, nil
}

func samplerFromEnv(raw string) (sdktrace.Sampler, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return sdktrace.AlwaysSample(), nil
	}
	ratio, err := strconv.ParseFloat(raw, 64)
	if err != nil || ratio < 0 || ratio > 1 {
		return nil, fmt.Errorf("%s must be a number between 0 and 1, got %q", envSampleRatio, raw)
	}
	return sdktrace.ParentBased(sdktrace.TraceIDRatioBased(ratio)), nil
}
