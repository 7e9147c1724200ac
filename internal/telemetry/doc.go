// Package telemetry wires OpenTelemetry for layerflow: OTLP/gRPC export of
// traces and metrics, and the stage instruments the pipeline reports to.
package telemetry
