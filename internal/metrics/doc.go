/*
Package metrics exposes the engine's Prometheus metrics.

A Collector registers its vectors on a caller supplied registerer through
promauto, grouped by concern:

  - stages: executions by stage and status, duration, suspensions
  - tasks: final status counts, duration per unit, unit selections
  - reasoner: request counts and latency per request kind
  - persistence: checkpoint writes, database pool occupancy
*/
package metrics
