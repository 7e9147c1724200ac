// Package config loads layerflow configuration from defaults, an optional
// YAML file and LAYERFLOW_* environment variables, in that order.
package config
