//go:build !telemetry_strict

package observability

const strictTimers = false
