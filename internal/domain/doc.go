// Package domain defines the value types shared across the proxy: socket
// addresses, readiness interest flags and backends with their health state.
package domain
