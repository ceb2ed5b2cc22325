// Package middleware provides HTTP middleware for the operator API.
//
// It includes:
//   - Request logging in W3C Extended Log Format
//   - gzip compression of JSON responses
//   - Prometheus request metrics with id-normalized route labels
package middleware
