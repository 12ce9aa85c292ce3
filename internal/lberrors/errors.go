// Package lberrors defines the load balancer's error taxonomy: ConfigError
// (fatal at startup), ClientError (4xx), and UpstreamError (5xx). StreamError
// conditions are logged at the call site rather than modeled as a type, since
// by the time a stream fails the response status is already committed.
package lberrors

import "fmt"

// StatusError carries an HTTP status code alongside its message so handlers
// can report it to the client without re-deriving the status from scratch.
type StatusError struct {
	Status int
	Msg    string
}

func (e *StatusError) Error() string { return e.Msg }

// ClientError builds a 400-class StatusError for malformed requests or
// template-build failures.
func ClientError(format string, args ...any) error {
	return &StatusError{Status: 400, Msg: fmt.Sprintf(format, args...)}
}

// UpstreamError builds a 500-class StatusError for tokenizer failures, empty
// registries, upstream connect failures, and prefill rejection. path is the
// request path the error occurred on, used to render the "(/path) Error: ..."
// message form the balancer reports to clients.
func UpstreamError(path, format string, args ...any) error {
	return &StatusError{Status: 500, Msg: fmt.Sprintf("(%s) Error: %s", path, fmt.Sprintf(format, args...))}
}

// ConfigError reports a fatal startup misconfiguration (bad CLI flags, a
// tokenizer repo that cannot be resolved). Callers exit non-zero on this.
type ConfigError struct {
	Msg string
}

func (e *ConfigError) Error() string { return e.Msg }

func NewConfigError(format string, args ...any) error {
	return &ConfigError{Msg: fmt.Sprintf(format, args...)}
}

// StatusOf extracts the HTTP status to report for err, defaulting to 500 for
// errors that are not a *StatusError (e.g. an unexpected panic recovery).
func StatusOf(err error) int {
	if se, ok := err.(*StatusError); ok {
		return se.Status
	}
	return 500
}
