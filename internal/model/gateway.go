// Package model defines shared types for the gateway.
package model

import (
	"net/http"
	"time"
)

// RequestDescriptor is an HTTP request decoded from a peer write.
// Header lookups are case-insensitive.
type RequestDescriptor struct {
	Method string
	Target string
	Proto  string
	Header http.Header
	Body   []byte
}

// NormalizedRequest is a RequestDescriptor resolved to an absolute URL.
type NormalizedRequest struct {
	*RequestDescriptor
	Scheme string
	URL    string
}

// ResponseRecord is the outcome of a completed forward.
type ResponseRecord struct {
	StatusCode int
	Header     http.Header
	Body       []byte
}

// Outcome is delivered exactly once per forward.
// Exactly one of Response and Err is set.
type Outcome struct {
	ID       string
	Request  *NormalizedRequest
	Response *ResponseRecord
	Err      error
	Duration time.Duration
}
