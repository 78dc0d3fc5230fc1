package testutil

import (
	"net/http"
	"time"

	"bankfisc/pkg/requestcontext"
)

// WithRequestID adds a request ID to the request context, as the RequestID
// middleware would.
func WithRequestID(req *http.Request, requestID string) *http.Request {
	return req.WithContext(requestcontext.WithRequestID(req.Context(), requestID))
}

// WithRequestTime pins the request clock so handlers and services observe a
// fixed time.
func WithRequestTime(req *http.Request, t time.Time) *http.Request {
	return req.WithContext(requestcontext.WithTime(req.Context(), t))
}
