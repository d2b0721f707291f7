package common

import "fmt"

// Error codes surfaced to API clients. The numbering is part of the
// public surface: status pages and JSON error bodies reference it.
const (
	CodeRequestError   = -1
	CodeAlreadyRunning = 0
	CodeBadTimestamp   = 1
	CodeMissingRequest = 2
	CodeUserNotFound   = 3
	CodeBadMetricName  = 4
	CodeUserLookup     = 5
	CodeAlreadyQueued  = 6
)

// ErrorCodes maps each code to its human-readable message.
var ErrorCodes = map[int]string{
	CodeRequestError:   "Metrics API HTTP request error.",
	CodeAlreadyRunning: "Job already running.",
	CodeBadTimestamp:   "Badly formatted timestamp.",
	CodeMissingRequest: "Could not locate stored request.",
	CodeUserNotFound:   "Could not find user ID.",
	CodeBadMetricName:  "Bad metric name.",
	CodeUserLookup:     "Failed to retrieve users.",
	CodeAlreadyQueued:  "Job is currently queued.",
}

// CodedError is an error carrying one of the public API error codes.
type CodedError struct {
	Code    int
	Message string
}

func (e *CodedError) Error() string {
	return fmt.Sprintf("%s (code %d)", e.Message, e.Code)
}

// NewCodedError builds a CodedError from its code, using the standard
// message for that code.
func NewCodedError(code int) *CodedError {
	msg, ok := ErrorCodes[code]
	if !ok {
		msg = ErrorCodes[CodeRequestError]
	}
	return &CodedError{Code: code, Message: msg}
}
