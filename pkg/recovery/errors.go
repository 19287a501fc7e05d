package recovery

import (
	"context"
	"errors"
)

// Kind classifies a failure
type Kind string

const (
	KindNone              Kind = ""
	KindPermissionDenied  Kind = "PermissionDenied"
	KindToolNotFound      Kind = "ToolNotFound"
	KindMalformedToolCall Kind = "MalformedToolCall"
	KindRecursionLimit    Kind = "RecursionLimitExceeded"
	KindRateLimit         Kind = "RateLimitExceeded"
	KindModelNotFound     Kind = "ModelNotFound"
	KindDataAccess        Kind = "DataAccessError"
	KindCanceled          Kind = "Canceled"
	KindUnknown           Kind = "UnknownError"
)

var (
	ErrPermissionDenied  = errors.New("permission denied")
	ErrToolNotFound      = errors.New("tool not found")
	ErrMalformedToolCall = errors.New("malformed tool call")
	ErrRecursionLimit    = errors.New("recursion limit reached")
	ErrRateLimited       = errors.New("rate limit exceeded")
	ErrModelNotFound     = errors.New("model not found")
	ErrDataAccess        = errors.New("data access error")
)

var sentinels = []struct {
	err  error
	kind Kind
}{
	{ErrPermissionDenied, KindPermissionDenied},
	{ErrToolNotFound, KindToolNotFound},
	{ErrMalformedToolCall, KindMalformedToolCall},
	{ErrRecursionLimit, KindRecursionLimit},
	{ErrRateLimited, KindRateLimit},
	{ErrModelNotFound, KindModelNotFound},
	{ErrDataAccess, KindDataAccess},
}

// Classify maps err onto the taxonomy. nil yields KindNone.
func Classify(err error) Kind {
	if err == nil {
		return KindNone
	}
	for _, s := range sentinels {
		if errors.Is(err, s.err) {
			return s.kind
		}
	}
	if errors.Is(err, context.Canceled) {
		return KindCanceled
	}
	return KindUnknown
}
