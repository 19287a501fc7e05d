package agent

import "github.com/harun/ally/pkg/recovery"

var (
	ErrRecursionLimit    = recovery.ErrRecursionLimit
	ErrRateLimited       = recovery.ErrRateLimited
	ErrModelNotFound     = recovery.ErrModelNotFound
	ErrMalformedToolCall = recovery.ErrMalformedToolCall
)
