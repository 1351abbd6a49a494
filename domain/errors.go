package domain

import "errors"

// Error kinds per spec.md §7. Each is a sentinel; components wrap it with
// context via fmt.Errorf("...: %w", err) and callers compare with
// errors.Is. cache-degraded is deliberately absent: it is never surfaced
// past the cache tier that encountered it.
var (
	ErrInvalidArgument   = errors.New("invalid-argument")
	ErrNoEligibleBackend = errors.New("no-eligible-backend")
	ErrBackendSaturated  = errors.New("backend-saturated")
	ErrBackendTimeout    = errors.New("backend-timeout")
	ErrBackendTransient  = errors.New("backend-transient")
	ErrBackendFatal      = errors.New("backend-fatal")
	ErrCancelled         = errors.New("cancelled")
)
