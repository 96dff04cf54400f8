package scan

import "errors"

// Error taxonomy for scan submission and execution. Handlers map these to
// HTTP status codes; the orchestrator maps them to terminal task states.
var (
	// Input errors — surfaced as 400, never retried.
	ErrInvalidTarget  = errors.New("invalid target")
	ErrInvalidPortSet = errors.New("invalid port set")
	ErrBlockedTarget  = errors.New("target is blocked by policy")

	// Resolution errors — abort the scan before any probe is sent.
	ErrResolutionFailed       = errors.New("target resolution failed")
	ErrBlockedAfterResolution = errors.New("resolved address is blocked by policy")

	// Policy errors — surfaced as 429 or a denied event.
	ErrRateLimited        = errors.New("rate limit exceeded")
	ErrOnCooldown         = errors.New("client is on cooldown")
	ErrExceedsConcurrency = errors.New("concurrent scan limit exceeded")
	ErrDenied             = errors.New("target is denylisted")

	// ErrCancelled marks an externally cancelled scan.
	ErrCancelled = errors.New("scan cancelled")
)
