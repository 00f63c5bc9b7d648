package dnshield

import (
	"sync"
	"time"
)

// RetryReason classifies why an upstream send failed.
type RetryReason int

const (
	ReasonPeerClosed RetryReason = iota
	ReasonTimeout
	ReasonNetworkError
	ReasonInterfaceUnavailable
)

func (r RetryReason) String() string {
	switch r {
	case ReasonPeerClosed:
		return "peer_closed"
	case ReasonTimeout:
		return "timeout"
	case ReasonInterfaceUnavailable:
		return "interface_unavailable"
	default:
		return "network_error"
	}
}

func (r RetryReason) retryable() bool {
	switch r {
	case ReasonPeerClosed, ReasonTimeout, ReasonNetworkError, ReasonInterfaceUnavailable:
		return true
	default:
		return false
	}
}

// RetryAttempt records one retry decision for telemetry and the exhausted-
// retries error.
type RetryAttempt struct {
	AttemptNumber    int
	Reason           RetryReason
	BackoffDelay     time.Duration
	Timestamp        time.Time
	Err              error
	ResolverEndpoint string
	InterfaceName    string
}

// RetryControllerOptions configures a RetryController.
type RetryControllerOptions struct {
	MaxRetries        int           // default 3
	InitialBackoffMs  int           // default 100; backoff is capped at 2000ms
}

// RetryController decides whether an upstream send failure should be
// retried, and supplies the backoff delay. Attempt history is recorded
// per transaction id and cleared when the transaction concludes.
type RetryController struct {
	opt RetryControllerOptions

	mu       sync.Mutex
	attempts map[uint16][]RetryAttempt
}

// NewRetryController returns a RetryController with defaults filled in.
func NewRetryController(opt RetryControllerOptions) *RetryController {
	if opt.MaxRetries <= 0 {
		opt.MaxRetries = 3
	}
	if opt.InitialBackoffMs <= 0 {
		opt.InitialBackoffMs = 100
	}
	return &RetryController{opt: opt, attempts: make(map[uint16][]RetryAttempt)}
}

// Decide records a retry attempt for tid and reports whether a retry
// should be made, and the backoff to wait before retrying. The first
// retry after a peer_closed failure is immediate (jitter-free, 0 delay).
// Once the attempt count exceeds MaxRetries, it returns (false,
// ExhaustedRetriesError).
func (c *RetryController) Decide(tid uint16, reason RetryReason, resolverEndpoint, interfaceName string, err error) (bool, time.Duration, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	history := c.attempts[tid]
	attemptNumber := len(history) + 1

	var delay time.Duration
	if reason == ReasonPeerClosed && attemptNumber == 1 {
		delay = 0
	} else {
		delay = backoffDelay(c.opt.InitialBackoffMs, attemptNumber)
	}

	attempt := RetryAttempt{
		AttemptNumber:    attemptNumber,
		Reason:           reason,
		BackoffDelay:     delay,
		Timestamp:        time.Now(),
		Err:              err,
		ResolverEndpoint: resolverEndpoint,
		InterfaceName:    interfaceName,
	}
	history = append(history, attempt)
	c.attempts[tid] = history

	if !reason.retryable() || attemptNumber > c.opt.MaxRetries {
		full := append([]RetryAttempt(nil), history...)
		return false, 0, &ExhaustedRetriesError{TransactionID: tid, Attempts: full}
	}
	return true, delay, nil
}

// backoffDelay computes initial*2^(attempt-1), capped at 2000ms.
func backoffDelay(initialMs, attempt int) time.Duration {
	ms := initialMs << uint(attempt-1)
	if ms > 2000 {
		ms = 2000
	}
	return time.Duration(ms) * time.Millisecond
}

// Attempts returns a copy of the attempt history recorded for tid.
func (c *RetryController) Attempts(tid uint16) []RetryAttempt {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]RetryAttempt(nil), c.attempts[tid]...)
}

// Clear drops the attempt history for tid, e.g. once its transaction
// completes or is abandoned.
func (c *RetryController) Clear(tid uint16) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.attempts, tid)
}
