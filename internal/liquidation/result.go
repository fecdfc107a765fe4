package liquidation

import (
	"context"
	"errors"
	"io"
	"net"
	"strings"
	"syscall"
	"time"

	"github.com/gagliardetto/solana-go"
)

// ResultKind classifies one submission attempt.
type ResultKind int

const (
	ResultSuccess ResultKind = iota
	// ResultTransient is a transport failure worth retrying.
	ResultTransient
	ResultPermanent
)

func (k ResultKind) String() string {
	switch k {
	case ResultSuccess:
		return "success"
	case ResultTransient:
		return "transient"
	case ResultPermanent:
		return "permanent"
	default:
		return "unknown"
	}
}

// SubmitResult is the outcome of one submission attempt.
type SubmitResult struct {
	Kind      ResultKind
	Signature solana.Signature
	Err       error
}

// transientMarkers are lower-cased fragments of RPC and transport errors that
// clear up on their own: timeouts, resets, throttling and blockhash expiry.
var transientMarkers = []string{
	"timeout",
	"timed out",
	"connection reset",
	"connection refused",
	"broken pipe",
	"unexpected eof",
	"too many requests",
	"rate limit",
	"blockhash not found",
	"block height exceeded",
	"blockhash expired",
	"node is behind",
	"service unavailable",
	"bad gateway",
}

// Classify maps a submission's return values to a SubmitResult.
func Classify(sig solana.Signature, err error) SubmitResult {
	if err == nil {
		return SubmitResult{Kind: ResultSuccess, Signature: sig}
	}
	if IsTransient(err) {
		return SubmitResult{Kind: ResultTransient, Err: err}
	}
	return SubmitResult{Kind: ResultPermanent, Err: err}
}

// IsTransient reports whether err is a retryable transport failure.
func IsTransient(err error) bool {
	if err == nil || errors.Is(err, context.Canceled) {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) ||
		errors.Is(err, syscall.ECONNRESET) ||
		errors.Is(err, syscall.ECONNREFUSED) ||
		errors.Is(err, syscall.EPIPE) ||
		errors.Is(err, io.EOF) ||
		errors.Is(err, io.ErrUnexpectedEOF) {
		return true
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}

	msg := strings.ToLower(err.Error())
	for _, m := range transientMarkers {
		if strings.Contains(msg, m) {
			return true
		}
	}
	return false
}

// RetryPolicy bounds retries of transient failures. Attempt n (1-based) of a
// retry waits n * Backoff.
type RetryPolicy struct {
	MaxRetries int
	Backoff    time.Duration
}

func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{MaxRetries: 2, Backoff: 500 * time.Millisecond}
}

// Delay is the wait before retry number n, starting at 1.
func (p RetryPolicy) Delay(n int) time.Duration {
	if n < 1 {
		return 0
	}
	return time.Duration(n) * p.Backoff
}
