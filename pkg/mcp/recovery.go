package mcp

import (
	"context"
	"errors"
	"io"
	"net"
	"strings"
	"time"
)

// recoveryAction determines how to handle an MCP operation failure.
type recoveryAction int

const (
	// noRetry — the error is not recoverable (bad request, protocol error,
	// timeout).
	noRetry recoveryAction = iota
	// retrySameSession — transient error, the existing session is still good.
	retrySameSession
	// retryNewSession — transport failure, recreate the session before
	// retrying.
	retryNewSession
)

func (a recoveryAction) String() string {
	switch a {
	case retrySameSession:
		return "retry_same_session"
	case retryNewSession:
		return "retry_new_session"
	default:
		return "no_retry"
	}
}

const (
	// initTimeout bounds connecting to one server (transport + handshake).
	initTimeout = 30 * time.Second

	// reinitTimeout bounds session recreation during recovery. Tighter than
	// initTimeout: a proxied completion is waiting on the result.
	reinitTimeout = 10 * time.Second

	// operationTimeout is the per-call deadline for CallTool and ListTools.
	// Tool rounds run while the proxied completion holds the client
	// connection, so the per-call budget stays well under the request
	// deadline.
	operationTimeout = 60 * time.Second

	// retryBackoffMin/Max bound the jittered pause before the single retry.
	retryBackoffMin = 250 * time.Millisecond
	retryBackoffMax = 750 * time.Millisecond

	// healthPingTimeout is the health probe ping deadline.
	healthPingTimeout = 5 * time.Second

	// healthCheckInterval is the health probe loop interval.
	healthCheckInterval = 15 * time.Second
)

// classifyError maps an MCP operation error to a recovery action.
func classifyError(err error) recoveryAction {
	if err == nil {
		return noRetry
	}

	// The caller gave up or the operation deadline fired.
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return noRetry
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		if netErr.Timeout() {
			// A slow server stays slow; retrying burns the request budget.
			return noRetry
		}
		return retryNewSession
	}

	if isConnectionError(err) {
		return retryNewSession
	}

	if isRateLimited(err) {
		return retrySameSession
	}

	// JSON-RPC protocol errors and anything unrecognized: the same call will
	// fail the same way.
	return noRetry
}

// isConnectionError detects transport-level failures where the session is
// likely dead.
func isConnectionError(err error) bool {
	if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
		return true
	}

	msg := strings.ToLower(err.Error())
	for _, indicator := range []string{
		"connection refused",
		"connection reset",
		"broken pipe",
		"connection closed",
		"no such host",
	} {
		if strings.Contains(msg, indicator) {
			return true
		}
	}
	return false
}

// isRateLimited detects throttling responses. The session is fine; the server
// wants a pause.
func isRateLimited(err error) bool {
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "rate limit") ||
		strings.Contains(msg, "too many requests") ||
		strings.Contains(msg, "429")
}
