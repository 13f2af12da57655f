// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// Copyright 2024-present the healthcheck authors.

// Package cloud provides uniform accessors for AWS CloudWatch, Azure Monitor
// and managed-service HTTP APIs, all behind the same retry and
// error-classification policy.
package cloud

import (
	"context"
	"errors"
	"net"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/xtpclark/pg-healthcheck2-sub001/pkg/util/log"
)

// Retry policy: 3 attempts with exponential backoff 1s -> 2s -> 4s, applied
// only to transient failures. Auth, permission and invalid-parameter errors
// fail immediately.
const (
	maxAttempts     = 3
	initialInterval = 1 * time.Second
)

// HTTPStatusError carries an HTTP status through the retry classifier.
type HTTPStatusError struct {
	Status int
	Msg    string
}

func (e *HTTPStatusError) Error() string { return e.Msg }

var transientCodeFragments = []string{
	"Throttling", "ThrottledException", "TooManyRequests",
	"RequestLimitExceeded", "ServiceUnavailable", "InternalError",
	"RequestTimeout", "SlowDown",
}

var permanentCodeFragments = []string{
	"AccessDenied", "UnauthorizedOperation", "InvalidClientTokenId",
	"AuthFailure", "ValidationError", "InvalidParameter", "Forbidden",
	"MissingAuthenticationToken", "ExpiredToken",
}

// Transient classifies an error as retryable. Timeouts, network failures,
// throttling and 5xx responses retry; auth and parameter errors never do.
func Transient(err error) bool {
	if err == nil {
		return false
	}
	var statusErr *HTTPStatusError
	if errors.As(err, &statusErr) {
		return statusErr.Status == 429 || statusErr.Status >= 500
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	msg := err.Error()
	for _, frag := range permanentCodeFragments {
		if strings.Contains(msg, frag) {
			return false
		}
	}
	for _, frag := range transientCodeFragments {
		if strings.Contains(msg, frag) {
			return true
		}
	}
	// Unclassified network-level noise ("connection reset", "connection
	// refused") is worth one more try.
	return strings.Contains(msg, "connection re")
}

// Do runs op with the cloud retry policy. The operation name is used only for
// logging.
func Do(ctx context.Context, name string, op func(context.Context) error) error {
	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = initialInterval
	policy.Multiplier = 2
	policy.RandomizationFactor = 0
	policy.MaxInterval = 8 * time.Second

	attempt := 0
	wrapped := func() error {
		attempt++
		err := op(ctx)
		if err == nil {
			return nil
		}
		if !Transient(err) {
			return backoff.Permanent(err)
		}
		log.Warnf("%s attempt %d failed (transient): %v", name, attempt, err)
		return err
	}

	return backoff.Retry(wrapped,
		backoff.WithContext(backoff.WithMaxRetries(policy, maxAttempts-1), ctx))
}
