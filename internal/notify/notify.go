// Package notify delivers out-of-band alerts about agent liveness and
// scheduled usage digests to external messaging platforms.
package notify

import (
	"context"
	"time"

	"github.com/basket/clawmon/internal/bus"
)

// Channel defines the interface for an alert destination.
type Channel interface {
	// Name returns the unique name of the channel (e.g., "telegram").
	Name() string

	// AgentOffline reports that an agent went silent past the staleness
	// threshold and was marked offline at the given time.
	AgentOffline(ctx context.Context, agentID string, at time.Time) error

	// UsageDigest delivers a scheduled usage summary.
	UsageDigest(ctx context.Context, digest bus.UsageDigest) error
}

// Multi fans one notification out to several channels. Delivery errors
// are collected per channel; one failing channel never blocks another.
type Multi []Channel

func (m Multi) Name() string { return "multi" }

func (m Multi) AgentOffline(ctx context.Context, agentID string, at time.Time) error {
	var firstErr error
	for _, ch := range m {
		if err := ch.AgentOffline(ctx, agentID, at); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

func (m Multi) UsageDigest(ctx context.Context, digest bus.UsageDigest) error {
	var firstErr error
	for _, ch := range m {
		if err := ch.UsageDigest(ctx, digest); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
