// Package ratelimit implements fixed-window request counters whose
// check-and-increment runs atomically inside the backing store, so limits hold
// across processes.
package ratelimit

import (
	"context"
	"time"
)

// Limiter admits or rejects a request for identifier. Implementations fail
// closed: whenever err is non-nil the returned bool is false.
type Limiter interface {
	Allow(ctx context.Context, identifier string, maxRequests int, window time.Duration) (bool, error)
}

// Policy names a limit so callers can report which one tripped.
type Policy struct {
	Name   string
	Max    int
	Window time.Duration
}

// Default policies.
var (
	SubmitPerWallet = Policy{Name: "submit-wallet", Max: 5, Window: 24 * time.Hour}
	VotePerWallet   = Policy{Name: "vote-wallet", Max: 20, Window: time.Hour}
	VotePerIP       = Policy{Name: "vote-ip", Max: 50, Window: time.Hour}
)

// Identifier keys.
func SubmitKey(wallet string) string     { return "submit:" + wallet }
func VoteWalletKey(wallet string) string { return "vote:wallet:" + wallet }
func VoteIPKey(ip string) string         { return "vote:ip:" + ip }

// Allow applies p to identifier using l.
func (p Policy) Allow(ctx context.Context, l Limiter, identifier string) (bool, error) {
	return l.Allow(ctx, identifier, p.Max, p.Window)
}

// Record is the persisted state for one identifier.
type Record struct {
	Identifier  string `dynamodbav:"identifier"` // PK
	Count       int    `dynamodbav:"count"`
	WindowStart int64  `dynamodbav:"window_start"` // unix millis
	ExpiresAt   int64  `dynamodbav:"expires_at"`   // TTL epoch seconds
}
