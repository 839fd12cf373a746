package walletauth

import (
	"time"

	"github.com/jonboulle/clockwork"
)

// DefaultMaxSkew is how far a signed timestamp may be from the server clock.
const DefaultMaxSkew = 5 * time.Minute

// ReplayGuard rejects messages that are stale or not the canonical text for
// the claimed wallet and time. It proves nothing about who signed.
type ReplayGuard struct {
	clock   clockwork.Clock
	appName string
	maxSkew time.Duration
}

// NewReplayGuard returns a guard; zero values select DefaultAppName and DefaultMaxSkew.
func NewReplayGuard(clock clockwork.Clock, appName string, maxSkew time.Duration) *ReplayGuard {
	if appName == "" {
		appName = DefaultAppName
	}
	if maxSkew <= 0 {
		maxSkew = DefaultMaxSkew
	}
	return &ReplayGuard{clock: clock, appName: appName, maxSkew: maxSkew}
}

// CheckFreshness fails with ErrExpired when |now - timestamp| > maxSkew and
// with ErrMalformedMessage when message does not match the canonical prefix.
// A non-empty action must also match the message's Action line.
func (g *ReplayGuard) CheckFreshness(address, message string, timestamp int64, action string) error {
	if timestamp <= 0 {
		return ErrExpired
	}
	skew := g.clock.Now().UnixMilli() - timestamp
	if skew < 0 {
		skew = -skew
	}
	if skew > g.maxSkew.Milliseconds() {
		return ErrExpired
	}

	if action == "" {
		if !MatchesExpected(g.appName, address, timestamp, message) {
			return ErrMalformedMessage
		}
		return nil
	}
	if !MatchesAction(g.appName, address, timestamp, action, message) {
		return ErrMalformedMessage
	}
	return nil
}

// Authenticator runs the cheap freshness check before signature recovery.
type Authenticator struct {
	guard    *ReplayGuard
	verifier Verifier
}

// NewAuthenticator combines guard and verifier.
func NewAuthenticator(guard *ReplayGuard, verifier Verifier) *Authenticator {
	return &Authenticator{guard: guard, verifier: verifier}
}

// Authenticate returns nil only when the message is fresh, canonical for
// (address, timestamp, action) and signed by address.
func (a *Authenticator) Authenticate(address, message, signature string, timestamp int64, action string) error {
	if err := a.guard.CheckFreshness(address, message, timestamp, action); err != nil {
		return err
	}
	return a.verifier.Verify(address, message, signature)
}
