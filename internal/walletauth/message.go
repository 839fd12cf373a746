// Package walletauth authenticates requests signed by an Ethereum-style wallet.
//
// A request carries a canonical message binding wallet, time and action, the
// personal-sign signature of that message, and the timestamp. ReplayGuard
// rejects stale or mismatched messages cheaply; Verifier then recovers the
// signer. Authenticator runs both in that order.
package walletauth

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
)

// DefaultAppName heads every canonical message.
const DefaultAppName = "ArcHunt"

// Actions bound into signed messages.
const (
	ActionVote          = "vote"
	ActionSubmitProduct = "submit-product"
)

var (
	// ErrInvalidSignature is the single category every authentication failure
	// wraps, so callers cannot tell which check failed.
	ErrInvalidSignature = errors.New("invalid signature")
	// ErrMalformedMessage means the message is not the canonical text for the claimed fields.
	ErrMalformedMessage = fmt.Errorf("%w: message does not match expected format", ErrInvalidSignature)
	// ErrExpired means the timestamp is outside the allowed skew.
	ErrExpired = fmt.Errorf("%w: signature timestamp expired", ErrInvalidSignature)
)

// Message is the decoded canonical message.
type Message struct {
	AppName   string
	Wallet    string
	Timestamp int64
	Action    string
}

// String renders m in canonical form.
func (m Message) String() string {
	return ExpectedPrefix(m.AppName, m.Wallet, m.Timestamp) + "\nAction: " + m.Action
}

// BuildMessage returns the canonical text a wallet signs for action.
func BuildMessage(appName, address string, timestamp int64, action string) string {
	return Message{AppName: appName, Wallet: address, Timestamp: timestamp, Action: action}.String()
}

// ExpectedPrefix is the part of the message that binds app, wallet and time.
func ExpectedPrefix(appName, address string, timestamp int64) string {
	return appName + " Action\nWallet: " + strings.ToLower(address) + "\nTimestamp: " + strconv.FormatInt(timestamp, 10)
}

// MatchesExpected reports whether message starts with the canonical prefix for
// (address, timestamp).
func MatchesExpected(appName, address string, timestamp int64, message string) bool {
	return strings.HasPrefix(message, ExpectedPrefix(appName, address, timestamp))
}

// MatchesAction is MatchesExpected plus an exact "Action: <action>" line right
// after the timestamp. Anything after that line is ignored.
func MatchesAction(appName, address string, timestamp int64, action, message string) bool {
	want := BuildMessage(appName, address, timestamp, action)
	if !strings.HasPrefix(message, want) {
		return false
	}
	rest := message[len(want):]
	return rest == "" || strings.HasPrefix(rest, "\n")
}

// ParseMessage decodes the four canonical lines of s.
func ParseMessage(s string) (Message, error) {
	lines := strings.Split(s, "\n")
	if len(lines) < 4 {
		return Message{}, ErrMalformedMessage
	}
	app, ok := strings.CutSuffix(lines[0], " Action")
	if !ok || app == "" {
		return Message{}, ErrMalformedMessage
	}
	wallet, ok := strings.CutPrefix(lines[1], "Wallet: ")
	if !ok || wallet == "" {
		return Message{}, ErrMalformedMessage
	}
	rawTS, ok := strings.CutPrefix(lines[2], "Timestamp: ")
	if !ok {
		return Message{}, ErrMalformedMessage
	}
	ts, err := strconv.ParseInt(rawTS, 10, 64)
	if err != nil {
		return Message{}, ErrMalformedMessage
	}
	action, ok := strings.CutPrefix(lines[3], "Action: ")
	if !ok || action == "" {
		return Message{}, ErrMalformedMessage
	}
	return Message{AppName: app, Wallet: wallet, Timestamp: ts, Action: action}, nil
}
