package service

import (
	"errors"
	"fmt"
)

// Error categories. Handlers translate them to HTTP status codes; input
// errors are reported by the validation package before the service runs.
var (
	ErrInvalidSignature = errors.New("invalid signature")
	ErrDuplicateVote    = errors.New("duplicate vote")
	ErrRateLimited      = errors.New("rate limit exceeded")
	ErrProductNotFound  = errors.New("product not found")
	ErrPayoutFailed     = errors.New("payout failed")
	ErrStorage          = errors.New("storage error")
)

// RateLimitError names the limiter that rejected the request.
type RateLimitError struct {
	Limiter string
}

func (e *RateLimitError) Error() string {
	return fmt.Sprintf("rate limit exceeded: %s", e.Limiter)
}

func (e *RateLimitError) Is(target error) bool { return target == ErrRateLimited }

// DuplicateVoteError carries the product state so the client can render it.
type DuplicateVoteError struct {
	Votes        int
	PayoutStatus string
}

func (e *DuplicateVoteError) Error() string {
	return fmt.Sprintf("duplicate vote: product has %d votes", e.Votes)
}

func (e *DuplicateVoteError) Is(target error) bool { return target == ErrDuplicateVote }

func storageErr(op string, err error) error {
	return fmt.Errorf("%w: %s: %w", ErrStorage, op, err)
}
