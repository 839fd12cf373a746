// Package service runs the submit and vote flows: authenticate, rate limit,
// write, and hand crossings of the vote threshold to the payout orchestrator.
package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/imrishuroy/go-vote-payouts/internal/metrics"
	"github.com/imrishuroy/go-vote-payouts/internal/payout"
	"github.com/imrishuroy/go-vote-payouts/internal/products"
	"github.com/imrishuroy/go-vote-payouts/internal/ratelimit"
	"github.com/imrishuroy/go-vote-payouts/internal/validation"
	"github.com/imrishuroy/go-vote-payouts/internal/votes"
	"github.com/imrishuroy/go-vote-payouts/internal/walletauth"
)

// Authenticator checks a signed request.
type Authenticator interface {
	Authenticate(address, message, signature string, timestamp int64, action string) error
}

// ProductStore reads and creates products.
type ProductStore interface {
	Create(ctx context.Context, p products.Product) (*products.Product, error)
	Get(ctx context.Context, productID string) (*products.Product, error)
}

// VoteRecorder is the vote ledger.
type VoteRecorder interface {
	RecordVote(ctx context.Context, productID, voterAddress string) (votes.Result, error)
}

// PayoutTrigger reacts to a counted vote.
type PayoutTrigger interface {
	OnVoteCounted(ctx context.Context, product *products.Product, count int) (payout.Outcome, error)
}

// Policies are the limits applied to each flow.
type Policies struct {
	SubmitWallet ratelimit.Policy
	VoteWallet   ratelimit.Policy
	VoteIP       ratelimit.Policy
}

// DefaultPolicies returns 5 submissions per wallet per day and 20 votes per
// wallet and 50 per IP per hour.
func DefaultPolicies() Policies {
	return Policies{
		SubmitWallet: ratelimit.SubmitPerWallet,
		VoteWallet:   ratelimit.VotePerWallet,
		VoteIP:       ratelimit.VotePerIP,
	}
}

// Deps wires a Service.
type Deps struct {
	Auth     Authenticator
	Limiter  ratelimit.Limiter
	Products ProductStore
	Ledger   VoteRecorder
	Payouts  PayoutTrigger
	Policies Policies
	Recorder metrics.Recorder
	Logger   zerolog.Logger
}

// Service implements the submit and vote flows.
type Service struct {
	deps  Deps
	newID func() string
}

// New returns a Service. A nil Recorder is replaced by metrics.Noop.
func New(deps Deps) *Service {
	if deps.Recorder == nil {
		deps.Recorder = metrics.Noop{}
	}
	return &Service{deps: deps, newID: uuid.NewString}
}

// VoteResult is returned for an accepted vote.
type VoteResult struct {
	Votes        int             `json:"votes"`
	PayoutStatus string          `json:"payoutStatus"`
	PayoutData   json.RawMessage `json:"payoutData,omitempty"`
}

// CastVote records one vote from req.VoterAddress. req must already be
// normalized and validated.
func (s *Service) CastVote(ctx context.Context, req validation.VoteRequest, clientIP string) (VoteResult, error) {
	log := s.deps.Logger.With().Str("product_id", req.ProductID).Str("voter", req.VoterAddress).Logger()

	if err := s.authenticate(ctx, req.VoterAddress, req.Message, req.Signature, req.Timestamp, walletauth.ActionVote); err != nil {
		log.Warn().Err(err).Str("signed_action", signedAction(req.Message)).Msg("vote signature rejected")
		return VoteResult{}, err
	}

	// IP before wallet: an IP rejection leaves the wallet quota untouched
	if clientIP == "" {
		clientIP = "unknown"
	}
	if err := s.allow(ctx, s.deps.Policies.VoteIP, ratelimit.VoteIPKey(clientIP), "ip"); err != nil {
		return VoteResult{}, err
	}
	if err := s.allow(ctx, s.deps.Policies.VoteWallet, ratelimit.VoteWalletKey(req.VoterAddress), "wallet"); err != nil {
		return VoteResult{}, err
	}

	// past the limiter the vote runs to completion even if the client goes away
	ctx = context.WithoutCancel(ctx)

	product, err := s.deps.Products.Get(ctx, req.ProductID)
	if err != nil {
		return VoteResult{}, storageErr("load product", err)
	}
	if product == nil {
		return VoteResult{}, ErrProductNotFound
	}

	res, err := s.deps.Ledger.RecordVote(ctx, req.ProductID, req.VoterAddress)
	if err != nil {
		log.Error().Err(err).Msg("record vote failed")
		return VoteResult{}, storageErr("record vote", err)
	}
	if !res.Accepted {
		s.deps.Recorder.Incr(ctx, metrics.VoteDuplicate, nil)
		return VoteResult{}, &DuplicateVoteError{Votes: res.Count, PayoutStatus: product.PayoutStatus}
	}
	s.deps.Recorder.Incr(ctx, metrics.VoteAccepted, nil)

	result := VoteResult{Votes: res.Count, PayoutStatus: product.PayoutStatus}
	outcome, err := s.deps.Payouts.OnVoteCounted(ctx, product, res.Count)
	if outcome.Status != "" {
		result.PayoutStatus = outcome.Status
	}
	if outcome.Status == products.PayoutPaid {
		result.PayoutData = outcome.Data
	}
	if err != nil {
		log.Error().Err(err).Int("votes", res.Count).Msg("payout orchestration failed")
		return result, fmt.Errorf("%w: %w", ErrPayoutFailed, err)
	}

	log.Info().Int("votes", res.Count).Str("payout_status", result.PayoutStatus).Msg("vote recorded")
	return result, nil
}

// SubmitProduct creates a product owned by req.MakerAddress. req must
// already be normalized and validated.
func (s *Service) SubmitProduct(ctx context.Context, req validation.SubmitProductRequest) (*products.Product, error) {
	log := s.deps.Logger.With().Str("maker", req.MakerAddress).Logger()

	if err := s.authenticate(ctx, req.MakerAddress, req.Message, req.Signature, req.Timestamp, walletauth.ActionSubmitProduct); err != nil {
		log.Warn().Err(err).Str("signed_action", signedAction(req.Message)).Msg("submission signature rejected")
		return nil, err
	}
	if err := s.allow(ctx, s.deps.Policies.SubmitWallet, ratelimit.SubmitKey(req.MakerAddress), "wallet"); err != nil {
		return nil, err
	}

	p, err := s.deps.Products.Create(ctx, products.Product{
		ProductID:    s.newID(),
		Title:        req.Title,
		Tagline:      req.Tagline,
		Description:  req.Description,
		Category:     req.Category,
		WebsiteURL:   req.WebsiteURL,
		YoutubeURL:   req.YoutubeURL,
		ImageURL:     req.ImageURL,
		MakerAddress: req.MakerAddress,
	})
	if err != nil {
		log.Error().Err(err).Msg("create product failed")
		return nil, storageErr("create product", err)
	}

	s.deps.Recorder.Incr(ctx, metrics.ProductSubmitted, map[string]string{"Category": p.Category})
	log.Info().Str("product_id", p.ProductID).Msg("product submitted")
	return p, nil
}

// GetProduct returns a product by id.
func (s *Service) GetProduct(ctx context.Context, productID string) (*products.Product, error) {
	p, err := s.deps.Products.Get(ctx, productID)
	if err != nil {
		return nil, storageErr("load product", err)
	}
	if p == nil {
		return nil, ErrProductNotFound
	}
	return p, nil
}

func (s *Service) authenticate(ctx context.Context, address, message, signature string, timestamp int64, action string) error {
	err := s.deps.Auth.Authenticate(address, message, signature, timestamp, action)
	if err == nil {
		return nil
	}
	s.deps.Recorder.Incr(ctx, metrics.SignatureRejected, map[string]string{"Action": action})
	if errors.Is(err, walletauth.ErrInvalidSignature) {
		return fmt.Errorf("%w: %w", ErrInvalidSignature, err)
	}
	// any other verifier failure still fails closed
	return fmt.Errorf("%w: %v", ErrInvalidSignature, err)
}

// signedAction is the action named in message, or "" when it does not parse.
func signedAction(message string) string {
	m, err := walletauth.ParseMessage(message)
	if err != nil {
		return ""
	}
	return m.Action
}

func (s *Service) allow(ctx context.Context, p ratelimit.Policy, identifier, limiter string) error {
	ok, err := p.Allow(ctx, s.deps.Limiter, identifier)
	if err != nil {
		s.deps.Logger.Error().Err(err).Str("policy", p.Name).Msg("rate limiter unavailable")
		return storageErr("rate limit "+p.Name, err)
	}
	if !ok {
		s.deps.Recorder.Incr(ctx, metrics.RateLimited, map[string]string{"Policy": p.Name})
		return &RateLimitError{Limiter: limiter}
	}
	return nil
}
