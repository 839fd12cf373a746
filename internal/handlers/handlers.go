package handlers

import (
	"context"
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	validatorv10 "github.com/go-playground/validator/v10"
	"github.com/rs/zerolog"

	"github.com/imrishuroy/go-vote-payouts/internal/products"
	"github.com/imrishuroy/go-vote-payouts/internal/service"
	"github.com/imrishuroy/go-vote-payouts/internal/validation"
)

// VoteService is the business layer behind the routes.
type VoteService interface {
	CastVote(ctx context.Context, req validation.VoteRequest, clientIP string) (service.VoteResult, error)
	SubmitProduct(ctx context.Context, req validation.SubmitProductRequest) (*products.Product, error)
	GetProduct(ctx context.Context, productID string) (*products.Product, error)
}

// HandlerConfig groups dependencies for the routes.
type HandlerConfig struct {
	Service   VoteService
	Validator *validatorv10.Validate // defaults to validation.New()
	ClientKey string                 // returned by /get-client-key
	Logger    zerolog.Logger
}

// RegisterRoutes registers the public API on r.
func RegisterRoutes(r *gin.Engine, cfg HandlerConfig) {
	v := cfg.Validator
	if v == nil {
		v = validation.New()
	}
	h := &handler{svc: cfg.Service, v: v, clientKey: cfg.ClientKey, logger: cfg.Logger}

	r.POST("/submit-product", h.submitProduct)
	r.POST("/vote", h.vote)
	r.GET("/get-client-key", h.getClientKey)
	r.GET("/products/:id", h.getProduct)

	// preflight is answered by the CORS middleware; these make the routes match
	for _, path := range []string{"/submit-product", "/vote", "/get-client-key", "/products/:id"} {
		r.OPTIONS(path, func(c *gin.Context) { c.Status(http.StatusOK) })
	}
}

type handler struct {
	svc       VoteService
	v         *validatorv10.Validate
	clientKey string
	logger    zerolog.Logger
}

func (h *handler) submitProduct(c *gin.Context) {
	var req validation.SubmitProductRequest
	if err := validation.BindAndValidate(c, &req, h.v); err != nil {
		// BindAndValidate already wrote a 400
		return
	}

	p, err := h.svc.SubmitProduct(c.Request.Context(), req)
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.Header("Location", "/products/"+p.ProductID)
	c.JSON(http.StatusCreated, gin.H{"product": p})
}

func (h *handler) vote(c *gin.Context) {
	var req validation.VoteRequest
	if err := validation.BindAndValidate(c, &req, h.v); err != nil {
		return
	}

	res, err := h.svc.CastVote(c.Request.Context(), req, c.ClientIP())
	if errors.Is(err, service.ErrPayoutFailed) {
		// the vote counted; the payout could not be started
		h.log(c).Error().Err(err).Msg("vote accepted but payout orchestration failed")
		c.JSON(http.StatusBadGateway, gin.H{
			"error":        "payout_failed",
			"message":      "Your vote was counted but the payout could not be started",
			"votes":        res.Votes,
			"payoutStatus": res.PayoutStatus,
		})
		return
	}
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, res)
}

func (h *handler) getClientKey(c *gin.Context) {
	if h.clientKey == "" {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "not_configured", "message": "CIRCLE_CLIENT_KEY not configured"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"clientKey": h.clientKey})
}

func (h *handler) getProduct(c *gin.Context) {
	p, err := h.svc.GetProduct(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"product": p})
}

// writeError maps service errors to a status and a stable code. Anything
// unrecognized is logged and reported as a generic storage error.
func (h *handler) writeError(c *gin.Context, err error) {
	var (
		rl  *service.RateLimitError
		dup *service.DuplicateVoteError
		ve  *validation.Error
	)
	switch {
	case errors.As(err, &ve):
		c.JSON(http.StatusBadRequest, gin.H{"error": "validation_failed", "message": ve.Error(), "fields": ve.Fields})
	case errors.Is(err, service.ErrInvalidSignature):
		c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid_signature", "message": "Invalid or expired wallet signature"})
	case errors.As(err, &dup):
		c.JSON(http.StatusBadRequest, gin.H{
			"error":        "duplicate_vote",
			"message":      "You have already voted for this product",
			"votes":        dup.Votes,
			"payoutStatus": dup.PayoutStatus,
		})
	case errors.As(err, &rl):
		c.JSON(http.StatusTooManyRequests, gin.H{
			"error":   "rate_limit_exceeded",
			"message": "Too many requests. Please try again later.",
			"limiter": rl.Limiter,
		})
	case errors.Is(err, service.ErrProductNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "product_not_found", "message": "Product not found"})
	default:
		h.log(c).Error().Err(err).Str("path", c.FullPath()).Msg("request failed")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "storage_error", "message": "Internal server error"})
	}
}

// log prefers the request-scoped logger installed by RequestLogger.
func (h *handler) log(c *gin.Context) *zerolog.Logger {
	if l := zerolog.Ctx(c.Request.Context()); l.GetLevel() != zerolog.Disabled {
		return l
	}
	return &h.logger
}
