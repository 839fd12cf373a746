package validation

import (
	"strings"
)

// DefaultCategory is used when a submission names none.
const DefaultCategory = "General"

// SubmitProductRequest is the payload for POST /submit-product.
type SubmitProductRequest struct {
	Title        string `json:"title" validate:"required,max=100"`
	Tagline      string `json:"tagline,omitempty" validate:"max=200"`
	Description  string `json:"description,omitempty" validate:"max=1000"`
	MakerAddress string `json:"makerAddress" validate:"required,wallet"` // payout destination
	Category     string `json:"category,omitempty" validate:"oneof=finance web3 ai productivity developer design other General"`
	WebsiteURL   string `json:"websiteUrl,omitempty" validate:"omitempty,max=500,weburl"`
	YoutubeURL   string `json:"youtubeUrl,omitempty" validate:"omitempty,max=500,weburl"`
	ImageURL     string `json:"imageUrl,omitempty" validate:"omitempty,max=500,weburl"`
	Signature    string `json:"signature" validate:"required"`
	Message      string `json:"message" validate:"required"`
	Timestamp    int64  `json:"timestamp" validate:"gt=0"` // unix millis
}

// Normalize sanitizes free text, applies the category default and lower-cases
// the maker address. It runs before validation, so a title made only of
// markup characters is rejected as empty.
func (r *SubmitProductRequest) Normalize() {
	r.Title = Sanitize(r.Title)
	r.Tagline = Sanitize(r.Tagline)
	r.Description = Sanitize(r.Description)
	r.WebsiteURL = strings.TrimSpace(r.WebsiteURL)
	r.YoutubeURL = strings.TrimSpace(r.YoutubeURL)
	r.ImageURL = strings.TrimSpace(r.ImageURL)
	if r.Category == "" {
		r.Category = DefaultCategory
	}
	r.MakerAddress = strings.ToLower(r.MakerAddress)
}

// VoteRequest is the payload for POST /vote.
type VoteRequest struct {
	ProductID    string `json:"productId" validate:"required,uuid"`
	VoterAddress string `json:"voterAddress" validate:"required,wallet"`
	Signature    string `json:"signature" validate:"required"`
	Message      string `json:"message" validate:"required"`
	Timestamp    int64  `json:"timestamp" validate:"gt=0"`
}

// Normalize lower-cases the voter address so every casing of a wallet
// shares one vote and one rate limit.
func (r *VoteRequest) Normalize() {
	r.VoterAddress = strings.ToLower(r.VoterAddress)
}

// Sanitize strips markup angle brackets and surrounding whitespace.
func Sanitize(s string) string {
	return strings.TrimSpace(strings.NewReplacer("<", "", ">", "").Replace(s))
}
