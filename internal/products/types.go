package products

import (
	"encoding/json"
	"time"
)

// Payout statuses. A product moves none -> pending -> paid|failed and never back.
const (
	PayoutNone    = "none"
	PayoutPending = "pending"
	PayoutPaid    = "paid"
	PayoutFailed  = "failed"
)

// Product represents the item stored in the products DynamoDB table.
type Product struct {
	ProductID    string `dynamodbav:"product_id" json:"id"` // PK
	Title        string `dynamodbav:"title" json:"title"`
	Tagline      string `dynamodbav:"tagline,omitempty" json:"tagline,omitempty"`
	Description  string `dynamodbav:"description,omitempty" json:"description,omitempty"`
	Category     string `dynamodbav:"category" json:"category"`
	WebsiteURL   string `dynamodbav:"website_url,omitempty" json:"websiteUrl,omitempty"`
	YoutubeURL   string `dynamodbav:"youtube_url,omitempty" json:"youtubeUrl,omitempty"`
	ImageURL     string `dynamodbav:"image_url,omitempty" json:"imageUrl,omitempty"`
	MakerAddress string `dynamodbav:"maker_address" json:"makerAddress"` // lower-case, payout destination
	VoteCount    int    `dynamodbav:"vote_count" json:"voteCount"`

	PayoutStatus         string          `dynamodbav:"payout_status" json:"payoutStatus"`
	PayoutData           json.RawMessage `dynamodbav:"payout_data,omitempty" json:"payoutData,omitempty"` // provider receipt, only when paid
	PayoutIdempotencyKey string          `dynamodbav:"payout_idempotency_key,omitempty" json:"-"`
	PayoutClaimedAt      int64           `dynamodbav:"payout_claimed_at,omitempty" json:"-"` // unix millis
	PayoutError          string          `dynamodbav:"payout_error,omitempty" json:"-"`
	PayoutSettledAt      *time.Time      `dynamodbav:"payout_settled_at,omitempty" json:"payoutSettledAt,omitempty"` // set on paid or failed

	CreatedAt time.Time `dynamodbav:"created_at" json:"createdAt"`
	UpdatedAt time.Time `dynamodbav:"updated_at" json:"updatedAt"`
}
