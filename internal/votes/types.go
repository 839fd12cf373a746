package votes

import "time"

// Vote is the immutable record stored in the votes table. The pair
// (product_id, voter_address) is the table's primary key.
type Vote struct {
	ProductID    string    `dynamodbav:"product_id"`    // PK
	VoterAddress string    `dynamodbav:"voter_address"` // SK, lower-case
	CreatedAt    time.Time `dynamodbav:"created_at"`
}

// Result is the outcome of RecordVote. Accepted is false when the voter had
// already voted; Count is the authoritative number of votes either way.
type Result struct {
	Accepted bool
	Count    int
}
