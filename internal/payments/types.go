package payments

import "time"

// Payment statuses
const (
	StatusSucceeded = "succeeded"
)

// Charge is the validated input to the processor.
type Charge struct {
	Amount     int64
	Currency   string
	CustomerID string
}

// Payment is the processor's response and the item stored in the payments
// DynamoDB table. Its JSON form is what the idempotency engine persists and
// replays, so field order and tags are part of the API.
type Payment struct {
	PaymentID  string    `json:"paymentId" dynamodbav:"payment_id"` // PK
	Status     string    `json:"status" dynamodbav:"status"`
	Amount     int64     `json:"amount" dynamodbav:"amount"`
	Currency   string    `json:"currency" dynamodbav:"currency"`
	CustomerID string    `json:"customerId" dynamodbav:"customer_id"`
	CreatedAt  time.Time `json:"-" dynamodbav:"created_at"`
}
