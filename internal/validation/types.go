package validation

// PaymentRequest is the payload for POST /payments. Amount is in minor
// units (cents).
type PaymentRequest struct {
	Amount     int64  `json:"amount" validate:"required,gt=0"`
	Currency   string `json:"currency" validate:"required,len=3,uppercase"`
	CustomerID string `json:"customerId" validate:"required,max=128"`
	ClientID   string `json:"clientId,omitempty" validate:"omitempty,max=128"`
	UserID     string `json:"userId,omitempty" validate:"omitempty,max=128"`
	Email      string `json:"email,omitempty" validate:"omitempty,email"`
}
