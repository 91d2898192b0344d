package validation

import (
	"errors"

	validatorv10 "github.com/go-playground/validator/v10"
)

const (
	MinIdempotencyKeyLen = 8
	MaxIdempotencyKeyLen = 64
)

var (
	ErrMissingIdempotencyKey = errors.New("Missing Idempotency-Key header")
	ErrInvalidIdempotencyKey = errors.New("Idempotency-Key must be between 8 and 64 characters")
)

// New returns a configured validator with the idempotency_key tag registered.
func New() *validatorv10.Validate {
	v := validatorv10.New()

	// idempotency keys travel in headers and storage keys; allow visible
	// ASCII only.
	_ = v.RegisterValidation("idempotency_key", func(fl validatorv10.FieldLevel) bool {
		for _, r := range fl.Field().String() {
			if r < 0x21 || r > 0x7e {
				return false
			}
		}
		return true
	})

	return v
}

// IdempotencyKey checks the raw header value.
func IdempotencyKey(v *validatorv10.Validate, key string) error {
	if key == "" {
		return ErrMissingIdempotencyKey
	}
	if err := v.Var(key, "min=8,max=64,idempotency_key"); err != nil {
		return ErrInvalidIdempotencyKey
	}
	return nil
}
