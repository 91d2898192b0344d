package handlers

import (
	"context"
	"errors"
	"log/slog"
	"math"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	validatorv10 "github.com/go-playground/validator/v10"
	"github.com/imrishuroy/go-idempokit/internal/idempotency"
	"github.com/imrishuroy/go-idempokit/internal/payments"
	"github.com/imrishuroy/go-idempokit/internal/validation"
)

// PaymentProcessor is the operation guarded by the idempotency engine.
type PaymentProcessor interface {
	Process(ctx context.Context, c payments.Charge) (payments.Payment, error)
}

// HandlerConfig groups dependencies for the payments handler.
type HandlerConfig struct {
	Engine    *idempotency.Engine
	Processor PaymentProcessor
	Validator *validatorv10.Validate
	Logger    *slog.Logger
}

// RegisterPaymentsRoutes registers the payment API and its health check.
func RegisterPaymentsRoutes(r *gin.Engine, cfg HandlerConfig) {
	v := cfg.Validator
	if v == nil {
		v = validation.New()
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	r.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	r.POST("/payments", func(c *gin.Context) {
		ctx := c.Request.Context()

		idempKey := c.GetHeader("Idempotency-Key")
		if err := validation.IdempotencyKey(v, idempKey); err != nil {
			code := "INVALID_IDEMPOTENCY_KEY"
			if errors.Is(err, validation.ErrMissingIdempotencyKey) {
				code = "MISSING_IDEMPOTENCY_KEY"
			}
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error(), "code": code})
			return
		}

		var req validation.PaymentRequest
		raw, err := validation.BindAndValidate(c, &req, v)
		if err != nil {
			// BindAndValidate already wrote a 400
			return
		}

		fp, err := cfg.Engine.FingerprintJSON(raw)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request body", "code": "INVALID_REQUEST_BODY"})
			return
		}

		// email stays out of audit metadata
		md := map[string]any{
			"requestId": c.GetHeader("X-Request-Id"),
			"clientId":  req.ClientID,
			"userId":    req.UserID,
			"ip":        c.ClientIP(),
		}

		charge := payments.Charge{Amount: req.Amount, Currency: req.Currency, CustomerID: req.CustomerID}
		_, body, err := idempotency.ExecuteJSON(ctx, cfg.Engine, idempKey, fp,
			func(ctx context.Context) (payments.Payment, error) {
				return cfg.Processor.Process(ctx, charge)
			},
			idempotency.WithMetadata(md),
		)
		if err != nil {
			writeExecuteError(c, logger, idempKey, err)
			return
		}

		c.Data(http.StatusCreated, "application/json; charset=utf-8", body)
	})
}

func writeExecuteError(c *gin.Context, logger *slog.Logger, key string, err error) {
	switch {
	case errors.Is(err, idempotency.ErrFingerprintMismatch):
		c.JSON(http.StatusConflict, gin.H{
			"error": "Request payload differs from original request",
			"code":  "FINGERPRINT_MISMATCH",
		})
	case errors.Is(err, idempotency.ErrOperationInProgress):
		if d := idempotency.RetryAfterOf(err); d > 0 {
			c.Header("Retry-After", strconv.Itoa(int(math.Ceil(d.Seconds()))))
		}
		c.JSON(http.StatusConflict, gin.H{
			"error": "Payment is already being processed",
			"code":  "OPERATION_IN_PROGRESS",
		})
	case errors.Is(err, idempotency.ErrHandlerTimeout):
		c.JSON(http.StatusRequestTimeout, gin.H{
			"error": "Payment processing timed out",
			"code":  "HANDLER_TIMEOUT",
		})
	case errors.Is(err, idempotency.ErrAdapterUnavailable):
		logger.ErrorContext(c.Request.Context(), "idempotency store unavailable",
			"module", "handlers", "layer", "http", "operation", "create_payment",
			"outcome", "failure", "idempotency_key", key, "error", err)
		c.JSON(http.StatusServiceUnavailable, gin.H{
			"error": "Service temporarily unavailable",
			"code":  "ADAPTER_UNAVAILABLE",
		})
	default:
		logger.ErrorContext(c.Request.Context(), "payment failed",
			"module", "handlers", "layer", "http", "operation", "create_payment",
			"outcome", "failure", "idempotency_key", key, "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{
			"error": "Internal server error",
			"code":  "INTERNAL_ERROR",
		})
	}
}
