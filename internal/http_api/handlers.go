package http_api

import (
	"crypto/subtle"
	"errors"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/shopspring/decimal"

	"github.com/ocus-app/activation/internal/models"
)

// CreateOrderRequest represents the JSON body for starting a payment attempt
type CreateOrderRequest struct {
	CustomerEmail    string          `json:"customer_email" binding:"required"`
	CustomerName     string          `json:"customer_name"`
	ProductID        string          `json:"product_id" binding:"required"`
	OriginalAmount   decimal.Decimal `json:"original_amount"`
	FinalAmount      decimal.Decimal `json:"final_amount"`
	Currency         string          `json:"currency" binding:"required,len=3"`
	PaymentMethod    string          `json:"payment_method"`
	PaymentReference string          `json:"payment_reference"`
}

// CompletePurchaseRequest is a verified payment confirmation
type CompletePurchaseRequest struct {
	PaymentReference string          `json:"payment_reference"`
	OrderID          string          `json:"order_id"`
	CustomerEmail    string          `json:"customer_email" binding:"required"`
	CustomerName     string          `json:"customer_name"`
	ProductID        string          `json:"product_id"`
	Amount           decimal.Decimal `json:"amount"`
	Currency         string          `json:"currency" binding:"required,len=3"`
	PaymentMethod    string          `json:"payment_method"`
}

// AccountRequest represents the JSON body for registration
type AccountRequest struct {
	Email string `json:"email" binding:"required"`
	Name  string `json:"name"`
}

// ValidateKeyRequest is sent by the extension
type ValidateKeyRequest struct {
	ActivationKey string `json:"activation_key" binding:"required"`
}

// statusFor maps pipeline errors to HTTP status codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, models.ErrInvalidInput):
		return http.StatusBadRequest
	case errors.Is(err, models.ErrPaymentRequired), errors.Is(err, models.ErrTrialExhausted):
		return http.StatusPaymentRequired
	case errors.Is(err, models.ErrKeyInactive):
		return http.StatusForbidden
	case errors.Is(err, models.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, models.ErrKeyNotReady),
		errors.Is(err, models.ErrInvalidTransition),
		errors.Is(err, models.ErrOrderNotCompleted),
		errors.Is(err, models.ErrAccountHasPurchases):
		return http.StatusConflict
	case errors.Is(err, models.ErrDownloadLimitReached):
		return http.StatusGone
	default:
		return http.StatusInternalServerError
	}
}

// respondError writes the error body. Internal failures are logged and
// their details withheld.
func (s *HTTPServer) respondError(c *gin.Context, err error, action string) {
	status := statusFor(err)
	body := gin.H{"success": false}
	switch {
	case status == http.StatusInternalServerError:
		s.logger.Error("Request failed", "action", action, "error", err)
		body["error"] = "Failed to " + action
	case errors.Is(err, models.ErrInvalidInput):
		body["error"] = err.Error()
	case errors.Is(err, models.ErrKeyNotReady):
		body["error"] = models.ErrKeyNotReady.Error()
		body["retry"] = true
	default:
		body["error"] = rootMessage(err)
	}
	c.JSON(status, body)
}

// rootMessage returns the message of the first pipeline sentinel in err.
func rootMessage(err error) string {
	for _, sentinel := range []error{
		models.ErrPaymentRequired,
		models.ErrTrialExhausted,
		models.ErrKeyInactive,
		models.ErrNotFound,
		models.ErrInvalidTransition,
		models.ErrOrderNotCompleted,
		models.ErrAccountHasPurchases,
		models.ErrDownloadLimitReached,
	} {
		if errors.Is(err, sentinel) {
			return sentinel.Error()
		}
	}
	return err.Error()
}

func (s *HTTPServer) badRequest(c *gin.Context, err error) {
	s.logger.Debug("Invalid request body", "error", err)
	c.JSON(http.StatusBadRequest, gin.H{
		"success": false,
		"error":   "Invalid request body: " + err.Error(),
	})
}

// requireBearer accepts requests carrying any of the non-empty tokens. With
// no token configured every request is rejected.
func (s *HTTPServer) requireBearer(tokens ...string) gin.HandlerFunc {
	return func(c *gin.Context) {
		presented := []byte(strings.TrimPrefix(c.GetHeader("Authorization"), "Bearer "))
		for _, token := range tokens {
			if token != "" && subtle.ConstantTimeCompare(presented, []byte(token)) == 1 {
				c.Next()
				return
			}
		}
		s.logger.Warn("Rejected unauthenticated request", "path", c.FullPath(), "client_ip", c.ClientIP())
		c.AbortWithStatusJSON(http.StatusForbidden, gin.H{
			"success": false,
			"error":   "Forbidden",
		})
	}
}

// requireAdmin checks the bearer token on admin routes.
func (s *HTTPServer) requireAdmin() gin.HandlerFunc {
	return s.requireBearer(s.adminToken)
}

// requirePaymentProvider guards completion. Only the payment integration,
// which verified the payment, or an operator may confirm a purchase.
func (s *HTTPServer) requirePaymentProvider() gin.HandlerFunc {
	return s.requireBearer(s.webhookSecret, s.adminToken)
}

// createOrder is a handler for the POST /orders endpoint.
func (s *HTTPServer) createOrder(c *gin.Context) {
	var req CreateOrderRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		s.badRequest(c, err)
		return
	}

	order, err := s.activation.CreatePendingOrder(c.Request.Context(), models.PendingOrder{
		CustomerEmail:    req.CustomerEmail,
		CustomerName:     req.CustomerName,
		ProductID:        req.ProductID,
		OriginalAmount:   req.OriginalAmount,
		FinalAmount:      req.FinalAmount,
		Currency:         req.Currency,
		PaymentMethod:    req.PaymentMethod,
		PaymentReference: req.PaymentReference,
	})
	if err != nil {
		s.respondError(c, err, "create order")
		return
	}

	c.JSON(http.StatusCreated, gin.H{
		"success": true,
		"order":   order,
	})
}

// completePurchase is a handler for the POST /purchases/complete endpoint.
// A replayed confirmation answers 200 with the original result.
func (s *HTTPServer) completePurchase(c *gin.Context) {
	var req CompletePurchaseRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		s.badRequest(c, err)
		return
	}

	result, err := s.activation.CompletePurchase(c.Request.Context(), models.PaymentConfirmation{
		PaymentReference: req.PaymentReference,
		OrderID:          req.OrderID,
		CustomerEmail:    req.CustomerEmail,
		CustomerName:     req.CustomerName,
		ProductID:        req.ProductID,
		Amount:           req.Amount,
		Currency:         req.Currency,
		PaymentMethod:    req.PaymentMethod,
	})
	if err != nil {
		s.respondError(c, err, "complete purchase")
		return
	}

	status := http.StatusCreated
	if result.Replayed {
		status = http.StatusOK
	}
	c.JSON(status, gin.H{
		"success":  true,
		"purchase": result,
	})
}

func (s *HTTPServer) createAccount(c *gin.Context) {
	var req AccountRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		s.badRequest(c, err)
		return
	}

	if _, err := s.activation.GetOrCreateAccount(c.Request.Context(), req.Email, req.Name); err != nil {
		s.respondError(c, err, "create account")
		return
	}
	view, err := s.activation.GetAccount(c.Request.Context(), req.Email)
	if err != nil {
		s.respondError(c, err, "create account")
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"success": true,
		"account": view,
	})
}

func (s *HTTPServer) getAccount(c *gin.Context) {
	view, err := s.activation.GetAccount(c.Request.Context(), c.Param("email"))
	if err != nil {
		s.respondError(c, err, "get account")
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"success": true,
		"account": view,
	})
}

func (s *HTTPServer) deleteAccount(c *gin.Context) {
	if err := s.activation.DeleteAccount(c.Request.Context(), c.Param("email")); err != nil {
		s.respondError(c, err, "delete account")
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"success": true,
		"message": "Account deleted",
	})
}

// revealKey is the scratch card. Repeat calls return the same key.
func (s *HTTPServer) revealKey(c *gin.Context) {
	key, err := s.activation.RevealKey(c.Request.Context(), c.Param("email"))
	if err != nil {
		s.respondError(c, err, "reveal activation key")
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"success":        true,
		"activation_key": key,
	})
}

func (s *HTTPServer) useTrial(c *gin.Context) {
	result, err := s.activation.UseFeature(c.Request.Context(), c.Param("email"))
	if err != nil {
		if errors.Is(err, models.ErrTrialExhausted) {
			c.JSON(http.StatusPaymentRequired, gin.H{
				"success":   false,
				"error":     models.ErrTrialExhausted.Error(),
				"allowed":   false,
				"remaining": 0,
			})
			return
		}
		s.respondError(c, err, "use trial")
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"success":   true,
		"allowed":   result.Allowed,
		"remaining": result.Remaining,
	})
}

func (s *HTTPServer) validateKey(c *gin.Context) {
	var req ValidateKeyRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		s.badRequest(c, err)
		return
	}

	key, err := s.activation.ValidateKey(c.Request.Context(), req.ActivationKey)
	if err != nil {
		s.respondError(c, err, "validate activation key")
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"success": true,
		"valid":   true,
		"email":   key.Email,
		"used_at": key.UsedAt,
	})
}

func (s *HTTPServer) registerDownload(c *gin.Context) {
	order, err := s.activation.RegisterDownload(c.Request.Context(), c.Param("token"))
	if err != nil {
		s.respondError(c, err, "register download")
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"success":             true,
		"product_id":          order.ProductID,
		"downloads_remaining": order.MaxDownloads - order.DownloadCount,
	})
}

func (s *HTTPServer) findOrderByReference(c *gin.Context) {
	order, err := s.activation.FindByPaymentReference(c.Request.Context(), c.Param("ref"))
	if err != nil {
		s.respondError(c, err, "find order")
		return
	}
	if order == nil {
		c.JSON(http.StatusNotFound, gin.H{
			"success": false,
			"error":   "Order not found",
		})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"success": true,
		"order":   order,
	})
}

func (s *HTTPServer) failOrder(c *gin.Context) {
	order, err := s.activation.MarkFailed(c.Request.Context(), c.Param("id"))
	if err != nil {
		s.respondError(c, err, "mark order failed")
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"success": true,
		"order":   order,
	})
}

func (s *HTTPServer) refundOrder(c *gin.Context) {
	order, err := s.activation.MarkRefunded(c.Request.Context(), c.Param("id"))
	if err != nil {
		s.respondError(c, err, "refund order")
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"success": true,
		"order":   order,
	})
}

func (s *HTTPServer) reconcile(c *gin.Context) {
	report, err := s.activation.Reconcile(c.Request.Context())
	if err != nil {
		s.respondError(c, err, "reconcile")
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"success": true,
		"report":  report,
	})
}
