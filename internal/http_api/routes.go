package http_api

import "github.com/gin-gonic/gin"

// routes sets up the routes for the HTTP server.
func (s *HTTPServer) routes() {
	s.router.GET("/metrics", gin.WrapH(s.metrics))

	api := s.router.Group("/api/v1")
	api.POST("/orders", s.createOrder)
	api.POST("/purchases/complete", s.requirePaymentProvider(), s.completePurchase)

	api.POST("/accounts", s.createAccount)
	api.GET("/accounts/:email", s.getAccount)
	api.DELETE("/accounts/:email", s.deleteAccount)
	api.POST("/accounts/:email/reveal", s.revealKey)
	api.POST("/accounts/:email/trial", s.useTrial)

	api.POST("/keys/validate", s.validateKey)
	api.GET("/downloads/:token", s.registerDownload)

	admin := api.Group("", s.requireAdmin())
	admin.GET("/orders/by-reference/:ref", s.findOrderByReference)
	admin.POST("/orders/:id/fail", s.failOrder)
	admin.POST("/orders/:id/refund", s.refundOrder)
	admin.POST("/admin/reconcile", s.reconcile)
}
