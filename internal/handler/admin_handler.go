package handler

import (
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/certpeak/service-purchase/internal/application"
	"github.com/certpeak/service-purchase/internal/auth"
	"github.com/certpeak/service-purchase/internal/middleware"
	"github.com/certpeak/service-purchase/internal/response"
)

// AdminPurchaseHandler handles admin HTTP requests for purchase management.
type AdminPurchaseHandler struct {
	service *application.PurchaseService
}

// NewAdminPurchaseHandler creates a new AdminPurchaseHandler.
func NewAdminPurchaseHandler(service *application.PurchaseService) *AdminPurchaseHandler {
	return &AdminPurchaseHandler{service: service}
}

// RegisterRoutes registers admin purchase routes.
func (h *AdminPurchaseHandler) RegisterRoutes(r *gin.RouterGroup, jwtManager *auth.JWTManager) {
	authMW := middleware.AuthMiddleware(jwtManager)
	adminRole := middleware.RequireRole(auth.RoleAdmin)

	admin := r.Group("/admin")
	admin.Use(authMW, adminRole)
	{
		admin.GET("/purchases", h.ListPurchases)
		admin.GET("/purchases/failed-completions", h.ListFailedCompletions)
		admin.GET("/stats/purchases", h.PurchaseStats)
	}
}

// ListPurchases handles GET /api/v1/admin/purchases.
func (h *AdminPurchaseHandler) ListPurchases(c *gin.Context) {
	page, _ := strconv.Atoi(c.DefaultQuery("page", "1"))
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "20"))
	if page < 1 {
		page = 1
	}
	if limit < 1 || limit > 100 {
		limit = 20
	}

	flows, total, err := h.service.ListAllFlows(c.Request.Context(), page, limit)
	if err != nil {
		response.Error(c, err)
		return
	}

	response.Paginated(c, flows, page, limit, total)
}

// ListFailedCompletions handles GET /api/v1/admin/purchases/failed-completions.
// These are flows whose charge succeeded but whose fulfillment did not,
// surfaced for support reconciliation against the payment intent id.
func (h *AdminPurchaseHandler) ListFailedCompletions(c *gin.Context) {
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "50"))
	if limit < 1 || limit > 200 {
		limit = 50
	}

	flows, err := h.service.ListFailedCompletions(c.Request.Context(), limit)
	if err != nil {
		response.Error(c, err)
		return
	}

	response.Success(c, flows)
}

// PurchaseStats handles GET /api/v1/admin/stats/purchases.
func (h *AdminPurchaseHandler) PurchaseStats(c *gin.Context) {
	stats, err := h.service.GetFlowStats(c.Request.Context())
	if err != nil {
		response.Error(c, err)
		return
	}

	response.Success(c, stats)
}
