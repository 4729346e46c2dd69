package handler

import (
	"io"
	"net/http"

	"github.com/certpeak/service-purchase/internal/application"
	"github.com/certpeak/service-purchase/internal/auth"
	"github.com/certpeak/service-purchase/internal/backend"
	"github.com/certpeak/service-purchase/internal/middleware"
	"github.com/certpeak/service-purchase/internal/response"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
)

// PurchaseHandler handles HTTP requests for purchase operations.
type PurchaseHandler struct {
	service         *application.PurchaseService
	maxReceiptBytes int64
}

// NewPurchaseHandler creates a new PurchaseHandler.
func NewPurchaseHandler(service *application.PurchaseService, maxReceiptBytes int64) *PurchaseHandler {
	return &PurchaseHandler{service: service, maxReceiptBytes: maxReceiptBytes}
}

// RegisterRoutes registers all purchase routes on the given router group.
func (h *PurchaseHandler) RegisterRoutes(r *gin.RouterGroup, jwtManager *auth.JWTManager) {
	purchases := r.Group("/purchases")
	purchases.Use(middleware.AuthMiddleware(jwtManager))
	{
		purchases.POST("/checkout", middleware.RequireRole(auth.RoleCenter, auth.RoleInstructor), h.Checkout)
		purchases.POST("/manual", middleware.RequireRole(auth.RoleCenter, auth.RoleInstructor), h.SubmitManualPayment)
		purchases.GET("/provider-config", h.GetProviderConfig)
		purchases.GET("/discounts", h.ListEligibleDiscounts)
		purchases.GET("/:id", h.GetFlow)
	}
}

// Checkout handles POST /api/v1/purchases/checkout
func (h *PurchaseHandler) Checkout(c *gin.Context) {
	userID, ok := middleware.GetUserID(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}

	var req application.CheckoutRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.BadRequest(c, err.Error())
		return
	}

	result, err := h.service.Checkout(c.Request.Context(), userID, req)
	if err != nil {
		response.Error(c, err)
		return
	}

	response.Created(c, result)
}

// SubmitManualPayment handles POST /api/v1/purchases/manual (multipart)
func (h *PurchaseHandler) SubmitManualPayment(c *gin.Context) {
	userID, ok := middleware.GetUserID(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}

	var req application.ManualPaymentRequest
	if err := c.ShouldBind(&req); err != nil {
		response.BadRequest(c, err.Error())
		return
	}

	fileHeader, err := c.FormFile("receipt")
	if err != nil {
		response.BadRequest(c, "a receipt file is required")
		return
	}
	if fileHeader.Size > h.maxReceiptBytes {
		response.BadRequest(c, "receipt file is too large")
		return
	}

	file, err := fileHeader.Open()
	if err != nil {
		response.BadRequest(c, "could not read receipt file")
		return
	}
	defer file.Close()

	content, err := io.ReadAll(io.LimitReader(file, h.maxReceiptBytes+1))
	if err != nil {
		response.BadRequest(c, "could not read receipt file")
		return
	}

	receipt := backend.Receipt{
		Filename:    fileHeader.Filename,
		ContentType: fileHeader.Header.Get("Content-Type"),
		Content:     content,
	}

	result, err := h.service.SubmitManualPayment(c.Request.Context(), userID, req, receipt)
	if err != nil {
		response.Error(c, err)
		return
	}

	response.Created(c, result)
}

// GetProviderConfig handles GET /api/v1/purchases/provider-config
func (h *PurchaseHandler) GetProviderConfig(c *gin.Context) {
	cfg, err := h.service.GetProviderConfig(c.Request.Context())
	if err != nil {
		response.Error(c, err)
		return
	}
	response.Success(c, cfg)
}

// ListEligibleDiscounts handles GET /api/v1/purchases/discounts?course_id=...
func (h *PurchaseHandler) ListEligibleDiscounts(c *gin.Context) {
	courseID := c.Query("course_id")

	codes, err := h.service.ListEligibleDiscounts(c.Request.Context(), courseID)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.Success(c, codes)
}

// GetFlow handles GET /api/v1/purchases/:id
func (h *PurchaseHandler) GetFlow(c *gin.Context) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		response.BadRequest(c, "invalid purchase flow ID")
		return
	}

	dto, err := h.service.GetFlow(c.Request.Context(), id)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.Success(c, dto)
}
