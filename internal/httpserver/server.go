// Package httpserver exposes the commerce core over HTTP: user-facing
// balance, catalog, purchase, and top-up routes, the provider webhook, and a
// token-guarded admin surface.
package httpserver

import (
	"context"
	"errors"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/warungbot/commerce/pkg/commerce"
)

const callbackSignatureHeader = "X-Callback-Signature"

// Run boots the HTTP facade and the background expiry sweep.
func Run(ctx context.Context, cfg Config, service *commerce.Service, logger *zap.Logger) error {
	router := NewRouter(cfg, service, logger)

	server := &http.Server{
		Addr:    cfg.ListenAddr,
		Handler: router,
	}

	sweepCtx, stopSweep := context.WithCancel(ctx)
	defer stopSweep()
	go runExpirySweep(sweepCtx, cfg.SweepInterval, service, logger)

	errCh := make(chan error, 1)
	go func() {
		logger.Info("commerced listening", zap.String("addr", cfg.ListenAddr))
		errCh <- server.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if shutdownErr := server.Shutdown(shutdownCtx); shutdownErr != nil {
			logger.Warn("server shutdown error", zap.Error(shutdownErr))
		}
		return nil
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}

// runExpirySweep periodically expires overdue unpaid payment references.
func runExpirySweep(ctx context.Context, interval time.Duration, service *commerce.Service, logger *zap.Logger) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			expired, err := service.ExpireOverdueReferences(ctx)
			if err != nil {
				logger.Warn("expiry sweep failed", zap.Error(err))
				continue
			}
			if expired > 0 {
				logger.Info("expired overdue references", zap.Int("count", expired))
			}
		}
	}
}

// NewRouter assembles the gin engine with all routes mounted.
func NewRouter(cfg Config, service *commerce.Service, logger *zap.Logger) *gin.Engine {
	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(cors.New(cors.Config{
		AllowOrigins:     cfg.AllowedOrigins,
		AllowMethods:     []string{"GET", "POST", "PUT", "OPTIONS"},
		AllowHeaders:     []string{"Content-Type", "Origin", "Accept", "Authorization"},
		AllowCredentials: true,
		MaxAge:           12 * time.Hour,
	}))

	handler := &httpHandler{logger: logger, service: service}

	router.GET("/healthz", func(ctx *gin.Context) {
		ctx.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	router.POST("/webhook/tripay", handler.handleWebhook)

	api := router.Group("/api")
	api.POST("/users", handler.handleRegister)
	api.GET("/users/:id/balance", handler.handleBalance)
	api.GET("/users/:id/history", handler.handleHistory)
	api.GET("/users/:id/profile", handler.handleProfile)
	api.GET("/products", handler.handleListProducts)
	api.POST("/purchases", handler.handlePurchase)
	api.POST("/topups", handler.handleTopup)
	api.GET("/channels", handler.handleChannels)

	admin := api.Group("/admin")
	admin.Use(adminMiddleware([]byte(cfg.AdminSigningKey), cfg.AdminIssuer))
	admin.POST("/products", handler.handleCreateProduct)
	admin.POST("/products/:id/stock", handler.handleAppendStock)
	admin.POST("/products/:id/price", handler.handleUpdatePrice)
	admin.POST("/adjustments", handler.handleAdjustment)
	admin.GET("/channels", handler.handleChannelSettings)
	admin.PUT("/channels", handler.handleSetChannelSettings)

	return router
}

type httpHandler struct {
	logger  *zap.Logger
	service *commerce.Service
}

func (handler *httpHandler) handleWebhook(ctx *gin.Context) {
	rawBody, err := io.ReadAll(ctx.Request.Body)
	if err != nil {
		ctx.JSON(http.StatusBadRequest, errorResponse("invalid_payload", "unreadable body"))
		return
	}
	signature := ctx.GetHeader(callbackSignatureHeader)
	result, err := handler.service.HandleNotification(ctx.Request.Context(), rawBody, signature)
	if err != nil {
		handler.respondError(ctx, err)
		return
	}
	ctx.JSON(http.StatusOK, gin.H{
		"success":   true,
		"reference": result.Reference,
		"status":    string(result.Status),
		"duplicate": result.Duplicate,
	})
}

type registerRequest struct {
	UserID      int64  `json:"user_id"`
	DisplayName string `json:"display_name"`
}

func (handler *httpHandler) handleRegister(ctx *gin.Context) {
	var request registerRequest
	if err := ctx.ShouldBindJSON(&request); err != nil {
		ctx.JSON(http.StatusBadRequest, errorResponse("invalid_payload", "expected JSON body"))
		return
	}
	userID, err := commerce.NewUserID(request.UserID)
	if err != nil {
		handler.respondError(ctx, err)
		return
	}
	user, err := handler.service.RegisterUser(ctx.Request.Context(), userID, request.DisplayName)
	if err != nil {
		handler.respondError(ctx, err)
		return
	}
	ctx.JSON(http.StatusOK, userPayloadFrom(user))
}

func (handler *httpHandler) handleBalance(ctx *gin.Context) {
	userID, ok := handler.pathUserID(ctx)
	if !ok {
		return
	}
	balance, err := handler.service.QueryBalance(ctx.Request.Context(), userID)
	if err != nil {
		handler.respondError(ctx, err)
		return
	}
	ctx.JSON(http.StatusOK, gin.H{"user_id": int64(userID), "balance": int64(balance)})
}

func (handler *httpHandler) handleHistory(ctx *gin.Context) {
	userID, ok := handler.pathUserID(ctx)
	if !ok {
		return
	}
	entries, err := handler.service.History(ctx.Request.Context(), userID, HistoryLimit())
	if err != nil {
		handler.respondError(ctx, err)
		return
	}
	payload := make([]transactionPayload, 0, len(entries))
	for _, entry := range entries {
		payload = append(payload, transactionPayloadFrom(entry))
	}
	ctx.JSON(http.StatusOK, gin.H{"transactions": payload})
}

func (handler *httpHandler) handleProfile(ctx *gin.Context) {
	userID, ok := handler.pathUserID(ctx)
	if !ok {
		return
	}
	user, stats, err := handler.service.ProfileFor(ctx.Request.Context(), userID)
	if err != nil {
		handler.respondError(ctx, err)
		return
	}
	ctx.JSON(http.StatusOK, gin.H{
		"user": userPayloadFrom(user),
		"stats": gin.H{
			"purchase_count": stats.PurchaseCount,
			"purchase_total": int64(stats.PurchaseTotal),
			"topup_count":    stats.TopupCount,
			"topup_total":    int64(stats.TopupTotal),
		},
	})
}

func (handler *httpHandler) handleListProducts(ctx *gin.Context) {
	products, err := handler.service.ListProducts(ctx.Request.Context(), true)
	if err != nil {
		handler.respondError(ctx, err)
		return
	}
	payload := make([]productPayload, 0, len(products))
	for _, product := range products {
		payload = append(payload, productPayloadFrom(product))
	}
	ctx.JSON(http.StatusOK, gin.H{"products": payload})
}

type purchaseRequest struct {
	UserID    int64 `json:"user_id"`
	ProductID int64 `json:"product_id"`
}

func (handler *httpHandler) handlePurchase(ctx *gin.Context) {
	var request purchaseRequest
	if err := ctx.ShouldBindJSON(&request); err != nil {
		ctx.JSON(http.StatusBadRequest, errorResponse("invalid_payload", "expected JSON body"))
		return
	}
	userID, err := commerce.NewUserID(request.UserID)
	if err != nil {
		handler.respondError(ctx, err)
		return
	}
	receipt, err := handler.service.Purchase(ctx.Request.Context(), userID, commerce.ProductID(request.ProductID))
	if err != nil {
		handler.respondError(ctx, err)
		return
	}
	ctx.JSON(http.StatusOK, gin.H{
		"transaction_id": receipt.TransactionID,
		"delivered_unit": string(receipt.DeliveredUnit),
		"new_balance":    int64(receipt.NewBalance),
	})
}

type topupRequest struct {
	UserID  int64  `json:"user_id"`
	Amount  int64  `json:"amount"`
	Channel string `json:"channel"`
}

func (handler *httpHandler) handleTopup(ctx *gin.Context) {
	var request topupRequest
	if err := ctx.ShouldBindJSON(&request); err != nil {
		ctx.JSON(http.StatusBadRequest, errorResponse("invalid_payload", "expected JSON body"))
		return
	}
	userID, err := commerce.NewUserID(request.UserID)
	if err != nil {
		handler.respondError(ctx, err)
		return
	}
	amount, err := commerce.NewAmount(request.Amount)
	if err != nil {
		handler.respondError(ctx, err)
		return
	}
	record, err := handler.service.InitiateTopup(ctx.Request.Context(), userID, amount, request.Channel)
	if err != nil {
		handler.respondError(ctx, err)
		return
	}
	ctx.JSON(http.StatusOK, gin.H{
		"reference":    record.Reference,
		"amount":       int64(record.Amount),
		"channel":      record.ChannelCode,
		"status":       string(record.Status),
		"checkout_url": record.CheckoutURL,
		"expires_at":   record.ExpiresAtUnixUTC,
	})
}

func (handler *httpHandler) handleChannels(ctx *gin.Context) {
	channels, err := handler.service.AvailableChannels(ctx.Request.Context())
	if err != nil {
		handler.respondError(ctx, err)
		return
	}
	payload := make([]channelPayload, 0, len(channels))
	for _, channel := range channels {
		payload = append(payload, channelPayload{
			Code:          channel.Code,
			Name:          channel.Name,
			Group:         channel.Group,
			FeeFlat:       int64(channel.FeeFlat),
			FeePercent:    channel.FeePercent,
			MinimumAmount: int64(channel.MinimumAmount),
			MaximumAmount: int64(channel.MaximumAmount),
		})
	}
	ctx.JSON(http.StatusOK, gin.H{"channels": payload})
}

type createProductRequest struct {
	Name        string   `json:"name"`
	Description string   `json:"description"`
	Price       int64    `json:"price"`
	Delivery    string   `json:"delivery"`
	Unlimited   bool     `json:"unlimited"`
	Units       []string `json:"units"`
}

func (handler *httpHandler) handleCreateProduct(ctx *gin.Context) {
	var request createProductRequest
	if err := ctx.ShouldBindJSON(&request); err != nil {
		ctx.JSON(http.StatusBadRequest, errorResponse("invalid_payload", "expected JSON body"))
		return
	}
	price, err := commerce.NewAmount(request.Price)
	if err != nil {
		handler.respondError(ctx, err)
		return
	}
	delivery := commerce.DeliveryAutomatic
	if request.Delivery != "" {
		delivery, err = commerce.ParseDeliveryMode(request.Delivery)
		if err != nil {
			handler.respondError(ctx, err)
			return
		}
	}
	units, err := parseUnits(request.Units)
	if err != nil {
		handler.respondError(ctx, err)
		return
	}
	product := commerce.Product{
		Name:        request.Name,
		Description: request.Description,
		Price:       price,
		Delivery:    delivery,
		Active:      true,
	}
	if request.Unlimited {
		product.Stock = commerce.UnlimitedStock
	}
	productID, err := handler.service.CreateProduct(ctx.Request.Context(), product, units)
	if err != nil {
		handler.respondError(ctx, err)
		return
	}
	ctx.JSON(http.StatusOK, gin.H{"product_id": int64(productID)})
}

type appendStockRequest struct {
	Units []string `json:"units"`
}

func (handler *httpHandler) handleAppendStock(ctx *gin.Context) {
	productID, ok := handler.pathProductID(ctx)
	if !ok {
		return
	}
	var request appendStockRequest
	if err := ctx.ShouldBindJSON(&request); err != nil {
		ctx.JSON(http.StatusBadRequest, errorResponse("invalid_payload", "expected JSON body"))
		return
	}
	units, err := parseUnits(request.Units)
	if err != nil {
		handler.respondError(ctx, err)
		return
	}
	if err := handler.service.Stock().AppendUnits(ctx.Request.Context(), productID, units); err != nil {
		handler.respondError(ctx, err)
		return
	}
	count, err := handler.service.Stock().AvailableCount(ctx.Request.Context(), productID)
	if err != nil {
		handler.respondError(ctx, err)
		return
	}
	ctx.JSON(http.StatusOK, gin.H{"product_id": int64(productID), "stock": count})
}

type updatePriceRequest struct {
	Price int64 `json:"price"`
}

func (handler *httpHandler) handleUpdatePrice(ctx *gin.Context) {
	productID, ok := handler.pathProductID(ctx)
	if !ok {
		return
	}
	var request updatePriceRequest
	if err := ctx.ShouldBindJSON(&request); err != nil {
		ctx.JSON(http.StatusBadRequest, errorResponse("invalid_payload", "expected JSON body"))
		return
	}
	price, err := commerce.NewAmount(request.Price)
	if err != nil {
		handler.respondError(ctx, err)
		return
	}
	if err := handler.service.UpdateProductPrice(ctx.Request.Context(), productID, price); err != nil {
		handler.respondError(ctx, err)
		return
	}
	ctx.JSON(http.StatusOK, gin.H{"product_id": int64(productID), "price": int64(price)})
}

type adjustmentRequest struct {
	UserID int64  `json:"user_id"`
	Delta  int64  `json:"delta"`
	Reason string `json:"reason"`
}

func (handler *httpHandler) handleAdjustment(ctx *gin.Context) {
	var request adjustmentRequest
	if err := ctx.ShouldBindJSON(&request); err != nil {
		ctx.JSON(http.StatusBadRequest, errorResponse("invalid_payload", "expected JSON body"))
		return
	}
	userID, err := commerce.NewUserID(request.UserID)
	if err != nil {
		handler.respondError(ctx, err)
		return
	}
	balance, err := handler.service.AdjustUserBalance(ctx.Request.Context(), userID, commerce.Amount(request.Delta), request.Reason)
	if err != nil {
		handler.respondError(ctx, err)
		return
	}
	ctx.JSON(http.StatusOK, gin.H{"user_id": int64(userID), "balance": int64(balance)})
}

func (handler *httpHandler) handleChannelSettings(ctx *gin.Context) {
	active, err := handler.service.ActiveChannels(ctx.Request.Context())
	if err != nil {
		handler.respondError(ctx, err)
		return
	}
	defaultChannel, err := handler.service.DefaultChannel(ctx.Request.Context())
	if err != nil {
		handler.respondError(ctx, err)
		return
	}
	ctx.JSON(http.StatusOK, gin.H{"active": active, "default": defaultChannel})
}

type channelSettingsRequest struct {
	Active  []string `json:"active"`
	Default string   `json:"default"`
}

func (handler *httpHandler) handleSetChannelSettings(ctx *gin.Context) {
	var request channelSettingsRequest
	if err := ctx.ShouldBindJSON(&request); err != nil {
		ctx.JSON(http.StatusBadRequest, errorResponse("invalid_payload", "expected JSON body"))
		return
	}
	if len(request.Active) > 0 {
		if err := handler.service.SetActiveChannels(ctx.Request.Context(), request.Active); err != nil {
			handler.respondError(ctx, err)
			return
		}
	}
	if request.Default != "" {
		if err := handler.service.SetDefaultChannel(ctx.Request.Context(), request.Default); err != nil {
			handler.respondError(ctx, err)
			return
		}
	}
	handler.handleChannelSettings(ctx)
}

func (handler *httpHandler) pathUserID(ctx *gin.Context) (commerce.UserID, bool) {
	raw, err := strconv.ParseInt(ctx.Param("id"), 10, 64)
	if err != nil {
		ctx.JSON(http.StatusBadRequest, errorResponse("invalid_user_id", "numeric user id required"))
		return 0, false
	}
	userID, err := commerce.NewUserID(raw)
	if err != nil {
		handler.respondError(ctx, err)
		return 0, false
	}
	return userID, true
}

func (handler *httpHandler) pathProductID(ctx *gin.Context) (commerce.ProductID, bool) {
	raw, err := strconv.ParseInt(ctx.Param("id"), 10, 64)
	if err != nil || raw <= 0 {
		ctx.JSON(http.StatusBadRequest, errorResponse("invalid_product_id", "numeric product id required"))
		return 0, false
	}
	return commerce.ProductID(raw), true
}

func (handler *httpHandler) respondError(ctx *gin.Context, err error) {
	status, code := statusForError(err)
	if status >= http.StatusInternalServerError {
		handler.logger.Error("request failed", zap.Error(err))
	}
	ctx.JSON(status, errorResponse(code, err.Error()))
}

func statusForError(err error) (int, string) {
	switch {
	case errors.Is(err, commerce.ErrInvalidSignature):
		return http.StatusBadRequest, "invalid_signature"
	case errors.Is(err, commerce.ErrUnknownReference):
		return http.StatusNotFound, "unknown_reference"
	case errors.Is(err, commerce.ErrUserNotFound):
		return http.StatusNotFound, "user_not_found"
	case errors.Is(err, commerce.ErrProductNotFound):
		return http.StatusNotFound, "product_not_found"
	case errors.Is(err, commerce.ErrInsufficientFunds):
		return http.StatusConflict, "insufficient_funds"
	case errors.Is(err, commerce.ErrOutOfStock):
		return http.StatusConflict, "out_of_stock"
	case errors.Is(err, commerce.ErrProductInactive):
		return http.StatusConflict, "product_inactive"
	case errors.Is(err, commerce.ErrTopupBelowMinimum):
		return http.StatusBadRequest, "topup_below_minimum"
	case errors.Is(err, commerce.ErrInvalidPayload),
		errors.Is(err, commerce.ErrInvalidUserID),
		errors.Is(err, commerce.ErrInvalidProductID),
		errors.Is(err, commerce.ErrInvalidProductName),
		errors.Is(err, commerce.ErrInvalidAmount),
		errors.Is(err, commerce.ErrInvalidStockUnit),
		errors.Is(err, commerce.ErrInvalidDeliveryMode):
		return http.StatusBadRequest, "invalid_payload"
	case errors.Is(err, commerce.ErrQuoteUnavailable):
		return http.StatusBadGateway, "provider_unavailable"
	}
	return http.StatusInternalServerError, "internal_error"
}

func parseUnits(raw []string) ([]commerce.StockUnit, error) {
	units := make([]commerce.StockUnit, 0, len(raw))
	for _, value := range raw {
		unit, err := commerce.NewStockUnit(value)
		if err != nil {
			return nil, err
		}
		units = append(units, unit)
	}
	return units, nil
}

func errorResponse(code string, message string) gin.H {
	return gin.H{
		"error": gin.H{
			"code":    code,
			"message": message,
		},
	}
}

type userPayload struct {
	UserID      int64  `json:"user_id"`
	DisplayName string `json:"display_name"`
	Balance     int64  `json:"balance"`
}

func userPayloadFrom(user commerce.User) userPayload {
	return userPayload{
		UserID:      int64(user.UserID),
		DisplayName: user.DisplayName,
		Balance:     int64(user.Balance),
	}
}

type productPayload struct {
	ProductID   int64  `json:"product_id"`
	Name        string `json:"name"`
	Description string `json:"description"`
	Price       int64  `json:"price"`
	Stock       int    `json:"stock"`
	Delivery    string `json:"delivery"`
}

func productPayloadFrom(product commerce.Product) productPayload {
	return productPayload{
		ProductID:   int64(product.ProductID),
		Name:        product.Name,
		Description: product.Description,
		Price:       int64(product.Price),
		Stock:       product.Stock,
		Delivery:    string(product.Delivery),
	}
}

type transactionPayload struct {
	TransactionID string `json:"transaction_id"`
	Kind          string `json:"kind"`
	Amount        int64  `json:"amount"`
	Description   string `json:"description"`
	Reference     string `json:"reference,omitempty"`
	CreatedUnix   int64  `json:"created_unix_utc"`
}

func transactionPayloadFrom(entry commerce.Transaction) transactionPayload {
	return transactionPayload{
		TransactionID: entry.TransactionID,
		Kind:          string(entry.Kind),
		Amount:        int64(entry.Amount),
		Description:   entry.Description,
		Reference:     entry.Reference,
		CreatedUnix:   entry.CreatedUnixUTC,
	}
}

type channelPayload struct {
	Code          string  `json:"code"`
	Name          string  `json:"name"`
	Group         string  `json:"group"`
	FeeFlat       int64   `json:"fee_flat"`
	FeePercent    float64 `json:"fee_percent"`
	MinimumAmount int64   `json:"minimum_amount"`
	MaximumAmount int64   `json:"maximum_amount"`
}
