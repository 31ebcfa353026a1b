// Package handler содержит HTTP-обработчики API сервиса расчётов кейтеринга.
package handler

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/mmeshcher/catering-system/internal/gateway"
	"github.com/mmeshcher/catering-system/internal/ledger"
	"github.com/mmeshcher/catering-system/internal/middleware"
	"github.com/mmeshcher/catering-system/internal/model"
	"github.com/mmeshcher/catering-system/internal/order"
	"github.com/mmeshcher/catering-system/internal/repository"
	"github.com/mmeshcher/catering-system/internal/settlement"
	"github.com/mmeshcher/catering-system/internal/validation"
)

// Service определяет контракт бизнес-логики, используемой HTTP-обработчиками.
type Service interface {
	Checkout(ctx context.Context, req settlement.CheckoutRequest) (*settlement.CheckoutResult, error)
	GetOrder(ctx context.Context, number string) (*model.Order, error)
	CancelOrder(ctx context.Context, number string, actor model.ActorRole, reason string) error
	UpdateStatus(ctx context.Context, number string, to model.OrderStatus, actor model.ActorRole, note string) error
	HandleGatewayCallback(ctx context.Context, paymentID, token string) error
	GetBalance(ctx context.Context, subjectID int64, kind model.BalanceKind) (*model.Balance, error)
	TopUp(ctx context.Context, subjectID int64, kind model.BalanceKind, amount int64) error
}

// Handler реализует HTTP-обработчики API сервиса расчётов кейтеринга.
type Handler struct {
	service        Service
	logger         *zap.Logger
	authMiddleware *middleware.AuthMiddleware
}

// NewHandler создаёт новый экземпляр обработчика HTTP-запросов.
func NewHandler(s Service, logger *zap.Logger, auth *middleware.AuthMiddleware) *Handler {
	return &Handler{
		service:        s,
		logger:         logger,
		authMiddleware: auth,
	}
}

const dateLayout = "2006-01-02"

type checkoutItemRequest struct {
	FoodID   int64 `json:"food_id"`
	Quantity int64 `json:"quantity"`
}

type checkoutRequest struct {
	Items        []checkoutItemRequest `json:"items"`
	CompanyID    *int64                `json:"company_id,omitempty"`
	DeliveryDate string                `json:"delivery_date"`
	DeliverySlot string                `json:"delivery_slot"`
	PromoCode    *string               `json:"promo_code,omitempty"`
}

type orderItemResponse struct {
	FoodID    int64  `json:"food_id"`
	Name      string `json:"name"`
	Quantity  int64  `json:"quantity"`
	UnitPrice int64  `json:"unit_price"`
}

type historyResponse struct {
	Status    string `json:"status"`
	Actor     string `json:"actor"`
	Note      string `json:"note,omitempty"`
	CreatedAt string `json:"created_at"`
}

type orderResponse struct {
	Number         string              `json:"number"`
	Status         string              `json:"status"`
	Items          []orderItemResponse `json:"items"`
	Subtotal       int64               `json:"subtotal"`
	DiscountAmount int64               `json:"discount_amount"`
	SubsidyAmount  int64               `json:"subsidy_amount"`
	TaxAmount      int64               `json:"tax_amount"`
	DeliveryFee    int64               `json:"delivery_fee"`
	TotalAmount    int64               `json:"total_amount"`
	UserPayable    int64               `json:"user_payable"`
	CompanyPayable int64               `json:"company_payable"`
	DeliveryDate   string              `json:"delivery_date"`
	DeliverySlot   string              `json:"delivery_slot,omitempty"`
	CancelReason   *string             `json:"cancel_reason,omitempty"`
	History        []historyResponse   `json:"history,omitempty"`
}

type checkoutResponse struct {
	Order           orderResponse `json:"order"`
	AwaitingPayment bool          `json:"awaiting_payment"`
	PaymentID       string        `json:"payment_id,omitempty"`
	RedirectURL     string        `json:"redirect_url,omitempty"`
}

func toOrderResponse(o *model.Order) orderResponse {
	items := make([]orderItemResponse, 0, len(o.Items))
	for _, it := range o.Items {
		items = append(items, orderItemResponse{
			FoodID:    it.FoodID,
			Name:      it.Name,
			Quantity:  it.Quantity,
			UnitPrice: it.UnitPriceCents,
		})
	}

	history := make([]historyResponse, 0, len(o.History))
	for _, h := range o.History {
		history = append(history, historyResponse{
			Status:    string(h.Status),
			Actor:     string(h.Actor),
			Note:      h.Note,
			CreatedAt: h.CreatedAt.Format(time.RFC3339),
		})
	}

	return orderResponse{
		Number:         o.Number,
		Status:         string(o.Status),
		Items:          items,
		Subtotal:       o.Subtotal,
		DiscountAmount: o.DiscountAmount,
		SubsidyAmount:  o.SubsidyAmount,
		TaxAmount:      o.TaxAmount,
		DeliveryFee:    o.DeliveryFee,
		TotalAmount:    o.TotalAmount,
		UserPayable:    o.UserPayable,
		CompanyPayable: o.CompanyPayable,
		DeliveryDate:   o.DeliveryDate.Format(dateLayout),
		DeliverySlot:   o.DeliverySlot,
		CancelReason:   o.CancelReason,
		History:        history,
	}
}

// Checkout оформляет заказ и проводит расчёт.
func (h *Handler) Checkout(w http.ResponseWriter, r *http.Request) {
	userID, ok := middleware.GetUserIDFromContext(r.Context())
	if !ok {
		http.Error(w, http.StatusText(http.StatusUnauthorized), http.StatusUnauthorized)
		return
	}

	var req checkoutRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	deliveryDate, err := time.Parse(dateLayout, req.DeliveryDate)
	if err != nil {
		http.Error(w, "invalid delivery_date", http.StatusBadRequest)
		return
	}

	items := make([]settlement.CheckoutItem, 0, len(req.Items))
	for _, it := range req.Items {
		items = append(items, settlement.CheckoutItem{FoodID: it.FoodID, Quantity: it.Quantity})
	}

	res, err := h.service.Checkout(r.Context(), settlement.CheckoutRequest{
		UserID:       userID,
		CompanyID:    req.CompanyID,
		Items:        items,
		DeliveryDate: deliveryDate,
		DeliverySlot: req.DeliverySlot,
		PromoCode:    req.PromoCode,
	})
	if err != nil {
		switch {
		case errors.Is(err, settlement.ErrInvalidOrderRequest):
			http.Error(w, err.Error(), http.StatusBadRequest)
		case errors.Is(err, settlement.ErrSubsidyUnavailable),
			errors.Is(err, repository.ErrInsufficientBalance):
			http.Error(w, http.StatusText(http.StatusPaymentRequired), http.StatusPaymentRequired)
		case errors.Is(err, ledger.ErrConcurrentUpdateConflict):
			http.Error(w, http.StatusText(http.StatusConflict), http.StatusConflict)
		case errors.Is(err, settlement.ErrGatewayUnavailable):
			http.Error(w, http.StatusText(http.StatusBadGateway), http.StatusBadGateway)
		default:
			h.logger.Error("checkout error", zap.Error(err), zap.Int64("userID", userID))
			http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		}
		return
	}

	resp := checkoutResponse{
		Order:           toOrderResponse(res.Order),
		AwaitingPayment: res.AwaitingPayment,
		PaymentID:       res.PaymentID,
		RedirectURL:     res.RedirectURL,
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusCreated)
	if err := json.NewEncoder(w).Encode(resp); err != nil {
		h.logger.Error("encode checkout response", zap.Error(err))
	}
}

// GetOrder возвращает заказ с историей статусов.
func (h *Handler) GetOrder(w http.ResponseWriter, r *http.Request) {
	userID, ok := middleware.GetUserIDFromContext(r.Context())
	if !ok {
		http.Error(w, http.StatusText(http.StatusUnauthorized), http.StatusUnauthorized)
		return
	}

	number := chi.URLParam(r, "number")
	if !validation.IsValidOrderNumber(number) {
		http.Error(w, http.StatusText(http.StatusUnprocessableEntity), http.StatusUnprocessableEntity)
		return
	}

	o, err := h.service.GetOrder(r.Context(), number)
	if err != nil {
		if errors.Is(err, repository.ErrOrderNotFound) {
			http.Error(w, http.StatusText(http.StatusNotFound), http.StatusNotFound)
			return
		}
		h.logger.Error("get order error", zap.Error(err), zap.String("order", number))
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		return
	}

	role, _ := middleware.GetRoleFromContext(r.Context())
	if role == model.RoleUser && o.UserID != userID {
		http.Error(w, http.StatusText(http.StatusNotFound), http.StatusNotFound)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(toOrderResponse(o)); err != nil {
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		return
	}
}

type cancelRequest struct {
	Reason string `json:"reason"`
}

// CancelOrder отменяет заказ от имени субъекта запроса.
func (h *Handler) CancelOrder(w http.ResponseWriter, r *http.Request) {
	_, ok := middleware.GetUserIDFromContext(r.Context())
	if !ok {
		http.Error(w, http.StatusText(http.StatusUnauthorized), http.StatusUnauthorized)
		return
	}
	role, _ := middleware.GetRoleFromContext(r.Context())

	number := chi.URLParam(r, "number")
	if !validation.IsValidOrderNumber(number) {
		http.Error(w, http.StatusText(http.StatusUnprocessableEntity), http.StatusUnprocessableEntity)
		return
	}

	var req cancelRequest
	if r.Body != nil {
		_ = json.NewDecoder(r.Body).Decode(&req)
	}
	if req.Reason == "" {
		req.Reason = "cancelled by request"
	}

	if err := h.service.CancelOrder(r.Context(), number, role, req.Reason); err != nil {
		h.writeTransitionError(w, err, number)
		return
	}

	w.WriteHeader(http.StatusOK)
}

type statusUpdateRequest struct {
	Status string `json:"status"`
	Note   string `json:"note,omitempty"`
}

// UpdateStatus выполняет переход статуса заказа (кухня или администратор).
func (h *Handler) UpdateStatus(w http.ResponseWriter, r *http.Request) {
	role, ok := middleware.GetRoleFromContext(r.Context())
	if !ok {
		http.Error(w, http.StatusText(http.StatusUnauthorized), http.StatusUnauthorized)
		return
	}

	number := chi.URLParam(r, "number")
	if !validation.IsValidOrderNumber(number) {
		http.Error(w, http.StatusText(http.StatusUnprocessableEntity), http.StatusUnprocessableEntity)
		return
	}

	var req statusUpdateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	to := model.OrderStatus(req.Status)
	switch to {
	case model.OrderStatusPreparing, model.OrderStatusReady,
		model.OrderStatusDelivered, model.OrderStatusCancelled:
	default:
		// CONFIRMED и REJECTED выставляет только сага расчёта.
		http.Error(w, "unknown status", http.StatusBadRequest)
		return
	}

	if err := h.service.UpdateStatus(r.Context(), number, to, role, req.Note); err != nil {
		h.writeTransitionError(w, err, number)
		return
	}

	w.WriteHeader(http.StatusOK)
}

func (h *Handler) writeTransitionError(w http.ResponseWriter, err error, number string) {
	switch {
	case errors.Is(err, repository.ErrOrderNotFound):
		http.Error(w, http.StatusText(http.StatusNotFound), http.StatusNotFound)
	case errors.Is(err, order.ErrInvalidTransition),
		errors.Is(err, order.ErrAlreadyFinalized),
		errors.Is(err, order.ErrActorNotAllowed),
		errors.Is(err, repository.ErrOrderStateChanged):
		http.Error(w, err.Error(), http.StatusConflict)
	default:
		h.logger.Error("order transition error", zap.Error(err), zap.String("order", number))
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
	}
}

type balanceResponse struct {
	Personal int64 `json:"personal"`
}

// GetBalance возвращает баланс личного кошелька текущего пользователя.
// Субсидированный баланс принадлежит компании и здесь не отдаётся.
func (h *Handler) GetBalance(w http.ResponseWriter, r *http.Request) {
	userID, ok := middleware.GetUserIDFromContext(r.Context())
	if !ok {
		http.Error(w, http.StatusText(http.StatusUnauthorized), http.StatusUnauthorized)
		return
	}

	b, err := h.service.GetBalance(r.Context(), userID, model.BalanceKindPersonal)
	if err != nil {
		h.logger.Error("get balance error", zap.Error(err), zap.Int64("userID", userID))
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		return
	}
	resp := balanceResponse{Personal: b.Amount}

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(resp); err != nil {
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		return
	}
}

type topUpRequest struct {
	Amount int64 `json:"amount"`
}

// TopUp пополняет личный кошелёк текущего пользователя.
func (h *Handler) TopUp(w http.ResponseWriter, r *http.Request) {
	userID, ok := middleware.GetUserIDFromContext(r.Context())
	if !ok {
		http.Error(w, http.StatusText(http.StatusUnauthorized), http.StatusUnauthorized)
		return
	}

	var req topUpRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}
	if req.Amount <= 0 {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	if err := h.service.TopUp(r.Context(), userID, model.BalanceKindPersonal, req.Amount); err != nil {
		h.logger.Error("topup error", zap.Error(err), zap.Int64("userID", userID))
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		return
	}

	w.WriteHeader(http.StatusOK)
}

type callbackRequest struct {
	PaymentID string `json:"payment_id"`
	Token     string `json:"token"`
}

// PaymentCallback принимает подтверждение платежа от шлюза.
func (h *Handler) PaymentCallback(w http.ResponseWriter, r *http.Request) {
	var req callbackRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.PaymentID == "" {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	if err := h.service.HandleGatewayCallback(r.Context(), req.PaymentID, req.Token); err != nil {
		switch {
		case errors.Is(err, repository.ErrSettlementNotFound),
			errors.Is(err, gateway.ErrPaymentNotFound):
			http.Error(w, http.StatusText(http.StatusNotFound), http.StatusNotFound)
		case errors.Is(err, gateway.ErrUnknown):
			// Исход платежа не определён: шлюз повторит доставку.
			http.Error(w, http.StatusText(http.StatusBadGateway), http.StatusBadGateway)
		default:
			h.logger.Error("payment callback error", zap.Error(err), zap.String("payment", req.PaymentID))
			http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		}
		return
	}

	w.WriteHeader(http.StatusOK)
}
