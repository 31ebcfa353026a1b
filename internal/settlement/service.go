// Package settlement реализует сагу расчёта заказа: расчёт стоимости,
// резервирование средств, платёж через внешний шлюз и подтверждение заказа
// с компенсацией при сбоях.
package settlement

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/mmeshcher/catering-system/internal/gateway"
	"github.com/mmeshcher/catering-system/internal/model"
	"github.com/mmeshcher/catering-system/internal/pricing"
	"github.com/mmeshcher/catering-system/internal/repository"
)

// ErrInvalidOrderRequest возвращается при некорректном запросе оформления заказа.
var (
	ErrInvalidOrderRequest = errors.New("invalid order request")
	// ErrSubsidyUnavailable возвращается, когда субсидированный баланс компании
	// не покрывает её часть заказа.
	ErrSubsidyUnavailable = errors.New("company subsidy unavailable")
	// ErrGatewayUnavailable возвращается, когда платёж через шлюз не удалось создать.
	ErrGatewayUnavailable = errors.New("payment gateway unavailable")
)

// maxDeliveryWindow ограничивает дату доставки вперёд от текущего дня.
const maxDeliveryWindow = 14 * 24 * time.Hour

// Repository описывает контракт доступа к данным, используемый сагой.
type Repository interface {
	GetFoods(ctx context.Context, ids []int64) (map[int64]model.Food, error)
	GetSubsidyRule(ctx context.Context, companyID int64) (*model.SubsidyRule, error)
	GetPromotion(ctx context.Context, code string) (*model.Promotion, error)

	CreateOrder(ctx context.Context, o *model.Order) error
	GetOrderByNumber(ctx context.Context, number string) (*model.Order, error)
	TransitionOrder(ctx context.Context, number string, from, to model.OrderStatus, actor model.ActorRole, note string, reason *string, events []model.OutboxEvent) error

	CreateSettlement(ctx context.Context, s *model.Settlement) error
	GetSettlementByOrderNumber(ctx context.Context, number string) (*model.Settlement, error)
	GetSettlementByPaymentID(ctx context.Context, paymentID string) (*model.Settlement, error)
	UpdateSettlementReservations(ctx context.Context, id string, subsidyReservationID, walletReservationID *string) error
	MarkSettlementAwaitingGateway(ctx context.Context, id, paymentID string, amount int64) error
	CompleteSettlement(ctx context.Context, s *model.Settlement, events []model.OutboxEvent) error
	MarkSettlementCompensated(ctx context.Context, id string) error
	ListSettlementsAwaitingGateway(ctx context.Context, limit int) ([]model.Settlement, error)
	ListExpiredSettlements(ctx context.Context, limit int) ([]model.Settlement, error)

	ListUnpublishedEvents(ctx context.Context, limit int) ([]model.OutboxEvent, error)
	MarkEventPublished(ctx context.Context, id int64) error
}

// Ledger описывает операции балансового журнала, используемые сагой.
type Ledger interface {
	CheckSufficient(ctx context.Context, subjectID int64, kind model.BalanceKind, amount int64) (bool, int64, error)
	ReserveDebit(ctx context.Context, subjectID int64, kind model.BalanceKind, amount int64, referenceID string) (*model.Reservation, error)
	GetReservation(ctx context.Context, referenceID string, kind model.BalanceKind) (*model.Reservation, error)
	ReleaseDebit(ctx context.Context, reservationID string) error
	RefundCapture(ctx context.Context, reservationID string) error
	Credit(ctx context.Context, subjectID int64, kind model.BalanceKind, amount int64, refType model.ReferenceType, referenceID string) error
	GetBalance(ctx context.Context, subjectID int64, kind model.BalanceKind) (*model.Balance, error)
	GetTransactions(ctx context.Context, subjectID int64, kind model.BalanceKind) ([]model.Transaction, error)
}

// Gateway описывает контракт платёжного шлюза.
type Gateway interface {
	Initiate(ctx context.Context, amountCents int64, orderRef, callbackURL string) (*gateway.InitiateResult, error)
	Verify(ctx context.Context, paymentID, token string) (*gateway.VerifyResult, error)
	Refund(ctx context.Context, paymentID string, amountCents int64) (*gateway.RefundResult, error)
}

// Options задаёт параметры саги.
type Options struct {
	// Timeout ограничивает ожидание подтверждения платежа шлюзом.
	Timeout time.Duration
	// PollInterval задаёт период фоновых обработчиков.
	PollInterval time.Duration
	// CallbackURL — адрес, на который шлюз присылает подтверждение платежа.
	CallbackURL string
	// TaxRateBP — ставка налога в базисных пунктах.
	TaxRateBP int64
	// DeliveryFeeCents — фиксированная стоимость доставки.
	DeliveryFeeCents int64
}

// Service реализует оркестратор расчёта заказов.
type Service struct {
	repo    Repository
	ledger  Ledger
	gateway Gateway
	logger  *zap.Logger
	opts    Options
	now     func() time.Time
}

// NewService создаёт оркестратор. Gateway может быть nil, если внешний шлюз
// не сконфигурирован: тогда заказы оплачиваются только с кошелька.
func NewService(repo Repository, ldg Ledger, gw Gateway, logger *zap.Logger, opts Options) *Service {
	if opts.Timeout <= 0 {
		opts.Timeout = 15 * time.Minute
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = 5 * time.Second
	}

	return &Service{
		repo:    repo,
		ledger:  ldg,
		gateway: gw,
		logger:  logger,
		opts:    opts,
		now:     time.Now,
	}
}

// CheckoutItem — позиция корзины в запросе оформления.
type CheckoutItem struct {
	FoodID   int64
	Quantity int64
}

// CheckoutRequest — запрос оформления заказа.
type CheckoutRequest struct {
	UserID       int64
	CompanyID    *int64
	Items        []CheckoutItem
	DeliveryDate time.Time
	DeliverySlot string
	PromoCode    *string
}

// CheckoutResult — итог оформления. Если AwaitingPayment установлен, заказ
// остаётся в PENDING до подтверждения платежа шлюзом.
type CheckoutResult struct {
	Order           *model.Order
	AwaitingPayment bool
	PaymentID       string
	RedirectURL     string
}

// Checkout проводит оформление заказа как сагу с компенсацией.
func (s *Service) Checkout(ctx context.Context, req CheckoutRequest) (*CheckoutResult, error) {
	if err := s.validateRequest(req); err != nil {
		return nil, err
	}

	foodIDs := make([]int64, 0, len(req.Items))
	for _, it := range req.Items {
		foodIDs = append(foodIDs, it.FoodID)
	}

	foods, err := s.repo.GetFoods(ctx, foodIDs)
	if err != nil {
		if errors.Is(err, repository.ErrFoodNotFound) {
			return nil, fmt.Errorf("%w: %s", ErrInvalidOrderRequest, err)
		}
		return nil, err
	}

	var rule *model.SubsidyRule
	if req.CompanyID != nil {
		rule, err = s.repo.GetSubsidyRule(ctx, *req.CompanyID)
		if err != nil {
			return nil, err
		}
	}

	var promo *model.Promotion
	if req.PromoCode != nil && *req.PromoCode != "" {
		promo, err = s.loadPromotion(ctx, *req.PromoCode)
		if err != nil {
			return nil, err
		}
	}

	items := make([]pricing.Item, 0, len(req.Items))
	orderItems := make([]model.OrderItem, 0, len(req.Items))
	for _, it := range req.Items {
		f := foods[it.FoodID]
		items = append(items, pricing.Item{
			FoodID:         f.ID,
			MealType:       f.MealType,
			Quantity:       it.Quantity,
			UnitPriceCents: f.PriceCents,
		})
		orderItems = append(orderItems, model.OrderItem{
			FoodID:         f.ID,
			Name:           f.Name,
			Quantity:       it.Quantity,
			UnitPriceCents: f.PriceCents,
		})
	}

	breakdown, err := pricing.Compute(pricing.Input{
		Items:            items,
		Subsidy:          rule,
		Promo:            promo,
		DeliveryFeeCents: s.opts.DeliveryFeeCents,
		TaxRateBP:        s.opts.TaxRateBP,
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %s", ErrInvalidOrderRequest, err)
	}

	o := &model.Order{
		UserID:         req.UserID,
		CompanyID:      req.CompanyID,
		Items:          orderItems,
		Subtotal:       breakdown.Subtotal,
		DiscountAmount: breakdown.DiscountAmount,
		SubsidyAmount:  breakdown.SubsidyAmount,
		TaxAmount:      breakdown.TaxAmount,
		DeliveryFee:    breakdown.DeliveryFee,
		TotalAmount:    breakdown.TotalAmount,
		UserPayable:    breakdown.UserPayable,
		CompanyPayable: breakdown.CompanyPayable,
		DeliveryDate:   req.DeliveryDate,
		DeliverySlot:   req.DeliverySlot,
		PromoCode:      req.PromoCode,
	}

	if err := s.repo.CreateOrder(ctx, o); err != nil {
		return nil, err
	}

	st := &model.Settlement{
		ID:          uuid.NewString(),
		OrderID:     o.ID,
		OrderNumber: o.Number,
		State:       model.SettlementStarted,
		Deadline:    s.now().Add(s.opts.Timeout),
	}
	if err := s.repo.CreateSettlement(ctx, st); err != nil {
		return nil, err
	}

	log := s.logger.With(zap.String("order", o.Number), zap.String("settlement", st.ID))

	// Шаг 1: резерв субсидированного баланса компании.
	if breakdown.CompanyPayable > 0 {
		res, err := s.ledger.ReserveDebit(ctx, *req.CompanyID, model.BalanceKindSubsidized, breakdown.CompanyPayable, o.Number)
		if err != nil {
			log.Info("subsidy reservation failed", zap.Error(err))
			s.compensate(ctx, st, "company subsidy unavailable")
			if errors.Is(err, repository.ErrInsufficientBalance) {
				return nil, fmt.Errorf("%w: %s", ErrSubsidyUnavailable, err)
			}
			return nil, err
		}
		st.SubsidyReservationID = &res.ID
	}

	// Шаг 2: личный кошелёк, при нехватке — шлюз только на разницу.
	var shortfall int64
	if breakdown.UserPayable > 0 {
		shortfall, err = s.reservePersonal(ctx, st, req.UserID, breakdown.UserPayable)
		if err != nil {
			s.compensate(ctx, st, "wallet reservation failed")
			return nil, err
		}
	}

	if err := s.repo.UpdateSettlementReservations(ctx, st.ID, st.SubsidyReservationID, st.WalletReservationID); err != nil {
		s.compensate(ctx, st, "settlement update failed")
		return nil, err
	}

	// Шаг 3: платёж через шлюз на непокрытую часть.
	if shortfall > 0 {
		if s.gateway == nil {
			s.compensate(ctx, st, "insufficient personal balance")
			return nil, fmt.Errorf("%w: shortfall %d", repository.ErrInsufficientBalance, shortfall)
		}

		init, err := s.gateway.Initiate(ctx, shortfall, o.Number, s.opts.CallbackURL)
		if err != nil {
			log.Warn("gateway initiate failed", zap.Error(err))
			s.compensate(ctx, st, "gateway initiate failed")
			return nil, fmt.Errorf("%w: %s", ErrGatewayUnavailable, err)
		}

		if err := s.repo.MarkSettlementAwaitingGateway(ctx, st.ID, init.PaymentID, shortfall); err != nil {
			s.compensate(ctx, st, "settlement update failed")
			return nil, err
		}
		st.State = model.SettlementAwaitingGateway
		st.PaymentID = &init.PaymentID
		st.GatewayAmount = shortfall

		log.Info("awaiting gateway payment",
			zap.String("payment", init.PaymentID),
			zap.Int64("amount", shortfall),
		)

		return &CheckoutResult{
			Order:           o,
			AwaitingPayment: true,
			PaymentID:       init.PaymentID,
			RedirectURL:     init.RedirectURL,
		}, nil
	}

	// Все средства удержаны: подтверждаем заказ.
	if err := s.complete(ctx, st); err != nil {
		s.compensate(ctx, st, "confirmation failed")
		return nil, err
	}

	confirmed, err := s.repo.GetOrderByNumber(ctx, o.Number)
	if err != nil {
		return nil, err
	}

	log.Info("order confirmed",
		zap.Int64("total", breakdown.TotalAmount),
		zap.Int64("user_payable", breakdown.UserPayable),
		zap.Int64("company_payable", breakdown.CompanyPayable),
	)

	return &CheckoutResult{Order: confirmed}, nil
}

// reservePersonal резервирует доступную часть личного кошелька и возвращает
// остаток, который должен уйти в шлюз. Если баланс уменьшился между проверкой
// и резервом, доступная часть пересчитывается один раз; только после второй
// неудачи весь платёж отправляется в шлюз.
func (s *Service) reservePersonal(ctx context.Context, st *model.Settlement, userID, payable int64) (int64, error) {
	for attempt := 0; attempt < 2; attempt++ {
		_, shortfall, err := s.ledger.CheckSufficient(ctx, userID, model.BalanceKindPersonal, payable)
		if err != nil {
			return 0, err
		}

		walletAmount := payable - shortfall
		if walletAmount <= 0 {
			return payable, nil
		}

		res, err := s.ledger.ReserveDebit(ctx, userID, model.BalanceKindPersonal, walletAmount, st.OrderNumber)
		if err != nil {
			if errors.Is(err, repository.ErrInsufficientBalance) {
				continue
			}
			return 0, err
		}

		st.WalletReservationID = &res.ID
		return shortfall, nil
	}

	return payable, nil
}

func (s *Service) validateRequest(req CheckoutRequest) error {
	if req.UserID == 0 {
		return fmt.Errorf("%w: user is required", ErrInvalidOrderRequest)
	}
	if len(req.Items) == 0 {
		return fmt.Errorf("%w: cart is empty", ErrInvalidOrderRequest)
	}
	for _, it := range req.Items {
		if it.Quantity <= 0 {
			return fmt.Errorf("%w: food %d quantity must be positive", ErrInvalidOrderRequest, it.FoodID)
		}
	}

	today := s.now().Truncate(24 * time.Hour)
	if req.DeliveryDate.Before(today) {
		return fmt.Errorf("%w: delivery date is in the past", ErrInvalidOrderRequest)
	}
	if req.DeliveryDate.After(today.Add(maxDeliveryWindow)) {
		return fmt.Errorf("%w: delivery date is too far ahead", ErrInvalidOrderRequest)
	}

	return nil
}

func (s *Service) loadPromotion(ctx context.Context, code string) (*model.Promotion, error) {
	p, err := s.repo.GetPromotion(ctx, code)
	if err != nil {
		if errors.Is(err, repository.ErrPromotionNotFound) {
			return nil, fmt.Errorf("%w: unknown promo code", ErrInvalidOrderRequest)
		}
		return nil, err
	}

	now := s.now()
	if !p.Active || now.Before(p.ValidFrom) || now.After(p.ValidUntil) {
		return nil, fmt.Errorf("%w: promo code is not active", ErrInvalidOrderRequest)
	}

	return p, nil
}

// GetOrder возвращает заказ с историей статусов.
func (s *Service) GetOrder(ctx context.Context, number string) (*model.Order, error) {
	return s.repo.GetOrderByNumber(ctx, number)
}

// GetBalance возвращает баланс субъекта.
func (s *Service) GetBalance(ctx context.Context, subjectID int64, kind model.BalanceKind) (*model.Balance, error) {
	return s.ledger.GetBalance(ctx, subjectID, kind)
}

// TopUp пополняет личный кошелёк пользователя.
func (s *Service) TopUp(ctx context.Context, subjectID int64, kind model.BalanceKind, amount int64) error {
	ref := fmt.Sprintf("topup-%s", uuid.NewString())
	return s.ledger.Credit(ctx, subjectID, kind, amount, model.ReferenceTopup, ref)
}
