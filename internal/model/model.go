// Package model содержит доменные сущности сервиса расчётов кейтеринга.
package model

import "time"

// BalanceKind определяет вид баланса кошелька.
type BalanceKind string

const (
	BalanceKindPersonal   BalanceKind = "personal"
	BalanceKindSubsidized BalanceKind = "subsidized"
)

// Wallet представляет баланс субъекта (пользователя или компании).
// Поле Balance — кэшированная проекция журнала транзакций; Version
// используется для оптимистичной блокировки при параллельных списаниях.
type Wallet struct {
	ID        int64
	SubjectID int64
	Kind      BalanceKind
	Balance   int64
	Version   int64
	UpdatedAt time.Time
}

// TransactionType определяет направление движения средств.
type TransactionType string

const (
	TransactionDebit  TransactionType = "debit"
	TransactionCredit TransactionType = "credit"
)

// ReferenceType указывает источник операции по кошельку.
type ReferenceType string

const (
	ReferenceOrder  ReferenceType = "order"
	ReferenceTopup  ReferenceType = "topup"
	ReferenceRefund ReferenceType = "refund"
)

// Transaction — запись журнала операций по кошельку. Журнал только
// дописывается; сумма всех записей восстанавливает текущий баланс.
type Transaction struct {
	ID            int64
	WalletID      int64
	Type          TransactionType
	Amount        int64
	BalanceBefore int64
	BalanceAfter  int64
	ReferenceType ReferenceType
	ReferenceID   string
	CreatedAt     time.Time
}

// ReservationStatus — состояние резерва средств.
type ReservationStatus string

const (
	ReservationHeld     ReservationStatus = "held"
	ReservationCaptured ReservationStatus = "captured"
	ReservationReleased ReservationStatus = "released"
)

// Reservation — провизорное удержание средств на время расчёта заказа.
// Ключ идемпотентности — пара (ReferenceID, Kind).
type Reservation struct {
	ID          string
	WalletID    int64
	SubjectID   int64
	Kind        BalanceKind
	Amount      int64
	ReferenceID string
	Status      ReservationStatus
	CreatedAt   time.Time
}

// Food описывает позицию каталога блюд.
type Food struct {
	ID         int64
	Name       string
	MealType   string
	PriceCents int64
	Available  bool
}

// DiscountType определяет способ расчёта скидки или субсидии.
type DiscountType string

const (
	DiscountPercentage DiscountType = "percentage"
	DiscountFixed      DiscountType = "fixed"
)

// SubsidyRule — правило субсидирования, заданное компанией.
// Для расчёта это неизменяемые входные данные.
type SubsidyRule struct {
	ID        int64
	CompanyID int64
	Type      DiscountType
	Value     int64
	MaxAmount int64
	MealTypes []string
	Active    bool
}

// Promotion описывает промокод.
type Promotion struct {
	ID          int64
	Code        string
	Type        DiscountType
	Value       int64
	MaxDiscount int64
	Active      bool
	ValidFrom   time.Time
	ValidUntil  time.Time
}

// OrderStatus описывает статус жизненного цикла заказа.
type OrderStatus string

const (
	OrderStatusPending   OrderStatus = "PENDING"
	OrderStatusConfirmed OrderStatus = "CONFIRMED"
	OrderStatusPreparing OrderStatus = "PREPARING"
	OrderStatusReady     OrderStatus = "READY"
	OrderStatusDelivered OrderStatus = "DELIVERED"
	OrderStatusCancelled OrderStatus = "CANCELLED"
	OrderStatusRejected  OrderStatus = "REJECTED"
)

// ActorRole определяет, от чьего имени выполняется переход статуса.
type ActorRole string

const (
	RoleUser    ActorRole = "user"
	RoleKitchen ActorRole = "kitchen"
	RoleAdmin   ActorRole = "admin"
	RoleSystem  ActorRole = "system"
)

// OrderItem — позиция заказа. Цена фиксируется в момент оформления
// и далее не пересчитывается.
type OrderItem struct {
	FoodID         int64
	Name           string
	Quantity       int64
	UnitPriceCents int64
}

// StatusHistoryEntry — запись журнала смены статусов заказа.
type StatusHistoryEntry struct {
	Status    OrderStatus
	Actor     ActorRole
	Note      string
	CreatedAt time.Time
}

// Order представляет заказ с итогами расчёта стоимости.
// Все суммы — в копейках.
type Order struct {
	ID             int64
	Number         string
	UserID         int64
	CompanyID      *int64
	Status         OrderStatus
	Items          []OrderItem
	Subtotal       int64
	DiscountAmount int64
	SubsidyAmount  int64
	TaxAmount      int64
	DeliveryFee    int64
	TotalAmount    int64
	UserPayable    int64
	CompanyPayable int64
	DeliveryDate   time.Time
	DeliverySlot   string
	PromoCode      *string
	CancelReason   *string
	History        []StatusHistoryEntry
	CreatedAt      time.Time
}

// SettlementState — состояние саги расчёта заказа.
type SettlementState string

const (
	SettlementStarted         SettlementState = "started"
	SettlementAwaitingGateway SettlementState = "awaiting_gateway"
	SettlementCompleted       SettlementState = "completed"
	SettlementCompensated     SettlementState = "compensated"
)

// Settlement хранит контекст одной саги расчёта. Запись переживает
// рестарт процесса: любой экземпляр сервиса может продолжить сагу.
type Settlement struct {
	ID                   string
	OrderID              int64
	OrderNumber          string
	State                SettlementState
	SubsidyReservationID *string
	WalletReservationID  *string
	PaymentID            *string
	GatewayAmount        int64
	Deadline             time.Time
	CreatedAt            time.Time
	UpdatedAt            time.Time
}

// EventKind определяет назначение события для внешних потребителей.
type EventKind string

const (
	EventInvoice      EventKind = "invoice"
	EventNotification EventKind = "notification"
)

// OutboxEvent — событие, ожидающее публикации (at-least-once).
type OutboxEvent struct {
	ID        int64
	Kind      EventKind
	Payload   []byte
	CreatedAt time.Time
}

// Balance содержит баланс кошелька для выдачи наружу.
type Balance struct {
	SubjectID int64       `json:"subject_id"`
	Kind      BalanceKind `json:"kind"`
	Amount    int64       `json:"amount"`
}
