// Package order реализует машину состояний жизненного цикла заказа.
package order

import (
	"errors"
	"fmt"

	"github.com/mmeshcher/catering-system/internal/model"
)

// ErrInvalidTransition возвращается при недопустимом переходе статуса.
var (
	ErrInvalidTransition = errors.New("invalid order status transition")
	// ErrAlreadyFinalized возвращается при попытке изменить заказ в терминальном статусе.
	ErrAlreadyFinalized = errors.New("order already finalized")
	// ErrActorNotAllowed возвращается, если роль не вправе выполнить переход.
	ErrActorNotAllowed = errors.New("actor not allowed for this transition")
)

// transitions задаёт таблицу допустимых переходов. Пропуск этапов запрещён,
// кроме ветвей отмены и отклонения.
var transitions = map[model.OrderStatus][]model.OrderStatus{
	model.OrderStatusPending: {
		model.OrderStatusConfirmed,
		model.OrderStatusCancelled,
		model.OrderStatusRejected,
	},
	model.OrderStatusConfirmed: {
		model.OrderStatusPreparing,
		model.OrderStatusCancelled,
	},
	model.OrderStatusPreparing: {
		model.OrderStatusReady,
		model.OrderStatusCancelled,
	},
	model.OrderStatusReady: {
		model.OrderStatusDelivered,
		model.OrderStatusCancelled,
	},
	model.OrderStatusDelivered: nil,
	model.OrderStatusCancelled: nil,
	model.OrderStatusRejected:  nil,
}

// IsTerminal сообщает, является ли статус терминальным.
func IsTerminal(s model.OrderStatus) bool {
	switch s {
	case model.OrderStatusDelivered, model.OrderStatusCancelled, model.OrderStatusRejected:
		return true
	}
	return false
}

// CanTransition проверяет допустимость перехода между статусами.
func CanTransition(from, to model.OrderStatus) error {
	allowed, ok := transitions[from]
	if !ok {
		return fmt.Errorf("%w: unknown status %q", ErrInvalidTransition, from)
	}
	if IsTerminal(from) {
		return fmt.Errorf("%w: status %q is terminal", ErrAlreadyFinalized, from)
	}
	for _, s := range allowed {
		if s == to {
			return nil
		}
	}
	return fmt.Errorf("%w: %q -> %q", ErrInvalidTransition, from, to)
}

// ValidateTransition проверяет переход вместе с правами роли.
// Пользователь может отменить заказ только из PENDING или CONFIRMED;
// дальше отмена доступна кухне и администратору. Рабочие переходы
// (PREPARING, READY, DELIVERED) выполняют кухня или администратор,
// подтверждение и отклонение — система.
func ValidateTransition(from, to model.OrderStatus, actor model.ActorRole) error {
	if err := CanTransition(from, to); err != nil {
		return err
	}

	switch to {
	case model.OrderStatusCancelled:
		if actor == model.RoleUser && from != model.OrderStatusPending && from != model.OrderStatusConfirmed {
			return fmt.Errorf("%w: user cancellation from %q", ErrActorNotAllowed, from)
		}
	case model.OrderStatusPreparing, model.OrderStatusReady, model.OrderStatusDelivered:
		if actor != model.RoleKitchen && actor != model.RoleAdmin {
			return fmt.Errorf("%w: %q -> %q requires kitchen or admin", ErrActorNotAllowed, from, to)
		}
	case model.OrderStatusConfirmed, model.OrderStatusRejected:
		// Подтверждение и отклонение — итог расчёта, поэтому доступны
		// только оркестратору: иначе заказ может оказаться подтверждённым
		// без удержанных средств.
		if actor != model.RoleSystem {
			return fmt.Errorf("%w: %q -> %q is settlement-driven", ErrActorNotAllowed, from, to)
		}
	}

	return nil
}
