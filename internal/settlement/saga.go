package settlement

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/mmeshcher/catering-system/internal/gateway"
	"github.com/mmeshcher/catering-system/internal/model"
	"github.com/mmeshcher/catering-system/internal/order"
	"github.com/mmeshcher/catering-system/internal/repository"
)

// complete подтверждает заказ: фиксация резервов, переход в CONFIRMED и
// записи outbox выполняются одной транзакцией репозитория.
func (s *Service) complete(ctx context.Context, st *model.Settlement) error {
	o, err := s.repo.GetOrderByNumber(ctx, st.OrderNumber)
	if err != nil {
		return err
	}

	events := []model.OutboxEvent{
		invoiceEvent(o),
		notificationEvent(o, model.OrderStatusConfirmed, "Заказ подтверждён",
			fmt.Sprintf("Заказ %s оплачен и передан на кухню.", o.Number)),
	}

	return s.repo.CompleteSettlement(ctx, st, events)
}

// compensate откатывает сагу: резервы снимаются в обратном порядке
// (сначала личный кошелёк, затем субсидия), заказ отклоняется.
// Снятие резерва идемпотентно, поэтому компенсацию можно повторять.
func (s *Service) compensate(ctx context.Context, st *model.Settlement, note string) {
	log := s.logger.With(zap.String("order", st.OrderNumber), zap.String("settlement", st.ID))

	holds := []struct {
		id   *string
		kind model.BalanceKind
	}{
		{st.WalletReservationID, model.BalanceKindPersonal},
		{st.SubsidyReservationID, model.BalanceKindSubsidized},
	}
	for _, h := range holds {
		id := h.id
		if id == nil {
			// Падение процесса до сохранения идентификаторов резервов
			// оставляет колонки пустыми; резерв ищется по ключу
			// идемпотентности (номер заказа, вид баланса).
			res, err := s.ledger.GetReservation(ctx, st.OrderNumber, h.kind)
			if err != nil {
				if errors.Is(err, repository.ErrReservationNotFound) {
					continue
				}
				log.Error("lookup reservation failed", zap.String("kind", string(h.kind)), zap.Error(err))
				return
			}
			id = &res.ID
		}
		if err := s.ledger.ReleaseDebit(ctx, *id); err != nil {
			log.Error("release reservation failed", zap.String("reservation", *id), zap.Error(err))
			return
		}
	}

	o, err := s.repo.GetOrderByNumber(ctx, st.OrderNumber)
	if err != nil {
		log.Error("load order for compensation failed", zap.Error(err))
		return
	}

	if o.Status == model.OrderStatusPending {
		events := []model.OutboxEvent{
			notificationEvent(o, model.OrderStatusRejected, "Заказ отклонён",
				fmt.Sprintf("Заказ %s отклонён: %s.", o.Number, note)),
		}
		err := s.repo.TransitionOrder(ctx, st.OrderNumber, model.OrderStatusPending,
			model.OrderStatusRejected, model.RoleSystem, note, &note, events)
		if err != nil {
			log.Error("reject order failed", zap.Error(err))
			return
		}
	}

	if err := s.repo.MarkSettlementCompensated(ctx, st.ID); err != nil {
		log.Error("mark settlement compensated failed", zap.Error(err))
		return
	}

	log.Info("settlement compensated", zap.String("reason", note))
}

// HandleGatewayCallback обрабатывает подтверждение платежа от шлюза.
// Повторные вызовы для уже завершённой саги безопасны.
func (s *Service) HandleGatewayCallback(ctx context.Context, paymentID, token string) error {
	st, err := s.repo.GetSettlementByPaymentID(ctx, paymentID)
	if err != nil {
		return err
	}

	log := s.logger.With(zap.String("order", st.OrderNumber), zap.String("payment", paymentID))

	switch st.State {
	case model.SettlementCompleted:
		return nil
	case model.SettlementCompensated:
		// Сага уже откатилась (например, по таймауту). Если деньги всё же
		// пришли — возвращаем их плательщику.
		vr, err := s.gateway.Verify(ctx, paymentID, token)
		if err != nil {
			return err
		}
		if vr.Status == gateway.StatusCompleted {
			if _, err := s.gateway.Refund(ctx, paymentID, st.GatewayAmount); err != nil {
				log.Error("late payment refund failed", zap.Error(err))
				return err
			}
			log.Warn("late gateway payment refunded", zap.Int64("amount", st.GatewayAmount))
		}
		return nil
	}

	vr, err := s.gateway.Verify(ctx, paymentID, token)
	if err != nil {
		// Неизвестный исход остаётся неизвестным: фоновый опрос попробует ещё раз.
		return err
	}

	switch vr.Status {
	case gateway.StatusPending:
		return nil
	case gateway.StatusFailed:
		s.compensate(ctx, st, "gateway payment failed")
		return nil
	case gateway.StatusCompleted:
		if vr.Amount != st.GatewayAmount {
			log.Error("gateway amount mismatch",
				zap.Int64("expected", st.GatewayAmount),
				zap.Int64("actual", vr.Amount),
			)
			if _, err := s.gateway.Refund(ctx, paymentID, vr.Amount); err != nil {
				log.Error("mismatch refund failed", zap.Error(err))
			}
			s.compensate(ctx, st, "gateway amount mismatch")
			return nil
		}

		if err := s.complete(ctx, st); err != nil {
			return err
		}
		log.Info("gateway payment settled", zap.Int64("amount", vr.Amount))
		return nil
	default:
		return fmt.Errorf("unexpected gateway status %q", vr.Status)
	}
}

// CancelOrder отменяет заказ от имени указанной роли. Для заказа в ожидании
// платежа выполняется компенсация саги; подтверждённый заказ возвращает
// средства на кошельки и в шлюз.
func (s *Service) CancelOrder(ctx context.Context, number string, actor model.ActorRole, reason string) error {
	o, err := s.repo.GetOrderByNumber(ctx, number)
	if err != nil {
		return err
	}

	if err := order.ValidateTransition(o.Status, model.OrderStatusCancelled, actor); err != nil {
		return err
	}

	if o.Status == model.OrderStatusPending {
		return s.cancelPending(ctx, o, actor, reason)
	}
	return s.cancelSettled(ctx, o, actor, reason)
}

// cancelPending гасит сагу в полёте: это тот же путь компенсации, что и при
// сбое платежа; частично применённые эффекты не обрываются, а откатываются.
func (s *Service) cancelPending(ctx context.Context, o *model.Order, actor model.ActorRole, reason string) error {
	st, err := s.repo.GetSettlementByOrderNumber(ctx, o.Number)
	if err != nil {
		return err
	}

	log := s.logger.With(zap.String("order", o.Number))

	if st.State == model.SettlementAwaitingGateway && st.PaymentID != nil {
		vr, err := s.gateway.Verify(ctx, *st.PaymentID, "")
		if err != nil && !errors.Is(err, gateway.ErrPaymentNotFound) {
			return fmt.Errorf("verify before cancel: %w", err)
		}
		if vr != nil && vr.Status == gateway.StatusCompleted {
			if _, err := s.gateway.Refund(ctx, *st.PaymentID, st.GatewayAmount); err != nil {
				return fmt.Errorf("refund before cancel: %w", err)
			}
			log.Info("gateway payment refunded on cancel", zap.Int64("amount", st.GatewayAmount))
		}
	}

	for _, resID := range []*string{st.WalletReservationID, st.SubsidyReservationID} {
		if resID == nil {
			continue
		}
		if err := s.ledger.ReleaseDebit(ctx, *resID); err != nil {
			return fmt.Errorf("release reservation: %w", err)
		}
	}

	events := []model.OutboxEvent{
		notificationEvent(o, model.OrderStatusCancelled, "Заказ отменён",
			fmt.Sprintf("Заказ %s отменён: %s.", o.Number, reason)),
	}
	err = s.repo.TransitionOrder(ctx, o.Number, o.Status, model.OrderStatusCancelled, actor, reason, &reason, events)
	if err != nil {
		return err
	}

	return s.repo.MarkSettlementCompensated(ctx, st.ID)
}

// cancelSettled отменяет заказ, средства по которому уже списаны окончательно.
// Сначала выполняются возвраты, и только потом фиксируется переход статуса:
// если возврат не прошёл, заказ остаётся в прежнем статусе, а повтор отмены
// безопасен, потому что возврат зафиксированного резерва идемпотентен.
func (s *Service) cancelSettled(ctx context.Context, o *model.Order, actor model.ActorRole, reason string) error {
	st, err := s.repo.GetSettlementByOrderNumber(ctx, o.Number)
	if err != nil {
		return err
	}

	log := s.logger.With(zap.String("order", o.Number))

	for _, kind := range []model.BalanceKind{model.BalanceKindPersonal, model.BalanceKindSubsidized} {
		res, err := s.ledger.GetReservation(ctx, o.Number, kind)
		if err != nil {
			if errors.Is(err, repository.ErrReservationNotFound) {
				continue
			}
			return fmt.Errorf("lookup reservation: %w", err)
		}
		if res.Status != model.ReservationCaptured {
			continue
		}
		if err := s.ledger.RefundCapture(ctx, res.ID); err != nil {
			return fmt.Errorf("refund to wallet: %w", err)
		}
		log.Info("captured reservation refunded",
			zap.String("kind", string(kind)),
			zap.Int64("amount", res.Amount),
		)
	}

	if st.State == model.SettlementCompleted && st.PaymentID != nil && st.GatewayAmount > 0 {
		if _, err := s.gateway.Refund(ctx, *st.PaymentID, st.GatewayAmount); err != nil {
			return fmt.Errorf("gateway refund: %w", err)
		}
		log.Info("gateway payment refunded on cancel", zap.Int64("amount", st.GatewayAmount))
	}

	events := []model.OutboxEvent{
		notificationEvent(o, model.OrderStatusCancelled, "Заказ отменён",
			fmt.Sprintf("Заказ %s отменён: %s. Средства возвращены.", o.Number, reason)),
	}
	return s.repo.TransitionOrder(ctx, o.Number, o.Status, model.OrderStatusCancelled, actor, reason, &reason, events)
}

// UpdateStatus выполняет рабочий переход статуса заказа (кухня, доставка).
func (s *Service) UpdateStatus(ctx context.Context, number string, to model.OrderStatus, actor model.ActorRole, note string) error {
	o, err := s.repo.GetOrderByNumber(ctx, number)
	if err != nil {
		return err
	}

	if to == model.OrderStatusCancelled {
		return s.CancelOrder(ctx, number, actor, note)
	}

	if err := order.ValidateTransition(o.Status, to, actor); err != nil {
		return err
	}

	events := []model.OutboxEvent{
		notificationEvent(o, to, "Статус заказа изменён",
			fmt.Sprintf("Заказ %s: новый статус %s.", o.Number, to)),
	}
	return s.repo.TransitionOrder(ctx, number, o.Status, to, actor, note, nil, events)
}

type invoicePayload struct {
	OrderNumber string            `json:"order_number"`
	CompanyID   *int64            `json:"company_id,omitempty"`
	Items       []model.OrderItem `json:"items"`
	Subtotal    int64             `json:"subtotal"`
	Tax         int64             `json:"tax"`
	Total       int64             `json:"total"`
}

type notificationPayload struct {
	UserID   int64             `json:"user_id"`
	Category string            `json:"category"`
	Title    string            `json:"title"`
	Body     string            `json:"body"`
	Data     map[string]string `json:"data"`
}

func invoiceEvent(o *model.Order) model.OutboxEvent {
	payload, _ := json.Marshal(invoicePayload{
		OrderNumber: o.Number,
		CompanyID:   o.CompanyID,
		Items:       o.Items,
		Subtotal:    o.Subtotal,
		Tax:         o.TaxAmount,
		Total:       o.TotalAmount,
	})
	return model.OutboxEvent{Kind: model.EventInvoice, Payload: payload}
}

func notificationEvent(o *model.Order, status model.OrderStatus, title, body string) model.OutboxEvent {
	payload, _ := json.Marshal(notificationPayload{
		UserID:   o.UserID,
		Category: "order",
		Title:    title,
		Body:     body,
		Data: map[string]string{
			"order_number": o.Number,
			"status":       string(status),
		},
	})
	return model.OutboxEvent{Kind: model.EventNotification, Payload: payload}
}
