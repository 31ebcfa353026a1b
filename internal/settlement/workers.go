package settlement

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/mmeshcher/catering-system/internal/gateway"
	"github.com/mmeshcher/catering-system/internal/model"
)

// Publisher описывает контракт публикации событий для фонового обработчика.
type Publisher interface {
	Publish(ctx context.Context, ev model.OutboxEvent) error
}

const workerBatchSize = 100

// StartWorkers запускает фоновые процессы саги: опрос шлюза по зависшим
// платежам, компенсацию просроченных саг и публикацию событий outbox.
func (s *Service) StartWorkers(ctx context.Context, pub Publisher) {
	go s.runTicker(ctx, s.opts.PollInterval, s.pollGatewayBatch)
	go s.runTicker(ctx, s.opts.PollInterval, s.expireBatch)
	if pub != nil {
		go s.runTicker(ctx, s.opts.PollInterval, func(ctx context.Context) {
			s.publishOutboxBatch(ctx, pub)
		})
	}
}

func (s *Service) runTicker(ctx context.Context, interval time.Duration, fn func(context.Context)) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			fn(ctx)
		}
	}
}

// pollGatewayBatch повторно верифицирует платежи, ожидающие подтверждения.
// Верификация без токена доступна по идентификатору платежа.
func (s *Service) pollGatewayBatch(ctx context.Context) {
	if s.gateway == nil {
		return
	}

	settlements, err := s.repo.ListSettlementsAwaitingGateway(ctx, workerBatchSize)
	if err != nil {
		s.logger.Error("list awaiting settlements failed", zap.Error(err))
		return
	}

	for _, st := range settlements {
		if st.PaymentID == nil {
			continue
		}
		if err := s.HandleGatewayCallback(ctx, *st.PaymentID, ""); err != nil {
			// Неизвестный исход: оставляем сагу до следующего тика или таймаута.
			s.logger.Debug("gateway poll inconclusive",
				zap.String("order", st.OrderNumber),
				zap.Error(err),
			)
		}
	}
}

// expireBatch компенсирует саги, не дождавшиеся подтверждения платежа.
// Перед откатом платёж верифицируется последний раз: успевший завершиться
// платёж подтверждает заказ, а не теряет деньги.
func (s *Service) expireBatch(ctx context.Context) {
	settlements, err := s.repo.ListExpiredSettlements(ctx, workerBatchSize)
	if err != nil {
		s.logger.Error("list expired settlements failed", zap.Error(err))
		return
	}

	for i := range settlements {
		st := settlements[i]

		if s.gateway != nil && st.PaymentID != nil {
			vr, err := s.gateway.Verify(ctx, *st.PaymentID, "")
			if err == nil && vr.Status == gateway.StatusCompleted && vr.Amount == st.GatewayAmount {
				if err := s.complete(ctx, &st); err != nil {
					s.logger.Error("late completion failed", zap.String("order", st.OrderNumber), zap.Error(err))
				}
				continue
			}
		}

		s.compensate(ctx, &st, "gateway confirmation timed out")
	}
}

func (s *Service) publishOutboxBatch(ctx context.Context, pub Publisher) {
	events, err := s.repo.ListUnpublishedEvents(ctx, workerBatchSize)
	if err != nil {
		s.logger.Error("list outbox events failed", zap.Error(err))
		return
	}

	for _, ev := range events {
		if err := pub.Publish(ctx, ev); err != nil {
			// Событие останется неопубликованным и уйдёт на следующем тике.
			s.logger.Warn("publish event failed", zap.Int64("event", ev.ID), zap.Error(err))
			continue
		}
		if err := s.repo.MarkEventPublished(ctx, ev.ID); err != nil {
			s.logger.Error("mark event published failed", zap.Int64("event", ev.ID), zap.Error(err))
		}
	}
}
