package repository

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/mmeshcher/catering-system/internal/model"
)

// CreateSettlement сохраняет запись саги расчёта заказа.
func (r *PostgresRepository) CreateSettlement(ctx context.Context, s *model.Settlement) error {
	err := r.pool.QueryRow(ctx,
		`INSERT INTO settlements (id, order_id, order_number, state, deadline)
		 VALUES ($1, $2, $3, $4, $5)
		 RETURNING created_at, updated_at`,
		s.ID, s.OrderID, s.OrderNumber, string(s.State), s.Deadline,
	).Scan(&s.CreatedAt, &s.UpdatedAt)
	if err != nil {
		return fmt.Errorf("insert settlement: %w", err)
	}
	return nil
}

func scanSettlement(row pgx.Row) (*model.Settlement, error) {
	var s model.Settlement
	err := row.Scan(&s.ID, &s.OrderID, &s.OrderNumber, &s.State,
		&s.SubsidyReservationID, &s.WalletReservationID, &s.PaymentID,
		&s.GatewayAmount, &s.Deadline, &s.CreatedAt, &s.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrSettlementNotFound
		}
		return nil, fmt.Errorf("scan settlement: %w", err)
	}
	return &s, nil
}

const settlementColumns = `id, order_id, order_number, state,
	subsidy_reservation_id, wallet_reservation_id, payment_id,
	gateway_amount, deadline, created_at, updated_at`

// GetSettlementByOrderNumber возвращает сагу по номеру заказа.
func (r *PostgresRepository) GetSettlementByOrderNumber(ctx context.Context, number string) (*model.Settlement, error) {
	return scanSettlement(r.pool.QueryRow(ctx,
		`SELECT `+settlementColumns+` FROM settlements WHERE order_number = $1`,
		number,
	))
}

// GetSettlementByPaymentID возвращает сагу по идентификатору платежа шлюза.
func (r *PostgresRepository) GetSettlementByPaymentID(ctx context.Context, paymentID string) (*model.Settlement, error) {
	return scanSettlement(r.pool.QueryRow(ctx,
		`SELECT `+settlementColumns+` FROM settlements WHERE payment_id = $1`,
		paymentID,
	))
}

// UpdateSettlementReservations сохраняет ссылки на резервы средств.
func (r *PostgresRepository) UpdateSettlementReservations(ctx context.Context, id string, subsidyReservationID, walletReservationID *string) error {
	_, err := r.pool.Exec(ctx,
		`UPDATE settlements
		 SET subsidy_reservation_id = $2, wallet_reservation_id = $3, updated_at = now()
		 WHERE id = $1`,
		id, subsidyReservationID, walletReservationID,
	)
	if err != nil {
		return fmt.Errorf("update settlement reservations: %w", err)
	}
	return nil
}

// MarkSettlementAwaitingGateway переводит сагу в ожидание подтверждения платежа.
func (r *PostgresRepository) MarkSettlementAwaitingGateway(ctx context.Context, id, paymentID string, amount int64) error {
	_, err := r.pool.Exec(ctx,
		`UPDATE settlements
		 SET state = $2, payment_id = $3, gateway_amount = $4, updated_at = now()
		 WHERE id = $1`,
		id, string(model.SettlementAwaitingGateway), paymentID, amount,
	)
	if err != nil {
		return fmt.Errorf("mark settlement awaiting gateway: %w", err)
	}
	return nil
}

// CompleteSettlement атомарно подтверждает заказ: переводит его в CONFIRMED,
// фиксирует резервы и записывает события счёта и уведомления. Переход статуса
// выполняется строго после того, как операции по кошелькам уже зафиксированы,
// поэтому заказ не может оказаться подтверждённым без удержанных средств.
func (r *PostgresRepository) CompleteSettlement(ctx context.Context, s *model.Settlement, events []model.OutboxEvent) error {
	return r.withRetry(ctx, func() error {
		tx, err := r.pool.Begin(ctx)
		if err != nil {
			return fmt.Errorf("begin tx: %w", err)
		}
		defer tx.Rollback(ctx)

		cmdTag, err := tx.Exec(ctx,
			`UPDATE settlements SET state = $2, updated_at = now() WHERE id = $1 AND state != $2`,
			s.ID, string(model.SettlementCompleted),
		)
		if err != nil {
			return fmt.Errorf("update settlement: %w", err)
		}
		if cmdTag.RowsAffected() == 0 {
			// Сага уже завершена другим экземпляром.
			return nil
		}

		for _, resID := range []*string{s.SubsidyReservationID, s.WalletReservationID} {
			if resID == nil {
				continue
			}
			_, err = tx.Exec(ctx,
				`UPDATE reservations SET status = $1 WHERE id = $2 AND status = $3`,
				string(model.ReservationCaptured), *resID, string(model.ReservationHeld),
			)
			if err != nil {
				return fmt.Errorf("capture reservation: %w", err)
			}
		}

		if err := transitionOrderTx(ctx, tx, s.OrderNumber, model.OrderStatusPending,
			model.OrderStatusConfirmed, model.RoleSystem, "payment settled", nil); err != nil {
			return err
		}

		if err := insertOutboxTx(ctx, tx, events); err != nil {
			return err
		}

		if err := tx.Commit(ctx); err != nil {
			return fmt.Errorf("commit tx: %w", err)
		}

		return nil
	})
}

// MarkSettlementCompensated фиксирует завершение компенсации саги.
func (r *PostgresRepository) MarkSettlementCompensated(ctx context.Context, id string) error {
	_, err := r.pool.Exec(ctx,
		`UPDATE settlements SET state = $2, updated_at = now() WHERE id = $1`,
		id, string(model.SettlementCompensated),
	)
	if err != nil {
		return fmt.Errorf("mark settlement compensated: %w", err)
	}
	return nil
}

// ListSettlementsAwaitingGateway возвращает саги, ожидающие подтверждения
// платежа, для фонового опроса шлюза.
func (r *PostgresRepository) ListSettlementsAwaitingGateway(ctx context.Context, limit int) ([]model.Settlement, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT `+settlementColumns+`
		 FROM settlements
		 WHERE state = $1
		 ORDER BY created_at
		 LIMIT $2`,
		string(model.SettlementAwaitingGateway), limit,
	)
	if err != nil {
		return nil, fmt.Errorf("select settlements: %w", err)
	}
	defer rows.Close()

	var res []model.Settlement
	for rows.Next() {
		s, err := scanSettlement(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, *s)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows error: %w", err)
	}

	return res, nil
}

// ListExpiredSettlements возвращает незавершённые саги с истёкшим сроком.
// Кроме ожидающих шлюз сюда попадают саги, оборванные падением процесса
// между созданием и завершением: их резервы тоже должны быть сняты.
func (r *PostgresRepository) ListExpiredSettlements(ctx context.Context, limit int) ([]model.Settlement, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT `+settlementColumns+`
		 FROM settlements
		 WHERE state IN ($1, $2) AND deadline < now()
		 ORDER BY deadline
		 LIMIT $3`,
		string(model.SettlementStarted), string(model.SettlementAwaitingGateway), limit,
	)
	if err != nil {
		return nil, fmt.Errorf("select expired settlements: %w", err)
	}
	defer rows.Close()

	var res []model.Settlement
	for rows.Next() {
		s, err := scanSettlement(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, *s)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows error: %w", err)
	}

	return res, nil
}
