package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/mmeshcher/catering-system/internal/model"
)

// CreateOrder сохраняет заказ с позициями и первой записью истории
// статусов в одной транзакции. Номер заказа генерируется из общей
// последовательности.
func (r *PostgresRepository) CreateOrder(ctx context.Context, o *model.Order) error {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	var seq int64
	if err := tx.QueryRow(ctx, `SELECT nextval('order_number_seq')`).Scan(&seq); err != nil {
		return fmt.Errorf("next order number: %w", err)
	}
	o.Number = fmt.Sprintf("CAT-%s-%06d", time.Now().Format("20060102"), seq)
	o.Status = model.OrderStatusPending

	err = tx.QueryRow(ctx,
		`INSERT INTO orders (number, user_id, company_id, status, subtotal, discount_amount,
		                     subsidy_amount, tax_amount, delivery_fee, total_amount,
		                     user_payable, company_payable, delivery_date, delivery_slot, promo_code)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)
		 RETURNING id, created_at`,
		o.Number, o.UserID, o.CompanyID, string(o.Status), o.Subtotal, o.DiscountAmount,
		o.SubsidyAmount, o.TaxAmount, o.DeliveryFee, o.TotalAmount,
		o.UserPayable, o.CompanyPayable, o.DeliveryDate, o.DeliverySlot, o.PromoCode,
	).Scan(&o.ID, &o.CreatedAt)
	if err != nil {
		return fmt.Errorf("insert order: %w", err)
	}

	for _, it := range o.Items {
		_, err = tx.Exec(ctx,
			`INSERT INTO order_items (order_id, food_id, name, quantity, unit_price_cents)
			 VALUES ($1, $2, $3, $4, $5)`,
			o.ID, it.FoodID, it.Name, it.Quantity, it.UnitPriceCents,
		)
		if err != nil {
			return fmt.Errorf("insert order item: %w", err)
		}
	}

	_, err = tx.Exec(ctx,
		`INSERT INTO order_status_history (order_id, status, actor, note)
		 VALUES ($1, $2, $3, $4)`,
		o.ID, string(model.OrderStatusPending), string(model.RoleSystem), "order created",
	)
	if err != nil {
		return fmt.Errorf("insert status history: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit tx: %w", err)
	}

	return nil
}

// GetOrderByNumber возвращает заказ с позициями и историей статусов.
func (r *PostgresRepository) GetOrderByNumber(ctx context.Context, number string) (*model.Order, error) {
	row := r.pool.QueryRow(ctx,
		`SELECT id, number, user_id, company_id, status, subtotal, discount_amount,
		        subsidy_amount, tax_amount, delivery_fee, total_amount,
		        user_payable, company_payable, delivery_date, delivery_slot,
		        promo_code, cancel_reason, created_at
		 FROM orders
		 WHERE number = $1`,
		number,
	)

	var o model.Order
	err := row.Scan(&o.ID, &o.Number, &o.UserID, &o.CompanyID, &o.Status, &o.Subtotal,
		&o.DiscountAmount, &o.SubsidyAmount, &o.TaxAmount, &o.DeliveryFee, &o.TotalAmount,
		&o.UserPayable, &o.CompanyPayable, &o.DeliveryDate, &o.DeliverySlot,
		&o.PromoCode, &o.CancelReason, &o.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrOrderNotFound
		}
		return nil, fmt.Errorf("get order: %w", err)
	}

	rows, err := r.pool.Query(ctx,
		`SELECT food_id, name, quantity, unit_price_cents FROM order_items WHERE order_id = $1 ORDER BY id`,
		o.ID,
	)
	if err != nil {
		return nil, fmt.Errorf("select order items: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var it model.OrderItem
		if err := rows.Scan(&it.FoodID, &it.Name, &it.Quantity, &it.UnitPriceCents); err != nil {
			return nil, fmt.Errorf("scan order item: %w", err)
		}
		o.Items = append(o.Items, it)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows error: %w", err)
	}

	hrows, err := r.pool.Query(ctx,
		`SELECT status, actor, note, created_at FROM order_status_history WHERE order_id = $1 ORDER BY id`,
		o.ID,
	)
	if err != nil {
		return nil, fmt.Errorf("select status history: %w", err)
	}
	defer hrows.Close()

	for hrows.Next() {
		var h model.StatusHistoryEntry
		if err := hrows.Scan(&h.Status, &h.Actor, &h.Note, &h.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan status history: %w", err)
		}
		o.History = append(o.History, h)
	}
	if err := hrows.Err(); err != nil {
		return nil, fmt.Errorf("rows error: %w", err)
	}

	return &o, nil
}

// TransitionOrder переводит заказ из ожидаемого статуса в новый и дописывает
// историю. Переход применяется только если текущий статус совпадает с from:
// проигравший гонку вызов получает ErrOrderStateChanged. События outbox
// записываются в той же транзакции.
func (r *PostgresRepository) TransitionOrder(ctx context.Context, number string, from, to model.OrderStatus, actor model.ActorRole, note string, reason *string, events []model.OutboxEvent) error {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	if err := transitionOrderTx(ctx, tx, number, from, to, actor, note, reason); err != nil {
		return err
	}

	if err := insertOutboxTx(ctx, tx, events); err != nil {
		return err
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit tx: %w", err)
	}

	return nil
}

func transitionOrderTx(ctx context.Context, tx pgx.Tx, number string, from, to model.OrderStatus, actor model.ActorRole, note string, reason *string) error {
	var orderID int64
	err := tx.QueryRow(ctx,
		`UPDATE orders
		 SET status = $1, cancel_reason = COALESCE($2, cancel_reason), updated_at = now()
		 WHERE number = $3 AND status = $4
		 RETURNING id`,
		string(to), reason, number, string(from),
	).Scan(&orderID)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			var exists bool
			if qerr := tx.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM orders WHERE number = $1)`, number).Scan(&exists); qerr != nil {
				return fmt.Errorf("check order: %w", qerr)
			}
			if !exists {
				return ErrOrderNotFound
			}
			return ErrOrderStateChanged
		}
		return fmt.Errorf("update order status: %w", err)
	}

	_, err = tx.Exec(ctx,
		`INSERT INTO order_status_history (order_id, status, actor, note)
		 VALUES ($1, $2, $3, $4)`,
		orderID, string(to), string(actor), note,
	)
	if err != nil {
		return fmt.Errorf("insert status history: %w", err)
	}

	return nil
}

func insertOutboxTx(ctx context.Context, tx pgx.Tx, events []model.OutboxEvent) error {
	for _, ev := range events {
		_, err := tx.Exec(ctx,
			`INSERT INTO outbox_events (kind, payload) VALUES ($1, $2)`,
			string(ev.Kind), ev.Payload,
		)
		if err != nil {
			return fmt.Errorf("insert outbox event: %w", err)
		}
	}
	return nil
}

// ListUnpublishedEvents возвращает события, ожидающие публикации.
func (r *PostgresRepository) ListUnpublishedEvents(ctx context.Context, limit int) ([]model.OutboxEvent, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT id, kind, payload, created_at
		 FROM outbox_events
		 WHERE published_at IS NULL
		 ORDER BY id
		 LIMIT $1`,
		limit,
	)
	if err != nil {
		return nil, fmt.Errorf("select outbox events: %w", err)
	}
	defer rows.Close()

	var res []model.OutboxEvent
	for rows.Next() {
		var ev model.OutboxEvent
		if err := rows.Scan(&ev.ID, &ev.Kind, &ev.Payload, &ev.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan outbox event: %w", err)
		}
		res = append(res, ev)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows error: %w", err)
	}

	return res, nil
}

// MarkEventPublished помечает событие опубликованным.
func (r *PostgresRepository) MarkEventPublished(ctx context.Context, id int64) error {
	_, err := r.pool.Exec(ctx,
		`UPDATE outbox_events SET published_at = now() WHERE id = $1`,
		id,
	)
	if err != nil {
		return fmt.Errorf("mark event published: %w", err)
	}
	return nil
}
