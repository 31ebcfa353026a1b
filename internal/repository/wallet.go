package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/mmeshcher/catering-system/internal/model"
)

// GetWallet возвращает кошелёк субъекта по виду баланса.
func (r *PostgresRepository) GetWallet(ctx context.Context, subjectID int64, kind model.BalanceKind) (*model.Wallet, error) {
	row := r.pool.QueryRow(ctx,
		`SELECT id, subject_id, kind, balance, version, updated_at
		 FROM wallets
		 WHERE subject_id = $1 AND kind = $2`,
		subjectID, string(kind),
	)

	var w model.Wallet
	err := row.Scan(&w.ID, &w.SubjectID, &w.Kind, &w.Balance, &w.Version, &w.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrWalletNotFound
		}
		return nil, fmt.Errorf("get wallet: %w", err)
	}

	return &w, nil
}

// ReserveDebit атомарно списывает сумму с кошелька под защитой версии
// и записывает транзакцию с резервом в той же транзакции БД.
// Повтор с тем же (referenceID, kind) возвращает ErrDuplicateReservation.
func (r *PostgresRepository) ReserveDebit(ctx context.Context, subjectID int64, kind model.BalanceKind, amount int64, referenceID string) (*model.Reservation, error) {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	var (
		walletID int64
		balance  int64
		version  int64
	)
	err = tx.QueryRow(ctx,
		`SELECT id, balance, version FROM wallets WHERE subject_id = $1 AND kind = $2`,
		subjectID, string(kind),
	).Scan(&walletID, &balance, &version)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrWalletNotFound
		}
		return nil, fmt.Errorf("select wallet: %w", err)
	}

	if balance < amount {
		return nil, fmt.Errorf("%w: balance %d, need %d", ErrInsufficientBalance, balance, amount)
	}

	cmdTag, err := tx.Exec(ctx,
		`UPDATE wallets
		 SET balance = balance - $1, version = version + 1, updated_at = now()
		 WHERE id = $2 AND version = $3 AND balance >= $1`,
		amount, walletID, version,
	)
	if err != nil {
		return nil, fmt.Errorf("debit wallet: %w", err)
	}
	if cmdTag.RowsAffected() == 0 {
		// Версия ушла вперёд — параллельное списание выиграло гонку.
		return nil, ErrVersionConflict
	}

	res := model.Reservation{
		ID:          uuid.NewString(),
		WalletID:    walletID,
		SubjectID:   subjectID,
		Kind:        kind,
		Amount:      amount,
		ReferenceID: referenceID,
		Status:      model.ReservationHeld,
		CreatedAt:   time.Now(),
	}

	_, err = tx.Exec(ctx,
		`INSERT INTO reservations (id, wallet_id, amount, reference_id, kind, status)
		 VALUES ($1, $2, $3, $4, $5, $6)`,
		res.ID, res.WalletID, res.Amount, res.ReferenceID, string(res.Kind), string(res.Status),
	)
	if err != nil {
		if isUniqueViolation(err) {
			return nil, fmt.Errorf("%w: reference %s kind %s", ErrDuplicateReservation, referenceID, kind)
		}
		return nil, fmt.Errorf("insert reservation: %w", err)
	}

	_, err = tx.Exec(ctx,
		`INSERT INTO wallet_transactions (wallet_id, type, amount, balance_before, balance_after, reference_type, reference_id)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		walletID, string(model.TransactionDebit), amount, balance, balance-amount,
		string(model.ReferenceOrder), referenceID,
	)
	if err != nil {
		return nil, fmt.Errorf("insert transaction: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("commit tx: %w", err)
	}

	return &res, nil
}

// GetReservation возвращает резерв по ключу идемпотентности.
func (r *PostgresRepository) GetReservation(ctx context.Context, referenceID string, kind model.BalanceKind) (*model.Reservation, error) {
	row := r.pool.QueryRow(ctx,
		`SELECT id, wallet_id, amount, reference_id, kind, status, created_at
		 FROM reservations
		 WHERE reference_id = $1 AND kind = $2`,
		referenceID, string(kind),
	)

	var res model.Reservation
	err := row.Scan(&res.ID, &res.WalletID, &res.Amount, &res.ReferenceID, &res.Kind, &res.Status, &res.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrReservationNotFound
		}
		return nil, fmt.Errorf("get reservation: %w", err)
	}

	return &res, nil
}

// ReleaseReservation возвращает зарезервированные средства на кошелёк.
// Повторный вызов для уже снятого резерва — no-op, двойного зачисления нет.
func (r *PostgresRepository) ReleaseReservation(ctx context.Context, reservationID string) error {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	var (
		walletID int64
		amount   int64
		refID    string
		status   string
	)
	err = tx.QueryRow(ctx,
		`SELECT wallet_id, amount, reference_id, status
		 FROM reservations
		 WHERE id = $1
		 FOR UPDATE`,
		reservationID,
	).Scan(&walletID, &amount, &refID, &status)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return ErrReservationNotFound
		}
		return fmt.Errorf("select reservation: %w", err)
	}

	if model.ReservationStatus(status) != model.ReservationHeld {
		return nil
	}

	var balance int64
	err = tx.QueryRow(ctx,
		`UPDATE wallets
		 SET balance = balance + $1, version = version + 1, updated_at = now()
		 WHERE id = $2
		 RETURNING balance`,
		amount, walletID,
	).Scan(&balance)
	if err != nil {
		return fmt.Errorf("credit wallet: %w", err)
	}

	_, err = tx.Exec(ctx,
		`UPDATE reservations SET status = $1, released_at = now() WHERE id = $2`,
		string(model.ReservationReleased), reservationID,
	)
	if err != nil {
		return fmt.Errorf("update reservation: %w", err)
	}

	_, err = tx.Exec(ctx,
		`INSERT INTO wallet_transactions (wallet_id, type, amount, balance_before, balance_after, reference_type, reference_id)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		walletID, string(model.TransactionCredit), amount, balance-amount, balance,
		string(model.ReferenceRefund), refID,
	)
	if err != nil {
		return fmt.Errorf("insert transaction: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit tx: %w", err)
	}

	return nil
}

// RefundCapturedReservation возвращает на кошелёк средства уже
// зафиксированного списания. Статус меняется captured -> released под
// блокировкой, поэтому повторный возврат — no-op.
func (r *PostgresRepository) RefundCapturedReservation(ctx context.Context, reservationID string) error {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	var (
		walletID int64
		amount   int64
		refID    string
		status   string
	)
	err = tx.QueryRow(ctx,
		`SELECT wallet_id, amount, reference_id, status
		 FROM reservations
		 WHERE id = $1
		 FOR UPDATE`,
		reservationID,
	).Scan(&walletID, &amount, &refID, &status)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return ErrReservationNotFound
		}
		return fmt.Errorf("select reservation: %w", err)
	}

	if model.ReservationStatus(status) != model.ReservationCaptured {
		return nil
	}

	var balance int64
	err = tx.QueryRow(ctx,
		`UPDATE wallets
		 SET balance = balance + $1, version = version + 1, updated_at = now()
		 WHERE id = $2
		 RETURNING balance`,
		amount, walletID,
	).Scan(&balance)
	if err != nil {
		return fmt.Errorf("credit wallet: %w", err)
	}

	_, err = tx.Exec(ctx,
		`UPDATE reservations SET status = $1, released_at = now() WHERE id = $2`,
		string(model.ReservationReleased), reservationID,
	)
	if err != nil {
		return fmt.Errorf("update reservation: %w", err)
	}

	_, err = tx.Exec(ctx,
		`INSERT INTO wallet_transactions (wallet_id, type, amount, balance_before, balance_after, reference_type, reference_id)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		walletID, string(model.TransactionCredit), amount, balance-amount, balance,
		string(model.ReferenceRefund), refID,
	)
	if err != nil {
		return fmt.Errorf("insert transaction: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit tx: %w", err)
	}

	return nil
}

// Credit безусловно зачисляет средства на кошелёк с записью транзакции.
// Кошелёк создаётся при первом зачислении.
func (r *PostgresRepository) Credit(ctx context.Context, subjectID int64, kind model.BalanceKind, amount int64, refType model.ReferenceType, referenceID string) error {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	var (
		walletID int64
		balance  int64
	)
	err = tx.QueryRow(ctx,
		`INSERT INTO wallets (subject_id, kind, balance, version)
		 VALUES ($1, $2, $3, 1)
		 ON CONFLICT (subject_id, kind)
		 DO UPDATE SET balance = wallets.balance + $3, version = wallets.version + 1, updated_at = now()
		 RETURNING id, balance`,
		subjectID, string(kind), amount,
	).Scan(&walletID, &balance)
	if err != nil {
		return fmt.Errorf("credit wallet: %w", err)
	}

	_, err = tx.Exec(ctx,
		`INSERT INTO wallet_transactions (wallet_id, type, amount, balance_before, balance_after, reference_type, reference_id)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		walletID, string(model.TransactionCredit), amount, balance-amount, balance,
		string(refType), referenceID,
	)
	if err != nil {
		return fmt.Errorf("insert transaction: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit tx: %w", err)
	}

	return nil
}

// MarkReservationCaptured переводит резерв в окончательное списание.
// Средства уже удержаны при резерве, поэтому баланс не меняется.
func (r *PostgresRepository) MarkReservationCaptured(ctx context.Context, reservationID string) error {
	_, err := r.pool.Exec(ctx,
		`UPDATE reservations SET status = $1 WHERE id = $2 AND status = $3`,
		string(model.ReservationCaptured), reservationID, string(model.ReservationHeld),
	)
	if err != nil {
		return fmt.Errorf("capture reservation: %w", err)
	}
	return nil
}

// ListTransactions возвращает историю операций по кошельку субъекта.
func (r *PostgresRepository) ListTransactions(ctx context.Context, subjectID int64, kind model.BalanceKind) ([]model.Transaction, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT t.id, t.wallet_id, t.type, t.amount, t.balance_before, t.balance_after,
		        t.reference_type, t.reference_id, t.created_at
		 FROM wallet_transactions t
		 JOIN wallets w ON w.id = t.wallet_id
		 WHERE w.subject_id = $1 AND w.kind = $2
		 ORDER BY t.id DESC`,
		subjectID, string(kind),
	)
	if err != nil {
		return nil, fmt.Errorf("select transactions: %w", err)
	}
	defer rows.Close()

	var res []model.Transaction
	for rows.Next() {
		var tr model.Transaction
		if err := rows.Scan(&tr.ID, &tr.WalletID, &tr.Type, &tr.Amount, &tr.BalanceBefore,
			&tr.BalanceAfter, &tr.ReferenceType, &tr.ReferenceID, &tr.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan transaction: %w", err)
		}
		res = append(res, tr)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows error: %w", err)
	}

	return res, nil
}
