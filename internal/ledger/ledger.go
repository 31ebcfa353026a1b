// Package ledger реализует операции с балансами пользователей и компаний
// поверх журнала транзакций.
package ledger

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/sethvargo/go-retry"
	"go.uber.org/zap"

	"github.com/mmeshcher/catering-system/internal/model"
	"github.com/mmeshcher/catering-system/internal/repository"
)

// ErrConcurrentUpdateConflict возвращается, когда списание не удалось
// применить за отведённое число повторов из-за параллельных операций.
var ErrConcurrentUpdateConflict = errors.New("concurrent wallet update conflict")

// maxDebitAttempts ограничивает число повторов при конфликте версий.
const maxDebitAttempts = 3

// Repository описывает контракт доступа к данным кошельков.
type Repository interface {
	GetWallet(ctx context.Context, subjectID int64, kind model.BalanceKind) (*model.Wallet, error)
	ReserveDebit(ctx context.Context, subjectID int64, kind model.BalanceKind, amount int64, referenceID string) (*model.Reservation, error)
	GetReservation(ctx context.Context, referenceID string, kind model.BalanceKind) (*model.Reservation, error)
	ReleaseReservation(ctx context.Context, reservationID string) error
	MarkReservationCaptured(ctx context.Context, reservationID string) error
	RefundCapturedReservation(ctx context.Context, reservationID string) error
	Credit(ctx context.Context, subjectID int64, kind model.BalanceKind, amount int64, refType model.ReferenceType, referenceID string) error
	ListTransactions(ctx context.Context, subjectID int64, kind model.BalanceKind) ([]model.Transaction, error)
}

// Service реализует операции балансового журнала.
type Service struct {
	repo   Repository
	logger *zap.Logger
}

// NewService создаёт сервис журнала балансов.
func NewService(repo Repository, logger *zap.Logger) *Service {
	return &Service{
		repo:   repo,
		logger: logger,
	}
}

// CheckSufficient сообщает, достаточно ли средств, и размер недостачи.
// Отсутствующий кошелёк трактуется как нулевой баланс.
func (s *Service) CheckSufficient(ctx context.Context, subjectID int64, kind model.BalanceKind, amount int64) (bool, int64, error) {
	w, err := s.repo.GetWallet(ctx, subjectID, kind)
	if err != nil {
		if errors.Is(err, repository.ErrWalletNotFound) {
			return false, amount, nil
		}
		return false, 0, err
	}

	if w.Balance >= amount {
		return true, 0, nil
	}
	return false, amount - w.Balance, nil
}

// ReserveDebit резервирует сумму на кошельке. Конфликт версий повторяется
// с ограниченным бэкоффом; повтор с тем же ключом идемпотентности возвращает
// уже существующий резерв без повторного списания.
func (s *Service) ReserveDebit(ctx context.Context, subjectID int64, kind model.BalanceKind, amount int64, referenceID string) (*model.Reservation, error) {
	if amount <= 0 {
		return nil, fmt.Errorf("reserve amount must be positive, got %d", amount)
	}

	var res *model.Reservation

	backoff := retry.WithMaxRetries(maxDebitAttempts-1, retry.NewFibonacci(50*time.Millisecond))
	err := retry.Do(ctx, backoff, func(ctx context.Context) error {
		r, err := s.repo.ReserveDebit(ctx, subjectID, kind, amount, referenceID)
		if err != nil {
			if errors.Is(err, repository.ErrVersionConflict) {
				return retry.RetryableError(err)
			}
			return err
		}
		res = r
		return nil
	})
	if err != nil {
		if errors.Is(err, repository.ErrVersionConflict) {
			return nil, fmt.Errorf("%w: subject %d kind %s", ErrConcurrentUpdateConflict, subjectID, kind)
		}
		if errors.Is(err, repository.ErrDuplicateReservation) {
			existing, getErr := s.repo.GetReservation(ctx, referenceID, kind)
			if getErr != nil {
				return nil, fmt.Errorf("duplicate reservation lookup: %w", getErr)
			}
			s.logger.Info("duplicate reservation replayed",
				zap.String("reference", referenceID),
				zap.String("kind", string(kind)),
			)
			return existing, nil
		}
		return nil, err
	}

	return res, nil
}

// GetReservation возвращает резерв по ключу идемпотентности.
func (s *Service) GetReservation(ctx context.Context, referenceID string, kind model.BalanceKind) (*model.Reservation, error) {
	return s.repo.GetReservation(ctx, referenceID, kind)
}

// ReleaseDebit снимает резерв и возвращает средства. Идемпотентна.
func (s *Service) ReleaseDebit(ctx context.Context, reservationID string) error {
	return s.repo.ReleaseReservation(ctx, reservationID)
}

// RefundCapture возвращает на кошелёк уже зафиксированное списание.
// Повторный вызов для возвращённого резерва — no-op.
func (s *Service) RefundCapture(ctx context.Context, reservationID string) error {
	return s.repo.RefundCapturedReservation(ctx, reservationID)
}

// CaptureDebit превращает резерв в окончательное списание.
func (s *Service) CaptureDebit(ctx context.Context, reservationID string) error {
	return s.repo.MarkReservationCaptured(ctx, reservationID)
}

// Credit безусловно зачисляет средства (пополнение или возврат).
func (s *Service) Credit(ctx context.Context, subjectID int64, kind model.BalanceKind, amount int64, refType model.ReferenceType, referenceID string) error {
	if amount <= 0 {
		return fmt.Errorf("credit amount must be positive, got %d", amount)
	}
	return s.repo.Credit(ctx, subjectID, kind, amount, refType, referenceID)
}

// GetBalance возвращает текущий баланс субъекта.
func (s *Service) GetBalance(ctx context.Context, subjectID int64, kind model.BalanceKind) (*model.Balance, error) {
	w, err := s.repo.GetWallet(ctx, subjectID, kind)
	if err != nil {
		if errors.Is(err, repository.ErrWalletNotFound) {
			return &model.Balance{SubjectID: subjectID, Kind: kind, Amount: 0}, nil
		}
		return nil, err
	}

	return &model.Balance{SubjectID: subjectID, Kind: kind, Amount: w.Balance}, nil
}

// GetTransactions возвращает историю операций по кошельку.
func (s *Service) GetTransactions(ctx context.Context, subjectID int64, kind model.BalanceKind) ([]model.Transaction, error) {
	return s.repo.ListTransactions(ctx, subjectID, kind)
}
