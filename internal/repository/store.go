package repository

import (
	"context"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Store объединяет репозитории и даёт транзакционную область.
// Сервисы работают только через Store, что позволяет подменять
// PostgreSQL in-memory реализацией в тестах.
type Store interface {
	Quarantine() QuarantineRepository
	Payments() PaymentRepository
	// WithinTx выполняет fn в транзакции. Store, переданный в fn,
	// привязан к транзакции. Вложенный вызов переиспользует текущую транзакцию.
	WithinTx(ctx context.Context, fn func(tx Store) error) error
}

// pgStore — Store поверх pgxpool.
type pgStore struct {
	runner     *TxRunner
	quarantine QuarantineRepository
	payments   PaymentRepository
	inTx       bool
}

// NewStore создаёт Store поверх пула подключений.
func NewStore(pool *pgxpool.Pool) Store {
	return &pgStore{
		runner:     NewTxRunner(pool),
		quarantine: NewQuarantineRepository(pool),
		payments:   NewPaymentRepository(pool),
	}
}

func (s *pgStore) Quarantine() QuarantineRepository { return s.quarantine }

func (s *pgStore) Payments() PaymentRepository { return s.payments }

func (s *pgStore) WithinTx(ctx context.Context, fn func(tx Store) error) error {
	if s.inTx {
		return fn(s)
	}
	return s.runner.RunInTx(ctx, func(tx pgx.Tx) error {
		return fn(&pgStore{
			runner:     s.runner,
			quarantine: NewQuarantineRepository(tx),
			payments:   NewPaymentRepository(tx),
			inTx:       true,
		})
	})
}
