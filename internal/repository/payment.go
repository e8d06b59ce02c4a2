package repository

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"

	"github.com/scoutledger/receipt-module/internal/domain/model"
)

// PaymentRepository — доступ к таблице payments.
type PaymentRepository interface {
	// Create сохраняет новый платёж.
	Create(ctx context.Context, p *model.Payment) error
	// GetByID возвращает платёж по UUID.
	GetByID(ctx context.Context, id string) (*model.Payment, error)
	// GetForUpdate возвращает платёж с блокировкой строки.
	GetForUpdate(ctx context.Context, id string) (*model.Payment, error)
	// List возвращает платежи с фильтрацией, по дате оплаты (новые первыми).
	List(ctx context.Context, filters PaymentListFilters, limit, offset int) ([]*model.Payment, error)
	// Count возвращает количество платежей с фильтрацией.
	Count(ctx context.Context, filters PaymentListFilters) (int, error)
	// UpdateReceipt перезаписывает поля квитанции платежа.
	UpdateReceipt(ctx context.Context, p *model.Payment) error
	// ResolveReceiptByQuarantine применяет решение по записи карантина
	// к платежам, ожидающим её ревью.
	ResolveReceiptByQuarantine(ctx context.Context, quarantineID string, res ReceiptResolution) (*ReceiptResolveResult, error)
	// FindAcceptedByReceiptHash возвращает ID платежа с принятой квитанцией
	// с тем же хэшем.
	FindAcceptedByReceiptHash(ctx context.Context, hash string) (string, error)
}

// ReceiptResolution — решение по квитанции на ревью.
// Поля файла заданы только при одобрении; nil — поле не меняется.
type ReceiptResolution struct {
	Status   model.ReceiptStatus
	Path     *string
	Hash     *string
	Filename *string
	MimeType *string
	Size     *int64
}

// ReceiptResolveResult — итог ResolveReceiptByQuarantine.
type ReceiptResolveResult struct {
	Updated int
	// Restored — платежи, вернувшиеся к прежней принятой квитанции
	Restored int
	// Displaced — пути прежних квитанций, вытесненных одобренной
	Displaced []string
}

// PaymentListFilters — фильтры списка платежей.
type PaymentListFilters struct {
	PersonaID     *string
	ReceiptStatus *model.ReceiptStatus
}

const paymentColumns = `id, persona_id, amount_cents, currency, concept, paid_at,
	receipt_status, receipt_path, receipt_hash, receipt_filename, receipt_mime_type,
	receipt_size, quarantine_id, created_by, created_at, updated_at`

// paymentRepo — реализация PaymentRepository.
type paymentRepo struct {
	db DBTX
}

// NewPaymentRepository создаёт репозиторий платежей.
func NewPaymentRepository(db DBTX) PaymentRepository {
	return &paymentRepo{db: db}
}

func scanPayment(row rowScanner) (*model.Payment, error) {
	p := &model.Payment{}
	err := row.Scan(
		&p.ID, &p.PersonaID, &p.AmountCents, &p.Currency, &p.Concept, &p.PaidAt,
		&p.ReceiptStatus, &p.ReceiptPath, &p.ReceiptHash, &p.ReceiptFilename, &p.ReceiptMimeType,
		&p.ReceiptSize, &p.QuarantineID, &p.CreatedBy, &p.CreatedAt, &p.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return p, nil
}

func (r *paymentRepo) Create(ctx context.Context, p *model.Payment) error {
	query := `
		INSERT INTO payments (id, persona_id, amount_cents, currency, concept, paid_at,
			receipt_status, receipt_path, receipt_hash, receipt_filename, receipt_mime_type,
			receipt_size, quarantine_id, created_by)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)
		RETURNING created_at, updated_at`

	err := r.db.QueryRow(ctx, query,
		p.ID, p.PersonaID, p.AmountCents, p.Currency, p.Concept, p.PaidAt,
		p.ReceiptStatus, p.ReceiptPath, p.ReceiptHash, p.ReceiptFilename, p.ReceiptMimeType,
		p.ReceiptSize, p.QuarantineID, p.CreatedBy,
	).Scan(&p.CreatedAt, &p.UpdatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("%w: платёж с таким ID уже существует", ErrConflict)
		}
		return fmt.Errorf("ошибка создания платежа: %w", err)
	}
	return nil
}

func (r *paymentRepo) GetByID(ctx context.Context, id string) (*model.Payment, error) {
	return r.get(ctx, `SELECT `+paymentColumns+` FROM payments WHERE id = $1`, id)
}

func (r *paymentRepo) GetForUpdate(ctx context.Context, id string) (*model.Payment, error) {
	return r.get(ctx, `SELECT `+paymentColumns+` FROM payments WHERE id = $1 FOR UPDATE`, id)
}

func (r *paymentRepo) get(ctx context.Context, query, id string) (*model.Payment, error) {
	p, err := scanPayment(r.db.QueryRow(ctx, query, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("ошибка получения платежа: %w", err)
	}
	return p, nil
}

// buildPaymentWhere строит WHERE-условие и аргументы для фильтрации платежей.
func buildPaymentWhere(filters PaymentListFilters, startArg int) (string, []any) {
	var conditions []string
	var args []any
	argNum := startArg

	if filters.PersonaID != nil {
		conditions = append(conditions, fmt.Sprintf("persona_id = $%d", argNum))
		args = append(args, *filters.PersonaID)
		argNum++
	}
	if filters.ReceiptStatus != nil {
		conditions = append(conditions, fmt.Sprintf("receipt_status = $%d", argNum))
		args = append(args, *filters.ReceiptStatus)
	}

	where := ""
	if len(conditions) > 0 {
		where = "WHERE " + strings.Join(conditions, " AND ")
	}
	return where, args
}

func (r *paymentRepo) List(ctx context.Context, filters PaymentListFilters, limit, offset int) ([]*model.Payment, error) {
	where, args := buildPaymentWhere(filters, 1)
	argNum := len(args) + 1

	query := fmt.Sprintf(`
		SELECT %s
		FROM payments
		%s
		ORDER BY paid_at DESC, created_at DESC
		LIMIT $%d OFFSET $%d`, paymentColumns, where, argNum, argNum+1)

	args = append(args, limit, offset)

	rows, err := r.db.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("ошибка получения списка платежей: %w", err)
	}
	defer rows.Close()

	var result []*model.Payment
	for rows.Next() {
		p, err := scanPayment(rows)
		if err != nil {
			return nil, fmt.Errorf("ошибка сканирования платежа: %w", err)
		}
		result = append(result, p)
	}
	return result, rows.Err()
}

func (r *paymentRepo) Count(ctx context.Context, filters PaymentListFilters) (int, error) {
	where, args := buildPaymentWhere(filters, 1)
	query := fmt.Sprintf(`SELECT COUNT(*) FROM payments %s`, where)

	var count int
	if err := r.db.QueryRow(ctx, query, args...).Scan(&count); err != nil {
		return 0, fmt.Errorf("ошибка подсчёта платежей: %w", err)
	}
	return count, nil
}

func (r *paymentRepo) UpdateReceipt(ctx context.Context, p *model.Payment) error {
	query := `
		UPDATE payments
		SET receipt_status = $2, receipt_path = $3, receipt_hash = $4, receipt_filename = $5,
			receipt_mime_type = $6, receipt_size = $7, quarantine_id = $8, updated_at = NOW()
		WHERE id = $1
		RETURNING updated_at`

	err := r.db.QueryRow(ctx, query,
		p.ID, p.ReceiptStatus, p.ReceiptPath, p.ReceiptHash, p.ReceiptFilename,
		p.ReceiptMimeType, p.ReceiptSize, p.QuarantineID,
	).Scan(&p.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return ErrNotFound
		}
		return fmt.Errorf("ошибка обновления квитанции платежа: %w", err)
	}
	return nil
}

func (r *paymentRepo) ResolveReceiptByQuarantine(ctx context.Context, quarantineID string, res ReceiptResolution) (*ReceiptResolveResult, error) {
	// Платёж на ревью с непустым receipt_path хранит прежнюю принятую квитанцию:
	// при отказе или истечении он к ней возвращается, при одобрении она вытесняется.
	query := `
		WITH prev AS (
			SELECT id, receipt_path FROM payments
			WHERE quarantine_id = $1 AND receipt_status = 'pending_review'
			FOR UPDATE
		)
		UPDATE payments p
		SET receipt_status = CASE
				WHEN $2::text <> 'accepted' AND prev.receipt_path IS NOT NULL THEN 'accepted'
				ELSE $2::text
			END,
			receipt_path = COALESCE($3, p.receipt_path),
			receipt_hash = COALESCE($4, p.receipt_hash),
			receipt_filename = COALESCE($5, p.receipt_filename),
			receipt_mime_type = COALESCE($6, p.receipt_mime_type),
			receipt_size = COALESCE($7, p.receipt_size),
			updated_at = NOW()
		FROM prev
		WHERE p.id = prev.id
		RETURNING prev.receipt_path`

	rows, err := r.db.Query(ctx, query, quarantineID, string(res.Status),
		res.Path, res.Hash, res.Filename, res.MimeType, res.Size)
	if err != nil {
		return nil, fmt.Errorf("ошибка обновления квитанций по записи карантина: %w", err)
	}
	defer rows.Close()

	out := &ReceiptResolveResult{}
	for rows.Next() {
		var prevPath *string
		if err := rows.Scan(&prevPath); err != nil {
			return nil, fmt.Errorf("ошибка сканирования прежней квитанции: %w", err)
		}
		out.Updated++
		if prevPath == nil {
			continue
		}
		if res.Status == model.ReceiptAccepted {
			if res.Path == nil || *res.Path != *prevPath {
				out.Displaced = append(out.Displaced, *prevPath)
			}
		} else {
			out.Restored++
		}
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("ошибка обновления квитанций по записи карантина: %w", err)
	}
	return out, nil
}

func (r *paymentRepo) FindAcceptedByReceiptHash(ctx context.Context, hash string) (string, error) {
	var id string
	err := r.db.QueryRow(ctx, `
		SELECT id FROM payments
		WHERE receipt_hash = $1 AND receipt_status = 'accepted'
		ORDER BY created_at DESC
		LIMIT 1`, hash).Scan(&id)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return "", ErrNotFound
		}
		return "", fmt.Errorf("ошибка поиска квитанции по хэшу: %w", err)
	}
	return id, nil
}
