package repository

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/scoutledger/receipt-module/internal/domain/model"
)

// QuarantineRepository — доступ к таблице quarantine_records.
type QuarantineRepository interface {
	// Create сохраняет новую запись.
	Create(ctx context.Context, rec *model.QuarantineRecord) error
	// GetByID возвращает запись по UUID.
	GetByID(ctx context.Context, id string) (*model.QuarantineRecord, error)
	// GetForUpdate возвращает запись с блокировкой строки до конца транзакции.
	GetForUpdate(ctx context.Context, id string) (*model.QuarantineRecord, error)
	// List возвращает записи с фильтрацией, новые первыми.
	List(ctx context.Context, filters QuarantineListFilters, limit, offset int) ([]*model.QuarantineRecord, error)
	// Count возвращает количество записей с фильтрацией.
	Count(ctx context.Context, filters QuarantineListFilters) (int, error)
	// Stats возвращает агрегаты для панели ревьюера.
	Stats(ctx context.Context, expiringBefore time.Time) (*QuarantineStats, error)
	// Resolve переводит запись из pending_review в конечное состояние.
	// ErrConflict — запись уже разрешена, ErrNotFound — записи нет.
	Resolve(ctx context.Context, rec *model.QuarantineRecord) error
	// ExpireDue атомарно переводит в expired до limit просроченных записей
	// и возвращает их.
	ExpireDue(ctx context.Context, now time.Time, limit int, info model.ProcessingInfo) ([]*model.QuarantineRecord, error)
	// FindActiveByHash ищет запись pending_review или approved с тем же хэшем.
	FindActiveByHash(ctx context.Context, contentHash string) (*model.QuarantineRecord, error)
}

// QuarantineListFilters — фильтры списка записей карантина.
type QuarantineListFilters struct {
	Status          *model.QuarantineStatus
	RiskLevel       *model.RiskLevel
	RelatedRecordID *string
}

// QuarantineStats — агрегаты записей карантина.
type QuarantineStats struct {
	ByStatus map[model.QuarantineStatus]int
	// PendingByRisk — записи pending_review по уровню риска
	PendingByRisk map[model.RiskLevel]int
	// ExpiringSoon — pending_review, истекающие раньше заданного момента
	ExpiringSoon int
}

const quarantineColumns = `id, original_filename, sanitized_filename, mime_type, size,
	content_hash, risk_level, risk_score, errors, warnings, status,
	quarantined_at, expiration_date, security_context, paths,
	processing_info, approval_info, related_record_id, related_record_type,
	created_at, updated_at`

// quarantineRepo — реализация QuarantineRepository.
type quarantineRepo struct {
	db DBTX
}

// NewQuarantineRepository создаёт репозиторий записей карантина.
func NewQuarantineRepository(db DBTX) QuarantineRepository {
	return &quarantineRepo{db: db}
}

func scanQuarantine(row rowScanner) (*model.QuarantineRecord, error) {
	rec := &model.QuarantineRecord{}
	err := row.Scan(
		&rec.ID, &rec.OriginalFilename, &rec.SanitizedFilename, &rec.MimeType, &rec.Size,
		&rec.ContentHash, &rec.RiskLevel, &rec.RiskScore, &rec.Errors, &rec.Warnings, &rec.Status,
		&rec.QuarantinedAt, &rec.ExpirationDate, &rec.Security, &rec.Paths,
		&rec.Processing, &rec.Approval, &rec.RelatedRecordID, &rec.RelatedRecordType,
		&rec.CreatedAt, &rec.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return rec, nil
}

func (r *quarantineRepo) Create(ctx context.Context, rec *model.QuarantineRecord) error {
	query := `
		INSERT INTO quarantine_records (id, original_filename, sanitized_filename, mime_type, size,
			content_hash, risk_level, risk_score, errors, warnings, status,
			quarantined_at, expiration_date, security_context, paths,
			processing_info, approval_info, related_record_id, related_record_type)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, $19)
		RETURNING created_at, updated_at`

	err := r.db.QueryRow(ctx, query,
		rec.ID, rec.OriginalFilename, rec.SanitizedFilename, rec.MimeType, rec.Size,
		rec.ContentHash, rec.RiskLevel, rec.RiskScore, nonNil(rec.Errors), nonNil(rec.Warnings), rec.Status,
		rec.QuarantinedAt, rec.ExpirationDate, rec.Security, rec.Paths,
		rec.Processing, rec.Approval, rec.RelatedRecordID, rec.RelatedRecordType,
	).Scan(&rec.CreatedAt, &rec.UpdatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("%w: запись карантина с таким ID уже существует", ErrConflict)
		}
		return fmt.Errorf("ошибка создания записи карантина: %w", err)
	}
	return nil
}

func (r *quarantineRepo) GetByID(ctx context.Context, id string) (*model.QuarantineRecord, error) {
	return r.get(ctx, `SELECT `+quarantineColumns+` FROM quarantine_records WHERE id = $1`, id)
}

func (r *quarantineRepo) GetForUpdate(ctx context.Context, id string) (*model.QuarantineRecord, error) {
	return r.get(ctx, `SELECT `+quarantineColumns+` FROM quarantine_records WHERE id = $1 FOR UPDATE`, id)
}

func (r *quarantineRepo) get(ctx context.Context, query, id string) (*model.QuarantineRecord, error) {
	rec, err := scanQuarantine(r.db.QueryRow(ctx, query, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("ошибка получения записи карантина: %w", err)
	}
	return rec, nil
}

// buildQuarantineWhere строит WHERE-условие и аргументы для фильтрации записей.
func buildQuarantineWhere(filters QuarantineListFilters, startArg int) (string, []any) {
	var conditions []string
	var args []any
	argNum := startArg

	if filters.Status != nil {
		conditions = append(conditions, fmt.Sprintf("status = $%d", argNum))
		args = append(args, *filters.Status)
		argNum++
	}
	if filters.RiskLevel != nil {
		conditions = append(conditions, fmt.Sprintf("risk_level = $%d", argNum))
		args = append(args, *filters.RiskLevel)
		argNum++
	}
	if filters.RelatedRecordID != nil {
		conditions = append(conditions, fmt.Sprintf("related_record_id = $%d", argNum))
		args = append(args, *filters.RelatedRecordID)
	}

	where := ""
	if len(conditions) > 0 {
		where = "WHERE " + strings.Join(conditions, " AND ")
	}
	return where, args
}

func (r *quarantineRepo) List(ctx context.Context, filters QuarantineListFilters, limit, offset int) ([]*model.QuarantineRecord, error) {
	where, args := buildQuarantineWhere(filters, 1)
	argNum := len(args) + 1

	query := fmt.Sprintf(`
		SELECT %s
		FROM quarantine_records
		%s
		ORDER BY quarantined_at DESC
		LIMIT $%d OFFSET $%d`, quarantineColumns, where, argNum, argNum+1)

	args = append(args, limit, offset)
	return r.queryMany(ctx, "ошибка получения списка записей карантина", query, args...)
}

func (r *quarantineRepo) queryMany(ctx context.Context, errMsg, query string, args ...any) ([]*model.QuarantineRecord, error) {
	rows, err := r.db.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", errMsg, err)
	}
	defer rows.Close()

	var result []*model.QuarantineRecord
	for rows.Next() {
		rec, err := scanQuarantine(rows)
		if err != nil {
			return nil, fmt.Errorf("ошибка сканирования записи карантина: %w", err)
		}
		result = append(result, rec)
	}
	return result, rows.Err()
}

func (r *quarantineRepo) Count(ctx context.Context, filters QuarantineListFilters) (int, error) {
	where, args := buildQuarantineWhere(filters, 1)
	query := fmt.Sprintf(`SELECT COUNT(*) FROM quarantine_records %s`, where)

	var count int
	if err := r.db.QueryRow(ctx, query, args...).Scan(&count); err != nil {
		return 0, fmt.Errorf("ошибка подсчёта записей карантина: %w", err)
	}
	return count, nil
}

func (r *quarantineRepo) Stats(ctx context.Context, expiringBefore time.Time) (*QuarantineStats, error) {
	stats := &QuarantineStats{
		ByStatus:      map[model.QuarantineStatus]int{},
		PendingByRisk: map[model.RiskLevel]int{},
	}

	rows, err := r.db.Query(ctx, `
		SELECT status, risk_level, COUNT(*)
		FROM quarantine_records
		GROUP BY status, risk_level`)
	if err != nil {
		return nil, fmt.Errorf("ошибка получения статистики карантина: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var (
			status model.QuarantineStatus
			level  model.RiskLevel
			n      int
		)
		if err := rows.Scan(&status, &level, &n); err != nil {
			return nil, fmt.Errorf("ошибка сканирования статистики карантина: %w", err)
		}
		stats.ByStatus[status] += n
		if status == model.QuarantinePending {
			stats.PendingByRisk[level] += n
		}
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("ошибка чтения статистики карантина: %w", err)
	}

	err = r.db.QueryRow(ctx, `
		SELECT COUNT(*) FROM quarantine_records
		WHERE status = 'pending_review' AND expiration_date < $1`, expiringBefore).Scan(&stats.ExpiringSoon)
	if err != nil {
		return nil, fmt.Errorf("ошибка подсчёта истекающих записей: %w", err)
	}
	return stats, nil
}

func (r *quarantineRepo) Resolve(ctx context.Context, rec *model.QuarantineRecord) error {
	query := `
		UPDATE quarantine_records
		SET status = $2, processing_info = $3, approval_info = $4,
			related_record_id = $5, related_record_type = $6, updated_at = NOW()
		WHERE id = $1 AND status = 'pending_review'
		RETURNING updated_at`

	err := r.db.QueryRow(ctx, query,
		rec.ID, rec.Status, rec.Processing, rec.Approval,
		rec.RelatedRecordID, rec.RelatedRecordType,
	).Scan(&rec.UpdatedAt)
	if err == nil {
		return nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return fmt.Errorf("ошибка разрешения записи карантина: %w", err)
	}

	// Ни одной строки: записи нет или она уже не в pending_review
	var exists bool
	if err := r.db.QueryRow(ctx,
		`SELECT EXISTS (SELECT 1 FROM quarantine_records WHERE id = $1)`, rec.ID,
	).Scan(&exists); err != nil {
		return fmt.Errorf("ошибка проверки записи карантина: %w", err)
	}
	if !exists {
		return ErrNotFound
	}
	return fmt.Errorf("%w: запись карантина уже разрешена", ErrConflict)
}

func (r *quarantineRepo) ExpireDue(ctx context.Context, now time.Time, limit int, info model.ProcessingInfo) ([]*model.QuarantineRecord, error) {
	// SKIP LOCKED: записи, которые сейчас одобряет ревьюер, пропускаются
	// и будут рассмотрены следующим проходом, если останутся pending_review.
	query := `
		UPDATE quarantine_records
		SET status = 'expired', processing_info = $3, updated_at = NOW()
		WHERE id IN (
			SELECT id FROM quarantine_records
			WHERE status = 'pending_review' AND expiration_date < $1
			ORDER BY expiration_date
			LIMIT $2
			FOR UPDATE SKIP LOCKED
		) AND status = 'pending_review'
		RETURNING ` + quarantineColumns

	return r.queryMany(ctx, "ошибка истечения записей карантина", query, now, limit, info)
}

func (r *quarantineRepo) FindActiveByHash(ctx context.Context, contentHash string) (*model.QuarantineRecord, error) {
	query := `SELECT ` + quarantineColumns + `
		FROM quarantine_records
		WHERE content_hash = $1 AND status <> 'rejected'
		ORDER BY quarantined_at DESC
		LIMIT 1`

	rec, err := scanQuarantine(r.db.QueryRow(ctx, query, contentHash))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("ошибка поиска записи карантина по хэшу: %w", err)
	}
	return rec, nil
}
