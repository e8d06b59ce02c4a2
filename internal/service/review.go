// review.go — ручная проверка записей карантина администратором.
package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/scoutledger/receipt-module/internal/config"
	"github.com/scoutledger/receipt-module/internal/domain/model"
	"github.com/scoutledger/receipt-module/internal/domain/quarantine"
	"github.com/scoutledger/receipt-module/internal/repository"
	"github.com/scoutledger/receipt-module/internal/storage/filestore"
)

// expiringSoonWindow — горизонт счётчика «скоро истекут» в статистике.
const expiringSoonWindow = 7 * 24 * time.Hour

// ReviewDecision — решение ревьюера.
type ReviewDecision struct {
	Reviewer string
	Reason   string
	Notes    string
}

// QuarantineStats — статистика карантина для панели администратора.
type QuarantineStats struct {
	ByStatus      map[model.QuarantineStatus]int
	PendingByRisk map[model.RiskLevel]int
	ExpiringSoon  int
	Total         int
}

// ReviewService — просмотр и разрешение записей карантина.
type ReviewService struct {
	store      repository.Store
	files      *filestore.FileStore
	duplicates *DuplicateIndex
	policy     *config.FileSecurity
	logger     *slog.Logger
	now        func() time.Time
}

// NewReviewService создаёт сервис ревью карантина.
func NewReviewService(
	store repository.Store,
	files *filestore.FileStore,
	duplicates *DuplicateIndex,
	policy *config.FileSecurity,
	logger *slog.Logger,
) *ReviewService {
	return &ReviewService{
		store:      store,
		files:      files,
		duplicates: duplicates,
		policy:     policy,
		logger:     logger.With(slog.String("component", "quarantine_review")),
		now:        func() time.Time { return time.Now().UTC() },
	}
}

// List возвращает записи карантина с фильтрацией и общее количество.
func (s *ReviewService) List(ctx context.Context, filters repository.QuarantineListFilters, limit, offset int) ([]*model.QuarantineRecord, int, error) {
	items, err := s.store.Quarantine().List(ctx, filters, limit, offset)
	if err != nil {
		return nil, 0, err
	}
	total, err := s.store.Quarantine().Count(ctx, filters)
	if err != nil {
		return nil, 0, err
	}
	return items, total, nil
}

// Get возвращает запись карантина.
func (s *ReviewService) Get(ctx context.Context, id string) (*model.QuarantineRecord, error) {
	rec, err := s.store.Quarantine().GetByID(ctx, id)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return rec, nil
}

// Stats возвращает агрегаты карантина.
func (s *ReviewService) Stats(ctx context.Context) (*QuarantineStats, error) {
	st, err := s.store.Quarantine().Stats(ctx, s.now().Add(expiringSoonWindow))
	if err != nil {
		return nil, err
	}
	out := &QuarantineStats{
		ByStatus:      st.ByStatus,
		PendingByRisk: st.PendingByRisk,
		ExpiringSoon:  st.ExpiringSoon,
	}
	for _, n := range st.ByStatus {
		out.Total += n
	}
	return out, nil
}

// Approve переносит файл в постоянное хранилище, разрешает запись
// и принимает квитанцию связанного платежа.
func (s *ReviewService) Approve(ctx context.Context, id string, d ReviewDecision) (*model.QuarantineRecord, error) {
	var (
		rec       *model.QuarantineRecord
		promoted  *filestore.PromoteResult
		displaced []string
	)
	now := s.now()

	err := s.store.WithinTx(ctx, func(tx repository.Store) error {
		var err error
		rec, err = s.lockPending(ctx, tx, id, model.QuarantineApproved)
		if err != nil {
			return err
		}

		promoted, err = s.files.Promote(rec.Paths.OriginalFile, rec.OriginalFilename, rec.Security.Username, now)
		if err != nil {
			return fmt.Errorf("ошибка переноса файла из карантина: %w", err)
		}

		rec.Status = model.QuarantineApproved
		rec.Processing = &model.ProcessingInfo{
			ProcessedBy: d.Reviewer,
			ProcessedAt: now,
			Action:      model.ActionApproved,
			Reason:      d.Reason,
			Notes:       d.Notes,
		}
		rec.Approval = &model.ApprovalInfo{
			FinalPath:            promoted.StoragePath,
			IntegratedIntoSystem: true,
		}
		if rec.RelatedRecordID != nil {
			rec.Approval.LinkedRecordID = *rec.RelatedRecordID
		}
		if rec.RelatedRecordType != nil {
			rec.Approval.LinkedRecordType = *rec.RelatedRecordType
		}

		if err := tx.Quarantine().Resolve(ctx, rec); err != nil {
			return mapResolveError(err)
		}
		path, hash, name, mt, size := promoted.StoragePath, rec.ContentHash, rec.OriginalFilename, rec.MimeType, rec.Size
		resolved, err := tx.Payments().ResolveReceiptByQuarantine(ctx, rec.ID, repository.ReceiptResolution{
			Status:   model.ReceiptAccepted,
			Path:     &path,
			Hash:     &hash,
			Filename: &name,
			MimeType: &mt,
			Size:     &size,
		})
		if err != nil {
			return err
		}
		displaced = resolved.Displaced
		return nil
	})
	if err != nil {
		if promoted != nil {
			// Транзакция не зафиксирована, файл возвращается в карантин
			if mvErr := s.files.Move(promoted.FullPath, rec.Paths.OriginalFile); mvErr != nil {
				s.logger.Error("Не удалось вернуть файл в карантин после отката",
					slog.String("quarantine_id", id),
					slog.String("error", mvErr.Error()),
				)
			}
		}
		return nil, err
	}

	s.appendLog(rec, "approved", d)
	s.duplicates.Remember(rec.ContentHash, rec.ID)
	// Одобренная замена вытесняет прежнюю квитанцию платежа
	for _, old := range displaced {
		if err := s.files.DeletePermanent(old); err != nil {
			s.logger.Warn("Не удалось удалить прежнюю квитанцию",
				slog.String("quarantine_id", rec.ID),
				slog.String("storage_path", old),
				slog.String("error", err.Error()),
			)
		}
	}
	s.logger.Info("Запись карантина одобрена",
		slog.String("quarantine_id", rec.ID),
		slog.String("reviewer", d.Reviewer),
		slog.String("final_path", promoted.StoragePath),
	)
	return rec, nil
}

// Reject отклоняет запись. Квитанция связанного платежа становится rejected,
// а если отклонена замена, платёж возвращается к прежней принятой квитанции.
// Байты файла удаляются, если политика не требует их хранить.
func (s *ReviewService) Reject(ctx context.Context, id string, d ReviewDecision) (*model.QuarantineRecord, error) {
	if strings.TrimSpace(d.Reason) == "" {
		return nil, validationError("la razón del rechazo es obligatoria")
	}

	var rec *model.QuarantineRecord
	now := s.now()

	err := s.store.WithinTx(ctx, func(tx repository.Store) error {
		var err error
		rec, err = s.lockPending(ctx, tx, id, model.QuarantineRejected)
		if err != nil {
			return err
		}

		rec.Status = model.QuarantineRejected
		rec.Processing = &model.ProcessingInfo{
			ProcessedBy: d.Reviewer,
			ProcessedAt: now,
			Action:      model.ActionRejected,
			Reason:      d.Reason,
			Notes:       d.Notes,
		}
		if err := tx.Quarantine().Resolve(ctx, rec); err != nil {
			return mapResolveError(err)
		}
		_, err = tx.Payments().ResolveReceiptByQuarantine(ctx, rec.ID, repository.ReceiptResolution{Status: model.ReceiptRejected})
		return err
	})
	if err != nil {
		return nil, err
	}

	s.appendLog(rec, "rejected", d)
	s.duplicates.Forget(rec.ContentHash)
	if !s.policy.RetainResolvedFiles {
		if err := s.files.PurgeQuarantinedFile(rec.Paths); err != nil {
			s.logger.Error("Не удалось удалить файл отклонённой записи",
				slog.String("quarantine_id", rec.ID),
				slog.String("error", err.Error()),
			)
		}
	}

	s.logger.Info("Запись карантина отклонена",
		slog.String("quarantine_id", rec.ID),
		slog.String("reviewer", d.Reviewer),
		slog.String("reason", d.Reason),
	)
	return rec, nil
}

// lockPending блокирует запись и проверяет допустимость перехода.
func (s *ReviewService) lockPending(ctx context.Context, tx repository.Store, id string, to model.QuarantineStatus) (*model.QuarantineRecord, error) {
	rec, err := tx.Quarantine().GetForUpdate(ctx, id)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	if err := quarantine.Transition(rec.Status, to); err != nil {
		var te *quarantine.TransitionError
		if errors.As(err, &te) && te.Code == quarantine.CodeAlreadyResolved {
			return nil, fmt.Errorf("%w: %s", ErrAlreadyResolved, te.Message)
		}
		return nil, err
	}
	return rec, nil
}

func mapResolveError(err error) error {
	switch {
	case errors.Is(err, repository.ErrConflict):
		return fmt.Errorf("%w: %v", ErrAlreadyResolved, err)
	case errors.Is(err, repository.ErrNotFound):
		return ErrNotFound
	default:
		return err
	}
}

// appendLog — журнал записи вспомогательный, ошибка только логируется.
func (s *ReviewService) appendLog(rec *model.QuarantineRecord, event string, d ReviewDecision) {
	if rec.Paths.LogFile == "" {
		return
	}
	msg := d.Reason
	if d.Notes != "" {
		msg = strings.TrimSpace(msg + " | " + d.Notes)
	}
	err := filestore.AppendLog(rec.Paths.LogFile, filestore.LogEntry{
		Time:    rec.Processing.ProcessedAt,
		Event:   event,
		Actor:   d.Reviewer,
		Message: msg,
	})
	if err != nil {
		s.logger.Warn("Не удалось дописать журнал карантина",
			slog.String("quarantine_id", rec.ID),
			slog.String("error", err.Error()),
		)
	}
}
