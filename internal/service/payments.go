// payments.go — платежи (взносы) и прикрепление квитанций.
package service

import (
	"context"
	"errors"
	"log/slog"
	"regexp"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"

	"github.com/scoutledger/receipt-module/internal/domain/model"
	"github.com/scoutledger/receipt-module/internal/filesecurity"
	"github.com/scoutledger/receipt-module/internal/repository"
	"github.com/scoutledger/receipt-module/internal/storage/filestore"
)

var currencyRe = regexp.MustCompile(`^[A-Z]{3}$`)

// maxConceptLength — ограничение колонки payments.concept.
const maxConceptLength = 255

// CreatePaymentInput — данные нового платежа.
type CreatePaymentInput struct {
	PersonaID   string
	AmountCents int64
	Currency    string
	Concept     string
	PaidAt      time.Time
	CreatedBy   string
}

// PaymentResult — платёж и, если прикреплялась квитанция, результат её проверки.
type PaymentResult struct {
	Payment *model.Payment
	Receipt *filesecurity.Result
	// Decision пусто, если квитанция не прикреплялась
	Decision filesecurity.Decision
}

// PaymentService — платежи и их квитанции.
type PaymentService struct {
	store  repository.Store
	intake *IntakeService
	files  *filestore.FileStore
	logger *slog.Logger
}

// NewPaymentService создаёт сервис платежей.
func NewPaymentService(store repository.Store, intake *IntakeService, files *filestore.FileStore, logger *slog.Logger) *PaymentService {
	return &PaymentService{
		store:  store,
		intake: intake,
		files:  files,
		logger: logger.With(slog.String("component", "payments")),
	}
}

func validatePaymentInput(in *CreatePaymentInput) error {
	in.PersonaID = strings.TrimSpace(in.PersonaID)
	in.Concept = strings.TrimSpace(in.Concept)
	in.Currency = strings.ToUpper(strings.TrimSpace(in.Currency))

	switch {
	case in.PersonaID == "":
		return validationError("persona_id es obligatorio")
	case in.AmountCents <= 0:
		return validationError("el monto debe ser positivo")
	case in.Concept == "":
		return validationError("el concepto es obligatorio")
	case utf8.RuneCountInString(in.Concept) > maxConceptLength:
		return validationError("el concepto no puede superar %d caracteres", maxConceptLength)
	case !currencyRe.MatchString(in.Currency):
		return validationError("moneda inválida: %q", in.Currency)
	case in.PaidAt.IsZero():
		return validationError("la fecha de pago es obligatoria")
	}
	return nil
}

// applyOutcome переносит решение по квитанции в поля платежа.
func applyOutcome(p *model.Payment, out *IntakeOutcome) {
	hash, name, mt, size := out.ContentHash, out.OriginalFilename, out.MimeType, out.Size
	p.ReceiptHash, p.ReceiptFilename, p.ReceiptMimeType, p.ReceiptSize = &hash, &name, &mt, &size

	switch out.Decision {
	case filesecurity.DecisionAccept:
		path := out.StoragePath
		p.ReceiptStatus = model.ReceiptAccepted
		p.ReceiptPath = &path
		p.QuarantineID = nil
	case filesecurity.DecisionQuarantine:
		qid := out.QuarantineID
		p.ReceiptStatus = model.ReceiptPendingReview
		p.ReceiptPath = nil
		p.QuarantineID = &qid
	}
}

// Create создаёт платёж. Если передана квитанция, она проходит проверку:
// при отказе политики платёж не создаётся (*PolicyError), при карантине
// платёж создаётся со статусом квитанции pending_review.
func (s *PaymentService) Create(ctx context.Context, in CreatePaymentInput, upload *UploadRequest) (*PaymentResult, error) {
	if err := validatePaymentInput(&in); err != nil {
		return nil, err
	}

	p := &model.Payment{
		ID:            uuid.NewString(),
		PersonaID:     in.PersonaID,
		AmountCents:   in.AmountCents,
		Currency:      in.Currency,
		Concept:       in.Concept,
		PaidAt:        in.PaidAt.UTC(),
		ReceiptStatus: model.ReceiptNone,
		CreatedBy:     in.CreatedBy,
	}

	if upload == nil {
		if err := s.store.Payments().Create(ctx, p); err != nil {
			return nil, err
		}
		s.logger.Info("Платёж создан без квитанции", slog.String("payment_id", p.ID))
		return &PaymentResult{Payment: p}, nil
	}

	upload.RelatedRecordID = p.ID
	out, err := s.intake.Process(ctx, upload, func(ctx context.Context, tx repository.Store, out *IntakeOutcome) error {
		applyOutcome(p, out)
		return tx.Payments().Create(ctx, p)
	})
	if err != nil {
		return nil, err
	}

	s.logger.Info("Платёж создан",
		slog.String("payment_id", p.ID),
		slog.String("receipt_status", string(p.ReceiptStatus)),
	)
	res := out.Result
	return &PaymentResult{Payment: p, Receipt: &res, Decision: out.Decision}, nil
}

// ReplaceReceipt прикрепляет новую квитанцию к существующему платежу.
// Пока прежняя квитанция на ревью, замена запрещена. Если замена уходит
// в карантин, принятая квитанция сохраняется до решения ревьюера.
func (s *PaymentService) ReplaceReceipt(ctx context.Context, paymentID string, upload *UploadRequest) (*PaymentResult, error) {
	current, err := s.Get(ctx, paymentID)
	if err != nil {
		return nil, err
	}
	if current.ReceiptStatus == model.ReceiptPendingReview {
		return nil, ErrReceiptPending
	}

	var (
		p       *model.Payment
		oldPath *string
	)
	upload.RelatedRecordID = paymentID
	out, err := s.intake.Process(ctx, upload, func(ctx context.Context, tx repository.Store, out *IntakeOutcome) error {
		locked, err := tx.Payments().GetForUpdate(ctx, paymentID)
		if err != nil {
			if errors.Is(err, repository.ErrNotFound) {
				return ErrNotFound
			}
			return err
		}
		// Параллельная замена могла успеть отправить квитанцию на ревью
		if locked.ReceiptStatus == model.ReceiptPendingReview {
			return ErrReceiptPending
		}
		if locked.ReceiptStatus == model.ReceiptAccepted {
			oldPath = locked.ReceiptPath
		}
		if out.Decision == filesecurity.DecisionQuarantine && oldPath != nil {
			// Принятая квитанция остаётся в силе до решения по замене
			qid := out.QuarantineID
			locked.ReceiptStatus = model.ReceiptPendingReview
			locked.QuarantineID = &qid
			oldPath = nil
		} else {
			applyOutcome(locked, out)
		}
		p = locked
		return tx.Payments().UpdateReceipt(ctx, locked)
	})
	if err != nil {
		return nil, err
	}

	if oldPath != nil && (p.ReceiptPath == nil || *p.ReceiptPath != *oldPath) {
		if err := s.files.DeletePermanent(*oldPath); err != nil {
			s.logger.Warn("Не удалось удалить прежнюю квитанцию",
				slog.String("payment_id", paymentID),
				slog.String("storage_path", *oldPath),
				slog.String("error", err.Error()),
			)
		}
	}

	s.logger.Info("Квитанция платежа заменена",
		slog.String("payment_id", paymentID),
		slog.String("receipt_status", string(p.ReceiptStatus)),
	)
	res := out.Result
	return &PaymentResult{Payment: p, Receipt: &res, Decision: out.Decision}, nil
}

// Get возвращает платёж.
func (s *PaymentService) Get(ctx context.Context, id string) (*model.Payment, error) {
	p, err := s.store.Payments().GetByID(ctx, id)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return p, nil
}

// List возвращает платежи с фильтрацией и общее количество.
func (s *PaymentService) List(ctx context.Context, filters repository.PaymentListFilters, limit, offset int) ([]*model.Payment, int, error) {
	items, err := s.store.Payments().List(ctx, filters, limit, offset)
	if err != nil {
		return nil, 0, err
	}
	total, err := s.store.Payments().Count(ctx, filters)
	if err != nil {
		return nil, 0, err
	}
	return items, total, nil
}
