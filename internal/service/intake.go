// intake.go — приём файла квитанции: admission control, сохранение во
// временный файл, проверка политикой и фиксация решения.
//
// Решение фиксируется так, чтобы не оставалось частичного состояния:
//   - accept — файл переносится в постоянное хранилище, затем выполняется
//     транзакция вызывающего кода; при её ошибке файл удаляется;
//   - quarantine — файл переносится в каталог карантина, затем в одной
//     транзакции создаётся запись и выполняется код вызывающего; при ошибке
//     каталог записи удаляется;
//   - block — байты отбрасываются, сохраняется запись аудита в статусе rejected;
//   - reject — байты отбрасываются, записи нет.
package service

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/scoutledger/receipt-module/internal/config"
	"github.com/scoutledger/receipt-module/internal/domain/model"
	"github.com/scoutledger/receipt-module/internal/filesecurity"
	"github.com/scoutledger/receipt-module/internal/repository"
	"github.com/scoutledger/receipt-module/internal/storage/filestore"
)

var (
	// intakeDurationSeconds — полное время обработки загрузки.
	intakeDurationSeconds = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "rm_intake_duration_seconds",
		Help:    "Длительность обработки загруженной квитанции в секундах",
		Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1, 2, 5, 10, 30},
	}, []string{"decision"})

	// quarantinedTotal — файлы, помещённые в карантин.
	quarantinedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "rm_quarantine_created_total",
		Help: "Количество созданных записей карантина по статусу",
	}, []string{"status"})
)

// UploadRequest — загруженный файл и контекст загрузки.
type UploadRequest struct {
	Filename string
	// MimeType — заявленный клиентом тип (Content-Type части multipart)
	MimeType string
	Body     io.Reader
	Security model.SecurityContext
	// RelatedRecordID — сущность, к которой прикрепляется файл (ID платежа)
	RelatedRecordID string
}

// IntakeOutcome — итог обработки загрузки.
type IntakeOutcome struct {
	Decision   filesecurity.Decision
	Result     filesecurity.Result
	Evaluation *filesecurity.Evaluation

	OriginalFilename  string
	SanitizedFilename string
	MimeType          string
	Size              int64
	ContentHash       string

	// StoragePath — путь в постоянном хранилище (accept)
	StoragePath string
	// QuarantineID — запись карантина (quarantine, block)
	QuarantineID string
}

// CommitFunc выполняется в транзакции, фиксирующей решение accept или
// quarantine. Ошибка откатывает транзакцию и перемещение файла.
type CommitFunc func(ctx context.Context, tx repository.Store, out *IntakeOutcome) error

// quarantineMetadata — содержимое metadata.json записи карантина.
type quarantineMetadata struct {
	ID                string                `json:"id"`
	OriginalFilename  string                `json:"original_filename"`
	SanitizedFilename string                `json:"sanitized_filename"`
	MimeType          string                `json:"mime_type"`
	Size              int64                 `json:"size"`
	ContentHash       string                `json:"content_hash"`
	RiskLevel         model.RiskLevel       `json:"risk_level"`
	RiskScore         int                   `json:"risk_score"`
	Findings          []model.Finding       `json:"findings"`
	QuarantinedAt     time.Time             `json:"quarantined_at"`
	ExpirationDate    time.Time             `json:"expiration_date"`
	Security          model.SecurityContext `json:"security_context"`
	RelatedRecordID   string                `json:"related_record_id,omitempty"`
}

// IntakeService — приём и проверка файлов квитанций.
type IntakeService struct {
	store      repository.Store
	files      *filestore.FileStore
	validator  *filesecurity.Validator
	admission  *filesecurity.Admission
	duplicates *DuplicateIndex
	policy     *config.FileSecurity
	logger     *slog.Logger
	now        func() time.Time
}

// NewIntakeService создаёт сервис приёма файлов.
func NewIntakeService(
	store repository.Store,
	files *filestore.FileStore,
	validator *filesecurity.Validator,
	admission *filesecurity.Admission,
	duplicates *DuplicateIndex,
	logger *slog.Logger,
) *IntakeService {
	return &IntakeService{
		store:      store,
		files:      files,
		validator:  validator,
		admission:  admission,
		duplicates: duplicates,
		policy:     validator.Policy(),
		logger:     logger.With(slog.String("component", "intake")),
		now:        func() time.Time { return time.Now().UTC() },
	}
}

// staged — файл во временном каталоге с результатом проверки.
type staged struct {
	file *filestore.StagedFile
	out  *IntakeOutcome
}

// evaluate выполняет admission, сохранение во временный файл и проверку.
// Вызывающий обязан вызвать release и удалить временный файл.
func (s *IntakeService) evaluate(ctx context.Context, req *UploadRequest) (*staged, func(), error) {
	release, err := s.admission.Acquire(ctx)
	if err != nil {
		if errors.Is(err, filesecurity.ErrBusy) {
			return nil, nil, ErrBusy
		}
		return nil, nil, err
	}

	file, err := s.files.Stage(filesecurity.NewContextReader(ctx, req.Body), s.policy.ScanPrefixSize)
	if err != nil {
		release()
		if ctx.Err() != nil {
			return nil, nil, ErrValidationTimeout
		}
		return nil, nil, fmt.Errorf("ошибка сохранения загрузки: %w", err)
	}

	mimeType := config.NormalizeMIME(req.MimeType)
	ev := s.validator.Evaluate(ctx, filesecurity.Candidate{
		Filename:    req.Filename,
		MimeType:    mimeType,
		Size:        file.Size,
		Prefix:      file.Prefix,
		DuplicateOf: s.findDuplicate(ctx, file.Checksum),
		Open:        file.Open,
	})
	if ctx.Err() != nil {
		release()
		s.discard(file.Path)
		return nil, nil, ErrValidationTimeout
	}

	out := &IntakeOutcome{
		Decision:          ev.Decision(),
		Result:            ev.Result(),
		Evaluation:        ev,
		OriginalFilename:  req.Filename,
		SanitizedFilename: filestore.SanitizeFilename(req.Filename),
		MimeType:          mimeType,
		Size:              file.Size,
		ContentHash:       file.Checksum,
	}
	return &staged{file: file, out: out}, release, nil
}

// Validate проверяет файл без сохранения (пробный прогон).
func (s *IntakeService) Validate(ctx context.Context, req *UploadRequest) (*IntakeOutcome, error) {
	ctx, cancel := context.WithTimeout(ctx, s.policy.ValidationTimeout)
	defer cancel()

	st, release, err := s.evaluate(ctx, req)
	if err != nil {
		return nil, err
	}
	defer release()
	s.discard(st.file.Path)
	return st.out, nil
}

// Process проверяет файл и фиксирует решение. Для accept и quarantine
// commit выполняется в той же транзакции, что и запись карантина.
// Для reject и block возвращается *PolicyError.
func (s *IntakeService) Process(ctx context.Context, req *UploadRequest, commit CommitFunc) (*IntakeOutcome, error) {
	start := time.Now()
	ctx, cancel := context.WithTimeout(ctx, s.policy.ValidationTimeout)
	defer cancel()

	st, release, err := s.evaluate(ctx, req)
	if err != nil {
		return nil, err
	}
	defer release()
	// После переноса файла путь в staging пуст, удаление — no-op
	defer s.discard(st.file.Path)

	out := st.out
	defer func() {
		intakeDurationSeconds.WithLabelValues(string(out.Decision)).Observe(time.Since(start).Seconds())
	}()

	log := s.logger.With(
		slog.String("filename", req.Filename),
		slog.String("content_hash", out.ContentHash),
		slog.String("decision", string(out.Decision)),
		slog.String("risk_level", string(out.Result.RiskLevel)),
		slog.Int("risk_score", out.Result.RiskScore),
	)

	switch out.Decision {
	case filesecurity.DecisionAccept:
		if err := s.accept(ctx, st, req, commit); err != nil {
			return nil, commitError(ctx, err)
		}
		log.Info("Квитанция принята", slog.String("storage_path", out.StoragePath))
		return out, nil

	case filesecurity.DecisionQuarantine:
		if err := s.quarantine(ctx, st, req, commit); err != nil {
			return nil, commitError(ctx, err)
		}
		log.Warn("Квитанция помещена в карантин", slog.String("quarantine_id", out.QuarantineID))
		return out, nil

	case filesecurity.DecisionBlock:
		if err := s.block(ctx, st, req); err != nil {
			return nil, commitError(ctx, err)
		}
		log.Warn("Квитанция заблокирована", slog.String("quarantine_id", out.QuarantineID))
		return out, &PolicyError{Decision: out.Decision, Result: out.Result}

	default:
		log.Info("Квитанция отклонена политикой", slog.Any("errors", out.Result.Errors))
		return out, &PolicyError{Decision: out.Decision, Result: out.Result}
	}
}

// commitError отличает истёкший бюджет проверки от прочих ошибок фиксации.
func commitError(ctx context.Context, err error) error {
	if ctx.Err() != nil && !errors.Is(err, ErrValidationTimeout) {
		return fmt.Errorf("%w: %v", ErrValidationTimeout, err)
	}
	return err
}

func (s *IntakeService) accept(ctx context.Context, st *staged, req *UploadRequest, commit CommitFunc) error {
	out := st.out
	promoted, err := s.files.Promote(st.file.Path, req.Filename, req.Security.Username, s.now())
	if err != nil {
		return fmt.Errorf("ошибка переноса в постоянное хранилище: %w", err)
	}
	out.StoragePath = promoted.StoragePath

	if commit != nil {
		err = s.store.WithinTx(ctx, func(tx repository.Store) error {
			return commit(ctx, tx, out)
		})
		if err != nil {
			if delErr := s.files.DeletePermanent(promoted.StoragePath); delErr != nil {
				s.logger.Error("Не удалось удалить файл после отката",
					slog.String("storage_path", promoted.StoragePath),
					slog.String("error", delErr.Error()),
				)
			}
			return err
		}
	}

	s.duplicates.Remember(out.ContentHash, out.StoragePath)
	return nil
}

func (s *IntakeService) newRecord(out *IntakeOutcome, req *UploadRequest, now time.Time) *model.QuarantineRecord {
	rec := &model.QuarantineRecord{
		ID:                uuid.NewString(),
		OriginalFilename:  out.OriginalFilename,
		SanitizedFilename: out.SanitizedFilename,
		MimeType:          out.MimeType,
		Size:              out.Size,
		ContentHash:       out.ContentHash,
		RiskLevel:         out.Result.RiskLevel,
		RiskScore:         out.Result.RiskScore,
		Errors:            out.Result.Errors,
		Warnings:          out.Result.Warnings,
		Status:            model.QuarantinePending,
		QuarantinedAt:     now,
		ExpirationDate:    now.Add(s.policy.QuarantineRetention),
		Security:          req.Security,
	}
	if req.RelatedRecordID != "" {
		id, typ := req.RelatedRecordID, model.RelatedPayment
		rec.RelatedRecordID, rec.RelatedRecordType = &id, &typ
	}
	return rec
}

func (s *IntakeService) quarantine(ctx context.Context, st *staged, req *UploadRequest, commit CommitFunc) error {
	out := st.out
	now := s.now()
	rec := s.newRecord(out, req, now)

	meta := quarantineMetadata{
		ID:                rec.ID,
		OriginalFilename:  rec.OriginalFilename,
		SanitizedFilename: rec.SanitizedFilename,
		MimeType:          rec.MimeType,
		Size:              rec.Size,
		ContentHash:       rec.ContentHash,
		RiskLevel:         rec.RiskLevel,
		RiskScore:         rec.RiskScore,
		Findings:          out.Evaluation.Findings,
		QuarantinedAt:     rec.QuarantinedAt,
		ExpirationDate:    rec.ExpirationDate,
		Security:          rec.Security,
		RelatedRecordID:   req.RelatedRecordID,
	}
	paths, err := s.files.Quarantine(st.file.Path, rec.ID, rec.SanitizedFilename, meta, filestore.LogEntry{
		Time:    now,
		Event:   "quarantined",
		Actor:   req.Security.Username,
		Message: fmt.Sprintf("riesgo %s (%d)", rec.RiskLevel, rec.RiskScore),
	})
	if err != nil {
		return fmt.Errorf("ошибка переноса в карантин: %w", err)
	}
	rec.Paths = *paths
	out.QuarantineID = rec.ID
	out.Result.QuarantineID = rec.ID

	err = s.store.WithinTx(ctx, func(tx repository.Store) error {
		if err := tx.Quarantine().Create(ctx, rec); err != nil {
			return err
		}
		if commit != nil {
			return commit(ctx, tx, out)
		}
		return nil
	})
	if err != nil {
		if rmErr := s.files.RemoveQuarantineDir(paths.Directory); rmErr != nil {
			s.logger.Error("Не удалось удалить каталог карантина после отката",
				slog.String("quarantine_id", rec.ID),
				slog.String("error", rmErr.Error()),
			)
		}
		return err
	}

	quarantinedTotal.WithLabelValues(string(model.QuarantinePending)).Inc()
	s.duplicates.Remember(out.ContentHash, rec.ID)
	return nil
}

// block сохраняет запись аудита заблокированного файла. Байты не хранятся.
func (s *IntakeService) block(ctx context.Context, st *staged, req *UploadRequest) error {
	out := st.out
	now := s.now()
	rec := s.newRecord(out, req, now)
	rec.Status = model.QuarantineRejected
	rec.ExpirationDate = now
	rec.Processing = &model.ProcessingInfo{
		ProcessedBy: model.SystemActor,
		ProcessedAt: now,
		Action:      model.ActionAutoRejected,
		Reason:      "riesgo alto",
	}

	s.discard(st.file.Path)
	if err := s.store.Quarantine().Create(ctx, rec); err != nil {
		return fmt.Errorf("ошибка сохранения записи аудита: %w", err)
	}
	out.QuarantineID = rec.ID
	quarantinedTotal.WithLabelValues(string(model.QuarantineRejected)).Inc()
	return nil
}

// findDuplicate ищет файл с тем же содержимым: сначала кэш, затем база.
// Ошибка поиска не блокирует загрузку.
func (s *IntakeService) findDuplicate(ctx context.Context, hash string) string {
	if ref, ok := s.duplicates.Lookup(hash); ok {
		return ref
	}

	rec, err := s.store.Quarantine().FindActiveByHash(ctx, hash)
	switch {
	case err == nil:
		s.duplicates.Remember(hash, rec.ID)
		return rec.ID
	case !errors.Is(err, repository.ErrNotFound):
		s.logger.Warn("Ошибка поиска дубликата в карантине", slog.String("error", err.Error()))
		return ""
	}

	id, err := s.store.Payments().FindAcceptedByReceiptHash(ctx, hash)
	switch {
	case err == nil:
		s.duplicates.Remember(hash, id)
		return id
	case !errors.Is(err, repository.ErrNotFound):
		s.logger.Warn("Ошибка поиска дубликата среди платежей", slog.String("error", err.Error()))
	}
	return ""
}

func (s *IntakeService) discard(path string) {
	if err := s.files.Discard(path); err != nil {
		s.logger.Warn("Не удалось удалить временный файл",
			slog.String("path", path),
			slog.String("error", err.Error()),
		)
	}
}
