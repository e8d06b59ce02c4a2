// sweep.go — фоновое истечение записей карантина.
//
// Записи pending_review с прошедшим expiration_date переводятся в expired
// условным UPDATE пакетами по SweepBatchSize. Квитанции связанных платежей
// помечаются expired, байты файлов удаляются (если политика не требует
// их хранить). Запись, которую ревьюер разрешает одновременно с проходом,
// остаётся за ревьюером: UPDATE затрагивает только pending_review.
//
// Запускается как горутина с периодическим тикером (RM_SWEEP_INTERVAL).
package service

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/scoutledger/receipt-module/internal/config"
	"github.com/scoutledger/receipt-module/internal/domain/model"
	"github.com/scoutledger/receipt-module/internal/repository"
	"github.com/scoutledger/receipt-module/internal/storage/filestore"
)

// Prometheus метрики прохода истечения
var (
	sweepRunsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "rm_quarantine_sweep_runs_total",
		Help: "Общее количество проходов истечения карантина",
	})

	sweepExpiredTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "rm_quarantine_expired_total",
		Help: "Общее количество записей карантина, переведённых в expired",
	})

	sweepErrorsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "rm_quarantine_sweep_errors_total",
		Help: "Общее количество ошибок прохода истечения",
	})

	sweepDurationSeconds = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "rm_quarantine_sweep_duration_seconds",
		Help:    "Длительность прохода истечения в секундах",
		Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1, 5, 10, 30, 60},
	})
)

// SweepResult — результат одного прохода.
type SweepResult struct {
	// Expired — записей переведено в expired
	Expired int `json:"expired"`
	// PaymentsUpdated — квитанций платежей помечено expired
	PaymentsUpdated int `json:"payments_updated"`
	// FilesPurged — удалено файлов из карантина
	FilesPurged int `json:"files_purged"`
	// Errors — ошибок при обработке
	Errors   int           `json:"errors"`
	Duration time.Duration `json:"-"`
}

// SweepService — фоновый проход истечения карантина.
type SweepService struct {
	store      repository.Store
	files      *filestore.FileStore
	duplicates *DuplicateIndex
	policy     *config.FileSecurity
	logger     *slog.Logger
	now        func() time.Time

	mu     sync.Mutex // защита от параллельного запуска RunOnce
	cancel context.CancelFunc
	done   chan struct{}
}

// NewSweepService создаёт сервис истечения.
func NewSweepService(
	store repository.Store,
	files *filestore.FileStore,
	duplicates *DuplicateIndex,
	policy *config.FileSecurity,
	logger *slog.Logger,
) *SweepService {
	return &SweepService{
		store:      store,
		files:      files,
		duplicates: duplicates,
		policy:     policy,
		logger:     logger.With(slog.String("component", "quarantine_sweep")),
		now:        func() time.Time { return time.Now().UTC() },
	}
}

// Start запускает фоновую горутину с периодическим тикером.
func (s *SweepService) Start(ctx context.Context) {
	sweepCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.done = make(chan struct{})

	go s.run(sweepCtx)

	s.logger.Info("Проход истечения карантина запущен",
		slog.String("interval", s.policy.SweepInterval.String()),
	)
}

// Stop останавливает фоновую горутину и ждёт завершения текущего прохода.
func (s *SweepService) Stop() {
	if s.cancel != nil {
		s.cancel()
		<-s.done
	}
	s.logger.Info("Проход истечения карантина остановлен")
}

func (s *SweepService) run(ctx context.Context) {
	defer close(s.done)

	// Первый запуск — сразу после старта
	s.RunOnce(ctx)

	ticker := time.NewTicker(s.policy.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.RunOnce(ctx)
		}
	}
}

// RunOnce выполняет один проход. Потокобезопасен.
func (s *SweepService) RunOnce(ctx context.Context) *SweepResult {
	s.mu.Lock()
	defer s.mu.Unlock()

	start := time.Now()
	result := &SweepResult{}
	now := s.now()
	info := model.ProcessingInfo{
		ProcessedBy: model.SystemActor,
		ProcessedAt: now,
		Action:      model.ActionExpired,
		Reason:      "plazo de revisión vencido",
	}

	for ctx.Err() == nil {
		batch, err := s.expireBatch(ctx, now, info, result)
		if err != nil {
			s.logger.Error("Ошибка истечения пакета записей", slog.String("error", err.Error()))
			result.Errors++
			break
		}
		s.afterExpire(batch, info, result)
		if len(batch) < s.policy.SweepBatchSize {
			break
		}
	}

	result.Duration = time.Since(start)

	sweepRunsTotal.Inc()
	sweepExpiredTotal.Add(float64(result.Expired))
	sweepErrorsTotal.Add(float64(result.Errors))
	sweepDurationSeconds.Observe(result.Duration.Seconds())

	s.logger.Info("Проход истечения карантина завершён",
		slog.Int("expired", result.Expired),
		slog.Int("payments_updated", result.PaymentsUpdated),
		slog.Int("files_purged", result.FilesPurged),
		slog.Int("errors", result.Errors),
		slog.Duration("duration", result.Duration),
	)
	return result
}

// expireBatch переводит пакет в expired и обновляет платежи в одной транзакции.
func (s *SweepService) expireBatch(ctx context.Context, now time.Time, info model.ProcessingInfo, result *SweepResult) ([]*model.QuarantineRecord, error) {
	var (
		batch   []*model.QuarantineRecord
		updated int
	)
	err := s.store.WithinTx(ctx, func(tx repository.Store) error {
		var err error
		batch, err = tx.Quarantine().ExpireDue(ctx, now, s.policy.SweepBatchSize, info)
		if err != nil {
			return err
		}
		updated = 0
		for _, rec := range batch {
			res, err := tx.Payments().ResolveReceiptByQuarantine(ctx, rec.ID, repository.ReceiptResolution{Status: model.ReceiptExpired})
			if err != nil {
				return err
			}
			updated += res.Updated
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	result.Expired += len(batch)
	result.PaymentsUpdated += updated
	return batch, nil
}

// afterExpire — файловые операции после фиксации транзакции.
func (s *SweepService) afterExpire(batch []*model.QuarantineRecord, info model.ProcessingInfo, result *SweepResult) {
	for _, rec := range batch {
		s.duplicates.Forget(rec.ContentHash)

		if rec.Paths.LogFile != "" {
			if err := filestore.AppendLog(rec.Paths.LogFile, filestore.LogEntry{
				Time:    info.ProcessedAt,
				Event:   "expired",
				Actor:   model.SystemActor,
				Message: info.Reason,
			}); err != nil {
				s.logger.Warn("Не удалось дописать журнал карантина",
					slog.String("quarantine_id", rec.ID),
					slog.String("error", err.Error()),
				)
			}
		}

		if s.policy.RetainResolvedFiles || rec.Paths.OriginalFile == "" {
			continue
		}
		if err := s.files.PurgeQuarantinedFile(rec.Paths); err != nil {
			s.logger.Error("Не удалось удалить файл истёкшей записи",
				slog.String("quarantine_id", rec.ID),
				slog.String("error", err.Error()),
			)
			result.Errors++
			continue
		}
		result.FilesPurged++

		s.logger.Debug("Запись карантина истекла",
			slog.String("quarantine_id", rec.ID),
			slog.String("filename", rec.OriginalFilename),
		)
	}
}
