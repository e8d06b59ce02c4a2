package service

import (
	"bytes"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/scoutledger/receipt-module/internal/config"
	"github.com/scoutledger/receipt-module/internal/domain/model"
	"github.com/scoutledger/receipt-module/internal/filesecurity"
	"github.com/scoutledger/receipt-module/internal/repository"
	"github.com/scoutledger/receipt-module/internal/repository/repotest"
	"github.com/scoutledger/receipt-module/internal/storage/filestore"
)

var pngHeader = []byte{0x89, 0x50, 0x4E, 0x47, 0x0D, 0x0A, 0x1A, 0x0A}

// testEnv — сервисы поверх in-memory хранилища и временных каталогов.
type testEnv struct {
	dir        string
	policy     *config.FileSecurity
	store      *repotest.MemStore
	files      *filestore.FileStore
	duplicates *DuplicateIndex
	intake     *IntakeService
	review     *ReviewService
	sweep      *SweepService
	payments   *PaymentService
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

// newTestEnv создаёт окружение; PDF больше 1 КБ считается слишком большим,
// чтобы сценарий карантина не требовал многомегабайтных файлов.
func newTestEnv(t *testing.T, tune ...func(p *config.FileSecurity)) *testEnv {
	t.Helper()

	policy := config.DefaultFileSecurity()
	policy.SizeLimits["application/pdf"] = config.SizeRange{Min: 100, Max: 1024}
	policy.ValidationTimeout = 5 * time.Second
	for _, fn := range tune {
		fn(policy)
	}

	dir := t.TempDir()
	files, err := filestore.New(
		filepath.Join(dir, "uploads"),
		filepath.Join(dir, "quarantine"),
		filepath.Join(dir, "staging"),
	)
	if err != nil {
		t.Fatalf("Ошибка создания FileStore: %v", err)
	}

	logger := testLogger()
	validator, err := filesecurity.NewValidator(policy, nil, logger)
	if err != nil {
		t.Fatalf("Ошибка создания валидатора: %v", err)
	}

	store := repotest.New()
	dups := NewDuplicateIndex(policy.DuplicateCacheSize, policy.DuplicateCacheTTL)
	intake := NewIntakeService(store, files, validator, filesecurity.NewAdmission(policy.MaxConcurrentValidations), dups, logger)

	return &testEnv{
		dir:        dir,
		policy:     policy,
		store:      store,
		files:      files,
		duplicates: dups,
		intake:     intake,
		review:     NewReviewService(store, files, dups, policy, logger),
		sweep:      NewSweepService(store, files, dups, policy, logger),
		payments:   NewPaymentService(store, intake, files, logger),
	}
}

// pngContent — корректный PNG-заголовок, дополненный до size байт.
func pngContent(size int, extra ...string) []byte {
	b := append([]byte(nil), pngHeader...)
	for _, e := range extra {
		b = append(b, e...)
	}
	if len(b) < size {
		b = append(b, make([]byte, size-len(b))...)
	}
	return b
}

func pdfContent(size int) []byte {
	b := []byte("%PDF-1.4\n")
	return append(b, bytes.Repeat([]byte{' '}, size-len(b))...)
}

func upload(name, mime string, data []byte) *UploadRequest {
	return &UploadRequest{
		Filename: name,
		MimeType: mime,
		Body:     bytes.NewReader(data),
		Security: model.SecurityContext{UserID: "u-1", Username: "tesorero", IPAddress: "10.0.0.1"},
	}
}

func paymentInput() CreatePaymentInput {
	return CreatePaymentInput{
		PersonaID:   "persona-7",
		AmountCents: 150000,
		Currency:    "ars",
		Concept:     "Cuota marzo",
		PaidAt:      time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC),
		CreatedBy:   "tesorero",
	}
}

// countFiles считает обычные файлы в дереве каталога.
func countFiles(t *testing.T, root string) int {
	t.Helper()
	n := 0
	err := filepath.WalkDir(root, func(_ string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.IsDir() {
			n++
		}
		return nil
	})
	if err != nil {
		t.Fatalf("Ошибка обхода %s: %v", root, err)
	}
	return n
}

func fileExists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}

// quarantinedPayment создаёт платёж, квитанция которого попадает в карантин.
func (e *testEnv) quarantinedPayment(t *testing.T) *PaymentResult {
	t.Helper()
	res, err := e.payments.Create(t.Context(), paymentInput(), upload("recibo.pdf", "application/pdf", pdfContent(2048)))
	if err != nil {
		t.Fatalf("Create() ошибка: %v", err)
	}
	if res.Decision != filesecurity.DecisionQuarantine {
		t.Fatalf("решение = %s, ожидается quarantine", res.Decision)
	}
	return res
}

func paymentFilters() repository.PaymentListFilters { return repository.PaymentListFilters{} }

func quarantineFilters() repository.QuarantineListFilters { return repository.QuarantineListFilters{} }
