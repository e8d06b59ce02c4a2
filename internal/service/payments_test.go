package service

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/scoutledger/receipt-module/internal/domain/model"
	"github.com/scoutledger/receipt-module/internal/filesecurity"
	"github.com/scoutledger/receipt-module/internal/repository/repotest"
	"github.com/scoutledger/receipt-module/internal/storage/filestore"
)

func TestPaymentCreate_AcceptedReceipt(t *testing.T) {
	env := newTestEnv(t)

	res, err := env.payments.Create(t.Context(), paymentInput(), upload("Recibo Marzo.PNG", "image/png", pngContent(2048)))
	if err != nil {
		t.Fatalf("Create() ошибка: %v", err)
	}

	p := env.store.Payment(res.Payment.ID)
	if p == nil {
		t.Fatal("платёж не сохранён")
	}
	if p.ReceiptStatus != model.ReceiptAccepted || p.ReceiptPath == nil {
		t.Fatalf("квитанция = %s, путь = %v", p.ReceiptStatus, p.ReceiptPath)
	}
	if p.Currency != "ARS" {
		t.Errorf("валюта не нормализована: %s", p.Currency)
	}
	if !res.Receipt.IsValid || res.Receipt.RiskLevel != model.RiskMinimal {
		t.Errorf("результат = %+v", res.Receipt)
	}

	full, err := env.files.FullPath(*p.ReceiptPath)
	if err != nil || !fileExists(full) {
		t.Errorf("файл квитанции отсутствует: %s (%v)", full, err)
	}
	if env.store.RecordCount() != 0 {
		t.Error("принятая квитанция не должна создавать запись карантина")
	}
	if n := countFiles(t, filepath.Join(env.dir, "staging")); n != 0 {
		t.Errorf("в staging осталось %d файлов", n)
	}
}

func TestPaymentCreate_QuarantinedReceipt(t *testing.T) {
	env := newTestEnv(t)

	res := env.quarantinedPayment(t)

	if !res.Receipt.Quarantined || res.Receipt.IsValid || res.Receipt.QuarantineID == "" {
		t.Fatalf("результат = %+v", res.Receipt)
	}
	if res.Receipt.RiskLevel != model.RiskMedium || res.Receipt.RiskScore != 42 {
		t.Errorf("риск = %s (%d), ожидается MEDIUM (42)", res.Receipt.RiskLevel, res.Receipt.RiskScore)
	}

	p := env.store.Payment(res.Payment.ID)
	if p.ReceiptStatus != model.ReceiptPendingReview || p.QuarantineID == nil || *p.QuarantineID != res.Receipt.QuarantineID {
		t.Fatalf("платёж = %+v", p)
	}
	if p.ReceiptPath != nil {
		t.Error("квитанция на ревью не должна иметь путь в постоянном хранилище")
	}

	rec := env.store.Record(res.Receipt.QuarantineID)
	if rec == nil || rec.Status != model.QuarantinePending {
		t.Fatalf("запись карантина = %+v", rec)
	}
	if rec.RelatedRecordID == nil || *rec.RelatedRecordID != p.ID || *rec.RelatedRecordType != model.RelatedPayment {
		t.Error("запись карантина не связана с платежом")
	}
	if got := rec.ExpirationDate.Sub(rec.QuarantinedAt); got != env.policy.QuarantineRetention {
		t.Errorf("срок хранения = %v, ожидается %v", got, env.policy.QuarantineRetention)
	}
	for _, path := range []string{rec.Paths.OriginalFile, rec.Paths.MetadataFile, rec.Paths.LogFile} {
		if !fileExists(path) {
			t.Errorf("артефакт карантина отсутствует: %s", path)
		}
	}

	var meta quarantineMetadata
	if err := filestore.ReadMetadata(rec.Paths.MetadataFile, &meta); err != nil {
		t.Fatalf("ReadMetadata() ошибка: %v", err)
	}
	if meta.ID != rec.ID || meta.ContentHash != rec.ContentHash || len(meta.Findings) == 0 {
		t.Errorf("metadata.json = %+v", meta)
	}
	if n := countFiles(t, env.files.UploadsDir()); n != 0 {
		t.Errorf("в постоянном хранилище %d файлов, ожидается 0", n)
	}
}

func TestPaymentCreate_PolicyRejection(t *testing.T) {
	env := newTestEnv(t)

	// PNG с расширением .jpg: несоответствие расширения, уровень LOW
	_, err := env.payments.Create(t.Context(), paymentInput(), upload("recibo.jpg", "image/png", pngContent(2048)))

	var pe *PolicyError
	if !errors.As(err, &pe) {
		t.Fatalf("ожидалась PolicyError, получено %v", err)
	}
	if pe.Decision != filesecurity.DecisionReject || pe.Result.IsValid || len(pe.Result.Errors) != 1 {
		t.Errorf("PolicyError = %+v", pe)
	}
	if !errors.Is(err, ErrPolicyViolation) {
		t.Error("PolicyError должна разворачиваться в ErrPolicyViolation")
	}

	if n, _ := env.store.Payments().Count(t.Context(), paymentFilters()); n != 0 {
		t.Errorf("создано %d платежей, ожидается 0", n)
	}
	if env.store.RecordCount() != 0 {
		t.Error("отказ политики не создаёт запись карантина")
	}
	if n := countFiles(t, env.dir); n != 0 {
		t.Errorf("на диске осталось %d файлов", n)
	}
}

func TestPaymentCreate_HighRiskBlocked(t *testing.T) {
	env := newTestEnv(t)

	data := pngContent(2048, "<script>x</script><iframe src=a>")
	_, err := env.payments.Create(t.Context(), paymentInput(), upload("recibo.png", "image/png", data))

	var pe *PolicyError
	if !errors.As(err, &pe) || pe.Decision != filesecurity.DecisionBlock {
		t.Fatalf("ожидалась блокировка, получено %v", err)
	}
	if pe.Result.RiskLevel != model.RiskHigh {
		t.Errorf("уровень = %s, ожидается HIGH", pe.Result.RiskLevel)
	}

	// Запись аудита создаётся сразу в rejected, байты не сохраняются
	if env.store.RecordCount() != 1 {
		t.Fatalf("записей карантина %d, ожидается 1", env.store.RecordCount())
	}
	recs, _ := env.store.Quarantine().List(t.Context(), quarantineFilters(), 10, 0)
	rec := recs[0]
	if rec.Status != model.QuarantineRejected || rec.Processing == nil ||
		rec.Processing.Action != model.ActionAutoRejected || rec.Processing.ProcessedBy != model.SystemActor {
		t.Errorf("запись аудита = %+v", rec)
	}
	if n := countFiles(t, env.dir); n != 0 {
		t.Errorf("на диске осталось %d файлов", n)
	}
	if n, _ := env.store.Payments().Count(t.Context(), paymentFilters()); n != 0 {
		t.Error("заблокированная квитанция не создаёт платёж")
	}
}

func TestPaymentCreate_CommitFailureLeavesNothing(t *testing.T) {
	tests := []struct {
		name string
		file *UploadRequest
	}{
		{"принятая квитанция", upload("recibo.png", "image/png", pngContent(2048))},
		{"квитанция в карантине", upload("recibo.pdf", "application/pdf", pdfContent(2048))},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env := newTestEnv(t)
			env.store.FailOn = "payments.Create"

			_, err := env.payments.Create(t.Context(), paymentInput(), tt.file)
			if !errors.Is(err, repotest.ErrInjected) {
				t.Fatalf("ожидалась внедрённая ошибка, получено %v", err)
			}
			if env.store.RecordCount() != 0 {
				t.Error("запись карантина осталась после отката")
			}
			if n := countFiles(t, env.dir); n != 0 {
				t.Errorf("на диске осталось %d файлов после отката", n)
			}
			entries, _ := os.ReadDir(env.files.QuarantineDir())
			if len(entries) != 0 {
				t.Errorf("в карантине осталось %d каталогов", len(entries))
			}
		})
	}
}

func TestPaymentCreate_WithoutReceipt(t *testing.T) {
	env := newTestEnv(t)

	res, err := env.payments.Create(t.Context(), paymentInput(), nil)
	if err != nil {
		t.Fatalf("Create() ошибка: %v", err)
	}
	if res.Receipt != nil || res.Payment.ReceiptStatus != model.ReceiptNone {
		t.Errorf("результат = %+v", res)
	}
}

func TestPaymentCreate_InvalidInput(t *testing.T) {
	env := newTestEnv(t)

	tests := []struct {
		name   string
		mutate func(in *CreatePaymentInput)
	}{
		{"без persona_id", func(in *CreatePaymentInput) { in.PersonaID = "  " }},
		{"нулевая сумма", func(in *CreatePaymentInput) { in.AmountCents = 0 }},
		{"пустой концепт", func(in *CreatePaymentInput) { in.Concept = "" }},
		{"длинный концепт", func(in *CreatePaymentInput) { in.Concept = strings.Repeat("a", 256) }},
		{"неверная валюта", func(in *CreatePaymentInput) { in.Currency = "pesos" }},
		{"без даты", func(in *CreatePaymentInput) { in.PaidAt = time.Time{} }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			in := paymentInput()
			tt.mutate(&in)
			if _, err := env.payments.Create(t.Context(), in, nil); !errors.Is(err, ErrValidation) {
				t.Errorf("ожидалась ErrValidation, получено %v", err)
			}
		})
	}
}

func TestPaymentReplaceReceipt(t *testing.T) {
	env := newTestEnv(t)

	created, err := env.payments.Create(t.Context(), paymentInput(), upload("a.png", "image/png", pngContent(2048)))
	if err != nil {
		t.Fatalf("Create() ошибка: %v", err)
	}
	oldPath := *created.Payment.ReceiptPath

	res, err := env.payments.ReplaceReceipt(t.Context(), created.Payment.ID, upload("b.png", "image/png", pngContent(4096)))
	if err != nil {
		t.Fatalf("ReplaceReceipt() ошибка: %v", err)
	}
	if res.Payment.ReceiptStatus != model.ReceiptAccepted || *res.Payment.ReceiptPath == oldPath {
		t.Errorf("платёж = %+v", res.Payment)
	}
	full, _ := env.files.FullPath(oldPath)
	if fileExists(full) {
		t.Error("прежняя квитанция не удалена")
	}

	// Квитанция на ревью не заменяется
	res, err = env.payments.ReplaceReceipt(t.Context(), created.Payment.ID, upload("c.pdf", "application/pdf", pdfContent(2048)))
	if err != nil || res.Payment.ReceiptStatus != model.ReceiptPendingReview {
		t.Fatalf("замена на карантин: %v, %+v", err, res)
	}
	_, err = env.payments.ReplaceReceipt(t.Context(), created.Payment.ID, upload("d.png", "image/png", pngContent(1024)))
	if !errors.Is(err, ErrReceiptPending) {
		t.Errorf("ожидалась ErrReceiptPending, получено %v", err)
	}

	if _, err := env.payments.ReplaceReceipt(t.Context(), "00000000-0000-0000-0000-000000000000", upload("e.png", "image/png", pngContent(1024))); !errors.Is(err, ErrNotFound) {
		t.Errorf("ожидалась ErrNotFound, получено %v", err)
	}
}

func TestPaymentReplaceReceipt_QuarantinedKeepsAccepted(t *testing.T) {
	tests := []struct {
		name        string
		resolve     func(env *testEnv, qid string) error
		wantStatus  model.ReceiptStatus
		wantOldFile bool
		wantNewName string
	}{
		{
			name: "отказ возвращает прежнюю квитанцию",
			resolve: func(env *testEnv, qid string) error {
				_, err := env.review.Reject(t.Context(), qid, ReviewDecision{Reviewer: "admin", Reason: "monto ilegible"})
				return err
			},
			wantStatus:  model.ReceiptAccepted,
			wantOldFile: true,
			wantNewName: "a.png",
		},
		{
			name: "одобрение заменяет квитанцию",
			resolve: func(env *testEnv, qid string) error {
				_, err := env.review.Approve(t.Context(), qid, ReviewDecision{Reviewer: "admin"})
				return err
			},
			wantStatus:  model.ReceiptAccepted,
			wantOldFile: false,
			wantNewName: "b.pdf",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env := newTestEnv(t)
			created, err := env.payments.Create(t.Context(), paymentInput(), upload("a.png", "image/png", pngContent(2048)))
			if err != nil {
				t.Fatalf("Create() ошибка: %v", err)
			}
			oldPath := *created.Payment.ReceiptPath
			oldFull, _ := env.files.FullPath(oldPath)

			res, err := env.payments.ReplaceReceipt(t.Context(), created.Payment.ID, upload("b.pdf", "application/pdf", pdfContent(2048)))
			if err != nil || res.Decision != filesecurity.DecisionQuarantine {
				t.Fatalf("ReplaceReceipt() = %+v, %v", res, err)
			}
			if !fileExists(oldFull) {
				t.Fatal("прежняя квитанция удалена до решения ревьюера")
			}
			pending := env.store.Payment(created.Payment.ID)
			if pending.ReceiptStatus != model.ReceiptPendingReview || pending.ReceiptPath == nil || *pending.ReceiptPath != oldPath {
				t.Errorf("платёж на ревью = %+v", pending)
			}

			if err := tt.resolve(env, res.Receipt.QuarantineID); err != nil {
				t.Fatalf("решение ревьюера: %v", err)
			}

			got := env.store.Payment(created.Payment.ID)
			if got.ReceiptStatus != tt.wantStatus || got.ReceiptPath == nil {
				t.Fatalf("платёж = %+v", got)
			}
			if fileExists(oldFull) != tt.wantOldFile {
				t.Errorf("прежний файл существует = %v, ожидается %v", !tt.wantOldFile, tt.wantOldFile)
			}
			if got.ReceiptFilename == nil || *got.ReceiptFilename != tt.wantNewName {
				t.Errorf("receipt_filename = %v, ожидается %s", got.ReceiptFilename, tt.wantNewName)
			}
			full, _ := env.files.FullPath(*got.ReceiptPath)
			if !fileExists(full) {
				t.Errorf("квитанция платежа %s отсутствует на диске", *got.ReceiptPath)
			}
		})
	}
}

func TestPaymentList(t *testing.T) {
	env := newTestEnv(t)
	for i := 0; i < 3; i++ {
		if _, err := env.payments.Create(t.Context(), paymentInput(), nil); err != nil {
			t.Fatalf("Create() ошибка: %v", err)
		}
	}
	other := paymentInput()
	other.PersonaID = "persona-9"
	if _, err := env.payments.Create(t.Context(), other, nil); err != nil {
		t.Fatalf("Create() ошибка: %v", err)
	}

	f := paymentFilters()
	persona := "persona-7"
	f.PersonaID = &persona
	items, total, err := env.payments.List(t.Context(), f, 2, 0)
	if err != nil {
		t.Fatalf("List() ошибка: %v", err)
	}
	if len(items) != 2 || total != 3 {
		t.Errorf("List = %d элементов, всего %d; ожидается 2 и 3", len(items), total)
	}
}
