package filesecurity

import (
	"bytes"
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"strings"
	"testing"

	"github.com/scoutledger/receipt-module/internal/config"
	"github.com/scoutledger/receipt-module/internal/domain/model"
)

var (
	pngMagic  = []byte{0x89, 0x50, 0x4E, 0x47, 0x0D, 0x0A, 0x1A, 0x0A}
	jpegMagic = []byte{0xFF, 0xD8, 0xFF, 0xE0}
	pdfMagic  = []byte("%PDF-1.7\n")
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

func newTestValidator(t *testing.T, scanner MalwareScanner) *Validator {
	t.Helper()
	v, err := NewValidator(config.DefaultFileSecurity(), scanner, testLogger())
	if err != nil {
		t.Fatalf("ошибка создания валидатора: %v", err)
	}
	return v
}

// content — сигнатура, дополненная нулями до n байт (не больше префикса сканирования).
func content(magic []byte, n int) []byte {
	if n > 64*1024 {
		n = 64 * 1024
	}
	buf := make([]byte, n)
	copy(buf, magic)
	return buf
}

// Сценарий A: корректный PNG 500 KB принимается без находок.
func TestEvaluate_ScenarioA_ValidPNG(t *testing.T) {
	v := newTestValidator(t, nil)

	ev := v.Evaluate(context.Background(), Candidate{
		Filename: "comprobante.png",
		MimeType: "image/png",
		Size:     500 * 1024,
		Prefix:   content(pngMagic, 500*1024),
	})

	if len(ev.Findings) != 0 {
		t.Fatalf("ожидалось 0 находок, получено %+v", ev.Findings)
	}
	if ev.Decision() != DecisionAccept {
		t.Errorf("решение = %s, ожидается accept", ev.Decision())
	}
	res := ev.Result()
	if !res.IsValid || res.RiskLevel != model.RiskMinimal || res.RiskScore != 0 {
		t.Errorf("результат = %+v", res)
	}
}

// Сценарий B: HTML со скриптом под видом JPEG блокируется.
func TestEvaluate_ScenarioB_HTMLDisguisedAsJPEG(t *testing.T) {
	v := newTestValidator(t, nil)
	body := []byte("<html><body><script>alert(1)</script></body></html>")

	ev := v.Evaluate(context.Background(), Candidate{
		Filename: "comprobante.jpg",
		MimeType: "image/jpeg",
		Size:     int64(len(body)),
		Prefix:   body,
	})

	if !ev.HasFinding(model.FindingMagicMismatch) {
		t.Error("нет находки magic_mismatch")
	}
	if !ev.HasFinding(model.FindingMaliciousContent) {
		t.Error("нет находки malicious_content")
	}
	if ev.Assessment.Score < 70 || ev.Assessment.Level != model.RiskHigh {
		t.Errorf("оценка = %+v, ожидается HIGH (>= 70)", ev.Assessment)
	}
	if ev.Decision() != DecisionBlock {
		t.Errorf("решение = %s, ожидается block", ev.Decision())
	}
	if ev.Result().IsValid {
		t.Error("isValid = true для заблокированного файла")
	}
}

// Сценарий C: PDF 15 MB превышает лимит и попадает в карантин.
func TestEvaluate_ScenarioC_OversizedPDF(t *testing.T) {
	v := newTestValidator(t, nil)

	ev := v.Evaluate(context.Background(), Candidate{
		Filename: "comprobante.pdf",
		MimeType: "application/pdf",
		Size:     15 * 1024 * 1024,
		Prefix:   content(pdfMagic, 64*1024),
	})

	if len(ev.Findings) != 1 || ev.Findings[0].Kind != model.FindingOversized {
		t.Fatalf("ожидалась одна находка oversized, получено %+v", ev.Findings)
	}
	if ev.Assessment.Level != model.RiskMedium {
		t.Errorf("уровень = %s (оценка %d), ожидается MEDIUM", ev.Assessment.Level, ev.Assessment.Score)
	}
	if ev.Decision() != DecisionQuarantine {
		t.Errorf("решение = %s, ожидается quarantine", ev.Decision())
	}
	res := ev.Result()
	if res.IsValid || !res.Quarantined {
		t.Errorf("результат = %+v, ожидается quarantined", res)
	}
}

func TestEvaluate_ForbiddenType(t *testing.T) {
	v := newTestValidator(t, nil)

	ev := v.Evaluate(context.Background(), Candidate{
		Filename: "setup.exe",
		MimeType: "application/x-msdownload",
		Size:     2048,
		Prefix:   content([]byte("MZ"), 2048),
	})

	if ev.Decision() != DecisionReject {
		t.Errorf("решение = %s, ожидается reject", ev.Decision())
	}
	res := ev.Result()
	if res.IsValid {
		t.Fatal("isValid = true для запрещённого типа")
	}
	found := false
	for _, msg := range res.Errors {
		if strings.Contains(msg, "tipo de archivo no permitido") {
			found = true
		}
	}
	if !found {
		t.Errorf("нет сообщения о запрещённом типе: %v", res.Errors)
	}
}

func TestEvaluate_ExtensionMismatchRejectsRegardlessOfContent(t *testing.T) {
	v := newTestValidator(t, nil)

	ev := v.Evaluate(context.Background(), Candidate{
		Filename: "comprobante.gif",
		MimeType: "image/png",
		Size:     10 * 1024,
		Prefix:   content(pngMagic, 10*1024),
	})

	if !ev.HasFinding(model.FindingExtensionMismatch) {
		t.Fatal("нет находки extension_mismatch")
	}
	if ev.Decision() != DecisionReject || ev.Result().IsValid {
		t.Errorf("решение = %s, ожидается reject", ev.Decision())
	}
}

func TestEvaluate_DuplicateIsInformational(t *testing.T) {
	v := newTestValidator(t, nil)

	ev := v.Evaluate(context.Background(), Candidate{
		Filename:    "comprobante.png",
		MimeType:    "image/png",
		Size:        4096,
		Prefix:      content(pngMagic, 4096),
		DuplicateOf: "payment-1",
	})

	if ev.Decision() != DecisionAccept {
		t.Errorf("решение = %s, дубликат не должен менять решение", ev.Decision())
	}
	res := ev.Result()
	if len(res.Warnings) != 1 || len(res.Errors) != 0 {
		t.Errorf("warnings = %v, errors = %v", res.Warnings, res.Errors)
	}
}

func TestEvaluate_FindingsAccumulate(t *testing.T) {
	v := newTestValidator(t, nil)
	body := []byte(`<iframe src="javascript:alert(1)"></iframe>`)

	ev := v.Evaluate(context.Background(), Candidate{
		Filename: `..\recibo.pdf`,
		MimeType: "application/pdf",
		Size:     int64(len(body)),
		Prefix:   body,
	})

	kinds := map[model.FindingKind]int{}
	for _, f := range ev.Findings {
		kinds[f.Kind]++
	}
	if kinds[model.FindingUndersized] != 1 ||
		kinds[model.FindingMagicMismatch] != 1 ||
		kinds[model.FindingSuspiciousFilename] != 1 ||
		kinds[model.FindingMaliciousContent] < 2 {
		t.Errorf("находки = %v", kinds)
	}
	if ev.Assessment.Score != 100 {
		t.Errorf("оценка = %d, ожидается 100 (ограничение сверху)", ev.Assessment.Score)
	}
}

// fakeScanner — антивирус для тестов.
type fakeScanner struct {
	verdict *ScanVerdict
	err     error
	scanned []byte
}

func (f *fakeScanner) Scan(_ context.Context, r io.Reader) (*ScanVerdict, error) {
	data, _ := io.ReadAll(r)
	f.scanned = data
	return f.verdict, f.err
}

func openBytes(b []byte) func() (io.ReadCloser, error) {
	return func() (io.ReadCloser, error) {
		return io.NopCloser(bytes.NewReader(b)), nil
	}
}

func TestEvaluate_MalwareBlocks(t *testing.T) {
	scanner := &fakeScanner{verdict: &ScanVerdict{Infected: true, Signature: "Eicar-Test-Signature"}}
	v := newTestValidator(t, scanner)
	body := content(pngMagic, 4096)

	ev := v.Evaluate(context.Background(), Candidate{
		Filename: "comprobante.png",
		MimeType: "image/png",
		Size:     int64(len(body)),
		Prefix:   body,
		Open:     openBytes(body),
	})

	if len(scanner.scanned) != len(body) {
		t.Errorf("антивирус получил %d байт, ожидается %d", len(scanner.scanned), len(body))
	}
	if !ev.HasFinding(model.FindingMalware) {
		t.Fatal("нет находки malware")
	}
	if ev.Decision() != DecisionBlock {
		t.Errorf("решение = %s, ожидается block", ev.Decision())
	}
}

func TestEvaluate_ScannerErrorDoesNotBlock(t *testing.T) {
	scanner := &fakeScanner{err: errors.New("connection refused")}
	v := newTestValidator(t, scanner)
	body := content(pngMagic, 4096)

	ev := v.Evaluate(context.Background(), Candidate{
		Filename: "comprobante.png",
		MimeType: "image/png",
		Size:     int64(len(body)),
		Prefix:   body,
		Open:     openBytes(body),
	})

	if ev.Decision() != DecisionAccept {
		t.Errorf("решение = %s, ошибка антивируса не должна блокировать", ev.Decision())
	}
}

func TestEvaluation_ResultSlicesNeverNil(t *testing.T) {
	ev := &Evaluation{Assessment: model.RiskAssessment{Level: model.RiskMinimal}}
	res := ev.Result()
	if res.Errors == nil || res.Warnings == nil {
		t.Error("errors и warnings должны сериализоваться как [], а не null")
	}
}
