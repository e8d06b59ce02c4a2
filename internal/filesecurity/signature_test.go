package filesecurity

import (
	"bytes"
	"testing"

	"github.com/scoutledger/receipt-module/internal/config"
	"github.com/scoutledger/receipt-module/internal/domain/model"
)

func newTestChecker(t *testing.T, policy *config.FileSecurity) *SignatureChecker {
	t.Helper()
	c, err := NewSignatureChecker(policy)
	if err != nil {
		t.Fatalf("ошибка создания SignatureChecker: %v", err)
	}
	return c
}

func TestCheckMagic(t *testing.T) {
	c := newTestChecker(t, config.DefaultFileSecurity())

	webp := append([]byte("RIFF\x10\x00\x00\x00WEBP"), make([]byte, 16)...)
	riffNotWebp := append([]byte("RIFF\x10\x00\x00\x00WAVE"), make([]byte, 16)...)

	tests := []struct {
		name     string
		mime     string
		prefix   []byte
		mismatch bool
	}{
		{"jpeg", "image/jpeg", []byte{0xFF, 0xD8, 0xFF, 0xDB, 0x00}, false},
		{"png", "image/png", pngMagic, false},
		{"pdf", "application/pdf", []byte("%PDF-1.4"), false},
		{"gif87a", "image/gif", []byte("GIF87a...."), false},
		{"gif89a", "image/gif", []byte("GIF89a...."), false},
		{"webp со смещением", "image/webp", webp, false},
		{"riff без WEBP", "image/webp", riffNotWebp, true},
		{"html вместо jpeg", "image/jpeg", []byte("<html>"), true},
		{"png вместо pdf", "application/pdf", pngMagic, true},
		{"префикс короче сигнатуры", "image/png", pngMagic[:4], true},
		{"пустой префикс", "image/jpeg", nil, true},
		{"тип вне allow-list не проверяется", "text/plain", []byte("hola"), false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			findings := c.CheckMagic(tt.mime, tt.prefix)
			if got := len(findings) == 1; got != tt.mismatch {
				t.Errorf("mismatch = %v, ожидается %v (находки %+v)", got, tt.mismatch, findings)
			}
			if tt.mismatch && findings[0].Weight != 30 {
				t.Errorf("вес = %d, ожидается 30", findings[0].Weight)
			}
		})
	}
}

func TestScanContent(t *testing.T) {
	c := newTestChecker(t, config.DefaultFileSecurity())

	tests := []struct {
		name  string
		body  string
		rules []string
	}{
		{"чистый текст", "Pago de cuota mensual, rama Lobatos", nil},
		{"script", "<SCRIPT>alert(1)</SCRIPT>", []string{"script_tag"}},
		{"script с пробелом", "< script src=x>", []string{"script_tag"}},
		{"iframe", `<iframe src="http://x">`, []string{"embedded_frame"}},
		{"обработчик события", `<img src=x onerror=alert(1)>`, []string{"event_handler"}},
		{"javascript uri", `<a href="javascript:void(0)">`, []string{"script_uri"}},
		{"vbscript uri", `vbscript:msgbox`, []string{"script_uri"}},
		{"php", `<?php system($_GET['c']); ?>`, []string{"server_tag"}},
		{"asp", `<%= Request("x") %>`, []string{"server_tag"}},
		{"закодированный script", `%3Cscript%3E`, []string{"encoded_script"}},
		{"html-сущность script", `&#x3c;script`, []string{"encoded_script"}},
		{"исполняемый файл", `descargar factura.exe ahora`, []string{"executable_reference"}},
		{"eval", `eval(atob("..."))`, []string{"dynamic_code"}},
		{"document.cookie", `new Image().src=document.cookie`, []string{"dynamic_code"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			findings := c.ScanContent([]byte(tt.body))
			if len(findings) != len(tt.rules) {
				t.Fatalf("находки = %+v, ожидаются правила %v", findings, tt.rules)
			}
			for i, f := range findings {
				if f.Rule != tt.rules[i] {
					t.Errorf("правило %d = %s, ожидается %s", i, f.Rule, tt.rules[i])
				}
				if f.Kind != model.FindingMaliciousContent || f.Weight != 40 {
					t.Errorf("находка = %+v", f)
				}
			}
		})
	}
}

func TestScanContent_DistinctPatternsAccumulate(t *testing.T) {
	c := newTestChecker(t, config.DefaultFileSecurity())
	body := []byte(`<script>x</script><script>y</script><iframe></iframe>`)

	findings := c.ScanContent(body)
	if len(findings) != 2 {
		t.Errorf("ожидалось 2 находки (script, iframe), получено %d", len(findings))
	}
}

func TestScanContent_BoundedToPrefix(t *testing.T) {
	policy := config.DefaultFileSecurity()
	policy.ScanPrefixSize = 1024
	c := newTestChecker(t, policy)

	body := append(bytes.Repeat([]byte{'A'}, 2048), []byte("<script>")...)
	if findings := c.ScanContent(body); len(findings) != 0 {
		t.Errorf("шаблон за пределами префикса не должен находиться: %+v", findings)
	}
}

func TestCheckFilename(t *testing.T) {
	c := newTestChecker(t, config.DefaultFileSecurity())

	tests := []struct {
		name       string
		filename   string
		suspicious bool
	}{
		{"обычное", "comprobante_marzo.pdf", false},
		{"пробелы и юникод", "recibo cuota año 2026.png", false},
		{"обход каталога", "../../etc/passwd", true},
		{"обратный слэш", `C:\temp\x.png`, true},
		{"кавычки", `recibo".png`, true},
		{"вертикальная черта", "a|b.png", true},
		{"управляющий символ", "recibo\x00.png", true},
		{"звёздочка", "*.png", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := len(c.CheckFilename(tt.filename)) == 1
			if got != tt.suspicious {
				t.Errorf("CheckFilename(%q) suspicious = %v, ожидается %v", tt.filename, got, tt.suspicious)
			}
		})
	}
}

func TestNewSignatureChecker_BadPattern(t *testing.T) {
	policy := config.DefaultFileSecurity()
	policy.Patterns = append(policy.Patterns, config.PatternRule{Name: "broken", Expr: "(", Weight: 40})

	if _, err := NewSignatureChecker(policy); err == nil {
		t.Error("ожидалась ошибка компиляции шаблона")
	}
}
