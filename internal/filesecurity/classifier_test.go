package filesecurity

import (
	"testing"

	"github.com/scoutledger/receipt-module/internal/config"
	"github.com/scoutledger/receipt-module/internal/domain/model"
)

func kindsOf(findings []model.Finding) []model.FindingKind {
	out := make([]model.FindingKind, 0, len(findings))
	for _, f := range findings {
		out = append(out, f.Kind)
	}
	return out
}

func TestClassify(t *testing.T) {
	policy := config.DefaultFileSecurity()
	const mib = 1024 * 1024

	tests := []struct {
		name     string
		mime     string
		filename string
		size     int64
		want     []model.FindingKind
	}{
		{"png в пределах", "image/png", "recibo.png", 500 * 1024, nil},
		{"нижняя граница включительно", "image/png", "recibo.png", 100, nil},
		{"верхняя граница включительно", "image/png", "recibo.png", 5 * mib, nil},
		{"pdf верхняя граница", "application/pdf", "recibo.pdf", 10 * mib, nil},
		{"на байт больше максимума", "image/png", "recibo.png", 5*mib + 1, []model.FindingKind{model.FindingOversized}},
		{"на байт меньше минимума", "image/png", "recibo.png", 99, []model.FindingKind{model.FindingUndersized}},
		{"MIME с параметрами и регистром", "Image/JPEG; charset=binary", "recibo.JPEG", 2048, nil},
		{"jpg и jpeg оба допустимы", "image/jpeg", "recibo.jpg", 2048, nil},
		{"расширение не совпадает", "image/jpeg", "recibo.png", 2048, []model.FindingKind{model.FindingExtensionMismatch}},
		{"нет расширения", "application/pdf", "recibo", 2048, []model.FindingKind{model.FindingExtensionMismatch}},
		{"запрещённый тип", "text/html", "recibo.html", 2048, []model.FindingKind{model.FindingForbiddenType}},
		{
			"запрещённый тип и размер по умолчанию",
			"application/zip", "recibo.zip", 6 * mib,
			[]model.FindingKind{model.FindingForbiddenType, model.FindingOversized},
		},
		{"пустой MIME", "", "recibo.png", 2048, []model.FindingKind{model.FindingForbiddenType}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := kindsOf(Classify(policy, tt.mime, tt.filename, tt.size))
			if len(got) != len(tt.want) {
				t.Fatalf("находки = %v, ожидается %v", got, tt.want)
			}
			for i := range got {
				if got[i] != tt.want[i] {
					t.Errorf("находка %d = %s, ожидается %s", i, got[i], tt.want[i])
				}
			}
		})
	}
}

func TestClassify_ForbiddenIsHardFail(t *testing.T) {
	policy := config.DefaultFileSecurity()
	findings := Classify(policy, "application/x-sh", "run.sh", 500)

	if len(findings) != 1 {
		t.Fatalf("ожидалась 1 находка, получено %d", len(findings))
	}
	f := findings[0]
	if !f.HardFail || f.Weight != policy.Weights.ForbiddenType {
		t.Errorf("находка = %+v", f)
	}
	if f.Message != "tipo de archivo no permitido: application/x-sh" {
		t.Errorf("сообщение = %q", f.Message)
	}
}

func TestFormatSize(t *testing.T) {
	cases := map[int64]string{
		512:              "512 B",
		2048:             "2.0 KB",
		10 * 1024 * 1024: "10.0 MB",
	}
	for in, want := range cases {
		if got := formatSize(in); got != want {
			t.Errorf("formatSize(%d) = %q, ожидается %q", in, got, want)
		}
	}
}
