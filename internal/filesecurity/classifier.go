// Пакет filesecurity — политика приёма загружаемых квитанций:
// классификация по типу и размеру, проверка сигнатур и содержимого,
// оценка риска и admission control.
//
// Все проверки — чистые функции над значением config.FileSecurity;
// побочных эффектов нет, кроме опционального обращения к clamd.
package filesecurity

import (
	"fmt"
	"path/filepath"
	"slices"
	"strings"

	"github.com/scoutledger/receipt-module/internal/config"
	"github.com/scoutledger/receipt-module/internal/domain/model"
)

// Classify проверяет объявленный MIME-тип, расширение имени файла и размер.
// Находки накапливаются: файл запрещённого типа и недопустимого размера
// получит обе.
func Classify(policy *config.FileSecurity, mimeType, filename string, size int64) []model.Finding {
	var findings []model.Finding
	mt := config.NormalizeMIME(mimeType)

	allowed := policy.IsAllowed(mt)
	if !allowed {
		findings = append(findings, model.Finding{
			Kind:     model.FindingForbiddenType,
			Weight:   policy.Weights.ForbiddenType,
			Message:  fmt.Sprintf("tipo de archivo no permitido: %s", displayMIME(mt)),
			HardFail: true,
		})
	}

	// Для неизвестных типов действует диапазон по умолчанию
	r := policy.SizeRangeFor(mt)
	switch {
	case size > r.Max:
		findings = append(findings, model.Finding{
			Kind:    model.FindingOversized,
			Weight:  policy.Weights.Oversized,
			Message: fmt.Sprintf("archivo demasiado grande: %s (máximo %s)", formatSize(size), formatSize(r.Max)),
		})
	case size < r.Min:
		findings = append(findings, model.Finding{
			Kind:    model.FindingUndersized,
			Weight:  policy.Weights.Undersized,
			Message: fmt.Sprintf("archivo demasiado pequeño: %s (mínimo %s)", formatSize(size), formatSize(r.Min)),
		})
	}

	if allowed {
		ext := strings.ToLower(filepath.Ext(filename))
		if !slices.Contains(policy.AllowedTypes[mt], ext) {
			findings = append(findings, model.Finding{
				Kind:   model.FindingExtensionMismatch,
				Weight: policy.Weights.ExtensionMismatch,
				Message: fmt.Sprintf("la extensión %s no corresponde al tipo %s (permitidas: %s)",
					displayExt(ext), mt, strings.Join(policy.AllowedTypes[mt], ", ")),
			})
		}
	}

	return findings
}

func displayMIME(mt string) string {
	if mt == "" {
		return "(sin tipo)"
	}
	return mt
}

func displayExt(ext string) string {
	if ext == "" {
		return "(sin extensión)"
	}
	return ext
}

// formatSize — размер в человекочитаемом виде для сообщений пользователю.
func formatSize(n int64) string {
	const unit = 1024
	switch {
	case n >= unit*unit:
		return fmt.Sprintf("%.1f MB", float64(n)/float64(unit*unit))
	case n >= unit:
		return fmt.Sprintf("%.1f KB", float64(n)/float64(unit))
	default:
		return fmt.Sprintf("%d B", n)
	}
}
