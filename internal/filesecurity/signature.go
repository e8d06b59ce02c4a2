package filesecurity

import (
	"bytes"
	"fmt"
	"regexp"

	"github.com/scoutledger/receipt-module/internal/config"
	"github.com/scoutledger/receipt-module/internal/domain/model"
)

// compiledPattern — правило из таблицы шаблонов с готовым регулярным выражением.
type compiledPattern struct {
	rule config.PatternRule
	re   *regexp.Regexp
}

// SignatureChecker проверяет сигнатуру формата, содержимое префикса
// и имя файла. Регулярные выражения компилируются один раз в NewSignatureChecker.
type SignatureChecker struct {
	policy    *config.FileSecurity
	patterns  []compiledPattern
	dangerous *regexp.Regexp
}

// NewSignatureChecker компилирует таблицу шаблонов политики.
func NewSignatureChecker(policy *config.FileSecurity) (*SignatureChecker, error) {
	patterns := make([]compiledPattern, 0, len(policy.Patterns))
	for _, p := range policy.Patterns {
		re, err := regexp.Compile(p.Expr)
		if err != nil {
			return nil, fmt.Errorf("шаблон %s: %w", p.Name, err)
		}
		patterns = append(patterns, compiledPattern{rule: p, re: re})
	}

	dangerous, err := regexp.Compile(policy.DangerousFilename)
	if err != nil {
		return nil, fmt.Errorf("регулярное выражение имени файла: %w", err)
	}

	return &SignatureChecker{
		policy:    policy,
		patterns:  patterns,
		dangerous: dangerous,
	}, nil
}

// Check выполняет все три проверки над префиксом содержимого.
// Префикс длиннее ScanPrefixSize обрезается.
func (c *SignatureChecker) Check(mimeType, filename string, prefix []byte) []model.Finding {
	prefix = c.bound(prefix)

	var findings []model.Finding
	findings = append(findings, c.CheckMagic(mimeType, prefix)...)
	findings = append(findings, c.ScanContent(prefix)...)
	findings = append(findings, c.CheckFilename(filename)...)
	return findings
}

// CheckMagic сверяет первые байты с таблицей сигнатур объявленного типа.
// Для типов вне allow-list проверка не выполняется: они уже отклонены классификатором.
func (c *SignatureChecker) CheckMagic(mimeType string, prefix []byte) []model.Finding {
	mt := config.NormalizeMIME(mimeType)
	sigs, ok := c.policy.Signatures[mt]
	if !ok || len(sigs) == 0 {
		return nil
	}
	if MatchesAny(sigs, c.bound(prefix)) {
		return nil
	}
	return []model.Finding{{
		Kind:    model.FindingMagicMismatch,
		Weight:  c.policy.Weights.MagicMismatch,
		Message: fmt.Sprintf("el contenido del archivo no corresponde al tipo declarado %s", mt),
	}}
}

// ScanContent ищет в префиксе вредоносные шаблоны.
// Каждое сработавшее правило даёт одну находку, совпадения одного правила не суммируются.
func (c *SignatureChecker) ScanContent(prefix []byte) []model.Finding {
	prefix = c.bound(prefix)

	var findings []model.Finding
	for _, p := range c.patterns {
		if !p.re.Match(prefix) {
			continue
		}
		weight := p.rule.Weight
		if weight == 0 {
			weight = c.policy.Weights.MaliciousContent
		}
		findings = append(findings, model.Finding{
			Kind:    model.FindingMaliciousContent,
			Weight:  weight,
			Message: fmt.Sprintf("contenido potencialmente malicioso: %s", p.rule.Description),
			Rule:    p.rule.Name,
		})
	}
	return findings
}

// CheckFilename проверяет имя файла на опасные символы.
func (c *SignatureChecker) CheckFilename(filename string) []model.Finding {
	if !c.dangerous.MatchString(filename) {
		return nil
	}
	return []model.Finding{{
		Kind:    model.FindingSuspiciousFilename,
		Weight:  c.policy.Weights.SuspiciousFilename,
		Message: "el nombre del archivo contiene caracteres no permitidos",
	}}
}

func (c *SignatureChecker) bound(prefix []byte) []byte {
	if n := c.policy.ScanPrefixSize; n > 0 && len(prefix) > n {
		return prefix[:n]
	}
	return prefix
}

// MatchesAny сообщает, совпадает ли префикс хотя бы с одной сигнатурой.
func MatchesAny(sigs []config.MagicSignature, prefix []byte) bool {
	for _, sig := range sigs {
		if matches(sig, prefix) {
			return true
		}
	}
	return false
}

// matches — совпадают все части сигнатуры по своим смещениям.
func matches(sig config.MagicSignature, prefix []byte) bool {
	if len(sig) == 0 {
		return false
	}
	for _, part := range sig {
		end := part.Offset + len(part.Bytes)
		if part.Offset < 0 || end > len(prefix) {
			return false
		}
		if !bytes.Equal(prefix[part.Offset:end], part.Bytes) {
			return false
		}
	}
	return true
}
