// filesecurity.go — политика проверки загружаемых квитанций об оплате.
// Все таблицы (типы, размеры, сигнатуры, шаблоны, веса) задаются
// значением FileSecurity и передаются в компоненты явно.
package config

import (
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"
)

// SizeRange — допустимый диапазон размера файла (границы включительно).
type SizeRange struct {
	Min int64
	Max int64
}

// MagicPart — последовательность байт, ожидаемая по смещению Offset.
type MagicPart struct {
	Offset int
	Bytes  []byte
}

// MagicSignature — сигнатура формата; совпадать должны все части.
type MagicSignature []MagicPart

// PatternRule — строка таблицы вредоносных шаблонов.
type PatternRule struct {
	// Name — машиночитаемое имя правила
	Name string
	// Expr — регулярное выражение (синтаксис RE2)
	Expr string
	// Weight — вес находки
	Weight int
	// Description — описание для пользователя
	Description string
}

// FindingWeights — веса находок, из которых складывается оценка риска.
type FindingWeights struct {
	ForbiddenType      int
	Oversized          int
	Undersized         int
	ExtensionMismatch  int
	MagicMismatch      int
	MaliciousContent   int
	SuspiciousFilename int
	Duplicate          int
	Malware            int
}

// RiskThresholds — нижние границы уровней LOW, MEDIUM, HIGH.
type RiskThresholds struct {
	Low    int
	Medium int
	High   int
}

// FileSecurity — политика проверки файлов.
type FileSecurity struct {
	// AllowedTypes — MIME-тип → допустимые расширения (в нижнем регистре, с точкой)
	AllowedTypes map[string][]string
	// SizeLimits — диапазоны размеров по типу
	SizeLimits map[string]SizeRange
	// DefaultSize — диапазон для типов без собственной записи
	DefaultSize SizeRange
	// Signatures — допустимые сигнатуры по типу (достаточно одной)
	Signatures map[string][]MagicSignature
	// Patterns — упорядоченная таблица вредоносных шаблонов
	Patterns []PatternRule
	// DangerousFilename — регулярное выражение опасных символов в имени файла
	DangerousFilename string
	Weights           FindingWeights
	// TypeFactors — множитель оценки по типу (по умолчанию 1.0)
	TypeFactors map[string]float64
	Thresholds  RiskThresholds

	// ScanPrefixSize — сколько первых байт проверяется на сигнатуры и шаблоны
	ScanPrefixSize int
	// MaxConcurrentValidations — ёмкость admission control
	MaxConcurrentValidations int
	// ValidationTimeout — общий бюджет времени на проверку одного файла
	ValidationTimeout time.Duration

	// QuarantineRetention — срок ожидания ревью до истечения
	QuarantineRetention time.Duration
	// SweepInterval — период фоновой проверки истёкших записей
	SweepInterval time.Duration
	// SweepBatchSize — сколько записей истекает за один UPDATE
	SweepBatchSize int
	// RetainResolvedFiles — сохранять байты после reject/expire
	RetainResolvedFiles bool

	// ClamAVURL — адрес clamd; пусто — антивирус отключён
	ClamAVURL string

	DuplicateCacheSize int
	DuplicateCacheTTL  time.Duration
}

const (
	kib = 1024
	mib = 1024 * kib
)

// DefaultFileSecurity возвращает политику по умолчанию.
func DefaultFileSecurity() *FileSecurity {
	imageRange := SizeRange{Min: 100, Max: 5 * mib}

	return &FileSecurity{
		AllowedTypes: map[string][]string{
			"image/jpeg":      {".jpg", ".jpeg"},
			"image/png":       {".png"},
			"image/gif":       {".gif"},
			"image/webp":      {".webp"},
			"application/pdf": {".pdf"},
		},
		SizeLimits: map[string]SizeRange{
			"image/jpeg":      imageRange,
			"image/png":       imageRange,
			"image/gif":       imageRange,
			"image/webp":      imageRange,
			"application/pdf": {Min: 100, Max: 10 * mib},
		},
		DefaultSize: SizeRange{Min: 100, Max: 5 * mib},
		Signatures: map[string][]MagicSignature{
			"image/jpeg": {{{Offset: 0, Bytes: []byte{0xFF, 0xD8, 0xFF}}}},
			"image/png":  {{{Offset: 0, Bytes: []byte{0x89, 0x50, 0x4E, 0x47, 0x0D, 0x0A, 0x1A, 0x0A}}}},
			"image/gif": {
				{{Offset: 0, Bytes: []byte("GIF87a")}},
				{{Offset: 0, Bytes: []byte("GIF89a")}},
			},
			"image/webp": {
				{{Offset: 0, Bytes: []byte("RIFF")}, {Offset: 8, Bytes: []byte("WEBP")}},
			},
			"application/pdf": {{{Offset: 0, Bytes: []byte("%PDF-")}}},
		},
		Patterns:          DefaultPatterns(),
		DangerousFilename: `[\x00-\x1f\x7f/\\:*?"<>|]|\.\.`,
		Weights: FindingWeights{
			ForbiddenType:      50,
			Oversized:          35,
			Undersized:         15,
			ExtensionMismatch:  30,
			MagicMismatch:      30,
			MaliciousContent:   40,
			SuspiciousFilename: 20,
			Duplicate:          0,
			Malware:            100,
		},
		TypeFactors: map[string]float64{
			"application/pdf": 1.2,
		},
		Thresholds: RiskThresholds{Low: 20, Medium: 40, High: 70},

		ScanPrefixSize:           64 * kib,
		MaxConcurrentValidations: 5,
		ValidationTimeout:        30 * time.Second,

		QuarantineRetention: 30 * 24 * time.Hour,
		SweepInterval:       24 * time.Hour,
		SweepBatchSize:      100,

		DuplicateCacheSize: 1024,
		DuplicateCacheTTL:  time.Hour,
	}
}

// DefaultPatterns возвращает таблицу вредоносных шаблонов по умолчанию.
func DefaultPatterns() []PatternRule {
	return []PatternRule{
		{
			Name:        "script_tag",
			Expr:        `(?i)<\s*script\b`,
			Weight:      40,
			Description: "etiqueta <script>",
		},
		{
			Name:        "embedded_frame",
			Expr:        `(?i)<\s*(iframe|object|embed|applet)\b`,
			Weight:      40,
			Description: "etiqueta iframe/object/embed",
		},
		{
			Name:        "event_handler",
			Expr:        `(?i)\bon(load|error|click|mouseover|mouseout|focus|blur|submit|change|keydown|keyup|abort)\s*=`,
			Weight:      40,
			Description: "atributo manejador de eventos",
		},
		{
			Name:        "script_uri",
			Expr:        `(?i)\b(javascript|vbscript)\s*:`,
			Weight:      40,
			Description: "URI javascript:/vbscript:",
		},
		{
			Name:        "server_tag",
			Expr:        `(?i)(<\?php|<\?=|<%[=@]|<jsp:)`,
			Weight:      40,
			Description: "código de servidor PHP/ASP/JSP",
		},
		{
			Name:        "encoded_script",
			Expr:        `(?i)(&#x0*3c;?|&#0*60;?|%3c|\\x3c|\\u003c)\s*script`,
			Weight:      40,
			Description: "etiqueta <script> codificada",
		},
		{
			Name:        "executable_reference",
			Expr:        `(?i)\b[\w-]+\.(exe|scr|bat|cmd|pif|vbs|msi|ps1|jar)\b`,
			Weight:      40,
			Description: "referencia a un ejecutable",
		},
		{
			Name:        "dynamic_code",
			Expr:        `(?i)(\beval\s*\(|document\.cookie|document\.write\s*\()`,
			Weight:      40,
			Description: "ejecución dinámica de código",
		},
	}
}

// NormalizeMIME приводит MIME-тип к нижнему регистру и отбрасывает параметры.
func NormalizeMIME(mimeType string) string {
	if i := strings.IndexByte(mimeType, ';'); i >= 0 {
		mimeType = mimeType[:i]
	}
	return strings.ToLower(strings.TrimSpace(mimeType))
}

// IsAllowed проверяет, входит ли тип в allow-list.
func (fs *FileSecurity) IsAllowed(mimeType string) bool {
	_, ok := fs.AllowedTypes[NormalizeMIME(mimeType)]
	return ok
}

// SizeRangeFor возвращает диапазон размеров для типа.
func (fs *FileSecurity) SizeRangeFor(mimeType string) SizeRange {
	if r, ok := fs.SizeLimits[NormalizeMIME(mimeType)]; ok {
		return r
	}
	return fs.DefaultSize
}

// TypeFactor возвращает множитель оценки для типа.
func (fs *FileSecurity) TypeFactor(mimeType string) float64 {
	if f, ok := fs.TypeFactors[NormalizeMIME(mimeType)]; ok {
		return f
	}
	return 1.0
}

// Validate проверяет связность политики. Ошибка здесь — ошибка конфигурации,
// сервис с такой политикой не стартует.
func (fs *FileSecurity) Validate() error {
	var errs []error

	if len(fs.AllowedTypes) == 0 {
		errs = append(errs, errors.New("пустой список допустимых типов"))
	}
	for mt, exts := range fs.AllowedTypes {
		if len(exts) == 0 {
			errs = append(errs, fmt.Errorf("тип %s: не задано ни одного расширения", mt))
		}
		if len(fs.Signatures[mt]) == 0 {
			errs = append(errs, fmt.Errorf("тип %s: не задана сигнатура", mt))
		}
	}
	if err := validateRange("по умолчанию", fs.DefaultSize); err != nil {
		errs = append(errs, err)
	}
	for mt, r := range fs.SizeLimits {
		if err := validateRange(mt, r); err != nil {
			errs = append(errs, err)
		}
	}

	for _, p := range fs.Patterns {
		if p.Name == "" {
			errs = append(errs, errors.New("шаблон без имени"))
		}
		if _, err := regexp.Compile(p.Expr); err != nil {
			errs = append(errs, fmt.Errorf("шаблон %s: %w", p.Name, err))
		}
		if p.Weight < 0 {
			errs = append(errs, fmt.Errorf("шаблон %s: отрицательный вес", p.Name))
		}
	}
	if _, err := regexp.Compile(fs.DangerousFilename); err != nil {
		errs = append(errs, fmt.Errorf("регулярное выражение имени файла: %w", err))
	}

	th := fs.Thresholds
	if th.Low <= 0 || th.Low >= th.Medium || th.Medium >= th.High || th.High > 100 {
		errs = append(errs, fmt.Errorf("пороги риска должны строго возрастать в (0, 100]: %d, %d, %d",
			th.Low, th.Medium, th.High))
	}
	for mt, f := range fs.TypeFactors {
		if f <= 0 {
			errs = append(errs, fmt.Errorf("тип %s: множитель должен быть положительным", mt))
		}
	}

	if fs.ScanPrefixSize <= 0 {
		errs = append(errs, errors.New("размер сканируемого префикса должен быть положительным"))
	}
	if fs.MaxConcurrentValidations <= 0 {
		errs = append(errs, errors.New("число одновременных проверок должно быть положительным"))
	}
	if fs.ValidationTimeout <= 0 {
		errs = append(errs, errors.New("таймаут проверки должен быть положительным"))
	}
	if fs.QuarantineRetention <= 0 {
		errs = append(errs, errors.New("срок хранения в карантине должен быть положительным"))
	}
	if fs.SweepInterval <= 0 {
		errs = append(errs, errors.New("интервал проверки истечения должен быть положительным"))
	}
	if fs.SweepBatchSize <= 0 {
		errs = append(errs, errors.New("размер пакета истечения должен быть положительным"))
	}
	if fs.DuplicateCacheSize <= 0 {
		errs = append(errs, errors.New("размер кэша дубликатов должен быть положительным"))
	}

	return errors.Join(errs...)
}

func validateRange(name string, r SizeRange) error {
	if r.Max <= 0 {
		return fmt.Errorf("размер %s: максимум должен быть положительным", name)
	}
	if r.Min < 0 || r.Min > r.Max {
		return fmt.Errorf("размер %s: минимум %d больше максимума %d", name, r.Min, r.Max)
	}
	return nil
}
