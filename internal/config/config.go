// Пакет config — загрузка и валидация конфигурации Receipt Module
// из переменных окружения.
package config

import (
	"fmt"
	"log/slog"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"
)

// Версия приложения, задаётся при сборке через -ldflags.
var Version = "dev"

// Config содержит все параметры конфигурации Receipt Module.
type Config struct {
	// --- Сервер ---

	// Порт HTTP-сервера (диапазон 8020-8029)
	Port int
	// Уровень логирования (debug, info, warn, error)
	LogLevel slog.Level
	// Формат логов (json, text)
	LogFormat string
	// Таймаут graceful shutdown HTTP-сервера
	ShutdownTimeout time.Duration
	// Максимальный размер тела multipart-запроса
	MaxUploadSize int64

	// --- PostgreSQL ---

	DBHost     string
	DBPort     int
	DBName     string
	DBUser     string
	DBPassword string
	// Режим SSL: disable, require, verify-ca, verify-full
	DBSSLMode string

	// --- JWT ---

	// URL JWKS endpoint Keycloak
	JWTJWKSURL string
	// Ожидаемый issuer JWT (пусто — не проверяется)
	JWTIssuer string
	// Путь к CA-сертификату для JWKS (опционально)
	JWKSCACertPath string
	// Интервал обновления JWKS-ключей
	JWKSRefreshInterval time.Duration
	// Таймаут HTTP-клиента JWKS и readiness-проверки
	JWKSClientTimeout time.Duration
	// Допустимое отклонение времени при проверке JWT
	JWTLeeway time.Duration

	// --- Маппинг групп → ролей ---

	RoleAdminGroups     []string
	RoleTreasurerGroups []string
	RoleReadonlyGroups  []string

	// --- topologymetrics ---

	DephealthGroup         string
	DephealthCheckInterval time.Duration

	// --- Файловое хранилище ---

	// Корень постоянного хранилища (разбит по годам: <dir>/<year>/)
	UploadsDir string
	// Корень карантина (<dir>/<id>/...)
	QuarantineDir string
	// Директория для временных файлов на время проверки
	StagingDir string

	// --- Политика безопасности файлов ---

	FileSecurity *FileSecurity
}

// Load загружает конфигурацию из переменных окружения, валидирует
// обязательные поля и возвращает Config или ошибку.
//
//nolint:funlen,gocyclo // линейный разбор переменных окружения
func Load() (*Config, error) {
	cfg := &Config{}
	var err error

	// --- Сервер ---

	// RM_PORT — порт HTTP-сервера (по умолчанию 8020)
	cfg.Port, err = getEnvInt("RM_PORT", 8020)
	if err != nil {
		return nil, fmt.Errorf("RM_PORT: %w", err)
	}
	if cfg.Port < 8020 || cfg.Port > 8029 {
		return nil, fmt.Errorf("RM_PORT: значение %d вне допустимого диапазона 8020-8029", cfg.Port)
	}

	cfg.LogLevel, err = parseLogLevel(getEnvDefault("RM_LOG_LEVEL", "info"))
	if err != nil {
		return nil, fmt.Errorf("RM_LOG_LEVEL: %w", err)
	}

	cfg.LogFormat = getEnvDefault("RM_LOG_FORMAT", "json")
	if cfg.LogFormat != "json" && cfg.LogFormat != "text" {
		return nil, fmt.Errorf("RM_LOG_FORMAT: недопустимое значение %q, допустимые: json, text", cfg.LogFormat)
	}

	cfg.ShutdownTimeout, err = getEnvDuration("RM_SHUTDOWN_TIMEOUT", 5*time.Second)
	if err != nil {
		return nil, fmt.Errorf("RM_SHUTDOWN_TIMEOUT: %w", err)
	}

	// RM_MAX_UPLOAD_SIZE — потолок тела запроса (по умолчанию 25 МБ)
	cfg.MaxUploadSize, err = getEnvInt64("RM_MAX_UPLOAD_SIZE", 25*1024*1024)
	if err != nil {
		return nil, fmt.Errorf("RM_MAX_UPLOAD_SIZE: %w", err)
	}
	if cfg.MaxUploadSize <= 0 {
		return nil, fmt.Errorf("RM_MAX_UPLOAD_SIZE: значение должно быть положительным")
	}

	// --- PostgreSQL ---

	if cfg.DBHost, err = getEnvRequired("RM_DB_HOST"); err != nil {
		return nil, err
	}
	cfg.DBPort, err = getEnvInt("RM_DB_PORT", 5432)
	if err != nil {
		return nil, fmt.Errorf("RM_DB_PORT: %w", err)
	}
	if cfg.DBName, err = getEnvRequired("RM_DB_NAME"); err != nil {
		return nil, err
	}
	if cfg.DBUser, err = getEnvRequired("RM_DB_USER"); err != nil {
		return nil, err
	}
	if cfg.DBPassword, err = getEnvRequired("RM_DB_PASSWORD"); err != nil {
		return nil, err
	}
	cfg.DBSSLMode = getEnvDefault("RM_DB_SSL_MODE", "disable")
	validSSLModes := map[string]bool{
		"disable": true, "require": true, "verify-ca": true, "verify-full": true,
	}
	if !validSSLModes[cfg.DBSSLMode] {
		return nil, fmt.Errorf("RM_DB_SSL_MODE: недопустимое значение %q, допустимые: disable, require, verify-ca, verify-full", cfg.DBSSLMode)
	}

	// --- JWT ---

	if cfg.JWTJWKSURL, err = getEnvRequired("RM_JWT_JWKS_URL"); err != nil {
		return nil, err
	}
	cfg.JWTIssuer = getEnvDefault("RM_JWT_ISSUER", "")
	cfg.JWKSCACertPath = getEnvDefault("RM_JWKS_CA_CERT", "")

	cfg.JWKSRefreshInterval, err = getEnvDuration("RM_JWKS_REFRESH_INTERVAL", 15*time.Minute)
	if err != nil {
		return nil, fmt.Errorf("RM_JWKS_REFRESH_INTERVAL: %w", err)
	}
	cfg.JWKSClientTimeout, err = getEnvDuration("RM_JWKS_CLIENT_TIMEOUT", 10*time.Second)
	if err != nil {
		return nil, fmt.Errorf("RM_JWKS_CLIENT_TIMEOUT: %w", err)
	}
	cfg.JWTLeeway, err = getEnvDuration("RM_JWT_LEEWAY", 30*time.Second)
	if err != nil {
		return nil, fmt.Errorf("RM_JWT_LEEWAY: %w", err)
	}

	// --- Маппинг групп → ролей ---

	cfg.RoleAdminGroups = parseCSV(getEnvDefault("RM_ROLE_ADMIN_GROUPS", "scouts-admins"))
	cfg.RoleTreasurerGroups = parseCSV(getEnvDefault("RM_ROLE_TREASURER_GROUPS", "scouts-tesoreria"))
	cfg.RoleReadonlyGroups = parseCSV(getEnvDefault("RM_ROLE_READONLY_GROUPS", "scouts-viewers"))

	// --- topologymetrics ---

	cfg.DephealthGroup = getEnvDefault("RM_DEPHEALTH_GROUP", "scouts")
	cfg.DephealthCheckInterval, err = getEnvDuration("RM_DEPHEALTH_CHECK_INTERVAL", 15*time.Second)
	if err != nil {
		return nil, fmt.Errorf("RM_DEPHEALTH_CHECK_INTERVAL: %w", err)
	}

	// --- Файловое хранилище ---

	if cfg.UploadsDir, err = getEnvRequired("RM_UPLOADS_DIR"); err != nil {
		return nil, err
	}
	if cfg.QuarantineDir, err = getEnvRequired("RM_QUARANTINE_DIR"); err != nil {
		return nil, err
	}
	cfg.StagingDir = getEnvDefault("RM_STAGING_DIR", filepath.Join(cfg.UploadsDir, ".staging"))
	if err := validateStorageDirs(cfg.UploadsDir, cfg.QuarantineDir); err != nil {
		return nil, err
	}

	// --- Политика безопасности файлов ---

	cfg.FileSecurity, err = loadFileSecurity()
	if err != nil {
		return nil, err
	}

	return cfg, nil
}

// loadFileSecurity строит политику по умолчанию и применяет переопределения из окружения.
func loadFileSecurity() (*FileSecurity, error) {
	fs := DefaultFileSecurity()
	var err error

	if fs.ScanPrefixSize, err = getEnvInt("RM_SCAN_PREFIX_SIZE", fs.ScanPrefixSize); err != nil {
		return nil, fmt.Errorf("RM_SCAN_PREFIX_SIZE: %w", err)
	}
	if fs.MaxConcurrentValidations, err = getEnvInt("RM_MAX_CONCURRENT_VALIDATIONS", fs.MaxConcurrentValidations); err != nil {
		return nil, fmt.Errorf("RM_MAX_CONCURRENT_VALIDATIONS: %w", err)
	}
	if fs.ValidationTimeout, err = getEnvDuration("RM_VALIDATION_TIMEOUT", fs.ValidationTimeout); err != nil {
		return nil, fmt.Errorf("RM_VALIDATION_TIMEOUT: %w", err)
	}
	if fs.QuarantineRetention, err = getEnvDuration("RM_QUARANTINE_RETENTION", fs.QuarantineRetention); err != nil {
		return nil, fmt.Errorf("RM_QUARANTINE_RETENTION: %w", err)
	}
	if fs.SweepInterval, err = getEnvDuration("RM_SWEEP_INTERVAL", fs.SweepInterval); err != nil {
		return nil, fmt.Errorf("RM_SWEEP_INTERVAL: %w", err)
	}
	if fs.RetainResolvedFiles, err = getEnvBool("RM_RETAIN_RESOLVED_FILES", fs.RetainResolvedFiles); err != nil {
		return nil, fmt.Errorf("RM_RETAIN_RESOLVED_FILES: %w", err)
	}
	if fs.DuplicateCacheSize, err = getEnvInt("RM_DUPLICATE_CACHE_SIZE", fs.DuplicateCacheSize); err != nil {
		return nil, fmt.Errorf("RM_DUPLICATE_CACHE_SIZE: %w", err)
	}
	if fs.DuplicateCacheTTL, err = getEnvDuration("RM_DUPLICATE_CACHE_TTL", fs.DuplicateCacheTTL); err != nil {
		return nil, fmt.Errorf("RM_DUPLICATE_CACHE_TTL: %w", err)
	}

	// RM_CLAMAV_URL — адрес clamd (опционально, например tcp://clamav:3310)
	fs.ClamAVURL = getEnvDefault("RM_CLAMAV_URL", "")
	if fs.ClamAVURL != "" {
		u, parseErr := url.Parse(fs.ClamAVURL)
		if parseErr != nil || (u.Scheme != "tcp" && u.Scheme != "unix") {
			return nil, fmt.Errorf("RM_CLAMAV_URL: недопустимый адрес %q, ожидается tcp://host:port или unix:///path", fs.ClamAVURL)
		}
	}

	if err := fs.Validate(); err != nil {
		return nil, fmt.Errorf("политика безопасности файлов: %w", err)
	}
	return fs, nil
}

// validateStorageDirs проверяет, что карантин не пересекается с постоянным хранилищем.
// Файлы карантина не должны быть доступны как принятые.
func validateStorageDirs(uploadsDir, quarantineDir string) error {
	up, err := filepath.Abs(uploadsDir)
	if err != nil {
		return fmt.Errorf("RM_UPLOADS_DIR: %w", err)
	}
	qd, err := filepath.Abs(quarantineDir)
	if err != nil {
		return fmt.Errorf("RM_QUARANTINE_DIR: %w", err)
	}
	if up == qd {
		return fmt.Errorf("RM_QUARANTINE_DIR: совпадает с RM_UPLOADS_DIR")
	}
	if rel, relErr := filepath.Rel(up, qd); relErr == nil && !strings.HasPrefix(rel, "..") {
		return fmt.Errorf("RM_QUARANTINE_DIR: не может находиться внутри RM_UPLOADS_DIR")
	}
	return nil
}

// DatabaseDSN возвращает строку подключения к PostgreSQL.
func (c *Config) DatabaseDSN() string {
	return fmt.Sprintf(
		"host=%s port=%d dbname=%s user=%s password=%s sslmode=%s",
		c.DBHost, c.DBPort, c.DBName, c.DBUser, c.DBPassword, c.DBSSLMode,
	)
}

// DatabaseURL возвращает URL PostgreSQL для лейблов topologymetrics (без пароля).
func (c *Config) DatabaseURL() string {
	return fmt.Sprintf("postgres://%s@%s:%d/%s", c.DBUser, c.DBHost, c.DBPort, c.DBName)
}

// SetupLogger настраивает глобальный slog-логгер на основе конфигурации.
func SetupLogger(cfg *Config) *slog.Logger {
	opts := &slog.HandlerOptions{
		Level: cfg.LogLevel,
	}

	var handler slog.Handler
	if cfg.LogFormat == "json" {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	} else {
		handler = slog.NewTextHandler(os.Stdout, opts)
	}

	logger := slog.New(handler)
	slog.SetDefault(logger)
	return logger
}

// --- Вспомогательные функции ---

// getEnvRequired возвращает значение переменной окружения или ошибку, если она не задана.
func getEnvRequired(key string) (string, error) {
	val := os.Getenv(key)
	if val == "" {
		return "", fmt.Errorf("%s: обязательная переменная окружения не задана", key)
	}
	return val, nil
}

// getEnvDefault возвращает значение переменной окружения или значение по умолчанию.
func getEnvDefault(key, defaultVal string) string {
	val := os.Getenv(key)
	if val == "" {
		return defaultVal
	}
	return val
}

func getEnvInt(key string, defaultVal int) (int, error) {
	val := os.Getenv(key)
	if val == "" {
		return defaultVal, nil
	}
	n, err := strconv.Atoi(val)
	if err != nil {
		return 0, fmt.Errorf("некорректное целое число: %q", val)
	}
	return n, nil
}

func getEnvInt64(key string, defaultVal int64) (int64, error) {
	val := os.Getenv(key)
	if val == "" {
		return defaultVal, nil
	}
	n, err := strconv.ParseInt(val, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("некорректное целое число: %q", val)
	}
	return n, nil
}

func getEnvBool(key string, defaultVal bool) (bool, error) {
	val := os.Getenv(key)
	if val == "" {
		return defaultVal, nil
	}
	b, err := strconv.ParseBool(val)
	if err != nil {
		return false, fmt.Errorf("некорректное логическое значение: %q", val)
	}
	return b, nil
}

// getEnvDuration возвращает time.Duration из переменной окружения или значение по умолчанию.
func getEnvDuration(key string, defaultVal time.Duration) (time.Duration, error) {
	val := os.Getenv(key)
	if val == "" {
		return defaultVal, nil
	}
	d, err := time.ParseDuration(val)
	if err != nil {
		return 0, fmt.Errorf("некорректная длительность: %q (используйте формат Go: 30s, 1h, 15m)", val)
	}
	return d, nil
}

// parseLogLevel преобразует строку уровня логирования в slog.Level.
func parseLogLevel(level string) (slog.Level, error) {
	switch strings.ToLower(level) {
	case "debug":
		return slog.LevelDebug, nil
	case "info":
		return slog.LevelInfo, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	default:
		return slog.LevelInfo, fmt.Errorf("недопустимый уровень %q, допустимые: debug, info, warn, error", level)
	}
}

// parseCSV разбирает строку, разделённую запятыми, на срез строк.
// Пробелы вокруг элементов убираются, пустые элементы игнорируются.
func parseCSV(s string) []string {
	if s == "" {
		return nil
	}
	parts := strings.Split(s, ",")
	result := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			result = append(result, p)
		}
	}
	return result
}
